package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/db"
	"github.com/ehr/pricing/internal/platform/metrics"
)

type Service struct {
	services ServiceRepository
	factors  FactorRepository
	resolver *Resolver
	pricer   *PriceCalculator
	txb      db.TxBeginner
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the tariff service. txb may be nil for in-memory repositories.
func NewService(services ServiceRepository, factors FactorRepository, txb db.TxBeginner, logger zerolog.Logger) *Service {
	resolver := NewResolver(factors)
	return &Service{
		services: services,
		factors:  factors,
		resolver: resolver,
		pricer:   NewPriceCalculator(resolver),
		txb:      txb,
		logger:   logger.With().Str("component", "tariff").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) PriceCalculator() *PriceCalculator { return s.pricer }

// -- Services and components --

func (s *Service) CreateService(ctx context.Context, svc *MedicalService) error {
	if svc.Code == "" {
		return apperr.Validation("code is required")
	}
	if svc.Name == "" {
		return apperr.Validation("name is required")
	}
	if svc.CategoryID == uuid.Nil {
		return apperr.Validation("category_id is required")
	}
	svc.Active = true
	return s.services.CreateService(ctx, svc)
}

func (s *Service) GetService(ctx context.Context, id uuid.UUID) (*MedicalService, error) {
	return s.services.GetService(ctx, id)
}

func (s *Service) ListServices(ctx context.Context, limit, offset int) ([]*MedicalService, int, error) {
	return s.services.ListServices(ctx, limit, offset)
}

// AddComponent attaches a new active component. Existing components are never
// edited; a price change deactivates the old row and adds a new one.
func (s *Service) AddComponent(ctx context.Context, c *ServiceComponent) error {
	if !c.Kind.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid component kind: %q", c.Kind))
	}
	if !c.Coefficient.IsPositive() {
		return apperr.Validation("coefficient must be positive")
	}
	if !c.Coefficient.Equal(c.Coefficient.Round(2)) {
		return apperr.Validation("coefficient allows at most 2 fractional digits")
	}
	if _, err := s.services.GetService(ctx, c.ServiceID); err != nil {
		return err
	}
	c.Active = true
	return s.services.AddComponent(ctx, c)
}

func (s *Service) DeactivateComponent(ctx context.Context, id uuid.UUID) error {
	return s.services.DeactivateComponent(ctx, id)
}

// BasePrice prices a stored service at an instant.
func (s *Service) BasePrice(ctx context.Context, serviceID uuid.UUID, at time.Time, purpose Purpose) (*BasePrice, error) {
	svc, err := s.services.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.pricer.BasePrice(ctx, svc, at, purpose)
}

// -- Factor settings --

// CreateFactorSetting adds a setting to an open financial year. A setting that
// would share its start with an existing one of the same kind is rejected,
// since the resolver could not choose between them.
func (s *Service) CreateFactorSetting(ctx context.Context, f *FactorSetting) error {
	if !f.Kind.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid component kind: %q", f.Kind))
	}
	if f.Hashtagged && f.Kind != KindTechnical {
		return apperr.Validation("only technical factors can be hashtagged")
	}
	if f.FinancialYear <= 0 {
		return apperr.Validation("financial_year is required")
	}
	if f.EffectiveFrom.IsZero() {
		return apperr.Validation("effective_from is required")
	}
	if f.EffectiveTo != nil && !f.EffectiveTo.After(f.EffectiveFrom) {
		return apperr.Validation("effective_to must be after effective_from")
	}
	if !f.Value.IsPositive() {
		return apperr.Validation("value must be positive")
	}
	f.Freeze = FreezeState{Status: StatusOpen}

	return db.RunInTx(ctx, s.txb, db.WriteTx, func(ctx context.Context) error {
		if err := s.factors.LockWrites(ctx); err != nil {
			return fmt.Errorf("lock factor writes: %w", err)
		}
		frozen, err := s.factors.ListFrozen(ctx)
		if err != nil {
			return fmt.Errorf("list frozen settings: %w", err)
		}
		for _, span := range frozenSpans(frozen) {
			if span.year == f.FinancialYear || span.overlaps(f.EffectiveFrom, f.EffectiveTo) {
				return apperr.Conflict(apperr.CodeFrozenYear,
					fmt.Sprintf("financial year %d is frozen", span.year)).
					With("financial_year", fmt.Sprint(span.year))
			}
		}

		current, err := s.factors.ListCandidates(ctx, f.Kind, f.Hashtagged, f.EffectiveFrom)
		if err != nil {
			return fmt.Errorf("list factor candidates: %w", err)
		}
		for _, existing := range current {
			if existing.EffectiveFrom.Equal(f.EffectiveFrom) {
				return apperr.Conflict(apperr.CodeAmbiguousOrMissingFactor,
					"a setting with the same kind and effective_from already exists").
					With("factor_setting_id", existing.ID.String())
			}
		}
		return s.factors.Create(ctx, f)
	})
}

func (s *Service) GetFactorSetting(ctx context.Context, id uuid.UUID) (*FactorSetting, error) {
	return s.factors.GetByID(ctx, id)
}

func (s *Service) ListFactorSettings(ctx context.Context, year int) ([]*FactorSetting, error) {
	return s.factors.ListByYear(ctx, year)
}

// FreezeYear freezes every setting of a financial year atomically. Each row is
// updated with a compare-and-swap on its version; if any row changed since it
// was read the whole freeze is rolled back with CONCURRENT_MODIFICATION.
func (s *Service) FreezeYear(ctx context.Context, year int, actor string) (*YearStatus, error) {
	if actor == "" {
		return nil, apperr.Validation("actor is required to freeze a year")
	}
	at := s.now().UTC()

	var status *YearStatus
	err := db.RunInTx(ctx, s.txb, db.WriteTx, func(ctx context.Context) error {
		if err := s.factors.LockWrites(ctx); err != nil {
			return fmt.Errorf("lock factor writes: %w", err)
		}
		settings, err := s.factors.ListByYear(ctx, year)
		if err != nil {
			return fmt.Errorf("list year settings: %w", err)
		}
		if len(settings) == 0 {
			return apperr.NotFound("financial year", fmt.Sprint(year))
		}

		changed := 0
		for _, f := range settings {
			expected := f.Version
			if err := f.Freeze.Freeze(actor, at); err != nil {
				if errors.Is(err, ErrAlreadyFrozen) {
					continue
				}
				return err
			}
			ok, err := s.factors.CompareAndFreeze(ctx, f, expected)
			if err != nil {
				return fmt.Errorf("freeze setting %s: %w", f.ID, err)
			}
			if !ok {
				return apperr.Conflict(apperr.CodeConcurrentModification,
					fmt.Sprintf("factor setting %s was modified concurrently", f.ID)).
					With("factor_setting_id", f.ID.String())
			}
			changed++
		}
		if changed == 0 {
			return apperr.Conflict(apperr.CodeFrozenYear, fmt.Sprintf("financial year %d is already frozen", year))
		}
		status = summarize(year, settings)
		return nil
	})
	if err != nil {
		metrics.RecordYearFreeze(freezeResult(err))
		s.logger.Warn().Err(err).Int("financial_year", year).Str("actor", actor).Msg("year freeze failed")
		return nil, err
	}

	metrics.RecordYearFreeze("frozen")
	s.logger.Info().Int("financial_year", year).Str("actor", actor).Int("settings", status.Settings).Msg("financial year frozen")
	return status, nil
}

func (s *Service) YearStatus(ctx context.Context, year int) (*YearStatus, error) {
	settings, err := s.factors.ListByYear(ctx, year)
	if err != nil {
		return nil, err
	}
	if len(settings) == 0 {
		return nil, apperr.NotFound("financial year", fmt.Sprint(year))
	}
	return summarize(year, settings), nil
}

func summarize(year int, settings []*FactorSetting) *YearStatus {
	st := &YearStatus{FinancialYear: year, Settings: len(settings)}
	for _, f := range settings {
		if !f.Freeze.IsFrozen() {
			continue
		}
		st.Frozen++
		if st.FrozenAt == nil || (f.Freeze.FrozenAt != nil && f.Freeze.FrozenAt.Before(*st.FrozenAt)) {
			st.FrozenAt = f.Freeze.FrozenAt
		}
	}
	st.IsFrozen = st.Settings > 0 && st.Frozen == st.Settings
	return st
}

func freezeResult(err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeConcurrentModification:
		return "conflict"
	case apperr.CodeFrozenYear:
		return "already_frozen"
	case apperr.CodeNotFound:
		return "not_found"
	}
	return "error"
}

// yearSpan is the date range a frozen financial year governs: twelve months
// from its earliest setting, or up to its latest explicit end when later.
type yearSpan struct {
	year       int
	start, end time.Time
}

func (y yearSpan) overlaps(from time.Time, to *time.Time) bool {
	return from.Before(y.end) && (to == nil || to.After(y.start))
}

func frozenSpans(settings []*FactorSetting) []yearSpan {
	byYear := make(map[int]*yearSpan)
	var order []int
	for _, f := range settings {
		if !f.Freeze.IsFrozen() {
			continue
		}
		span, ok := byYear[f.FinancialYear]
		if !ok {
			span = &yearSpan{year: f.FinancialYear, start: f.EffectiveFrom}
			byYear[f.FinancialYear] = span
			order = append(order, f.FinancialYear)
		}
		if f.EffectiveFrom.Before(span.start) {
			span.start = f.EffectiveFrom
		}
		if f.EffectiveTo != nil && f.EffectiveTo.After(span.end) {
			span.end = *f.EffectiveTo
		}
	}
	spans := make([]yearSpan, 0, len(order))
	for _, year := range order {
		span := byYear[year]
		if natural := span.start.AddDate(1, 0, 0); natural.After(span.end) {
			span.end = natural
		}
		spans = append(spans, *span)
	}
	return spans
}
