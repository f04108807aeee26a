package calculation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/domain/tariff"
	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/audit"
	"github.com/ehr/pricing/internal/platform/db"
	"github.com/ehr/pricing/internal/platform/metrics"
)

// DefaultMaxBatch bounds the services in one request when no limit is configured.
const DefaultMaxBatch = 50

type Service struct {
	orch     *Orchestrator
	repo     Repository
	txb      db.TxBeginner
	emitter  audit.Emitter
	maxBatch int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(orch *Orchestrator, repo Repository, txb db.TxBeginner, emitter audit.Emitter, maxBatch int, logger zerolog.Logger) *Service {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &Service{
		orch:     orch,
		repo:     repo,
		txb:      txb,
		emitter:  emitter,
		maxBatch: maxBatch,
		logger:   logger.With().Str("component", "calculation").Logger(),
		now:      time.Now,
	}
}

func (s *Service) validate(req *Request) error {
	if req.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if len(req.ServiceIDs) == 0 {
		return apperr.Validation("service_ids must not be empty")
	}
	if len(req.ServiceIDs) > s.maxBatch {
		return apperr.Validation(fmt.Sprintf("at most %d services per request", s.maxBatch))
	}
	if req.Type == "" {
		req.Type = TypeService
		if req.ReceptionID != nil {
			req.Type = TypeReception
		} else if req.AppointmentID != nil {
			req.Type = TypeAppointment
		}
	}
	if !req.Type.Valid() {
		return apperr.Validation("unknown calculation_type: " + string(req.Type))
	}
	if req.Type == TypeReception && req.ReceptionID == nil {
		return apperr.Validation("reception_id is required for reception calculations")
	}
	if req.Type == TypeAppointment && req.AppointmentID == nil {
		return apperr.Validation("appointment_id is required for appointment calculations")
	}
	if req.AsOf.IsZero() {
		req.AsOf = s.now()
	}
	return nil
}

// CalculateAndPersist prices req and stores one record per successful
// service, all inside one snapshot transaction that joins the caller's.
// A batch-fatal error stores nothing.
func (s *Service) CalculateAndPersist(ctx context.Context, req Request) (*CalculationSet, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	req.Purpose = tariff.PurposeNewCalculation

	start := time.Now()
	defer func() { metrics.ObserveBatch(time.Since(start)) }()

	var set *CalculationSet
	err := db.RunInTx(ctx, s.txb, db.SnapshotTx, func(ctx context.Context) error {
		var err error
		set, err = s.orch.Calculate(ctx, req)
		if err != nil {
			return err
		}
		for _, r := range set.Results {
			if r.Calculation != nil {
				if err := s.repo.Create(ctx, r.Calculation); err != nil {
					return fmt.Errorf("persist calculation: %w", err)
				}
			}
			if err := s.emitter.Emit(ctx, resultEvent(req.PatientID, r, s.now())); err != nil {
				return fmt.Errorf("emit audit event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, req, err)
		return nil, err
	}

	for _, r := range set.Results {
		metrics.RecordCalculation(string(r.Outcome), apperr.CodeOf(r.Err))
	}
	s.logger.Info().Str("patient_id", req.PatientID.String()).Int("services", len(req.ServiceIDs)).
		Int("persisted", len(set.Calculations())).Bool("partial", set.Failed()).Msg("calculations persisted")
	return set, nil
}

// Preview prices req without storing anything. Historical previews may read
// frozen factor settings from before the freeze.
func (s *Service) Preview(ctx context.Context, req Request, historical bool) (*CalculationSet, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	req.Purpose = tariff.PurposeNewCalculation
	if historical {
		req.Purpose = tariff.PurposeHistorical
	}
	var set *CalculationSet
	err := db.RunInTx(ctx, s.txb, db.SnapshotTx, func(ctx context.Context) error {
		var err error
		set, err = s.orch.Calculate(ctx, req)
		return err
	})
	return set, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*InsuranceCalculation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*InsuranceCalculation, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByReception(ctx context.Context, receptionID uuid.UUID) ([]*InsuranceCalculation, error) {
	return s.repo.ListByReception(ctx, receptionID)
}

// VoidReception soft-deletes every live calculation of a voided reception.
func (s *Service) VoidReception(ctx context.Context, receptionID uuid.UUID) (int, error) {
	n, err := s.repo.VoidReception(ctx, receptionID, s.now())
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("reception_id", receptionID.String()).Int("voided", n).Msg("reception calculations voided")
	return n, nil
}

// Replace recalculates a stored calculation against current data and
// supersedes it. The original stays readable with ReplacedBy set.
func (s *Service) Replace(ctx context.Context, id uuid.UUID, actor string) (*InsuranceCalculation, error) {
	var replacement *InsuranceCalculation
	err := db.RunInTx(ctx, s.txb, db.SnapshotTx, func(ctx context.Context) error {
		old, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if old.DeletedAt != nil {
			return apperr.Conflict(apperr.CodeConcurrentModification, "calculation has already been replaced or voided")
		}
		req := Request{
			PatientID:     old.PatientID,
			AsOf:          old.AsOf,
			Purpose:       tariff.PurposeNewCalculation,
			Type:          old.CalculationType,
			ReceptionID:   old.ReceptionID,
			AppointmentID: old.AppointmentID,
			CreatedBy:     actor,
		}
		res, err := s.orch.CalculateOne(ctx, req, old.ServiceID)
		if err != nil {
			return err
		}
		replacement = res.Calculation
		if err := s.repo.SoftDelete(ctx, old.ID, s.now(), &replacement.ID); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, replacement); err != nil {
			return fmt.Errorf("persist replacement: %w", err)
		}
		ev := resultEvent(old.PatientID, *res, s.now())
		ev.Detail["replaces"] = old.ID.String()
		return s.emitter.Emit(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordCalculation(string(replacement.Outcome()), "")
	s.logger.Info().Str("calculation_id", id.String()).Str("replaced_by", replacement.ID.String()).Msg("calculation replaced")
	return replacement, nil
}

// fail records a batch that stored nothing. The audit write runs outside any
// transaction on ctx, so a caller rolling back does not erase the attempt.
func (s *Service) fail(ctx context.Context, req Request, err error) {
	code := apperr.CodeOf(err)
	metrics.RecordCalculation(string(OutcomeFailed), code)
	s.logger.Warn().Err(err).Str("patient_id", req.PatientID.String()).Str("code", code).Msg("calculation batch rejected")

	ev := audit.Event{
		PatientID:  req.PatientID,
		Outcome:    string(OutcomeFailed),
		Code:       code,
		Detail:     map[string]any{"services": len(req.ServiceIDs), "message": err.Error()},
		OccurredAt: s.now(),
	}
	if emitErr := s.emitter.Emit(db.WithoutTx(ctx), ev); emitErr != nil {
		s.logger.Error().Err(emitErr).Msg("failed to record rejected batch")
	}
}

func resultEvent(patientID uuid.UUID, r Result, at time.Time) audit.Event {
	serviceID := r.ServiceID
	ev := audit.Event{
		PatientID:  patientID,
		ServiceID:  &serviceID,
		Outcome:    string(r.Outcome),
		Code:       apperr.CodeOf(r.Err),
		Detail:     map[string]any{},
		OccurredAt: at,
	}
	if c := r.Calculation; c != nil {
		id := c.ID
		ev.CalculationID = &id
		ev.Detail["adjusted_amount"] = c.AdjustedAmount.String()
		ev.Detail["insurer_share"] = c.InsurerShare.String()
		ev.Detail["supplementary_share"] = c.SupplementaryShare.String()
		ev.Detail["patient_share"] = c.PatientShare.String()
	}
	return ev
}
