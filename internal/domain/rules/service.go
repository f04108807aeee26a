package rules

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	engine *Engine
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: NewEngine(repo, logger),
		logger: logger.With().Str("component", "business-rules").Logger(),
	}
}

// Engine returns the evaluator shared by every calculation.
func (s *Service) Engine() *Engine { return s.engine }

// CreateRule stores a new rule after compiling its payloads, so a rule that
// could never be evaluated is refused at the door.
func (s *Service) CreateRule(ctx context.Context, r *BusinessRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return apperr.Validation("name is required")
	}
	if !r.Type.Valid() {
		return apperr.Validation("unknown rule type: " + string(r.Type))
	}
	if r.ValidFrom.IsZero() {
		return apperr.Validation("valid_from is required")
	}
	if r.ValidTo != nil && !r.ValidTo.After(r.ValidFrom) {
		return apperr.Validation("valid_to must be after valid_from")
	}
	if _, err := Compile(r); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return apperr.Validation(err.Error())
		}
		return err
	}
	r.Active = true
	if err := s.repo.Create(ctx, r); err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", r.ID.String()).Str("rule_type", string(r.Type)).
		Int("priority", r.Priority).Msg("business rule created")
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*BusinessRule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, activeOnly bool, limit, offset int) ([]*BusinessRule, int, error) {
	return s.repo.List(ctx, activeOnly, limit, offset)
}

// DeactivateRule retires a rule. Rules are never edited in place.
func (s *Service) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", id.String()).Msg("business rule deactivated")
	return nil
}
