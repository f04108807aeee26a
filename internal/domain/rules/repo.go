package rules

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *BusinessRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*BusinessRule, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*BusinessRule, int, error)
	// ListApplicable returns active rules in force at at whose scope matches f.
	ListApplicable(ctx context.Context, f Filter, at time.Time) ([]*BusinessRule, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}
