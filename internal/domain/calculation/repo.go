package calculation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists calculations. Writes join the transaction on ctx.
type Repository interface {
	Create(ctx context.Context, c *InsuranceCalculation) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceCalculation, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*InsuranceCalculation, int, error)
	ListByReception(ctx context.Context, receptionID uuid.UUID) ([]*InsuranceCalculation, error)
	// ListBetween returns live calculations with as_of in [from, to), oldest first.
	ListBetween(ctx context.Context, from, to time.Time) ([]*InsuranceCalculation, error)
	// SoftDelete marks a live calculation deleted, optionally pointing at its replacement.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error
	// VoidReception soft-deletes every live calculation of a reception.
	VoidReception(ctx context.Context, receptionID uuid.UUID, at time.Time) (int, error)
}
