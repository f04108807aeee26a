package tariff

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ServiceRepository interface {
	CreateService(ctx context.Context, s *MedicalService) error
	AddComponent(ctx context.Context, c *ServiceComponent) error
	DeactivateComponent(ctx context.Context, id uuid.UUID) error
	// GetService returns the service with all of its components.
	GetService(ctx context.Context, id uuid.UUID) (*MedicalService, error)
	ListServices(ctx context.Context, limit, offset int) ([]*MedicalService, int, error)
}

type FactorRepository interface {
	Create(ctx context.Context, f *FactorSetting) error
	GetByID(ctx context.Context, id uuid.UUID) (*FactorSetting, error)
	// ListCandidates returns the settings of (kind, hashtagged) whose range covers at.
	ListCandidates(ctx context.Context, kind ComponentKind, hashtagged bool, at time.Time) ([]*FactorSetting, error)
	ListByYear(ctx context.Context, year int) ([]*FactorSetting, error)
	ListFrozen(ctx context.Context) ([]*FactorSetting, error)
	// LockWrites serializes factor creation and year freezes until the
	// surrounding transaction ends.
	LockWrites(ctx context.Context) error
	// CompareAndFreeze persists f's freeze state only if the stored version is
	// still expectedVersion. It reports whether the row was updated.
	CompareAndFreeze(ctx context.Context, f *FactorSetting, expectedVersion int64) (bool, error)
}
