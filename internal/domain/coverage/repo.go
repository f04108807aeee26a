package coverage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PlanRepository interface {
	CreateProvider(ctx context.Context, p *InsuranceProvider) error
	GetProvider(ctx context.Context, id uuid.UUID) (*InsuranceProvider, error)
	ListProviders(ctx context.Context) ([]*InsuranceProvider, error)
	CreatePlan(ctx context.Context, p *InsurancePlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error)
	ListPlans(ctx context.Context, limit, offset int) ([]*InsurancePlan, int, error)
	// CreatePlanService fails with a conflict when a live override already
	// exists for the same (plan, category).
	CreatePlanService(ctx context.Context, ps *PlanService) error
	ListPlanServices(ctx context.Context, planID uuid.UUID) ([]*PlanService, error)
	LivePlanService(ctx context.Context, planID, categoryID uuid.UUID) (*PlanService, error)
	SoftDeletePlanService(ctx context.Context, id uuid.UUID, at time.Time) error
}

type TariffRepository interface {
	Create(ctx context.Context, t *InsuranceTariff) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceTariff, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*InsuranceTariff, error)
	ApplicableTariffs(ctx context.Context, serviceID, planID uuid.UUID, insuranceType InsuranceType, at time.Time) ([]*InsuranceTariff, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
}

type PatientInsuranceRepository interface {
	Create(ctx context.Context, pi *PatientInsurance) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientInsurance, error)
	// ListActive returns relationships in force at at, each with its Plan set.
	ListActive(ctx context.Context, patientID uuid.UUID, at time.Time) ([]*PatientInsurance, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}
