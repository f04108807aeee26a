package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/money"
)

var errDuplicatePlanService = apperr.Conflict(apperr.CodeDuplicate,
	"a live override already exists for this plan and category")

type Service struct {
	plans      PlanRepository
	tariffs    TariffRepository
	insurances PatientInsuranceRepository
	resolver   *Resolver
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(plans PlanRepository, tariffs TariffRepository, insurances PatientInsuranceRepository, logger zerolog.Logger) *Service {
	return &Service{
		plans:      plans,
		tariffs:    tariffs,
		insurances: insurances,
		resolver:   NewResolver(repoSource{plans: plans, tariffs: tariffs}),
		logger:     logger.With().Str("component", "coverage").Logger(),
		now:        time.Now,
	}
}

// repoSource feeds the resolver chain from the repositories.
type repoSource struct {
	plans   PlanRepository
	tariffs TariffRepository
}

func (s repoSource) ApplicableTariffs(ctx context.Context, serviceID, planID uuid.UUID, insuranceType InsuranceType, at time.Time) ([]*InsuranceTariff, error) {
	return s.tariffs.ApplicableTariffs(ctx, serviceID, planID, insuranceType, at)
}

func (s repoSource) LivePlanService(ctx context.Context, planID, categoryID uuid.UUID) (*PlanService, error) {
	return s.plans.LivePlanService(ctx, planID, categoryID)
}

// Resolve runs the coverage chain for one service under one plan.
func (s *Service) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	return s.resolver.Resolve(ctx, in)
}

// -- Providers and plans --

func (s *Service) CreateProvider(ctx context.Context, p *InsuranceProvider) error {
	if p.Name == "" {
		return apperr.Validation("name is required")
	}
	p.Active = true
	return s.plans.CreateProvider(ctx, p)
}

func (s *Service) ListProviders(ctx context.Context) ([]*InsuranceProvider, error) {
	return s.plans.ListProviders(ctx)
}

func (s *Service) CreatePlan(ctx context.Context, p *InsurancePlan) error {
	if p.Name == "" {
		return apperr.Validation("name is required")
	}
	if p.ProviderID == uuid.Nil {
		return apperr.Validation("provider_id is required")
	}
	if !money.ValidPercent(p.CoveragePercent) {
		return apperr.Validation("coverage_percent must be between 0 and 100")
	}
	if err := validAmount("deductible", p.Deductible); err != nil {
		return err
	}
	if p.ValidFrom.IsZero() {
		return apperr.Validation("valid_from is required")
	}
	if p.ValidTo != nil && !p.ValidTo.After(p.ValidFrom) {
		return apperr.Validation("valid_to must be after valid_from")
	}
	if _, err := s.plans.GetProvider(ctx, p.ProviderID); err != nil {
		return err
	}
	p.Active = true
	return s.plans.CreatePlan(ctx, p)
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error) {
	return s.plans.GetPlan(ctx, id)
}

func (s *Service) ListPlans(ctx context.Context, limit, offset int) ([]*InsurancePlan, int, error) {
	return s.plans.ListPlans(ctx, limit, offset)
}

// -- Plan-category overrides --

func (s *Service) CreatePlanService(ctx context.Context, ps *PlanService) error {
	if ps.PlanID == uuid.Nil || ps.CategoryID == uuid.Nil {
		return apperr.Validation("plan_id and category_id are required")
	}
	if err := validPercent("coverage_percent", ps.CoveragePercent); err != nil {
		return err
	}
	if err := validPercent("patient_share_percent", ps.PatientSharePercent); err != nil {
		return err
	}
	if _, err := s.plans.GetPlan(ctx, ps.PlanID); err != nil {
		return err
	}
	return s.plans.CreatePlanService(ctx, ps)
}

func (s *Service) ListPlanServices(ctx context.Context, planID uuid.UUID) ([]*PlanService, error) {
	return s.plans.ListPlanServices(ctx, planID)
}

func (s *Service) DeletePlanService(ctx context.Context, id uuid.UUID) error {
	return s.plans.SoftDeletePlanService(ctx, id, s.now().UTC())
}

// -- Tariffs --

func (s *Service) CreateTariff(ctx context.Context, t *InsuranceTariff) error {
	if t.ServiceID == uuid.Nil || t.PlanID == uuid.Nil {
		return apperr.Validation("service_id and plan_id are required")
	}
	if t.InsuranceType == "" {
		t.InsuranceType = TypePrimary
	}
	if !t.InsuranceType.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid insurance_type: %q", t.InsuranceType))
	}
	amounts := []struct {
		name string
		v    *decimal.Decimal
	}{
		{"price", t.Price},
		{"patient_share", t.PatientShare},
		{"insurer_share", t.InsurerShare},
		{"supplementary_max_payment", t.SupplementaryMaxPayment},
	}
	for _, a := range amounts {
		if err := validAmount(a.name, a.v); err != nil {
			return err
		}
	}
	if err := validPercent("supplementary_percent", t.SupplementaryPercent); err != nil {
		return err
	}
	if t.Price != nil && t.PatientShare != nil && t.InsurerShare != nil &&
		!t.PatientShare.Add(*t.InsurerShare).Equal(*t.Price) {
		return apperr.Validation("patient_share + insurer_share must equal price")
	}
	if t.ValidFrom.IsZero() {
		return apperr.Validation("valid_from is required")
	}
	if t.ValidTo != nil && !t.ValidTo.After(t.ValidFrom) {
		return apperr.Validation("valid_to must be after valid_from")
	}
	if _, err := s.plans.GetPlan(ctx, t.PlanID); err != nil {
		return err
	}
	t.Active = true
	return s.tariffs.Create(ctx, t)
}

func (s *Service) GetTariff(ctx context.Context, id uuid.UUID) (*InsuranceTariff, error) {
	return s.tariffs.GetByID(ctx, id)
}

func (s *Service) ListTariffs(ctx context.Context, planID uuid.UUID) ([]*InsuranceTariff, error) {
	return s.tariffs.ListByPlan(ctx, planID)
}

func (s *Service) DeleteTariff(ctx context.Context, id uuid.UUID) error {
	return s.tariffs.SoftDelete(ctx, id, s.now().UTC())
}

// -- Patient insurances --

func (s *Service) AddPatientInsurance(ctx context.Context, pi *PatientInsurance) error {
	if pi.PatientID == uuid.Nil || pi.PlanID == uuid.Nil {
		return apperr.Validation("patient_id and plan_id are required")
	}
	if !pi.InsuranceType.Valid() {
		return apperr.Validation(fmt.Sprintf("invalid insurance_type: %q", pi.InsuranceType))
	}
	if pi.ValidFrom.IsZero() {
		return apperr.Validation("valid_from is required")
	}
	if _, err := s.plans.GetPlan(ctx, pi.PlanID); err != nil {
		return err
	}
	pi.Active = true
	return s.insurances.Create(ctx, pi)
}

func (s *Service) ListPatientInsurances(ctx context.Context, patientID uuid.UUID) ([]*PatientInsurance, error) {
	return s.insurances.ListByPatient(ctx, patientID)
}

func (s *Service) DeactivatePatientInsurance(ctx context.Context, id uuid.UUID) error {
	return s.insurances.Deactivate(ctx, id)
}

// GetActivePatientInsurances returns the relationships in force at asOf whose
// plan is also in force.
func (s *Service) GetActivePatientInsurances(ctx context.Context, patientID uuid.UUID, asOf time.Time) ([]*PatientInsurance, error) {
	all, err := s.insurances.ListActive(ctx, patientID, asOf)
	if err != nil {
		return nil, fmt.Errorf("list patient insurances: %w", err)
	}
	out := make([]*PatientInsurance, 0, len(all))
	for _, pi := range all {
		if !pi.ActiveAt(asOf) {
			continue
		}
		if pi.Plan == nil || !pi.Plan.ActiveAt(asOf) {
			s.logger.Debug().Str("patient_insurance_id", pi.ID.String()).Msg("skipping insurance with inactive plan")
			continue
		}
		out = append(out, pi)
	}
	return out, nil
}

func validPercent(name string, v *decimal.Decimal) error {
	if v != nil && !money.ValidPercent(*v) {
		return apperr.Validation(name + " must be between 0 and 100")
	}
	return nil
}

func validAmount(name string, v *decimal.Decimal) error {
	if v == nil {
		return nil
	}
	if v.IsNegative() || !money.IsWhole(*v) {
		return apperr.Validation(name + " must be a non-negative whole amount")
	}
	return nil
}
