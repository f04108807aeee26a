package coverage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/apperr"
)

// -- Mock Repositories --

type mockPlanRepo struct {
	providers    map[uuid.UUID]*InsuranceProvider
	plans        map[uuid.UUID]*InsurancePlan
	planServices map[uuid.UUID]*PlanService
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{
		providers:    make(map[uuid.UUID]*InsuranceProvider),
		plans:        make(map[uuid.UUID]*InsurancePlan),
		planServices: make(map[uuid.UUID]*PlanService),
	}
}

func (m *mockPlanRepo) CreateProvider(_ context.Context, p *InsuranceProvider) error {
	p.ID = uuid.New()
	m.providers[p.ID] = p
	return nil
}

func (m *mockPlanRepo) GetProvider(_ context.Context, id uuid.UUID) (*InsuranceProvider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, apperr.NotFound("insurance provider", id.String())
	}
	return p, nil
}

func (m *mockPlanRepo) ListProviders(_ context.Context) ([]*InsuranceProvider, error) {
	var out []*InsuranceProvider
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockPlanRepo) CreatePlan(_ context.Context, p *InsurancePlan) error {
	p.ID = uuid.New()
	m.plans[p.ID] = p
	return nil
}

func (m *mockPlanRepo) GetPlan(_ context.Context, id uuid.UUID) (*InsurancePlan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, apperr.NotFound("insurance plan", id.String())
	}
	return p, nil
}

func (m *mockPlanRepo) ListPlans(_ context.Context, limit, offset int) ([]*InsurancePlan, int, error) {
	var out []*InsurancePlan
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockPlanRepo) CreatePlanService(_ context.Context, ps *PlanService) error {
	for _, existing := range m.planServices {
		if existing.PlanID == ps.PlanID && existing.CategoryID == ps.CategoryID && existing.DeletedAt == nil {
			return errDuplicatePlanService
		}
	}
	ps.ID = uuid.New()
	m.planServices[ps.ID] = ps
	return nil
}

func (m *mockPlanRepo) ListPlanServices(_ context.Context, planID uuid.UUID) ([]*PlanService, error) {
	var out []*PlanService
	for _, ps := range m.planServices {
		if ps.PlanID == planID {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (m *mockPlanRepo) LivePlanService(_ context.Context, planID, categoryID uuid.UUID) (*PlanService, error) {
	for _, ps := range m.planServices {
		if ps.PlanID == planID && ps.CategoryID == categoryID && ps.DeletedAt == nil {
			return ps, nil
		}
	}
	return nil, nil
}

func (m *mockPlanRepo) SoftDeletePlanService(_ context.Context, id uuid.UUID, at time.Time) error {
	ps, ok := m.planServices[id]
	if !ok || ps.DeletedAt != nil {
		return apperr.NotFound("plan service", id.String())
	}
	ps.DeletedAt = &at
	return nil
}

type mockTariffRepo struct {
	items map[uuid.UUID]*InsuranceTariff
}

func newMockTariffRepo() *mockTariffRepo {
	return &mockTariffRepo{items: make(map[uuid.UUID]*InsuranceTariff)}
}

func (m *mockTariffRepo) Create(_ context.Context, t *InsuranceTariff) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.items[t.ID] = t
	return nil
}

func (m *mockTariffRepo) GetByID(_ context.Context, id uuid.UUID) (*InsuranceTariff, error) {
	t, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("insurance tariff", id.String())
	}
	return t, nil
}

func (m *mockTariffRepo) ListByPlan(_ context.Context, planID uuid.UUID) ([]*InsuranceTariff, error) {
	var out []*InsuranceTariff
	for _, t := range m.items {
		if t.PlanID == planID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTariffRepo) ApplicableTariffs(_ context.Context, serviceID, planID uuid.UUID, insuranceType InsuranceType, at time.Time) ([]*InsuranceTariff, error) {
	var out []*InsuranceTariff
	for _, t := range m.items {
		if t.ServiceID == serviceID && t.PlanID == planID && t.InsuranceType == insuranceType && t.ActiveAt(at) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTariffRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	t, ok := m.items[id]
	if !ok || t.DeletedAt != nil {
		return apperr.NotFound("insurance tariff", id.String())
	}
	t.DeletedAt = &at
	return nil
}

type mockPatientInsuranceRepo struct {
	items map[uuid.UUID]*PatientInsurance
	plans *mockPlanRepo
}

func newMockPatientInsuranceRepo(plans *mockPlanRepo) *mockPatientInsuranceRepo {
	return &mockPatientInsuranceRepo{items: make(map[uuid.UUID]*PatientInsurance), plans: plans}
}

func (m *mockPatientInsuranceRepo) Create(_ context.Context, pi *PatientInsurance) error {
	pi.ID = uuid.New()
	m.items[pi.ID] = pi
	return nil
}

func (m *mockPatientInsuranceRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*PatientInsurance, error) {
	var out []*PatientInsurance
	for _, pi := range m.items {
		if pi.PatientID == patientID {
			out = append(out, pi)
		}
	}
	return out, nil
}

func (m *mockPatientInsuranceRepo) ListActive(_ context.Context, patientID uuid.UUID, at time.Time) ([]*PatientInsurance, error) {
	var out []*PatientInsurance
	for _, pi := range m.items {
		if pi.PatientID == patientID && pi.ActiveAt(at) {
			cp := *pi
			cp.Plan = m.plans.plans[pi.PlanID]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPatientInsuranceRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	pi, ok := m.items[id]
	if !ok {
		return apperr.NotFound("patient insurance", id.String())
	}
	pi.Active = false
	return nil
}

type fixture struct {
	svc        *Service
	plans      *mockPlanRepo
	tariffs    *mockTariffRepo
	insurances *mockPatientInsuranceRepo
}

func newFixture() *fixture {
	plans := newMockPlanRepo()
	tariffs := newMockTariffRepo()
	insurances := newMockPatientInsuranceRepo(plans)
	return &fixture{
		svc:        NewService(plans, tariffs, insurances, zerolog.Nop()),
		plans:      plans,
		tariffs:    tariffs,
		insurances: insurances,
	}
}

func (f *fixture) plan(t *testing.T, pct string) *InsurancePlan {
	t.Helper()
	ctx := context.Background()
	prov := &InsuranceProvider{Name: "Social Security"}
	if err := f.svc.CreateProvider(ctx, prov); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	p := &InsurancePlan{ProviderID: prov.ID, Name: "Basic", CoveragePercent: dec(pct), ValidFrom: day(2025, 1, 1)}
	if err := f.svc.CreatePlan(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// -- Service Tests --

func TestService_CreatePlan_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	prov := &InsuranceProvider{Name: "Armed Forces"}
	f.svc.CreateProvider(ctx, prov)

	tests := []struct {
		name string
		plan InsurancePlan
	}{
		{"missing name", InsurancePlan{ProviderID: prov.ID, CoveragePercent: dec("70"), ValidFrom: day(2025, 1, 1)}},
		{"percent over 100", InsurancePlan{Name: "x", ProviderID: prov.ID, CoveragePercent: dec("120"), ValidFrom: day(2025, 1, 1)}},
		{"fractional deductible", InsurancePlan{Name: "x", ProviderID: prov.ID, CoveragePercent: dec("70"), Deductible: decp("10.5"), ValidFrom: day(2025, 1, 1)}},
		{"missing valid_from", InsurancePlan{Name: "x", ProviderID: prov.ID, CoveragePercent: dec("70")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.plan
			if err := f.svc.CreatePlan(ctx, &p); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	p := &InsurancePlan{Name: "x", ProviderID: uuid.New(), CoveragePercent: dec("70"), ValidFrom: day(2025, 1, 1)}
	if err := f.svc.CreatePlan(ctx, p); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected unknown provider to fail with not found, got %v", err)
	}
}

func TestService_CreatePlanService_UniquePerCategory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.plan(t, "70")
	cat := uuid.New()

	first := &PlanService{PlanID: p.ID, CategoryID: cat, CoveragePercent: decp("90"), IsCovered: true}
	if err := f.svc.CreatePlanService(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dup := &PlanService{PlanID: p.ID, CategoryID: cat, CoveragePercent: decp("80"), IsCovered: true}
	if err := f.svc.CreatePlanService(ctx, dup); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Soft-deleting frees the slot.
	if err := f.svc.DeletePlanService(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.svc.CreatePlanService(ctx, dup); err != nil {
		t.Errorf("expected create after soft delete to succeed, got %v", err)
	}
}

func TestService_CreateTariff_SharesMustMatchPrice(t *testing.T) {
	f := newFixture()
	p := f.plan(t, "70")
	tr := &InsuranceTariff{
		ServiceID: uuid.New(), PlanID: p.ID, IsCovered: true,
		Price: decp("1000"), InsurerShare: decp("600"), PatientShare: decp("300"),
		ValidFrom: day(2025, 1, 1),
	}
	if err := f.svc.CreateTariff(context.Background(), tr); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	tr.PatientShare = decp("400")
	if err := f.svc.CreateTariff(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.InsuranceType != TypePrimary || !tr.Active {
		t.Errorf("expected primary active tariff, got %+v", tr)
	}
}

func TestService_GetActivePatientInsurances(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := f.plan(t, "70")
	patient := uuid.New()

	end := day(2025, 6, 1)
	f.svc.AddPatientInsurance(ctx, &PatientInsurance{PatientID: patient, PlanID: p.ID, InsuranceType: TypePrimary, ValidFrom: day(2025, 1, 1)})
	f.svc.AddPatientInsurance(ctx, &PatientInsurance{PatientID: patient, PlanID: p.ID, InsuranceType: TypeSupplementary, ValidFrom: day(2025, 1, 1), ValidTo: &end})

	got, err := f.svc.GetActivePatientInsurances(ctx, patient, day(2025, 7, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].InsuranceType != TypePrimary || got[0].Plan == nil {
		t.Errorf("expected only the primary insurance with plan, got %+v", got)
	}

	p.Active = false
	got, _ = f.svc.GetActivePatientInsurances(ctx, patient, day(2025, 7, 1))
	if len(got) != 0 {
		t.Errorf("inactive plan must hide the relationship, got %d", len(got))
	}
}

func TestService_AddPatientInsurance_InvalidType(t *testing.T) {
	f := newFixture()
	p := f.plan(t, "70")
	pi := &PatientInsurance{PatientID: uuid.New(), PlanID: p.ID, InsuranceType: "tertiary", ValidFrom: day(2025, 1, 1)}
	if err := f.svc.AddPatientInsurance(context.Background(), pi); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
