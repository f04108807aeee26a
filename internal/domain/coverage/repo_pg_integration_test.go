//go:build integration

package coverage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/db/dbtest"
)

func TestPG_CoverageChain(t *testing.T) {
	pool := dbtest.Start(t, 15443)
	ctx := context.Background()
	svc := NewService(NewPlanRepoPG(pool), NewTariffRepoPG(pool), NewPatientInsuranceRepoPG(pool), zerolog.Nop())

	serviceID, categoryID := uuid.New(), uuid.New()
	if _, err := pool.Exec(ctx, `INSERT INTO service (id, code, name, category_id) VALUES ($1, 'LAB-1', 'Lab', $2)`,
		serviceID, categoryID); err != nil {
		t.Fatalf("seed service: %v", err)
	}

	prov := &InsuranceProvider{Name: "Social Security"}
	if err := svc.CreateProvider(ctx, prov); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	plan := &InsurancePlan{ProviderID: prov.ID, Name: "Basic", CoveragePercent: dec("70"), Deductible: decp("50000"), ValidFrom: day(2025, 1, 1)}
	if err := svc.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	ps := &PlanService{PlanID: plan.ID, CategoryID: categoryID, PatientSharePercent: decp("10"), IsCovered: true}
	if err := svc.CreatePlanService(ctx, ps); err != nil {
		t.Fatalf("create plan service: %v", err)
	}
	dup := &PlanService{PlanID: plan.ID, CategoryID: categoryID, IsCovered: true}
	if err := svc.CreatePlanService(ctx, dup); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected unique index conflict, got %v", err)
	}

	res, err := svc.Resolve(ctx, Input{ServiceID: serviceID, CategoryID: categoryID, Plan: plan, InsuranceType: TypePrimary, At: day(2025, 5, 1)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Percent().Equal(dec("90")) || res.Deductible == nil || !res.Deductible.Equal(dec("50000")) {
		t.Errorf("unexpected resolution %+v", res)
	}

	tr := &InsuranceTariff{ServiceID: serviceID, PlanID: plan.ID, IsCovered: false, ValidFrom: day(2025, 1, 1)}
	if err := svc.CreateTariff(ctx, tr); err != nil {
		t.Fatalf("create tariff: %v", err)
	}
	res, err = svc.Resolve(ctx, Input{ServiceID: serviceID, CategoryID: categoryID, Plan: plan, InsuranceType: TypePrimary, At: day(2025, 5, 1)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Covered {
		t.Error("tariff exclusion should make the service not covered")
	}

	patient := uuid.New()
	if err := svc.AddPatientInsurance(ctx, &PatientInsurance{PatientID: patient, PlanID: plan.ID, InsuranceType: TypePrimary, ValidFrom: day(2025, 1, 1)}); err != nil {
		t.Fatalf("add insurance: %v", err)
	}
	active, err := svc.GetActivePatientInsurances(ctx, patient, day(2025, 5, 1))
	if err != nil {
		t.Fatalf("active insurances: %v", err)
	}
	if len(active) != 1 || active[0].Plan == nil || active[0].Plan.ID != plan.ID {
		t.Errorf("unexpected active insurances %+v", active)
	}
}
