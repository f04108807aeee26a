package calculation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/pricing/internal/domain/coverage"
	"github.com/ehr/pricing/internal/domain/rules"
	"github.com/ehr/pricing/internal/platform/apperr"
)

func TestOrchestrator_HigherPriorityCoverageRuleWins(t *testing.T) {
	f := newFixture()
	svc := f.service("LAB-1", "1000000")
	f.insure(coverage.TypePrimary, "70", nil)
	f.rules.add("p5", rules.TypeCoveragePercent, 5, ``, `[{"type":"set_coverage_percent","percent":"50"}]`)
	f.rules.add("p10", rules.TypeCoveragePercent, 10, ``, `[{"type":"set_coverage_percent","percent":"90"}]`)

	res, err := f.orchestrator().CalculateOne(context.Background(), f.request(), svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := res.Calculation
	if !c.InsurerShare.Equal(dec("900000")) {
		t.Errorf("insurer = %s, want 900000 from the priority-10 rule", c.InsurerShare)
	}
	if len(c.AppliedRules) != 1 || c.AppliedRules[0].Name != "p10" {
		t.Errorf("applied rules = %+v", c.AppliedRules)
	}
	if c.CoverageOverride == nil || !c.CoverageOverride.Equal(dec("90")) {
		t.Errorf("coverage override = %v", c.CoverageOverride)
	}
}

func TestOrchestrator_CompositionErrorIsPerService(t *testing.T) {
	f := newFixture()
	good := f.service("GOOD", "1000000")
	bad := f.service("BAD", "100000")
	f.insure(coverage.TypePrimary, "70", nil)
	f.rules.add("huge-discount", rules.TypeServiceBasedDiscount, 1,
		`[{"type":"service_in","ids":["`+bad.ID.String()+`"]}]`, `[{"type":"discount_amount","amount":"200000"}]`)

	set, err := f.orchestrator().Calculate(context.Background(), f.request(good.ID, bad.ID))
	if err != nil {
		t.Fatalf("batch must not fail on a composition error: %v", err)
	}
	if len(set.Results) != 2 || !set.Failed() {
		t.Fatalf("unexpected results %+v", set.Results)
	}
	if set.Results[0].Calculation == nil || set.Results[0].Outcome != OutcomeCovered {
		t.Errorf("first service should succeed: %+v", set.Results[0])
	}
	r := set.Results[1]
	if r.Outcome != OutcomeFailed || apperr.CodeOf(r.Err) != apperr.CodeNegativeResultingShare || r.Error == nil {
		t.Errorf("second service should fail with NEGATIVE_RESULTING_SHARE: %+v", r)
	}
}

func TestOrchestrator_FailFast(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{"frozen year", func(f *fixture) {
			f.pricer.err = apperr.DataIntegrity(apperr.CodeFrozenYear, "financial year 1404 is frozen")
		}, apperr.ErrDataIntegrity},
		{"validation rule", func(f *fixture) {
			f.rules.add("block", rules.TypeValidation, 1, `[{"type":"insured","value":true}]`, `[{"type":"reject"}]`)
		}, apperr.ErrBusinessRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			a, b := f.service("A", "1000"), f.service("B", "1000")
			f.insure(coverage.TypePrimary, "70", nil)
			tt.setup(f)

			set, err := f.orchestrator().Calculate(context.Background(), f.request(a.ID, b.ID))
			if !errors.Is(err, tt.want) || set != nil {
				t.Fatalf("expected batch abort with %v, got set=%v err=%v", tt.want, set, err)
			}
		})
	}
}

func TestOrchestrator_UnknownServiceAborts(t *testing.T) {
	f := newFixture()
	_, err := f.orchestrator().Calculate(context.Background(), f.request(uuid.New()))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrchestrator_SelfPay(t *testing.T) {
	f := newFixture()
	svc := f.service("A", "250000")

	res, err := f.orchestrator().CalculateOne(context.Background(), f.request(), svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := res.Calculation
	if res.Outcome != OutcomeSelfPay || c.PlanID != nil || !c.PatientShare.Equal(dec("250000")) {
		t.Errorf("unexpected self-pay record %+v", c)
	}
}

func TestOrchestrator_NotCoveredIsNotAnError(t *testing.T) {
	f := newFixture()
	svc := f.service("COSMETIC", "800000")
	pi := f.insure(coverage.TypePrimary, "70", nil)
	f.coverage.byPlan[pi.PlanID] = &coverage.Resolution{PlanID: pi.PlanID, Covered: false, Reason: "excluded"}

	res, err := f.orchestrator().CalculateOne(context.Background(), f.request(), svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNotCovered || !res.Calculation.PatientShare.Equal(dec("800000")) {
		t.Errorf("unexpected not-covered result %+v", res.Calculation)
	}
}

func TestOrchestrator_SupplementaryAndDeductible(t *testing.T) {
	f := newFixture()
	svc := f.service("MRI", "1000000")
	f.insure(coverage.TypePrimary, "70", nil)
	supp := f.insure(coverage.TypeSupplementary, "50", nil)
	f.coverage.byPlan[supp.PlanID] = &coverage.Resolution{PlanID: supp.PlanID, Covered: true,
		CoveragePercent: decp("50"), SupplementaryMaxPayment: decp("100000")}

	res, err := f.orchestrator().CalculateOne(context.Background(), f.request(), svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := res.Calculation
	if !c.SupplementaryShare.Equal(dec("100000")) || !c.PatientShare.Equal(dec("200000")) {
		t.Errorf("supplementary %s patient %s", c.SupplementaryShare, c.PatientShare)
	}
	if c.SupplementaryInsuranceID == nil || *c.SupplementaryInsuranceID != supp.ID {
		t.Error("supplementary relationship not recorded")
	}
}

func TestOrchestrator_SupplementaryOnlyFailsService(t *testing.T) {
	f := newFixture()
	svc := f.service("A", "1000")
	f.insure(coverage.TypeSupplementary, "50", nil)

	set, err := f.orchestrator().Calculate(context.Background(), f.request(svc.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if apperr.CodeOf(set.Results[0].Err) != apperr.CodeSupplementaryWithoutPrimary {
		t.Errorf("expected SUPPLEMENTARY_WITHOUT_PRIMARY, got %v", set.Results[0].Err)
	}
}

func TestOrchestrator_AgeRuleUsesPatientDemographics(t *testing.T) {
	f := newFixture()
	svc := f.service("A", "1000000")
	f.insure(coverage.TypePrimary, "70", nil)
	born := day(1950, 6, 1)
	f.patients[f.patientID] = &Patient{ID: f.patientID, BirthDate: &born, Gender: "female"}
	f.rules.add("seniors", rules.TypeAgeBasedDiscount, 1,
		`[{"type":"age_between","min":65}]`, `[{"type":"discount_percent","percent":"10"}]`)

	res, err := f.orchestrator().CalculateOne(context.Background(), f.request(), svc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := res.Calculation
	if !c.Discount.Equal(dec("100000")) || !c.AdjustedAmount.Equal(dec("900000")) || !c.InsurerShare.Equal(dec("630000")) {
		t.Errorf("discount %s adjusted %s insurer %s", c.Discount, c.AdjustedAmount, c.InsurerShare)
	}
}

func TestPickPolicy_LatestOfEachType(t *testing.T) {
	plan := &coverage.InsurancePlan{ID: uuid.New()}
	older := &coverage.PatientInsurance{ID: uuid.New(), InsuranceType: coverage.TypePrimary, ValidFrom: day(2023, 1, 1), Plan: plan}
	newer := &coverage.PatientInsurance{ID: uuid.New(), InsuranceType: coverage.TypePrimary, ValidFrom: day(2024, 1, 1), Plan: plan}
	supp := &coverage.PatientInsurance{ID: uuid.New(), InsuranceType: coverage.TypeSupplementary, ValidFrom: day(2022, 1, 1), Plan: plan}

	pol := pickPolicy([]*coverage.PatientInsurance{older, supp, newer})
	if pol.primary != newer || pol.supplementary != supp {
		t.Errorf("unexpected policy %+v", pol)
	}
}

func TestPatient_AgeAt(t *testing.T) {
	born := day(2000, 5, 2)
	p := &Patient{BirthDate: &born}
	tests := []struct {
		at   time.Time
		want int
	}{
		{day(2025, 5, 1), 24},
		{day(2025, 5, 2), 25},
		{day(1999, 1, 1), 0},
	}
	for _, tt := range tests {
		if got := p.AgeAt(tt.at); got == nil || *got != tt.want {
			t.Errorf("AgeAt(%s) = %v, want %d", tt.at.Format("2006-01-02"), got, tt.want)
		}
	}
	if (&Patient{}).AgeAt(day(2025, 1, 1)) != nil {
		t.Error("unknown birth date must yield nil age")
	}
}
