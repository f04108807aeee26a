package calculation

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/domain/coverage"
	"github.com/ehr/pricing/internal/domain/rules"
	"github.com/ehr/pricing/internal/domain/tariff"
	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/audit"
	"github.com/ehr/pricing/internal/platform/db"
)

// -- Mock collaborators --

type mockCatalog map[uuid.UUID]*tariff.MedicalService

func (m mockCatalog) GetService(_ context.Context, id uuid.UUID) (*tariff.MedicalService, error) {
	s, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("service", id.String())
	}
	return s, nil
}

// mockPricer returns a fixed price per service, or a fixed error.
type mockPricer struct {
	prices map[uuid.UUID]decimal.Decimal
	err    error
}

func (m *mockPricer) BasePrice(_ context.Context, svc *tariff.MedicalService, _ time.Time, _ tariff.Purpose) (*tariff.BasePrice, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &tariff.BasePrice{ServiceID: svc.ID, Amount: m.prices[svc.ID]}, nil
}

type mockInsurances []*coverage.PatientInsurance

func (m mockInsurances) GetActivePatientInsurances(_ context.Context, _ uuid.UUID, _ time.Time) ([]*coverage.PatientInsurance, error) {
	return m, nil
}

// mockCoverage resolves by plan using the plan's default percent.
type mockCoverage struct {
	byPlan map[uuid.UUID]*coverage.Resolution
}

func (m *mockCoverage) Resolve(_ context.Context, in coverage.Input) (*coverage.Resolution, error) {
	if r, ok := m.byPlan[in.Plan.ID]; ok {
		cp := *r
		return &cp, nil
	}
	pct := in.Plan.CoveragePercent
	return &coverage.Resolution{PlanID: in.Plan.ID, Covered: true, CoveragePercent: &pct, Deductible: in.Plan.Deductible}, nil
}

type mockPatients map[uuid.UUID]*Patient

func (m mockPatients) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	if p, ok := m[id]; ok {
		return p, nil
	}
	return &Patient{ID: id}, nil
}

type mockRuleRepo struct {
	rules []*rules.BusinessRule
}

func (m *mockRuleRepo) Create(_ context.Context, r *rules.BusinessRule) error {
	r.ID = uuid.New()
	m.rules = append(m.rules, r)
	return nil
}

func (m *mockRuleRepo) GetByID(_ context.Context, id uuid.UUID) (*rules.BusinessRule, error) {
	for _, r := range m.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperr.NotFound("business rule", id.String())
}

func (m *mockRuleRepo) List(_ context.Context, _ bool, _, _ int) ([]*rules.BusinessRule, int, error) {
	return m.rules, len(m.rules), nil
}

func (m *mockRuleRepo) ListApplicable(_ context.Context, f rules.Filter, at time.Time) ([]*rules.BusinessRule, error) {
	var out []*rules.BusinessRule
	for _, r := range m.rules {
		if r.InForce(at) && r.Scope.Matches(f) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRuleRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	r, err := m.GetByID(context.Background(), id)
	if err != nil {
		return err
	}
	r.Active = false
	return nil
}

func (m *mockRuleRepo) add(name string, typ rules.RuleType, priority int, conditions, actions string) *rules.BusinessRule {
	r := &rules.BusinessRule{
		ID: uuid.New(), Name: name, Type: typ, Priority: priority, Active: true,
		ValidFrom: day(2025, 1, 1), CreatedAt: day(2025, 1, 1),
		Conditions: rules.Payload(conditions), Actions: rules.Payload(actions),
	}
	m.rules = append(m.rules, r)
	return r
}

type mockCalcRepo struct {
	calcs map[uuid.UUID]*InsuranceCalculation
}

func newMockCalcRepo() *mockCalcRepo {
	return &mockCalcRepo{calcs: make(map[uuid.UUID]*InsuranceCalculation)}
}

func (m *mockCalcRepo) Create(_ context.Context, c *InsuranceCalculation) error {
	m.calcs[c.ID] = c
	return nil
}

func (m *mockCalcRepo) GetByID(_ context.Context, id uuid.UUID) (*InsuranceCalculation, error) {
	c, ok := m.calcs[id]
	if !ok {
		return nil, apperr.NotFound("calculation", id.String())
	}
	return c, nil
}

func (m *mockCalcRepo) live(keep func(*InsuranceCalculation) bool) []*InsuranceCalculation {
	var out []*InsuranceCalculation
	for _, c := range m.calcs {
		if c.DeletedAt == nil && keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
	return out
}

func (m *mockCalcRepo) ListByPatient(_ context.Context, patientID uuid.UUID, _, _ int) ([]*InsuranceCalculation, int, error) {
	out := m.live(func(c *InsuranceCalculation) bool { return c.PatientID == patientID })
	return out, len(out), nil
}

func (m *mockCalcRepo) ListByReception(_ context.Context, receptionID uuid.UUID) ([]*InsuranceCalculation, error) {
	return m.live(func(c *InsuranceCalculation) bool { return c.ReceptionID != nil && *c.ReceptionID == receptionID }), nil
}

func (m *mockCalcRepo) ListBetween(_ context.Context, from, to time.Time) ([]*InsuranceCalculation, error) {
	return m.live(func(c *InsuranceCalculation) bool { return !c.AsOf.Before(from) && c.AsOf.Before(to) }), nil
}

func (m *mockCalcRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error {
	c, ok := m.calcs[id]
	if !ok || c.DeletedAt != nil {
		return apperr.Conflict(apperr.CodeConcurrentModification, "calculation has already been replaced or voided")
	}
	c.DeletedAt, c.ReplacedBy, c.IsValid = &at, replacedBy, false
	return nil
}

func (m *mockCalcRepo) VoidReception(_ context.Context, receptionID uuid.UUID, at time.Time) (int, error) {
	n := 0
	for _, c := range m.calcs {
		if c.DeletedAt == nil && c.ReceptionID != nil && *c.ReceptionID == receptionID {
			c.DeletedAt, c.IsValid = &at, false
			n++
		}
	}
	return n, nil
}

type recordingEmitter struct {
	events []audit.Event
	// inTx records whether each event was emitted inside a transaction.
	inTx []bool
}

func (r *recordingEmitter) Emit(ctx context.Context, e audit.Event) error {
	r.events = append(r.events, e)
	r.inTx = append(r.inTx, db.TxFromContext(ctx) != nil)
	return nil
}

type stubTx struct{ pgx.Tx }

// -- Fixture --

type fixture struct {
	patientID  uuid.UUID
	catalog    mockCatalog
	pricer     *mockPricer
	insurances mockInsurances
	coverage   *mockCoverage
	rules      *mockRuleRepo
	patients   mockPatients
	repo       *mockCalcRepo
	emitter    *recordingEmitter
}

func newFixture() *fixture {
	return &fixture{
		patientID: uuid.New(),
		catalog:   mockCatalog{},
		pricer:    &mockPricer{prices: map[uuid.UUID]decimal.Decimal{}},
		coverage:  &mockCoverage{byPlan: map[uuid.UUID]*coverage.Resolution{}},
		rules:     &mockRuleRepo{},
		patients:  mockPatients{},
		repo:      newMockCalcRepo(),
		emitter:   &recordingEmitter{},
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) service(code, price string) *tariff.MedicalService {
	s := &tariff.MedicalService{ID: uuid.New(), Code: code, Name: code, CategoryID: uuid.New(), Active: true}
	f.catalog[s.ID] = s
	f.pricer.prices[s.ID] = dec(price)
	return s
}

func (f *fixture) insure(typ coverage.InsuranceType, pct string, deductible *decimal.Decimal) *coverage.PatientInsurance {
	plan := &coverage.InsurancePlan{ID: uuid.New(), Name: string(typ), CoveragePercent: dec(pct), Deductible: deductible,
		ValidFrom: day(2024, 1, 1), Active: true}
	pi := &coverage.PatientInsurance{ID: uuid.New(), PatientID: f.patientID, PlanID: plan.ID, InsuranceType: typ,
		ValidFrom: day(2024, 1, 1), Active: true, Plan: plan}
	f.insurances = append(f.insurances, pi)
	return pi
}

func (f *fixture) orchestrator() *Orchestrator {
	o := NewOrchestrator(f.catalog, f.pricer, f.insurances, f.coverage,
		rules.NewEngine(f.rules, zerolog.Nop()), f.patients, zerolog.Nop())
	o.now = func() time.Time { return day(2025, 5, 1) }
	return o
}

func (f *fixture) newService(maxBatch int) *Service {
	s := NewService(f.orchestrator(), f.repo, nil, f.emitter, maxBatch, zerolog.Nop())
	s.now = func() time.Time { return day(2025, 5, 1) }
	return s
}

func (f *fixture) request(ids ...uuid.UUID) Request {
	return Request{PatientID: f.patientID, ServiceIDs: ids, AsOf: day(2025, 5, 1)}
}

// -- Service tests --

func TestService_CalculateAndPersist(t *testing.T) {
	f := newFixture()
	svc := f.service("LAB-1", "1000000")
	f.insure(coverage.TypePrimary, "70", nil)

	set, err := f.newService(0).CalculateAndPersist(context.Background(), f.request(svc.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calcs := set.Calculations()
	if len(calcs) != 1 {
		t.Fatalf("expected one calculation, got %d", len(calcs))
	}
	c := calcs[0]
	if !c.InsurerShare.Equal(dec("700000")) || !c.PatientShare.Equal(dec("300000")) {
		t.Errorf("insurer %s patient %s", c.InsurerShare, c.PatientShare)
	}
	if c.CalculationType != TypeService || c.PlanID == nil || c.PatientInsuranceID == nil {
		t.Errorf("unexpected record %+v", c)
	}
	if _, ok := f.repo.calcs[c.ID]; !ok {
		t.Error("calculation not persisted")
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].Outcome != string(OutcomeCovered) {
		t.Errorf("unexpected audit events %+v", f.emitter.events)
	}
}

func TestService_BatchLimit(t *testing.T) {
	f := newFixture()
	ids := []uuid.UUID{f.service("A", "1000").ID, f.service("B", "1000").ID, f.service("C", "1000").ID}

	_, err := f.newService(2).CalculateAndPersist(context.Background(), f.request(ids...))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_RequestValidation(t *testing.T) {
	f := newFixture()
	s := f.newService(0)
	svc := f.service("A", "1000")
	reception := uuid.New()

	tests := []struct {
		name string
		req  Request
		ok   bool
		typ  CalculationType
	}{
		{"no patient", Request{ServiceIDs: []uuid.UUID{svc.ID}}, false, ""},
		{"no services", Request{PatientID: f.patientID}, false, ""},
		{"reception type inferred", Request{PatientID: f.patientID, ServiceIDs: []uuid.UUID{svc.ID}, ReceptionID: &reception}, true, TypeReception},
		{"appointment without id", Request{PatientID: f.patientID, ServiceIDs: []uuid.UUID{svc.ID}, Type: TypeAppointment}, false, ""},
		{"unknown type", Request{PatientID: f.patientID, ServiceIDs: []uuid.UUID{svc.ID}, Type: "walk_in"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := s.validate(&req)
			if tt.ok != (err == nil) {
				t.Fatalf("validate() error = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && req.Type != tt.typ {
				t.Errorf("type = %q, want %q", req.Type, tt.typ)
			}
		})
	}
}

func TestService_FatalErrorPersistsNothing(t *testing.T) {
	f := newFixture()
	a, b := f.service("A", "1000"), f.service("B", "1000")
	f.insure(coverage.TypePrimary, "70", nil)
	f.pricer.err = apperr.DataIntegrity(apperr.CodeFrozenYear, "financial year is frozen")

	_, err := f.newService(0).CalculateAndPersist(context.Background(), f.request(a.ID, b.ID))
	if apperr.CodeOf(err) != apperr.CodeFrozenYear {
		t.Fatalf("expected FROZEN_YEAR, got %v", err)
	}
	if len(f.repo.calcs) != 0 {
		t.Error("nothing may be persisted after a fatal error")
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].Code != apperr.CodeFrozenYear {
		t.Errorf("expected one rejected-batch audit event, got %+v", f.emitter.events)
	}
}

func TestService_RejectedBatchRecordedOutsideCallerTx(t *testing.T) {
	f := newFixture()
	a := f.service("A", "1000")
	f.insure(coverage.TypePrimary, "70", nil)
	f.pricer.err = apperr.DataIntegrity(apperr.CodeFrozenYear, "financial year is frozen")

	ctx := db.WithTx(context.Background(), stubTx{})
	if _, err := f.newService(0).CalculateAndPersist(ctx, f.request(a.ID)); err == nil {
		t.Fatal("expected the batch to fail")
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].Outcome != string(OutcomeFailed) {
		t.Fatalf("expected one rejected-batch event, got %+v", f.emitter.events)
	}
	if f.emitter.inTx[0] {
		t.Error("rejected-batch event must not join the caller's transaction")
	}
}

func TestService_Preview(t *testing.T) {
	f := newFixture()
	svc := f.service("A", "500000")
	f.insure(coverage.TypePrimary, "90", nil)

	set, err := f.newService(0).Preview(context.Background(), f.request(svc.ID), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(set.Calculations()) != 1 || len(f.repo.calcs) != 0 || len(f.emitter.events) != 0 {
		t.Error("preview must compute without persisting or auditing")
	}
}

func TestService_Replace(t *testing.T) {
	f := newFixture()
	svc := f.service("A", "1000000")
	f.insure(coverage.TypePrimary, "70", nil)
	s := f.newService(0)

	set, err := s.CalculateAndPersist(context.Background(), f.request(svc.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	original := set.Calculations()[0]

	// Plan coverage corrected after the fact.
	f.insurances[0].Plan.CoveragePercent = dec("80")
	replacement, err := s.Replace(context.Background(), original.ID, "billing-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !replacement.InsurerShare.Equal(dec("800000")) || replacement.CreatedBy != "billing-1" {
		t.Errorf("unexpected replacement %+v", replacement)
	}
	if original.DeletedAt == nil || original.ReplacedBy == nil || *original.ReplacedBy != replacement.ID {
		t.Error("original must be soft-deleted and linked to its replacement")
	}

	if _, err := s.Replace(context.Background(), original.ID, "billing-1"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("replacing twice should conflict, got %v", err)
	}
}

func TestService_VoidReception(t *testing.T) {
	f := newFixture()
	a, b := f.service("A", "1000"), f.service("B", "2000")
	reception := uuid.New()
	s := f.newService(0)

	req := f.request(a.ID, b.ID)
	req.ReceptionID = &reception
	if _, err := s.CalculateAndPersist(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := s.VoidReception(context.Background(), reception)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("voided %d, want 2", n)
	}
	left, _ := s.ListByReception(context.Background(), reception)
	if len(left) != 0 {
		t.Errorf("expected no live calculations, got %d", len(left))
	}
}
