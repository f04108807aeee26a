package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	rules map[uuid.UUID]*BusinessRule
}

func newMockRepo() *mockRepo {
	return &mockRepo{rules: make(map[uuid.UUID]*BusinessRule)}
}

func (m *mockRepo) Create(_ context.Context, r *BusinessRule) error {
	r.ID = uuid.New()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.rules[r.ID] = r
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*BusinessRule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, apperr.NotFound("business rule", id.String())
	}
	return r, nil
}

func (m *mockRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*BusinessRule, int, error) {
	var out []*BusinessRule
	for _, r := range m.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	return out, len(out), nil
}

func (m *mockRepo) ListApplicable(_ context.Context, f Filter, at time.Time) ([]*BusinessRule, error) {
	var out []*BusinessRule
	for _, r := range m.rules {
		if r.InForce(at) && r.Scope.Matches(f) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	r, ok := m.rules[id]
	if !ok {
		return apperr.NotFound("business rule", id.String())
	}
	r.Active = false
	return nil
}

// add stores r directly, bypassing compilation, so malformed rules can be seeded.
func (m *mockRepo) add(r *BusinessRule) *BusinessRule {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.ValidFrom.IsZero() {
		r.ValidFrom = day(2025, 1, 1)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = day(2025, 1, 1)
	}
	r.Active = true
	m.rules[r.ID] = r
	return r
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func rule(name string, typ RuleType, priority int, conditions, actions string) *BusinessRule {
	return &BusinessRule{
		Name:       name,
		Type:       typ,
		Priority:   priority,
		Conditions: Payload(conditions),
		Actions:    Payload(actions),
	}
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func TestService_CreateRule(t *testing.T) {
	svc, _ := newTestService()
	r := rule("seniors", TypeAgeBasedDiscount, 10,
		`[{"type":"age_between","min":65}]`, `[{"type":"discount_percent","percent":"10"}]`)
	r.ValidFrom = day(2025, 1, 1)

	if err := svc.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID == uuid.Nil || !r.Active {
		t.Errorf("expected stored active rule, got %+v", r)
	}
}

func TestService_CreateRule_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rule *BusinessRule
	}{
		{"missing name", rule("", TypeDiscount, 0, ``, `[{"type":"discount_percent","percent":"5"}]`)},
		{"unknown type", rule("x", RuleType("loyalty"), 0, ``, `[{"type":"discount_percent","percent":"5"}]`)},
		{"unknown condition", rule("x", TypeDiscount, 0, `[{"type":"moon_phase"}]`, `[{"type":"discount_percent","percent":"5"}]`)},
		{"action not allowed", rule("x", TypeDiscount, 0, ``, `[{"type":"penalty_percent","percent":"5"}]`)},
		{"percent out of range", rule("x", TypeDiscount, 0, ``, `[{"type":"discount_percent","percent":"120"}]`)},
		{"no actions", rule("x", TypeDiscount, 0, ``, `[]`)},
		{"gender rule without gender", rule("x", TypeGenderBasedDiscount, 0, ``, `[{"type":"discount_percent","percent":"5"}]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService()
			tt.rule.ValidFrom = day(2025, 1, 1)
			err := svc.CreateRule(context.Background(), tt.rule)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(repo.rules) != 0 {
				t.Error("invalid rule must not be stored")
			}
		})
	}
}

func TestService_CreateRule_ValidityWindow(t *testing.T) {
	svc, _ := newTestService()
	r := rule("w", TypeDiscount, 0, ``, `[{"type":"discount_amount","amount":"1000"}]`)
	r.ValidFrom = day(2025, 6, 1)
	to := day(2025, 1, 1)
	r.ValidTo = &to
	if err := svc.CreateRule(context.Background(), r); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_DeactivateRule(t *testing.T) {
	svc, repo := newTestService()
	r := repo.add(rule("d", TypeDiscount, 0, ``, `[{"type":"discount_percent","percent":"5"}]`))

	if err := svc.DeactivateRule(context.Background(), r.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Active {
		t.Error("expected rule to be inactive")
	}
	if err := svc.DeactivateRule(context.Background(), uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
