package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/metrics"
)

// Context is what conditions are evaluated against. Coverage figures are the
// coverage resolver's preliminary result.
type Context struct {
	Filter
	At               time.Time
	PatientAge       *int
	PatientGender    string
	BaseAmount       decimal.Decimal
	Covered          bool
	CoveragePercent  decimal.Decimal
	HasSupplementary bool
}

// Effect is one action contributed by an applied rule.
type Effect struct {
	RuleID   uuid.UUID
	RuleName string
	RuleType RuleType
	Action   Action
}

// AppliedRule records a rule that contributed effects.
type AppliedRule struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Type     RuleType  `json:"type"`
	Priority int       `json:"priority"`
	Actions  []string  `json:"actions"`
}

// SkippedRule records a rule that was ignored because it failed to compile.
type SkippedRule struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Reason string    `json:"reason"`
}

type Evaluation struct {
	Effects []Effect      `json:"-"`
	Applied []AppliedRule `json:"applied"`
	Skipped []SkippedRule `json:"skipped,omitempty"`
}

// Engine loads applicable rules and reduces them to effects.
type Engine struct {
	repo   Repository
	logger zerolog.Logger
	// compiled caches parsed payloads by rule id; payloads never change.
	compiled sync.Map
}

func NewEngine(repo Repository, logger zerolog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger.With().Str("component", "rule-engine").Logger()}
}

// Evaluate ranks the applicable rules and applies, per rule type, the single
// highest-ranked rule whose conditions match. A matching validation rule, or
// a validation rule that cannot be compiled, fails with
// BUSINESS_RULE_VIOLATION. Other rules that cannot be compiled are skipped.
func (e *Engine) Evaluate(ctx context.Context, ec *Context) (*Evaluation, error) {
	candidates, err := e.repo.ListApplicable(ctx, ec.Filter, ec.At)
	if err != nil {
		return nil, fmt.Errorf("list applicable rules: %w", err)
	}

	applicable := make([]*BusinessRule, 0, len(candidates))
	for _, r := range candidates {
		if r.InForce(ec.At) && r.Scope.Matches(ec.Filter) {
			applicable = append(applicable, r)
		}
	}
	Rank(applicable)

	out := &Evaluation{}
	seen := make(map[RuleType]bool)
	for _, r := range applicable {
		if seen[r.Type] {
			continue
		}
		c, err := e.compile(r)
		if err != nil {
			if r.Type == TypeValidation {
				e.logger.Error().Err(err).Str("rule_id", r.ID.String()).Str("rule_name", r.Name).
					Msg("validation rule payload invalid, failing closed")
				return nil, apperr.RuleViolation(r.Name, fmt.Sprintf("validation rule %q could not be evaluated", r.Name))
			}
			metrics.RecordRulePayloadError(string(r.Type))
			e.logger.Warn().Err(err).Str("rule_id", r.ID.String()).Str("rule_name", r.Name).
				Str("rule_type", string(r.Type)).Msg("skipping rule with invalid payload")
			out.Skipped = append(out.Skipped, SkippedRule{ID: r.ID, Name: r.Name, Reason: err.Error()})
			continue
		}
		if !c.Matches(ec) {
			continue
		}
		if r.Type == TypeValidation {
			return nil, apperr.RuleViolation(r.Name, ruleMessage(r))
		}

		seen[r.Type] = true
		applied := AppliedRule{ID: r.ID, Name: r.Name, Type: r.Type, Priority: r.Priority}
		for _, a := range c.Actions {
			out.Effects = append(out.Effects, Effect{RuleID: r.ID, RuleName: r.Name, RuleType: r.Type, Action: a})
			applied.Actions = append(applied.Actions, a.Tag())
		}
		out.Applied = append(out.Applied, applied)
	}
	return out, nil
}

func (e *Engine) compile(r *BusinessRule) (*Compiled, error) {
	if v, ok := e.compiled.Load(r.ID); ok {
		return v.(*Compiled), nil
	}
	c, err := Compile(r)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(r.ID, c)
	return c, nil
}

func ruleMessage(r *BusinessRule) string {
	if r.Message != nil && *r.Message != "" {
		return *r.Message
	}
	return fmt.Sprintf("rejected by business rule %q", r.Name)
}

// Rank orders rules by priority (desc), scope specificity (desc), creation
// time (asc) and finally id, so the order is total.
func Rank(rules []*BusinessRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := a.Scope.Specificity(), b.Scope.Specificity(); sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
