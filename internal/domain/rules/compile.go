package rules

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrInvalidPayload marks rules whose conditions or actions cannot be compiled.
var ErrInvalidPayload = errors.New("invalid rule payload")

// allowedActions lists the action tags each rule type may carry. Custom rules
// may carry anything except reject.
var allowedActions = map[RuleType][]string{
	TypeCoveragePercent:        {"set_coverage_percent", "adjust_coverage"},
	TypeDeductible:             {"deductible"},
	TypePaymentLimit:           {"payment_cap"},
	TypeSupplementaryInsurance: {"supplementary"},
	TypeValidation:             {"reject"},
	TypeDiscount:               {"discount_percent", "discount_amount"},
	TypePenalty:                {"penalty_percent", "penalty_amount"},
	TypeAgeBasedDiscount:       {"discount_percent", "discount_amount"},
	TypeGenderBasedDiscount:    {"discount_percent", "discount_amount"},
	TypeServiceBasedDiscount:   {"discount_percent", "discount_amount"},
	TypeInsuranceBasedDiscount: {"discount_percent", "discount_amount"},
}

// requiredConditions lists, per rule type, condition tags of which at least
// one must be present.
var requiredConditions = map[RuleType][]string{
	TypeAgeBasedDiscount:       {"age_between"},
	TypeGenderBasedDiscount:    {"gender_is"},
	TypeServiceBasedDiscount:   {"service_in", "category_in"},
	TypeInsuranceBasedDiscount: {"plan_in", "insured", "has_supplementary"},
}

// Compiled is a rule with its payloads parsed into typed values.
type Compiled struct {
	Rule       *BusinessRule
	Conditions []Condition
	Actions    []Action
}

// Matches reports whether every condition holds for ec.
func (c *Compiled) Matches(ec *Context) bool {
	for _, cond := range c.Conditions {
		if !cond.Match(ec) {
			return false
		}
	}
	return true
}

// Compile parses and validates a rule's payloads. Unknown tags, malformed
// objects and actions not permitted for the rule type are rejected.
func Compile(r *BusinessRule) (*Compiled, error) {
	if !r.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidPayload, r.Type)
	}
	conds, err := decodeTagged(r.Conditions, conditionRegistry, "condition")
	if err != nil {
		return nil, err
	}
	actions, err := decodeTagged(r.Actions, actionRegistry, "action")
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: rule has no actions", ErrInvalidPayload)
	}
	for _, a := range actions {
		if !actionAllowed(r.Type, a.Tag()) {
			return nil, fmt.Errorf("%w: action %q not allowed for %s rules", ErrInvalidPayload, a.Tag(), r.Type)
		}
	}
	if need, ok := requiredConditions[r.Type]; ok && !hasAny(conds, need) {
		return nil, fmt.Errorf("%w: %s rules need one of %v conditions", ErrInvalidPayload, r.Type, need)
	}
	return &Compiled{Rule: r, Conditions: conds, Actions: actions}, nil
}

func actionAllowed(t RuleType, tag string) bool {
	if t == TypeCustom {
		return tag != "reject"
	}
	for _, allowed := range allowedActions[t] {
		if allowed == tag {
			return true
		}
	}
	return false
}

func hasAny(conds []Condition, tags []string) bool {
	for _, c := range conds {
		for _, t := range tags {
			if c.Tag() == t {
				return true
			}
		}
	}
	return false
}

type validator interface {
	validate() error
}

// decodeTagged reads a JSON array of {"type": ..., ...} objects, dispatching
// each element to the constructor registered for its tag.
func decodeTagged[T validator](raw Payload, registry map[string]func() T, kind string) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var items []Payload
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %ss must be a JSON array: %v", ErrInvalidPayload, kind, err)
	}

	out := make([]T, 0, len(items))
	for i, item := range items {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, fmt.Errorf("%w: %s %d: %v", ErrInvalidPayload, kind, i, err)
		}
		ctor, ok := registry[head.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %s %d: unknown type %q", ErrInvalidPayload, kind, i, head.Type)
		}
		v := ctor()
		if err := json.Unmarshal(item, v); err != nil {
			return nil, fmt.Errorf("%w: %s %d (%s): %v", ErrInvalidPayload, kind, i, head.Type, err)
		}
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s %d (%s): %v", ErrInvalidPayload, kind, i, head.Type, err)
		}
		out = append(out, v)
	}
	return out, nil
}
