package rules

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RuleType string

const (
	TypeCoveragePercent        RuleType = "coverage_percent"
	TypeDeductible             RuleType = "deductible"
	TypePaymentLimit           RuleType = "payment_limit"
	TypeSupplementaryInsurance RuleType = "supplementary_insurance"
	TypeValidation             RuleType = "validation"
	TypeDiscount               RuleType = "discount"
	TypePenalty                RuleType = "penalty"
	TypeAgeBasedDiscount       RuleType = "age_based_discount"
	TypeGenderBasedDiscount    RuleType = "gender_based_discount"
	TypeServiceBasedDiscount   RuleType = "service_based_discount"
	TypeInsuranceBasedDiscount RuleType = "insurance_based_discount"
	TypeCustom                 RuleType = "custom"
)

var ruleTypes = map[RuleType]bool{
	TypeCoveragePercent: true, TypeDeductible: true, TypePaymentLimit: true,
	TypeSupplementaryInsurance: true, TypeValidation: true, TypeDiscount: true,
	TypePenalty: true, TypeAgeBasedDiscount: true, TypeGenderBasedDiscount: true,
	TypeServiceBasedDiscount: true, TypeInsuranceBasedDiscount: true, TypeCustom: true,
}

func (t RuleType) Valid() bool { return ruleTypes[t] }

// Scope narrows where a rule applies. A nil field matches anything.
type Scope struct {
	PlanID     *uuid.UUID `db:"plan_id" json:"plan_id,omitempty"`
	CategoryID *uuid.UUID `db:"category_id" json:"category_id,omitempty"`
	ServiceID  *uuid.UUID `db:"service_id" json:"service_id,omitempty"`
	Hashtagged *bool      `db:"hashtagged" json:"hashtagged,omitempty"`
}

// Specificity ranks scopes for tie-breaking: service > category > plan > global.
func (s Scope) Specificity() int {
	switch {
	case s.ServiceID != nil:
		return 3
	case s.CategoryID != nil:
		return 2
	case s.PlanID != nil:
		return 1
	}
	return 0
}

// Matches reports whether every set filter of s agrees with f.
func (s Scope) Matches(f Filter) bool {
	if s.PlanID != nil && (f.PlanID == nil || *f.PlanID != *s.PlanID) {
		return false
	}
	if s.CategoryID != nil && *s.CategoryID != f.CategoryID {
		return false
	}
	if s.ServiceID != nil && *s.ServiceID != f.ServiceID {
		return false
	}
	if s.Hashtagged != nil && *s.Hashtagged != f.Hashtagged {
		return false
	}
	return true
}

// Filter is the scope a calculation runs in. PlanID is nil for self-pay.
type Filter struct {
	PlanID     *uuid.UUID
	CategoryID uuid.UUID
	ServiceID  uuid.UUID
	Hashtagged bool
}

// Payload is a raw JSON array of tagged objects, e.g. [{"type":"age_between","min":65}].
type Payload = json.RawMessage

// BusinessRule is append-only. Conditions and Actions hold the raw tagged
// payloads; Compile turns them into typed values.
type BusinessRule struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Type       RuleType   `db:"rule_type" json:"type"`
	Priority   int        `db:"priority" json:"priority"`
	Scope      Scope      `db:"-" json:"scope"`
	ValidFrom  time.Time  `db:"valid_from" json:"valid_from"`
	ValidTo    *time.Time `db:"valid_to" json:"valid_to,omitempty"`
	Active     bool       `db:"active" json:"active"`
	Conditions Payload    `db:"conditions" json:"conditions"`
	Actions    Payload    `db:"actions" json:"actions"`
	Message    *string    `db:"message" json:"message,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// InForce reports whether the rule is active and at lies in [ValidFrom, ValidTo).
func (r *BusinessRule) InForce(at time.Time) bool {
	if !r.Active || at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || at.Before(*r.ValidTo)
}
