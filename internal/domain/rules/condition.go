package rules

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Condition is one tagged predicate. A rule applies when all of its
// conditions match.
type Condition interface {
	Tag() string
	Match(ec *Context) bool
	validate() error
}

var conditionRegistry = map[string]func() Condition{
	"age_between":       func() Condition { return &AgeBetween{} },
	"gender_is":         func() Condition { return &GenderIs{} },
	"service_in":        func() Condition { return &ServiceIn{} },
	"category_in":       func() Condition { return &CategoryIn{} },
	"plan_in":           func() Condition { return &PlanIn{} },
	"hashtagged":        func() Condition { return &Hashtagged{} },
	"amount_between":    func() Condition { return &AmountBetween{} },
	"coverage_between":  func() Condition { return &CoverageBetween{} },
	"has_supplementary": func() Condition { return &HasSupplementary{} },
	"insured":           func() Condition { return &Insured{} },
}

// AgeBetween matches patients whose age in whole years lies in [Min, Max].
// Patients with no known birth date never match.
type AgeBetween struct {
	Min *int `json:"min"`
	Max *int `json:"max"`
}

func (*AgeBetween) Tag() string { return "age_between" }

func (c *AgeBetween) validate() error {
	if c.Min == nil && c.Max == nil {
		return fmt.Errorf("min or max is required")
	}
	if (c.Min != nil && *c.Min < 0) || (c.Max != nil && *c.Max < 0) {
		return fmt.Errorf("ages must be non-negative")
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("min %d exceeds max %d", *c.Min, *c.Max)
	}
	return nil
}

func (c *AgeBetween) Match(ec *Context) bool {
	if ec.PatientAge == nil {
		return false
	}
	age := *ec.PatientAge
	return (c.Min == nil || age >= *c.Min) && (c.Max == nil || age <= *c.Max)
}

type GenderIs struct {
	Gender string `json:"gender"`
}

func (*GenderIs) Tag() string { return "gender_is" }

func (c *GenderIs) validate() error {
	if strings.TrimSpace(c.Gender) == "" {
		return fmt.Errorf("gender is required")
	}
	return nil
}

func (c *GenderIs) Match(ec *Context) bool {
	return ec.PatientGender != "" && strings.EqualFold(c.Gender, ec.PatientGender)
}

type ServiceIn struct {
	IDs []uuid.UUID `json:"ids"`
}

func (*ServiceIn) Tag() string { return "service_in" }

func (c *ServiceIn) validate() error { return nonEmpty(c.IDs) }

func (c *ServiceIn) Match(ec *Context) bool { return contains(c.IDs, ec.ServiceID) }

type CategoryIn struct {
	IDs []uuid.UUID `json:"ids"`
}

func (*CategoryIn) Tag() string { return "category_in" }

func (c *CategoryIn) validate() error { return nonEmpty(c.IDs) }

func (c *CategoryIn) Match(ec *Context) bool { return contains(c.IDs, ec.CategoryID) }

type PlanIn struct {
	IDs []uuid.UUID `json:"ids"`
}

func (*PlanIn) Tag() string { return "plan_in" }

func (c *PlanIn) validate() error { return nonEmpty(c.IDs) }

func (c *PlanIn) Match(ec *Context) bool {
	return ec.PlanID != nil && contains(c.IDs, *ec.PlanID)
}

type Hashtagged struct {
	Value bool `json:"value"`
}

func (*Hashtagged) Tag() string { return "hashtagged" }

func (*Hashtagged) validate() error { return nil }

func (c *Hashtagged) Match(ec *Context) bool { return ec.Hashtagged == c.Value }

// AmountBetween matches on the base price, bounds inclusive.
type AmountBetween struct {
	Min *decimal.Decimal `json:"min"`
	Max *decimal.Decimal `json:"max"`
}

func (*AmountBetween) Tag() string { return "amount_between" }

func (c *AmountBetween) validate() error { return validRange(c.Min, c.Max) }

func (c *AmountBetween) Match(ec *Context) bool { return inRange(ec.BaseAmount, c.Min, c.Max) }

// CoverageBetween matches on the preliminary coverage percent.
type CoverageBetween struct {
	Min *decimal.Decimal `json:"min"`
	Max *decimal.Decimal `json:"max"`
}

func (*CoverageBetween) Tag() string { return "coverage_between" }

func (c *CoverageBetween) validate() error { return validRange(c.Min, c.Max) }

func (c *CoverageBetween) Match(ec *Context) bool { return inRange(ec.CoveragePercent, c.Min, c.Max) }

type HasSupplementary struct {
	Value bool `json:"value"`
}

func (*HasSupplementary) Tag() string { return "has_supplementary" }

func (*HasSupplementary) validate() error { return nil }

func (c *HasSupplementary) Match(ec *Context) bool { return ec.HasSupplementary == c.Value }

// Insured matches on whether primary coverage was resolved.
type Insured struct {
	Value bool `json:"value"`
}

func (*Insured) Tag() string { return "insured" }

func (*Insured) validate() error { return nil }

func (c *Insured) Match(ec *Context) bool { return ec.Covered == c.Value }

func nonEmpty(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return fmt.Errorf("ids must not be empty")
	}
	return nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func validRange(lo, hi *decimal.Decimal) error {
	if lo == nil && hi == nil {
		return fmt.Errorf("min or max is required")
	}
	if lo != nil && hi != nil && lo.GreaterThan(*hi) {
		return fmt.Errorf("min %s exceeds max %s", lo, hi)
	}
	return nil
}

func inRange(v decimal.Decimal, lo, hi *decimal.Decimal) bool {
	return (lo == nil || v.GreaterThanOrEqual(*lo)) && (hi == nil || v.LessThanOrEqual(*hi))
}
