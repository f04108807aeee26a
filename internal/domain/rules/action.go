package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/money"
)

// Action is one tagged effect of a rule. The composer applies them by type.
type Action interface {
	Tag() string
	validate() error
}

var actionRegistry = map[string]func() Action{
	"set_coverage_percent": func() Action { return &SetCoveragePercent{} },
	"adjust_coverage":      func() Action { return &AdjustCoverage{} },
	"deductible":           func() Action { return &Deductible{} },
	"payment_cap":          func() Action { return &PaymentCap{} },
	"supplementary":        func() Action { return &Supplementary{} },
	"discount_percent":     func() Action { return &DiscountPercent{} },
	"discount_amount":      func() Action { return &DiscountAmount{} },
	"penalty_percent":      func() Action { return &PenaltyPercent{} },
	"penalty_amount":       func() Action { return &PenaltyAmount{} },
	"reject":               func() Action { return &Reject{} },
}

// SetCoveragePercent replaces the resolved coverage percent.
type SetCoveragePercent struct {
	Percent decimal.Decimal `json:"percent"`
}

func (*SetCoveragePercent) Tag() string { return "set_coverage_percent" }

func (a *SetCoveragePercent) validate() error { return percent("percent", a.Percent) }

// AdjustCoverage adds Delta percentage points; the result is clamped to [0, 100].
type AdjustCoverage struct {
	Delta decimal.Decimal `json:"delta"`
}

func (*AdjustCoverage) Tag() string { return "adjust_coverage" }

func (a *AdjustCoverage) validate() error {
	if a.Delta.Abs().GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("delta must be within ±100")
	}
	return nil
}

// Deductible replaces the plan deductible.
type Deductible struct {
	Amount decimal.Decimal `json:"amount"`
}

func (*Deductible) Tag() string { return "deductible" }

func (a *Deductible) validate() error { return amount("amount", a.Amount) }

// PaymentCap caps the primary insurer share.
type PaymentCap struct {
	Amount decimal.Decimal `json:"amount"`
}

func (*PaymentCap) Tag() string { return "payment_cap" }

func (a *PaymentCap) validate() error { return amount("amount", a.Amount) }

// Supplementary sets the supplementary insurer's percent of the residual
// patient share and its optional cap.
type Supplementary struct {
	Percent    decimal.Decimal  `json:"percent"`
	MaxPayment *decimal.Decimal `json:"max_payment"`
}

func (*Supplementary) Tag() string { return "supplementary" }

func (a *Supplementary) validate() error {
	if err := percent("percent", a.Percent); err != nil {
		return err
	}
	if a.MaxPayment != nil {
		return amount("max_payment", *a.MaxPayment)
	}
	return nil
}

type DiscountPercent struct {
	Percent decimal.Decimal `json:"percent"`
}

func (*DiscountPercent) Tag() string { return "discount_percent" }

func (a *DiscountPercent) validate() error { return percent("percent", a.Percent) }

type DiscountAmount struct {
	Amount decimal.Decimal `json:"amount"`
}

func (*DiscountAmount) Tag() string { return "discount_amount" }

func (a *DiscountAmount) validate() error { return amount("amount", a.Amount) }

type PenaltyPercent struct {
	Percent decimal.Decimal `json:"percent"`
}

func (*PenaltyPercent) Tag() string { return "penalty_percent" }

func (a *PenaltyPercent) validate() error { return percent("percent", a.Percent) }

type PenaltyAmount struct {
	Amount decimal.Decimal `json:"amount"`
}

func (*PenaltyAmount) Tag() string { return "penalty_amount" }

func (a *PenaltyAmount) validate() error { return amount("amount", a.Amount) }

// Reject fails the calculation with the rule's message.
type Reject struct{}

func (*Reject) Tag() string { return "reject" }

func (*Reject) validate() error { return nil }

func percent(name string, v decimal.Decimal) error {
	if !money.ValidPercent(v) {
		return fmt.Errorf("%s must be between 0 and 100", name)
	}
	return nil
}

func amount(name string, v decimal.Decimal) error {
	if v.IsNegative() || !money.IsWhole(v) {
		return fmt.Errorf("%s must be a non-negative whole amount", name)
	}
	return nil
}
