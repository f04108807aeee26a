package calculation

import (
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/domain/coverage"
	"github.com/ehr/pricing/internal/domain/rules"
	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/money"
)

var hundred = decimal.NewFromInt(100)

// ComposeInput is everything the composer needs for one service.
type ComposeInput struct {
	BaseAmount decimal.Decimal
	// Primary is nil when the patient has no primary insurance.
	Primary *coverage.Resolution
	// Supplementary is nil when the patient has no supplementary insurance.
	Supplementary *coverage.Resolution
	Effects       []rules.Effect
}

// Composition is the split of one service's billable amount.
type Composition struct {
	ServiceAmount      decimal.Decimal
	AdjustedAmount     decimal.Decimal
	CoveragePercent    decimal.Decimal
	InsurerShare       decimal.Decimal
	SupplementaryShare decimal.Decimal
	PatientShare       decimal.Decimal
	Copay              *decimal.Decimal
	Deductible         *decimal.Decimal
	CoverageOverride   *decimal.Decimal
	Discount           decimal.Decimal
	Penalty            decimal.Decimal
	Covered            bool
}

// Billable is the total the parties owe.
func (c *Composition) Billable() decimal.Decimal {
	if c.Deductible == nil {
		return c.AdjustedAmount
	}
	return c.AdjustedAmount.Add(*c.Deductible)
}

// effects is the reduced view of rule effects. Effects arrive in rank order,
// so the first value of each replacing action wins.
type effects struct {
	setCoverage   *decimal.Decimal
	coverageDelta decimal.Decimal
	deductible    *decimal.Decimal
	paymentCap    *decimal.Decimal
	supplementary *rules.Supplementary
	discountPct   decimal.Decimal
	discountAmt   decimal.Decimal
	penaltyPct    decimal.Decimal
	penaltyAmt    decimal.Decimal
}

func reduce(list []rules.Effect) effects {
	var fx effects
	for _, e := range list {
		switch a := e.Action.(type) {
		case *rules.SetCoveragePercent:
			if fx.setCoverage == nil {
				v := a.Percent
				fx.setCoverage = &v
			}
		case *rules.AdjustCoverage:
			fx.coverageDelta = fx.coverageDelta.Add(a.Delta)
		case *rules.Deductible:
			if fx.deductible == nil {
				v := a.Amount
				fx.deductible = &v
			}
		case *rules.PaymentCap:
			if fx.paymentCap == nil || a.Amount.LessThan(*fx.paymentCap) {
				v := a.Amount
				fx.paymentCap = &v
			}
		case *rules.Supplementary:
			if fx.supplementary == nil {
				fx.supplementary = a
			}
		case *rules.DiscountPercent:
			fx.discountPct = fx.discountPct.Add(a.Percent)
		case *rules.DiscountAmount:
			fx.discountAmt = fx.discountAmt.Add(a.Amount)
		case *rules.PenaltyPercent:
			fx.penaltyPct = fx.penaltyPct.Add(a.Percent)
		case *rules.PenaltyAmount:
			fx.penaltyAmt = fx.penaltyAmt.Add(a.Amount)
		}
	}
	return fx
}

func (fx effects) touchesCoverage() bool {
	return fx.setCoverage != nil || !fx.coverageDelta.IsZero()
}

// Compose splits one service's amount between primary insurer, supplementary
// insurer and patient. All figures are whole units and
// insurer + supplementary + patient == adjusted + deductible holds exactly.
func Compose(in ComposeInput) (*Composition, error) {
	if in.Supplementary != nil && in.Supplementary.Covered && in.Primary == nil {
		return nil, apperr.Composition(apperr.CodeSupplementaryWithoutPrimary,
			"supplementary insurance cannot apply without primary insurance")
	}

	fx := reduce(in.Effects)
	covered := in.Primary != nil && in.Primary.Covered

	amount := money.Round(in.BaseAmount)
	if covered && in.Primary.Price != nil {
		amount = *in.Primary.Price
	}
	out := &Composition{ServiceAmount: amount, Covered: covered}

	// Discounts and penalties are taken against the pre-adjustment amount so
	// their order does not matter.
	out.Discount = money.Percent(amount, fx.discountPct).Add(fx.discountAmt)
	out.Penalty = money.Percent(amount, fx.penaltyPct).Add(fx.penaltyAmt)
	out.AdjustedAmount = amount.Sub(out.Discount).Add(out.Penalty)
	if out.AdjustedAmount.IsNegative() {
		return nil, negativeShare("adjusted amount")
	}

	if !covered {
		out.PatientShare = out.AdjustedAmount
		return out, check(out)
	}

	if err := composePrimary(out, in.Primary, fx); err != nil {
		return nil, err
	}
	if in.Supplementary != nil && in.Supplementary.Covered {
		composeSupplementary(out, in.Supplementary, fx)
	}
	return out, check(out)
}

func composePrimary(out *Composition, res *coverage.Resolution, fx effects) error {
	adjusted := out.AdjustedAmount

	switch {
	case res.ExplicitShares() && !fx.touchesCoverage():
		// Explicit shares are priced against the service amount and follow
		// discounts and penalties proportionally.
		if res.InsurerShare != nil {
			out.InsurerShare = scaleShare(*res.InsurerShare, adjusted, out.ServiceAmount)
		} else {
			out.InsurerShare = adjusted.Sub(scaleShare(*res.PatientShare, adjusted, out.ServiceAmount))
		}
		if out.InsurerShare.IsNegative() || out.InsurerShare.GreaterThan(adjusted) {
			return negativeShare("explicit tariff shares exceed the adjusted amount")
		}
		if adjusted.IsPositive() {
			out.CoveragePercent = out.InsurerShare.Mul(hundred).Div(adjusted).Round(2)
		}
	case res.Covered && res.PatientSharePercent != nil && !fx.touchesCoverage():
		// A fixed patient-share percent wins over the coverage percent.
		patient := money.Percent(adjusted, *res.PatientSharePercent)
		out.CoveragePercent = money.Complement(*res.PatientSharePercent)
		out.InsurerShare = adjusted.Sub(patient)
	default:
		pct := res.Percent()
		if fx.touchesCoverage() {
			if fx.setCoverage != nil {
				pct = *fx.setCoverage
			}
			pct = clampPercent(pct.Add(fx.coverageDelta))
			override := pct
			out.CoverageOverride = &override
		}
		out.CoveragePercent = pct
		out.InsurerShare = money.Percent(adjusted, pct)
	}

	if fx.paymentCap != nil {
		out.InsurerShare = money.Min(out.InsurerShare, *fx.paymentCap)
	}

	copay := adjusted.Sub(out.InsurerShare)
	out.Copay = &copay
	out.PatientShare = copay

	deductible := res.Deductible
	if fx.deductible != nil {
		deductible = fx.deductible
	}
	if deductible != nil && deductible.IsPositive() {
		d := *deductible
		out.Deductible = &d
		out.PatientShare = out.PatientShare.Add(d)
	}
	return nil
}

func scaleShare(share, adjusted, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || adjusted.Equal(amount) {
		return share
	}
	return money.Round(share.Mul(adjusted).Div(amount))
}

// composeSupplementary takes the supplementary insurer's part out of the
// patient's residual share. Percent precedence: rule effect, then the
// supplementary tariff, then the supplementary plan's coverage.
func composeSupplementary(out *Composition, res *coverage.Resolution, fx effects) {
	pct := res.Percent()
	if res.SupplementaryPercent != nil {
		pct = *res.SupplementaryPercent
	}
	maxPayment := res.SupplementaryMaxPayment
	if fx.supplementary != nil {
		pct = fx.supplementary.Percent
		if fx.supplementary.MaxPayment != nil {
			maxPayment = fx.supplementary.MaxPayment
		}
	}

	supp := money.Percent(out.PatientShare, pct)
	if maxPayment != nil {
		supp = money.Min(supp, *maxPayment)
	}
	out.SupplementaryShare = supp
	out.PatientShare = out.PatientShare.Sub(supp)
}

// check enforces the reconciliation invariant. Any remainder lands on the
// patient share; a negative share fails the composition.
func check(c *Composition) error {
	sum := c.InsurerShare.Add(c.SupplementaryShare).Add(c.PatientShare)
	if diff := c.Billable().Sub(sum); !diff.IsZero() {
		c.PatientShare = c.PatientShare.Add(diff)
	}
	for _, s := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"insurer share", c.InsurerShare},
		{"supplementary share", c.SupplementaryShare},
		{"patient share", c.PatientShare},
	} {
		if s.v.IsNegative() {
			return negativeShare(s.name)
		}
	}
	return nil
}

func clampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

func negativeShare(what string) error {
	return apperr.Composition(apperr.CodeNegativeResultingShare, what+" would be negative")
}
