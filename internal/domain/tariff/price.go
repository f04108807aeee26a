package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/money"
)

// FactorResolver is satisfied by *Resolver.
type FactorResolver interface {
	Resolve(ctx context.Context, kind ComponentKind, hashtagged bool, at time.Time, purpose Purpose) (*FactorSetting, error)
}

// PriceLine is one component's contribution before rounding.
type PriceLine struct {
	ComponentID     uuid.UUID       `json:"component_id"`
	Kind            ComponentKind   `json:"kind"`
	Coefficient     decimal.Decimal `json:"coefficient"`
	Factor          decimal.Decimal `json:"factor"`
	FactorSettingID uuid.UUID       `json:"factor_setting_id"`
	Amount          decimal.Decimal `json:"amount"`
}

// BasePrice is a service price rounded once to whole units.
type BasePrice struct {
	ServiceID uuid.UUID       `json:"service_id"`
	Amount    decimal.Decimal `json:"amount"`
	Lines     []PriceLine     `json:"lines"`
}

type PriceCalculator struct {
	factors FactorResolver
}

func NewPriceCalculator(factors FactorResolver) *PriceCalculator {
	return &PriceCalculator{factors: factors}
}

// BasePrice sums coefficient × factor over the active components of svc. The
// hashtag classification only selects the technical factor.
func (p *PriceCalculator) BasePrice(ctx context.Context, svc *MedicalService, at time.Time, purpose Purpose) (*BasePrice, error) {
	components := svc.ActiveComponents()
	if err := checkComponents(svc, components); err != nil {
		return nil, err
	}

	type factorKey struct {
		kind       ComponentKind
		hashtagged bool
	}
	resolved := make(map[factorKey]*FactorSetting, 2)

	out := &BasePrice{ServiceID: svc.ID, Lines: make([]PriceLine, 0, len(components))}
	total := decimal.Zero
	for _, c := range components {
		key := factorKey{kind: c.Kind, hashtagged: c.Kind == KindTechnical && svc.Hashtagged}
		f, ok := resolved[key]
		if !ok {
			var err error
			f, err = p.factors.Resolve(ctx, key.kind, key.hashtagged, at, purpose)
			if err != nil {
				return nil, err
			}
			resolved[key] = f
		}
		amount := c.Coefficient.Mul(f.Value)
		total = total.Add(amount)
		out.Lines = append(out.Lines, PriceLine{
			ComponentID:     c.ID,
			Kind:            c.Kind,
			Coefficient:     c.Coefficient,
			Factor:          f.Value,
			FactorSettingID: f.ID,
			Amount:          amount,
		})
	}
	out.Amount = money.Round(total)
	return out, nil
}

func checkComponents(svc *MedicalService, components []ServiceComponent) error {
	var technical, professional bool
	for _, c := range components {
		switch c.Kind {
		case KindTechnical:
			technical = true
		case KindProfessional:
			professional = true
		}
	}
	if technical && professional {
		return nil
	}
	msg := fmt.Sprintf("service %s has no active components", svc.Code)
	if len(components) > 0 {
		missing := KindTechnical
		if technical {
			missing = KindProfessional
		}
		msg = fmt.Sprintf("service %s has no active %s component", svc.Code, missing)
	}
	return apperr.DataIntegrity(apperr.CodeNoComponentsDefined, msg).With("service_id", svc.ID.String())
}
