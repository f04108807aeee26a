package coverage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/money"
)

// Input identifies what is being covered.
type Input struct {
	ServiceID     uuid.UUID
	CategoryID    uuid.UUID
	Plan          *InsurancePlan
	InsuranceType InsuranceType
	At            time.Time
}

// Resolution is the coverage outcome for one (service, plan). Pointer fields
// stay nil until a strategy resolves them; later strategies never overwrite
// what an earlier one set.
type Resolution struct {
	PlanID                  uuid.UUID        `json:"plan_id"`
	Covered                 bool             `json:"covered"`
	CoveragePercent         *decimal.Decimal `json:"coverage_percent,omitempty"`
	PatientSharePercent     *decimal.Decimal `json:"patient_share_percent,omitempty"`
	Deductible              *decimal.Decimal `json:"deductible,omitempty"`
	Price                   *decimal.Decimal `json:"price,omitempty"`
	InsurerShare            *decimal.Decimal `json:"insurer_share,omitempty"`
	PatientShare            *decimal.Decimal `json:"patient_share,omitempty"`
	SupplementaryPercent    *decimal.Decimal `json:"supplementary_percent,omitempty"`
	SupplementaryMaxPayment *decimal.Decimal `json:"supplementary_max_payment,omitempty"`
	TariffID                *uuid.UUID       `json:"tariff_id,omitempty"`
	PlanServiceID           *uuid.UUID       `json:"plan_service_id,omitempty"`
	// Sources lists the strategies that contributed, in chain order.
	Sources []string `json:"sources"`
	// Reason explains a not-covered outcome.
	Reason string `json:"reason,omitempty"`
}

// ExplicitShares reports whether a tariff fixed the shares as amounts, in
// which case percent math is skipped for them.
func (r *Resolution) ExplicitShares() bool {
	return r.InsurerShare != nil || r.PatientShare != nil
}

// Percent returns the resolved coverage percent, or zero when not covered.
func (r *Resolution) Percent() decimal.Decimal {
	if !r.Covered || r.CoveragePercent == nil {
		return decimal.Zero
	}
	return *r.CoveragePercent
}

func (r *Resolution) notCovered(source, reason string) {
	r.Covered = false
	r.Reason = reason
	r.Sources = append(r.Sources, source)
}

// Source is the read side the strategies consult.
type Source interface {
	// ApplicableTariffs returns live tariffs for (service, plan, type) in force at at.
	ApplicableTariffs(ctx context.Context, serviceID, planID uuid.UUID, insuranceType InsuranceType, at time.Time) ([]*InsuranceTariff, error)
	// LivePlanService returns the non-deleted override for (plan, category), or nil.
	LivePlanService(ctx context.Context, planID, categoryID uuid.UUID) (*PlanService, error)
}

// Strategy is one step of the precedence chain. It returns stop=true when the
// outcome is final.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, src Source, in Input, res *Resolution) (stop bool, err error)
}

// DefaultChain is the precedence policy: tariff, then plan-category override,
// then plan defaults.
func DefaultChain() []Strategy {
	return []Strategy{tariffStrategy{}, planServiceStrategy{}, planDefaultStrategy{}}
}

type Resolver struct {
	src   Source
	chain []Strategy
}

func NewResolver(src Source, chain ...Strategy) *Resolver {
	if len(chain) == 0 {
		chain = DefaultChain()
	}
	return &Resolver{src: src, chain: chain}
}

// Resolve runs the chain for in. A plan that is inactive at in.At resolves to
// not covered.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	if in.Plan == nil {
		return nil, fmt.Errorf("coverage input has no plan")
	}
	res := &Resolution{PlanID: in.Plan.ID, Covered: true}
	if !in.Plan.ActiveAt(in.At) {
		res.notCovered("plan", "plan inactive at calculation date")
		return res, nil
	}
	for _, s := range r.chain {
		stop, err := s.Apply(ctx, r.src, in, res)
		if err != nil {
			return nil, fmt.Errorf("coverage strategy %s: %w", s.Name(), err)
		}
		if stop {
			break
		}
	}
	return res, nil
}

// -- Strategies --

type tariffStrategy struct{}

func (tariffStrategy) Name() string { return "tariff" }

func (tariffStrategy) Apply(ctx context.Context, src Source, in Input, res *Resolution) (bool, error) {
	tariffs, err := src.ApplicableTariffs(ctx, in.ServiceID, in.Plan.ID, in.InsuranceType, in.At)
	if err != nil {
		return false, err
	}
	t := pickTariff(tariffs, in.At)
	if t == nil {
		return false, nil
	}
	id := t.ID
	res.TariffID = &id
	if !t.IsCovered {
		res.notCovered("tariff", "service excluded by insurance tariff")
		return true, nil
	}
	res.Sources = append(res.Sources, "tariff")
	fill(&res.Price, t.Price)
	fill(&res.InsurerShare, t.InsurerShare)
	fill(&res.PatientShare, t.PatientShare)
	fill(&res.SupplementaryPercent, t.SupplementaryPercent)
	fill(&res.SupplementaryMaxPayment, t.SupplementaryMaxPayment)
	return false, nil
}

// pickTariff chooses the highest priority tariff, then the most recent start,
// then the lowest id.
func pickTariff(tariffs []*InsuranceTariff, at time.Time) *InsuranceTariff {
	live := make([]*InsuranceTariff, 0, len(tariffs))
	for _, t := range tariffs {
		if t.ActiveAt(at) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.After(b.ValidFrom)
		}
		return a.ID.String() < b.ID.String()
	})
	return live[0]
}

type planServiceStrategy struct{}

func (planServiceStrategy) Name() string { return "plan_service" }

func (planServiceStrategy) Apply(ctx context.Context, src Source, in Input, res *Resolution) (bool, error) {
	ps, err := src.LivePlanService(ctx, in.Plan.ID, in.CategoryID)
	if err != nil {
		return false, err
	}
	if ps == nil || ps.DeletedAt != nil {
		return false, nil
	}
	id := ps.ID
	res.PlanServiceID = &id
	if !ps.IsCovered {
		res.notCovered("plan_service", "service category excluded by plan")
		return true, nil
	}
	res.Sources = append(res.Sources, "plan_service")
	fill(&res.CoveragePercent, ps.CoveragePercent)
	fill(&res.PatientSharePercent, ps.PatientSharePercent)
	if res.CoveragePercent == nil && res.PatientSharePercent != nil {
		derived := money.Complement(*res.PatientSharePercent)
		res.CoveragePercent = &derived
	}
	return false, nil
}

type planDefaultStrategy struct{}

func (planDefaultStrategy) Name() string { return "plan_default" }

func (planDefaultStrategy) Apply(_ context.Context, _ Source, in Input, res *Resolution) (bool, error) {
	res.Sources = append(res.Sources, "plan_default")
	pct := in.Plan.CoveragePercent
	fill(&res.CoveragePercent, &pct)
	fill(&res.Deductible, in.Plan.Deductible)
	return true, nil
}

func fill(dst **decimal.Decimal, v *decimal.Decimal) {
	if *dst != nil || v == nil {
		return
	}
	cp := *v
	*dst = &cp
}
