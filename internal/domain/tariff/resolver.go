package tariff

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/pricing/internal/platform/apperr"
)

// Purpose tells the resolver whether frozen settings may be used.
type Purpose int

const (
	// PurposeNewCalculation never accepts a frozen setting.
	PurposeNewCalculation Purpose = iota
	// PurposeHistorical accepts a frozen setting for instants before the freeze.
	PurposeHistorical
)

func (p Purpose) String() string {
	if p == PurposeHistorical {
		return "historical"
	}
	return "new_calculation"
}

// Resolver picks the single factor setting in force for a component kind.
type Resolver struct {
	factors FactorRepository
}

func NewResolver(factors FactorRepository) *Resolver {
	return &Resolver{factors: factors}
}

// Resolve returns the setting for (kind, hashtagged) at instant at. Zero
// candidates, or two candidates sharing the latest effective date, fail with
// AMBIGUOUS_OR_MISSING_FACTOR. A frozen winner fails with FROZEN_YEAR unless
// purpose allows it.
func (r *Resolver) Resolve(ctx context.Context, kind ComponentKind, hashtagged bool, at time.Time, purpose Purpose) (*FactorSetting, error) {
	all, err := r.factors.ListCandidates(ctx, kind, hashtagged, at)
	if err != nil {
		return nil, fmt.Errorf("list factor candidates: %w", err)
	}

	candidates := make([]*FactorSetting, 0, len(all))
	for _, f := range all {
		if f.Kind == kind && f.Hashtagged == hashtagged && f.InForce(at) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.DataIntegrity(apperr.CodeAmbiguousOrMissingFactor,
			fmt.Sprintf("no %s factor (hashtagged=%t) in force at %s", kind, hashtagged, at.Format(time.RFC3339))).
			With("kind", string(kind))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
	})
	if len(candidates) > 1 && candidates[0].EffectiveFrom.Equal(candidates[1].EffectiveFrom) {
		return nil, apperr.DataIntegrity(apperr.CodeAmbiguousOrMissingFactor,
			fmt.Sprintf("%d %s factors (hashtagged=%t) share effective date %s", countSameStart(candidates), kind, hashtagged,
				candidates[0].EffectiveFrom.Format(time.RFC3339))).
			With("kind", string(kind))
	}

	chosen := candidates[0]
	if chosen.Freeze.IsFrozen() && !historicalAllowed(chosen, at, purpose) {
		return nil, apperr.DataIntegrity(apperr.CodeFrozenYear,
			fmt.Sprintf("financial year %d is frozen", chosen.FinancialYear)).
			With("factor_setting_id", chosen.ID.String())
	}
	return chosen, nil
}

func historicalAllowed(f *FactorSetting, at time.Time, purpose Purpose) bool {
	if purpose != PurposeHistorical || f.Freeze.FrozenAt == nil {
		return false
	}
	return at.Before(*f.Freeze.FrozenAt)
}

func countSameStart(sorted []*FactorSetting) int {
	n := 1
	for n < len(sorted) && sorted[n].EffectiveFrom.Equal(sorted[0].EffectiveFrom) {
		n++
	}
	return n
}
