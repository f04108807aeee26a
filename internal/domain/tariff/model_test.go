package tariff

import (
	"errors"
	"testing"
	"time"
)

func TestFreezeState_Transition(t *testing.T) {
	var st FreezeState
	st.Status = StatusOpen
	at := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)

	if err := st.Freeze("finance-1", at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.IsFrozen() || !st.FrozenAt.Equal(at) || *st.FrozenBy != "finance-1" {
		t.Errorf("unexpected state: %+v", st)
	}
	if err := st.Freeze("finance-2", at.Add(time.Hour)); !errors.Is(err, ErrAlreadyFrozen) {
		t.Errorf("expected ErrAlreadyFrozen, got %v", err)
	}
	if *st.FrozenBy != "finance-1" {
		t.Error("second freeze must not overwrite the first")
	}
}

func TestFactorSetting_InForce(t *testing.T) {
	end := date(2025, 6, 1)
	f := &FactorSetting{EffectiveFrom: date(2025, 3, 21), EffectiveTo: &end}
	tests := []struct {
		at   time.Time
		want bool
	}{
		{date(2025, 3, 20), false},
		{date(2025, 3, 21), true},
		{date(2025, 5, 31), true},
		{end, false},
	}
	for _, tt := range tests {
		if got := f.InForce(tt.at); got != tt.want {
			t.Errorf("InForce(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestComponentKind_Valid(t *testing.T) {
	if !KindTechnical.Valid() || !KindProfessional.Valid() {
		t.Error("known kinds must be valid")
	}
	if ComponentKind("other").Valid() {
		t.Error("unknown kind must be invalid")
	}
}
