package tariff

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComponentKind splits a service price into the equipment/consumables part and
// the practitioner part. Each kind has its own factor.
type ComponentKind string

const (
	KindTechnical    ComponentKind = "technical"
	KindProfessional ComponentKind = "professional"
)

func (k ComponentKind) Valid() bool {
	return k == KindTechnical || k == KindProfessional
}

// MedicalService is a billable clinical service with its priced components.
type MedicalService struct {
	ID         uuid.UUID          `db:"id" json:"id"`
	Code       string             `db:"code" json:"code"`
	Name       string             `db:"name" json:"name"`
	CategoryID uuid.UUID          `db:"category_id" json:"category_id"`
	Hashtagged bool               `db:"hashtagged" json:"hashtagged"`
	Active     bool               `db:"active" json:"active"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	Components []ServiceComponent `db:"-" json:"components,omitempty"`
}

// ActiveComponents returns the components that take part in pricing.
func (s *MedicalService) ActiveComponents() []ServiceComponent {
	out := make([]ServiceComponent, 0, len(s.Components))
	for _, c := range s.Components {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// ServiceComponent is immutable once billed; replacing a coefficient means
// deactivating the row and adding a new one.
type ServiceComponent struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	ServiceID   uuid.UUID       `db:"service_id" json:"service_id"`
	Kind        ComponentKind   `db:"kind" json:"kind"`
	Coefficient decimal.Decimal `db:"coefficient" json:"coefficient"`
	Active      bool            `db:"active" json:"active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type FreezeStatus string

const (
	StatusOpen   FreezeStatus = "open"
	StatusFrozen FreezeStatus = "frozen"
)

var ErrAlreadyFrozen = errors.New("factor setting is already frozen")

// FreezeState is the lifecycle of a factor setting. The only transition is
// open -> frozen and it is irreversible.
type FreezeState struct {
	Status   FreezeStatus `json:"status"`
	FrozenAt *time.Time   `json:"frozen_at,omitempty"`
	FrozenBy *string      `json:"frozen_by,omitempty"`
}

func (s FreezeState) IsFrozen() bool {
	return s.Status == StatusFrozen
}

// Freeze moves the state to frozen, recording who and when.
func (s *FreezeState) Freeze(actor string, at time.Time) error {
	if s.IsFrozen() {
		return ErrAlreadyFrozen
	}
	s.Status = StatusFrozen
	s.FrozenAt = &at
	s.FrozenBy = &actor
	return nil
}

// FactorSetting is the money value of one coefficient point for a component
// kind, effective over [EffectiveFrom, EffectiveTo).
type FactorSetting struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Kind          ComponentKind   `db:"kind" json:"kind"`
	Hashtagged    bool            `db:"hashtagged" json:"hashtagged"`
	FinancialYear int             `db:"financial_year" json:"financial_year"`
	EffectiveFrom time.Time       `db:"effective_from" json:"effective_from"`
	EffectiveTo   *time.Time      `db:"effective_to" json:"effective_to,omitempty"`
	Value         decimal.Decimal `db:"value" json:"value"`
	Freeze        FreezeState     `db:"-" json:"freeze"`
	Version       int64           `db:"version" json:"version"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// InForce reports whether the setting covers instant t.
func (f *FactorSetting) InForce(t time.Time) bool {
	if t.Before(f.EffectiveFrom) {
		return false
	}
	return f.EffectiveTo == nil || t.Before(*f.EffectiveTo)
}

// YearStatus summarises the freeze state of a financial year.
type YearStatus struct {
	FinancialYear int        `json:"financial_year"`
	Settings      int        `json:"settings"`
	Frozen        int        `json:"frozen"`
	IsFrozen      bool       `json:"is_frozen"`
	FrozenAt      *time.Time `json:"frozen_at,omitempty"`
}
