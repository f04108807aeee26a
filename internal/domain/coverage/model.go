package coverage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InsuranceType string

const (
	TypePrimary       InsuranceType = "primary"
	TypeSupplementary InsuranceType = "supplementary"
)

func (t InsuranceType) Valid() bool {
	return t == TypePrimary || t == TypeSupplementary
}

// window reports whether at lies in [from, to).
func window(from time.Time, to *time.Time, at time.Time) bool {
	if at.Before(from) {
		return false
	}
	return to == nil || at.Before(*to)
}

type InsuranceProvider struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type InsurancePlan struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	ProviderID      uuid.UUID        `db:"provider_id" json:"provider_id"`
	Name            string           `db:"name" json:"name"`
	CoveragePercent decimal.Decimal  `db:"coverage_percent" json:"coverage_percent"`
	Deductible      *decimal.Decimal `db:"deductible" json:"deductible,omitempty"`
	ValidFrom       time.Time        `db:"valid_from" json:"valid_from"`
	ValidTo         *time.Time       `db:"valid_to" json:"valid_to,omitempty"`
	Active          bool             `db:"active" json:"active"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

func (p *InsurancePlan) ActiveAt(at time.Time) bool {
	return p.Active && window(p.ValidFrom, p.ValidTo, at)
}

// PlanService overrides plan defaults for one service category.
type PlanService struct {
	ID                  uuid.UUID        `db:"id" json:"id"`
	PlanID              uuid.UUID        `db:"plan_id" json:"plan_id"`
	CategoryID          uuid.UUID        `db:"category_id" json:"category_id"`
	CoveragePercent     *decimal.Decimal `db:"coverage_percent" json:"coverage_percent,omitempty"`
	PatientSharePercent *decimal.Decimal `db:"patient_share_percent" json:"patient_share_percent,omitempty"`
	IsCovered           bool             `db:"is_covered" json:"is_covered"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	DeletedAt           *time.Time       `db:"deleted_at" json:"deleted_at,omitempty"`
}

// InsuranceTariff is a per-(service, plan) exception. Explicit amounts win
// over percentage math.
type InsuranceTariff struct {
	ID                      uuid.UUID        `db:"id" json:"id"`
	ServiceID               uuid.UUID        `db:"service_id" json:"service_id"`
	PlanID                  uuid.UUID        `db:"plan_id" json:"plan_id"`
	InsuranceType           InsuranceType    `db:"insurance_type" json:"insurance_type"`
	IsCovered               bool             `db:"is_covered" json:"is_covered"`
	Price                   *decimal.Decimal `db:"price" json:"price,omitempty"`
	PatientShare            *decimal.Decimal `db:"patient_share" json:"patient_share,omitempty"`
	InsurerShare            *decimal.Decimal `db:"insurer_share" json:"insurer_share,omitempty"`
	SupplementaryPercent    *decimal.Decimal `db:"supplementary_percent" json:"supplementary_percent,omitempty"`
	SupplementaryMaxPayment *decimal.Decimal `db:"supplementary_max_payment" json:"supplementary_max_payment,omitempty"`
	Priority                int              `db:"priority" json:"priority"`
	ValidFrom               time.Time        `db:"valid_from" json:"valid_from"`
	ValidTo                 *time.Time       `db:"valid_to" json:"valid_to,omitempty"`
	Active                  bool             `db:"active" json:"active"`
	CreatedAt               time.Time        `db:"created_at" json:"created_at"`
	DeletedAt               *time.Time       `db:"deleted_at" json:"deleted_at,omitempty"`
}

func (t *InsuranceTariff) ActiveAt(at time.Time) bool {
	return t.Active && t.DeletedAt == nil && window(t.ValidFrom, t.ValidTo, at)
}

// PatientInsurance links a patient to a plan. Plan is populated by lookups
// that return active relationships.
type PatientInsurance struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	PatientID     uuid.UUID      `db:"patient_id" json:"patient_id"`
	PlanID        uuid.UUID      `db:"plan_id" json:"plan_id"`
	InsuranceType InsuranceType  `db:"insurance_type" json:"insurance_type"`
	PolicyNumber  *string        `db:"policy_number" json:"policy_number,omitempty"`
	ValidFrom     time.Time      `db:"valid_from" json:"valid_from"`
	ValidTo       *time.Time     `db:"valid_to" json:"valid_to,omitempty"`
	Active        bool           `db:"active" json:"active"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	Plan          *InsurancePlan `db:"-" json:"plan,omitempty"`
}

func (pi *PatientInsurance) ActiveAt(at time.Time) bool {
	return pi.Active && window(pi.ValidFrom, pi.ValidTo, at)
}
