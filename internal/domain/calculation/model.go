package calculation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/domain/rules"
)

type CalculationType string

const (
	TypeService     CalculationType = "service"
	TypeReception   CalculationType = "reception"
	TypeAppointment CalculationType = "appointment"
)

func (t CalculationType) Valid() bool {
	return t == TypeService || t == TypeReception || t == TypeAppointment
}

// Outcome is the terminal state of one service's calculation.
type Outcome string

const (
	OutcomeCovered    Outcome = "covered"
	OutcomeNotCovered Outcome = "not_covered"
	OutcomeSelfPay    Outcome = "self_pay"
	OutcomeFailed     Outcome = "failed"
)

// InsuranceCalculation is the immutable record of one service's split.
// Corrections soft-delete the record and point ReplacedBy at its successor.
type InsuranceCalculation struct {
	ID                       uuid.UUID           `db:"id" json:"id"`
	PatientID                uuid.UUID           `db:"patient_id" json:"patient_id"`
	ServiceID                uuid.UUID           `db:"service_id" json:"service_id"`
	PlanID                   *uuid.UUID          `db:"plan_id" json:"plan_id,omitempty"`
	PatientInsuranceID       *uuid.UUID          `db:"patient_insurance_id" json:"patient_insurance_id,omitempty"`
	SupplementaryPlanID      *uuid.UUID          `db:"supplementary_plan_id" json:"supplementary_plan_id,omitempty"`
	SupplementaryInsuranceID *uuid.UUID          `db:"supplementary_insurance_id" json:"supplementary_insurance_id,omitempty"`
	CalculationType          CalculationType     `db:"calculation_type" json:"calculation_type"`
	ServiceAmount            decimal.Decimal     `db:"service_amount" json:"service_amount"`
	AdjustedAmount           decimal.Decimal     `db:"adjusted_amount" json:"adjusted_amount"`
	CoveragePercent          decimal.Decimal     `db:"coverage_percent" json:"coverage_percent"`
	InsurerShare             decimal.Decimal     `db:"insurer_share" json:"insurer_share"`
	SupplementaryShare       decimal.Decimal     `db:"supplementary_share" json:"supplementary_share"`
	PatientShare             decimal.Decimal     `db:"patient_share" json:"patient_share"`
	Copay                    *decimal.Decimal    `db:"copay" json:"copay,omitempty"`
	Deductible               *decimal.Decimal    `db:"deductible" json:"deductible,omitempty"`
	CoverageOverride         *decimal.Decimal    `db:"coverage_override" json:"coverage_override,omitempty"`
	Discount                 decimal.Decimal     `db:"discount" json:"discount"`
	Penalty                  decimal.Decimal     `db:"penalty" json:"penalty"`
	Covered                  bool                `db:"covered" json:"covered"`
	IsValid                  bool                `db:"is_valid" json:"is_valid"`
	ReceptionID              *uuid.UUID          `db:"reception_id" json:"reception_id,omitempty"`
	AppointmentID            *uuid.UUID          `db:"appointment_id" json:"appointment_id,omitempty"`
	AppliedRules             []rules.AppliedRule `db:"applied_rules" json:"applied_rules"`
	AsOf                     time.Time           `db:"as_of" json:"as_of"`
	CalculatedAt             time.Time           `db:"calculated_at" json:"calculated_at"`
	CreatedBy                string              `db:"created_by" json:"created_by,omitempty"`
	DeletedAt                *time.Time          `db:"deleted_at" json:"deleted_at,omitempty"`
	ReplacedBy               *uuid.UUID          `db:"replaced_by" json:"replaced_by,omitempty"`
}

// Outcome derives the terminal state from the stored figures.
func (c *InsuranceCalculation) Outcome() Outcome {
	switch {
	case c.PlanID == nil:
		return OutcomeSelfPay
	case !c.Covered:
		return OutcomeNotCovered
	}
	return OutcomeCovered
}

// Billable is what the parties owe in total: the adjusted amount plus any
// patient-borne deductible.
func (c *InsuranceCalculation) Billable() decimal.Decimal {
	if c.Deductible == nil {
		return c.AdjustedAmount
	}
	return c.AdjustedAmount.Add(*c.Deductible)
}

// Patient holds the demographic attributes pricing rules read.
type Patient struct {
	ID        uuid.UUID  `json:"id"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Gender    string     `json:"gender,omitempty"`
}

// AgeAt returns the age in whole years at at, or nil when unknown.
func (p *Patient) AgeAt(at time.Time) *int {
	if p == nil || p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	at = at.UTC()
	age := at.Year() - b.Year()
	if at.Month() < b.Month() || (at.Month() == b.Month() && at.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}
