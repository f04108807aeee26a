package calculation

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/db"
)

type calculationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &calculationRepoPG{pool: pool} }

func (r *calculationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const calcCols = `id, patient_id, service_id, plan_id, patient_insurance_id, supplementary_plan_id,
	supplementary_insurance_id, calculation_type, service_amount, adjusted_amount, coverage_percent,
	insurer_share, supplementary_share, patient_share, copay, deductible, coverage_override,
	discount, penalty, covered, is_valid, reception_id, appointment_id, applied_rules,
	as_of, calculated_at, COALESCE(created_by, ''), deleted_at, replaced_by`

func scanCalculation(row pgx.Row) (*InsuranceCalculation, error) {
	var c InsuranceCalculation
	var applied []byte
	err := row.Scan(&c.ID, &c.PatientID, &c.ServiceID, &c.PlanID, &c.PatientInsuranceID, &c.SupplementaryPlanID,
		&c.SupplementaryInsuranceID, &c.CalculationType, &c.ServiceAmount, &c.AdjustedAmount, &c.CoveragePercent,
		&c.InsurerShare, &c.SupplementaryShare, &c.PatientShare, &c.Copay, &c.Deductible, &c.CoverageOverride,
		&c.Discount, &c.Penalty, &c.Covered, &c.IsValid, &c.ReceptionID, &c.AppointmentID, &applied,
		&c.AsOf, &c.CalculatedAt, &c.CreatedBy, &c.DeletedAt, &c.ReplacedBy)
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		if err := json.Unmarshal(applied, &c.AppliedRules); err != nil {
			return nil, fmt.Errorf("decode applied rules: %w", err)
		}
	}
	return &c, nil
}

func collectCalculations(rows pgx.Rows) ([]*InsuranceCalculation, error) {
	defer rows.Close()
	var items []*InsuranceCalculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *calculationRepoPG) Create(ctx context.Context, c *InsuranceCalculation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	applied, err := json.Marshal(c.AppliedRules)
	if err != nil {
		return fmt.Errorf("encode applied rules: %w", err)
	}
	if c.AppliedRules == nil {
		applied = []byte("[]")
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_calculation (id, patient_id, service_id, plan_id, patient_insurance_id,
			supplementary_plan_id, supplementary_insurance_id, calculation_type, service_amount, adjusted_amount,
			coverage_percent, insurer_share, supplementary_share, patient_share, copay, deductible,
			coverage_override, discount, penalty, covered, is_valid, reception_id, appointment_id,
			applied_rules, as_of, calculated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, NULLIF($27, ''))`,
		c.ID, c.PatientID, c.ServiceID, c.PlanID, c.PatientInsuranceID,
		c.SupplementaryPlanID, c.SupplementaryInsuranceID, c.CalculationType, c.ServiceAmount, c.AdjustedAmount,
		c.CoveragePercent, c.InsurerShare, c.SupplementaryShare, c.PatientShare, c.Copay, c.Deductible,
		c.CoverageOverride, c.Discount, c.Penalty, c.Covered, c.IsValid, c.ReceptionID, c.AppointmentID,
		applied, c.AsOf, c.CalculatedAt, c.CreatedBy)
	return err
}

func (r *calculationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceCalculation, error) {
	c, err := scanCalculation(r.conn(ctx).QueryRow(ctx, `SELECT `+calcCols+` FROM insurance_calculation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("calculation", id.String())
	}
	return c, err
}

func (r *calculationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*InsuranceCalculation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM insurance_calculation WHERE patient_id = $1 AND deleted_at IS NULL`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+calcCols+` FROM insurance_calculation
		WHERE patient_id = $1 AND deleted_at IS NULL
		ORDER BY calculated_at DESC, id
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectCalculations(rows)
	return items, total, err
}

func (r *calculationRepoPG) ListByReception(ctx context.Context, receptionID uuid.UUID) ([]*InsuranceCalculation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+calcCols+` FROM insurance_calculation
		WHERE reception_id = $1 AND deleted_at IS NULL
		ORDER BY calculated_at, id`, receptionID)
	if err != nil {
		return nil, err
	}
	return collectCalculations(rows)
}

func (r *calculationRepoPG) ListBetween(ctx context.Context, from, to time.Time) ([]*InsuranceCalculation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+calcCols+` FROM insurance_calculation
		WHERE as_of >= $1 AND as_of < $2 AND deleted_at IS NULL
		ORDER BY as_of, id`, from, to)
	if err != nil {
		return nil, err
	}
	return collectCalculations(rows)
}

func (r *calculationRepoPG) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_calculation SET deleted_at = $2, replaced_by = $3, is_valid = FALSE
		WHERE id = $1 AND deleted_at IS NULL`, id, at, replacedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(apperr.CodeConcurrentModification, "calculation has already been replaced or voided")
	}
	return nil
}

func (r *calculationRepoPG) VoidReception(ctx context.Context, receptionID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_calculation SET deleted_at = $2, is_valid = FALSE
		WHERE reception_id = $1 AND deleted_at IS NULL`, receptionID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type patientDirectoryPG struct{ pool *pgxpool.Pool }

// NewPatientDirectoryPG reads demographics from the patient projection.
// Unknown patients resolve with no demographics, so age and gender rules
// simply do not match.
func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

func (d *patientDirectoryPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p := &Patient{ID: id}
	var gender *string
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT birth_date, gender FROM patient WHERE id = $1`, id).
		Scan(&p.BirthDate, &gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if gender != nil {
		p.Gender = *gender
	}
	return p, nil
}
