package coverage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/db"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// =========== Plan Repository ===========

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository { return &planRepoPG{pool: pool} }

func (r *planRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *planRepoPG) CreateProvider(ctx context.Context, p *InsuranceProvider) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insurance_provider (id, name, active) VALUES ($1, $2, $3)
		RETURNING created_at`, p.ID, p.Name, p.Active).Scan(&p.CreatedAt)
}

func (r *planRepoPG) GetProvider(ctx context.Context, id uuid.UUID) (*InsuranceProvider, error) {
	var p InsuranceProvider
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, active, created_at FROM insurance_provider WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("insurance provider", id.String())
	}
	return &p, err
}

func (r *planRepoPG) ListProviders(ctx context.Context) ([]*InsuranceProvider, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, active, created_at FROM insurance_provider ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InsuranceProvider
	for rows.Next() {
		var p InsuranceProvider
		if err := rows.Scan(&p.ID, &p.Name, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

const planCols = `id, provider_id, name, coverage_percent, deductible, valid_from, valid_to, active, created_at`

func scanPlan(row pgx.Row) (*InsurancePlan, error) {
	var p InsurancePlan
	err := row.Scan(&p.ID, &p.ProviderID, &p.Name, &p.CoveragePercent, &p.Deductible,
		&p.ValidFrom, &p.ValidTo, &p.Active, &p.CreatedAt)
	return &p, err
}

func (r *planRepoPG) CreatePlan(ctx context.Context, p *InsurancePlan) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insurance_plan (id, provider_id, name, coverage_percent, deductible, valid_from, valid_to, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		p.ID, p.ProviderID, p.Name, p.CoveragePercent, p.Deductible, p.ValidFrom, p.ValidTo, p.Active).Scan(&p.CreatedAt)
}

func (r *planRepoPG) GetPlan(ctx context.Context, id uuid.UUID) (*InsurancePlan, error) {
	p, err := scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM insurance_plan WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("insurance plan", id.String())
	}
	return p, err
}

func (r *planRepoPG) ListPlans(ctx context.Context, limit, offset int) ([]*InsurancePlan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM insurance_plan`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM insurance_plan ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InsurancePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

const planServiceCols = `id, plan_id, category_id, coverage_percent, patient_share_percent, is_covered, created_at, deleted_at`

func scanPlanService(row pgx.Row) (*PlanService, error) {
	var ps PlanService
	err := row.Scan(&ps.ID, &ps.PlanID, &ps.CategoryID, &ps.CoveragePercent, &ps.PatientSharePercent,
		&ps.IsCovered, &ps.CreatedAt, &ps.DeletedAt)
	return &ps, err
}

func (r *planRepoPG) CreatePlanService(ctx context.Context, ps *PlanService) error {
	ps.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO plan_service (id, plan_id, category_id, coverage_percent, patient_share_percent, is_covered)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		ps.ID, ps.PlanID, ps.CategoryID, ps.CoveragePercent, ps.PatientSharePercent, ps.IsCovered).Scan(&ps.CreatedAt)
	if isUniqueViolation(err) {
		return errDuplicatePlanService
	}
	return err
}

func (r *planRepoPG) ListPlanServices(ctx context.Context, planID uuid.UUID) ([]*PlanService, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planServiceCols+` FROM plan_service WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PlanService
	for rows.Next() {
		ps, err := scanPlanService(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ps)
	}
	return items, rows.Err()
}

func (r *planRepoPG) LivePlanService(ctx context.Context, planID, categoryID uuid.UUID) (*PlanService, error) {
	ps, err := scanPlanService(r.conn(ctx).QueryRow(ctx, `
		SELECT `+planServiceCols+` FROM plan_service
		WHERE plan_id = $1 AND category_id = $2 AND deleted_at IS NULL`, planID, categoryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ps, err
}

func (r *planRepoPG) SoftDeletePlanService(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE plan_service SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("plan service", id.String())
	}
	return nil
}

// =========== Tariff Repository ===========

type tariffRepoPG struct{ pool *pgxpool.Pool }

func NewTariffRepoPG(pool *pgxpool.Pool) TariffRepository { return &tariffRepoPG{pool: pool} }

func (r *tariffRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const tariffCols = `id, service_id, plan_id, insurance_type, is_covered, price, patient_share, insurer_share,
	supplementary_percent, supplementary_max_payment, priority, valid_from, valid_to, active, created_at, deleted_at`

func scanTariff(row pgx.Row) (*InsuranceTariff, error) {
	var t InsuranceTariff
	err := row.Scan(&t.ID, &t.ServiceID, &t.PlanID, &t.InsuranceType, &t.IsCovered, &t.Price, &t.PatientShare, &t.InsurerShare,
		&t.SupplementaryPercent, &t.SupplementaryMaxPayment, &t.Priority, &t.ValidFrom, &t.ValidTo, &t.Active,
		&t.CreatedAt, &t.DeletedAt)
	return &t, err
}

func collectTariffs(rows pgx.Rows) ([]*InsuranceTariff, error) {
	defer rows.Close()
	var items []*InsuranceTariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *tariffRepoPG) Create(ctx context.Context, t *InsuranceTariff) error {
	t.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insurance_tariff (id, service_id, plan_id, insurance_type, is_covered, price, patient_share,
			insurer_share, supplementary_percent, supplementary_max_payment, priority, valid_from, valid_to, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at`,
		t.ID, t.ServiceID, t.PlanID, t.InsuranceType, t.IsCovered, t.Price, t.PatientShare,
		t.InsurerShare, t.SupplementaryPercent, t.SupplementaryMaxPayment, t.Priority, t.ValidFrom, t.ValidTo, t.Active).
		Scan(&t.CreatedAt)
}

func (r *tariffRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceTariff, error) {
	t, err := scanTariff(r.conn(ctx).QueryRow(ctx, `SELECT `+tariffCols+` FROM insurance_tariff WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("insurance tariff", id.String())
	}
	return t, err
}

func (r *tariffRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*InsuranceTariff, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tariffCols+` FROM insurance_tariff WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, err
	}
	return collectTariffs(rows)
}

func (r *tariffRepoPG) ApplicableTariffs(ctx context.Context, serviceID, planID uuid.UUID, insuranceType InsuranceType, at time.Time) ([]*InsuranceTariff, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+tariffCols+` FROM insurance_tariff
		WHERE service_id = $1 AND plan_id = $2 AND insurance_type = $3
		  AND active AND deleted_at IS NULL
		  AND valid_from <= $4 AND (valid_to IS NULL OR valid_to > $4)
		ORDER BY priority DESC, valid_from DESC, id`,
		serviceID, planID, insuranceType, at)
	if err != nil {
		return nil, err
	}
	return collectTariffs(rows)
}

func (r *tariffRepoPG) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE insurance_tariff SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("insurance tariff", id.String())
	}
	return nil
}

// =========== Patient Insurance Repository ===========

type patientInsuranceRepoPG struct{ pool *pgxpool.Pool }

func NewPatientInsuranceRepoPG(pool *pgxpool.Pool) PatientInsuranceRepository {
	return &patientInsuranceRepoPG{pool: pool}
}

func (r *patientInsuranceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientInsuranceCols = `pi.id, pi.patient_id, pi.plan_id, pi.insurance_type, pi.policy_number,
	pi.valid_from, pi.valid_to, pi.active, pi.created_at`

func scanPatientInsurance(row pgx.Row) (*PatientInsurance, error) {
	var pi PatientInsurance
	err := row.Scan(&pi.ID, &pi.PatientID, &pi.PlanID, &pi.InsuranceType, &pi.PolicyNumber,
		&pi.ValidFrom, &pi.ValidTo, &pi.Active, &pi.CreatedAt)
	return &pi, err
}

func (r *patientInsuranceRepoPG) Create(ctx context.Context, pi *PatientInsurance) error {
	pi.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_insurance (id, patient_id, plan_id, insurance_type, policy_number, valid_from, valid_to, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		pi.ID, pi.PatientID, pi.PlanID, pi.InsuranceType, pi.PolicyNumber, pi.ValidFrom, pi.ValidTo, pi.Active).
		Scan(&pi.CreatedAt)
}

func (r *patientInsuranceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientInsurance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientInsuranceCols+` FROM patient_insurance pi
		WHERE pi.patient_id = $1 ORDER BY pi.valid_from DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PatientInsurance
	for rows.Next() {
		pi, err := scanPatientInsurance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, pi)
	}
	return items, rows.Err()
}

func (r *patientInsuranceRepoPG) ListActive(ctx context.Context, patientID uuid.UUID, at time.Time) ([]*PatientInsurance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientInsuranceCols+`,
			p.id, p.provider_id, p.name, p.coverage_percent, p.deductible, p.valid_from, p.valid_to, p.active, p.created_at
		FROM patient_insurance pi
		JOIN insurance_plan p ON p.id = pi.plan_id
		WHERE pi.patient_id = $1 AND pi.active
		  AND pi.valid_from <= $2 AND (pi.valid_to IS NULL OR pi.valid_to > $2)
		ORDER BY pi.insurance_type, pi.valid_from DESC, pi.id`, patientID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PatientInsurance
	for rows.Next() {
		var pi PatientInsurance
		var p InsurancePlan
		if err := rows.Scan(&pi.ID, &pi.PatientID, &pi.PlanID, &pi.InsuranceType, &pi.PolicyNumber,
			&pi.ValidFrom, &pi.ValidTo, &pi.Active, &pi.CreatedAt,
			&p.ID, &p.ProviderID, &p.Name, &p.CoveragePercent, &p.Deductible, &p.ValidFrom, &p.ValidTo, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		pi.Plan = &p
		items = append(items, &pi)
	}
	return items, rows.Err()
}

func (r *patientInsuranceRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE patient_insurance SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient insurance", id.String())
	}
	return nil
}
