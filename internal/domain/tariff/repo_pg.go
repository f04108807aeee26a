package tariff

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/db"
)

// =========== Service Repository ===========

type serviceRepoPG struct{ pool *pgxpool.Pool }

func NewServiceRepoPG(pool *pgxpool.Pool) ServiceRepository { return &serviceRepoPG{pool: pool} }

func (r *serviceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const serviceCols = `id, code, name, category_id, hashtagged, active, created_at`

const componentCols = `id, service_id, kind, coefficient, active, created_at`

func scanService(row pgx.Row) (*MedicalService, error) {
	var s MedicalService
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.CategoryID, &s.Hashtagged, &s.Active, &s.CreatedAt)
	return &s, err
}

func scanComponent(row pgx.Row) (ServiceComponent, error) {
	var c ServiceComponent
	err := row.Scan(&c.ID, &c.ServiceID, &c.Kind, &c.Coefficient, &c.Active, &c.CreatedAt)
	return c, err
}

func (r *serviceRepoPG) CreateService(ctx context.Context, s *MedicalService) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service (id, code, name, category_id, hashtagged, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		s.ID, s.Code, s.Name, s.CategoryID, s.Hashtagged, s.Active).Scan(&s.CreatedAt)
}

func (r *serviceRepoPG) AddComponent(ctx context.Context, c *ServiceComponent) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_component (id, service_id, kind, coefficient, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		c.ID, c.ServiceID, c.Kind, c.Coefficient, c.Active).Scan(&c.CreatedAt)
}

func (r *serviceRepoPG) DeactivateComponent(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE service_component SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service component", id.String())
	}
	return nil
}

func (r *serviceRepoPG) GetService(ctx context.Context, id uuid.UUID) (*MedicalService, error) {
	s, err := scanService(r.conn(ctx).QueryRow(ctx, `SELECT `+serviceCols+` FROM service WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service", id.String())
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+componentCols+` FROM service_component WHERE service_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		s.Components = append(s.Components, c)
	}
	return s, rows.Err()
}

func (r *serviceRepoPG) ListServices(ctx context.Context, limit, offset int) ([]*MedicalService, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM service`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+serviceCols+` FROM service ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MedicalService
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Factor Repository ===========

type factorRepoPG struct{ pool *pgxpool.Pool }

func NewFactorRepoPG(pool *pgxpool.Pool) FactorRepository { return &factorRepoPG{pool: pool} }

func (r *factorRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const factorCols = `id, kind, hashtagged, financial_year, effective_from, effective_to, value,
	freeze_state, frozen_at, frozen_by, version, created_at`

func scanFactor(row pgx.Row) (*FactorSetting, error) {
	var f FactorSetting
	err := row.Scan(&f.ID, &f.Kind, &f.Hashtagged, &f.FinancialYear, &f.EffectiveFrom, &f.EffectiveTo, &f.Value,
		&f.Freeze.Status, &f.Freeze.FrozenAt, &f.Freeze.FrozenBy, &f.Version, &f.CreatedAt)
	return &f, err
}

func collectFactors(rows pgx.Rows) ([]*FactorSetting, error) {
	defer rows.Close()
	var items []*FactorSetting
	for rows.Next() {
		f, err := scanFactor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *factorRepoPG) Create(ctx context.Context, f *FactorSetting) error {
	f.ID = uuid.New()
	if f.Freeze.Status == "" {
		f.Freeze.Status = StatusOpen
	}
	f.Version = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO factor_setting (id, kind, hashtagged, financial_year, effective_from, effective_to, value,
			freeze_state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		f.ID, f.Kind, f.Hashtagged, f.FinancialYear, f.EffectiveFrom, f.EffectiveTo, f.Value,
		f.Freeze.Status, f.Version).Scan(&f.CreatedAt)
}

func (r *factorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FactorSetting, error) {
	f, err := scanFactor(r.conn(ctx).QueryRow(ctx, `SELECT `+factorCols+` FROM factor_setting WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("factor setting", id.String())
	}
	return f, err
}

func (r *factorRepoPG) ListCandidates(ctx context.Context, kind ComponentKind, hashtagged bool, at time.Time) ([]*FactorSetting, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+factorCols+` FROM factor_setting
		WHERE kind = $1 AND hashtagged = $2
		  AND effective_from <= $3 AND (effective_to IS NULL OR effective_to > $3)
		ORDER BY effective_from DESC, id`,
		kind, hashtagged, at)
	if err != nil {
		return nil, err
	}
	return collectFactors(rows)
}

func (r *factorRepoPG) ListByYear(ctx context.Context, year int) ([]*FactorSetting, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+factorCols+` FROM factor_setting
		WHERE financial_year = $1
		ORDER BY kind, hashtagged, effective_from, id`, year)
	if err != nil {
		return nil, err
	}
	return collectFactors(rows)
}

func (r *factorRepoPG) ListFrozen(ctx context.Context) ([]*FactorSetting, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+factorCols+` FROM factor_setting
		WHERE freeze_state = 'frozen'
		ORDER BY financial_year, effective_from, id`)
	if err != nil {
		return nil, err
	}
	return collectFactors(rows)
}

// factorWriteLockKey is the advisory lock shared by factor writers.
const factorWriteLockKey = 0x66616374

func (r *factorRepoPG) LockWrites(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, factorWriteLockKey)
	return err
}

func (r *factorRepoPG) CompareAndFreeze(ctx context.Context, f *FactorSetting, expectedVersion int64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE factor_setting
		SET freeze_state = $2, frozen_at = $3, frozen_by = $4, version = version + 1
		WHERE id = $1 AND version = $5 AND freeze_state = 'open'`,
		f.ID, f.Freeze.Status, f.Freeze.FrozenAt, f.Freeze.FrozenBy, expectedVersion)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	f.Version = expectedVersion + 1
	return true, nil
}
