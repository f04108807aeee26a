package rules

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

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const ruleCols = `id, name, rule_type, priority, plan_id, category_id, service_id, hashtagged,
	valid_from, valid_to, active, conditions, actions, message, created_at`

func scanRule(row pgx.Row) (*BusinessRule, error) {
	var br BusinessRule
	var conditions, actions []byte
	err := row.Scan(&br.ID, &br.Name, &br.Type, &br.Priority,
		&br.Scope.PlanID, &br.Scope.CategoryID, &br.Scope.ServiceID, &br.Scope.Hashtagged,
		&br.ValidFrom, &br.ValidTo, &br.Active, &conditions, &actions, &br.Message, &br.CreatedAt)
	br.Conditions = conditions
	br.Actions = actions
	return &br, err
}

func collectRules(rows pgx.Rows) ([]*BusinessRule, error) {
	defer rows.Close()
	var items []*BusinessRule
	for rows.Next() {
		br, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, br)
	}
	return items, rows.Err()
}

func orEmptyArray(p Payload) []byte {
	if len(p) == 0 {
		return []byte("[]")
	}
	return p
}

func (r *ruleRepoPG) Create(ctx context.Context, br *BusinessRule) error {
	br.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO business_rule (id, name, rule_type, priority, plan_id, category_id, service_id, hashtagged,
			valid_from, valid_to, active, conditions, actions, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at`,
		br.ID, br.Name, br.Type, br.Priority, br.Scope.PlanID, br.Scope.CategoryID, br.Scope.ServiceID, br.Scope.Hashtagged,
		br.ValidFrom, br.ValidTo, br.Active, orEmptyArray(br.Conditions), orEmptyArray(br.Actions), br.Message).
		Scan(&br.CreatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BusinessRule, error) {
	br, err := scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM business_rule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("business rule", id.String())
	}
	return br, err
}

func (r *ruleRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*BusinessRule, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM business_rule WHERE active OR NOT $1`, activeOnly).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM business_rule
		WHERE active OR NOT $1
		ORDER BY priority DESC, created_at, id
		LIMIT $2 OFFSET $3`, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectRules(rows)
	return items, total, err
}

func (r *ruleRepoPG) ListApplicable(ctx context.Context, f Filter, at time.Time) ([]*BusinessRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM business_rule
		WHERE active
		  AND valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)
		  AND (plan_id IS NULL OR plan_id = $2)
		  AND (category_id IS NULL OR category_id = $3)
		  AND (service_id IS NULL OR service_id = $4)
		  AND (hashtagged IS NULL OR hashtagged = $5)`,
		at, f.PlanID, f.CategoryID, f.ServiceID, f.Hashtagged)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

func (r *ruleRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE business_rule SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("business rule", id.String())
	}
	return nil
}
