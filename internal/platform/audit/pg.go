package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pricing/internal/platform/db"
)

// chainLockKey serializes appends to calculation_audit across processes.
const chainLockKey = 0x61756469

// PGEmitter appends events to calculation_audit, each entry hashing its
// predecessor. Appends join the transaction on ctx, so an event for a
// rolled-back calculation disappears with it.
type PGEmitter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGEmitter(pool *pgxpool.Pool) *PGEmitter {
	return &PGEmitter{pool: pool, now: time.Now}
}

func (p *PGEmitter) Emit(ctx context.Context, e Event) error {
	return db.RunInTx(ctx, p.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		conn := db.Conn(ctx, p.pool)
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}

		prev := genesisHash
		err := conn.QueryRow(ctx, `SELECT hash FROM calculation_audit ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read audit chain head: %w", err)
		}

		if e.OccurredAt.IsZero() {
			e.OccurredAt = p.now()
		}
		e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
		hash, err := entryHash(prev, e)
		if err != nil {
			return fmt.Errorf("hash audit entry: %w", err)
		}
		detail, err := canonicalJSON(detailOrEmpty(e.Detail))
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}

		_, err = conn.Exec(ctx, `
			INSERT INTO calculation_audit (calculation_id, patient_id, service_id, outcome, code, detail, occurred_at, prev_hash, hash)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
			e.CalculationID, e.PatientID, e.ServiceID, e.Outcome, e.Code, detail, e.OccurredAt, prev, hash)
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return nil
	})
}

// Verify walks the chain in order and returns the sequence number of the
// first entry whose hash or link does not check out, or 0 when intact.
func (p *PGEmitter) Verify(ctx context.Context) (int64, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `
		SELECT seq, calculation_id, patient_id, service_id, outcome, COALESCE(code, ''), detail, occurred_at, prev_hash, hash
		FROM calculation_audit ORDER BY seq`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	prev := genesisHash
	for rows.Next() {
		var (
			seq            int64
			e              Event
			patientID      *uuid.UUID
			detail         []byte
			prevHash, hash string
		)
		if err := rows.Scan(&seq, &e.CalculationID, &patientID, &e.ServiceID, &e.Outcome, &e.Code,
			&detail, &e.OccurredAt, &prevHash, &hash); err != nil {
			return 0, err
		}
		if patientID != nil {
			e.PatientID = *patientID
		}
		dec := json.NewDecoder(bytes.NewReader(detail))
		dec.UseNumber()
		if err := dec.Decode(&e.Detail); err != nil {
			return seq, nil
		}
		want, err := entryHash(prev, e)
		if err != nil {
			return 0, err
		}
		if prevHash != prev || hash != want {
			return seq, nil
		}
		prev = hash
	}
	return 0, rows.Err()
}

func detailOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
