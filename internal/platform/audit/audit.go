// Package audit records the outcome of every calculation attempt. Sinks are
// pluggable: a zerolog sink for operators and a hash-chained Postgres table
// for billing disputes.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is one calculation outcome.
type Event struct {
	CalculationID *uuid.UUID     `json:"calculation_id,omitempty"`
	PatientID     uuid.UUID      `json:"patient_id"`
	ServiceID     *uuid.UUID     `json:"service_id,omitempty"`
	Outcome       string         `json:"outcome"`
	Code          string         `json:"code,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Emitter publishes audit events. Implementations join the transaction on
// ctx when they write to the database.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
