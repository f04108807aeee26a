package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmitter writes one structured line per event.
type LogEmitter struct {
	logger zerolog.Logger
}

func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *LogEmitter) Emit(_ context.Context, e Event) error {
	ev := l.logger.Info()
	if e.Code != "" {
		ev = l.logger.Warn().Str("code", e.Code)
	}
	if e.CalculationID != nil {
		ev = ev.Str("calculation_id", e.CalculationID.String())
	}
	if e.ServiceID != nil {
		ev = ev.Str("service_id", e.ServiceID.String())
	}
	if len(e.Detail) > 0 {
		ev = ev.Interface("detail", e.Detail)
	}
	ev.Str("patient_id", e.PatientID.String()).
		Str("outcome", e.Outcome).
		Time("occurred_at", e.OccurredAt).
		Msg("calculation audit")
	return nil
}
