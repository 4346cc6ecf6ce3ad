package hipaa

import (
	"time"

	"github.com/rs/zerolog"
)

// AccessEvent describes one read of patient clinical content.
type AccessEvent struct {
	DoctorID  int64
	PatientID string
	DataType  string
	Source    string // tool or endpoint that performed the read
	Found     bool
}

// AccessRecorder records PHI reads. Implementations must not block the caller.
type AccessRecorder interface {
	RecordAccess(evt AccessEvent)
}

// AccessLogger writes PHI access events as structured log lines on a
// dedicated "phi_access" channel so they can be shipped to the audit sink.
type AccessLogger struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewAccessLogger(logger zerolog.Logger) *AccessLogger {
	return &AccessLogger{
		logger: logger.With().Str("channel", "phi_access").Logger(),
		now:    time.Now,
	}
}

func (a *AccessLogger) RecordAccess(evt AccessEvent) {
	a.logger.Info().
		Int64("doctor_id", evt.DoctorID).
		Str("patient_id", evt.PatientID).
		Str("data_type", evt.DataType).
		Str("source", evt.Source).
		Bool("found", evt.Found).
		Time("accessed_at", a.now().UTC()).
		Msg("phi access")
}

// NopAccessRecorder discards events.
type NopAccessRecorder struct{}

func (NopAccessRecorder) RecordAccess(AccessEvent) {}
