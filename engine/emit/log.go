package emit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmitter writes events as structured log lines via zerolog.
//
// Field mapping: execution_id, phase_id, task_id plus every Meta key.
// Event names map to levels: *_failed and budget_alert log at warn,
// everything else at info.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates an emitter that logs through the given logger.
// A child logger with a component field keeps engine events identifiable
// in mixed output.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Emit writes the event as one log line.
func (l *LogEmitter) Emit(event Event) {
	var ev *zerolog.Event
	switch event.Msg {
	case ExecutionFailed, PhaseFailed, TaskFailed, BudgetAlert:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}

	ev = ev.Str("execution_id", event.ExecutionID)
	if event.PhaseID != "" {
		ev = ev.Str("phase_id", event.PhaseID)
	}
	if event.TaskID != "" {
		ev = ev.Str("task_id", event.TaskID)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event.Msg)
}

// Flush is a no-op; zerolog writes synchronously.
func (l *LogEmitter) Flush(context.Context) error { return nil }
