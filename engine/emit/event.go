package emit

import "time"

// Event names emitted by the engine. Consumers (terminal UI, log emitters,
// tracing backends) switch on these rather than parsing free text.
const (
	ExecutionStart    = "execution_start"
	ExecutionComplete = "execution_complete"
	ExecutionFailed   = "execution_failed"
	ExecutionAborted  = "execution_aborted"
	PhaseStart        = "phase_start"
	PhaseComplete     = "phase_complete"
	PhaseFailed       = "phase_failed"
	TaskStart         = "task_start"
	TaskComplete      = "task_complete"
	TaskFailed        = "task_failed"
	TaskRetry         = "task_retry"
	TaskSkipped       = "task_skipped"
	CheckpointCreated = "checkpoint_created"
	CheckpointRestore = "checkpoint_restore"
	BudgetAlert       = "budget_alert"
	RecoveryPlanned   = "recovery_planned"
	ValidationReport  = "validation_report"
)

// Event is an observability event emitted during a build execution.
//
// Events flow to an Emitter which may log them, convert them to spans, or
// buffer them for inspection. PhaseID and TaskID are empty for
// execution-level events.
type Event struct {
	// ExecutionID identifies the build execution that emitted this event.
	ExecutionID string

	// PhaseID identifies the phase, empty for execution-level events.
	PhaseID string

	// TaskID identifies the task, empty for phase- and execution-level
	// events.
	TaskID string

	// Msg names the event; use the constants above.
	Msg string

	// Timestamp records when the event was created.
	Timestamp time.Time

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "threshold": budget alert threshold
	//   - "checkpoint_id": checkpoint identifier
	Meta map[string]any
}
