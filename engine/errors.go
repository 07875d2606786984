// Package engine implements the build execution core: the orchestrator, the
// phase executor and task runner, the recovery manager, and the progress,
// cost and checkpoint bookkeeping around them.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for logging, recovery and the UI.
type ErrorKind string

const (
	KindPlanning   ErrorKind = "planning"
	KindExecution  ErrorKind = "execution"
	KindValidation ErrorKind = "validation"
	KindTesting    ErrorKind = "testing"
	KindSDK        ErrorKind = "sdk"
	KindMCPErr     ErrorKind = "mcp"
	KindResearch   ErrorKind = "research"
	KindMemory     ErrorKind = "memory"
	KindMonitoring ErrorKind = "monitoring"
	KindTimeout    ErrorKind = "timeout"
	KindRecovery   ErrorKind = "recovery"
)

// ErrCancelled is returned when the user aborts an execution.
var ErrCancelled = errors.New("execution cancelled")

// ErrMaxRecoveryAttempts is returned when recovery was attempted more times
// than the configured bound.
var ErrMaxRecoveryAttempts = errors.New("maximum recovery attempts exceeded")

// EngineError is the typed error surfaced across component boundaries.
// Domain failures travel inside task and phase results; an EngineError that
// escapes Run represents a failure the engine could not absorb.
type EngineError struct {
	Kind    ErrorKind
	Message string
	PhaseID string
	TaskID  string
	Err     error

	// Hint optionally suggests a remediation, rendered by the UI next to
	// the error summary.
	Hint string
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.PhaseID != "" {
		msg += fmt.Sprintf(" (phase %s", e.PhaseID)
		if e.TaskID != "" {
			msg += fmt.Sprintf(", task %s", e.TaskID)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// DeadlockError is raised by the dependency strategy when pending tasks
// remain but none can run. It names the unreachable tasks so the spec
// author can see the broken edge.
type DeadlockError struct {
	PhaseID     string
	Unreachable []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("phase %q deadlocked: unreachable tasks %v", e.PhaseID, e.Unreachable)
}
