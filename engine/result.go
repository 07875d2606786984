package engine

import (
	"time"

	"github.com/buildforge/buildforge/buildspec"
)

// TaskMetrics aggregates per-task execution measurements.
type TaskMetrics struct {
	Duration   time.Duration `json:"duration"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Attempts   int           `json:"attempts"`
}

// TaskResult is the mutable execution record of one task. It is written
// only by the task runner executing the task; everything else reads.
type TaskResult struct {
	TaskID      string               `json:"task_id"`
	Status      buildspec.TaskStatus `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
	Attempts    int                  `json:"attempts"`
	Outputs     map[string]any       `json:"outputs,omitempty"`
	Artifacts   map[string]any       `json:"artifacts,omitempty"`
	Error       string               `json:"error,omitempty"`
	Metrics     TaskMetrics          `json:"metrics"`
}

// Succeeded reports whether the task reached a terminal success status.
func (r *TaskResult) Succeeded() bool {
	return r.Status == buildspec.TaskCompleted || r.Status == buildspec.TaskSkipped
}

// PhaseResult aggregates the outcome of one phase attempt.
type PhaseResult struct {
	PhaseID     string                 `json:"phase_id"`
	Status      buildspec.PhaseStatus  `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Tasks       map[string]*TaskResult `json:"tasks"`
	Error       string                 `json:"error,omitempty"`
	Metrics     map[string]any         `json:"metrics,omitempty"`
}

// Completed reports whether every task in the phase succeeded.
func (r *PhaseResult) Completed() bool { return r.Status == buildspec.PhaseCompleted }

// ExecutionStatus is the orchestrator's top-level state.
type ExecutionStatus string

const (
	StatusIdle       ExecutionStatus = "idle"
	StatusPlanning   ExecutionStatus = "planning"
	StatusRunning    ExecutionStatus = "running"
	StatusValidating ExecutionStatus = "validating"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusAborted    ExecutionStatus = "aborted"
)

// ExecutionResult is returned by Engine.Run.
type ExecutionResult struct {
	ExecutionID string                  `json:"execution_id"`
	SessionID   string                  `json:"session_id"`
	Status      ExecutionStatus         `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Phases      map[string]*PhaseResult `json:"phases"`
	Validation  *ValidationReport       `json:"validation,omitempty"`
	TotalCost   float64                 `json:"total_cost"`
	Error       string                  `json:"error,omitempty"`
}
