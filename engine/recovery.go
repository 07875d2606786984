package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/gen"
)

// FailureKind classifies what went wrong.
type FailureKind string

const (
	FailTask       FailureKind = "task-failure"
	FailPhase      FailureKind = "phase-failure"
	FailDependency FailureKind = "dependency-failure"
	FailResource   FailureKind = "resource-failure"
	FailTimeout    FailureKind = "timeout"
	FailSystem     FailureKind = "system-error"
	FailUserAbort  FailureKind = "user-abort"
)

// RecoveryStrategy names how a failed execution continues.
type RecoveryStrategy string

const (
	RecoverRetryFailed  RecoveryStrategy = "retry-failed"
	RecoverSkipFailed   RecoveryStrategy = "skip-failed"
	RecoverRestartPhase RecoveryStrategy = "restart-phase"
	RecoverRestartAll   RecoveryStrategy = "restart-all"
	RecoverManual       RecoveryStrategy = "manual"
	RecoverAdaptive     RecoveryStrategy = "adaptive"
)

// FailureContext describes one observed failure.
type FailureContext struct {
	Kind             FailureKind    `json:"kind"`
	Timestamp        time.Time      `json:"timestamp"`
	PhaseID          string         `json:"phase_id,omitempty"`
	TaskID           string         `json:"task_id,omitempty"`
	ErrorMessage     string         `json:"error_message"`
	Details          map[string]any `json:"details,omitempty"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	Recoverable      bool           `json:"recoverable"`
}

// RecoveryPlan is the deterministic instruction set for continuing a
// failed execution.
type RecoveryPlan struct {
	Strategy        RecoveryStrategy `json:"strategy"`
	CheckpointID    string           `json:"checkpoint_id,omitempty"`
	ResumeFromPhase string           `json:"resume_from_phase,omitempty"`
	ResumeFromTask  string           `json:"resume_from_task,omitempty"`
	SkipTasks       []string         `json:"skip_tasks,omitempty"`
	RetryTasks      []string         `json:"retry_tasks,omitempty"`
	Modifications   map[string]any   `json:"modifications,omitempty"`
	EstimatedTime   time.Duration    `json:"estimated_time,omitempty"`
}

// RecoverySuggestion is surfaced to the user when recovery declines or for
// manual strategies.
type RecoverySuggestion struct {
	Strategy      RecoveryStrategy `json:"strategy"`
	Description   string           `json:"description"`
	Confidence    float64          `json:"confidence"`
	EstimatedTime time.Duration    `json:"estimated_time,omitempty"`
	Recommended   bool             `json:"recommended,omitempty"`
}

const failureHistoryLimit = 100

// RecoveryManager classifies failures and produces recovery plans. It
// keeps a bounded failure history for adaptive decisions and a record of
// every plan it creates.
type RecoveryManager struct {
	checkpoints *CheckpointManager
	log         zerolog.Logger

	maxAttempts      int
	failureThreshold int

	mu      sync.Mutex
	history []*FailureContext
	plans   []RecoveryPlan
}

// NewRecoveryManager builds a manager bound to the checkpoint layer.
func NewRecoveryManager(checkpoints *CheckpointManager, cfg Config, log zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		checkpoints:      checkpoints,
		log:              log,
		maxAttempts:      cfg.MaxRecoveryAttempts,
		failureThreshold: cfg.FailureThresholdPerHour,
	}
}

// Classify derives the failure kind and recoverability from an error and
// appends it to the bounded history.
func (rm *RecoveryManager) Classify(err error, phaseID, taskID string, attempts int) *FailureContext {
	fc := &FailureContext{
		Kind:             classifyKind(err),
		Timestamp:        time.Now(),
		PhaseID:          phaseID,
		TaskID:           taskID,
		ErrorMessage:     err.Error(),
		RecoveryAttempts: attempts,
	}
	fc.Recoverable = isRecoverable(fc.Kind, err)

	rm.mu.Lock()
	rm.history = append(rm.history, fc)
	if len(rm.history) > failureHistoryLimit {
		rm.history = rm.history[len(rm.history)-failureHistoryLimit:]
	}
	rm.mu.Unlock()

	rm.log.Info().
		Str("kind", string(fc.Kind)).
		Str("phase_id", phaseID).
		Str("task_id", taskID).
		Bool("recoverable", fc.Recoverable).
		Msg("failure classified")
	return fc
}

func classifyKind(err error) FailureKind {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return FailUserAbort
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Kind == KindTimeout {
		return FailTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case strings.Contains(msg, "dependency") || strings.Contains(msg, "deadlock") || strings.Contains(msg, "unreachable"):
		return FailDependency
	case strings.Contains(msg, "resource") || strings.Contains(msg, "memory"):
		return FailResource
	case strings.Contains(msg, "abort") || strings.Contains(msg, "cancel"):
		return FailUserAbort
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "i/o error") || strings.Contains(msg, "no such file"):
		return FailSystem
	default:
		return FailTask
	}
}

func isRecoverable(kind FailureKind, err error) bool {
	if kind == FailUserAbort || kind == FailDependency {
		return false
	}
	if errors.Is(err, gen.ErrAuthentication) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"permission denied", "authentication", "invalid spec"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

// CanRecover reports whether a recovery attempt is worthwhile: the failure
// must be recoverable, the per-failure attempt budget unspent, and the
// hourly failure rate below the threshold.
func (rm *RecoveryManager) CanRecover(fc *FailureContext) bool {
	if !fc.Recoverable {
		return false
	}
	if fc.RecoveryAttempts >= rm.maxAttempts {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	recent := 0
	cutoff := time.Now().Add(-time.Hour)
	for _, h := range rm.history {
		if h.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent >= rm.failureThreshold {
		rm.log.Warn().Int("recent_failures", recent).Msg("failure threshold exceeded, declining recovery")
		return false
	}
	return true
}

// CreatePlan builds the recovery plan for a failure. Without a prior
// checkpoint the options are retry (task failures) or restart-all;
// otherwise the adaptive strategy decides.
func (rm *RecoveryManager) CreatePlan(ctx context.Context, fc *FailureContext, project *buildspec.Project, executionID string) (*RecoveryPlan, error) {
	if fc.RecoveryAttempts >= rm.maxAttempts {
		return nil, fmt.Errorf("%w: %d", ErrMaxRecoveryAttempts, fc.RecoveryAttempts)
	}

	latest, err := rm.checkpoints.Latest(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("locate checkpoint: %w", err)
	}

	var plan *RecoveryPlan
	if latest == nil {
		if fc.Kind == FailTask {
			plan = &RecoveryPlan{Strategy: RecoverRetryFailed, EstimatedTime: 5 * time.Minute}
			if fc.TaskID != "" {
				plan.RetryTasks = []string{fc.TaskID}
				plan.ResumeFromTask = fc.TaskID
			}
			plan.ResumeFromPhase = fc.PhaseID
		} else {
			plan = &RecoveryPlan{Strategy: RecoverRestartAll, Modifications: map[string]any{"clear_progress": true}}
			if len(project.Phases) > 0 {
				plan.ResumeFromPhase = project.Phases[0].ID
			}
		}
	} else {
		plan = rm.adaptivePlan(ctx, fc, executionID, latest.ID)
	}

	rm.mu.Lock()
	rm.plans = append(rm.plans, *plan)
	rm.mu.Unlock()

	rm.log.Info().
		Str("strategy", string(plan.Strategy)).
		Str("checkpoint_id", plan.CheckpointID).
		Msg("recovery plan created")
	return plan, nil
}

// adaptivePlan switches to skip-failed once the same (phase, task, kind)
// has failed three times; otherwise it retries with modifications matched
// to the failure kind, always anchored to the latest matching checkpoint.
func (rm *RecoveryManager) adaptivePlan(ctx context.Context, fc *FailureContext, executionID, latestCheckpoint string) *RecoveryPlan {
	plan := &RecoveryPlan{
		Strategy:      RecoverAdaptive,
		Modifications: map[string]any{},
		EstimatedTime: 5 * time.Minute,
	}

	if rm.similarFailures(fc) >= 3 {
		plan.Strategy = RecoverSkipFailed
		if fc.TaskID != "" {
			plan.SkipTasks = []string{fc.TaskID}
		}
		plan.Modifications["alternative_approach"] = true
	} else {
		switch fc.Kind {
		case FailTimeout:
			plan.Modifications["increase_timeout"] = true
		case FailResource:
			plan.Modifications["reduce_parallelism"] = true
		}
		if fc.TaskID != "" {
			plan.RetryTasks = []string{fc.TaskID}
		}
		plan.ResumeFromPhase = fc.PhaseID
	}

	// Prefer the pre-phase rollback point when one exists.
	plan.CheckpointID = latestCheckpoint
	if fc.PhaseID != "" {
		if tagged, err := rm.checkpoints.LatestTagged(ctx, executionID, PhaseCheckpointTag(fc.PhaseID)); err == nil && tagged != nil {
			plan.CheckpointID = tagged.ID
		}
	}
	return plan
}

func (rm *RecoveryManager) similarFailures(fc *FailureContext) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	count := 0
	for _, h := range rm.history {
		if h == fc {
			continue
		}
		if h.Kind == fc.Kind && h.PhaseID == fc.PhaseID && h.TaskID == fc.TaskID {
			count++
		}
	}
	return count
}

// ExecutePlan applies a plan's modifications to the project and execution
// context and restores the checkpoint when one is named. The actual
// re-execution is performed by the orchestrator; the returned report says
// whether the engine is ready to reattempt.
func (rm *RecoveryManager) ExecutePlan(ctx context.Context, plan *RecoveryPlan, project *buildspec.Project, execCtx *ExecutionContext, executor *PhaseExecutor) (map[string]any, error) {
	report := map[string]any{
		"strategy":   string(plan.Strategy),
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}

	if plan.CheckpointID != "" {
		if _, err := rm.checkpoints.Restore(ctx, plan.CheckpointID); err != nil {
			report["status"] = "failed"
			report["error"] = err.Error()
			return report, fmt.Errorf("restore checkpoint %s: %w", plan.CheckpointID, err)
		}
		report["checkpoint_restored"] = plan.CheckpointID
	}

	if increase, _ := plan.Modifications["increase_timeout"].(bool); increase {
		for _, phase := range project.Phases {
			for _, task := range phase.Tasks {
				if task.Timeout > 0 {
					task.Timeout = time.Duration(float64(task.Timeout) * 1.5)
				}
			}
		}
		report["timeouts_increased"] = true
	}
	if reduce, _ := plan.Modifications["reduce_parallelism"].(bool); reduce {
		executor.ReduceParallelism()
		report["parallelism_reduced"] = true
	}
	if clear, _ := plan.Modifications["clear_progress"].(bool); clear {
		execCtx.ClearCompleted()
		report["progress_cleared"] = true
	}

	if len(plan.SkipTasks) > 0 {
		execCtx.MarkSkip(plan.SkipTasks...)
	}
	execCtx.SetResumePoint(plan.ResumeFromPhase, plan.ResumeFromTask)

	report["status"] = "ready"
	report["resume_point"] = map[string]any{
		"phase": plan.ResumeFromPhase,
		"task":  plan.ResumeFromTask,
	}
	return report, nil
}

// Suggestions ranks recovery options for the UI.
func (rm *RecoveryManager) Suggestions(fc *FailureContext) []RecoverySuggestion {
	var out []RecoverySuggestion
	if fc.Kind == FailTask || fc.Kind == FailTimeout {
		out = append(out, RecoverySuggestion{
			Strategy:      RecoverRetryFailed,
			Description:   "Retry the failed task",
			Confidence:    0.8,
			EstimatedTime: 5 * time.Minute,
		})
	}
	if fc.TaskID != "" {
		out = append(out, RecoverySuggestion{
			Strategy:    RecoverSkipFailed,
			Description: "Skip the failed task and continue",
			Confidence:  0.6,
		})
	}
	if fc.PhaseID != "" {
		out = append(out, RecoverySuggestion{
			Strategy:      RecoverRestartPhase,
			Description:   "Restart the phase from its pre-phase checkpoint",
			Confidence:    0.7,
			EstimatedTime: 30 * time.Minute,
		})
	}
	out = append(out, RecoverySuggestion{
		Strategy:    RecoverAdaptive,
		Description: "Adaptive recovery based on failure analysis",
		Confidence:  0.9,
		Recommended: true,
	})
	return out
}
