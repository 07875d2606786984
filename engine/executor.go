package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
)

// PhaseExecutor runs the tasks of one phase under a scheduling strategy,
// bounded by a counting semaphore. Phases themselves are strictly serial;
// all concurrency lives inside a phase.
type PhaseExecutor struct {
	cfg        Config
	runner     *TaskRunner
	progress   *ProgressTracker
	emitter    emit.Emitter
	log        zerolog.Logger
	metrics    *Metrics
	researcher gen.Researcher

	// maxConcurrent is the live semaphore width; recovery can cap it to 1
	// for the remainder of the execution.
	maxConcurrent atomic.Int32

	// onCheckpoint is called every CheckpointAfterTasks completions and
	// once at phase end. Installed by the orchestrator.
	onCheckpoint func(ctx context.Context, reason string)
}

// NewPhaseExecutor builds an executor sharing the engine's collaborators.
func NewPhaseExecutor(cfg Config, runner *TaskRunner, progress *ProgressTracker, emitter emit.Emitter, log zerolog.Logger, metrics *Metrics, researcher gen.Researcher) *PhaseExecutor {
	pe := &PhaseExecutor{
		cfg:        cfg,
		runner:     runner,
		progress:   progress,
		emitter:    emitter,
		log:        log,
		metrics:    metrics,
		researcher: researcher,
	}
	pe.maxConcurrent.Store(int32(cfg.MaxConcurrentTasks))
	return pe
}

// ReduceParallelism caps the semaphore at one slot for the rest of the
// execution.
func (pe *PhaseExecutor) ReduceParallelism() { pe.maxConcurrent.Store(1) }

// Execute runs one phase to completion and returns its result. Task
// failures land in the result; an error return means the phase could not
// be scheduled at all (deadlock, cancellation).
func (pe *PhaseExecutor) Execute(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext) (*PhaseResult, error) {
	result := &PhaseResult{
		PhaseID:   phase.ID,
		Status:    buildspec.PhaseExecuting,
		StartedAt: time.Now(),
		Tasks:     make(map[string]*TaskResult, len(phase.Tasks)),
		Metrics:   make(map[string]any),
	}

	pe.progress.UpdatePhase(execCtx.ExecutionID, phase.ID, buildspec.PhasePlanning, -1)
	pe.prepare(ctx, phase, execCtx, result)
	pe.progress.UpdatePhase(execCtx.ExecutionID, phase.ID, buildspec.PhaseExecuting, -1)

	var err error
	switch pe.cfg.Strategy {
	case StrategySequential:
		err = pe.executeSequential(ctx, phase, execCtx, result)
	case StrategyParallel:
		err = pe.executeParallel(ctx, phase, execCtx, result)
	case StrategyPriority:
		err = pe.executePriority(ctx, phase, execCtx, result)
	default:
		err = pe.executeDependency(ctx, phase, execCtx, result)
	}

	pe.finalize(phase, execCtx, result, err)
	if pe.onCheckpoint != nil {
		pe.onCheckpoint(ctx, "phase_end")
	}
	return result, err
}

// prepare runs the optional research, MCP setup and rule application
// collaborators. Their failures never fail the phase; they are logged and
// attached to the phase metrics.
func (pe *PhaseExecutor) prepare(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult) {
	if pe.cfg.EnableResearch && pe.researcher != nil && phase.Objective != "" {
		research, err := pe.researcher.Research(ctx, phase.Objective, "phase", execCtx.Request(phase.ID, "", nil))
		if err != nil {
			pe.log.Warn().Str("phase_id", phase.ID).Err(err).Msg("phase research failed")
			result.Metrics["research_error"] = err.Error()
		} else {
			execCtx.AddResearch(phase.ID, research)
			result.Metrics["research_findings"] = len(research.Findings)
		}
	}

	if pe.cfg.EnableMCP {
		// MCP server setup flows through the registered bridge when one
		// exists; its absence is not an error for ordinary builds.
		if _, ok := pe.runner.handlers["mcp-bridge"]; ok {
			execCtx.SetMCPConfig(phase.ID, map[string]any{"bridge": "registered"})
		}
	}

	if pe.cfg.EnableRules {
		if handler, ok := pe.runner.handlers["rules"]; ok {
			tc := &TaskContext{Task: &buildspec.Task{ID: phase.ID + ":rules"}, PhaseID: phase.ID, Exec: execCtx, runner: pe.runner}
			hr, err := handler(ctx, tc)
			if err != nil {
				pe.log.Warn().Str("phase_id", phase.ID).Err(err).Msg("rule application failed")
				result.Metrics["rules_error"] = err.Error()
			} else {
				execCtx.SetRuleResults(phase.ID, hr.Outputs)
			}
		}
	}
}

// runTask executes one task with progress and event bookkeeping. Recovery
// skip markers and already-completed markers short-circuit to a skipped
// result.
func (pe *PhaseExecutor) runTask(ctx context.Context, phase *buildspec.Phase, task *buildspec.Task, execCtx *ExecutionContext) *TaskResult {
	execID := execCtx.ExecutionID

	if execCtx.AlreadyCompleted(task.ID) || execCtx.ShouldSkip(task.ID) {
		result := &TaskResult{
			TaskID:      task.ID,
			Status:      buildspec.TaskSkipped,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
			Outputs:     map[string]any{"skipped": true},
		}
		pe.progress.UpdateTask(execID, phase.ID, task.ID, buildspec.TaskSkipped, 100)
		pe.emit(emit.TaskSkipped, execID, phase.ID, task.ID, nil)
		return result
	}

	pe.progress.UpdateTask(execID, phase.ID, task.ID, buildspec.TaskInProgress, -1)
	pe.emit(emit.TaskStart, execID, phase.ID, task.ID, map[string]any{"kind": string(task.Kind)})

	result := pe.runner.Run(ctx, task, phase.ID, execCtx)
	if result.Status == buildspec.TaskFailed && pe.cfg.RetryFailed {
		result = pe.retryFailedTask(ctx, phase, task, execCtx, result)
	}

	meta := map[string]any{
		"duration_ms": result.Metrics.Duration.Milliseconds(),
		"attempts":    result.Attempts,
	}
	switch result.Status {
	case buildspec.TaskCompleted:
		execCtx.MarkCompleted(task.ID)
		pe.progress.UpdateTask(execID, phase.ID, task.ID, buildspec.TaskCompleted, 100)
		pe.emit(emit.TaskComplete, execID, phase.ID, task.ID, meta)
	default:
		meta["error"] = result.Error
		pe.progress.UpdateTask(execID, phase.ID, task.ID, result.Status, -1)
		pe.emit(emit.TaskFailed, execID, phase.ID, task.ID, meta)
	}
	return result
}

// phaseRetryAttempts bounds the executor's own retry-after-failure pass,
// which sits above the runner's per-attempt retries.
const phaseRetryAttempts = 3

// retryFailedTask re-runs a task whose runner attempts are already
// exhausted, sleeping a doubling backoff between rounds. Gated by the
// retry_failed_tasks setting; cancellation stops the loop immediately.
func (pe *PhaseExecutor) retryFailedTask(ctx context.Context, phase *buildspec.Phase, task *buildspec.Task, execCtx *ExecutionContext, failed *TaskResult) *TaskResult {
	final := failed
	for attempt := 1; attempt <= phaseRetryAttempts; attempt++ {
		if execCtx.Cancelled() || ctx.Err() != nil {
			break
		}

		delay := pe.cfg.RetryBackoff * (1 << attempt)
		if err := sleepOrCancel(ctx, execCtx, delay); err != nil {
			break
		}

		pe.log.Info().
			Str("task_id", task.ID).
			Int("attempt", attempt).
			Msg("retrying failed task")
		pe.emit(emit.TaskRetry, execCtx.ExecutionID, phase.ID, task.ID, map[string]any{
			"attempt": attempt,
			"scope":   "phase",
		})

		pe.progress.UpdateTask(execCtx.ExecutionID, phase.ID, task.ID, buildspec.TaskInProgress, -1)
		final = pe.runner.Run(ctx, task, phase.ID, execCtx)
		if final.Status != buildspec.TaskFailed {
			break
		}
	}
	return final
}

func (pe *PhaseExecutor) executeSequential(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult) error {
	completions := 0
	for _, task := range phase.Tasks {
		if execCtx.Cancelled() {
			return ErrCancelled
		}
		taskResult := pe.runTask(ctx, phase, task, execCtx)
		result.Tasks[task.ID] = taskResult

		completions++
		pe.maybeCheckpoint(ctx, completions)

		if !taskResult.Succeeded() && !pe.cfg.ContinueOnError {
			break
		}
	}
	return nil
}

func (pe *PhaseExecutor) executeParallel(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult) error {
	if execCtx.Cancelled() {
		return ErrCancelled
	}

	sem := make(chan struct{}, pe.semWidth())
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, task := range phase.Tasks {
		if execCtx.Cancelled() {
			break
		}
		wg.Add(1)
		go func(task *buildspec.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			taskResult := pe.runTask(ctx, phase, task, execCtx)
			mu.Lock()
			result.Tasks[task.ID] = taskResult
			mu.Unlock()
		}(task)
	}
	wg.Wait()

	pe.maybeCheckpoint(ctx, len(result.Tasks))
	return nil
}

// executeDependency schedules topological waves: every pending task whose
// dependencies reached a terminal success status runs in the current wave,
// bounded by the semaphore; the wave is awaited before the next selection.
func (pe *PhaseExecutor) executeDependency(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult) error {
	done := make(map[string]bool, len(phase.Tasks))
	failedStop := false
	completions := 0

	for len(done) < len(phase.Tasks) && !failedStop {
		if execCtx.Cancelled() {
			return ErrCancelled
		}

		var wave []*buildspec.Task
		for _, task := range phase.Tasks {
			if done[task.ID] {
				continue
			}
			if _, started := result.Tasks[task.ID]; started {
				continue
			}
			ready := true
			for _, dep := range task.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, task)
			}
		}

		if len(wave) == 0 {
			// Distinguish tasks stranded behind a failure (blocked) from a
			// genuine cycle (deadlock).
			blocked := 0
			for _, task := range phase.Tasks {
				if done[task.ID] {
					continue
				}
				if _, started := result.Tasks[task.ID]; started {
					continue
				}
				for _, dep := range task.DependsOn {
					if depResult, ok := result.Tasks[dep]; ok && !depResult.Succeeded() {
						result.Tasks[task.ID] = &TaskResult{
							TaskID:      task.ID,
							Status:      buildspec.TaskBlocked,
							StartedAt:   time.Now(),
							CompletedAt: time.Now(),
							Error:       "dependency " + dep + " did not succeed",
						}
						pe.progress.UpdateTask(execCtx.ExecutionID, phase.ID, task.ID, buildspec.TaskBlocked, -1)
						blocked++
						break
					}
				}
			}
			if blocked > 0 {
				continue
			}

			var unreachable []string
			for _, task := range phase.Tasks {
				if done[task.ID] {
					continue
				}
				if _, started := result.Tasks[task.ID]; !started {
					unreachable = append(unreachable, task.ID)
				}
			}
			if len(unreachable) > 0 {
				sort.Strings(unreachable)
				return &DeadlockError{PhaseID: phase.ID, Unreachable: unreachable}
			}
			// Everything is accounted for; failures stopped progress.
			break
		}

		sem := make(chan struct{}, pe.semWidth())
		var wg sync.WaitGroup
		var mu sync.Mutex

		for _, task := range wave {
			wg.Add(1)
			go func(task *buildspec.Task) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				taskResult := pe.runTask(ctx, phase, task, execCtx)
				mu.Lock()
				result.Tasks[task.ID] = taskResult
				mu.Unlock()
			}(task)
		}
		wg.Wait()

		for _, task := range wave {
			taskResult := result.Tasks[task.ID]
			if taskResult.Succeeded() {
				done[task.ID] = true
				completions++
				pe.maybeCheckpoint(ctx, completions)
			} else if !pe.cfg.ContinueOnError {
				failedStop = true
			}
		}
	}
	return nil
}

func (pe *PhaseExecutor) executePriority(ctx context.Context, phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult) error {
	ordered := make([]*buildspec.Task, len(phase.Tasks))
	copy(ordered, phase.Tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	width := pe.semWidth()
	completions := 0
	for start := 0; start < len(ordered); start += width {
		if execCtx.Cancelled() {
			return ErrCancelled
		}
		end := start + width
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		failed := false
		for _, task := range batch {
			wg.Add(1)
			go func(task *buildspec.Task) {
				defer wg.Done()
				taskResult := pe.runTask(ctx, phase, task, execCtx)
				mu.Lock()
				result.Tasks[task.ID] = taskResult
				if !taskResult.Succeeded() {
					failed = true
				}
				mu.Unlock()
			}(task)
		}
		wg.Wait()

		completions += len(batch)
		pe.maybeCheckpoint(ctx, completions)

		if failed && !pe.cfg.ContinueOnError {
			break
		}
	}
	return nil
}

// finalize computes the phase status: completed when every task succeeded,
// failed when every task failed, partial otherwise.
func (pe *PhaseExecutor) finalize(phase *buildspec.Phase, execCtx *ExecutionContext, result *PhaseResult, execErr error) {
	result.CompletedAt = time.Now()

	succeeded, failed := 0, 0
	for _, taskResult := range result.Tasks {
		if taskResult.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	// Tasks never started count as failures for status purposes.
	unstarted := len(phase.Tasks) - len(result.Tasks)
	failed += unstarted

	switch {
	case execErr != nil:
		result.Status = buildspec.PhaseFailed
		result.Error = execErr.Error()
	case failed == 0:
		result.Status = buildspec.PhaseCompleted
	case succeeded == 0:
		result.Status = buildspec.PhaseFailed
	default:
		result.Status = buildspec.PhasePartial
	}

	result.Metrics["duration_seconds"] = result.CompletedAt.Sub(result.StartedAt).Seconds()
	result.Metrics["tasks_total"] = len(phase.Tasks)
	result.Metrics["tasks_completed"] = succeeded
	result.Metrics["tasks_failed"] = failed

	pe.metrics.phaseFinished(string(result.Status))
	pe.progress.UpdatePhase(execCtx.ExecutionID, phase.ID, result.Status, -1)
}

func (pe *PhaseExecutor) maybeCheckpoint(ctx context.Context, completions int) {
	if pe.onCheckpoint == nil || pe.cfg.CheckpointAfterTasks <= 0 {
		return
	}
	if completions > 0 && completions%pe.cfg.CheckpointAfterTasks == 0 {
		pe.onCheckpoint(ctx, "task_batch")
	}
}

func (pe *PhaseExecutor) semWidth() int {
	width := int(pe.maxConcurrent.Load())
	if width < 1 {
		width = 1
	}
	return width
}

func (pe *PhaseExecutor) emit(msg, execID, phaseID, taskID string, meta map[string]any) {
	if pe.emitter == nil {
		return
	}
	pe.emitter.Emit(emit.Event{
		ExecutionID: execID,
		PhaseID:     phaseID,
		TaskID:      taskID,
		Msg:         msg,
		Timestamp:   time.Now(),
		Meta:        meta,
	})
}
