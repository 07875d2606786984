package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
	"github.com/buildforge/buildforge/engine/store"
)

// Engine is the top-level orchestrator: it plans the phases of a project,
// drives the phase executor across them, checkpoints state at phase
// boundaries, consults the recovery manager on failure, and reports
// progress, cost and validation results.
//
// The orchestrator itself is single-threaded; all concurrency lives inside
// the phase executor.
type Engine struct {
	cfg        Config
	state      *store.Manager
	emitter    emit.Emitter
	generator  gen.Generator
	researcher gen.Researcher
	sink       FileSink
	log        zerolog.Logger
	metrics    *Metrics
	validator  *Validator

	progress      *ProgressTracker
	checkpoints   *CheckpointManager
	recovery      *RecoveryManager
	extraHandlers map[string]TaskHandler
}

// New builds an engine. Without WithStore the engine runs on an in-memory
// store: checkpointing works for the lifetime of the process but nothing
// survives a restart.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:           DefaultConfig(),
		emitter:       emit.NewNullEmitter(),
		log:           zerolog.Nop(),
		progress:      NewProgressTracker(),
		extraHandlers: make(map[string]TaskHandler),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.state == nil {
		manager, err := store.NewManager(store.NewMemoryBackend(), store.ManagerOptions{
			CacheCapacity:       e.cfg.CacheCapacity,
			AutoSnapshot:        e.cfg.AutoSnapshot,
			SnapshotMinInterval: e.cfg.SnapshotMinInterval,
			MaxSnapshots:        e.cfg.MaxSnapshots,
		})
		if err != nil {
			return nil, err
		}
		e.state = manager
	}
	if e.validator == nil {
		e.validator = NewValidator(DefaultValidatorConfig(), e.log)
	}
	if e.researcher == nil && e.generator != nil && e.cfg.EnableResearch {
		e.researcher = gen.NewGeneratorResearcher(e.generator)
	}

	e.checkpoints = NewCheckpointManager(e.state)
	e.recovery = NewRecoveryManager(e.checkpoints, e.cfg, e.log)
	return e, nil
}

// Progress exposes the progress tracker for UIs.
func (e *Engine) Progress() *ProgressTracker { return e.progress }

// State exposes the state store for the CLI's state subcommands.
func (e *Engine) State() *store.Manager { return e.state }

// Checkpoints exposes the checkpoint manager.
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// PlannedTask is one row of a dry-run plan.
type PlannedTask struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	DependsOn []string `json:"depends_on,omitempty"`
	Weight    float64  `json:"weight"`
}

// PlannedPhase is one phase of a dry-run plan.
type PlannedPhase struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Tasks []PlannedTask `json:"tasks"`
}

// Plan validates the project and returns the phase/task graph that Run
// would execute. Dependency cycles surface here as planning errors.
func (e *Engine) Plan(project *buildspec.Project) ([]PlannedPhase, error) {
	if err := project.Validate(); err != nil {
		return nil, &EngineError{Kind: KindPlanning, Message: "invalid project spec", Err: err}
	}

	plan := make([]PlannedPhase, 0, len(project.Phases))
	for _, phase := range project.Phases {
		pp := PlannedPhase{ID: phase.ID, Name: phase.Name}
		for _, task := range phase.Tasks {
			pp.Tasks = append(pp.Tasks, PlannedTask{
				ID:        task.ID,
				Kind:      string(task.Kind),
				DependsOn: task.DependsOn,
				Weight:    task.Weight,
			})
		}
		plan = append(plan, pp)
	}
	return plan, nil
}

// Run executes a project from the beginning.
func (e *Engine) Run(ctx context.Context, project *buildspec.Project, projectRoot string) (*ExecutionResult, error) {
	execCtx := NewExecutionContext(project.Name, projectRoot)
	return e.run(ctx, project, execCtx)
}

// RunWithContext executes a project with a prepared execution context;
// used by Resume and by tests that need the context up front.
func (e *Engine) RunWithContext(ctx context.Context, project *buildspec.Project, execCtx *ExecutionContext) (*ExecutionResult, error) {
	return e.run(ctx, project, execCtx)
}

// Resume continues an interrupted execution from its newest checkpoint.
func (e *Engine) Resume(ctx context.Context, project *buildspec.Project, executionID, projectRoot string) (*ExecutionResult, error) {
	latest, err := e.checkpoints.Latest(ctx, executionID)
	if err != nil {
		return nil, &EngineError{Kind: KindRecovery, Message: "list checkpoints", Err: err}
	}
	if latest == nil {
		return nil, &EngineError{Kind: KindRecovery, Message: fmt.Sprintf("no checkpoint for execution %s", executionID)}
	}

	cp, err := e.checkpoints.Restore(ctx, latest.ID)
	if err != nil {
		return nil, &EngineError{Kind: KindRecovery, Message: "restore checkpoint", Err: err}
	}
	e.emit(emit.CheckpointRestore, executionID, "", "", map[string]any{"checkpoint_id": cp.ID})

	execCtx := NewExecutionContext(project.Name, projectRoot)
	execCtx.ExecutionID = executionID
	execCtx.MarkCompleted(cp.ProjectState.CompletedTasks...)
	if cp.ProjectState.PhaseIndex > 0 && cp.ProjectState.PhaseIndex < len(project.Phases) {
		execCtx.SetResumePoint(project.Phases[cp.ProjectState.PhaseIndex].ID, "")
	}
	return e.run(ctx, project, execCtx)
}

func (e *Engine) run(ctx context.Context, project *buildspec.Project, execCtx *ExecutionContext) (*ExecutionResult, error) {
	result := &ExecutionResult{
		ExecutionID: execCtx.ExecutionID,
		SessionID:   execCtx.SessionID,
		Status:      StatusPlanning,
		StartedAt:   time.Now(),
		Phases:      make(map[string]*PhaseResult, len(project.Phases)),
	}

	if _, err := e.Plan(project); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	sink := e.sink
	if sink == nil {
		sink = NewLocalSink(execCtx.ProjectRoot)
	}

	cost := NewCostTracker(execCtx.SessionID, e.cfg.BudgetUSD, e.cfg.BudgetAlertThresholds)
	cost.SetAlertFunc(func(threshold, total float64) {
		e.metrics.budgetAlerted()
		e.emit(emit.BudgetAlert, execCtx.ExecutionID, "", "", map[string]any{
			"threshold": threshold,
			"total":     total,
		})
	})

	runner := NewTaskRunner(e.cfg, e.generator, e.researcher, sink, e.log, e.metrics)
	for kind, handler := range e.extraHandlers {
		runner.RegisterHandler(kind, handler)
	}
	runner.onRetry = func(tc *TaskContext, err error) {
		e.emit(emit.TaskRetry, execCtx.ExecutionID, tc.PhaseID, tc.Task.ID, map[string]any{
			"attempt": tc.Attempt,
			"error":   err.Error(),
		})
	}
	runner.onCost = func(tc *TaskContext, hr HandlerResult, d time.Duration) {
		category := costCategoryFor(tc.Task.Kind)
		entry := CostEntry{
			Category:    category,
			Amount:      hr.Cost,
			Description: tc.Task.Name,
			Phase:       tc.PhaseID,
			Task:        tc.Task.ID,
			APICalls:    hr.APICalls,
			TokensUsed:  hr.TokensUsed,
			Model:       hr.Model,
			Duration:    d,
		}
		if err := cost.Add(entry); err != nil {
			e.log.Warn().Err(err).Msg("cost entry rejected")
		} else {
			e.metrics.costAdded(string(category), hr.Cost)
		}
	}

	executor := NewPhaseExecutor(e.cfg, runner, e.progress, e.emitter, e.log, e.metrics, e.researcher)

	e.progress.StartProject(project, execCtx.ExecutionID)
	e.emit(emit.ExecutionStart, execCtx.ExecutionID, "", "", map[string]any{
		"project":    project.Name,
		"session_id": execCtx.SessionID,
		"phases":     len(project.Phases),
	})
	e.persistStatus(ctx, execCtx.ExecutionID, string(StatusPlanning))

	if e.cfg.DryRun {
		result.Status = StatusCompleted
		result.CompletedAt = time.Now()
		return result, nil
	}

	startIdx := 0
	if resumePhase, _ := execCtx.ResumePoint(); resumePhase != "" {
		if idx := project.PhaseIndex(resumePhase); idx >= 0 {
			startIdx = idx
		}
	}

	result.Status = StatusRunning
	e.persistStatus(ctx, execCtx.ExecutionID, string(StatusRunning))

	for i := startIdx; i < len(project.Phases); i++ {
		if execCtx.Cancelled() || ctx.Err() != nil {
			return e.abort(ctx, project, execCtx, result, cost, i)
		}

		phase := project.Phases[i]
		phaseIdx := i

		executor.onCheckpoint = func(cpCtx context.Context, reason string) {
			e.checkpointNow(cpCtx, project, execCtx, phaseIdx, nil)
		}

		e.emit(emit.PhaseStart, execCtx.ExecutionID, phase.ID, "", map[string]any{"index": i})
		e.checkpointNow(ctx, project, execCtx, i, []string{PhaseCheckpointTag(phase.ID)})

		nextIdx, phaseResult, err := e.runPhaseWithRecovery(ctx, project, phase, i, execCtx, executor, cost)
		if phaseResult != nil {
			result.Phases[phase.ID] = phaseResult
		}
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return e.abort(ctx, project, execCtx, result, cost, i)
			}
			result.Status = StatusFailed
			result.Error = err.Error()
			result.CompletedAt = time.Now()
			result.TotalCost = cost.Total()
			e.persistFinal(ctx, execCtx, result)
			e.emit(emit.ExecutionFailed, execCtx.ExecutionID, phase.ID, "", map[string]any{"error": err.Error()})
			return result, err
		}

		e.emit(emit.PhaseComplete, execCtx.ExecutionID, phase.ID, "", map[string]any{
			"status": string(phaseResult.Status),
		})
		e.persistPhase(ctx, execCtx.ExecutionID, phaseResult)

		if nextIdx != i {
			// Recovery redirected execution (restart-phase / restart-all).
			i = nextIdx - 1
		}
	}

	if !e.cfg.SkipValidation {
		result.Status = StatusValidating
		e.persistStatus(ctx, execCtx.ExecutionID, string(StatusValidating))
		report := e.validator.ValidateProject(project, execCtx.ProjectRoot)
		result.Validation = report
		e.emit(emit.ValidationReport, execCtx.ExecutionID, "", "", map[string]any{
			"errors":   len(report.Errors),
			"warnings": len(report.Warnings),
		})
	}

	result.Status = StatusCompleted
	result.CompletedAt = time.Now()
	result.TotalCost = cost.Total()
	e.persistFinal(ctx, execCtx, result)
	e.emit(emit.ExecutionComplete, execCtx.ExecutionID, "", "", map[string]any{
		"total_cost": result.TotalCost,
	})
	_ = e.emitter.Flush(ctx)
	return result, nil
}

// runPhaseWithRecovery executes one phase, consulting the recovery manager
// on failure. It returns the index execution should continue from.
func (e *Engine) runPhaseWithRecovery(ctx context.Context, project *buildspec.Project, phase *buildspec.Phase, phaseIdx int, execCtx *ExecutionContext, executor *PhaseExecutor, cost *CostTracker) (int, *PhaseResult, error) {
	recoveryAttempts := 0

	for {
		phaseResult, execErr := executor.Execute(ctx, phase, execCtx)

		phaseOK := phaseResult.Status == buildspec.PhaseCompleted ||
			(phaseResult.Status == buildspec.PhasePartial && e.cfg.ContinueOnError)
		if execErr == nil && phaseOK {
			return phaseIdx, phaseResult, nil
		}

		failure := execErr
		failedTask := ""
		if failure == nil {
			failedTask, failure = firstFailure(phaseResult)
			if failure == nil {
				failure = fmt.Errorf("phase %s finished with status %s", phase.ID, phaseResult.Status)
			}
		}
		if errors.Is(failure, ErrCancelled) || execCtx.Cancelled() || ctx.Err() != nil {
			return phaseIdx, phaseResult, ErrCancelled
		}

		e.emit(emit.PhaseFailed, execCtx.ExecutionID, phase.ID, failedTask, map[string]any{
			"error":   failure.Error(),
			"attempt": recoveryAttempts,
		})

		fc := e.recovery.Classify(failure, phase.ID, failedTask, recoveryAttempts)
		if !e.recovery.CanRecover(fc) {
			return phaseIdx, phaseResult, &EngineError{
				Kind:    KindExecution,
				Message: "phase failed and recovery declined",
				PhaseID: phase.ID,
				TaskID:  failedTask,
				Err:     failure,
				Hint:    hintFrom(e.recovery.Suggestions(fc)),
			}
		}

		plan, err := e.recovery.CreatePlan(ctx, fc, project, execCtx.ExecutionID)
		if err != nil {
			return phaseIdx, phaseResult, &EngineError{Kind: KindRecovery, Message: "recovery planning failed", PhaseID: phase.ID, Err: err}
		}
		report, err := e.recovery.ExecutePlan(ctx, plan, project, execCtx, executor)
		if err != nil {
			return phaseIdx, phaseResult, &EngineError{Kind: KindRecovery, Message: "recovery execution failed", PhaseID: phase.ID, Err: err}
		}
		recoveryAttempts++

		e.emit(emit.RecoveryPlanned, execCtx.ExecutionID, phase.ID, failedTask, map[string]any{
			"strategy": string(plan.Strategy),
			"report":   report,
			"attempt":  recoveryAttempts,
		})

		// Track recovery spend as execution cost.
		_ = cost.Add(CostEntry{
			Category:    CostExecution,
			Description: fmt.Sprintf("recovery attempt %d (%s)", recoveryAttempts, plan.Strategy),
			Phase:       phase.ID,
		})

		if resumePhase, _ := execCtx.ResumePoint(); resumePhase != "" && resumePhase != phase.ID {
			if idx := project.PhaseIndex(resumePhase); idx >= 0 {
				return idx, phaseResult, nil
			}
		}
		// Same phase: loop and reattempt, bounded by CanRecover.
	}
}

func (e *Engine) abort(ctx context.Context, project *buildspec.Project, execCtx *ExecutionContext, result *ExecutionResult, cost *CostTracker, phaseIdx int) (*ExecutionResult, error) {
	// Checkpoint partial results before declaring the abort.
	e.checkpointNow(ctx, project, execCtx, phaseIdx, []string{"aborted"})

	result.Status = StatusAborted
	result.CompletedAt = time.Now()
	result.TotalCost = cost.Total()
	result.Error = ErrCancelled.Error()
	e.persistFinal(ctx, execCtx, result)
	e.emit(emit.ExecutionAborted, execCtx.ExecutionID, "", "", nil)
	_ = e.emitter.Flush(ctx)
	return result, ErrCancelled
}

// checkpointNow captures a checkpoint with the current completion markers.
func (e *Engine) checkpointNow(ctx context.Context, project *buildspec.Project, execCtx *ExecutionContext, phaseIdx int, tags []string) {
	ps := ProjectState{
		ProjectID:      project.Name,
		PhaseIndex:     phaseIdx,
		CompletedTasks: execCtx.CompletedTasks(),
	}
	for i := 0; i < phaseIdx && i < len(project.Phases); i++ {
		ps.CompletedPhases = append(ps.CompletedPhases, project.Phases[i].ID)
	}

	id, err := e.checkpoints.Create(ctx, execCtx.ExecutionID, ps, tags)
	if err != nil {
		e.log.Warn().Err(err).Msg("checkpoint failed")
		return
	}
	e.metrics.snapshotCreated()
	e.emit(emit.CheckpointCreated, execCtx.ExecutionID, "", "", map[string]any{
		"checkpoint_id": id,
		"tags":          tags,
	})
}

func (e *Engine) persistStatus(ctx context.Context, executionID, status string) {
	if err := e.state.UpdateExecutionStatus(ctx, executionID, status, nil); err != nil {
		e.log.Warn().Err(err).Msg("persist status failed")
	}
}

func (e *Engine) persistPhase(ctx context.Context, executionID string, phaseResult *PhaseResult) {
	state := store.ExecutionState{
		Phases: map[string]any{phaseResult.PhaseID: phaseResult},
		Tasks:  map[string]any{},
	}
	for taskID, taskResult := range phaseResult.Tasks {
		state.Tasks[taskID] = taskResult
	}
	if err := e.state.SaveExecutionState(ctx, executionID, state); err != nil {
		e.log.Warn().Err(err).Msg("persist phase failed")
	}
}

func (e *Engine) persistFinal(ctx context.Context, execCtx *ExecutionContext, result *ExecutionResult) {
	state := store.ExecutionState{
		Status: string(result.Status),
		Phases: map[string]any{},
		Tasks:  map[string]any{},
	}
	for phaseID, phaseResult := range result.Phases {
		state.Phases[phaseID] = phaseResult
		for taskID, taskResult := range phaseResult.Tasks {
			state.Tasks[taskID] = taskResult
		}
	}
	if err := e.state.SaveExecutionState(ctx, execCtx.ExecutionID, state); err != nil {
		e.log.Warn().Err(err).Msg("persist final state failed")
	}
	e.persistStatus(ctx, execCtx.ExecutionID, string(result.Status))
}

func (e *Engine) emit(msg, execID, phaseID, taskID string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		ExecutionID: execID,
		PhaseID:     phaseID,
		TaskID:      taskID,
		Msg:         msg,
		Timestamp:   time.Now(),
		Meta:        meta,
	})
}

// firstFailure returns the id and error of the first failed task in a
// phase result, preferring deterministic order by task id.
func firstFailure(phaseResult *PhaseResult) (string, error) {
	var failedID, failedMsg string
	for taskID, taskResult := range phaseResult.Tasks {
		if taskResult.Succeeded() {
			continue
		}
		if failedID == "" || taskID < failedID {
			failedID = taskID
			failedMsg = taskResult.Error
		}
	}
	if failedID == "" {
		return "", nil
	}
	if failedMsg == "" {
		failedMsg = "task failed"
	}
	return failedID, fmt.Errorf("task %s: %s", failedID, failedMsg)
}

func costCategoryFor(kind buildspec.TaskKind) CostCategory {
	switch kind {
	case buildspec.KindCodeGeneration:
		return CostClaudeCode
	case buildspec.KindResearch:
		return CostResearch
	case buildspec.KindValidation:
		return CostValidation
	default:
		return CostExecution
	}
}

func hintFrom(suggestions []RecoverySuggestion) string {
	if len(suggestions) == 0 {
		return ""
	}
	best := suggestions[0]
	for _, s := range suggestions {
		if s.Recommended {
			best = s
			break
		}
	}
	return best.Description
}
