package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/gen"
)

// TaskContext is handed to handlers and hooks: the task declaration, the
// execution context (read-only for handlers) and the attempt number.
type TaskContext struct {
	Task    *buildspec.Task
	PhaseID string
	Exec    *ExecutionContext
	Attempt int

	runner *TaskRunner
}

// Generator exposes the configured generator to handlers.
func (tc *TaskContext) Generator() gen.Generator { return tc.runner.generator }

// Researcher exposes the configured researcher, nil when disabled.
func (tc *TaskContext) Researcher() gen.Researcher { return tc.runner.researcher }

// Sink exposes the artifact sink.
func (tc *TaskContext) Sink() FileSink { return tc.runner.sink }

// HandlerResult is what a task handler produces. Failed marks a domain
// failure that must not retry (non-zero exit codes, HTTP error statuses);
// errors returned from the handler itself go through the retry policy.
type HandlerResult struct {
	Outputs   map[string]any
	Artifacts map[string]any

	Failed   bool
	ErrorMsg string

	TokensUsed int
	APICalls   int
	Cost       float64
	Model      string
}

// TaskHandler executes one kind of task.
type TaskHandler func(ctx context.Context, tc *TaskContext) (HandlerResult, error)

// TaskHook runs before or after a task. Hooks run serially in registration
// order; a hook error is logged and swallowed unless the hook is Critical.
type TaskHook struct {
	Name     string
	Critical bool
	Fn       func(ctx context.Context, tc *TaskContext) error
}

// TaskRunner executes exactly one task per call, driving it through the
// timeout and retry state machine and producing a TaskResult. The runner
// is the only writer of a task's execution record.
type TaskRunner struct {
	cfg        Config
	generator  gen.Generator
	researcher gen.Researcher
	sink       FileSink
	log        zerolog.Logger
	metrics    *Metrics

	handlers  map[string]TaskHandler
	preHooks  []TaskHook
	postHooks []TaskHook

	// onRetry is invoked before each retry sleep, so the executor can
	// emit retry events and count metrics.
	onRetry func(tc *TaskContext, err error)

	// onCost reports generator spend as it happens.
	onCost func(tc *TaskContext, result HandlerResult, d time.Duration)
}

// NewTaskRunner builds a runner with the built-in handlers registered.
func NewTaskRunner(cfg Config, generator gen.Generator, researcher gen.Researcher, sink FileSink, log zerolog.Logger, metrics *Metrics) *TaskRunner {
	r := &TaskRunner{
		cfg:        cfg,
		generator:  generator,
		researcher: researcher,
		sink:       sink,
		log:        log,
		metrics:    metrics,
		handlers:   make(map[string]TaskHandler),
	}
	r.registerBuiltins()
	return r
}

// RegisterHandler adds or overrides the handler for a task kind.
func (r *TaskRunner) RegisterHandler(kind string, handler TaskHandler) {
	r.handlers[kind] = handler
}

// AddPreHook appends a pre-execution hook.
func (r *TaskRunner) AddPreHook(hook TaskHook) { r.preHooks = append(r.preHooks, hook) }

// AddPostHook appends a post-execution hook.
func (r *TaskRunner) AddPostHook(hook TaskHook) { r.postHooks = append(r.postHooks, hook) }

// Run executes the task and returns its result. Handler errors become
// failed results; only programmer errors escape as panics.
func (r *TaskRunner) Run(ctx context.Context, task *buildspec.Task, phaseID string, execCtx *ExecutionContext) *TaskResult {
	result := &TaskResult{
		TaskID:    task.ID,
		Status:    buildspec.TaskInProgress,
		StartedAt: time.Now(),
	}
	r.metrics.taskStarted()

	handler, ok := r.handlers[string(task.Kind)]
	if !ok {
		r.finish(result, task, buildspec.TaskFailed, fmt.Sprintf("no handler for task kind %q", task.Kind))
		return result
	}

	policy := RetryPolicy{
		MaxAttempts: r.retriesFor(task),
		Backoff:     r.cfg.RetryBackoff,
		Factor:      r.cfg.RetryBackoffFactor,
		// Credential failures never get better on their own.
		Retryable: func(err error) bool { return !errors.Is(err, gen.ErrAuthentication) },
	}

	maxAttempts := policy.MaxAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if execCtx.Cancelled() || ctx.Err() != nil {
			r.finish(result, task, buildspec.TaskFailed, ErrCancelled.Error())
			return result
		}

		result.Attempts = attempt
		tc := &TaskContext{Task: task, PhaseID: phaseID, Exec: execCtx, Attempt: attempt, runner: r}

		hr, err := r.attempt(ctx, tc, handler)
		if err == nil {
			if hr.Failed {
				result.Outputs = hr.Outputs
				result.Artifacts = hr.Artifacts
				r.recordCost(tc, hr, time.Since(result.StartedAt))
				r.finish(result, task, buildspec.TaskFailed, hr.ErrorMsg)
				return result
			}
			result.Outputs = hr.Outputs
			result.Artifacts = hr.Artifacts
			result.Metrics.TokensUsed = hr.TokensUsed
			result.Metrics.Cost = hr.Cost
			r.recordCost(tc, hr, time.Since(result.StartedAt))
			r.finish(result, task, buildspec.TaskCompleted, "")
			return result
		}

		if isTimeoutErr(err) {
			err = &EngineError{Kind: KindTimeout, Message: "task deadline exceeded", PhaseID: phaseID, TaskID: task.ID, Err: err}
		}

		if attempt >= maxAttempts || !policy.ShouldRetry(err) {
			r.finish(result, task, buildspec.TaskFailed, err.Error())
			return result
		}

		r.log.Warn().
			Str("task_id", task.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("task attempt failed, retrying")
		r.metrics.taskRetried(string(task.Kind))
		if r.onRetry != nil {
			r.onRetry(tc, err)
		}

		if sleepErr := sleepOrCancel(ctx, execCtx, policy.Delay(attempt)); sleepErr != nil {
			r.finish(result, task, buildspec.TaskFailed, ErrCancelled.Error())
			return result
		}
	}

	// Unreachable: the loop always returns.
	r.finish(result, task, buildspec.TaskFailed, "retries exhausted")
	return result
}

// attempt runs hooks and the handler under the task's hard deadline.
func (r *TaskRunner) attempt(ctx context.Context, tc *TaskContext, handler TaskHandler) (HandlerResult, error) {
	timeout := tc.Task.Timeout
	if timeout <= 0 {
		timeout = r.cfg.TaskTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.runHooks(attemptCtx, r.preHooks, tc); err != nil {
		return HandlerResult{}, err
	}

	hr, err := handler(attemptCtx, tc)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return HandlerResult{}, context.DeadlineExceeded
		}
		return HandlerResult{}, err
	}

	if err := r.runHooks(attemptCtx, r.postHooks, tc); err != nil {
		return HandlerResult{}, err
	}
	return hr, nil
}

func (r *TaskRunner) runHooks(ctx context.Context, hooks []TaskHook, tc *TaskContext) error {
	for _, hook := range hooks {
		if err := hook.Fn(ctx, tc); err != nil {
			if hook.Critical {
				return fmt.Errorf("critical hook %q: %w", hook.Name, err)
			}
			r.log.Warn().
				Str("task_id", tc.Task.ID).
				Str("hook", hook.Name).
				Err(err).
				Msg("hook failed")
		}
	}
	return nil
}

func (r *TaskRunner) retriesFor(task *buildspec.Task) int {
	if task.MaxRetries > 0 {
		return task.MaxRetries
	}
	return r.cfg.RetryAttempts
}

func (r *TaskRunner) recordCost(tc *TaskContext, hr HandlerResult, d time.Duration) {
	if r.onCost != nil && (hr.Cost > 0 || hr.TokensUsed > 0 || hr.APICalls > 0) {
		r.onCost(tc, hr, d)
	}
}

func (r *TaskRunner) finish(result *TaskResult, task *buildspec.Task, status buildspec.TaskStatus, errMsg string) {
	result.Status = status
	result.CompletedAt = time.Now()
	result.Error = errMsg
	result.Metrics.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Metrics.Attempts = result.Attempts
	r.metrics.taskFinished(string(task.Kind), string(status), result.Metrics.Duration)
}
