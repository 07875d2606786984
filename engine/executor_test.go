package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
)

// probeRecorder captures task start/end times from a registered handler.
type probeRecorder struct {
	mu    sync.Mutex
	start map[string]time.Time
	end   map[string]time.Time
}

func newProbeRecorder() *probeRecorder {
	return &probeRecorder{start: make(map[string]time.Time), end: make(map[string]time.Time)}
}

func (p *probeRecorder) handler(delay time.Duration) TaskHandler {
	return func(_ context.Context, tc *TaskContext) (HandlerResult, error) {
		p.mu.Lock()
		p.start[tc.Task.ID] = time.Now()
		p.mu.Unlock()

		time.Sleep(delay)

		p.mu.Lock()
		p.end[tc.Task.ID] = time.Now()
		p.mu.Unlock()
		return HandlerResult{Outputs: map[string]any{"ok": true}}, nil
	}
}

func probeTask(id string, deps ...string) *buildspec.Task {
	return &buildspec.Task{
		ID: id, Name: id, Kind: buildspec.KindCustom, Weight: 1,
		Params:    map[string]any{"handler": "probe"},
		DependsOn: deps,
	}
}

func newTestExecutor(cfg Config, generator gen.Generator, emitter emit.Emitter) (*PhaseExecutor, *TaskRunner, *ProgressTracker) {
	runner := NewTaskRunner(cfg, generator, nil, NewLocalSink("/tmp"), zerolog.Nop(), nil)
	progress := NewProgressTracker()
	pe := NewPhaseExecutor(cfg, runner, progress, emitter, zerolog.Nop(), nil, nil)
	return pe, runner, progress
}

func singlePhaseProject(phase *buildspec.Phase) *buildspec.Project {
	return &buildspec.Project{Name: "demo", Phases: []*buildspec.Phase{phase}}
}

func TestSequentialHappyPath(t *testing.T) {
	mock := &gen.MockGenerator{
		Default: gen.Response{Text: "ok", Usage: gen.Usage{TotalTokens: 100}, Model: "gpt-4o"},
	}
	cfg := testRunnerConfig()
	cfg.Strategy = StrategySequential

	pe, _, progress := newTestExecutor(cfg, mock, emit.NewNullEmitter())

	phase := &buildspec.Phase{ID: "setup", Name: "setup", Complexity: 1, Tasks: []*buildspec.Task{
		{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1},
		{ID: "b", Name: "b", Kind: buildspec.KindCodeGeneration, Weight: 2},
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhaseCompleted {
		t.Fatalf("phase status = %s", result.Status)
	}
	for _, id := range []string{"a", "b"} {
		if result.Tasks[id].Status != buildspec.TaskCompleted {
			t.Errorf("task %s status = %s", id, result.Tasks[id].Status)
		}
	}

	pp := progress.Project(execCtx.ExecutionID)
	if pp.Phases["setup"].Percent != 100 {
		t.Errorf("phase progress = %v, want 100", pp.Phases["setup"].Percent)
	}
	if pp.Percent != 100 {
		t.Errorf("project progress = %v, want 100", pp.Percent)
	}
	if mock.Calls() != 2 {
		t.Errorf("generator calls = %d, want 2", mock.Calls())
	}
}

func TestDependencyTopologyOrdering(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyDependency
	cfg.MaxConcurrentTasks = 2

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	probe := newProbeRecorder()
	runner.RegisterHandler("probe", probe.handler(30*time.Millisecond))

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
		probeTask("a"),
		probeTask("b", "a"),
		probeTask("c", "a"),
		probeTask("d", "b", "c"),
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhaseCompleted {
		t.Fatalf("phase status = %s", result.Status)
	}

	probe.mu.Lock()
	defer probe.mu.Unlock()
	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		dep, task := pair[0], pair[1]
		if probe.start[task].Before(probe.end[dep]) {
			t.Errorf("%s started %v before %s ended %v", task, probe.start[task], dep, probe.end[dep])
		}
	}
}

func TestConcurrencyBoundHolds(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyParallel
	cfg.MaxConcurrentTasks = 3

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())

	var active, peak atomic.Int32
	runner.RegisterHandler("probe", func(_ context.Context, _ *TaskContext) (HandlerResult, error) {
		now := active.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return HandlerResult{}, nil
	})

	var tasks []*buildspec.Task
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"} {
		tasks = append(tasks, probeTask(id))
	}
	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: tasks}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	if _, err := pe.Execute(context.Background(), phase, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, bound is 3", got)
	}
}

func TestSingleSlotDependencyMatchesTopologicalOrder(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyDependency
	cfg.MaxConcurrentTasks = 1

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())

	var order []string
	var mu sync.Mutex
	runner.RegisterHandler("probe", func(_ context.Context, tc *TaskContext) (HandlerResult, error) {
		mu.Lock()
		order = append(order, tc.Task.ID)
		mu.Unlock()
		return HandlerResult{}, nil
	})

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
		probeTask("a"),
		probeTask("b", "a"),
		probeTask("c", "b"),
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	if _, err := pe.Execute(context.Background(), phase, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDeadlockNamesUnreachableTasks(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyDependency

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	runner.RegisterHandler("probe", newProbeRecorder().handler(0))

	// b and c form a cycle; a is free.
	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
		probeTask("a"),
		probeTask("b", "c"),
		probeTask("c", "b"),
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	_, err := pe.Execute(context.Background(), phase, execCtx)
	var deadlock *DeadlockError
	if !errors.As(err, &deadlock) {
		t.Fatalf("got %v, want DeadlockError", err)
	}
	if len(deadlock.Unreachable) != 2 || deadlock.Unreachable[0] != "b" || deadlock.Unreachable[1] != "c" {
		t.Errorf("unreachable = %v, want [b c]", deadlock.Unreachable)
	}
}

func TestTasksBehindFailureAreBlocked(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyDependency
	cfg.ContinueOnError = true

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	runner.RegisterHandler("probe", func(_ context.Context, tc *TaskContext) (HandlerResult, error) {
		if tc.Task.ID == "bad" {
			return HandlerResult{}, errors.New("handler exploded")
		}
		return HandlerResult{}, nil
	})

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
		probeTask("bad"),
		probeTask("child", "bad"),
		probeTask("free"),
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhasePartial {
		t.Errorf("phase status = %s, want partial", result.Status)
	}
	if result.Tasks["child"].Status != buildspec.TaskBlocked {
		t.Errorf("child status = %s, want blocked", result.Tasks["child"].Status)
	}
	if result.Tasks["free"].Status != buildspec.TaskCompleted {
		t.Errorf("free status = %s, want completed", result.Tasks["free"].Status)
	}
}

func TestPriorityStrategyRunsHighFirst(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategyPriority
	cfg.MaxConcurrentTasks = 1

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())

	var order []string
	var mu sync.Mutex
	runner.RegisterHandler("probe", func(_ context.Context, tc *TaskContext) (HandlerResult, error) {
		mu.Lock()
		order = append(order, tc.Task.ID)
		mu.Unlock()
		return HandlerResult{}, nil
	})

	low := probeTask("low")
	low.Priority = 1
	high := probeTask("high")
	high.Priority = 9
	mid := probeTask("mid")
	mid.Priority = 5

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{low, high, mid}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	if _, err := pe.Execute(context.Background(), phase, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Errorf("order = %v", order)
	}
}

func TestEmptyPhaseCompletesImmediately(t *testing.T) {
	cfg := testRunnerConfig()
	pe, _, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())

	phase := &buildspec.Phase{ID: "empty", Name: "empty", Complexity: 1}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhaseCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	pp := progress.Project(execCtx.ExecutionID)
	if pp.Phases["empty"].Percent != 100 {
		t.Errorf("progress = %v, want 100", pp.Phases["empty"].Percent)
	}
}

func TestPhaseRetriesFailedTask(t *testing.T) {
	cfg := testRunnerConfig() // RetryAttempts 0: runner itself never retries
	cfg.Strategy = StrategySequential
	cfg.RetryFailed = true
	cfg.RetryBackoff = 5 * time.Millisecond

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	calls := 0
	runner.RegisterHandler("probe", func(_ context.Context, _ *TaskContext) (HandlerResult, error) {
		calls++
		if calls < 3 {
			return HandlerResult{}, errors.New("flaky")
		}
		return HandlerResult{}, nil
	})

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{probeTask("flaky")}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhaseCompleted {
		t.Fatalf("phase status = %s", result.Status)
	}
	if result.Tasks["flaky"].Status != buildspec.TaskCompleted {
		t.Errorf("task status = %s", result.Tasks["flaky"].Status)
	}
	if calls != 3 {
		t.Errorf("handler ran %d times, want 3 (initial + 2 phase retries)", calls)
	}
}

func TestPhaseRetryDisabledRunsOnce(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategySequential
	cfg.RetryFailed = false

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	calls := 0
	runner.RegisterHandler("probe", func(_ context.Context, _ *TaskContext) (HandlerResult, error) {
		calls++
		return HandlerResult{}, errors.New("always broken")
	})

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{probeTask("broken")}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != buildspec.PhaseFailed {
		t.Fatalf("phase status = %s", result.Status)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times with retry_failed_tasks off, want 1", calls)
	}
}

func TestSkipMarkersShortCircuitTasks(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Strategy = StrategySequential

	pe, runner, progress := newTestExecutor(cfg, nil, emit.NewNullEmitter())
	calls := 0
	runner.RegisterHandler("probe", func(_ context.Context, _ *TaskContext) (HandlerResult, error) {
		calls++
		return HandlerResult{}, nil
	})

	phase := &buildspec.Phase{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
		probeTask("done-before"),
		probeTask("fresh"),
	}}
	execCtx := NewExecutionContext("demo", t.TempDir())
	execCtx.MarkCompleted("done-before")
	progress.StartProject(singlePhaseProject(phase), execCtx.ExecutionID)

	result, err := pe.Execute(context.Background(), phase, execCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if result.Tasks["done-before"].Status != buildspec.TaskSkipped {
		t.Errorf("resumed task status = %s", result.Tasks["done-before"].Status)
	}
	if result.Status != buildspec.PhaseCompleted {
		t.Errorf("phase status = %s", result.Status)
	}
}
