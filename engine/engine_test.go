package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
	"github.com/buildforge/buildforge/engine/store"
)

func e2eConfig() Config {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySequential
	cfg.RetryAttempts = 0
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.EnableResearch = false
	cfg.SkipValidation = true
	return cfg
}

func sharedManager(t *testing.T) *store.Manager {
	t.Helper()
	manager, err := store.NewManager(store.NewMemoryBackend(), store.ManagerOptions{AutoSnapshot: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func newE2EEngine(t *testing.T, cfg Config, generator gen.Generator, manager *store.Manager, emitter emit.Emitter) *Engine {
	t.Helper()
	opts := []Option{WithConfig(cfg), WithGenerator(generator)}
	if manager != nil {
		opts = append(opts, WithStore(manager))
	}
	if emitter != nil {
		opts = append(opts, WithEmitter(emitter))
	}
	eng, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestRunSequentialHappyPath(t *testing.T) {
	mock := &gen.MockGenerator{
		Default: gen.Response{
			Text:  "```go main.go\npackage main\n```",
			Usage: gen.Usage{InputTokens: 60, OutputTokens: 40, TotalTokens: 100},
			Model: "gpt-4o",
		},
	}
	buffered := emit.NewBufferedEmitter()
	eng := newE2EEngine(t, e2eConfig(), mock, nil, buffered)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "setup", Name: "setup", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
				{ID: "b", Name: "b", Kind: buildspec.KindCodeGeneration, Weight: 2, MaxRetries: 1},
			}},
		},
	}

	result, err := eng.Run(context.Background(), project, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}

	phase := result.Phases["setup"]
	for _, id := range []string{"a", "b"} {
		if phase.Tasks[id].Status != buildspec.TaskCompleted {
			t.Errorf("task %s status = %s", id, phase.Tasks[id].Status)
		}
	}

	pp := eng.Progress().Project(result.ExecutionID)
	if pp.Percent != 100 {
		t.Errorf("project progress = %v, want 100", pp.Percent)
	}

	if result.TotalCost <= 0 {
		t.Errorf("total cost = %v, want > 0 from generator usage", result.TotalCost)
	}

	// One pre-phase checkpoint tagged phase_setup.
	tagged, err := eng.Checkpoints().List(context.Background(), "demo", []string{PhaseCheckpointTag("setup")})
	if err != nil {
		t.Fatalf("List checkpoints: %v", err)
	}
	if len(tagged) == 0 {
		t.Error("no checkpoint tagged phase_setup")
	}

	if events := buffered.HistoryWithFilter(result.ExecutionID, emit.HistoryFilter{Msg: emit.ExecutionComplete}); len(events) != 1 {
		t.Errorf("execution_complete events = %d", len(events))
	}
}

func TestTimeoutTriggersAdaptiveRecovery(t *testing.T) {
	mock := &gen.MockGenerator{
		Delay: 130 * time.Millisecond,
		Default: gen.Response{
			Text:  "ok",
			Usage: gen.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
			Model: "gpt-4o",
		},
	}
	buffered := emit.NewBufferedEmitter()
	eng := newE2EEngine(t, e2eConfig(), mock, nil, buffered)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p1", Name: "p1", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "slow", Name: "slow", Kind: buildspec.KindCodeGeneration, Weight: 1,
					Timeout: 100 * time.Millisecond, MaxRetries: 1},
			}},
		},
	}

	result, err := eng.Run(context.Background(), project, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v (status %s)", err, result.Status)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}

	// Recovery stretched the timeout by half.
	if got := project.Phases[0].Tasks[0].Timeout; got != 150*time.Millisecond {
		t.Errorf("timeout after recovery = %v, want 150ms", got)
	}

	recoveries := buffered.HistoryWithFilter(result.ExecutionID, emit.HistoryFilter{Msg: emit.RecoveryPlanned})
	if len(recoveries) != 1 {
		t.Fatalf("recovery_planned events = %d, want 1", len(recoveries))
	}
	if recoveries[0].Meta["strategy"] != string(RecoverAdaptive) {
		t.Errorf("recovery strategy = %v", recoveries[0].Meta["strategy"])
	}
}

func TestResumeSkipsCompletedWork(t *testing.T) {
	manager := sharedManager(t)
	root := t.TempDir()

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p1", Name: "p1", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
			}},
			{ID: "p2", Name: "p2", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "b", Name: "b", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
			}},
		},
	}

	// First run: phase 1 succeeds, phase 2 dies on a non-recoverable error.
	// The script covers the executor's retry-after-failure rounds too.
	authErr := fmt.Errorf("%w: key revoked", gen.ErrAuthentication)
	failing := &gen.MockGenerator{
		Script: []gen.MockCall{
			{Response: gen.Response{Text: "ok", Usage: gen.Usage{TotalTokens: 10}, Model: "gpt-4o"}},
			{Err: authErr},
			{Err: authErr},
			{Err: authErr},
			{Err: authErr},
		},
	}
	eng1 := newE2EEngine(t, e2eConfig(), failing, manager, nil)
	result1, err := eng1.Run(context.Background(), project, root)
	if err == nil {
		t.Fatal("first run should fail")
	}
	if result1.Status != StatusFailed {
		t.Fatalf("first run status = %s", result1.Status)
	}

	// Second engine over the same store resumes from the latest checkpoint.
	healthy := &gen.MockGenerator{
		Default: gen.Response{Text: "ok", Usage: gen.Usage{TotalTokens: 10}, Model: "gpt-4o"},
	}
	eng2 := newE2EEngine(t, e2eConfig(), healthy, manager, nil)
	result2, err := eng2.Resume(context.Background(), project, result1.ExecutionID, root)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result2.Status != StatusCompleted {
		t.Fatalf("resume status = %s (%s)", result2.Status, result2.Error)
	}
	if healthy.Calls() != 1 {
		t.Errorf("resume re-ran completed work: %d generator calls, want 1", healthy.Calls())
	}
	if result2.Phases["p2"].Tasks["b"].Status != buildspec.TaskCompleted {
		t.Errorf("phase 2 task status = %s", result2.Phases["p2"].Tasks["b"].Status)
	}
}

func TestCancellationAbortsExecution(t *testing.T) {
	mock := &gen.MockGenerator{Delay: 200 * time.Millisecond, Default: gen.Response{Text: "ok"}}
	eng := newE2EEngine(t, e2eConfig(), mock, nil, nil)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p1", Name: "p1", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
				{ID: "b", Name: "b", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
			}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := eng.Run(ctx, project, t.TempDir())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.Status != StatusAborted {
		t.Errorf("status = %s, want aborted", result.Status)
	}
}

func TestPlanRejectsCycles(t *testing.T) {
	eng := newE2EEngine(t, e2eConfig(), &gen.MockGenerator{}, nil, nil)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p", Name: "p", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Weight: 1, DependsOn: []string{"b"}},
				{ID: "b", Weight: 1, DependsOn: []string{"a"}},
			}},
		},
	}

	_, err := eng.Plan(project)
	if err == nil {
		t.Fatal("cycle accepted")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != KindPlanning {
		t.Errorf("err = %v, want planning EngineError", err)
	}
	var cycleErr *buildspec.CycleError
	if !errors.As(err, &cycleErr) || len(cycleErr.Unreachable) == 0 {
		t.Errorf("cycle error does not name tasks: %v", err)
	}
}

func TestDryRunExecutesNothing(t *testing.T) {
	mock := &gen.MockGenerator{Default: gen.Response{Text: "ok"}}
	cfg := e2eConfig()
	cfg.DryRun = true
	eng := newE2EEngine(t, cfg, mock, nil, nil)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p1", Name: "p1", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
			}},
		},
	}

	result, err := eng.Run(context.Background(), project, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if mock.Calls() != 0 {
		t.Errorf("dry run invoked the generator %d times", mock.Calls())
	}
}

func TestBudgetAlertsFireOnceThroughEngine(t *testing.T) {
	// Expensive model usage against a small budget: each generation costs
	// half of it, so the first crosses 0.5 and the second the rest.
	mock := &gen.MockGenerator{
		Default: gen.Response{
			Text:  "ok",
			Usage: gen.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000, TotalTokens: 2_000_000},
			Model: "gpt-4o", // $12.50 at this usage
		},
	}
	cfg := e2eConfig()
	cfg.BudgetUSD = 25
	buffered := emit.NewBufferedEmitter()
	eng := newE2EEngine(t, cfg, mock, nil, buffered)

	project := &buildspec.Project{
		Name: "demo",
		Phases: []*buildspec.Phase{
			{ID: "p1", Name: "p1", Complexity: 1, Tasks: []*buildspec.Task{
				{ID: "a", Name: "a", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
				{ID: "b", Name: "b", Kind: buildspec.KindCodeGeneration, Weight: 1, MaxRetries: 1},
			}},
		},
	}

	result, err := eng.Run(context.Background(), project, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	alerts := buffered.HistoryWithFilter(result.ExecutionID, emit.HistoryFilter{Msg: emit.BudgetAlert})
	seen := map[any]int{}
	for _, event := range alerts {
		seen[event.Meta["threshold"]]++
	}
	for threshold, count := range seen {
		if count != 1 {
			t.Errorf("threshold %v fired %d times", threshold, count)
		}
	}
	// $12.50 then $25.00: 0.5 fires after the first task, 0.75/0.9/1.0
	// after the second.
	if len(alerts) != 4 {
		t.Errorf("alerts = %d, want 4", len(alerts))
	}
}
