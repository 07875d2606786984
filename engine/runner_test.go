package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/engine/gen"
)

func testRunnerConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func newTestRunner(cfg Config, generator gen.Generator, sink FileSink) *TaskRunner {
	return NewTaskRunner(cfg, generator, nil, sink, zerolog.Nop(), nil)
}

func genTask(id string) *buildspec.Task {
	return &buildspec.Task{ID: id, Name: id, Kind: buildspec.KindCodeGeneration, Weight: 1}
}

func TestRetryWithExponentialBackoff(t *testing.T) {
	transient := errors.New("temporary glitch")
	mock := &gen.MockGenerator{
		Script: []gen.MockCall{
			{Err: transient},
			{Err: transient},
			{Response: gen.Response{Text: "ok", Usage: gen.Usage{TotalTokens: 100}, Model: "gpt-4o"}},
		},
	}

	cfg := testRunnerConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = 100 * time.Millisecond
	cfg.RetryBackoffFactor = 2
	runner := newTestRunner(cfg, mock, NewLocalSink(t.TempDir()))

	execCtx := NewExecutionContext("demo", t.TempDir())
	start := time.Now()
	result := runner.Run(context.Background(), genTask("x"), "p1", execCtx)
	elapsed := time.Since(start)

	if result.Status != buildspec.TaskCompleted {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	// Backoff: 100ms + 200ms between the three attempts.
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed %v, want >= 300ms of backoff", elapsed)
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("elapsed %v, backoff ran long", elapsed)
	}
	if result.Metrics.TokensUsed != 100 {
		t.Errorf("tokens = %d, want 100", result.Metrics.TokensUsed)
	}
}

func TestRetriesExhaustedReturnsFailure(t *testing.T) {
	mock := &gen.MockGenerator{
		Script: []gen.MockCall{
			{Err: errors.New("boom")},
			{Err: errors.New("boom")},
		},
	}
	cfg := testRunnerConfig()
	cfg.RetryAttempts = 1
	cfg.RetryBackoff = time.Millisecond
	runner := newTestRunner(cfg, mock, nil)

	result := runner.Run(context.Background(), genTask("x"), "p1", NewExecutionContext("demo", t.TempDir()))
	if result.Status != buildspec.TaskFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want max_retries+1 = 2", result.Attempts)
	}
}

func TestTimeoutProducesTimeoutError(t *testing.T) {
	mock := &gen.MockGenerator{Delay: 300 * time.Millisecond}
	cfg := testRunnerConfig()
	runner := newTestRunner(cfg, mock, nil)

	task := genTask("slow")
	task.Timeout = 50 * time.Millisecond

	result := runner.Run(context.Background(), task, "p1", NewExecutionContext("demo", t.TempDir()))
	if result.Status != buildspec.TaskFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if !isTimeoutErr(errors.New(result.Error)) {
		t.Errorf("error %q does not classify as timeout", result.Error)
	}
}

func TestCancellationNeverRetries(t *testing.T) {
	mock := &gen.MockGenerator{
		Script: []gen.MockCall{{Err: errors.New("transient")}},
	}
	cfg := testRunnerConfig()
	cfg.RetryAttempts = 5
	cfg.RetryBackoff = 10 * time.Second // retry sleep must be interruptible
	runner := newTestRunner(cfg, mock, nil)

	execCtx := NewExecutionContext("demo", t.TempDir())
	go func() {
		time.Sleep(100 * time.Millisecond)
		execCtx.Cancel()
	}()

	start := time.Now()
	result := runner.Run(context.Background(), genTask("x"), "p1", execCtx)
	elapsed := time.Since(start)

	if result.Status != buildspec.TaskFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if mock.Calls() != 1 {
		t.Errorf("generator called %d times after cancel, want 1", mock.Calls())
	}
	// Cancellation must be observed within about a second of the flag.
	if elapsed > 2*time.Second {
		t.Errorf("cancellation observed after %v", elapsed)
	}
}

func TestCriticalHookAbortsTask(t *testing.T) {
	runner := newTestRunner(testRunnerConfig(), &gen.MockGenerator{}, nil)
	runner.AddPreHook(TaskHook{
		Name:     "gate",
		Critical: true,
		Fn: func(context.Context, *TaskContext) error {
			return errors.New("gate rejected")
		},
	})

	result := runner.Run(context.Background(), genTask("x"), "p1", NewExecutionContext("demo", t.TempDir()))
	if result.Status != buildspec.TaskFailed {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestNonCriticalHookFailureIgnored(t *testing.T) {
	runner := newTestRunner(testRunnerConfig(), &gen.MockGenerator{Default: gen.Response{Text: "ok"}}, NewLocalSink(t.TempDir()))
	ran := false
	runner.AddPostHook(TaskHook{
		Name: "observer",
		Fn: func(context.Context, *TaskContext) error {
			ran = true
			return errors.New("observer hiccup")
		},
	})

	result := runner.Run(context.Background(), genTask("x"), "p1", NewExecutionContext("demo", t.TempDir()))
	if result.Status != buildspec.TaskCompleted {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if !ran {
		t.Error("post hook never ran")
	}
}

func TestFileOperationCreateCopyDelete(t *testing.T) {
	root := t.TempDir()
	runner := newTestRunner(testRunnerConfig(), nil, NewLocalSink(root))
	execCtx := NewExecutionContext("demo", root)

	create := &buildspec.Task{
		ID: "create", Kind: buildspec.KindFileOperation, Weight: 1,
		Params: map[string]any{
			"operation": "create",
			"files": []any{
				map[string]any{"path": "src/main.go", "content": "package main\n"},
			},
		},
	}
	if result := runner.Run(context.Background(), create, "p", execCtx); result.Status != buildspec.TaskCompleted {
		t.Fatalf("create failed: %s", result.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "src", "main.go")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cp := &buildspec.Task{
		ID: "copy", Kind: buildspec.KindFileOperation, Weight: 1,
		Params: map[string]any{"operation": "copy", "source": "src/main.go", "destination": "backup/main.go"},
	}
	if result := runner.Run(context.Background(), cp, "p", execCtx); result.Status != buildspec.TaskCompleted {
		t.Fatalf("copy failed: %s", result.Error)
	}

	del := &buildspec.Task{
		ID: "delete", Kind: buildspec.KindFileOperation, Weight: 1,
		Params: map[string]any{"operation": "delete", "paths": []any{"src/main.go"}},
	}
	if result := runner.Run(context.Background(), del, "p", execCtx); result.Status != buildspec.TaskCompleted {
		t.Fatalf("delete failed: %s", result.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "src", "main.go")); !os.IsNotExist(err) {
		t.Error("file survived deletion")
	}
	if _, err := os.Stat(filepath.Join(root, "backup", "main.go")); err != nil {
		t.Error("copy missing after delete of source")
	}
}

func TestCommandExecutionNonZeroExitFailsWithoutRetry(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.RetryAttempts = 3 // must not be consumed by exit-code failures
	runner := newTestRunner(cfg, nil, nil)

	task := &buildspec.Task{
		ID: "cmd", Kind: buildspec.KindCommandExecution, Weight: 1,
		Params: map[string]any{"command": []any{"sh", "-c", "exit 3"}},
	}
	result := runner.Run(context.Background(), task, "p", NewExecutionContext("demo", t.TempDir()))

	if result.Status != buildspec.TaskFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, exit-code failures must not retry", result.Attempts)
	}
	if result.Outputs["exit_code"] != 3 {
		t.Errorf("exit_code = %v", result.Outputs["exit_code"])
	}
}

func TestCommandExecutionCapturesOutput(t *testing.T) {
	runner := newTestRunner(testRunnerConfig(), nil, nil)
	task := &buildspec.Task{
		ID: "echo", Kind: buildspec.KindCommandExecution, Weight: 1,
		Params: map[string]any{"command": []any{"sh", "-c", "echo hello"}},
	}
	result := runner.Run(context.Background(), task, "p", NewExecutionContext("demo", t.TempDir()))

	if result.Status != buildspec.TaskCompleted {
		t.Fatalf("status = %s: %s", result.Status, result.Error)
	}
	if stdout, _ := result.Outputs["stdout"].(string); stdout != "hello\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestValidationFileExists(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := newTestRunner(testRunnerConfig(), nil, nil)
	execCtx := NewExecutionContext("demo", root)

	task := &buildspec.Task{
		ID: "check", Kind: buildspec.KindValidation, Weight: 1,
		Params: map[string]any{"validation_type": "file_exists", "paths": []any{"go.mod", "missing.txt"}},
	}
	result := runner.Run(context.Background(), task, "p", execCtx)

	if result.Status != buildspec.TaskCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if valid, _ := result.Outputs["valid"].(bool); valid {
		t.Error("validation should report missing.txt")
	}
}

func TestCustomHandlerRegistration(t *testing.T) {
	runner := newTestRunner(testRunnerConfig(), nil, nil)
	runner.RegisterHandler("shout", func(_ context.Context, tc *TaskContext) (HandlerResult, error) {
		return HandlerResult{Outputs: map[string]any{"echo": tc.Task.ID}}, nil
	})

	task := &buildspec.Task{
		ID: "c1", Kind: buildspec.KindCustom, Weight: 1,
		Params: map[string]any{"handler": "shout"},
	}
	result := runner.Run(context.Background(), task, "p", NewExecutionContext("demo", t.TempDir()))
	if result.Status != buildspec.TaskCompleted {
		t.Fatalf("status = %s: %s", result.Status, result.Error)
	}
	if result.Outputs["echo"] != "c1" {
		t.Errorf("outputs = %v", result.Outputs)
	}
}

func TestExtractArtifacts(t *testing.T) {
	text := "Here you go:\n```go cmd/app/main.go\npackage main\n```\n" +
		"```bash\ngo build ./...\n# comment\n```\n" +
		"```go\nfunc helper() {}\n```\n"

	files, blocks, commands := extractArtifacts(text)
	if _, ok := files["cmd/app/main.go"]; !ok {
		t.Errorf("named file not extracted: %v", files)
	}
	if len(blocks) != 1 {
		t.Errorf("anonymous blocks = %d, want 1", len(blocks))
	}
	if len(commands) != 1 || commands[0] != "go build ./..." {
		t.Errorf("commands = %v", commands)
	}
}
