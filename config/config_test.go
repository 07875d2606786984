package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/buildforge/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, engine.StrategyDependency, cfg.Engine.Strategy)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrentTasks)
	assert.Equal(t, 600*time.Second, cfg.Engine.TaskTimeout)
	assert.Equal(t, 3, cfg.Engine.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Engine.RetryBackoff)
	assert.Equal(t, 2.0, cfg.Engine.RetryBackoffFactor)
	assert.Equal(t, 10, cfg.Engine.CheckpointAfterTasks)
	assert.Equal(t, 100, cfg.Engine.MaxSnapshots)
	assert.True(t, cfg.Engine.AutoSnapshot)
	assert.Equal(t, 300*time.Second, cfg.Engine.SnapshotMinInterval)
	assert.Equal(t, 1000, cfg.Engine.CacheCapacity)
	assert.Equal(t, []float64{0.5, 0.75, 0.9, 1.0}, cfg.Engine.BudgetAlertThresholds)
	assert.Equal(t, 5, cfg.Engine.FailureThresholdPerHour)
	assert.Equal(t, 3, cfg.Engine.MaxRecoveryAttempts)
	assert.False(t, cfg.Engine.ContinueOnError)
	assert.True(t, cfg.Engine.EnableResearch)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "anthropic", cfg.Generator)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
strategy: seq
max_concurrent_tasks: 2
task_timeout_seconds: 30
budget_usd: 12.5
continue_on_error: true
generator: openai
model: gpt-4o-mini
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, engine.StrategySequential, cfg.Engine.Strategy)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Engine.TaskTimeout)
	assert.Equal(t, 12.5, cfg.Engine.BudgetUSD)
	assert.True(t, cfg.Engine.ContinueOnError)
	assert.Equal(t, "openai", cfg.Generator)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strategy: zigzag\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoadRejectsBadConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_tasks: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAUDE_CODE_LOG_LEVEL", "debug")
	t.Setenv("CLAUDE_CODE_OUTPUT_DIR", "/tmp/forge-out")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/forge-out", cfg.OutputDir)
	assert.Equal(t, "sk-test", cfg.AnthropicAPIKey)
}

func TestStatePathCreatesDirectory(t *testing.T) {
	cfg := &Config{StateDir: filepath.Join(t.TempDir(), "nested", "state")}
	path, err := cfg.StatePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.StateDir, "execution_state.db"), path)

	info, err := os.Stat(cfg.StateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
