// Package config loads application configuration from file, environment
// and defaults, with flags layered on top by the CLI.
//
// Precedence, highest first: command-line flags, CLAUDE_CODE_* environment
// variables, the config file named by --config or CLAUDE_CODE_CONFIG, and
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/buildforge/buildforge/engine"
)

// Config is the application-level configuration: engine options plus the
// wiring the CLI needs (paths, backends, generator selection).
type Config struct {
	Engine engine.Config

	// StateDir holds the embedded database; the file is
	// <StateDir>/execution_state.db.
	StateDir string

	// OutputDir is the default project root for emitted artifacts.
	OutputDir string

	// TempDir is loaded from configuration but not passed to the engine;
	// command-execution tasks run in the project root.
	TempDir string

	LogLevel string
	LogJSON  bool

	// StoreBackend selects "sqlite" (default) or "mysql".
	StoreBackend string
	MySQLDSN     string

	// Generator selects "anthropic" (default), "openai" or "google";
	// Model overrides the backend's default model.
	Generator string
	Model     string

	// AnthropicAPIKey is read from ANTHROPIC_API_KEY.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
}

// Load reads configuration. An empty path falls back to CLAUDE_CODE_CONFIG
// and then to defaults without a file.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("CLAUDE_CODE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CLAUDE_CODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Engine: engine.Config{
			MaxConcurrentTasks:      v.GetInt("max_concurrent_tasks"),
			TaskTimeout:             time.Duration(v.GetInt("task_timeout_seconds")) * time.Second,
			RetryAttempts:           v.GetInt("retry_attempts"),
			RetryBackoff:            time.Duration(v.GetFloat64("retry_backoff_seconds") * float64(time.Second)),
			RetryBackoffFactor:      v.GetFloat64("retry_backoff_factor"),
			CheckpointAfterTasks:    v.GetInt("checkpoint_after_tasks"),
			MaxSnapshots:            v.GetInt("max_snapshots"),
			AutoSnapshot:            v.GetBool("auto_snapshot"),
			SnapshotMinInterval:     time.Duration(v.GetInt("snapshot_min_interval_seconds")) * time.Second,
			CacheCapacity:           v.GetInt("cache_capacity"),
			BudgetUSD:               v.GetFloat64("budget_usd"),
			FailureThresholdPerHour: v.GetInt("failure_threshold_per_hour"),
			MaxRecoveryAttempts:     v.GetInt("max_recovery_attempts"),
			ContinueOnError:         v.GetBool("continue_on_error"),
			RetryFailed:             v.GetBool("retry_failed_tasks"),
			EnableResearch:          v.GetBool("enable_research"),
			EnableMCP:               v.GetBool("enable_mcp"),
			EnableRules:             v.GetBool("enable_rules"),
		},
		StateDir:        v.GetString("state_dir"),
		OutputDir:       firstNonEmpty(os.Getenv("CLAUDE_CODE_OUTPUT_DIR"), v.GetString("output_dir")),
		TempDir:         firstNonEmpty(os.Getenv("CLAUDE_CODE_TEMP_DIR"), v.GetString("temp_dir")),
		LogLevel:        firstNonEmpty(os.Getenv("CLAUDE_CODE_LOG_LEVEL"), v.GetString("log_level")),
		LogJSON:         v.GetBool("log_json"),
		StoreBackend:    v.GetString("store_backend"),
		MySQLDSN:        v.GetString("mysql_dsn"),
		Generator:       v.GetString("generator"),
		Model:           v.GetString("model"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
	}

	strategy, err := engine.ParseStrategy(v.GetString("strategy"))
	if err != nil {
		return nil, err
	}
	cfg.Engine.Strategy = strategy

	cfg.Engine.BudgetAlertThresholds = engine.DefaultConfig().BudgetAlertThresholds
	if raw := v.Get("budget_alert_thresholds"); raw != nil {
		thresholds, err := parseThresholds(raw)
		if err != nil {
			return nil, err
		}
		if len(thresholds) > 0 {
			cfg.Engine.BudgetAlertThresholds = thresholds
		}
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("strategy", "dep")
	v.SetDefault("max_concurrent_tasks", 5)
	v.SetDefault("task_timeout_seconds", 600)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_backoff_seconds", 1.0)
	v.SetDefault("retry_backoff_factor", 2.0)
	v.SetDefault("checkpoint_after_tasks", 10)
	v.SetDefault("max_snapshots", 100)
	v.SetDefault("auto_snapshot", true)
	v.SetDefault("snapshot_min_interval_seconds", 300)
	v.SetDefault("cache_capacity", 1000)
	v.SetDefault("budget_usd", 0.0)
	v.SetDefault("failure_threshold_per_hour", 5)
	v.SetDefault("max_recovery_attempts", 3)
	v.SetDefault("continue_on_error", false)
	v.SetDefault("retry_failed_tasks", true)
	v.SetDefault("enable_research", true)
	v.SetDefault("enable_mcp", true)
	v.SetDefault("enable_rules", true)

	v.SetDefault("state_dir", filepath.Join(home, ".buildforge", "state"))
	v.SetDefault("output_dir", ".")
	v.SetDefault("temp_dir", os.TempDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("store_backend", "sqlite")
	v.SetDefault("generator", "anthropic")
}

// StatePath returns the embedded database file location, creating the
// directory.
func (c *Config) StatePath() (string, error) {
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return filepath.Join(c.StateDir, "execution_state.db"), nil
}

func parseThresholds(raw any) ([]float64, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("budget_alert_thresholds must be a list, got %T", raw)
	}
	var out []float64
	for _, item := range items {
		var f float64
		switch val := item.(type) {
		case float64:
			f = val
		case int:
			f = float64(val)
		case string:
			if _, err := fmt.Sscanf(val, "%g", &f); err != nil {
				return nil, fmt.Errorf("bad budget_alert_threshold %q", val)
			}
		default:
			return nil, fmt.Errorf("bad budget_alert_threshold %v", item)
		}
		out = append(out, f)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
