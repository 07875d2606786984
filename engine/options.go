package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
	"github.com/buildforge/buildforge/engine/store"
)

// Strategy selects the scheduling discipline inside a phase.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyDependency Strategy = "dependency"
	StrategyPriority   Strategy = "priority"
)

// ParseStrategy accepts both the full names and the CLI short forms
// (seq, par, dep, pri).
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "seq", "sequential":
		return StrategySequential, nil
	case "par", "parallel":
		return StrategyParallel, nil
	case "dep", "dependency", "dependency-based", "":
		return StrategyDependency, nil
	case "pri", "priority", "priority-based":
		return StrategyPriority, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Config holds every recognized engine option. The zero value is unusable;
// start from DefaultConfig.
type Config struct {
	Strategy           Strategy
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	RetryBackoffFactor float64

	CheckpointAfterTasks int
	MaxSnapshots         int
	AutoSnapshot         bool
	SnapshotMinInterval  time.Duration
	CacheCapacity        int

	BudgetUSD             float64
	BudgetAlertThresholds []float64

	FailureThresholdPerHour int
	MaxRecoveryAttempts     int

	ContinueOnError bool
	RetryFailed     bool

	EnableResearch bool
	EnableMCP      bool
	EnableRules    bool

	// DryRun plans and reports without executing tasks.
	DryRun bool

	// SkipValidation disables the global validation pass.
	SkipValidation bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyDependency,
		MaxConcurrentTasks:      5,
		TaskTimeout:             600 * time.Second,
		RetryAttempts:           3,
		RetryBackoff:            time.Second,
		RetryBackoffFactor:      2.0,
		CheckpointAfterTasks:    10,
		MaxSnapshots:            100,
		AutoSnapshot:            true,
		SnapshotMinInterval:     300 * time.Second,
		CacheCapacity:           1000,
		BudgetAlertThresholds:   []float64{0.5, 0.75, 0.9, 1.0},
		FailureThresholdPerHour: 5,
		MaxRecoveryAttempts:     3,
		RetryFailed:             true,
		EnableResearch:          true,
		EnableMCP:               true,
		EnableRules:             true,
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryBackoffFactor != 0 && c.RetryBackoffFactor < 1 {
		return fmt.Errorf("retry_backoff_factor must be >= 1, got %v", c.RetryBackoffFactor)
	}
	for _, t := range c.BudgetAlertThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("budget alert threshold %v out of (0,1]", t)
		}
	}
	switch c.Strategy {
	case StrategySequential, StrategyParallel, StrategyDependency, StrategyPriority:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}

// Option configures an Engine at construction.
type Option func(*Engine) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithStore sets the state store. Without it the engine uses an in-memory
// store: checkpoints work within the process, but nothing survives a
// restart, so resume across processes needs a persistent store.
func WithStore(manager *store.Manager) Option {
	return func(e *Engine) error {
		e.state = manager
		return nil
	}
}

// WithEmitter sets the event emitter. Defaults to a NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) error {
		e.emitter = emitter
		return nil
	}
}

// WithGenerator sets the code generator backend. Required for
// code-generation tasks.
func WithGenerator(g gen.Generator) Option {
	return func(e *Engine) error {
		e.generator = g
		return nil
	}
}

// WithResearcher sets the research backend. Optional.
func WithResearcher(r gen.Researcher) Option {
	return func(e *Engine) error {
		e.researcher = r
		return nil
	}
}

// WithFileSink sets the artifact sink. Defaults to a LocalSink rooted at
// the execution's project root.
func WithFileSink(sink FileSink) Option {
	return func(e *Engine) error {
		e.sink = sink
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) error {
		e.log = logger
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *Validator) Option {
	return func(e *Engine) error {
		e.validator = v
		return nil
	}
}

// WithTaskHandler registers a handler for a custom task kind, or overrides
// a built-in one.
func WithTaskHandler(kind string, handler TaskHandler) Option {
	return func(e *Engine) error {
		e.extraHandlers[kind] = handler
		return nil
	}
}
