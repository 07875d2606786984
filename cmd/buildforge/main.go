// Command buildforge plans and executes code-generation builds from
// declarative project specifications.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/config"
	"github.com/buildforge/buildforge/engine"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailed   = 1 // build failed but was reported cleanly
	exitBadInput = 2 // invalid input or spec
	exitAborted  = 3 // aborted by user
	exitInternal = 4 // unrecoverable internal error
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "buildforge",
	Short: "BuildForge - LLM-backed build orchestrator",
	Long: `BuildForge turns a declarative project specification into a source
tree by planning phases of dependent tasks and executing them against an
LLM generator, with durable checkpoints, cost tracking and validation.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("BuildForge %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $CLAUDE_CODE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(examplesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps error classes onto the documented exit codes.
func exitCodeFor(err error) int {
	if errors.Is(err, engine.ErrCancelled) {
		return exitAborted
	}

	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case engine.KindPlanning:
			return exitBadInput
		case engine.KindExecution, engine.KindValidation, engine.KindTimeout, engine.KindRecovery:
			return exitFailed
		default:
			return exitInternal
		}
	}

	var cycleErr *buildspec.CycleError
	if errors.As(err, &cycleErr) {
		return exitBadInput
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		return exitBadInput
	}
	return exitInternal
}

// usageError marks bad CLI input (missing files, malformed specs).
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func badInput(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// loadConfig reads configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, badInput("load config: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON {
		cfg.LogJSON = true
	}
	logger = newLogger(cfg.LogLevel, cfg.LogJSON)
	return cfg, nil
}

func newLogger(level string, jsonOut bool) zerolog.Logger {
	var zl zerolog.Level
	switch level {
	case "debug":
		zl = zerolog.DebugLevel
	case "warn":
		zl = zerolog.WarnLevel
	case "error":
		zl = zerolog.ErrorLevel
	default:
		zl = zerolog.InfoLevel
	}

	if jsonOut {
		return zerolog.New(os.Stderr).Level(zl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(zl).With().Timestamp().Logger()
}

// loadSpec parses and validates a project spec file.
func loadSpec(path string) (*buildspec.Project, error) {
	project, err := buildspec.Load(path)
	if err != nil {
		return nil, badInput("%v", err)
	}
	return project, nil
}
