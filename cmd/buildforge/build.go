package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/buildforge/buildforge/buildspec"
	"github.com/buildforge/buildforge/config"
	"github.com/buildforge/buildforge/engine"
	"github.com/buildforge/buildforge/engine/emit"
	"github.com/buildforge/buildforge/engine/gen"
	"github.com/buildforge/buildforge/engine/gen/anthropic"
	"github.com/buildforge/buildforge/engine/gen/google"
	"github.com/buildforge/buildforge/engine/gen/openai"
	"github.com/buildforge/buildforge/engine/store"
)

var (
	buildOutput     string
	buildResume     bool
	buildStrategy   string
	buildConcurrent int
	buildBudget     float64
	buildNoValidate bool
	buildDryRun     bool
)

var buildCmd = &cobra.Command{
	Use:   "build <spec>",
	Short: "Execute a project specification",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildOutput, "output", "", "Output directory for generated artifacts")
	buildCmd.Flags().BoolVar(&buildResume, "resume", false, "Resume the latest execution of this project")
	buildCmd.Flags().StringVar(&buildStrategy, "strategy", "", "Scheduling strategy: seq|par|dep|pri")
	buildCmd.Flags().IntVar(&buildConcurrent, "max-concurrent", 0, "Maximum concurrent tasks")
	buildCmd.Flags().Float64Var(&buildBudget, "budget", 0, "Budget in USD (0 disables alerts)")
	buildCmd.Flags().BoolVar(&buildNoValidate, "no-validate", false, "Skip the final validation pass")
	buildCmd.Flags().BoolVar(&buildDryRun, "dry-run", false, "Plan and report without executing")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyBuildFlags(cfg)

	project, err := loadSpec(args[0])
	if err != nil {
		return err
	}

	eng, cleanup, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	root := cfg.OutputDir
	if buildOutput != "" {
		root = buildOutput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result *engine.ExecutionResult
	if buildResume {
		executionID, ferr := latestExecution(ctx, eng, project.Name)
		if ferr != nil {
			return ferr
		}
		result, err = eng.Resume(ctx, project, executionID, root)
	} else {
		result, err = eng.Run(ctx, project, root)
	}

	printResult(result)
	if err != nil {
		return err
	}
	if result.Status != engine.StatusCompleted {
		return &engine.EngineError{Kind: engine.KindExecution, Message: fmt.Sprintf("build finished with status %s", result.Status)}
	}
	return nil
}

func applyBuildFlags(cfg *config.Config) {
	if buildStrategy != "" {
		if s, err := engine.ParseStrategy(buildStrategy); err == nil {
			cfg.Engine.Strategy = s
		}
	}
	if buildConcurrent > 0 {
		cfg.Engine.MaxConcurrentTasks = buildConcurrent
	}
	if buildBudget > 0 {
		cfg.Engine.BudgetUSD = buildBudget
	}
	if buildNoValidate {
		cfg.Engine.SkipValidation = true
	}
	if buildDryRun {
		cfg.Engine.DryRun = true
	}
}

// newEngine wires the configured store backend, generator and observability
// into an engine instance.
func newEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	var backend store.Backend
	switch cfg.StoreBackend {
	case "mysql":
		if cfg.MySQLDSN == "" {
			return nil, nil, badInput("store_backend mysql requires mysql_dsn")
		}
		b, err := store.NewMySQLBackend(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		backend = b
	default:
		path, err := cfg.StatePath()
		if err != nil {
			return nil, nil, err
		}
		b, err := store.NewSQLiteBackend(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open state store: %w", err)
		}
		backend = b
	}

	manager, err := store.NewManager(backend, store.ManagerOptions{
		CacheCapacity:       cfg.Engine.CacheCapacity,
		AutoSnapshot:        cfg.Engine.AutoSnapshot,
		SnapshotMinInterval: cfg.Engine.SnapshotMinInterval,
		MaxSnapshots:        cfg.Engine.MaxSnapshots,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		_ = manager.Close()
		return nil, nil, err
	}

	eng, err := engine.New(
		engine.WithConfig(cfg.Engine),
		engine.WithStore(manager),
		engine.WithGenerator(generator),
		engine.WithEmitter(emit.NewLogEmitter(logger)),
		engine.WithLogger(logger),
		engine.WithMetrics(engine.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		_ = manager.Close()
		return nil, nil, err
	}
	return eng, func() { _ = manager.Close() }, nil
}

func newGenerator(cfg *config.Config) (gen.Generator, error) {
	switch cfg.Generator {
	case "", "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, badInput("ANTHROPIC_API_KEY is not set")
		}
		return anthropic.New(cfg.AnthropicAPIKey, cfg.Model), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, badInput("OPENAI_API_KEY is not set")
		}
		return openai.New(cfg.OpenAIAPIKey, cfg.Model), nil
	case "google":
		if cfg.GoogleAPIKey == "" {
			return nil, badInput("GOOGLE_API_KEY is not set")
		}
		return google.New(cfg.GoogleAPIKey, cfg.Model), nil
	}
	return nil, badInput("unknown generator %q", cfg.Generator)
}

// latestExecution finds the most recent checkpointed execution for a
// project.
func latestExecution(ctx context.Context, eng *engine.Engine, projectID string) (string, error) {
	infos, err := eng.Checkpoints().List(ctx, projectID, nil)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", badInput("no checkpointed execution for project %q", projectID)
	}
	return infos[0].ExecutionID, nil
}

func printResult(result *engine.ExecutionResult) {
	if result == nil {
		return
	}
	fmt.Printf("Execution %s (%s): %s\n", result.ExecutionID, result.SessionID, result.Status)
	for phaseID, phase := range result.Phases {
		completed := 0
		for _, task := range phase.Tasks {
			if task.Succeeded() {
				completed++
			}
		}
		fmt.Printf("  phase %-20s %-10s %d/%d tasks\n", phaseID, phase.Status, completed, len(phase.Tasks))
	}
	if result.TotalCost > 0 {
		fmt.Printf("  total cost: $%.4f\n", result.TotalCost)
	}
	if result.Validation != nil {
		fmt.Printf("  validation: %d errors, %d warnings\n", len(result.Validation.Errors), len(result.Validation.Warnings))
		for i, s := range result.Validation.Suggestions {
			if i >= 3 {
				break
			}
			fmt.Printf("    - %s\n", s)
		}
	}
	if result.Error != "" {
		fmt.Printf("  error: %s\n", result.Error)
	}
}

var planCmd = &cobra.Command{
	Use:   "plan <spec>",
	Short: "Print the planned phase/task graph and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		project, err := loadSpec(args[0])
		if err != nil {
			return err
		}

		eng, err := engine.New()
		if err != nil {
			return err
		}
		plan, err := eng.Plan(project)
		if err != nil {
			return err
		}

		fmt.Printf("Project: %s (%d phases)\n", project.Name, len(plan))
		for i, phase := range plan {
			fmt.Printf("%d. %s (%s)\n", i+1, phase.Name, phase.ID)
			for _, task := range phase.Tasks {
				deps := ""
				if len(task.DependsOn) > 0 {
					deps = " <- " + strings.Join(task.DependsOn, ", ")
				}
				fmt.Printf("   - %s [%s]%s\n", task.ID, task.Kind, deps)
			}
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <execution_id> <spec>",
	Short: "Continue an execution from its latest checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		project, err := loadSpec(args[1])
		if err != nil {
			return err
		}

		eng, cleanup, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, err := eng.Resume(ctx, project, args[0], cfg.OutputDir)
		printResult(result)
		return err
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <output_dir>",
	Short: "Run the validator over existing output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		validator := engine.NewValidator(engine.DefaultValidatorConfig(), logger)
		report := validator.ValidateProject(&buildspec.Project{Name: args[0]}, args[0])

		fmt.Printf("Validation of %s: %d errors, %d warnings\n", args[0], len(report.Errors), len(report.Warnings))
		for _, issue := range report.Errors {
			fmt.Printf("  [%s] %s: %s", issue.Severity, issue.Check, issue.Message)
			if issue.File != "" {
				fmt.Printf(" (%s:%d)", issue.File, issue.Line)
			}
			fmt.Println()
		}
		for _, s := range report.Suggestions {
			fmt.Printf("  suggestion: %s\n", s)
		}
		if !report.Valid() {
			return &engine.EngineError{Kind: engine.KindValidation, Message: "validation failed"}
		}
		return nil
	},
}
