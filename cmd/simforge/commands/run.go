package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/simforge/simforge/pkg/compiler"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/generators"
	"github.com/simforge/simforge/pkg/patterns"
	"github.com/simforge/simforge/pkg/policy"
	"github.com/simforge/simforge/pkg/runner"
	"github.com/simforge/simforge/pkg/stores"
	"github.com/simforge/simforge/pkg/telemetry"
	"github.com/simforge/simforge/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		task        string
		backend     string
		mode        string
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one experiment repair cycle",
		Long: `Run one generate-compile-execute-evaluate cycle for the configured task.

Each attempt asks the design roles for candidate plans, selects one,
compiles it against the backend pattern library, gates it through policy,
executes it, and scores the result artifact. Failed attempts feed a
diagnostic back into the next generation round until an execution
succeeds or the attempt budget runs out.`,
		Example: `  # Run with the experiment file in the current directory
  simforge run

  # Run a one-off task against a specific experiment file
  simforge run --config experiments/capacitor.cue --task "sweep the plate gap"

  # Tighten the repair budget
  simforge run --max-attempts 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if task != "" {
				cfg.Task = task
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if mode != "" {
				cfg.Mode = mode
			}
			if maxAttempts > 0 {
				cfg.Selection.MaxAttempts = maxAttempts
			}
			if cfg.Task == "" {
				return fmt.Errorf("no task to run: set task in the experiment file or pass --task")
			}

			log.Info().
				Str("experiment", cfg.Experiment).
				Str("backend", cfg.Backend).
				Int("max_attempts", cfg.Selection.MaxAttempts).
				Msg("Starting repair cycle")

			tel, err := setupTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			ctx = tel.WithContext(ctx)

			if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
				return fmt.Errorf("failed to create work directory: %w", err)
			}

			deps, cleanup, err := buildLoopDeps(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer cleanup()

			loop, err := engine.NewLoop(deps, cfg.ToLoopConfig(), tel)
			if err != nil {
				return err
			}

			result, runErr := loop.Run(ctx)
			if result != nil {
				if err := printCycleResult(cfg, result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "design brief (overrides the experiment file)")
	cmd.Flags().StringVar(&backend, "backend", "", "backend ID (overrides the experiment file)")
	cmd.Flags().StringVar(&mode, "mode", "", "compile mode: strict or tolerant")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "repair attempt budget")

	return cmd
}

// buildLoopDeps assembles every loop collaborator from configuration. The
// returned cleanup tears them down in reverse construction order and is
// safe to call after a partial failure.
func buildLoopDeps(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (engine.LoopDeps, func(), error) {
	var (
		deps     engine.LoopDeps
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (engine.LoopDeps, func(), error) {
		cleanup()
		return engine.LoopDeps{}, func() {}, err
	}

	client, err := generators.NewClient(cfg.ToGeneratorConfig(), tel)
	if err != nil {
		return fail(err)
	}
	gen := engine.WithTimeout(client, cfg.GenerateTimeout())

	workflow, err := engine.NewWorkflow(gen, nil, cfg.ToWorkflowConfig(), tel)
	if err != nil {
		return fail(err)
	}
	deps.Workflow = workflow

	selector, err := engine.NewSelector(gen, engine.NewGeneratorArbiter(gen, ""), cfg.Selection.K, tel)
	if err != nil {
		return fail(err)
	}
	deps.Selector = selector

	registry, err := patterns.NewRegistry(cfg.LibraryDir, []string{cfg.Backend}, tel)
	if err != nil {
		return fail(err)
	}
	comp, err := compiler.New(registry, tel)
	if err != nil {
		return fail(err)
	}
	deps.Compiler = comp

	checker, err := policy.NewChecker(ctx, cfg.ToCheckerConfig(), tel)
	if err != nil {
		return fail(err)
	}
	deps.Policy = checker

	scorerCfg, err := cfg.ToScorerConfig()
	if err != nil {
		return fail(err)
	}
	scorer, err := engine.NewScorer(scorerCfg, tel)
	if err != nil {
		return fail(err)
	}
	deps.Scorer = scorer

	run, runnerCleanup, err := buildRunner(ctx, cfg, tel)
	if err != nil {
		return fail(err)
	}
	if runnerCleanup != nil {
		cleanups = append(cleanups, runnerCleanup)
	}
	deps.Runner = run

	if !cfg.Store.Disabled {
		store, err := stores.NewSQLiteStore(cfg.ToStoreConfig())
		if err != nil {
			return fail(fmt.Errorf("failed to create store: %w", err))
		}
		if err := store.Init(ctx); err != nil {
			return fail(fmt.Errorf("failed to initialize store: %w", err))
		}
		cleanups = append(cleanups, func() { _ = store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("failed to run migrations: %w", err))
		}

		if retention := cfg.RetentionPeriod(); retention > 0 {
			if pruned, err := store.PruneCycles(ctx, time.Now().Add(-retention)); err != nil {
				tel.Logger.WithError(err).Warn("History pruning failed")
			} else if pruned > 0 {
				tel.Logger.Infof("Pruned %d cycles past retention", pruned)
			}
		}

		recorder := stores.NewAsyncRecorder(store, tel)
		cleanups = append(cleanups, func() { recorder.Close() })
		deps.Store = recorder
		deps.Trajectory = recorder
	}

	return deps, cleanup, nil
}

// buildRunner selects the execution backend. Remote mode owns an SSH
// connection, returned as a cleanup.
func buildRunner(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (engine.Runner, func(), error) {
	switch cfg.Execution.Mode {
	case "sandbox":
		r, err := runner.NewSandbox(cfg.ToSandboxRunnerConfig(), tel)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	case "remote":
		client, err := ssh.NewClient(cfg.ToSSHConfig(), tel)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Execution.Remote.Host, err)
		}
		r, err := runner.NewRemote(cfg.ToRemoteRunnerConfig(), client, tel)
		if err != nil {
			_ = client.Disconnect()
			return nil, nil, err
		}
		return r, func() { _ = client.Disconnect() }, nil
	default:
		r, err := runner.NewLocal(cfg.ToLocalRunnerConfig(), tel)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	}
}

// printCycleResult renders the terminal cycle summary.
func printCycleResult(cfg *config.Config, result *engine.CycleResult) error {
	if jsonOutput {
		return printJSON(result)
	}

	marker := "✓"
	if result.Outcome != engine.OutcomeSucceeded {
		marker = "✗"
	}
	fmt.Printf("\n%s Cycle %s %s after %d attempt(s) in %s\n",
		marker, result.CycleID, result.Outcome, result.Attempts,
		result.Duration().Round(time.Millisecond))

	if score := result.FinalScore; score != nil {
		if score.MetricMissing {
			fmt.Printf("  Score: %s (reward %.2f, metric %q unreadable)\n",
				score.Band, score.Reward, cfg.Scoring.Metric)
		} else {
			fmt.Printf("  Score: %s (reward %.2f, %s=%g)\n",
				score.Band, score.Reward, cfg.Scoring.Metric, score.MetricValue)
		}
	}
	if d := result.LastDiagnostic; d != nil && result.Outcome != engine.OutcomeSucceeded {
		fmt.Printf("  Last failure: [%s] %s\n", d.Stage, d.Summary)
	}
	if result.AbortReason != "" {
		fmt.Printf("  Abort reason: %s\n", result.AbortReason)
	}
	if !cfg.Store.Disabled {
		fmt.Printf("\nInspect with: simforge history show %s\n", result.CycleID)
	}
	return nil
}
