package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored cycle history",
		Long: `Inspect repair cycles, attempts, and trajectory records persisted by
previous runs.

History lives in the experiment's SQLite store. Runs with the store
disabled leave no history.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryTrajectoriesCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

// openStore opens the configured history store, running migrations so
// older database files stay readable.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, func(), error) {
	store, err := stores.NewSQLiteStore(cfg.ToStoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	closeStore := func() { _ = store.Close() }
	if err := store.Migrate(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, closeStore, nil
}

func newHistoryListCommand() *cobra.Command {
	var (
		experiment string
		status     string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored cycles",
		Example: `  # Most recent cycles
  simforge history list

  # Failed cycles of one experiment
  simforge history list --experiment capacitor --status exhausted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var experimentFilter *string
			if experiment != "" {
				experimentFilter = &experiment
			}
			var statusFilter *stores.CycleStatus
			if status != "" {
				s := stores.CycleStatus(status)
				switch s {
				case stores.CycleStatusRunning, stores.CycleStatusSucceeded,
					stores.CycleStatusExhausted, stores.CycleStatusAborted,
					stores.CycleStatusCancelled:
				default:
					return fmt.Errorf("unknown status %q", status)
				}
				statusFilter = &s
			}

			cycles, err := store.ListCycles(ctx, experimentFilter, statusFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cycles)
			}
			if len(cycles) == 0 {
				fmt.Println("No cycles recorded.")
				return nil
			}
			fmt.Printf("%-36s  %-12s  %-8s  %-9s  %8s  %-8s  %s\n",
				"CYCLE", "EXPERIMENT", "BACKEND", "STATUS", "ATTEMPTS", "BAND", "STARTED")
			for _, c := range cycles {
				band := "-"
				if c.ScoreBand != nil {
					band = *c.ScoreBand
				}
				fmt.Printf("%-36s  %-12s  %-8s  %-9s  %8d  %-8s  %s\n",
					c.ID, c.Experiment, c.Backend, c.Status, c.Attempts, band,
					c.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&experiment, "experiment", "", "filter by experiment name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, succeeded, exhausted, aborted, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum cycles to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "cycles to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cycle-id>",
		Short: "Show one cycle with its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cycleID := args[0]

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			cycle, err := store.GetCycle(ctx, cycleID)
			if err != nil {
				return err
			}
			attempts, err := store.ListAttempts(ctx, cycleID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Cycle    *stores.Cycle     `json:"cycle"`
					Attempts []*stores.Attempt `json:"attempts"`
				}{cycle, attempts})
			}

			fmt.Printf("Cycle %s\n", cycle.ID)
			fmt.Printf("  Experiment: %s\n", cycle.Experiment)
			fmt.Printf("  Backend:    %s\n", cycle.Backend)
			fmt.Printf("  Status:     %s\n", cycle.Status)
			fmt.Printf("  Attempts:   %d\n", cycle.Attempts)
			if cycle.ScoreBand != nil {
				line := fmt.Sprintf("  Score:      %s", *cycle.ScoreBand)
				if cycle.Reward != nil {
					line += fmt.Sprintf(" (reward %.2f", *cycle.Reward)
					if cycle.MetricValue != nil {
						line += fmt.Sprintf(", metric %g", *cycle.MetricValue)
					}
					line += ")"
				}
				fmt.Println(line)
			}
			if cycle.AbortReason != nil {
				fmt.Printf("  Aborted:    %s\n", *cycle.AbortReason)
			}
			fmt.Printf("  Started:    %s\n", cycle.StartedAt.Format(time.RFC3339))
			if cycle.CompletedAt != nil {
				fmt.Printf("  Completed:  %s\n", cycle.CompletedAt.Format(time.RFC3339))
			}

			for _, a := range attempts {
				fmt.Printf("\nAttempt %d (reached %s, %s)\n",
					a.Index, a.StageReached,
					a.CompletedAt.Sub(a.StartedAt).Round(time.Millisecond))
				if a.ExitCode != nil {
					fmt.Printf("  Exit code: %d\n", *a.ExitCode)
				}
				if a.ScoreBand != nil {
					if a.Reward != nil {
						fmt.Printf("  Score:     %s (reward %.2f)\n", *a.ScoreBand, *a.Reward)
					} else {
						fmt.Printf("  Score:     %s\n", *a.ScoreBand)
					}
				}
				if summary := diagnosticSummary(a.Diagnostic); summary != "" {
					fmt.Printf("  Failure:   %s\n", summary)
				}
			}
			return nil
		},
	}

	return cmd
}

func newHistoryTrajectoriesCommand() *cobra.Command {
	var (
		cycleID string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "trajectories",
		Short: "List stored trajectory records",
		Long: `List prompt, response, and reward records.

Trajectories are the training-signal view of the history: one record per
attempt, whatever its outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var cycleFilter *string
			if cycleID != "" {
				cycleFilter = &cycleID
			}
			trajectories, err := store.ListTrajectories(ctx, cycleFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(trajectories)
			}
			if len(trajectories) == 0 {
				fmt.Println("No trajectories recorded.")
				return nil
			}
			for _, tr := range trajectories {
				fmt.Printf("%s #%d reward=%.2f\n", tr.CycleID, tr.AttemptIndex, tr.Reward)
				fmt.Printf("  prompt: %s\n", truncateLine(tr.Prompt, 100))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cycleID, "cycle", "", "filter by cycle ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished cycles older than a cutoff",
		Long: `Delete finished cycles, with their attempts and trajectories, older
than the given age. Running cycles are never pruned.`,
		Example: `  # Drop everything older than 30 days
  simforge history prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be a positive duration")
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			pruned, err := store.PruneCycles(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(struct {
					Pruned int64 `json:"pruned"`
				}{pruned})
			}
			fmt.Printf("✓ Pruned %d cycle(s)\n", pruned)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of cycles to prune, e.g. 720h")
	cmd.MarkFlagRequired("older-than")

	return cmd
}

// diagnosticSummary renders a stored diagnostic blob as one line.
func diagnosticSummary(blob *string) string {
	if blob == nil || *blob == "" {
		return ""
	}
	var d engine.Diagnostic
	if err := json.Unmarshal([]byte(*blob), &d); err != nil {
		return truncateLine(*blob, 100)
	}
	return fmt.Sprintf("[%s] %s", d.Stage, d.Summary)
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
