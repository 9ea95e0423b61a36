package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/telemetry"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// defaultConfigFile is tried when --config is not given.
const defaultConfigFile = "experiment.cue"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simforge",
		Short: "Simforge - LLM-driven simulation experiment engine",
		Long: `Simforge designs, compiles, and runs simulation experiments in a
generate-compile-execute-evaluate repair loop.

Features:
  - Role-based experiment design via chat-completion models
  - Typed experiment files via CUE
  - Pattern-library compilation into backend scripts
  - Rego policy gate before every execution
  - Local, sandboxed, or remote (SSH) execution
  - Banded scoring with optional Starlark reward hooks
  - SQLite cycle history and trajectory log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "experiment file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPatternsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadConfig resolves the experiment configuration for a command run.
// Explicit --config wins, then ./experiment.cue, then built-in defaults.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if configPath != "" {
		return config.Load(ctx, configPath)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(ctx, defaultConfigFile)
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, nil
}

// setupTelemetry builds the telemetry stack for a command. The --verbose
// flag lowers the log level regardless of the experiment file.
func setupTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.ToTelemetryConfig()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
