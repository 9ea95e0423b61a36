package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/simforge/simforge/pkg/compiler"
	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/patterns"
	"github.com/spf13/cobra"
)

func newCompileCommand() *cobra.Command {
	var (
		backend string
		mode    string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "compile <plan.json>",
		Short: "Compile a plan document into a backend script",
		Long: `Compile a plan document against a backend pattern library without
running the design loop.

The backend is taken from the plan document, then the --backend flag,
then the experiment file. Strict mode fails on missing pattern types and
unbound placeholders; tolerant mode records them as script warnings.`,
		Example: `  # Compile to stdout
  simforge compile plan.json

  # Compile a hand-written plan for a different backend, tolerantly
  simforge compile plan.json --backend elmer --mode tolerant -o experiment.py`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			plan, err := engine.ParsePlan(data)
			if err != nil {
				return err
			}

			target := plan.Backend
			if backend != "" {
				target = backend
			}
			if target == "" {
				target = cfg.Backend
			}

			compileMode := engine.Mode(cfg.Mode)
			if mode != "" {
				compileMode = engine.Mode(mode)
			}
			if err := compileMode.Validate(); err != nil {
				return err
			}

			log.Info().
				Str("plan", args[0]).
				Str("backend", target).
				Str("mode", string(compileMode)).
				Msg("Compiling plan")

			tel, err := setupTelemetry(cfg)
			if err != nil {
				return err
			}

			registry, err := patterns.NewRegistry(cfg.LibraryDir, []string{target}, tel)
			if err != nil {
				return err
			}
			comp, err := compiler.New(registry, tel)
			if err != nil {
				return err
			}

			script, err := comp.Compile(target, plan, compileMode)
			if err != nil {
				return err
			}

			for _, w := range script.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}

			if jsonOutput && (output == "" || output == "-") {
				return printJSON(script)
			}
			if output == "" || output == "-" {
				fmt.Print(script.Text())
				return nil
			}
			if err := os.WriteFile(output, []byte(script.Text()), 0o644); err != nil {
				return fmt.Errorf("failed to write script: %w", err)
			}
			fmt.Printf("✓ Compiled %d line(s) to %s\n", len(script.Lines), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "backend ID (overrides the plan document)")
	cmd.Flags().StringVar(&mode, "mode", "", "compile mode: strict or tolerant")
	cmd.Flags().StringVarP(&output, "output", "o", "", "script output path (default stdout)")

	return cmd
}
