package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/stores"
	"github.com/spf13/cobra"
)

// starterLibrary is a minimal electrostatics vocabulary for the comsol
// backend, enough to compile the starter experiment end to end.
const starterLibrary = `imports:
  - import mph
  - import csv

init:
  - client = mph.start()
  - model = client.create("{model_name}")

geometry_shapes:
  parallel_plate:
    - plates = model.geometry().create("blk", "Block")
    - plates.property("size", ["{width}", "{depth}", "{gap}"])
  cylinder:
    - cyl = model.geometry().create("cyl", "Cylinder")
    - cyl.property("r", "{radius}")
    - cyl.property("h", "{height}")

materials:
  air:
    - mat = model.material().create("air", "Common")
    - mat.property("relpermittivity", "1.0")
  dielectric:
    - mat = model.material().create("diel", "Common")
    - mat.property("relpermittivity", "{epsilon_r}")

physics:
  electrostatics:
    - es = model.physics().create("es", "Electrostatics")
    - es.feature("term").property("V0", "{voltage}")

studies:
  stationary:
    - study = model.study().create("std1")
    - study.feature("stat", "Stationary")

probes:
  terminal_voltage:
    - probe = model.result().numerical().create("gev", "EvalGlobal")
    - probe.property("expr", "es.V0_1")

analyze:
  - model.solve()
  - table = model.result().numerical("gev").getReal()
  - writer = csv.writer(open("results.csv", "w"))
  - writer.writerow(["volts"])
  - writer.writerow([table[0][0]])
`

// starterExperiment seeds a runnable experiment file. API key and SSH
// password come from the environment, never from this file.
const starterExperiment = `experiment: "starter"
task:       "Model a parallel plate capacitor in air and report the terminal voltage."
backend:    "comsol"

generator: {
	base_url: "http://localhost:11434/v1"
	model:    "qwen2.5-coder:14b"
}

selection: {
	k:            3
	max_attempts: 3
}

scoring: {
	metric: "volts"
	bands: [
		{name: "high", min: 100.0, reward: 10.0},
		{name: "medium", min: 10.0, reward: 5.0},
		{name: "low", min: 0.0, reward: 1.0},
	]
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a simforge workspace",
		Long: `Initialize a workspace in the current directory: work and library
directories, a starter experiment file, a starter pattern library, and
the history database.

Existing files are left alone unless --force is given.`,
		Example: `  # Scaffold a workspace
  simforge init

  # Overwrite the starter files
  simforge init --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", configPath).Msg("Initializing workspace")

			ctx := context.Background()

			cfg := config.DefaultConfig()

			fmt.Printf("Initializing simforge workspace in %s\n\n", mustGetwd())

			// Step 1: Create directory structure
			dirs := []string{cfg.WorkDir, cfg.LibraryDir}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Write the starter pattern library
			libraryPath := filepath.Join(cfg.LibraryDir, cfg.Backend+".yaml")
			wrote, err := writeStarterFile(libraryPath, starterLibrary, force)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("✓ Created pattern library: %s\n", libraryPath)
			} else {
				fmt.Printf("✓ Pattern library already exists: %s\n", libraryPath)
			}

			// Step 3: Write the starter experiment file
			experimentPath := configPath
			if experimentPath == "" {
				experimentPath = defaultConfigFile
			}
			wrote, err = writeStarterFile(experimentPath, starterExperiment, force)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("✓ Created experiment file: %s\n", experimentPath)
			} else {
				fmt.Printf("✓ Experiment file already exists: %s\n", experimentPath)
			}

			// Step 4: Initialize the history database
			store, err := stores.NewSQLiteStore(cfg.ToStoreConfig())
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized history database: %s\n", cfg.Store.Path)

			// Done
			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Point the generator at your model endpoint in %s\n", experimentPath)
			fmt.Printf("     and export SIMFORGE_API_KEY if it needs one.\n\n")
			fmt.Printf("  2. Run a cycle:\n")
			fmt.Printf("     simforge run\n\n")
			fmt.Printf("  3. Inspect the history:\n")
			fmt.Printf("     simforge history list\n\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing starter files")

	return cmd
}

// writeStarterFile writes content unless the path already exists.
func writeStarterFile(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
