package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/patterns"
	"github.com/spf13/cobra"
)

// validationReport is the per-document outcome in --json output.
type validationReport struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate experiment, plan, and library documents",
		Long: `Validate documents without running anything.

The document kind is inferred from the extension: .cue files are
experiment configurations, .json files are plan documents, .yaml and
.yml files are pattern libraries. Use --kind to override. With no
arguments the experiment file itself is validated.`,
		Example: `  # Validate the experiment file
  simforge validate

  # Validate a plan and a pattern library together
  simforge validate plan.json libraries/comsol.yaml

  # Force the document kind
  simforge validate draft.txt --kind plan`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			paths := args
			if len(paths) == 0 {
				switch {
				case configPath != "":
					paths = []string{configPath}
				default:
					if _, err := os.Stat(defaultConfigFile); err != nil {
						return fmt.Errorf("nothing to validate: pass paths or --config")
					}
					paths = []string{defaultConfigFile}
				}
			}

			parser := config.NewCUEParser()
			reports := make([]validationReport, 0, len(paths))
			failures := 0
			for _, path := range paths {
				docKind := kind
				if docKind == "" {
					docKind = detectDocumentKind(path)
				}
				report := validationReport{Path: path, Kind: docKind, Valid: true}
				if err := validateDocument(ctx, parser, docKind, path); err != nil {
					report.Valid = false
					report.Error = err.Error()
					failures++
				}
				reports = append(reports, report)
			}

			if jsonOutput {
				if err := printJSON(reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if r.Valid {
						fmt.Printf("✓ %s (%s)\n", r.Path, r.Kind)
					} else {
						fmt.Printf("✗ %s (%s)\n  %s\n", r.Path, r.Kind, r.Error)
					}
				}
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d document(s) failed validation", failures, len(paths))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "document kind: experiment, plan, or library (default by extension)")

	return cmd
}

func detectDocumentKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "plan"
	case ".yaml", ".yml":
		return "library"
	default:
		return "experiment"
	}
}

func validateDocument(ctx context.Context, parser *config.CUEParser, kind, path string) error {
	switch kind {
	case "experiment":
		parsed, err := parser.Parse(ctx, []string{path})
		if err != nil {
			return err
		}
		if len(parsed.Errors) > 0 {
			return config.ValidationErrors(parsed.Errors)
		}
		cfg := parsed.Config
		cfg.ApplyDefaults()
		return cfg.Validate()
	case "plan":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := parser.SchemaRegistry().ValidatePlanDocument(ctx, data, path); err != nil {
			return err
		}
		_, err = engine.ParsePlan(data)
		return err
	case "library":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		backend := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		_, err = patterns.ParseLibrary(backend, data)
		return err
	default:
		return fmt.Errorf("unknown document kind %q (want experiment, plan, or library)", kind)
	}
}
