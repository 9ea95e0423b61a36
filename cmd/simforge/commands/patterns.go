package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/simforge/simforge/pkg/patterns"
	"github.com/spf13/cobra"
)

func newPatternsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect backend pattern libraries",
		Long: `Inspect the pattern libraries under the configured library directory.

A pattern library maps plan item types to script templates for one
backend. The compiler binds plan items to these templates, so the
listing here is exactly the vocabulary plans may use.`,
	}

	cmd.AddCommand(newPatternsListCommand())
	cmd.AddCommand(newPatternsShowCommand())

	return cmd
}

// libraryReport summarizes one backend library in --json output.
type libraryReport struct {
	Backend    string           `json:"backend"`
	Types      int              `json:"types"`
	Categories []categoryReport `json:"categories"`
	Imports    int              `json:"import_lines"`
	Init       int              `json:"init_lines"`
	Analyze    int              `json:"analyze_lines,omitempty"`
}

type categoryReport struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`
}

func newPatternsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [backend...]",
		Short: "List pattern libraries and their types",
		Example: `  # List every library in the library directory
  simforge patterns list

  # List one backend
  simforge patterns list comsol`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			backends := args
			if len(backends) == 0 {
				backends, err = discoverBackends(cfg.LibraryDir)
				if err != nil {
					return err
				}
				if len(backends) == 0 {
					return fmt.Errorf("no pattern libraries under %s", cfg.LibraryDir)
				}
			}

			tel, err := setupTelemetry(cfg)
			if err != nil {
				return err
			}
			registry, err := patterns.NewRegistry(cfg.LibraryDir, backends, tel)
			if err != nil {
				return err
			}

			reports := make([]libraryReport, 0, len(backends))
			for _, backend := range registry.Backends() {
				lib, err := registry.Library(backend)
				if err != nil {
					return fmt.Errorf("failed to load library %q: %w", backend, err)
				}
				reports = append(reports, summarizeLibrary(lib))
			}

			if jsonOutput {
				return printJSON(reports)
			}
			for i, r := range reports {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("Backend %s: %d type(s) in %d categor(ies)\n", r.Backend, r.Types, len(r.Categories))
				for _, c := range r.Categories {
					fmt.Printf("  %s (%d): %s\n", c.Name, len(c.Types), strings.Join(c.Types, ", "))
				}
				if r.Analyze > 0 {
					fmt.Printf("  analyze: %d fixed line(s)\n", r.Analyze)
				}
				fmt.Printf("  preamble: %d import line(s), %d init line(s)\n", r.Imports, r.Init)
			}
			return nil
		},
	}

	return cmd
}

func newPatternsShowCommand() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "show <type>",
		Short: "Show one pattern's template",
		Example: `  # Show a pattern from the configured backend
  simforge patterns show parallel_plate

  # Show a pattern from another backend
  simforge patterns show coil --backend elmer`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			typeName := args[0]

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			target := cfg.Backend
			if backend != "" {
				target = backend
			}

			tel, err := setupTelemetry(cfg)
			if err != nil {
				return err
			}
			registry, err := patterns.NewRegistry(cfg.LibraryDir, []string{target}, tel)
			if err != nil {
				return err
			}
			lib, err := registry.Library(target)
			if err != nil {
				return err
			}

			p, ok := lib.Lookup(typeName)
			if !ok {
				return fmt.Errorf("no pattern %q in backend %q", typeName, target)
			}

			if jsonOutput {
				return printJSON(struct {
					Backend  string   `json:"backend"`
					Category string   `json:"category"`
					Type     string   `json:"type"`
					Lines    []string `json:"lines"`
				}{target, p.Category, p.Type, p.Lines})
			}
			fmt.Printf("# %s / %s / %s\n", target, p.Category, p.Type)
			for _, line := range p.Lines {
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "backend ID (overrides the experiment file)")

	return cmd
}

// discoverBackends scans the library directory for per-backend documents.
func discoverBackends(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read library directory: %w", err)
	}
	seen := make(map[string]bool)
	var backends []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		backend := strings.TrimSuffix(name, filepath.Ext(name))
		if backend == "" || seen[backend] {
			continue
		}
		seen[backend] = true
		backends = append(backends, backend)
	}
	sort.Strings(backends)
	return backends, nil
}

func summarizeLibrary(lib *patterns.Library) libraryReport {
	r := libraryReport{
		Backend: lib.Backend,
		Types:   lib.TypeCount(),
		Imports: len(lib.Imports),
		Init:    len(lib.Init),
		Analyze: len(lib.AnalyzeList),
	}
	for _, name := range lib.Categories() {
		cat, ok := lib.Category(name)
		if !ok {
			continue
		}
		cr := categoryReport{Name: name}
		for _, p := range cat.Patterns() {
			cr.Types = append(cr.Types, p.Type)
		}
		r.Categories = append(r.Categories, cr)
	}
	return r
}
