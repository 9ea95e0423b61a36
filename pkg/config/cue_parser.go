package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser parses experiment files and validates them against the
// experiment schema.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a parser. The parser compiles through the schema
// registry's context so parsed values can unify with registered schemas.
func NewCUEParser() *CUEParser {
	schemas := NewSchemaRegistry()
	return &CUEParser{
		ctx:     schemas.Context(),
		schemas: schemas,
	}
}

// SchemaRegistry returns the parser's schema registry.
func (cp *CUEParser) SchemaRegistry() *SchemaRegistry {
	return cp.schemas
}

// ParsedExperiment is the outcome of one parse pass: the decoded
// configuration when parsing succeeded, and every problem found when it
// did not.
type ParsedExperiment struct {
	// Config is the decoded configuration, nil when Errors is non-empty.
	Config *Config `json:"config,omitempty"`

	// SourceFiles are the files that contributed to the configuration.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists all parse and validation problems.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Parse loads one or more CUE sources, unifies them, validates the result
// against the experiment schema, and decodes it. Sources may be files or
// directories; directory sources are loaded as CUE packages, so their
// files need a package clause.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedExperiment, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedExperiment{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedExperiment{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedExperiment, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedExperiment{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return cp.extractConfig(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig validates a parsed value against the experiment schema
// and decodes it into a Config.
func (cp *CUEParser) extractConfig(ctx context.Context, val cue.Value, sourceFiles []string) *ParsedExperiment {
	parsed := &ParsedExperiment{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	if err := cp.schemas.ValidateValue(ctx, "experiment", val); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	var cfg Config
	if err := val.Decode(&cfg); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode configuration: %v", err),
			Severity: "error",
		})
		return parsed
	}

	parsed.Config = &cfg
	return parsed
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// Load parses the given sources and returns a validated configuration
// with defaults and environment overlays applied. Multiple sources unify,
// later files refining earlier ones.
func Load(ctx context.Context, sources ...string) (*Config, error) {
	parser := NewCUEParser()
	parsed, err := parser.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ValidationErrors(parsed.Errors)
	}

	cfg := parsed.Config
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
