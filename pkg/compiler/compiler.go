package compiler

import (
	"fmt"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/patterns"
	"github.com/simforge/simforge/pkg/telemetry"
)

// Preamble section names. Stage sections reuse the engine.Stage strings.
const (
	sectionImports = "imports"
	sectionInit    = "init"
)

// Compile renders a plan against a pattern library.
//
// The result is a pure function of the three inputs. Strict mode returns
// MissingPattern or UnboundPlaceholder errors; tolerant mode records the
// same conditions as warnings and keeps going.
func Compile(lib *patterns.Library, plan *engine.Plan, mode engine.Mode) (*engine.Script, error) {
	if lib == nil {
		return nil, engine.NewConfigError("compile requires a pattern library", nil)
	}
	if plan == nil {
		return nil, engine.NewConfigError("compile requires a plan", nil)
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	c := &compilation{
		lib:    lib,
		plan:   plan,
		strict: mode == engine.ModeStrict,
		fields: plan.TopLevelFields(),
	}
	if err := c.run(); err != nil {
		return nil, err
	}

	// Each item leaves a trailing separator; the last one is noise.
	for len(c.lines) > 0 && c.lines[len(c.lines)-1] == "" {
		c.lines = c.lines[:len(c.lines)-1]
	}

	return &engine.Script{
		Backend:  lib.Backend,
		Lines:    c.lines,
		Warnings: c.warnings,
	}, nil
}

// compilation is the walk state of a single Compile call.
type compilation struct {
	lib    *patterns.Library
	plan   *engine.Plan
	strict bool
	fields engine.Params

	lines    []string
	warnings []string
}

func (c *compilation) run() error {
	if err := c.preamble(sectionImports, c.lib.Imports); err != nil {
		return err
	}
	if err := c.preamble(sectionInit, c.lib.Init); err != nil {
		return err
	}
	for _, stage := range engine.AllStages() {
		if stage == engine.StageAnalyze {
			if err := c.analyze(); err != nil {
				return err
			}
			continue
		}
		if err := c.stage(stage); err != nil {
			return err
		}
	}
	return nil
}

// preamble emits a library line list templated against top-level fields.
func (c *compilation) preamble(section string, tmpl []string) error {
	if len(tmpl) == 0 {
		return nil
	}
	c.sectionComment(section)
	if err := c.emit(tmpl, c.fields, section, section); err != nil {
		return err
	}
	c.blank()
	return nil
}

// stage emits every plan item of one stage in plan order.
func (c *compilation) stage(stage engine.Stage) error {
	items := c.plan.Stages[stage]
	if len(items) == 0 {
		return nil
	}
	section := string(stage)
	c.sectionComment(section)
	for _, item := range items {
		if err := c.item(section, &item); err != nil {
			return err
		}
	}
	return nil
}

// analyze dispatches on the library's analyze shape. List form is a fixed
// command sequence emitted once per script; map form behaves like any other
// category and follows the plan's analyze items. A plan with analyze items
// against a library with neither shape has nothing to bind to, which is
// surfaced as a warning rather than output.
func (c *compilation) analyze() error {
	section := string(engine.StageAnalyze)
	if len(c.lib.AnalyzeList) > 0 {
		c.sectionComment(section)
		if err := c.emit(c.lib.AnalyzeList, c.fields, patterns.KeyAnalyze, section); err != nil {
			return err
		}
		c.blank()
		return nil
	}
	if c.lib.HasAnalyzeCategory() {
		return c.stage(engine.StageAnalyze)
	}
	if len(c.plan.Stages[engine.StageAnalyze]) > 0 {
		c.warnf("library %q has no analyze section, plan analyze items ignored", c.lib.Backend)
	}
	return nil
}

// item resolves one plan item and emits its substituted template.
func (c *compilation) item(section string, item *engine.Item) error {
	p, ok := c.lib.Lookup(item.Type)
	if !ok {
		if c.strict {
			return engine.NewMissingPatternError(item.Type, section).WithBackend(c.lib.Backend)
		}
		c.warnf("no pattern for type %q in section %s", item.Type, section)
		c.lines = append(c.lines, fmt.Sprintf("# WARNING: no pattern for type %q", item.Type))
		c.blank()
		return nil
	}

	c.lines = append(c.lines, itemComment(p, item))
	if err := c.emit(p.Lines, item.Params, item.Type, section); err != nil {
		return err
	}
	c.blank()
	return nil
}

// emit substitutes each template line and appends it. owner names the
// template holder, a type name or a preamble section, for error context.
func (c *compilation) emit(tmpl []string, params engine.Params, owner, section string) error {
	for _, line := range tmpl {
		out, unbound := substitute(line, params)
		if len(unbound) > 0 {
			if c.strict {
				return engine.NewUnboundPlaceholderError(unbound[0], owner, section).WithBackend(c.lib.Backend)
			}
			for _, name := range unbound {
				c.warnf("unbound placeholder {%s} in %s (section %s)", name, owner, section)
			}
		}
		c.lines = append(c.lines, out)
	}
	return nil
}

func (c *compilation) sectionComment(section string) {
	c.lines = append(c.lines, fmt.Sprintf("# --- %s ---", section))
}

func (c *compilation) blank() {
	c.lines = append(c.lines, "")
}

func (c *compilation) warnf(format string, args ...interface{}) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// itemComment builds the per-item marker line, carrying the item's ID when
// its params declare one.
func itemComment(p *patterns.Pattern, item *engine.Item) string {
	if id := item.ID(); id != "" {
		return fmt.Sprintf("# %s: %s (ID: %s)", p.Category, p.Type, id)
	}
	return fmt.Sprintf("# %s: %s", p.Category, p.Type)
}

// Compiler binds Compile to a pattern registry. It implements the
// engine.Compiler contract used by the repair loop.
type Compiler struct {
	reg *patterns.Registry
	log *telemetry.Logger
}

// New creates a Compiler over a pattern registry.
func New(reg *patterns.Registry, tel *telemetry.Telemetry) (*Compiler, error) {
	if reg == nil {
		return nil, engine.NewConfigError("compiler requires a pattern registry", nil)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Compiler{
		reg: reg,
		log: tel.Logger.NewComponentLogger("compiler"),
	}, nil
}

// Compile resolves the backend's library and renders the plan. The backend
// is the cycle's configured one; a plan naming a different backend is
// advisory and only logged.
func (c *Compiler) Compile(backend string, plan *engine.Plan, mode engine.Mode) (*engine.Script, error) {
	lib, err := c.reg.Library(backend)
	if err != nil {
		return nil, err
	}
	if plan != nil && plan.Backend != "" && plan.Backend != backend {
		c.log.WithBackend(backend).Debugf("plan names backend %q, compiling for configured backend", plan.Backend)
	}

	script, err := Compile(lib, plan, mode)
	if err != nil {
		return nil, err
	}
	for _, w := range script.Warnings {
		c.log.WithBackend(backend).Warnf("compile warning: %s", w)
	}
	return script, nil
}
