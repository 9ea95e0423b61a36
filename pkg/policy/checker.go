package policy

import (
	"context"
	"time"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// CheckerConfig configures the execution gate.
type CheckerConfig struct {
	// WorkDir is the directory script writes must stay inside.
	WorkDir string

	// Experiment is the experiment name recorded in the evaluation context.
	Experiment string

	// PolicyPaths lists files or directories of additional policies to load
	// on top of the builtins.
	PolicyPaths []string

	// HotReload reloads PolicyPaths whenever a policy file changes.
	HotReload bool
}

// Checker is the execution gate the cycle loop calls between compilation and
// execution. A denial is a normal outcome; the error return is reserved for
// a policy engine that cannot evaluate at all.
type Checker struct {
	eng *Engine
	cfg CheckerConfig
	log *telemetry.Logger
}

var _ engine.PolicyChecker = (*Checker)(nil)

// NewChecker builds a policy engine, loads the configured policy paths, and
// starts the hot reload watcher when asked to. The watcher stops when ctx is
// cancelled.
func NewChecker(ctx context.Context, cfg CheckerConfig, tel *telemetry.Telemetry) (*Checker, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}

	eng, err := NewEngine(tel)
	if err != nil {
		return nil, engine.NewConfigError("policy engine unavailable", err)
	}

	if len(cfg.PolicyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, engine.NewConfigError("cannot load policies", err)
		}
		if cfg.HotReload {
			if err := eng.Watch(ctx, cfg.PolicyPaths); err != nil {
				// A dead watcher degrades hot reload, not the gate itself.
				tel.Logger.NewComponentLogger("policy").
					WithError(err).
					Warn("policy hot reload unavailable")
			}
		}
	}

	return &Checker{
		eng: eng,
		cfg: cfg,
		log: tel.Logger.NewComponentLogger("policy"),
	}, nil
}

// Engine exposes the underlying policy engine, mainly for listing and
// toggling policies from the CLI.
func (c *Checker) Engine() *Engine {
	return c.eng
}

// Check evaluates the plan and script against every enabled policy.
// Non-blocking findings are logged and do not affect the decision.
func (c *Checker) Check(ctx context.Context, plan *engine.Plan, script *engine.Script) (*engine.PolicyDecision, error) {
	input := &Input{
		WorkDir: c.cfg.WorkDir,
		Plan:    plan,
		Script:  script,
		Context: &EvalContext{
			Experiment: c.cfg.Experiment,
			Operation:  "execute",
			Timestamp:  time.Now(),
		},
	}
	if script != nil {
		input.Backend = script.Backend
	} else if plan != nil {
		input.Backend = plan.Backend
	}

	result, err := c.eng.Evaluate(ctx, input)
	if err != nil {
		return nil, engine.NewConfigError("policy evaluation unavailable", err)
	}

	for i := range result.Violations {
		v := &result.Violations[i]
		if !v.Severity.Blocking() {
			c.log.WithFields(map[string]interface{}{
				"policy": v.Policy,
				"line":   v.Line,
			}).Warnf("policy warning: %s", v.Message)
		}
	}
	for _, w := range result.Warnings {
		c.log.Warn(w)
	}

	return &engine.PolicyDecision{
		Allowed:    result.Allowed,
		Violations: result.Blocking(),
	}, nil
}
