package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/simforge/simforge/pkg/telemetry"
)

// Engine compiles Rego policies and evaluates them against plan and script
// inputs. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	loader   *Loader
	log      *telemetry.Logger
	builtins []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies installed.
func NewEngine(tel *telemetry.Telemetry) (*Engine, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		loader:   NewLoader(tel),
		log:      tel.Logger.NewComponentLogger("policy"),
		builtins: BuiltinPolicies(),
	}

	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy against the input. A policy that cannot
// be evaluated is reported as a warning and does not deny execution; denial
// comes only from violations at blocking severity.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:     true,
		EvaluatedAt: start,
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.log.WithError(err).
				WithField("policy", cp.policy.Name).
				Error("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.log.WithFields(map[string]interface{}{
		"backend":    input.Backend,
		"policies":   len(result.EvaluatedPolicies),
		"violations": len(result.Violations),
		"allowed":    result.Allowed,
		"duration":   result.Duration,
	}).Debug("policy evaluation completed")

	return result, nil
}

// evaluatePolicy runs one prepared deny query and collects its findings.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// toViolation converts one deny result into a Violation. Rules may emit a
// plain string or an object with message, severity, and line fields; absent
// fields fall back to the policy defaults.
func (e *Engine) toViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now(),
	}

	switch t := result.(type) {
	case string:
		v.Message = t
	case map[string]interface{}:
		if msg, ok := t["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := t["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		switch line := t["line"].(type) {
		case json.Number:
			if n, err := line.Int64(); err == nil {
				v.Line = int(n)
			}
		case float64:
			v.Line = int(line)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// compileAndStore parses, prepares, and installs one policy. The caller must
// hold the write lock.
func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}

	e.log.WithField("policy", p.Name).Debug("policy compiled")
	return nil
}

// loadBuiltins installs the built-in policies. The caller must hold the
// write lock, except during construction.
func (e *Engine) loadBuiltins(ctx context.Context) error {
	for i := range e.builtins {
		if err := e.compileAndStore(ctx, &e.builtins[i]); err != nil {
			return err
		}
	}
	e.log.WithField("count", len(e.builtins)).Debug("built-in policies loaded")
	return nil
}

// LoadPolicies loads and installs policies from files or directories, on top
// of whatever is already installed. A loaded policy with a builtin's name
// replaces the builtin.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return err
		}
	}

	e.log.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

// ReplaceLoaded reinstalls the built-in policies and the given set, dropping
// everything else. This is the reload path the directory watcher drives.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltins(ctx); err != nil {
		return err
	}
	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return err
		}
	}

	e.log.WithField("count", len(policies)).Info("policies reloaded")
	return nil
}

// Watch hot reloads policies whenever a file under paths changes. Watching
// stops when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceLoaded(ctx, policies)
	})
}

// GetPolicy returns an installed policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all installed policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables an installed policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables an installed policy by name. Disabled policies stay
// installed and can be re-enabled.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.log.WithFields(map[string]interface{}{
		"policy":  name,
		"enabled": enabled,
	}).Info("policy toggled")
	return nil
}
