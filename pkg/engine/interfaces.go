package engine

import (
	"context"
	"errors"
	"time"
)

// Generator produces one role response per call. Implementations must be
// pure with respect to conversation state: everything the role needs is in
// the request, and nothing is retained between calls.
type Generator interface {
	// Generate performs a single role invocation and returns the raw
	// response text. Transport failures are retryable; malformed responses
	// are the caller's concern.
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
}

// Arbiter chooses between valid candidates during best-of-K selection. The
// returned text is expected to contain a single integer index; the selector
// owns parsing and fallback.
type Arbiter interface {
	Arbitrate(ctx context.Context, candidates []*Candidate) (string, error)
}

// Compiler deterministically translates a plan into an executable script for
// one backend. Compilation never invokes a generator.
type Compiler interface {
	// Compile resolves every plan item against the backend's pattern library
	// and assembles the script in fixed section order. The same library,
	// plan, and mode always produce the same script.
	Compile(backend string, plan *Plan, mode Mode) (*Script, error)
}

// Runner executes a compiled script and reports the captured outcome. A
// nonzero exit code is a normal result; the error return is reserved for
// infrastructure failures where the process could not be spawned or managed
// at all.
type Runner interface {
	Run(ctx context.Context, script *Script) (*ExecutionResult, error)
}

// PolicyChecker gates compiled scripts before execution.
type PolicyChecker interface {
	// Check evaluates the script and returns the decision. A denied decision
	// is a normal outcome, not an error.
	Check(ctx context.Context, plan *Plan, script *Script) (*PolicyDecision, error)
}

// PolicyDecision is the outcome of a policy check.
type PolicyDecision struct {
	// Allowed reports whether the script may execute.
	Allowed bool `json:"allowed"`

	// Violations lists the rule messages behind a denial.
	Violations []string `json:"violations,omitempty"`
}

// TrajectoryLogger receives the record of every attempt, successful or not.
// Logging failures must not affect the cycle; the loop logs and continues.
type TrajectoryLogger interface {
	LogTrajectory(ctx context.Context, t *Trajectory) error
}

// NopTrajectoryLogger discards trajectories.
type NopTrajectoryLogger struct{}

// LogTrajectory implements TrajectoryLogger.
func (NopTrajectoryLogger) LogTrajectory(context.Context, *Trajectory) error { return nil }

// CycleStore persists cycle and attempt history. Store failures must not
// affect the cycle outcome.
type CycleStore interface {
	// BeginCycle records that a cycle has started.
	BeginCycle(ctx context.Context, cycleID, experiment, backend string, startedAt time.Time) error

	// RecordAttempt appends one attempt to the cycle's history.
	RecordAttempt(ctx context.Context, cycleID string, attempt *Attempt) error

	// FinishCycle records the terminal result of a cycle.
	FinishCycle(ctx context.Context, result *CycleResult) error
}

// Dispatcher selects the next role when the workflow leaves its fixed
// sequence after a clarification request.
type Dispatcher interface {
	// NextRole inspects the transcript so far and names the role that should
	// respond next.
	NextRole(ctx context.Context, transcript []ContextEntry) (RoleID, error)
}

// WithTimeout wraps a generator so every call observes a fixed deadline.
// A deadline hit surfaces as a retryable timeout, not as cancellation,
// unless the surrounding context was itself cancelled. A non-positive
// timeout returns the generator unchanged.
func WithTimeout(g Generator, timeout time.Duration) Generator {
	if timeout <= 0 {
		return g
	}
	return &timeoutGenerator{inner: g, timeout: timeout}
}

type timeoutGenerator struct {
	inner   Generator
	timeout time.Duration
}

func (t *timeoutGenerator) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.inner.Generate(callCtx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", NewTimeoutError(string(req.Role)+" generation", err)
	}
	return out, err
}
