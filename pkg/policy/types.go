package policy

import (
	"time"

	"github.com/simforge/simforge/pkg/engine"
)

// Severity grades a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block execution.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny execution.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that deny execution and should
	// never be waived.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations at this severity deny execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not name
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source
	// file for directory-loaded policies.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies evaluate. Rules address it as input.backend,
// input.plan, input.script, and so on.
type Input struct {
	// Backend is the target backend ID.
	Backend string `json:"backend"`

	// WorkDir is the directory script writes must stay inside.
	WorkDir string `json:"work_dir,omitempty"`

	// Plan is the structured experiment description, when available.
	Plan *engine.Plan `json:"plan,omitempty"`

	// Script is the compiled script under evaluation.
	Script *engine.Script `json:"script,omitempty"`

	// Context carries evaluation context.
	Context *EvalContext `json:"context,omitempty"`
}

// EvalContext provides context information for policy evaluation.
type EvalContext struct {
	// Experiment is the experiment name, when known.
	Experiment string `json:"experiment,omitempty"`

	// Operation is what the caller is about to do with the script,
	// "execute" or "validate".
	Operation string `json:"operation,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Violation is a single policy finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Line is the 1-based script line the finding refers to, or 0 when the
	// finding is not tied to a line.
	Line int `json:"line,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed reports whether the script may execute.
	Allowed bool `json:"allowed"`

	// Violations lists all findings, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated. An unevaluable
	// policy does not deny execution by itself.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation started.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the messages of the violations that deny execution.
func (r *Result) Blocking() []string {
	var msgs []string
	for i := range r.Violations {
		if r.Violations[i].Severity.Blocking() {
			msgs = append(msgs, r.Violations[i].Message)
		}
	}
	return msgs
}
