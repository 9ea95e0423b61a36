package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stage identifies one of the fixed plan stages. Stage order in the compiled
// script is fixed by the compiler and does not depend on plan key order.
type Stage string

const (
	// StageStructure holds geometry and component items.
	StageStructure Stage = "structure"

	// StageMaterials holds material assignment items.
	StageMaterials Stage = "materials"

	// StagePhysics holds physics interface items.
	StagePhysics Stage = "physics"

	// StageSetup holds study and solver configuration items.
	StageSetup Stage = "setup"

	// StageAnalyze holds analysis items (only consulted when the backend
	// library defines analyze as a pattern category).
	StageAnalyze Stage = "analyze"

	// StageResults holds evaluation and export items.
	StageResults Stage = "results"
)

// AllStages returns the fixed stage set in compilation order.
func AllStages() []Stage {
	return []Stage{
		StageStructure,
		StageMaterials,
		StagePhysics,
		StageSetup,
		StageAnalyze,
		StageResults,
	}
}

// Validate checks if the stage is one of the fixed set.
func (s Stage) Validate() error {
	switch s {
	case StageStructure, StageMaterials, StagePhysics, StageSetup, StageAnalyze, StageResults:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// Params holds the named parameters of a plan item. Values are plain text;
// substitution into templates is literal replacement with no type coercion.
type Params map[string]string

// Item represents a single typed entry within a plan stage.
type Item struct {
	// Type is the pattern type name resolved against the backend library.
	Type string `json:"type"`

	// Params are the named substitution parameters for the pattern.
	Params Params `json:"params,omitempty"`
}

// ID returns the item's "id" parameter, or "" when absent.
func (it Item) ID() string {
	return it.Params["id"]
}

// Plan is a structured, backend-agnostic experiment description. It is
// created per repair attempt, consumed immediately by the compiler, and then
// discarded.
type Plan struct {
	// Backend is the target backend ID (e.g. "comsol", "ansys", "ads").
	Backend string `json:"backend"`

	// ModelName is the model or project name templated into the preamble.
	ModelName string `json:"model_name"`

	// Stages maps stage names to their ordered items. A stage may be absent.
	Stages map[Stage][]Item `json:"stages,omitempty"`

	// Fields holds additional top-level scalar fields from the plan document,
	// available to preamble and list-form analyze templates.
	Fields map[string]string `json:"fields,omitempty"`
}

// Items returns the ordered items of a stage, or nil when the stage is absent.
func (p *Plan) Items(stage Stage) []Item {
	if p.Stages == nil {
		return nil
	}
	return p.Stages[stage]
}

// ItemCount returns the total number of items across all stages.
func (p *Plan) ItemCount() int {
	n := 0
	for _, items := range p.Stages {
		n += len(items)
	}
	return n
}

// TopLevelFields returns the substitution map for preamble templates:
// backend, model_name, and any extra scalar fields from the document.
func (p *Plan) TopLevelFields() map[string]string {
	fields := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		fields[k] = v
	}
	fields["backend"] = p.Backend
	fields["model_name"] = p.ModelName
	return fields
}

// Summary returns a one-line description of the plan for logs and prompts.
func (p *Plan) Summary() string {
	parts := make([]string, 0, len(p.Stages))
	for _, stage := range AllStages() {
		if items := p.Items(stage); len(items) > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", stage, len(items)))
		}
	}
	sort.Strings(parts)
	return fmt.Sprintf("backend=%s model=%s items=[%s]", p.Backend, p.ModelName, strings.Join(parts, " "))
}

// Mode selects the compiler's substitution philosophy.
type Mode string

const (
	// ModeStrict fails compilation on any unresolved type or placeholder.
	ModeStrict Mode = "strict"

	// ModeTolerant downgrades unresolved types to warning comments and leaves
	// unresolved placeholders verbatim.
	ModeTolerant Mode = "tolerant"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeStrict, ModeTolerant:
		return nil
	default:
		return fmt.Errorf("invalid compile mode: %s", m)
	}
}

// Script is the compiled, ordered script text for one backend. It is opaque
// to the loop: only the runner interprets it.
type Script struct {
	// Backend is the backend ID the script was compiled for.
	Backend string `json:"backend"`

	// Lines are the ordered script lines.
	Lines []string `json:"lines"`

	// Warnings are tolerant-mode warnings emitted during compilation.
	Warnings []string `json:"warnings,omitempty"`
}

// Text renders the script as newline-joined text with a trailing newline.
func (s *Script) Text() string {
	return strings.Join(s.Lines, "\n") + "\n"
}

// ExecutionResult represents the captured outcome of running a compiled
// script. A nonzero exit code is a normal, reportable outcome, not an error.
type ExecutionResult struct {
	// ExitCode is the child process exit code.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Cancelled reports that the run was terminated by context cancellation
	// rather than finishing on its own.
	Cancelled bool `json:"cancelled,omitempty"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// ArtifactPath is the result artifact location, when known to the runner.
	ArtifactPath string `json:"artifact_path,omitempty"`
}

// Candidate is one parsed-or-rejected plan produced by a generation attempt
// during best-of-K sampling.
type Candidate struct {
	// Index is the zero-based generation attempt index.
	Index int `json:"index"`

	// Raw is the full generator output the candidate was extracted from.
	Raw string `json:"-"`

	// Block is the extracted structured block, when one was found.
	Block string `json:"block,omitempty"`

	// Plan is the parsed plan for valid candidates.
	Plan *Plan `json:"plan,omitempty"`

	// Valid reports whether extraction, decoding, and validation succeeded.
	Valid bool `json:"valid"`

	// Err records why an invalid candidate was dropped.
	Err error `json:"-"`
}

// LoopStage identifies the repair-loop stage an attempt reached.
type LoopStage string

const (
	// LoopStageGenerate covers workflow sequencing and candidate selection.
	LoopStageGenerate LoopStage = "generate"

	// LoopStageCompile covers plan compilation.
	LoopStageCompile LoopStage = "compile"

	// LoopStagePolicy covers the pre-execution policy gate.
	LoopStagePolicy LoopStage = "policy"

	// LoopStageExecute covers script execution.
	LoopStageExecute LoopStage = "execute"

	// LoopStageEvaluate covers artifact scoring.
	LoopStageEvaluate LoopStage = "evaluate"
)

// Diagnostic is the corrective context carried from a failed attempt into the
// next generation round.
type Diagnostic struct {
	// Stage is the loop stage that produced the diagnostic.
	Stage LoopStage `json:"stage"`

	// Code is the classified error code, when one applies.
	Code string `json:"code,omitempty"`

	// Summary is a one-line description of the failure.
	Summary string `json:"summary"`

	// Detail carries the failure payload (compile error text, captured
	// stderr, policy violations).
	Detail string `json:"detail,omitempty"`
}

// Render formats the diagnostic for embedding into a corrective prompt.
func (d *Diagnostic) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous attempt failed during the %s stage", d.Stage)
	if d.Code != "" {
		fmt.Fprintf(&b, " (%s)", d.Code)
	}
	fmt.Fprintf(&b, ": %s", d.Summary)
	if d.Detail != "" {
		detail := d.Detail
		if len(detail) > maxDiagnosticDetail {
			detail = detail[:maxDiagnosticDetail] + " [truncated]"
		}
		fmt.Fprintf(&b, "\n%s", detail)
	}
	return b.String()
}

// maxDiagnosticDetail bounds the failure payload embedded into prompts so a
// pathological stderr cannot blow up the generation context.
const maxDiagnosticDetail = 4000

// Score is the banded outcome of evaluating one execution.
type Score struct {
	// Band is the matched score band name, or the crash band.
	Band string `json:"band"`

	// Reward is the numeric reward forwarded to the trajectory logger.
	Reward float64 `json:"reward"`

	// MetricValue is the last recorded metric value, when readable.
	MetricValue float64 `json:"metric_value"`

	// MetricMissing reports that the artifact or its metric was unreadable
	// and the crash penalty was applied.
	MetricMissing bool `json:"metric_missing,omitempty"`
}

// Attempt records one generate-compile-execute-evaluate iteration. The
// per-cycle attempt log is append-only and is discarded at cycle end, after
// being forwarded to the trajectory logger.
type Attempt struct {
	// Index is the 1-based attempt number within the cycle.
	Index int `json:"index"`

	// Plan is the selected plan for this attempt, when generation succeeded.
	Plan *Plan `json:"plan,omitempty"`

	// Script is the compiled script, when compilation succeeded.
	Script *Script `json:"script,omitempty"`

	// Execution is the captured execution outcome, when the script ran.
	Execution *ExecutionResult `json:"execution,omitempty"`

	// Score is the evaluated outcome score, when evaluation ran.
	Score *Score `json:"score,omitempty"`

	// Diagnostic is the corrective context produced by a failed attempt.
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`

	// StageReached is the furthest loop stage the attempt entered.
	StageReached LoopStage `json:"stage_reached"`

	// StartedAt is when the attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the attempt completed.
	CompletedAt time.Time `json:"completed_at"`
}

// CycleOutcome represents the terminal disposition of a repair cycle.
type CycleOutcome string

const (
	// OutcomeSucceeded indicates a zero-exit execution stopped the cycle,
	// whatever its score.
	OutcomeSucceeded CycleOutcome = "succeeded"

	// OutcomeExhausted indicates the attempt budget ran out without a
	// zero-exit execution.
	OutcomeExhausted CycleOutcome = "exhausted"

	// OutcomeAborted indicates a fatal, non-retryable failure (config,
	// infrastructure, candidate exhaustion).
	OutcomeAborted CycleOutcome = "aborted"

	// OutcomeCancelled indicates the cycle was cancelled by its context.
	OutcomeCancelled CycleOutcome = "cancelled"
)

// CycleResult is the terminal summary of one repair cycle. Failures along the
// way are absorbed into the attempt log; no error escapes mid-cycle.
type CycleResult struct {
	// CycleID is the unique identifier of the cycle.
	CycleID string `json:"cycle_id"`

	// Experiment is the experiment name from configuration.
	Experiment string `json:"experiment"`

	// Backend is the backend ID the cycle targeted.
	Backend string `json:"backend"`

	// Outcome is the terminal disposition.
	Outcome CycleOutcome `json:"outcome"`

	// Attempts is the number of attempts consumed.
	Attempts int `json:"attempts"`

	// FinalScore is the score of the stopping execution, when one occurred.
	FinalScore *Score `json:"final_score,omitempty"`

	// LastDiagnostic preserves the final corrective diagnostic for
	// unsuccessful cycles.
	LastDiagnostic *Diagnostic `json:"last_diagnostic,omitempty"`

	// AbortReason records the fatal error text for aborted cycles.
	AbortReason string `json:"abort_reason,omitempty"`

	// StartedAt is when the cycle started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the cycle completed.
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the total cycle duration.
func (r *CycleResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Trajectory is the record forwarded to the logging collaborator for every
// attempt, successful or not.
type Trajectory struct {
	// CycleID is the cycle the attempt belongs to.
	CycleID string `json:"cycle_id"`

	// AttemptIndex is the 1-based attempt number.
	AttemptIndex int `json:"attempt_index"`

	// Prompt is the generation prompt used for the attempt.
	Prompt string `json:"prompt"`

	// Response is the attempt transcript or diagnostic payload.
	Response string `json:"response"`

	// Reward is the numeric outcome score.
	Reward float64 `json:"reward"`
}

// RoleID identifies one of the upstream design roles.
type RoleID string

const (
	// RoleArchitect proposes the experiment hypothesis.
	RoleArchitect RoleID = "architect"

	// RoleAlchemist selects core materials and geometry.
	RoleAlchemist RoleID = "alchemist"

	// RoleSwitchman designs the drive circuit and excitation.
	RoleSwitchman RoleID = "switchman"

	// RoleMathematician emits the structured simulation plan.
	RoleMathematician RoleID = "mathematician"

	// RoleCritic reviews designs and arbitrates between candidates.
	RoleCritic RoleID = "critic"
)

// ContextEntry is one labeled piece of explicit history passed to a role
// call. Roles hold no hidden memory between calls.
type ContextEntry struct {
	// Label names the source of the entry (a role ID or "diagnostic").
	Label string `json:"label"`

	// Content is the entry text.
	Content string `json:"content"`
}

// GenerateRequest is a single pure role invocation.
type GenerateRequest struct {
	// Role selects the role profile (system prompt, temperature, model).
	Role RoleID `json:"role"`

	// Prompt is the task prompt for this call.
	Prompt string `json:"prompt"`

	// Context is the explicit history for this call, oldest first.
	Context []ContextEntry `json:"context,omitempty"`
}
