package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/simforge/simforge/pkg/telemetry"
)

// WorkflowState identifies a stage of the upstream design workflow.
type WorkflowState string

const (
	// StateProposal is the architect's experiment proposal stage.
	StateProposal WorkflowState = "proposal"

	// StateMaterialSelection is the alchemist's material and geometry stage.
	StateMaterialSelection WorkflowState = "material_selection"

	// StateCircuitDesign is the switchman's drive circuit stage.
	StateCircuitDesign WorkflowState = "circuit_design"

	// StateCritique is the critic's review stage.
	StateCritique WorkflowState = "critique"

	// StatePlanEmission is the mathematician's plan emission stage, terminal
	// for the workflow: its request is handed to the candidate selector.
	StatePlanEmission WorkflowState = "plan_emission"

	// StateDone marks a finished workflow.
	StateDone WorkflowState = "done"
)

// workflowEdges is the fixed transition table. The critique edge is
// conditional and resolved in code: approval advances to plan emission,
// rejection returns to proposal.
var workflowEdges = map[WorkflowState]WorkflowState{
	StateProposal:          StateMaterialSelection,
	StateMaterialSelection: StateCircuitDesign,
	StateCircuitDesign:     StateCritique,
	StateCritique:          StatePlanEmission,
	StatePlanEmission:      StateDone,
}

// stateRoles maps workflow states to the roles that act in them.
var stateRoles = map[WorkflowState]RoleID{
	StateProposal:          RoleArchitect,
	StateMaterialSelection: RoleAlchemist,
	StateCircuitDesign:     RoleSwitchman,
	StateCritique:          RoleCritic,
	StatePlanEmission:      RoleMathematician,
}

// roleStates is the inverse of stateRoles, used to route free dispatch.
var roleStates = map[RoleID]WorkflowState{
	RoleArchitect:     StateProposal,
	RoleAlchemist:     StateMaterialSelection,
	RoleSwitchman:     StateCircuitDesign,
	RoleCritic:        StateCritique,
	RoleMathematician: StatePlanEmission,
}

// NextState returns the fixed-edge successor of a state.
func NextState(s WorkflowState) (WorkflowState, bool) {
	next, ok := workflowEdges[s]
	return next, ok
}

// RoleForState returns the role acting in a workflow state.
func RoleForState(s WorkflowState) (RoleID, bool) {
	role, ok := stateRoles[s]
	return role, ok
}

// WorkflowConfig configures the design workflow.
type WorkflowConfig struct {
	// MaxRounds bounds total role invocations per workflow run.
	MaxRounds int

	// MaxFreeRounds bounds consecutive dispatcher-routed rounds before the
	// workflow falls back to its fixed edges.
	MaxFreeRounds int

	// ApprovalMarker is the token the critic uses to approve a design.
	ApprovalMarker string

	// ClarificationMarkers are the tokens that trigger free dispatch when
	// they appear in any stage output.
	ClarificationMarkers []string
}

// Defaults for WorkflowConfig.
const (
	DefaultMaxRounds      = 12
	DefaultMaxFreeRounds  = 3
	DefaultApprovalMarker = "APPROVE"
)

// DefaultClarificationMarkers returns the default clarification tokens.
func DefaultClarificationMarkers() []string {
	return []string{"CLARIFY", "NEED MORE INFORMATION"}
}

// WorkflowResult is the emission request produced by a completed workflow:
// the plan-emission prompt plus the accumulated design transcript.
type WorkflowResult struct {
	// Role is the role that should emit the plan.
	Role RoleID

	// Prompt is the plan-emission task prompt.
	Prompt string

	// Context is the design transcript to pass to the emission calls,
	// oldest first.
	Context []ContextEntry

	// Rounds is the number of role invocations the workflow consumed.
	Rounds int

	// Restarts is the number of critique rejections.
	Restarts int
}

// Workflow drives the multi-role design conversation as an explicit state
// machine. Role calls are pure generator invocations: each state's role
// receives the full transcript explicitly and nothing is remembered between
// calls.
type Workflow struct {
	generator  Generator
	dispatcher Dispatcher
	cfg        WorkflowConfig
	tel        *telemetry.Telemetry
	log        *telemetry.Logger
}

// NewWorkflow creates a design workflow. A nil dispatcher installs the
// generator-backed default.
func NewWorkflow(generator Generator, dispatcher Dispatcher, cfg WorkflowConfig, tel *telemetry.Telemetry) (*Workflow, error) {
	if generator == nil {
		return nil, NewConfigError("workflow requires a generator", nil)
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MaxRounds < 4 {
		return nil, NewConfigError(fmt.Sprintf("workflow needs at least 4 rounds to reach emission, got %d", cfg.MaxRounds), nil)
	}
	if cfg.MaxFreeRounds == 0 {
		cfg.MaxFreeRounds = DefaultMaxFreeRounds
	}
	if cfg.ApprovalMarker == "" {
		cfg.ApprovalMarker = DefaultApprovalMarker
	}
	if len(cfg.ClarificationMarkers) == 0 {
		cfg.ClarificationMarkers = DefaultClarificationMarkers()
	}
	if dispatcher == nil {
		dispatcher = NewGeneratorDispatcher(generator)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Workflow{
		generator:  generator,
		dispatcher: dispatcher,
		cfg:        cfg,
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("workflow"),
	}, nil
}

// Run executes the design conversation for one attempt. The seed describes
// the experiment task; corrective entries (typically the previous attempt's
// diagnostic) are placed at the head of the transcript.
//
// The fixed path is proposal, material selection, circuit design, critique.
// An approving critique hands the accumulated transcript to plan emission; a
// rejecting critique discards the stage outputs and restarts at proposal
// with the critique carried as context. Any stage output containing a
// clarification marker routes the next step through the dispatcher instead
// of the fixed edge.
func (w *Workflow) Run(ctx context.Context, seed string, corrective []ContextEntry) (*WorkflowResult, error) {
	base := make([]ContextEntry, 0, len(corrective)+1)
	base = append(base, ContextEntry{Label: "task", Content: seed})
	base = append(base, corrective...)

	transcript := append([]ContextEntry(nil), base...)

	state := StateProposal
	rounds := 0
	freeRounds := 0
	restarts := 0

	for state != StatePlanEmission {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rounds >= w.cfg.MaxRounds {
			return nil, NewWorkflowExhaustedError(w.cfg.MaxRounds)
		}

		role := stateRoles[state]
		prompt := w.stagePrompt(state)

		var out string
		err := telemetry.RecordGeneratorOperation(ctx, string(role), func(ctx context.Context) error {
			var genErr error
			out, genErr = w.generator.Generate(ctx, &GenerateRequest{
				Role:    role,
				Prompt:  prompt,
				Context: transcript,
			})
			return genErr
		})
		if err != nil {
			return nil, err
		}
		rounds++

		transcript = append(transcript, ContextEntry{Label: string(role), Content: out})
		w.log.WithRole(string(role)).Debugf("state %s produced %d chars", state, len(out))

		// Override predicate: a clarification request breaks the fixed
		// sequence and lets the dispatcher choose who answers.
		if w.wantsClarification(out) && freeRounds < w.cfg.MaxFreeRounds {
			if next, ok := w.dispatch(ctx, transcript); ok {
				w.log.Debugf("clarification detected, dispatching to %s", next)
				state = next
				freeRounds++
				continue
			}
		}
		freeRounds = 0

		switch state {
		case StateCritique:
			if strings.Contains(out, w.cfg.ApprovalMarker) {
				state = StatePlanEmission
				continue
			}
			// Rejection restarts the creative stages fresh; only the
			// critique itself survives as corrective context.
			restarts++
			w.log.Debug("critique rejected design, restarting at proposal")
			transcript = append(append([]ContextEntry(nil), base...), ContextEntry{Label: "critique", Content: out})
			state = StateProposal
		default:
			state = workflowEdges[state]
		}
	}

	return &WorkflowResult{
		Role:     RoleMathematician,
		Prompt:   w.emissionPrompt(),
		Context:  transcript,
		Rounds:   rounds,
		Restarts: restarts,
	}, nil
}

// wantsClarification reports whether a stage output contains any
// clarification marker.
func (w *Workflow) wantsClarification(out string) bool {
	upper := strings.ToUpper(out)
	for _, marker := range w.cfg.ClarificationMarkers {
		if strings.Contains(upper, strings.ToUpper(marker)) {
			return true
		}
	}
	return false
}

// dispatch asks the dispatcher for the next state. An error or an unknown
// role falls back to the fixed edge.
func (w *Workflow) dispatch(ctx context.Context, transcript []ContextEntry) (WorkflowState, bool) {
	role, err := w.dispatcher.NextRole(ctx, transcript)
	if err != nil {
		w.log.WithError(err).Warn("free dispatch failed, keeping fixed edge")
		return "", false
	}
	state, ok := roleStates[role]
	if !ok {
		w.log.Warnf("dispatcher named unknown role %q, keeping fixed edge", role)
		return "", false
	}
	return state, true
}

// stagePrompt returns the task prompt for a workflow state.
func (w *Workflow) stagePrompt(state WorkflowState) string {
	switch state {
	case StateProposal:
		return "Propose a concrete, physically plausible experiment for the task above. " +
			"Name the phenomenon to demonstrate, the rough geometry, and the quantity to maximize. " +
			"Stay within a few sentences."
	case StateMaterialSelection:
		return "Select the core materials and geometry for the proposed experiment. " +
			"Name each material, where it is used, and the key dimensions with units."
	case StateCircuitDesign:
		return "Design the drive circuit and excitation for the experiment: sources, switching elements, " +
			"coil or electrode arrangement, and the drive waveform with frequency and amplitude."
	case StateCritique:
		return "Review the proposed experiment design above for physical soundness, completeness, and " +
			"simulability. If the design is sound, reply with the single word " + w.cfg.ApprovalMarker + ". " +
			"Otherwise list the defects to fix."
	default:
		return ""
	}
}

// emissionPrompt returns the plan-emission task prompt, including the plan
// document schema the selector expects to parse.
func (w *Workflow) emissionPrompt() string {
	return `Translate the approved experiment design into a simulation plan.

Respond with a single JSON object inside a ` + "```json" + ` fence, following this schema exactly:

{
  "backend": "<backend id>",
  "model_name": "<short model name>",
  "structure": [{"type": "<pattern type>", "params": {"id": "...", "...": "..."}}],
  "materials": [...],
  "physics": [...],
  "setup": [...],
  "results": [...]
}

Each stage value may be one item object or a list of item objects. Every item needs a "type" naming a pattern from the backend's library and flat scalar "params". Do not invent parameter structure: params values must be strings, numbers, or booleans. No prose outside the JSON fence.`
}

// GeneratorDispatcher is the default free-dispatch strategy: it asks the
// critic to name the role that should respond next.
type GeneratorDispatcher struct {
	generator Generator
}

// NewGeneratorDispatcher creates the default dispatcher.
func NewGeneratorDispatcher(generator Generator) *GeneratorDispatcher {
	return &GeneratorDispatcher{generator: generator}
}

// knownRoles is the dispatch vocabulary, checked in this order.
var knownRoles = []RoleID{
	RoleArchitect,
	RoleAlchemist,
	RoleSwitchman,
	RoleMathematician,
	RoleCritic,
}

// NextRole implements Dispatcher.
func (d *GeneratorDispatcher) NextRole(ctx context.Context, transcript []ContextEntry) (RoleID, error) {
	names := make([]string, len(knownRoles))
	for i, r := range knownRoles {
		names[i] = string(r)
	}

	prompt := "A role in this design conversation has asked for clarification. " +
		"Decide who should respond next. Reply with only one of: " + strings.Join(names, ", ") + "."

	out, err := d.generator.Generate(ctx, &GenerateRequest{
		Role:    RoleCritic,
		Prompt:  prompt,
		Context: transcript,
	})
	if err != nil {
		return "", err
	}

	lower := strings.ToLower(out)
	best := RoleID("")
	bestPos := -1
	for _, r := range knownRoles {
		if pos := strings.Index(lower, string(r)); pos >= 0 && (bestPos < 0 || pos < bestPos) {
			best = r
			bestPos = pos
		}
	}
	if best == "" {
		return "", fmt.Errorf("dispatch response names no known role: %s", truncate(out, 80))
	}
	return best, nil
}
