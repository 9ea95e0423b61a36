package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// stubDispatcher routes every free dispatch to a fixed role.
type stubDispatcher struct {
	role  RoleID
	err   error
	calls int
}

func (d *stubDispatcher) NextRole(ctx context.Context, transcript []ContextEntry) (RoleID, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	return d.role, nil
}

func TestNewWorkflow_Validation(t *testing.T) {
	gen := &scriptedGenerator{}

	if _, err := NewWorkflow(nil, nil, WorkflowConfig{}, nil); err == nil {
		t.Error("Expected error for nil generator")
	}
	if _, err := NewWorkflow(gen, nil, WorkflowConfig{MaxRounds: 2}, nil); err == nil {
		t.Error("Expected error for a round budget below the fixed path length")
	}

	w, err := NewWorkflow(gen, nil, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}
	if w.cfg.MaxRounds != DefaultMaxRounds {
		t.Errorf("Expected default max rounds %d, got %d", DefaultMaxRounds, w.cfg.MaxRounds)
	}
	if w.cfg.MaxFreeRounds != DefaultMaxFreeRounds {
		t.Errorf("Expected default free rounds %d, got %d", DefaultMaxFreeRounds, w.cfg.MaxFreeRounds)
	}
	if w.cfg.ApprovalMarker != DefaultApprovalMarker {
		t.Errorf("Expected default approval marker, got %q", w.cfg.ApprovalMarker)
	}
	if len(w.cfg.ClarificationMarkers) != 2 {
		t.Errorf("Expected 2 default clarification markers, got %d", len(w.cfg.ClarificationMarkers))
	}
}

func TestWorkflow_Run_FixedPath(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"Demonstrate dielectric polarization with a parallel plate capacitor.",
		"Copper plates 10x10 cm, PTFE dielectric 1 mm thick.",
		"DC source at 100 V across the plates, no switching.",
		"Sound and simulable. APPROVE",
	}}

	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	result, err := w.Run(context.Background(), "maximize capacitor voltage", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Role != RoleMathematician {
		t.Errorf("Expected emission role mathematician, got %s", result.Role)
	}
	if result.Rounds != 4 {
		t.Errorf("Expected 4 rounds, got %d", result.Rounds)
	}
	if result.Restarts != 0 {
		t.Errorf("Expected 0 restarts, got %d", result.Restarts)
	}
	if !strings.Contains(result.Prompt, "model_name") {
		t.Error("Expected the emission prompt to describe the plan schema")
	}

	// Transcript: seed plus one entry per stage, oldest first.
	if len(result.Context) != 5 {
		t.Fatalf("Expected 5 transcript entries, got %d", len(result.Context))
	}
	if result.Context[0].Label != "task" {
		t.Errorf("Expected transcript to open with the task, got %q", result.Context[0].Label)
	}
	wantLabels := []string{"architect", "alchemist", "switchman", "critic"}
	for i, label := range wantLabels {
		if result.Context[i+1].Label != label {
			t.Errorf("Expected entry %d labeled %q, got %q", i+1, label, result.Context[i+1].Label)
		}
	}

	// Every stage call carries the transcript accumulated so far.
	lastReq := gen.requests[3]
	if lastReq.Role != RoleCritic {
		t.Errorf("Expected the 4th call to address the critic, got %s", lastReq.Role)
	}
	if len(lastReq.Context) != 4 {
		t.Errorf("Expected the critic to see 4 transcript entries, got %d", len(lastReq.Context))
	}
}

func TestWorkflow_Run_CorrectiveContext(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"A refined proposal.", "Materials.", "Circuit.", "APPROVE",
	}}
	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	corrective := []ContextEntry{{Label: "diagnostic", Content: "previous run crashed with exit 1"}}
	result, err := w.Run(context.Background(), "maximize voltage", corrective)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Context) != 6 {
		t.Fatalf("Expected 6 transcript entries, got %d", len(result.Context))
	}
	if result.Context[1].Label != "diagnostic" {
		t.Errorf("Expected corrective entry after the task, got %q", result.Context[1].Label)
	}
	if gen.requests[0].Context[1].Content != "previous run crashed with exit 1" {
		t.Error("Expected the first stage to see the corrective entry")
	}
}

func TestWorkflow_Run_RejectionRestarts(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"First proposal.", "First materials.", "First circuit.",
		"The geometry is underspecified and the drive frequency is missing.",
		"Second proposal.", "Second materials.", "Second circuit.",
		"All defects addressed. APPROVE",
	}}
	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	result, err := w.Run(context.Background(), "maximize voltage", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Rounds != 8 {
		t.Errorf("Expected 8 rounds, got %d", result.Rounds)
	}
	if result.Restarts != 1 {
		t.Errorf("Expected 1 restart, got %d", result.Restarts)
	}

	// The restart discards the rejected stage outputs; only the critique
	// itself survives into the second pass.
	if len(result.Context) != 6 {
		t.Fatalf("Expected 6 transcript entries, got %d", len(result.Context))
	}
	if result.Context[1].Label != "critique" {
		t.Errorf("Expected the carried critique after the task, got %q", result.Context[1].Label)
	}
	if result.Context[2].Content != "Second proposal." {
		t.Errorf("Expected the second pass proposal, got %q", result.Context[2].Content)
	}
}

func TestWorkflow_Run_ClarificationDispatch(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"What drive waveform does the task assume? CLARIFY",
		"Revised proposal with an assumed sine drive.",
		"Materials.", "Circuit.", "APPROVE",
	}}
	dispatcher := &stubDispatcher{role: RoleArchitect}
	w, err := NewWorkflow(gen, dispatcher, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	result, err := w.Run(context.Background(), "maximize voltage", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Errorf("Expected 1 dispatch, got %d", dispatcher.calls)
	}
	if result.Rounds != 5 {
		t.Errorf("Expected 5 rounds, got %d", result.Rounds)
	}
	// Both architect passes stay in the transcript.
	if result.Context[1].Label != "architect" || result.Context[2].Label != "architect" {
		t.Error("Expected the dispatched architect round to follow the clarification")
	}
}

func TestWorkflow_Run_FreeRoundBudget(t *testing.T) {
	// With a free-round budget of 1 the second clarification is ignored and
	// the workflow continues along its fixed edge.
	gen := &scriptedGenerator{responses: []string{
		"CLARIFY the drive requirements.",
		"CLARIFY the target metric too.",
		"Materials.", "Circuit.", "APPROVE",
	}}
	dispatcher := &stubDispatcher{role: RoleArchitect}
	w, err := NewWorkflow(gen, dispatcher, WorkflowConfig{MaxFreeRounds: 1}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	result, err := w.Run(context.Background(), "maximize voltage", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Errorf("Expected the free-round budget to allow 1 dispatch, got %d", dispatcher.calls)
	}
	if result.Rounds != 5 {
		t.Errorf("Expected 5 rounds, got %d", result.Rounds)
	}
}

func TestWorkflow_Run_DispatchFallsBackToFixedEdge(t *testing.T) {
	tests := []struct {
		name       string
		dispatcher *stubDispatcher
	}{
		{name: "dispatcher error", dispatcher: &stubDispatcher{err: errors.New("dispatch offline")}},
		{name: "unknown role", dispatcher: &stubDispatcher{role: "janitor"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{responses: []string{
				"Proposal.", "Materials.",
				"Need more information on the coil winding.",
				"APPROVE",
			}}
			w, err := NewWorkflow(gen, tt.dispatcher, WorkflowConfig{}, nil)
			if err != nil {
				t.Fatalf("Failed to create workflow: %v", err)
			}

			result, err := w.Run(context.Background(), "maximize voltage", nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if tt.dispatcher.calls != 1 {
				t.Errorf("Expected 1 dispatch attempt, got %d", tt.dispatcher.calls)
			}
			if result.Rounds != 4 {
				t.Errorf("Expected the fixed path to finish in 4 rounds, got %d", result.Rounds)
			}
		})
	}
}

func TestWorkflow_Run_RoundBudgetExhausted(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"Proposal.", "Materials.", "Circuit.", "Still not convincing.",
	}}
	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{MaxRounds: 4}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	_, err = w.Run(context.Background(), "maximize voltage", nil)
	if err == nil {
		t.Fatal("Expected exhaustion error")
	}
	if !IsFatal(err) {
		t.Errorf("Expected a fatal error, got: %v", err)
	}
	if ErrorCode(err) != ErrCodeWorkflow {
		t.Errorf("Expected code %s, got %s", ErrCodeWorkflow, ErrorCode(err))
	}
}

func TestWorkflow_Run_GeneratorError(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{fmt.Errorf("model overloaded")}}
	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	if _, err := w.Run(context.Background(), "maximize voltage", nil); err == nil {
		t.Fatal("Expected the stage error to surface")
	}
}

func TestWorkflow_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &scriptedGenerator{}
	w, err := NewWorkflow(gen, &stubDispatcher{}, WorkflowConfig{}, nil)
	if err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	if _, err := w.Run(ctx, "maximize voltage", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("Expected no stage calls after cancellation, got %d", gen.calls)
	}
}

func TestNextState(t *testing.T) {
	path := []WorkflowState{StateProposal, StateMaterialSelection, StateCircuitDesign, StateCritique, StatePlanEmission, StateDone}
	for i := 0; i < len(path)-1; i++ {
		next, ok := NextState(path[i])
		if !ok {
			t.Fatalf("Expected an edge from %s", path[i])
		}
		if next != path[i+1] {
			t.Errorf("Expected %s after %s, got %s", path[i+1], path[i], next)
		}
	}
	if _, ok := NextState(StateDone); ok {
		t.Error("Expected no edge out of the terminal state")
	}
}

func TestGeneratorDispatcher_NextRole(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     RoleID
		wantErr  bool
	}{
		{name: "single role", response: "The switchman should answer.", want: RoleSwitchman},
		{name: "earliest mention wins", response: "Either the alchemist or the architect could take this.", want: RoleAlchemist},
		{name: "case insensitive", response: "ARCHITECT", want: RoleArchitect},
		{name: "no known role", response: "Nobody needs to answer.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{responses: []string{tt.response}}
			d := NewGeneratorDispatcher(gen)

			role, err := d.NextRole(context.Background(), nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NextRole failed: %v", err)
			}
			if role != tt.want {
				t.Errorf("Expected role %s, got %s", tt.want, role)
			}
			if gen.requests[0].Role != RoleCritic {
				t.Errorf("Expected dispatch to ask the critic, got %s", gen.requests[0].Role)
			}
		})
	}
}
