package stores

import (
	"context"
	"testing"
	"time"

	"github.com/simforge/simforge/pkg/engine"
)

// TestAsyncRecorderPersists tests that queued writes land in order
func TestAsyncRecorderPersists(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	recorder := NewAsyncRecorder(store, nil)

	ctx := context.Background()
	started := time.Now()

	if err := recorder.BeginCycle(ctx, "cycle-async", "exp", "comsol", started); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if err := recorder.RecordAttempt(ctx, "cycle-async", fullAttempt(1)); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}
	trajectory := &engine.Trajectory{
		CycleID:      "cycle-async",
		AttemptIndex: 1,
		Prompt:       "p",
		Response:     "r",
		Reward:       1.0,
	}
	if err := recorder.LogTrajectory(ctx, trajectory); err != nil {
		t.Fatalf("failed to log trajectory: %v", err)
	}
	result := &engine.CycleResult{
		CycleID:     "cycle-async",
		Outcome:     engine.OutcomeSucceeded,
		Attempts:    1,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := recorder.FinishCycle(ctx, result); err != nil {
		t.Fatalf("failed to finish cycle: %v", err)
	}

	// Close flushes the queue
	if err := recorder.Close(); err != nil {
		t.Fatalf("failed to close recorder: %v", err)
	}

	cycle, err := store.GetCycle(ctx, "cycle-async")
	if err != nil {
		t.Fatalf("failed to get cycle: %v", err)
	}
	if cycle.Status != CycleStatusSucceeded {
		t.Errorf("expected status %s, got %s", CycleStatusSucceeded, cycle.Status)
	}
	if cycle.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", cycle.Attempts)
	}

	attempts, err := store.ListAttempts(ctx, "cycle-async")
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(attempts))
	}

	cycleID := "cycle-async"
	trajectories, err := store.ListTrajectories(ctx, &cycleID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list trajectories: %v", err)
	}
	if len(trajectories) != 1 {
		t.Errorf("expected 1 trajectory, got %d", len(trajectories))
	}
}

// TestAsyncRecorderSwallowsErrors tests that store failures never surface
func TestAsyncRecorderSwallowsErrors(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	recorder := NewAsyncRecorder(store, nil)

	ctx := context.Background()

	// The cycle was never begun, so both writes fail inside the store
	if err := recorder.RecordAttempt(ctx, "never-begun", fullAttempt(1)); err != nil {
		t.Errorf("expected nil error from async record, got %v", err)
	}
	result := &engine.CycleResult{
		CycleID:     "never-begun",
		Outcome:     engine.OutcomeAborted,
		Attempts:    1,
		AbortReason: "generator unreachable",
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	if err := recorder.FinishCycle(ctx, result); err != nil {
		t.Errorf("expected nil error from async finish, got %v", err)
	}

	if err := recorder.Close(); err != nil {
		t.Fatalf("failed to close recorder: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "never-begun")
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("expected 0 attempts, got %d", len(attempts))
	}
}

// TestAsyncRecorderCloseIdempotent tests closing twice and writing after close
func TestAsyncRecorderCloseIdempotent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	recorder := NewAsyncRecorder(store, nil)

	if err := recorder.Close(); err != nil {
		t.Fatalf("failed to close recorder: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("failed to close recorder twice: %v", err)
	}

	// Writes after close are dropped, not panics
	if err := recorder.BeginCycle(context.Background(), "late", "exp", "comsol", time.Now()); err != nil {
		t.Errorf("expected nil error after close, got %v", err)
	}

	if _, err := store.GetCycle(context.Background(), "late"); err == nil {
		t.Error("expected dropped write to leave no cycle behind")
	}
}
