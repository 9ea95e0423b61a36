package stores

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/simforge/simforge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing. A single
// connection keeps the in-memory database alive across the pool.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// fullAttempt builds a completed attempt with every optional section filled
func fullAttempt(index int) *engine.Attempt {
	now := time.Now()
	return &engine.Attempt{
		Index: index,
		Plan: &engine.Plan{
			Backend:   "comsol",
			ModelName: "pulse_transformer",
			Stages: map[engine.Stage][]engine.Item{
				engine.StageResults: {
					{Type: "export_csv", Params: engine.Params{"path": "results/metrics.csv"}},
				},
			},
		},
		Script: &engine.Script{
			Backend: "comsol",
			Lines:   []string{"model = mph.start()", "model.export('results/metrics.csv')"},
		},
		Execution: &engine.ExecutionResult{
			ExitCode: 0,
			Stdout:   "solver converged",
			Stderr:   "",
			Duration: 2 * time.Second,
		},
		Score: &engine.Score{
			Band:        "high",
			Reward:      1.0,
			MetricValue: 1500,
		},
		StageReached: engine.LoopStageEvaluate,
		StartedAt:    now.Add(-3 * time.Second),
		CompletedAt:  now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"cycles", "attempts", "trajectories"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestCycleRoundTrip tests the begin/record/finish cycle flow
func TestCycleRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	started := time.Now()

	if err := store.BeginCycle(ctx, "cycle-001", "pulse_transformer", "comsol", started); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}

	cycle, err := store.GetCycle(ctx, "cycle-001")
	if err != nil {
		t.Fatalf("failed to get cycle: %v", err)
	}

	if cycle.Status != CycleStatusRunning {
		t.Errorf("expected status %s, got %s", CycleStatusRunning, cycle.Status)
	}
	if cycle.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", cycle.Attempts)
	}
	if cycle.Experiment != "pulse_transformer" {
		t.Errorf("expected experiment pulse_transformer, got %s", cycle.Experiment)
	}
	if cycle.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset for a running cycle")
	}

	// Record two attempts
	if err := store.RecordAttempt(ctx, "cycle-001", fullAttempt(1)); err != nil {
		t.Fatalf("failed to record attempt 1: %v", err)
	}
	if err := store.RecordAttempt(ctx, "cycle-001", fullAttempt(2)); err != nil {
		t.Fatalf("failed to record attempt 2: %v", err)
	}

	cycle, err = store.GetCycle(ctx, "cycle-001")
	if err != nil {
		t.Fatalf("failed to get cycle after attempts: %v", err)
	}
	if cycle.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", cycle.Attempts)
	}

	// Finish
	result := &engine.CycleResult{
		CycleID:    "cycle-001",
		Experiment: "pulse_transformer",
		Backend:    "comsol",
		Outcome:    engine.OutcomeSucceeded,
		Attempts:   2,
		FinalScore: &engine.Score{
			Band:        "high",
			Reward:      1.0,
			MetricValue: 1500,
		},
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := store.FinishCycle(ctx, result); err != nil {
		t.Fatalf("failed to finish cycle: %v", err)
	}

	finished, err := store.GetCycle(ctx, "cycle-001")
	if err != nil {
		t.Fatalf("failed to get finished cycle: %v", err)
	}

	if finished.Status != CycleStatusSucceeded {
		t.Errorf("expected status %s, got %s", CycleStatusSucceeded, finished.Status)
	}
	if finished.ScoreBand == nil || *finished.ScoreBand != "high" {
		t.Errorf("expected score band high, got %v", finished.ScoreBand)
	}
	if finished.Reward == nil || *finished.Reward != 1.0 {
		t.Errorf("expected reward 1.0, got %v", finished.Reward)
	}
	if finished.MetricValue == nil || *finished.MetricValue != 1500 {
		t.Errorf("expected metric value 1500, got %v", finished.MetricValue)
	}
	if finished.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if finished.AbortReason != nil {
		t.Errorf("expected no abort reason, got %v", *finished.AbortReason)
	}
}

// TestRecordAttemptFields tests that every attempt section survives storage
func TestRecordAttemptFields(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.BeginCycle(ctx, "cycle-fields", "exp", "comsol", time.Now()); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}

	if err := store.RecordAttempt(ctx, "cycle-fields", fullAttempt(1)); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "cycle-fields")
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}

	attempt := attempts[0]
	if attempt.Index != 1 {
		t.Errorf("expected index 1, got %d", attempt.Index)
	}
	if attempt.StageReached != string(engine.LoopStageEvaluate) {
		t.Errorf("expected stage %s, got %s", engine.LoopStageEvaluate, attempt.StageReached)
	}
	if attempt.Plan == nil || !strings.Contains(*attempt.Plan, `"backend":"comsol"`) {
		t.Errorf("expected plan JSON with backend, got %v", attempt.Plan)
	}
	if attempt.Script == nil || !strings.Contains(*attempt.Script, "mph.start()") {
		t.Errorf("expected script text, got %v", attempt.Script)
	}
	if attempt.ExitCode == nil || *attempt.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", attempt.ExitCode)
	}
	if attempt.Stdout == nil || *attempt.Stdout != "solver converged" {
		t.Errorf("expected stdout, got %v", attempt.Stdout)
	}
	if attempt.ScoreBand == nil || *attempt.ScoreBand != "high" {
		t.Errorf("expected score band high, got %v", attempt.ScoreBand)
	}
	if attempt.Reward == nil || *attempt.Reward != 1.0 {
		t.Errorf("expected reward 1.0, got %v", attempt.Reward)
	}
	if attempt.Diagnostic != nil {
		t.Errorf("expected no diagnostic, got %v", *attempt.Diagnostic)
	}
}

// TestRecordAttemptMinimal tests storing an attempt that failed before any
// optional section was produced
func TestRecordAttemptMinimal(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	if err := store.BeginCycle(ctx, "cycle-min", "exp", "comsol", now); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}

	attempt := &engine.Attempt{
		Index: 1,
		Diagnostic: &engine.Diagnostic{
			Stage:   engine.LoopStageGenerate,
			Summary: "no valid candidate",
		},
		StageReached: engine.LoopStageGenerate,
		StartedAt:    now,
		CompletedAt:  now.Add(time.Second),
	}
	if err := store.RecordAttempt(ctx, "cycle-min", attempt); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "cycle-min")
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}

	stored := attempts[0]
	if stored.Plan != nil {
		t.Errorf("expected nil plan, got %v", *stored.Plan)
	}
	if stored.Script != nil {
		t.Errorf("expected nil script, got %v", *stored.Script)
	}
	if stored.ExitCode != nil {
		t.Errorf("expected nil exit code, got %v", *stored.ExitCode)
	}
	if stored.ScoreBand != nil {
		t.Errorf("expected nil score band, got %v", *stored.ScoreBand)
	}
	if stored.Diagnostic == nil || !strings.Contains(*stored.Diagnostic, "no valid candidate") {
		t.Errorf("expected diagnostic JSON, got %v", stored.Diagnostic)
	}
}

// TestRecordAttemptUnknownCycle tests the foreign key guard
func TestRecordAttemptUnknownCycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	err := store.RecordAttempt(ctx, "no-such-cycle", fullAttempt(1))
	if err == nil {
		t.Error("expected error when recording attempt for unknown cycle")
	}
}

// TestFinishCycleNotFound tests finishing a cycle that was never begun
func TestFinishCycleNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	result := &engine.CycleResult{
		CycleID:     "no-such-cycle",
		Outcome:     engine.OutcomeAborted,
		Attempts:    1,
		AbortReason: "generator unreachable",
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	err := store.FinishCycle(ctx, result)
	if err == nil {
		t.Error("expected error when finishing unknown cycle")
	}
}

// TestListCyclesFilters tests experiment and status filters with pagination
func TestListCyclesFilters(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	cycles := []struct {
		id         string
		experiment string
	}{
		{"cycle-a1", "alpha"},
		{"cycle-a2", "alpha"},
		{"cycle-b1", "beta"},
	}
	for i, c := range cycles {
		if err := store.BeginCycle(ctx, c.id, c.experiment, "comsol", now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("failed to begin cycle %s: %v", c.id, err)
		}
	}

	// Finish one alpha cycle
	result := &engine.CycleResult{
		CycleID:     "cycle-a1",
		Experiment:  "alpha",
		Backend:     "comsol",
		Outcome:     engine.OutcomeExhausted,
		Attempts:    8,
		StartedAt:   now,
		CompletedAt: now.Add(time.Hour),
	}
	if err := store.FinishCycle(ctx, result); err != nil {
		t.Fatalf("failed to finish cycle: %v", err)
	}

	// All cycles
	all, err := store.ListCycles(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list cycles: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 cycles, got %d", len(all))
	}

	// Filter by experiment
	experiment := "alpha"
	alphas, err := store.ListCycles(ctx, &experiment, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list alpha cycles: %v", err)
	}
	if len(alphas) != 2 {
		t.Errorf("expected 2 alpha cycles, got %d", len(alphas))
	}

	// Filter by status
	status := CycleStatusExhausted
	exhausted, err := store.ListCycles(ctx, nil, &status, 10, 0)
	if err != nil {
		t.Fatalf("failed to list exhausted cycles: %v", err)
	}
	if len(exhausted) != 1 {
		t.Errorf("expected 1 exhausted cycle, got %d", len(exhausted))
	}
	if len(exhausted) == 1 && exhausted[0].ID != "cycle-a1" {
		t.Errorf("expected cycle-a1, got %s", exhausted[0].ID)
	}

	// Pagination, newest first
	page, err := store.ListCycles(ctx, nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("failed to list paginated cycles: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(page))
	}
	if page[0].ID != "cycle-b1" {
		t.Errorf("expected newest cycle cycle-b1, got %s", page[0].ID)
	}
}

// TestTrajectoryOperations tests trajectory logging and listing
func TestTrajectoryOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	if err := store.BeginCycle(ctx, "cycle-t1", "exp", "comsol", now); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if err := store.BeginCycle(ctx, "cycle-t2", "exp", "comsol", now); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}

	trajectories := []*engine.Trajectory{
		{CycleID: "cycle-t1", AttemptIndex: 1, Prompt: "design a transformer", Response: "plan v1", Reward: -1.0},
		{CycleID: "cycle-t1", AttemptIndex: 2, Prompt: "fix the solver error", Response: "plan v2", Reward: 1.0},
		{CycleID: "cycle-t2", AttemptIndex: 1, Prompt: "design a filter", Response: "plan v1", Reward: 0.4},
	}
	for _, trajectory := range trajectories {
		if err := store.LogTrajectory(ctx, trajectory); err != nil {
			t.Fatalf("failed to log trajectory: %v", err)
		}
	}

	// All records
	all, err := store.ListTrajectories(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list trajectories: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 trajectories, got %d", len(all))
	}

	// Filter by cycle
	cycleID := "cycle-t1"
	filtered, err := store.ListTrajectories(ctx, &cycleID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered trajectories: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 trajectories, got %d", len(filtered))
	}

	first := filtered[0]
	if first.AttemptIndex != 1 {
		t.Errorf("expected attempt index 1, got %d", first.AttemptIndex)
	}
	if first.Prompt != "design a transformer" {
		t.Errorf("expected prompt, got %s", first.Prompt)
	}
	if first.Reward != -1.0 {
		t.Errorf("expected reward -1.0, got %f", first.Reward)
	}
}

// TestCascadeDelete tests foreign key cascading from cycles
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	if err := store.BeginCycle(ctx, "cycle-cascade", "exp", "comsol", now); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if err := store.RecordAttempt(ctx, "cycle-cascade", fullAttempt(1)); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}
	trajectory := &engine.Trajectory{
		CycleID:      "cycle-cascade",
		AttemptIndex: 1,
		Prompt:       "p",
		Response:     "r",
		Reward:       1.0,
	}
	if err := store.LogTrajectory(ctx, trajectory); err != nil {
		t.Fatalf("failed to log trajectory: %v", err)
	}

	// Delete cycle (should cascade to attempts and trajectories)
	if err := store.DeleteCycle(ctx, "cycle-cascade"); err != nil {
		t.Fatalf("failed to delete cycle: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "cycle-cascade")
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("expected 0 attempts after cascade delete, got %d", len(attempts))
	}

	cycleID := "cycle-cascade"
	trajectories, err := store.ListTrajectories(ctx, &cycleID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list trajectories: %v", err)
	}
	if len(trajectories) != 0 {
		t.Errorf("expected 0 trajectories after cascade delete, got %d", len(trajectories))
	}

	// Delete again should report not found
	if err := store.DeleteCycle(ctx, "cycle-cascade"); err == nil {
		t.Error("expected error when deleting missing cycle")
	}
}

// TestPruneCycles tests retention pruning of finished cycles
func TestPruneCycles(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	// Old finished cycle
	if err := store.BeginCycle(ctx, "cycle-old", "exp", "comsol", now.Add(-72*time.Hour)); err != nil {
		t.Fatalf("failed to begin old cycle: %v", err)
	}
	oldResult := &engine.CycleResult{
		CycleID:     "cycle-old",
		Outcome:     engine.OutcomeSucceeded,
		Attempts:    1,
		StartedAt:   now.Add(-72 * time.Hour),
		CompletedAt: now.Add(-48 * time.Hour),
	}
	if err := store.FinishCycle(ctx, oldResult); err != nil {
		t.Fatalf("failed to finish old cycle: %v", err)
	}

	// Recent finished cycle
	if err := store.BeginCycle(ctx, "cycle-recent", "exp", "comsol", now.Add(-time.Hour)); err != nil {
		t.Fatalf("failed to begin recent cycle: %v", err)
	}
	recentResult := &engine.CycleResult{
		CycleID:     "cycle-recent",
		Outcome:     engine.OutcomeSucceeded,
		Attempts:    1,
		StartedAt:   now.Add(-time.Hour),
		CompletedAt: now,
	}
	if err := store.FinishCycle(ctx, recentResult); err != nil {
		t.Fatalf("failed to finish recent cycle: %v", err)
	}

	// Still running cycle
	if err := store.BeginCycle(ctx, "cycle-running", "exp", "comsol", now.Add(-96*time.Hour)); err != nil {
		t.Fatalf("failed to begin running cycle: %v", err)
	}

	pruned, err := store.PruneCycles(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune cycles: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned cycle, got %d", pruned)
	}

	if _, err := store.GetCycle(ctx, "cycle-old"); err == nil {
		t.Error("expected error when getting pruned cycle")
	}
	if _, err := store.GetCycle(ctx, "cycle-recent"); err != nil {
		t.Errorf("expected recent cycle to survive pruning: %v", err)
	}
	if _, err := store.GetCycle(ctx, "cycle-running"); err != nil {
		t.Errorf("expected running cycle to survive pruning: %v", err)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
