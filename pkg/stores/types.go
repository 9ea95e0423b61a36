package stores

import (
	"context"
	"time"

	"github.com/simforge/simforge/pkg/engine"
)

// CycleStatus represents the lifecycle state of a stored cycle. Terminal
// statuses carry the same names as the engine's cycle outcomes.
type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusSucceeded CycleStatus = "succeeded"
	CycleStatusExhausted CycleStatus = "exhausted"
	CycleStatusAborted   CycleStatus = "aborted"
	CycleStatusCancelled CycleStatus = "cancelled"
)

// Cycle represents one stored repair cycle
type Cycle struct {
	ID          string      `json:"id"`
	Experiment  string      `json:"experiment"`
	Backend     string      `json:"backend"`
	Status      CycleStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	ScoreBand   *string     `json:"score_band,omitempty"`
	Reward      *float64    `json:"reward,omitempty"`
	MetricValue *float64    `json:"metric_value,omitempty"`
	AbortReason *string     `json:"abort_reason,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Attempt represents one stored generate-compile-execute-evaluate iteration
type Attempt struct {
	ID           int64     `json:"id"`
	CycleID      string    `json:"cycle_id"`
	Index        int       `json:"idx"`
	StageReached string    `json:"stage_reached"`
	Plan         *string   `json:"plan,omitempty"`       // JSON blob
	Script       *string   `json:"script,omitempty"`     // full script text
	ExitCode     *int      `json:"exit_code,omitempty"`
	Stdout       *string   `json:"stdout,omitempty"`
	Stderr       *string   `json:"stderr,omitempty"`
	Diagnostic   *string   `json:"diagnostic,omitempty"` // JSON blob
	ScoreBand    *string   `json:"score_band,omitempty"`
	Reward       *float64  `json:"reward,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Trajectory represents one stored prompt/response/reward record
type Trajectory struct {
	ID           int64     `json:"id"`
	CycleID      string    `json:"cycle_id"`
	AttemptIndex int       `json:"attempt_idx"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	Reward       float64   `json:"reward"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Loop collaborators
	engine.CycleStore
	engine.TrajectoryLogger

	// History queries
	GetCycle(ctx context.Context, id string) (*Cycle, error)
	ListCycles(ctx context.Context, experiment *string, status *CycleStatus, limit, offset int) ([]*Cycle, error)
	ListAttempts(ctx context.Context, cycleID string) ([]*Attempt, error)
	ListTrajectories(ctx context.Context, cycleID *string, limit, offset int) ([]*Trajectory, error)

	// Retention
	DeleteCycle(ctx context.Context, id string) error
	PruneCycles(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
