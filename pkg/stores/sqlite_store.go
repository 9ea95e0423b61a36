package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/simforge/simforge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection. Pragmas ride the DSN so every
// pooled connection enforces foreign keys and WAL mode, and the sqlite time
// format keeps datetime columns readable by SQL-side date functions, which
// retention queries rely on.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginCycle records that a cycle has started
func (s *SQLiteStore) BeginCycle(ctx context.Context, cycleID, experiment, backend string, startedAt time.Time) error {
	query := `
		INSERT INTO cycles (id, experiment, backend, status, attempts, started_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`

	_, err := s.db.ExecContext(ctx, query, cycleID, experiment, backend, CycleStatusRunning, startedAt)
	if err != nil {
		return fmt.Errorf("failed to begin cycle: %w", err)
	}

	return nil
}

// RecordAttempt appends one attempt to the cycle history and refreshes the
// cycle's attempt counter in the same transaction.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, cycleID string, attempt *engine.Attempt) error {
	row, err := attemptRow(cycleID, attempt)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO attempts (
			cycle_id, idx, stage_reached, plan, script,
			exit_code, stdout, stderr, diagnostic,
			score_band, reward, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		row.CycleID,
		row.Index,
		row.StageReached,
		row.Plan,
		row.Script,
		row.ExitCode,
		row.Stdout,
		row.Stderr,
		row.Diagnostic,
		row.ScoreBand,
		row.Reward,
		row.StartedAt,
		row.CompletedAt,
	); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	update := `UPDATE cycles SET attempts = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := tx.ExecContext(ctx, update, attempt.Index, cycleID)
	if err != nil {
		return fmt.Errorf("failed to update cycle attempt count: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("cycle not found: %s", cycleID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt record: %w", err)
	}

	return nil
}

// attemptRow flattens an engine attempt into its stored representation
func attemptRow(cycleID string, attempt *engine.Attempt) (*Attempt, error) {
	row := &Attempt{
		CycleID:      cycleID,
		Index:        attempt.Index,
		StageReached: string(attempt.StageReached),
		StartedAt:    attempt.StartedAt,
		CompletedAt:  attempt.CompletedAt,
	}

	if attempt.Plan != nil {
		encoded, err := json.Marshal(attempt.Plan)
		if err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		blob := string(encoded)
		row.Plan = &blob
	}

	if attempt.Script != nil {
		text := attempt.Script.Text()
		row.Script = &text
	}

	if attempt.Execution != nil {
		exitCode := attempt.Execution.ExitCode
		stdout := attempt.Execution.Stdout
		stderr := attempt.Execution.Stderr
		row.ExitCode = &exitCode
		row.Stdout = &stdout
		row.Stderr = &stderr
	}

	if attempt.Diagnostic != nil {
		encoded, err := json.Marshal(attempt.Diagnostic)
		if err != nil {
			return nil, fmt.Errorf("failed to encode diagnostic: %w", err)
		}
		blob := string(encoded)
		row.Diagnostic = &blob
	}

	if attempt.Score != nil {
		band := attempt.Score.Band
		reward := attempt.Score.Reward
		row.ScoreBand = &band
		row.Reward = &reward
	}

	return row, nil
}

// FinishCycle records the terminal result of a cycle
func (s *SQLiteStore) FinishCycle(ctx context.Context, result *engine.CycleResult) error {
	query := `
		UPDATE cycles
		SET status = ?, attempts = ?, score_band = ?, reward = ?, metric_value = ?,
			abort_reason = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	var band *string
	var reward, metric *float64
	if result.FinalScore != nil {
		band = &result.FinalScore.Band
		reward = &result.FinalScore.Reward
		metric = &result.FinalScore.MetricValue
	}

	var abortReason *string
	if result.AbortReason != "" {
		abortReason = &result.AbortReason
	}

	res, err := s.db.ExecContext(ctx, query,
		CycleStatus(result.Outcome),
		result.Attempts,
		band,
		reward,
		metric,
		abortReason,
		result.CompletedAt,
		result.CycleID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish cycle: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("cycle not found: %s", result.CycleID)
	}

	return nil
}

// LogTrajectory appends one prompt/response/reward record
func (s *SQLiteStore) LogTrajectory(ctx context.Context, t *engine.Trajectory) error {
	query := `
		INSERT INTO trajectories (cycle_id, attempt_idx, prompt, response, reward)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, t.CycleID, t.AttemptIndex, t.Prompt, t.Response, t.Reward)
	if err != nil {
		return fmt.Errorf("failed to log trajectory: %w", err)
	}

	return nil
}

// GetCycle retrieves a cycle by ID
func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	query := `
		SELECT id, experiment, backend, status, attempts, score_band, reward,
			   metric_value, abort_reason, started_at, completed_at, created_at, updated_at
		FROM cycles
		WHERE id = ?
	`

	cycle := &Cycle{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cycle.ID,
		&cycle.Experiment,
		&cycle.Backend,
		&cycle.Status,
		&cycle.Attempts,
		&cycle.ScoreBand,
		&cycle.Reward,
		&cycle.MetricValue,
		&cycle.AbortReason,
		&cycle.StartedAt,
		&cycle.CompletedAt,
		&cycle.CreatedAt,
		&cycle.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cycle not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}

	return cycle, nil
}

// ListCycles lists cycles with optional experiment and status filters
func (s *SQLiteStore) ListCycles(ctx context.Context, experiment *string, status *CycleStatus, limit, offset int) ([]*Cycle, error) {
	query := `
		SELECT id, experiment, backend, status, attempts, score_band, reward,
			   metric_value, abort_reason, started_at, completed_at, created_at, updated_at
		FROM cycles
		WHERE (? IS NULL OR experiment = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, experiment, experiment, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*Cycle{}
	for rows.Next() {
		cycle := &Cycle{}
		err := rows.Scan(
			&cycle.ID,
			&cycle.Experiment,
			&cycle.Backend,
			&cycle.Status,
			&cycle.Attempts,
			&cycle.ScoreBand,
			&cycle.Reward,
			&cycle.MetricValue,
			&cycle.AbortReason,
			&cycle.StartedAt,
			&cycle.CompletedAt,
			&cycle.CreatedAt,
			&cycle.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}

	return cycles, nil
}

// ListAttempts lists the attempts of one cycle in attempt order
func (s *SQLiteStore) ListAttempts(ctx context.Context, cycleID string) ([]*Attempt, error) {
	query := `
		SELECT id, cycle_id, idx, stage_reached, plan, script,
			   exit_code, stdout, stderr, diagnostic,
			   score_band, reward, started_at, completed_at
		FROM attempts
		WHERE cycle_id = ?
		ORDER BY idx ASC
	`

	rows, err := s.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*Attempt{}
	for rows.Next() {
		attempt := &Attempt{}
		err := rows.Scan(
			&attempt.ID,
			&attempt.CycleID,
			&attempt.Index,
			&attempt.StageReached,
			&attempt.Plan,
			&attempt.Script,
			&attempt.ExitCode,
			&attempt.Stdout,
			&attempt.Stderr,
			&attempt.Diagnostic,
			&attempt.ScoreBand,
			&attempt.Reward,
			&attempt.StartedAt,
			&attempt.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// ListTrajectories lists trajectory records with an optional cycle filter
func (s *SQLiteStore) ListTrajectories(ctx context.Context, cycleID *string, limit, offset int) ([]*Trajectory, error) {
	query := `
		SELECT id, cycle_id, attempt_idx, prompt, response, reward, created_at
		FROM trajectories
		WHERE (? IS NULL OR cycle_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, cycleID, cycleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list trajectories: %w", err)
	}
	defer rows.Close()

	trajectories := []*Trajectory{}
	for rows.Next() {
		trajectory := &Trajectory{}
		err := rows.Scan(
			&trajectory.ID,
			&trajectory.CycleID,
			&trajectory.AttemptIndex,
			&trajectory.Prompt,
			&trajectory.Response,
			&trajectory.Reward,
			&trajectory.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trajectory: %w", err)
		}
		trajectories = append(trajectories, trajectory)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trajectories: %w", err)
	}

	return trajectories, nil
}

// DeleteCycle deletes a cycle by ID, cascading to its attempts and
// trajectories
func (s *SQLiteStore) DeleteCycle(ctx context.Context, id string) error {
	query := `DELETE FROM cycles WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete cycle: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("cycle not found: %s", id)
	}

	return nil
}

// PruneCycles deletes finished cycles that completed at or before the cutoff,
// along with their attempts and trajectories. Running cycles are kept.
func (s *SQLiteStore) PruneCycles(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM cycles WHERE completed_at IS NOT NULL AND datetime(completed_at) <= datetime(?)`

	result, err := s.db.ExecContext(ctx, query, before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune cycles: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
