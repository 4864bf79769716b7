package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store records schedule executions and run times
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "schedules.db")
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedule_runs (
		name TEXT PRIMARY KEY,
		last_run_at DATETIME NOT NULL,
		next_run_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id TEXT PRIMARY KEY,
		schedule_name TEXT NOT NULL,
		task_id TEXT,
		executed_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_name, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to path
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// Prune deletes executions older than before. Run times are kept.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_executions WHERE executed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return res.RowsAffected()
}

// RecordExecution stores an execution, assigning an ID when empty
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()[:8]
	}
	exec.ExecutedAt = exec.ExecutedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_name, task_id, executed_at, status, output, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleName, exec.TaskID, exec.ExecutedAt, string(exec.Status),
		exec.Output, exec.Error, exec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns a schedule's executions, newest first. An empty
// name lists every schedule; limit <= 0 means 50.
func (s *Store) ListExecutions(ctx context.Context, name string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, schedule_name, task_id, executed_at, status, output, error, duration_ms
		FROM schedule_executions`
	args := []any{}
	if name != "" {
		query += ` WHERE schedule_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var executions []*Execution
	for rows.Next() {
		var (
			exec                  Execution
			status                string
			taskID, output, errMs sql.NullString
			duration              sql.NullInt64
		)
		if err := rows.Scan(&exec.ID, &exec.ScheduleName, &taskID, &exec.ExecutedAt, &status, &output, &errMs, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Status = ExecutionStatus(status)
		exec.TaskID = taskID.String
		exec.Output = output.String
		exec.Error = errMs.String
		exec.DurationMs = duration.Int64
		executions = append(executions, &exec)
	}
	return executions, rows.Err()
}

// UpdateRunTimes records when a schedule last fired and when it fires next
func (s *Store) UpdateRunTimes(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (name, last_run_at, next_run_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_run_at = excluded.last_run_at, next_run_at = excluded.next_run_at`,
		name, lastRun, nextRun,
	)
	if err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}
	return nil
}

// LastRun returns when a schedule last fired
func (s *Store) LastRun(ctx context.Context, name string) (time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_run_at FROM schedule_runs WHERE name = ?`, name).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrScheduleNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last run: %w", err)
	}
	return last, nil
}
