// Package history keeps a SQLite record of every task's terminal outcome.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OutcomeCompleted marks a successful task. Failed tasks use the error
// kinds from the agent package (timeout, remote, cancelled, connection).
const OutcomeCompleted = "completed"

var ErrRecordNotFound = errors.New("history record not found")

// Record is one finished task
type Record struct {
	TaskID           string        `json:"task_id"`
	Description      string        `json:"description"`
	Outcome          string        `json:"outcome"`
	Message          string        `json:"message,omitempty"`
	ActionsCompleted int           `json:"actions_completed"`
	Steps            int           `json:"steps"`
	Duration         time.Duration `json:"duration"`
	FinishedAt       time.Time     `json:"finished_at"`
}

// Filter narrows List. Zero values mean no constraint; Limit <= 0 means 50.
type Filter struct {
	Outcome string
	Since   time.Time
	Limit   int
}

// Stats aggregates the recorded outcomes
type Stats struct {
	Total          int            `json:"total"`
	ByOutcome      map[string]int `json:"by_outcome"`
	SuccessRate    float64        `json:"success_rate"`
	AvgDurationMs  float64        `json:"avg_duration_ms"`
	LastFinishedAt *time.Time     `json:"last_finished_at,omitempty"`
}

// Store persists records
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
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
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		outcome TEXT NOT NULL,
		message TEXT,
		actions_completed INTEGER NOT NULL DEFAULT 0,
		steps INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_outcome ON tasks(outcome);
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

// Prune deletes records that finished before the given time
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	return res.RowsAffected()
}

// Save stores a record. A task id is recorded at most once; later records
// for the same id are ignored.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r.TaskID == "" {
		return errors.New("record has no task id")
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	// Stored as text; a single zone keeps ORDER BY chronological
	r.FinishedAt = r.FinishedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks (task_id, description, outcome, message, actions_completed, steps, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Description, r.Outcome, r.Message, r.ActionsCompleted, r.Steps,
		r.Duration.Milliseconds(), r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

const selectColumns = `SELECT task_id, description, outcome, message, actions_completed, steps, duration_ms, finished_at FROM tasks`

// Get returns the record for taskID
func (s *Store) Get(ctx context.Context, taskID string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// List returns matching records, most recent first
func (s *Store) List(ctx context.Context, f Filter) ([]*Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + ` WHERE 1=1`
	var args []any
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += ` AND finished_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats summarizes every record
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByOutcome: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM tasks GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		stats.ByOutcome[outcome] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total == 0 {
		return stats, nil
	}
	stats.SuccessRate = float64(stats.ByOutcome[OutcomeCompleted]) / float64(stats.Total)

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(duration_ms) FROM tasks`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("failed to average durations: %w", err)
	}
	stats.AvgDurationMs = avg.Float64

	last, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` ORDER BY finished_at DESC LIMIT 1`))
	if err != nil {
		return nil, fmt.Errorf("failed to get latest record: %w", err)
	}
	stats.LastFinishedAt = &last.FinishedAt
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r          Record
		message    sql.NullString
		durationMs int64
	)
	if err := row.Scan(&r.TaskID, &r.Description, &r.Outcome, &message, &r.ActionsCompleted, &r.Steps, &durationMs, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Message = message.String
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return &r, nil
}
