// Package journal records every supervised run in a SQLite database so past
// iterations can be inspected with `relaunch history`.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrClosed indicates the journal is closed.
	ErrClosed = errors.New("journal is closed")

	// ErrRunNotFound indicates the run id is unknown.
	ErrRunNotFound = errors.New("run not found in journal")
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultRecentLimit = 20
	maxOpenConns       = 1
)

// Config holds configuration for the journal.
type Config struct {
	// DBPath is the path to the SQLite database.
	DBPath string
}

// End reasons recorded for a run.
const (
	ReasonFileChanged  = "file_changed"
	ReasonExited       = "exited"
	ReasonShutdown     = "shutdown"
	ReasonLaunchFailed = "launch_failed"
)

// =============================================================================
// Records
// =============================================================================

// Run is one recorded iteration.
type Run struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Iteration int       `json:"iteration"`
	Trigger   string    `json:"trigger,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`

	// Set when the run finished.
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Pid       int        `json:"pid,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// Start describes a run as it begins.
type Start struct {
	SessionID string
	Iteration int
	Trigger   string
	Command   []string
}

// Finish describes how a run ended.
type Finish struct {
	Pid      int
	ExitCode int
	Reason   string
}

// =============================================================================
// Journal
// =============================================================================

// Journal stores run records.
type Journal struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating when needed) the journal database.
func Open(cfg Config) (*Journal, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := configureAndCreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func configureAndCreateSchema(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		trigger_path TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, iteration);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (j *Journal) checkClosed() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

// BeginRun records the start of a run and returns its id.
func (j *Journal) BeginRun(ctx context.Context, start Start) (int64, error) {
	if err := j.checkClosed(); err != nil {
		return 0, err
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (session_id, iteration, trigger_path, command, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, start.SessionID, start.Iteration, start.Trigger, strings.Join(start.Command, " "), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun records how run id ended.
func (j *Journal) FinishRun(ctx context.Context, id int64, finish Finish) error {
	if err := j.checkClosed(); err != nil {
		return err
	}

	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, pid = ?, exit_code = ?, end_reason = ?
		WHERE id = ?
	`, time.Now().UnixMilli(), finish.Pid, finish.ExitCode, finish.Reason, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if err := j.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, iteration, trigger_path, command, started_at,
			ended_at, pid, exit_code, end_reason
		FROM runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		run      Run
		started  int64
		ended    sql.NullInt64
		exitCode sql.NullInt64
	)
	err := rows.Scan(&run.ID, &run.SessionID, &run.Iteration, &run.Trigger, &run.Command,
		&started, &ended, &run.Pid, &exitCode, &run.EndReason)
	if err != nil {
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}

	run.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		run.EndedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	return run, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
