// Package checkpoint persists alignment progress and per-exam outcomes in an
// embedded SQLite database.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dgallion1/markalign/internal/align"
)

// Outcome is one exam's result within a batch run.
type Outcome struct {
	RunID      string    `json:"run_id"`
	ExamID     string    `json:"exam_id"`
	Status     string    `json:"status"`
	Questions  int       `json:"questions"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store keeps the latest AlignmentState per exam and an append-only outcome
// ledger. It satisfies align.Checkpointer.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

var _ align.Checkpointer = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "create checkpoint dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "open checkpoint db %s", path)
	}
	// One writer keeps sqlite from reporting SQLITE_BUSY under the batch pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "ensure checkpoint schema")
	}
	log.Debug("checkpoint store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alignment_state (
		exam_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		exam_id TEXT NOT NULL,
		status TEXT NOT NULL,
		questions INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON exam_outcomes(run_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_exam ON exam_outcomes(exam_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveState stores st as the resume point for key.
func (s *Store) SaveState(ctx context.Context, key string, st align.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return eris.Wrap(err, "marshal alignment state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alignment_state (exam_key, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(exam_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC())
	if err != nil {
		return eris.Wrapf(err, "save state for %s", key)
	}
	return nil
}

// LoadState returns the saved state for key, if any.
func (s *Store) LoadState(ctx context.Context, key string) (align.State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM alignment_state WHERE exam_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return align.State{}, false, nil
	}
	if err != nil {
		return align.State{}, false, eris.Wrapf(err, "load state for %s", key)
	}
	var st align.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return align.State{}, false, eris.Wrapf(err, "decode state for %s", key)
	}
	return st, true, nil
}

// ClearState drops the resume point for key.
func (s *Store) ClearState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alignment_state WHERE exam_key = ?`, key); err != nil {
		return eris.Wrapf(err, "clear state for %s", key)
	}
	return nil
}

// RecordOutcome appends one exam result to the ledger.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_outcomes
		(run_id, exam_id, status, questions, attempts, error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.ExamID, o.Status, o.Questions, o.Attempts, o.Error, o.DurationMs, o.FinishedAt.UTC())
	if err != nil {
		return eris.Wrapf(err, "record outcome for %s", o.ExamID)
	}
	return nil
}

// Outcomes returns the most recent outcomes, newest first. A non-empty runID
// restricts the result to that run.
func (s *Store) Outcomes(ctx context.Context, runID string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, exam_id, status, questions, attempts, COALESCE(error, ''), duration_ms, finished_at
		FROM exam_outcomes`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "query outcomes")
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.RunID, &o.ExamID, &o.Status, &o.Questions, &o.Attempts,
			&o.Error, &o.DurationMs, &o.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "scan outcome")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "iterate outcomes")
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
