// Package eventlog persists operational events for replay debugging.
//
// Every user-visible failure in the pipeline lands here with enough context
// (job, application, task) to reconstruct what happened without re-querying
// live state.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/SmmShaman/jobbot-no/idgen"
)

// Levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Entry is one logged event. Zero-value ID, Level and Timestamp are filled
// by Log.
type Entry struct {
	ID            string
	JobID         string
	ApplicationID string
	TaskID        string
	Action        string // e.g. "submission_enqueued", "engine_failure"
	Detail        string
	Level         string
	CreatedAt     int64 // milliseconds since epoch
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL DEFAULT '',
	application_id TEXT NOT NULL DEFAULT '',
	task_id        TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	level          TEXT NOT NULL DEFAULT 'info',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_created ON event_log (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_application ON event_log (application_id);`

// Logger writes entries to SQLite.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewLogger wraps an already-opened database.
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db, newID: idgen.Prefixed("ev_", idgen.Default)}
}

// Init creates the event_log table.
func (l *Logger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Log persists one entry, filling defaults in place.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	if e.Action == "" {
		return fmt.Errorf("eventlog: entry needs an action")
	}
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO event_log (id, job_id, application_id, task_id, action, detail, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.ApplicationID, e.TaskID, e.Action, e.Detail, e.Level, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, job_id, application_id, task_id, action, detail, level, created_at
		FROM event_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JobID, &e.ApplicationID, &e.TaskID,
			&e.Action, &e.Detail, &e.Level, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForApplication returns every entry for one application, oldest first.
func (l *Logger) ForApplication(ctx context.Context, applicationID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, job_id, application_id, task_id, action, detail, level, created_at
		FROM event_log WHERE application_id = ? ORDER BY created_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JobID, &e.ApplicationID, &e.TaskID,
			&e.Action, &e.Detail, &e.Level, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
