// Package taskq is the SQLite-backed queue of pending submission tasks.
//
// Claimed tasks are invisible to other consumers for a visibility window.
// A consumer that finishes acks (deletes) the task; one that crashes or
// overruns the window loses the claim and the task reappears. The queue is
// pure SQLite — no broker — so the dispatcher and worker can live in one
// process or several without extra coordination.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS apply_queue (
//	    id          TEXT PRIMARY KEY,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package taskq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Task describes one queued automated submission.
type Task struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	JobID         string `json:"job_id"`
	ApplyURL      string `json:"apply_url"`    // canonical posting URL handed to the engine
	ScriptRef     string `json:"script_ref"`   // navigation script the engine should run
	CallbackURL   string `json:"callback_url"` // verification callback endpoint
	Identifier    string `json:"identifier"`   // verification identifier (email)

	Attempts  int       `json:"-"`
	VisibleAt time.Time `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed task stays invisible. Default: 5m —
	// a full engine run including the verification wait.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 2s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a task is handed to the
	// Overflow callback. 0 means unlimited. Default: 3.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the apply_queue table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS apply_queue (
			id          TEXT PRIMARY KEY,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_apply_queue_visible ON apply_queue (visible_at);
	`)
	return err
}

// Publish inserts a task that is immediately visible.
func (q *Q) Publish(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("taskq: task needs an ID")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskq: marshal: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO apply_queue (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		task.ID, payload, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible task, hides it for the
// visibility window, and returns it. Returns nil, nil when nothing is
// visible.
func (q *Q) Claim(ctx context.Context) (*Task, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE apply_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM apply_queue
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var id string
	var payload []byte
	var visAt, creAt int64
	var attempts int
	err := row.Scan(&id, &payload, &visAt, &creAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("taskq: unmarshal %s: %w", id, err)
	}
	t.ID = id
	t.Attempts = attempts
	t.VisibleAt = time.UnixMilli(visAt)
	t.CreatedAt = time.UnixMilli(creAt)
	return &t, nil
}

// Ack deletes a finished task.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM apply_queue WHERE id = ?`, id)
	return err
}

// Nack makes a task immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE apply_queue SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Extend pushes the visibility timeout forward for a task still being
// worked on (heartbeat pattern — an engine run with a verification wait can
// outlive the default window).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE apply_queue SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// Len returns the total number of tasks (visible + invisible).
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM apply_queue`).Scan(&n)
	return n, err
}

// Handler processes a claimed task. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, task *Task) error

// Overflow is called when a task exceeds MaxAttempts, before it is removed
// from the queue. The dispatcher routes such applications to manual review.
type Overflow func(ctx context.Context, task *Task)

// Run polls for visible tasks and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler, overflow Overflow) {
	log := q.opts.Logger
	log.Info("taskq: consumer started",
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("taskq: consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, overflow, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, overflow Overflow, log *slog.Logger) {
	for {
		task, err := q.Claim(ctx)
		if err != nil {
			log.Warn("taskq: claim failed", "error", err)
			return
		}
		if task == nil {
			return // nothing visible
		}

		if q.opts.MaxAttempts > 0 && task.Attempts > q.opts.MaxAttempts {
			log.Warn("taskq: task exceeded max attempts",
				"id", task.ID, "application", task.ApplicationID, "attempts", task.Attempts)
			if overflow != nil {
				overflow(ctx, task)
			}
			_ = q.Ack(ctx, task.ID)
			continue
		}

		if err := handler(ctx, task); err != nil {
			log.Warn("taskq: handler failed, nacking",
				"id", task.ID, "application", task.ApplicationID, "error", err)
			_ = q.Nack(ctx, task.ID)
		} else {
			_ = q.Ack(ctx, task.ID)
		}
	}
}
