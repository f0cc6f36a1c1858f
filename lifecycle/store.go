package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SmmShaman/jobbot-no/idgen"
)

// Application is one user's application to one posting.
type Application struct {
	ID         string
	JobID      string
	UserID     string
	Status     Status
	TaskID     string            // automation engine task handle, set at submission
	Metadata   map[string]string // opaque submission metadata (routing source etc.)
	CreatedAt  int64             // milliseconds since epoch
	ApprovedAt int64             // 0 until first approved
	SentAt     int64             // 0 until sent
	UpdatedAt  int64
}

// Schema creates the applications table.
const Schema = `
CREATE TABLE IF NOT EXISTS applications (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'draft',
	task_id       TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	approved_at   INTEGER NOT NULL DEFAULT 0,
	sent_at       INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_applications_job ON applications (job_id, user_id);
CREATE INDEX IF NOT EXISTS idx_applications_task ON applications (task_id);`

// Store mutates application records. All status changes go through the
// conditional transition helper; nothing else writes the status column.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
}

// NewStore wraps an already-opened database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, newID: idgen.Prefixed("app_", idgen.Default)}
}

// Init creates the applications table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Create inserts a new draft application.
func (s *Store) Create(ctx context.Context, jobID, userID string) (*Application, error) {
	now := time.Now().UnixMilli()
	app := &Application{
		ID:        s.newID(),
		JobID:     jobID,
		UserID:    userID,
		Status:    Draft,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (id, job_id, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		app.ID, app.JobID, app.UserID, string(app.Status), app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create: %w", err)
	}
	return app, nil
}

// Get retrieves an application by ID, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Application, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, job_id, user_id, status, task_id, metadata_json,
		created_at, approved_at, sent_at, updated_at
		FROM applications WHERE id = ?`, id))
}

// GetByTask retrieves the application carrying the given engine task ID.
func (s *Store) GetByTask(ctx context.Context, taskID string) (*Application, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, job_id, user_id, status, task_id, metadata_json,
		created_at, approved_at, sent_at, updated_at
		FROM applications WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID))
}

// transition performs one conditional status update. The affected row count
// communicates applied (true) or no-op (false); a no-op usually means a
// benign concurrent duplicate and is logged, never escalated.
func (s *Store) transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("lifecycle: transition to %s needs at least one prior status", to)
	}

	q := `UPDATE applications SET status = ?, updated_at = ?`
	args := []any{string(to), time.Now().UnixMilli()}
	switch to {
	case Approved:
		q += `, approved_at = CASE WHEN approved_at = 0 THEN ? ELSE approved_at END`
		args = append(args, time.Now().UnixMilli())
	case Sent:
		q += `, sent_at = ?`
		args = append(args, time.Now().UnixMilli())
	}
	q += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("lifecycle: transition %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lifecycle: rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Info("lifecycle: transition was a no-op", "application", id, "to", string(to))
		return false, nil
	}
	return true, nil
}

// Approve moves a draft to approved.
func (s *Store) Approve(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Approved, Draft)
}

// Submit moves an approved application to sending. This is the
// duplicate-submission guard: the conditional update cannot fire when the
// record is already sending or sent, whatever the interleaving.
func (s *Store) Submit(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Sending, Approved)
}

// MarkSent finishes a sending application.
func (s *Store) MarkSent(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Sent, Sending)
}

// MarkFailed records an automation failure.
func (s *Store) MarkFailed(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Failed, Sending)
}

// MarkManualReview parks a sending application for a human.
func (s *Store) MarkManualReview(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, ManualReview, Sending)
}

// Retry re-approves a failed or manually reviewed application.
func (s *Store) Retry(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Approved, Failed, ManualReview)
}

// Cancel aborts an in-flight submission, returning it to approved. The
// verification relay needs no signal: later polls for a cancelled task find
// no live mailbox row and return empty until the task's own timeout fires.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Approved, Sending)
}

// Reject moves any non-terminal application to rejected.
func (s *Store) Reject(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, Rejected, Draft, Approved, Sending, Failed, ManualReview)
}

// SetSubmissionMeta records the engine task handle and routing metadata.
func (s *Store) SetSubmissionMeta(ctx context.Context, id, taskID string, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE applications SET task_id = ?, metadata_json = ?, updated_at = ? WHERE id = ?`,
		taskID, string(raw), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("lifecycle: set submission meta: %w", err)
	}
	return nil
}

func (s *Store) scanOne(row *sql.Row) (*Application, error) {
	var a Application
	var status, meta string
	err := row.Scan(&a.ID, &a.JobID, &a.UserID, &status, &a.TaskID, &meta,
		&a.CreatedAt, &a.ApprovedAt, &a.SentAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		a.Metadata = map[string]string{}
	}
	return &a, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
