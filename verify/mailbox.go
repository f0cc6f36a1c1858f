package verify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/SmmShaman/jobbot-no/idgen"
)

// Schema creates the verification_requests table.
const Schema = `
CREATE TABLE IF NOT EXISTS verification_requests (
	id               TEXT PRIMARY KEY,
	identifier       TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	chat_handle      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	code             TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	code_received_at INTEGER NOT NULL DEFAULT 0,
	completed_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_verification_identifier ON verification_requests (identifier, created_at);
CREATE INDEX IF NOT EXISTS idx_verification_handle ON verification_requests (chat_handle, created_at);`

// DefaultTTL matches the automation task's own timeout ceiling.
const DefaultTTL = 15 * time.Minute

// Options configures the mailbox.
type Options struct {
	// TTL is the absolute lifetime of a request. Default: 15 minutes.
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Mailbox is the narrow store the relay coordinates through. It exposes
// only the operations the three-party handshake needs, so the race-prone
// read-modify-write sequences live in one place.
type Mailbox struct {
	db    *sql.DB
	opts  Options
	newID idgen.Generator
}

// NewMailbox wraps an already-opened database.
func NewMailbox(db *sql.DB, opts Options) *Mailbox {
	opts.defaults()
	return &Mailbox{db: db, opts: opts, newID: idgen.Prefixed("vr_", idgen.Default)}
}

// Init creates the verification_requests table.
func (m *Mailbox) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, Schema)
	return err
}

// CreatePending pre-creates a request before the automation task starts.
// This is the preferred path: it pins identifier, user and chat handle
// before the first callback can race on "who is this code for".
func (m *Mailbox) CreatePending(ctx context.Context, identifier, userID, chatHandle string) (*Request, error) {
	now := m.opts.Now()
	r := &Request{
		ID:         m.newID(),
		Identifier: identifier,
		UserID:     userID,
		ChatHandle: chatHandle,
		Status:     Pending,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(m.opts.TTL).UnixMilli(),
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO verification_requests (id, identifier, user_id, chat_handle, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Identifier, r.UserID, r.ChatHandle, string(r.Status), r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("verify: create pending: %w", err)
	}
	return r, nil
}

// PollOutcome is what one callback poll concluded.
type PollOutcome struct {
	RequestID  string
	Code       string // non-empty when a code is being delivered
	Notify     bool   // true exactly when this poll moved a row into code_requested
	ChatHandle string // operator handle for the notification, may be empty on the fallback path
}

// TryClaimForPoll runs the whole poll-side handshake for one callback.
// It never blocks and is idempotent across any number of repeats:
//
//  1. A stored code (code_received or completed) is delivered and the row
//     completed — replays after completion return the same code.
//  2. A pending row is claimed into code_requested; exactly the poll that
//     wins the conditional update reports Notify=true, so the operator is
//     pinged once per code request no matter how fast the task polls.
//  3. An already-claimed row reports a plain empty outcome.
//  4. No row at all: the task started before the dispatcher created one.
//     A row is created directly in code_requested, inheriting the chat
//     handle from the most recent prior request for the identifier.
//
// Expired rows are lazily marked and treated as absent throughout.
func (m *Mailbox) TryClaimForPoll(ctx context.Context, identifier string) (*PollOutcome, error) {
	now := m.opts.Now().UnixMilli()

	if err := m.expireForIdentifier(ctx, identifier, now); err != nil {
		return nil, err
	}

	// 1. Deliver a stored code. Completed rows replay the same code for the
	// rest of their window; past expires_at every row is inert.
	row := m.db.QueryRowContext(ctx,
		`SELECT id, code, chat_handle FROM verification_requests
		WHERE identifier = ? AND status IN (?, ?) AND code != '' AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		identifier, string(CodeReceived), string(Completed), now)
	var id, code, handle string
	switch err := row.Scan(&id, &code, &handle); err {
	case nil:
		if _, err := m.db.ExecContext(ctx,
			`UPDATE verification_requests
			SET status = ?, completed_at = CASE WHEN completed_at = 0 THEN ? ELSE completed_at END
			WHERE id = ?`,
			string(Completed), now, id); err != nil {
			return nil, fmt.Errorf("verify: complete: %w", err)
		}
		return &PollOutcome{RequestID: id, Code: code, ChatHandle: handle}, nil
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("verify: read code: %w", err)
	}

	// 2. Claim the newest live pending row. The conditional update decides
	// which concurrent poll notifies the operator.
	row = m.db.QueryRowContext(ctx,
		`UPDATE verification_requests SET status = ?
		WHERE id = (
			SELECT id FROM verification_requests
			WHERE identifier = ? AND status = ? AND expires_at > ?
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING id, chat_handle`,
		string(CodeRequested), identifier, string(Pending), now)
	switch err := row.Scan(&id, &handle); err {
	case nil:
		return &PollOutcome{RequestID: id, Notify: true, ChatHandle: handle}, nil
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("verify: claim pending: %w", err)
	}

	// 3. Subsequent poll against a live claimed row.
	row = m.db.QueryRowContext(ctx,
		`SELECT id FROM verification_requests
		WHERE identifier = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		identifier, string(CodeRequested), now)
	switch err := row.Scan(&id); err {
	case nil:
		return &PollOutcome{RequestID: id}, nil
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("verify: read claimed: %w", err)
	}

	// 4. Fallback: no row exists. Known weak point — the chat handle is
	// inferred from the most recent prior request for this identifier,
	// whatever state it ended in.
	var userID string
	row = m.db.QueryRowContext(ctx,
		`SELECT chat_handle, user_id FROM verification_requests
		WHERE identifier = ? ORDER BY created_at DESC LIMIT 1`, identifier)
	if err := row.Scan(&handle, &userID); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("verify: infer handle: %w", err)
	}

	r := &Request{
		ID:         m.newID(),
		Identifier: identifier,
		UserID:     userID,
		ChatHandle: handle,
		Status:     CodeRequested,
		CreatedAt:  now,
		ExpiresAt:  m.opts.Now().Add(m.opts.TTL).UnixMilli(),
	}
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO verification_requests (id, identifier, user_id, chat_handle, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Identifier, r.UserID, r.ChatHandle, string(r.Status), r.CreatedAt, r.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("verify: create fallback: %w", err)
	}
	return &PollOutcome{RequestID: r.ID, Notify: true, ChatHandle: handle}, nil
}

// SubmitCode stores the operator's reply on the newest live code_requested
// row for the handle. The code is accepted as-is; a garbled code surfaces
// later as a login failure, never as a rejection here. Returns the
// identifier the code belongs to, or ok=false when no live request exists.
func (m *Mailbox) SubmitCode(ctx context.Context, chatHandle, code string) (identifier string, ok bool, err error) {
	now := m.opts.Now().UnixMilli()

	row := m.db.QueryRowContext(ctx,
		`UPDATE verification_requests SET status = ?, code = ?, code_received_at = ?
		WHERE id = (
			SELECT id FROM verification_requests
			WHERE chat_handle = ? AND status = ? AND expires_at > ?
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING identifier`,
		string(CodeReceived), code, now, chatHandle, string(CodeRequested), now)
	switch err := row.Scan(&identifier); err {
	case nil:
		return identifier, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("verify: submit code: %w", err)
	}
}

// HasActive reports whether the handle already has a non-terminal,
// non-expired request. The dispatcher refuses to start a second automation
// task needing verification for such a handle: a human reply is routed by
// recency, so two in-flight requests could silently misdeliver a code.
func (m *Mailbox) HasActive(ctx context.Context, chatHandle string) (bool, error) {
	now := m.opts.Now().UnixMilli()
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_requests
		WHERE chat_handle = ? AND status IN (?, ?, ?) AND expires_at > ?`,
		chatHandle, string(Pending), string(CodeRequested), string(CodeReceived), now,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("verify: has active: %w", err)
	}
	return n > 0, nil
}

// ExpireStale marks every timed-out non-terminal row expired and returns
// the rows that were in code_requested, so the operator can be told the
// request is dead.
func (m *Mailbox) ExpireStale(ctx context.Context) ([]Request, error) {
	now := m.opts.Now().UnixMilli()

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, identifier, chat_handle, status FROM verification_requests
		WHERE status IN (?, ?, ?) AND expires_at <= ?`,
		string(Pending), string(CodeRequested), string(CodeReceived), now)
	if err != nil {
		return nil, fmt.Errorf("verify: list stale: %w", err)
	}
	defer rows.Close()

	var stale []Request
	for rows.Next() {
		var r Request
		var status string
		if err := rows.Scan(&r.ID, &r.Identifier, &r.ChatHandle, &status); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		stale = append(stale, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var notify []Request
	for _, r := range stale {
		// Conditional per-row update: a concurrent poll or reply that beat
		// the sweeper keeps the row.
		res, err := m.db.ExecContext(ctx,
			`UPDATE verification_requests SET status = ? WHERE id = ? AND status = ?`,
			string(Expired), r.ID, string(r.Status))
		if err != nil {
			return notify, fmt.Errorf("verify: expire %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 && r.Status == CodeRequested {
			notify = append(notify, r)
		}
	}
	return notify, nil
}

// Get retrieves a request by ID, or nil. Intended for tests and inspection.
func (m *Mailbox) Get(ctx context.Context, id string) (*Request, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, identifier, user_id, chat_handle, status, code,
		created_at, expires_at, code_received_at, completed_at
		FROM verification_requests WHERE id = ?`, id)
	var r Request
	var status string
	err := row.Scan(&r.ID, &r.Identifier, &r.UserID, &r.ChatHandle, &status, &r.Code,
		&r.CreatedAt, &r.ExpiresAt, &r.CodeReceivedAt, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

// expireForIdentifier lazily marks timed-out rows for one identifier so the
// poll paths below only ever see live rows. Completed rows are terminal and
// keep their code for replays.
func (m *Mailbox) expireForIdentifier(ctx context.Context, identifier string, nowMillis int64) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE verification_requests SET status = ?
		WHERE identifier = ? AND status IN (?, ?, ?) AND expires_at <= ?`,
		string(Expired), identifier,
		string(Pending), string(CodeRequested), string(CodeReceived), nowMillis)
	if err != nil {
		return fmt.Errorf("verify: lazy expire: %w", err)
	}
	return nil
}
