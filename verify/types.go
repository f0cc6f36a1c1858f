// Package verify relays one-time verification codes between three actors
// that never talk to each other directly: an unattended automation task
// polling a callback endpoint, a human operator reachable only over an
// asynchronous chat channel, and a persistent mailbox row that is the sole
// shared state between them.
//
// The callback side never blocks: the automation task enforces its own
// timeout (~90 polls over ~15 minutes) and a blocking callback would
// desynchronize its retry cadence from the mailbox book-keeping. All
// coordination is conditional row reads/writes — no lock, no queue.
package verify

// Status is the mailbox row state.
//
//	pending → code_requested → code_received → completed
//	any non-terminal → expired on timeout
type Status string

const (
	Pending       Status = "pending"        // pre-created by the dispatcher before the task starts
	CodeRequested Status = "code_requested" // the task asked for a code; operator notified once
	CodeReceived  Status = "code_received"  // operator replied; code stored, not yet delivered
	Completed     Status = "completed"      // code delivered to the task
	Expired       Status = "expired"        // timed out; inert
)

// Request is one mailbox row.
type Request struct {
	ID             string
	Identifier     string // what the external site sent the code to, e.g. an email address
	UserID         string
	ChatHandle     string // where the operator is reached
	Status         Status
	Code           string
	CreatedAt      int64 // milliseconds since epoch
	ExpiresAt      int64
	CodeReceivedAt int64
	CompletedAt    int64
}

// Active reports whether the row can still participate in the handshake.
func (r *Request) Active(nowMillis int64) bool {
	switch r.Status {
	case Pending, CodeRequested, CodeReceived:
		return nowMillis < r.ExpiresAt
	}
	return false
}
