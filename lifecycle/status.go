// Package lifecycle owns the status field of application records.
//
// Legal transitions:
//
//	draft → approved → sending → {sent, failed, manual_review}
//	failed, manual_review → approved   (the only backward edge, for retries)
//	any non-terminal → rejected        (explicit user action)
//
// draft is initial; sent and rejected are terminal. Every transition is one
// conditional UPDATE keyed by the expected prior status; a failed
// precondition is a no-op, not an error, so concurrent duplicate requests
// are absorbed instead of double-submitting.
package lifecycle

// Status is the application state.
type Status string

const (
	Draft        Status = "draft"
	Approved     Status = "approved"
	Sending      Status = "sending"
	Sent         Status = "sent"
	Failed       Status = "failed"
	ManualReview Status = "manual_review"
	Rejected     Status = "rejected"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == Sent || s == Rejected
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case Draft, Approved, Sending, Sent, Failed, ManualReview, Rejected:
		return true
	}
	return false
}
