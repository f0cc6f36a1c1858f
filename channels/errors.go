package channels

import "fmt"

// ErrSendFailed is returned when a message could not be delivered to the
// platform.
type ErrSendFailed struct {
	Platform string
	Cause    error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s: %v", e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
