package verify

import (
	"context"
	"log/slog"
	"regexp"
	"time"
)

// Notifier carries the relay's one-line notices to the human operator.
// Implemented over a chat channel connector; the relay neither knows nor
// cares which platform.
type Notifier interface {
	NotifyCodeRequested(ctx context.Context, chatHandle, identifier string) error
	NotifyExpired(ctx context.Context, chatHandle, identifier string) error
}

// Relay drives the three-party handshake over the mailbox.
type Relay struct {
	mailbox  *Mailbox
	notifier Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay. notifier may be nil (codes can then only arrive
// through SubmitReply called by some other inbound path).
func NewRelay(mailbox *Mailbox, notifier Notifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{mailbox: mailbox, notifier: notifier, logger: logger}
}

// Poll handles one callback from the automation task. It returns the code
// when one has been supplied and the empty string otherwise, always
// immediately — the task enforces its own timeout and retry cadence.
//
// The operator is notified exactly once per code request: only the poll
// that wins the pending→code_requested update triggers the notice.
// A notification failure is logged, not returned; failing the callback
// would make the task abort instantly instead of riding out its window.
func (r *Relay) Poll(ctx context.Context, taskID, identifier string) (string, error) {
	out, err := r.mailbox.TryClaimForPoll(ctx, identifier)
	if err != nil {
		return "", err
	}

	if out.Code != "" {
		r.logger.Info("verify: code delivered",
			"task", taskID, "identifier", identifier, "request", out.RequestID)
		return out.Code, nil
	}

	if out.Notify {
		if out.ChatHandle == "" {
			r.logger.Warn("verify: code requested but no chat handle known",
				"task", taskID, "identifier", identifier, "request", out.RequestID)
		} else if r.notifier != nil {
			if err := r.notifier.NotifyCodeRequested(ctx, out.ChatHandle, identifier); err != nil {
				r.logger.Error("verify: operator notification failed",
					"handle", out.ChatHandle, "identifier", identifier, "error", err)
			}
		}
	}
	return "", nil
}

// codeRe pulls the first plausible numeric code out of a free-text reply.
var codeRe = regexp.MustCompile(`\b(\d{4,8})\b`)

// SubmitReply maps the operator's free-text chat reply onto the newest live
// code request for their handle. The code is stored as-is; if it turns out
// garbled the automation engine reports a login failure later and the
// application goes to manual review — the relay never second-guesses it.
// Returns false when the text holds no code or no live request exists.
func (r *Relay) SubmitReply(ctx context.Context, chatHandle, text string) (bool, error) {
	m := codeRe.FindStringSubmatch(text)
	if m == nil {
		return false, nil
	}
	code := m[1]

	identifier, ok, err := r.mailbox.SubmitCode(ctx, chatHandle, code)
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Info("verify: reply with no live request", "handle", chatHandle)
		return false, nil
	}
	r.logger.Info("verify: code received from operator",
		"handle", chatHandle, "identifier", identifier)
	return true, nil
}

// Sweep expires stale rows and tells the operator about requests that died
// waiting. Returns how many notices were attempted.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	stale, err := r.mailbox.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, req := range stale {
		if req.ChatHandle == "" || r.notifier == nil {
			continue
		}
		if err := r.notifier.NotifyExpired(ctx, req.ChatHandle, req.Identifier); err != nil {
			r.logger.Warn("verify: expiry notice failed",
				"handle", req.ChatHandle, "identifier", req.Identifier, "error", err)
		}
	}
	return len(stale), nil
}

// RunSweeper runs Sweep on a ticker until ctx is cancelled.
func (r *Relay) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("verify: sweep failed", "error", err)
			}
		}
	}
}
