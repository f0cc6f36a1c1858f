package verify_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SmmShaman/jobbot-no/dbopen"
	"github.com/SmmShaman/jobbot-no/verify"
)

// recordingNotifier captures chat notices.
type recordingNotifier struct {
	requested []string // "handle identifier"
	expired   []string
}

func (n *recordingNotifier) NotifyCodeRequested(_ context.Context, handle, identifier string) error {
	n.requested = append(n.requested, handle+" "+identifier)
	return nil
}

func (n *recordingNotifier) NotifyExpired(_ context.Context, handle, identifier string) error {
	n.expired = append(n.expired, handle+" "+identifier)
	return nil
}

func newRelay(t *testing.T) (*verify.Relay, *verify.Mailbox, *recordingNotifier, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	clk := newClock()
	m := verify.NewMailbox(db, verify.Options{Now: clk.Now})
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	return verify.NewRelay(m, n, nil), m, n, clk
}

func TestRelayFullHandshake(t *testing.T) {
	r, m, n, _ := newRelay(t)
	ctx := context.Background()

	if _, err := m.CreatePending(ctx, ident, "u1", handle); err != nil {
		t.Fatal(err)
	}

	// The task polls a few times before the operator reacts.
	for i := 0; i < 4; i++ {
		code, err := r.Poll(ctx, "task-1", ident)
		if err != nil {
			t.Fatal(err)
		}
		if code != "" {
			t.Fatalf("poll %d: unexpected code %q", i+1, code)
		}
	}
	if len(n.requested) != 1 {
		t.Fatalf("operator pinged %d times, want exactly 1", len(n.requested))
	}

	// The operator replies with surrounding chatter; the digits are enough.
	ok, err := r.SubmitReply(ctx, handle, "koden er 482913, lykke til")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("reply should be accepted")
	}

	code, err := r.Poll(ctx, "task-1", ident)
	if err != nil {
		t.Fatal(err)
	}
	if code != "482913" {
		t.Fatalf("delivered code: got %q", code)
	}

	// The task retried after a transient failure of its own: same code.
	again, err := r.Poll(ctx, "task-1", ident)
	if err != nil {
		t.Fatal(err)
	}
	if again != "482913" {
		t.Fatalf("replay: got %q", again)
	}
}

func TestRelayReplyWithoutCode(t *testing.T) {
	r, m, _, _ := newRelay(t)
	ctx := context.Background()

	m.CreatePending(ctx, ident, "u1", handle)
	r.Poll(ctx, "task-1", ident)

	ok, err := r.SubmitReply(ctx, handle, "hva er dette?")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a reply without digits must not be accepted")
	}
}

func TestRelaySweepNotifiesOperator(t *testing.T) {
	r, m, n, clk := newRelay(t)
	ctx := context.Background()

	m.CreatePending(ctx, ident, "u1", handle)
	r.Poll(ctx, "task-1", ident) // operator pinged, never answers

	clk.Advance(16 * time.Minute)

	swept, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept: got %d, want 1", swept)
	}
	if len(n.expired) != 1 {
		t.Fatalf("expiry notices: got %d, want 1", len(n.expired))
	}
}

func TestRelayPollAfterCancellation(t *testing.T) {
	// A cancelled task's mailbox row eventually expires; polls in between
	// return empty without reviving anything, and the task's own timeout
	// finishes the job.
	r, m, _, clk := newRelay(t)
	ctx := context.Background()

	m.CreatePending(ctx, ident, "u1", handle)
	r.Poll(ctx, "task-1", ident)
	clk.Advance(16 * time.Minute)
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	code, err := r.Poll(ctx, "task-1", ident)
	if err != nil {
		t.Fatal(err)
	}
	if code != "" {
		t.Fatalf("got code %q after expiry", code)
	}
}
