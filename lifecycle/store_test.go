package lifecycle_test

import (
	"context"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/SmmShaman/jobbot-no/dbopen"
	"github.com/SmmShaman/jobbot-no/lifecycle"
)

func newStore(t *testing.T) *lifecycle.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := lifecycle.NewStore(db, nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func mustCreate(t *testing.T, s *lifecycle.Store) *lifecycle.Application {
	t.Helper()
	app, err := s.Create(context.Background(), "439273812", "u1")
	if err != nil {
		t.Fatal(err)
	}
	return app
}

func status(t *testing.T, s *lifecycle.Store, id string) lifecycle.Status {
	t.Helper()
	app, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if app == nil {
		t.Fatalf("application %s not found", id)
	}
	return app.Status
}

func TestHappyPath(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	for _, step := range []struct {
		name string
		op   func(context.Context, string) (bool, error)
		want lifecycle.Status
	}{
		{"approve", s.Approve, lifecycle.Approved},
		{"submit", s.Submit, lifecycle.Sending},
		{"mark sent", s.MarkSent, lifecycle.Sent},
	} {
		ok, err := step.op(ctx, app.ID)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if !ok {
			t.Fatalf("%s: unexpected no-op", step.name)
		}
		if got := status(t, s, app.ID); got != step.want {
			t.Fatalf("%s: status %s, want %s", step.name, got, step.want)
		}
	}

	if app, _ := s.Get(ctx, app.ID); app.SentAt == 0 || app.ApprovedAt == 0 {
		t.Fatal("timestamps not recorded")
	}
}

func TestSubmitRequiresApproved(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	ok, err := s.Submit(ctx, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("submit from draft must be a no-op")
	}
	if got := status(t, s, app.ID); got != lifecycle.Draft {
		t.Fatalf("status changed to %s", got)
	}
}

func TestDuplicateSubmitIsNoOp(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	s.Approve(ctx, app.ID)
	if ok, _ := s.Submit(ctx, app.ID); !ok {
		t.Fatal("first submit should apply")
	}
	if ok, _ := s.Submit(ctx, app.ID); ok {
		t.Fatal("second submit must be a no-op")
	}

	s.MarkSent(ctx, app.ID)
	if ok, _ := s.Submit(ctx, app.ID); ok {
		t.Fatal("submit after sent must be a no-op")
	}
}

func TestConcurrentSubmitSingleWinner(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()
	s.Approve(ctx, app.ID)

	const workers = 16
	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Submit(ctx, app.ID)
			if err != nil {
				t.Error(err)
				return
			}
			applied <- ok
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for ok := range applied {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("submit applied %d times, want exactly 1", wins)
	}
}

func TestRetryPath(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	s.Approve(ctx, app.ID)
	s.Submit(ctx, app.ID)
	s.MarkFailed(ctx, app.ID)

	ok, err := s.Retry(ctx, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("retry from failed should apply")
	}
	if got := status(t, s, app.ID); got != lifecycle.Approved {
		t.Fatalf("status: got %s", got)
	}

	// And again through manual review.
	s.Submit(ctx, app.ID)
	s.MarkManualReview(ctx, app.ID)
	if ok, _ := s.Retry(ctx, app.ID); !ok {
		t.Fatal("retry from manual_review should apply")
	}
}

func TestCancelReturnsToApproved(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	s.Approve(ctx, app.ID)
	s.Submit(ctx, app.ID)
	if ok, _ := s.Cancel(ctx, app.ID); !ok {
		t.Fatal("cancel from sending should apply")
	}
	if got := status(t, s, app.ID); got != lifecycle.Approved {
		t.Fatalf("status: got %s", got)
	}
}

func TestRejectFromNonTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, setup := range []struct {
		name string
		prep func(id string)
	}{
		{"draft", func(string) {}},
		{"approved", func(id string) { s.Approve(ctx, id) }},
		{"sending", func(id string) { s.Approve(ctx, id); s.Submit(ctx, id) }},
		{"failed", func(id string) { s.Approve(ctx, id); s.Submit(ctx, id); s.MarkFailed(ctx, id) }},
	} {
		t.Run(setup.name, func(t *testing.T) {
			app := mustCreate(t, s)
			setup.prep(app.ID)
			if ok, _ := s.Reject(ctx, app.ID); !ok {
				t.Fatalf("reject from %s should apply", setup.name)
			}
		})
	}
}

func TestRejectFromTerminalIsNoOp(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	s.Approve(ctx, app.ID)
	s.Submit(ctx, app.ID)
	s.MarkSent(ctx, app.ID)

	if ok, _ := s.Reject(ctx, app.ID); ok {
		t.Fatal("reject after sent must be a no-op")
	}
}

func TestSubmissionMeta(t *testing.T) {
	s := newStore(t)
	app := mustCreate(t, s)
	ctx := context.Background()

	err := s.SetSubmissionMeta(ctx, app.ID, "task-1", map[string]string{"source": "auto"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != app.ID {
		t.Fatalf("GetByTask: got %+v", got)
	}
	if got.Metadata["source"] != "auto" {
		t.Fatalf("metadata: got %v", got.Metadata)
	}
}
