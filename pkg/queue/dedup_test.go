package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"architect/pkg/protocol"
	"architect/pkg/queue"
)

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := queue.Fingerprint("deploy the api")
	b := queue.Fingerprint("  deploy the api\n")
	c := queue.Fingerprint("deploy the API")
	if a != b {
		t.Error("leading/trailing whitespace must not change the fingerprint")
	}
	if a == c {
		t.Error("different content must produce a different fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	s := queue.NewStore(openTestDB(t))
	ctx := context.Background()

	first := submit(t, s, "rebuild the index", "/proj", 50)

	_, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "rebuild the index",
		WorkingDirectory: "/other",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !outcome.Duplicate() || outcome.ExistingID != first.ID {
		t.Fatalf("expected duplicate of %d, got %+v", first.ID, outcome)
	}
	if outcome.ExistingStatus != protocol.TaskPending {
		t.Errorf("existing status = %s, want pending", outcome.ExistingStatus)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("duplicate must not enqueue a second task, have %d", len(pending))
	}
}

func TestDuplicateWindowExpires(t *testing.T) {
	s := queue.NewStore(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetNowFunc(func() time.Time { return now })

	submit(t, s, "rotate the logs", "/proj", 50)

	// Just inside the lookback window: still a duplicate.
	now = base.Add(queue.DefaultLookback - time.Minute)
	_, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "rotate the logs",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Duplicate() {
		t.Fatal("submission inside the lookback window must be a duplicate")
	}

	// Past the window: registers fresh.
	now = base.Add(queue.DefaultLookback + time.Minute)
	second, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "rotate the logs",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Duplicate() {
		t.Fatal("submission past the lookback window must register")
	}
	if second == nil || second.ID == 0 {
		t.Fatal("expected a new task row")
	}
}

func TestReRegisterAfterCompletion(t *testing.T) {
	s := queue.NewStore(openTestDB(t))
	ctx := context.Background()

	first := submit(t, s, "run nightly backup", "/proj", 50)
	if _, err := s.Claim(ctx, first.ID, "w1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	// The original finished, so the same content may run again immediately.
	second, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "run nightly backup",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Duplicate() {
		t.Fatalf("resubmission after completion must register, got %+v", outcome)
	}
	if second.ID == first.ID {
		t.Error("resubmission must create a new task")
	}
}

func TestCancelledOriginalDoesNotBlock(t *testing.T) {
	s := queue.NewStore(openTestDB(t))
	ctx := context.Background()

	first := submit(t, s, "prune stale branches", "/proj", 50)
	if err := s.Cancel(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	_, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "prune stale branches",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Duplicate() {
		t.Error("cancelled original must not suppress resubmission")
	}
}

// The fingerprint reservation is the guard's serialization point: while a
// concurrent identical submission holds it (task row not linked yet), a
// second submission must not slip past the lookup and create a second
// active task.
func TestInFlightReservationBlocksDuplicate(t *testing.T) {
	db := openTestDB(t)
	s := queue.NewStore(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetNowFunc(func() time.Time { return now })

	// Another submitter mid-flight: fingerprint reserved, task not yet
	// linked.
	fp := queue.Fingerprint("compact the store")
	if _, err := db.Exec(`
		INSERT INTO dedup_entries (content_hash, task_id, status, created_at, expires_at)
		VALUES (?, 0, 'reserved', ?, ?)`,
		fp, base.Format(protocol.TimeFormat), base.Add(24*time.Hour).Format(protocol.TimeFormat)); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "compact the store",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	var unavailable *protocol.ResourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ResourceUnavailableError, got %v", err)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("blocked submission must not enqueue, have %d tasks", len(pending))
	}

	// An orphaned reservation (crash between reserve and link) unblocks
	// once the lookback window passes.
	now = base.Add(queue.DefaultLookback + time.Minute)
	task, outcome, err := s.Submit(ctx, queue.SubmitParams{
		Content:          "compact the store",
		WorkingDirectory: "/proj",
		WorkType:         protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Duplicate() || task == nil {
		t.Fatalf("orphaned reservation must not block forever: %+v", outcome)
	}
}

func TestSweepExpiredDedup(t *testing.T) {
	s := queue.NewStore(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetNowFunc(func() time.Time { return now })

	submit(t, s, "entry one", "/a", 50)
	submit(t, s, "entry two", "/b", 50)

	n, err := s.SweepExpiredDedup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("swept %d fresh entries", n)
	}

	now = base.Add(25 * time.Hour)
	n, err = s.SweepExpiredDedup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("swept %d entries, want 2", n)
	}
}
