package dispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"architect/pkg/classify"
	"architect/pkg/dispatch"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

func newSpool(t *testing.T) (*dispatch.Spool, *queue.Store, string) {
	t.Helper()
	db := openTestDB(t)
	store := queue.NewStore(db)
	dir := t.TempDir()
	spool := dispatch.NewSpool(dir, "/default", store,
		classify.New(classify.DefaultRules()), zap.NewNop())
	return spool, store, dir
}

func drop(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSpoolDrain(t *testing.T) {
	spool, store, dir := newSpool(t)
	ctx := context.Background()

	drop(t, dir, "one.task", "dir: /proj\npriority: 80\n\ndeploy the api service\n")
	drop(t, dir, "two.task", "review the payment changes\n")
	drop(t, dir, "notes.txt", "ignored entirely")

	n, err := spool.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("drained %d tasks, want 2", n)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	// Headers win over classifier output; missing headers fall back.
	first := pending[0]
	if first.WorkingDirectory != "/proj" || first.Priority != 80 {
		t.Errorf("headers not applied: %+v", first)
	}
	if first.WorkType != protocol.WorkDeployment {
		t.Errorf("work type = %s, want deployment", first.WorkType)
	}
	second := pending[1]
	if second.WorkingDirectory != "/default" {
		t.Errorf("default dir not applied: %+v", second)
	}
	if second.WorkType != protocol.WorkReview {
		t.Errorf("work type = %s, want review", second.WorkType)
	}

	// Consumed files are gone; the unrelated file is untouched.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "notes.txt" {
		t.Errorf("leftover entries: %v", entries)
	}
}

func TestSpoolRejectsEmptyFile(t *testing.T) {
	spool, _, dir := newSpool(t)

	drop(t, dir, "empty.task", "\n\n")
	n, err := spool.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("drained %d, want 0", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "empty.task.rejected")); err != nil {
		t.Errorf("rejected file not preserved: %v", err)
	}
}

func TestSpoolDuplicateCollapses(t *testing.T) {
	spool, store, dir := newSpool(t)
	ctx := context.Background()

	drop(t, dir, "a.task", "fix the login bug\n")
	if _, err := spool.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	drop(t, dir, "b.task", "fix the login bug\n")
	n, err := spool.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("duplicate counted as submitted")
	}
	pending, _ := store.Pending(ctx)
	if len(pending) != 1 {
		t.Errorf("duplicate enqueued: %d pending", len(pending))
	}
	// The duplicate file is still consumed.
	if _, err := os.Stat(filepath.Join(dir, "b.task")); !os.IsNotExist(err) {
		t.Error("duplicate spool file not removed")
	}
}
