package oversight_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"architect/pkg/oversight"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

func setup(t *testing.T) (*oversight.Channel, *queue.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "architect.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	store := queue.NewStore(db)
	return oversight.New(db, store), store
}

func TestSendAndPendingFor(t *testing.T) {
	ch, _ := setup(t)
	ctx := context.Background()

	idAll, err := ch.Send(ctx, protocol.DirectiveGuidance, "prefer small commits", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(idAll) != 8 {
		t.Errorf("directive id %q, want 8-char short uuid", idAll)
	}
	idW1, err := ch.Send(ctx, protocol.DirectiveConstraint, "no force pushes", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Send(ctx, protocol.DirectiveConstraint, "w2 only", "w2"); err != nil {
		t.Fatal(err)
	}

	pending, err := ch.PendingFor(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("w1 sees %d directives, want 2 (own + all)", len(pending))
	}
	seen := map[string]bool{}
	for _, d := range pending {
		seen[d.ID] = true
	}
	if !seen[idAll] || !seen[idW1] {
		t.Errorf("w1 pending set wrong: %+v", pending)
	}
}

func TestAbortTaskOrderedFirst(t *testing.T) {
	ch, store := setup(t)
	ctx := context.Background()

	task, _, err := store.Submit(ctx, queue.SubmitParams{
		Content: "work", WorkingDirectory: "/p", WorkType: protocol.WorkDevelopment,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ch.Send(ctx, protocol.DirectiveGuidance, "take it slow", "w1"); err != nil {
		t.Fatal(err)
	}
	abortID, err := ch.Send(ctx, protocol.DirectiveAbortTask, "1", "w1")
	if err != nil {
		t.Fatal(err)
	}
	_ = task

	pending, err := ch.PendingFor(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) < 2 || pending[0].ID != abortID {
		t.Errorf("abort_task must come first: %+v", pending)
	}
}

func TestSendValidation(t *testing.T) {
	ch, _ := setup(t)
	ctx := context.Background()

	if _, err := ch.Send(ctx, "suggestion", "x", ""); err == nil {
		t.Error("unknown type must be rejected")
	}
	if _, err := ch.Send(ctx, protocol.DirectiveGuidance, "  ", ""); err == nil {
		t.Error("empty content must be rejected")
	}
	if _, err := ch.Send(ctx, protocol.DirectiveAbortTask, "not-a-number", ""); err == nil {
		t.Error("abort_task without task id must be rejected")
	}
	if _, err := ch.Send(ctx, protocol.DirectivePriorityChange, "7", ""); err == nil {
		t.Error("priority_change without priority must be rejected")
	}
}

func TestAcknowledge(t *testing.T) {
	ch, _ := setup(t)
	ctx := context.Background()

	id, err := ch.Send(ctx, protocol.DirectiveGuidance, "review carefully", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Acknowledge(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}

	pending, err := ch.PendingFor(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("acknowledged directive still pending: %+v", pending)
	}

	// Idempotent.
	if err := ch.Acknowledge(ctx, id, "w2"); err != nil {
		t.Errorf("repeat acknowledge: %v", err)
	}
	all, _ := ch.List(ctx, 0)
	if len(all) != 1 || all[0].AcknowledgedBy != "w1" {
		t.Errorf("first acknowledger must stick: %+v", all)
	}
}

func TestPriorityChangeAppliesOnAck(t *testing.T) {
	ch, store := setup(t)
	ctx := context.Background()

	task, _, err := store.Submit(ctx, queue.SubmitParams{
		Content: "reprioritize me", WorkingDirectory: "/p",
		WorkType: protocol.WorkDevelopment, Priority: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := ch.Send(ctx, protocol.DirectivePriorityChange, "1 95", "")
	if err != nil {
		t.Fatal(err)
	}

	// Not applied until acknowledged.
	got, _ := store.Get(ctx, task.ID)
	if got.Priority != 10 {
		t.Fatalf("priority changed before ack: %d", got.Priority)
	}

	if err := ch.Acknowledge(ctx, id, "monitor"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, task.ID)
	if got.Priority != 95 {
		t.Errorf("priority = %d after ack, want 95", got.Priority)
	}
}
