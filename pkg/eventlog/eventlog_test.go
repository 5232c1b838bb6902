package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"architect/pkg/eventlog"
	"architect/pkg/protocol"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "architect.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func TestRecordAndQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	disp := eventlog.NewRecorder(db, "dispatcher")
	mon := eventlog.NewRecorder(db, "monitor")

	if err := disp.Record(ctx, "dispatch_sent", 1, "w1", "dir=/proj"); err != nil {
		t.Fatal(err)
	}
	if err := disp.Record(ctx, "dispatch_sent", 2, "w2", "dir=/other"); err != nil {
		t.Fatal(err)
	}
	if err := mon.Record(ctx, "corrective_sent", 1, "w1", "key=1"); err != nil {
		t.Fatal(err)
	}

	// Filter by task.
	events, err := eventlog.Query(ctx, db, eventlog.QueryOpts{TaskID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("task filter returned %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != "corrective_sent" || events[0].Source != "monitor" {
		t.Errorf("unexpected first event: %+v", events[0])
	}

	// Filter by worker and type together.
	events, err = eventlog.Query(ctx, db, eventlog.QueryOpts{Worker: "w1", EventType: "dispatch_sent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].TaskID != 1 {
		t.Errorf("combined filter: %+v", events)
	}

	// Limit.
	events, err = eventlog.Query(ctx, db, eventlog.QueryOpts{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("limit 1 returned %d events", len(events))
	}
	if events[0].CreatedAt == "" {
		t.Error("created_at must be populated by the schema default")
	}
}
