// Package eventlog records and queries the engine's audit trail. Every
// dispatch attempt, monitor action, and operator intervention lands in the
// events table; the query side feeds the status CLI and the HTTP gateway.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"architect/pkg/protocol"
)

// Recorder appends events. Writes are best-effort from the caller's point
// of view; an audit failure must never abort the action being audited.
type Recorder struct {
	db     *sql.DB
	source string
}

// NewRecorder creates a Recorder tagging every event with source, e.g.
// "dispatcher" or "monitor".
func NewRecorder(db *sql.DB, source string) *Recorder {
	return &Recorder{db: db, source: source}
}

// Record appends one event. The payload is free-form "key=value" text.
func (r *Recorder) Record(ctx context.Context, eventType string, taskID int64, worker, payload string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (type, source, task_id, worker, payload)
		VALUES (?, ?, ?, ?, ?)`,
		eventType, r.source, taskID, worker, payload)
	if err != nil {
		return fmt.Errorf("record event %s: %w", eventType, err)
	}
	return nil
}

// QueryOpts filters the event query. Zero values mean no filter.
type QueryOpts struct {
	TaskID    int64
	Worker    string
	EventType string
	Limit     int
}

// Query returns matching events, newest first.
func Query(ctx context.Context, db *sql.DB, opts QueryOpts) ([]protocol.Event, error) {
	query := `SELECT id, type, source, task_id, worker, payload, created_at FROM events`
	var conds []string
	var args []any
	if opts.TaskID != 0 {
		conds = append(conds, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.Worker != "" {
		conds = append(conds, "worker = ?")
		args = append(args, opts.Worker)
	}
	if opts.EventType != "" {
		conds = append(conds, "type = ?")
		args = append(args, opts.EventType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.TaskID, &e.Worker, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
