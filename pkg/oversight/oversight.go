// Package oversight is the operator-to-engine control channel. Directives
// are durable rows: guidance and constraints are advisory, priority_change
// rewrites queue ordering, and abort_task forces cancellation. The monitor
// consults pending directives each cycle and acknowledges what it applied.
package oversight

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// Channel issues and consumes directives.
type Channel struct {
	db    *sql.DB
	store *queue.Store

	nowFunc func() time.Time
}

func New(db *sql.DB, store *queue.Store) *Channel {
	return &Channel{db: db, store: store, nowFunc: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (c *Channel) SetNowFunc(f func() time.Time) { c.nowFunc = f }

func (c *Channel) stamp() string { return c.nowFunc().UTC().Format(protocol.TimeFormat) }

// Send issues a directive and returns its id (short uuid form). Content
// conventions: abort_task carries the task id; priority_change carries
// "<task_id> <priority>".
func (c *Channel) Send(ctx context.Context, typ protocol.DirectiveType, content, target string) (string, error) {
	if !typ.Valid() {
		return "", &protocol.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is unknown", typ)}
	}
	if strings.TrimSpace(content) == "" {
		return "", &protocol.ValidationError{Field: "content", Reason: "is empty"}
	}
	if target == "" {
		target = protocol.TargetAll
	}
	switch typ {
	case protocol.DirectiveAbortTask:
		if _, err := ParseTaskRef(content); err != nil {
			return "", err
		}
	case protocol.DirectivePriorityChange:
		if _, _, err := ParsePriorityChange(content); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()[:8]
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO directives (id, type, content, target, status, issued_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, string(typ), content, target, c.stamp())
	if err != nil {
		return "", fmt.Errorf("send directive: %w", err)
	}
	return id, nil
}

// PendingFor returns unacknowledged directives addressed to the target or
// to all workers, abort_task first, then oldest first.
func (c *Channel) PendingFor(ctx context.Context, target string) ([]protocol.Directive, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, type, content, target, status, issued_at, acknowledged_at, acknowledged_by
		FROM directives
		WHERE status = 'pending' AND (target = ? OR target = ?)
		ORDER BY CASE type WHEN 'abort_task' THEN 0 ELSE 1 END, issued_at ASC, id ASC`,
		target, protocol.TargetAll)
	if err != nil {
		return nil, fmt.Errorf("pending directives: %w", err)
	}
	defer rows.Close()

	var directives []protocol.Directive
	for rows.Next() {
		var d protocol.Directive
		var typ string
		if err := rows.Scan(&d.ID, &typ, &d.Content, &d.Target, &d.Status,
			&d.IssuedAt, &d.AcknowledgedAt, &d.AcknowledgedBy); err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		d.Type = protocol.DirectiveType(typ)
		directives = append(directives, d)
	}
	return directives, rows.Err()
}

// Pending returns every unacknowledged directive regardless of target,
// abort_task first, then oldest first. The monitor consumes this each
// cycle: abort_task is mandatory for any target, even one naming a worker
// that is currently idle or unreachable.
func (c *Channel) Pending(ctx context.Context) ([]protocol.Directive, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, type, content, target, status, issued_at, acknowledged_at, acknowledged_by
		FROM directives
		WHERE status = 'pending'
		ORDER BY CASE type WHEN 'abort_task' THEN 0 ELSE 1 END, issued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending directives: %w", err)
	}
	defer rows.Close()

	var directives []protocol.Directive
	for rows.Next() {
		var d protocol.Directive
		var typ string
		if err := rows.Scan(&d.ID, &typ, &d.Content, &d.Target, &d.Status,
			&d.IssuedAt, &d.AcknowledgedAt, &d.AcknowledgedBy); err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		d.Type = protocol.DirectiveType(typ)
		directives = append(directives, d)
	}
	return directives, rows.Err()
}

// List returns all directives, newest first.
func (c *Channel) List(ctx context.Context, limit int) ([]protocol.Directive, error) {
	query := `
		SELECT id, type, content, target, status, issued_at, acknowledged_at, acknowledged_by
		FROM directives ORDER BY issued_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list directives: %w", err)
	}
	defer rows.Close()

	var directives []protocol.Directive
	for rows.Next() {
		var d protocol.Directive
		var typ string
		if err := rows.Scan(&d.ID, &typ, &d.Content, &d.Target, &d.Status,
			&d.IssuedAt, &d.AcknowledgedAt, &d.AcknowledgedBy); err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		d.Type = protocol.DirectiveType(typ)
		directives = append(directives, d)
	}
	return directives, rows.Err()
}

// Acknowledge marks a directive applied. The conditional update means a
// directive is acknowledged at most once even with concurrent monitors.
// Acknowledging a priority_change applies the new priority to the
// referenced task.
func (c *Channel) Acknowledge(ctx context.Context, id, by string) error {
	row := c.db.QueryRowContext(ctx,
		`SELECT type, content FROM directives WHERE id = ?`, id)
	var typ, content string
	if err := row.Scan(&typ, &content); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("directive %s not found", id)
		}
		return fmt.Errorf("acknowledge directive %s: %w", id, err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE directives SET status = 'acknowledged', acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = 'pending'`,
		c.stamp(), by, id)
	if err != nil {
		return fmt.Errorf("acknowledge directive %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge directive %s: %w", id, err)
	}
	if n == 0 {
		// Already acknowledged; idempotent.
		return nil
	}

	if protocol.DirectiveType(typ) == protocol.DirectivePriorityChange {
		taskID, priority, err := ParsePriorityChange(content)
		if err != nil {
			return err
		}
		if err := c.store.UpdatePriority(ctx, taskID, priority); err != nil {
			return fmt.Errorf("apply priority change %s: %w", id, err)
		}
	}
	return nil
}

// ParseTaskRef extracts the task id from abort_task directive content.
func ParseTaskRef(content string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(content), 10, 64)
	if err != nil || id <= 0 {
		return 0, &protocol.ValidationError{Field: "content", Reason: "must be a task id"}
	}
	return id, nil
}

// ParsePriorityChange extracts "<task_id> <priority>" from directive
// content.
func ParsePriorityChange(content string) (int64, int, error) {
	fields := strings.Fields(content)
	if len(fields) != 2 {
		return 0, 0, &protocol.ValidationError{Field: "content", Reason: `must be "<task_id> <priority>"`}
	}
	taskID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || taskID <= 0 {
		return 0, 0, &protocol.ValidationError{Field: "content", Reason: "task id is not a number"}
	}
	priority, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, &protocol.ValidationError{Field: "content", Reason: "priority is not a number"}
	}
	return taskID, priority, nil
}
