package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"architect/pkg/protocol"
)

// Registry is the durable worker registry. Worker rows describe execution
// targets (tmux panes, local or remote); their busy/idle status is what the
// dispatcher schedules against.
type Registry struct {
	db *sql.DB

	nowFunc func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (r *Registry) SetNowFunc(f func() time.Time) { r.nowFunc = f }

func (r *Registry) stamp() string { return r.nowFunc().UTC().Format(protocol.TimeFormat) }

// Add registers a worker, replacing any previous registration under the
// same name.
func (r *Registry) Add(ctx context.Context, w protocol.Worker) error {
	if w.Name == "" {
		return &protocol.ValidationError{Field: "name", Reason: "is required"}
	}
	if w.Session == "" {
		return &protocol.ValidationError{Field: "session", Reason: "is required"}
	}
	if w.Location == "" {
		w.Location = protocol.LocalLocation
	}
	if w.Status == "" {
		w.Status = protocol.WorkerIdle
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (name, location, session, affinity, status, current_task_id, last_activity_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(name) DO UPDATE SET
			location = excluded.location,
			session = excluded.session,
			affinity = excluded.affinity,
			status = excluded.status`,
		w.Name, w.Location, w.Session, protocol.JoinAffinity(w.Affinity), string(w.Status), r.stamp())
	if err != nil {
		return fmt.Errorf("add worker %s: %w", w.Name, err)
	}
	return nil
}

// Remove deletes a worker registration. Returns true when a row existed.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("remove worker %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove worker %s: %w", name, err)
	}
	return n == 1, nil
}

const workerSelect = `SELECT name, location, session, affinity, status, current_task_id, last_activity_at FROM workers`

func scanWorker(row interface{ Scan(...any) error }) (*protocol.Worker, error) {
	var w protocol.Worker
	var affinity, status string
	if err := row.Scan(&w.Name, &w.Location, &w.Session, &affinity, &status, &w.CurrentTaskID, &w.LastActivityAt); err != nil {
		return nil, err
	}
	w.Affinity = protocol.SplitAffinity(affinity)
	w.Status = protocol.WorkerStatus(status)
	return &w, nil
}

// Get returns a worker by name, or nil when unregistered.
func (r *Registry) Get(ctx context.Context, name string) (*protocol.Worker, error) {
	w, err := scanWorker(r.db.QueryRowContext(ctx, workerSelect+` WHERE name = ?`, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get worker %s: %w", name, err)
	}
	return w, nil
}

// List returns all registered workers ordered by name.
func (r *Registry) List(ctx context.Context) ([]protocol.Worker, error) {
	rows, err := r.db.QueryContext(ctx, workerSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// PickIdle selects the worker to receive a task. When target is set only
// that worker is considered. Otherwise the least recently used idle worker
// whose affinity accepts the work type wins, so load spreads across the
// pool instead of hammering the first name alphabetically.
func (r *Registry) PickIdle(ctx context.Context, workType protocol.WorkType, target string) (*protocol.Worker, error) {
	if target != "" {
		w, err := r.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		if w == nil || w.Status != protocol.WorkerIdle || !w.Accepts(workType) {
			return nil, nil
		}
		return w, nil
	}

	rows, err := r.db.QueryContext(ctx,
		workerSelect+` WHERE status = 'idle' ORDER BY last_activity_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("pick worker: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if w.Accepts(workType) {
			return w, rows.Err()
		}
	}
	return nil, rows.Err()
}

// MarkBusy flips an idle worker to busy for taskID. The conditional update
// loses when the worker was grabbed concurrently.
func (r *Registry) MarkBusy(ctx context.Context, name string, taskID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers SET status = 'busy', current_task_id = ?, last_activity_at = ?
		WHERE name = ? AND status = 'idle'`,
		taskID, r.stamp(), name)
	if err != nil {
		return false, fmt.Errorf("mark worker %s busy: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark worker %s busy: %w", name, err)
	}
	return n == 1, nil
}

// MarkIdle returns a worker to the idle pool.
func (r *Registry) MarkIdle(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers SET status = 'idle', current_task_id = 0, last_activity_at = ?
		WHERE name = ?`,
		r.stamp(), name)
	if err != nil {
		return fmt.Errorf("mark worker %s idle: %w", name, err)
	}
	return nil
}

// MarkUnreachable flags a worker whose session cannot be reached. The
// dispatcher skips unreachable workers until an operator re-adds them or
// the monitor observes the session again.
func (r *Registry) MarkUnreachable(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workers SET status = 'unreachable', last_activity_at = ? WHERE name = ?`,
		r.stamp(), name)
	if err != nil {
		return fmt.Errorf("mark worker %s unreachable: %w", name, err)
	}
	return nil
}

// Touch refreshes last_activity_at, used by the monitor when it observes
// live output.
func (r *Registry) Touch(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workers SET last_activity_at = ? WHERE name = ?`, r.stamp(), name)
	if err != nil {
		return fmt.Errorf("touch worker %s: %w", name, err)
	}
	return nil
}

// Busy returns all busy workers, the monitor's poll set.
func (r *Registry) Busy(ctx context.Context) ([]protocol.Worker, error) {
	rows, err := r.db.QueryContext(ctx, workerSelect+` WHERE status = 'busy' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list busy workers: %w", err)
	}
	defer rows.Close()

	var workers []protocol.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}
