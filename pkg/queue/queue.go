// Package queue owns the task lifecycle: the persistent queue, the status
// state machine, priority ordering, retry bookkeeping, and the deduplication
// guard. All transitions are single conditional SQL statements so that
// concurrent dispatchers and monitors sharing the database cannot observe or
// produce a half-updated row.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"architect/pkg/protocol"
)

// Defaults for submission.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 30 * time.Minute
)

// Store provides task queue operations over the shared SQLite database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates a queue Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) { s.nowFunc = f }

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

func (s *Store) stamp(t time.Time) string { return t.UTC().Format(protocol.TimeFormat) }

// SubmitParams describes a new task submission. WorkType and Priority are
// normally produced by the classifier before the call.
type SubmitParams struct {
	Content          string
	WorkingDirectory string
	TargetWorker     string
	WorkType         protocol.WorkType
	Priority         int
	MaxRetries       int
	Timeout          time.Duration
}

// Submit validates the submission, runs it through the deduplication guard,
// and inserts a pending task. On a duplicate the returned Outcome carries
// the existing task and no new row is created.
func (s *Store) Submit(ctx context.Context, p SubmitParams) (*protocol.Task, Outcome, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, Outcome{}, &protocol.ValidationError{Field: "content", Reason: "is empty"}
	}
	if strings.TrimSpace(p.WorkingDirectory) == "" {
		return nil, Outcome{}, &protocol.ValidationError{Field: "working_directory", Reason: "is empty"}
	}
	if !p.WorkType.Valid() {
		return nil, Outcome{}, &protocol.ValidationError{Field: "work_type", Reason: fmt.Sprintf("%q is unknown", p.WorkType)}
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}

	fingerprint := Fingerprint(p.Content)
	now := s.now()

	// Reserve the fingerprint before inserting the task so two concurrent
	// identical submissions cannot both pass the guard. Two attempts: a
	// lost reservation whose holder finished in between is taken over on
	// the second try.
	reserved := false
	for attempt := 0; attempt < 2 && !reserved; attempt++ {
		ok, err := s.reserveFingerprint(ctx, fingerprint, now)
		if err != nil {
			return nil, Outcome{}, err
		}
		if ok {
			reserved = true
			break
		}
		if dup, err := s.lookupDuplicate(ctx, fingerprint, now); err != nil {
			return nil, Outcome{}, err
		} else if dup != nil {
			return nil, *dup, nil
		}
	}
	if !reserved {
		// A concurrent submitter holds a fresh reservation and has not
		// linked its task yet.
		return nil, Outcome{}, &protocol.ResourceUnavailableError{Reason: "identical submission in flight"}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (content, priority, work_type, target_worker, status,
			retry_count, max_retries, content_fingerprint, working_directory, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		p.Content, p.Priority, string(p.WorkType), p.TargetWorker,
		p.MaxRetries, fingerprint, p.WorkingDirectory, s.stamp(now))
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("task id: %w", err)
	}

	if err := s.linkDedup(ctx, fingerprint, id); err != nil {
		return nil, Outcome{}, err
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, Outcome{}, err
	}
	return task, Outcome{Registered: true}, nil
}

// Get returns a task by id.
func (s *Store) Get(ctx context.Context, id int64) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return t, err
}

// NextPending returns the next assignable task: highest priority first, ties
// broken by ascending id. Returns nil when the queue is empty. The order is
// a pure function of the queue state, so an unchanged queue always yields
// the same pick.
func (s *Store) NextPending(ctx context.Context) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx,
		taskSelect+` WHERE status = 'pending' ORDER BY priority DESC, id ASC LIMIT 1`)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// Pending returns every pending task in assignment order.
func (s *Store) Pending(ctx context.Context) ([]protocol.Task, error) {
	return s.list(ctx, taskSelect+` WHERE status = 'pending' ORDER BY priority DESC, id ASC`)
}

// Claim atomically transitions a pending task to assigned for the given
// worker. Only one caller can win the claim; the losers see false. The
// timeout deadline is computed here, at assignment time.
func (s *Store) Claim(ctx context.Context, taskID int64, worker string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'assigned', assigned_worker = ?, assigned_at = ?, timeout_at = ?
		WHERE id = ? AND status = 'pending'`,
		worker, s.stamp(now), s.stamp(now.Add(timeout)), taskID)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", taskID, err)
	}
	if n == 1 {
		s.syncDedup(ctx, taskID, protocol.TaskAssigned)
	}
	return n == 1, nil
}

// MarkInProgress records that the worker has begun executing its assigned
// task.
func (s *Store) MarkInProgress(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'in_progress' WHERE id = ? AND status = 'assigned'`, taskID)
	if err != nil {
		return fmt.Errorf("mark in_progress %d: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.syncDedup(ctx, taskID, protocol.TaskInProgress)
	}
	return nil
}

// Complete transitions an assigned or in_progress task to completed.
func (s *Store) Complete(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = ?, assigned_worker = '', timeout_at = ''
		WHERE id = ? AND status IN ('assigned', 'in_progress')`,
		s.stamp(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d is not assigned or in progress", taskID)
	}
	s.syncDedup(ctx, taskID, protocol.TaskCompleted)
	return nil
}

// RetryOrFail handles a transient failure (delivery error, worker fault,
// timeout, unreachable worker) on an assigned or in_progress task: the retry
// count is incremented and the task reverts to pending, unless the budget is
// exhausted, in which case it fails terminally. The whole decision is one
// conditional statement so concurrent sweeps cannot double-count. Returns
// the resulting status.
func (s *Store) RetryOrFail(ctx context.Context, taskID int64, reason string) (protocol.TaskStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE '' END,
			assigned_worker = '',
			assigned_at = '',
			timeout_at = ''
		WHERE id = ? AND status IN ('assigned', 'in_progress')`,
		reason, s.stamp(s.now()), taskID)
	if err != nil {
		return "", fmt.Errorf("retry task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("retry task %d: %w", taskID, err)
	}
	if n == 0 {
		return "", fmt.Errorf("task %d is not assigned or in progress", taskID)
	}

	task, err := s.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	s.syncDedup(ctx, taskID, task.Status)
	if task.Status == protocol.TaskFailed {
		return task.Status, &protocol.RetriesExhaustedError{
			TaskID:     taskID,
			RetryCount: task.RetryCount,
			LastError:  task.LastError,
		}
	}
	return task.Status, nil
}

// ReturnToPending reverts an assigned or in_progress task to pending
// without touching the retry budget, for scheduling unwinds that are not
// the worker's fault. Returns true when a row transitioned.
func (s *Store) ReturnToPending(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', assigned_worker = '', assigned_at = '', timeout_at = ''
		WHERE id = ? AND status IN ('assigned', 'in_progress')`, taskID)
	if err != nil {
		return false, fmt.Errorf("return task %d to pending: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("return task %d to pending: %w", taskID, err)
	}
	if n == 1 {
		s.syncDedup(ctx, taskID, protocol.TaskPending)
	}
	return n == 1, nil
}

// Cancel transitions a pending or assigned task to cancelled (the operator
// path). Cancelling a task in any other state is an error.
func (s *Store) Cancel(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = ?, assigned_worker = '', timeout_at = ''
		WHERE id = ? AND status IN ('pending', 'assigned')`,
		s.stamp(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d is not pending or assigned", taskID)
	}
	s.syncDedup(ctx, taskID, protocol.TaskCancelled)
	return nil
}

// Abort forces a task to cancelled from any non-terminal state (the
// abort_task directive path). It is idempotent: aborting an already
// cancelled task is a no-op. Returns true when a row actually transitioned.
func (s *Store) Abort(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = ?, assigned_worker = '', timeout_at = ''
		WHERE id = ? AND status IN ('pending', 'assigned', 'in_progress')`,
		s.stamp(s.now()), taskID)
	if err != nil {
		return false, fmt.Errorf("abort task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("abort task %d: %w", taskID, err)
	}
	if n == 1 {
		s.syncDedup(ctx, taskID, protocol.TaskCancelled)
	}
	return n == 1, nil
}

// RetryFailed resets a terminally failed task back to pending with a fresh
// retry budget (the operator retry path).
func (s *Store) RetryFailed(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', retry_count = 0, last_error = '', completed_at = ''
		WHERE id = ? AND status = 'failed'`, taskID)
	if err != nil {
		return fmt.Errorf("retry failed task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry failed task %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d is not failed", taskID)
	}
	s.syncDedup(ctx, taskID, protocol.TaskPending)
	return nil
}

// TimedOut holds the outcome of a timeout sweep for one task.
type TimedOut struct {
	TaskID           int64
	Worker           string
	WorkingDirectory string
	NewStatus        protocol.TaskStatus
}

// SweepTimeouts finds assigned/in_progress tasks whose timeout_at deadline
// has passed and applies the retry-or-fail transition to each. The health
// monitor is the sole caller; it releases the directory lock for every
// returned entry.
func (s *Store) SweepTimeouts(ctx context.Context) ([]TimedOut, error) {
	now := s.stamp(s.now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assigned_worker, working_directory FROM tasks
		WHERE status IN ('assigned', 'in_progress') AND timeout_at != '' AND timeout_at <= ?
		ORDER BY id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("query timed out tasks: %w", err)
	}
	type cand struct {
		id      int64
		worker  string
		workdir string
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.worker, &c.workdir); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan timed out task: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close timed out rows: %w", err)
	}

	var out []TimedOut
	for _, c := range cands {
		status, err := s.RetryOrFail(ctx, c.id, (&protocol.TimeoutError{TaskID: c.id, Worker: c.worker}).Error())
		if err != nil {
			var exhausted *protocol.RetriesExhaustedError
			if !errors.As(err, &exhausted) {
				// Another process may have transitioned the row first; skip.
				continue
			}
		}
		out = append(out, TimedOut{TaskID: c.id, Worker: c.worker, WorkingDirectory: c.workdir, NewStatus: status})
	}
	return out, nil
}

// UpdatePriority atomically changes a task's priority, immediately affecting
// queue ordering on the next scheduling pass.
func (s *Store) UpdatePriority(ctx context.Context, taskID int64, priority int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET priority = ? WHERE id = ?`, priority, taskID)
	if err != nil {
		return fmt.Errorf("update priority %d: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// ListOpts filters List.
type ListOpts struct {
	Status protocol.TaskStatus // empty = all
	Worker string              // empty = all
	Limit  int                 // 0 = no limit
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]protocol.Task, error) {
	query := taskSelect + ` WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.Worker != "" {
		query += ` AND assigned_worker = ?`
		args = append(args, opts.Worker)
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	return s.list(ctx, query, args...)
}

// Stats returns the number of tasks per status.
func (s *Store) Stats(ctx context.Context) (map[protocol.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[protocol.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[protocol.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// --- scanning helpers ---

const taskSelect = `
	SELECT id, content, priority, work_type, target_worker, status,
		assigned_worker, assigned_at, completed_at, retry_count, max_retries,
		timeout_at, content_fingerprint, working_directory, last_error, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*protocol.Task, error) {
	var t protocol.Task
	var workType string
	var status string
	err := r.Scan(&t.ID, &t.Content, &t.Priority, &workType, &t.TargetWorker, &status,
		&t.AssignedWorker, &t.AssignedAt, &t.CompletedAt, &t.RetryCount, &t.MaxRetries,
		&t.TimeoutAt, &t.ContentFingerprint, &t.WorkingDirectory, &t.LastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.WorkType = protocol.WorkType(workType)
	t.Status = protocol.TaskStatus(status)
	return &t, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
