package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"architect/pkg/protocol"
)

// Dedup guard windows. An identical submission within the lookback window
// whose original is still active is reported as a duplicate; entries expire
// after dedupExpiry and are removed by SweepExpiredDedup.
const (
	DefaultLookback = 2 * time.Hour
	dedupExpiry     = 24 * time.Hour
)

// Outcome reports what the deduplication guard decided for a submission.
type Outcome struct {
	Registered     bool
	ExistingID     int64
	ExistingStatus protocol.TaskStatus
}

// Duplicate reports whether the submission was collapsed onto an existing
// task.
func (o Outcome) Duplicate() bool { return !o.Registered }

// Fingerprint computes the content fingerprint used for deduplication.
// Hash collisions (same fingerprint, different content) are an accepted
// trade-off: over a bounded window, avoiding duplicate work beats perfect
// precision.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

// lookupDuplicate returns a DuplicateOf outcome when an active entry with
// this fingerprint exists inside the lookback window and the referenced
// task is still pending, assigned, or in progress. The entry's mirrored
// status column is refreshed from the live task row as a side effect.
func (s *Store) lookupDuplicate(ctx context.Context, fingerprint string, now time.Time) (*Outcome, error) {
	lookback := s.stamp(now.Add(-DefaultLookback))

	row := s.db.QueryRowContext(ctx, `
		SELECT d.task_id, t.status
		FROM dedup_entries d JOIN tasks t ON t.id = d.task_id
		WHERE d.content_hash = ? AND d.created_at >= ? AND d.expires_at > ? AND t.status != 'cancelled'`,
		fingerprint, lookback, s.stamp(now))

	var taskID int64
	var status string
	if err := row.Scan(&taskID, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	s.syncDedup(ctx, taskID, protocol.TaskStatus(status))

	if protocol.TaskStatus(status).Active() {
		return &Outcome{ExistingID: taskID, ExistingStatus: protocol.TaskStatus(status)}, nil
	}
	// The original finished; the fingerprint may be re-registered.
	return nil, nil
}

// reserveFingerprint atomically claims the fingerprint for one submission
// before its task row exists. A fresh fingerprint inserts a reservation
// (task_id 0); an existing row is taken over only when its window lapsed
// or its task is no longer active. The single upsert decides under the
// write lock, so of two concurrent identical submissions exactly one
// reserves; the loser sees false and re-checks for a duplicate.
// A reservation itself cannot be taken over while it is inside the
// lookback window, which keeps the loser from racing the winner for a
// second task row; an orphaned reservation (crash between reserve and
// link) unblocks once the window passes.
func (s *Store) reserveFingerprint(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_entries (content_hash, task_id, status, created_at, expires_at)
		VALUES (?, 0, 'reserved', ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			task_id = 0,
			status = 'reserved',
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE dedup_entries.expires_at <= excluded.created_at
		   OR dedup_entries.created_at < ?
		   OR (dedup_entries.task_id != 0 AND NOT EXISTS (
				SELECT 1 FROM tasks t
				WHERE t.id = dedup_entries.task_id
				  AND t.status IN ('pending', 'assigned', 'in_progress')))`,
		fingerprint, s.stamp(now), s.stamp(now.Add(dedupExpiry)),
		s.stamp(now.Add(-DefaultLookback)))
	if err != nil {
		return false, fmt.Errorf("reserve dedup entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve dedup entry: %w", err)
	}
	return n == 1, nil
}

// linkDedup points the reservation at the task row it guarded.
func (s *Store) linkDedup(ctx context.Context, fingerprint string, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dedup_entries SET task_id = ?, status = 'pending'
		WHERE content_hash = ? AND task_id = 0`,
		taskID, fingerprint)
	if err != nil {
		return fmt.Errorf("link dedup entry: %w", err)
	}
	return nil
}

// syncDedup mirrors the referenced task's status onto its dedup entry.
// Best-effort: a failed sync only delays the mirror until the next lookup.
func (s *Store) syncDedup(ctx context.Context, taskID int64, status protocol.TaskStatus) {
	_, _ = s.db.ExecContext(ctx,
		`UPDATE dedup_entries SET status = ? WHERE task_id = ?`, string(status), taskID)
}

// SweepExpiredDedup deletes expired dedup entries. Returns the number of
// rows removed.
func (s *Store) SweepExpiredDedup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_entries WHERE expires_at <= ?`, s.stamp(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep dedup entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep dedup entries: %w", err)
	}
	return n, nil
}
