// Package lockmgr grants mutually exclusive leases on working directories
// so no two workers operate on the same project tree concurrently. Leases
// live in the directory_locks table; the PRIMARY KEY on directory_path is
// what makes acquisition atomic across processes.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"architect/pkg/protocol"
)

// DefaultTTL bounds a lease so a crashed holder cannot deadlock a
// directory permanently.
const DefaultTTL = 2 * time.Hour

// Manager mediates lease acquisition against the shared store.
type Manager struct {
	db *sql.DB

	nowFunc func() time.Time
}

func New(db *sql.DB) *Manager {
	return &Manager{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (m *Manager) SetNowFunc(f func() time.Time) { m.nowFunc = f }

func (m *Manager) now() time.Time { return m.nowFunc().UTC() }

func (m *Manager) stamp(t time.Time) string { return t.UTC().Format(protocol.TimeFormat) }

// Acquire takes the lease on dir for holder. It returns true when the lease
// was granted and false when another holder has a live lease. Re-acquiring a
// lease the holder already owns extends it and succeeds.
//
// The insert is conditional on the PRIMARY KEY; when it conflicts, one purge
// of an expired row is attempted and the insert retried exactly once.
func (m *Manager) Acquire(ctx context.Context, dir, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()

	// Fast path: the holder already owns a live lease, so extend it.
	res, err := m.db.ExecContext(ctx, `
		UPDATE directory_locks SET expires_at = ?
		WHERE directory_path = ? AND holder_worker = ? AND expires_at > ?`,
		m.stamp(now.Add(ttl)), dir, holder, m.stamp(now))
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", dir, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.tryInsert(ctx, dir, holder, now, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Row exists. Purge it if expired, then retry the insert once.
		res, err := m.db.ExecContext(ctx,
			`DELETE FROM directory_locks WHERE directory_path = ? AND expires_at <= ?`,
			dir, m.stamp(now))
		if err != nil {
			return false, fmt.Errorf("purge expired lock %s: %w", dir, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			// Live lease held by someone else.
			return false, err
		}
	}
	return false, nil
}

func (m *Manager) tryInsert(ctx context.Context, dir, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO directory_locks (directory_path, holder_worker, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(directory_path) DO NOTHING`,
		dir, holder, m.stamp(now), m.stamp(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", dir, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", dir, err)
	}
	return n == 1, nil
}

// Release drops the lease on dir, but only when holder owns it. Returns
// true when a row was removed.
func (m *Manager) Release(ctx context.Context, dir, holder string) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM directory_locks WHERE directory_path = ? AND holder_worker = ?`,
		dir, holder)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", dir, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", dir, err)
	}
	return n == 1, nil
}

// Renew extends a live lease held by holder. Renewing a lease that expired
// or belongs to someone else returns LockHeldError so the caller notices
// the loss instead of assuming continued exclusivity.
func (m *Manager) Renew(ctx context.Context, dir, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	res, err := m.db.ExecContext(ctx, `
		UPDATE directory_locks SET expires_at = ?
		WHERE directory_path = ? AND holder_worker = ? AND expires_at > ?`,
		m.stamp(now.Add(ttl)), dir, holder, m.stamp(now))
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", dir, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", dir, err)
	}
	if n == 0 {
		return &protocol.LockHeldError{Directory: dir, Holder: holder}
	}
	return nil
}

// Holder returns the current live lease holder for dir, or "" when the
// directory is unlocked.
func (m *Manager) Holder(ctx context.Context, dir string) (string, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT holder_worker FROM directory_locks WHERE directory_path = ? AND expires_at > ?`,
		dir, m.stamp(m.now()))
	var holder string
	if err := row.Scan(&holder); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("lock holder %s: %w", dir, err)
	}
	return holder, nil
}

// ListActive returns every non-expired lease, ordered by directory path.
func (m *Manager) ListActive(ctx context.Context) ([]protocol.DirectoryLock, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT directory_path, holder_worker, acquired_at, expires_at
		FROM directory_locks WHERE expires_at > ?
		ORDER BY directory_path`,
		m.stamp(m.now()))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []protocol.DirectoryLock
	for rows.Next() {
		var l protocol.DirectoryLock
		if err := rows.Scan(&l.DirectoryPath, &l.HolderWorker, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// SweepExpired removes expired lease rows. Acquire purges lazily on
// conflict, so this only keeps the table tidy; it is safe to skip.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM directory_locks WHERE expires_at <= ?`, m.stamp(m.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	return n, nil
}
