// Package cooldown is a durable TTL gate for repeated corrective actions.
// A crash-and-restart of the monitor must not re-trigger a storm of
// identical keystrokes against the same stuck prompt, so the gate lives in
// the cooldowns table rather than in memory.
package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"architect/pkg/protocol"
)

// DefaultDuration is the gate applied after each corrective action.
const DefaultDuration = 15 * time.Second

var (
	digitRun = regexp.MustCompile(`\d+`)
	pathRun  = regexp.MustCompile(`(?:/[\w.~-]+)+`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// PromptKey derives a normalized signature from blocking prompt text.
// Digits and filesystem paths are collapsed so semantically identical
// prompts ("Overwrite /tmp/a.txt? [y/n]" vs "Overwrite /tmp/b.txt? [y/n]")
// share one cooldown bucket.
func PromptKey(prompt string) string {
	key := strings.ToLower(strings.TrimSpace(prompt))
	key = pathRun.ReplaceAllString(key, "<path>")
	key = digitRun.ReplaceAllString(key, "<n>")
	key = spaceRun.ReplaceAllString(key, " ")
	return key
}

// Manager gates corrective actions per (worker, prompt key).
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

// InCooldown reports whether a live gate exists for the worker and prompt
// key. The raw prompt text is accepted; normalization happens here.
func (m *Manager) InCooldown(ctx context.Context, worker, prompt string) (bool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT 1 FROM cooldowns
		WHERE worker_name = ? AND prompt_key = ? AND expires_at > ?`,
		worker, PromptKey(prompt), m.stamp(m.now()))
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("cooldown lookup: %w", err)
	}
	return true, nil
}

// Set arms (or re-arms) the gate for the worker and prompt key.
func (m *Manager) Set(ctx context.Context, worker, prompt string, d time.Duration) error {
	if d <= 0 {
		d = DefaultDuration
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cooldowns (worker_name, prompt_key, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(worker_name, prompt_key) DO UPDATE SET expires_at = excluded.expires_at`,
		worker, PromptKey(prompt), m.stamp(m.now().Add(d)))
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// Purge removes expired gate rows. Returns the number removed.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM cooldowns WHERE expires_at <= ?`, m.stamp(m.now()))
	if err != nil {
		return 0, fmt.Errorf("purge cooldowns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge cooldowns: %w", err)
	}
	return n, nil
}
