package protocol

// SchemaDDL defines the SQLite schema for the architect engine database.
// Tables: tasks, workers, directory_locks, dedup_entries, cooldowns,
// directives, events. Execute against a SQLite database with:
// db.Exec(SchemaDDL)
const SchemaDDL = `
-- Task queue and lifecycle state machine
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY,
    content TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 50,
    work_type TEXT NOT NULL DEFAULT 'development',
    target_worker TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_worker TEXT NOT NULL DEFAULT '',
    assigned_at TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    timeout_at TEXT NOT NULL DEFAULT '',
    content_fingerprint TEXT NOT NULL DEFAULT '',
    working_directory TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_order
    ON tasks (status, priority DESC, id ASC);

-- Registered execution targets (tmux panes, local or remote)
CREATE TABLE IF NOT EXISTS workers (
    name TEXT PRIMARY KEY,
    location TEXT NOT NULL DEFAULT 'local',
    session TEXT NOT NULL,
    affinity TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'idle',
    current_task_id INTEGER NOT NULL DEFAULT 0,
    last_activity_at TEXT NOT NULL DEFAULT ''
);

-- Directory leases: at most one non-expired row per directory_path.
-- The PRIMARY KEY makes the conditional insert atomic.
CREATE TABLE IF NOT EXISTS directory_locks (
    directory_path TEXT PRIMARY KEY,
    holder_worker TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- Content fingerprints for the deduplication guard
CREATE TABLE IF NOT EXISTS dedup_entries (
    content_hash TEXT PRIMARY KEY,
    task_id INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- TTL gate for repeated corrective actions
CREATE TABLE IF NOT EXISTS cooldowns (
    worker_name TEXT NOT NULL,
    prompt_key TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    PRIMARY KEY (worker_name, prompt_key)
);

-- Oversight directives: guidance, constraints, priority overrides, aborts
CREATE TABLE IF NOT EXISTS directives (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    content TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT 'all',
    status TEXT NOT NULL DEFAULT 'pending',
    issued_at TEXT NOT NULL,
    acknowledged_at TEXT NOT NULL DEFAULT '',
    acknowledged_by TEXT NOT NULL DEFAULT ''
);

-- Audit trail: every dispatch attempt and monitor action
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id INTEGER NOT NULL DEFAULT 0,
    worker TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
`
