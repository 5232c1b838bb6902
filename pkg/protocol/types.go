// Package protocol defines the shared domain types, SQLite schema, and typed
// errors for the architect task engine. Every other package speaks these
// types; the durable store is the single source of truth for all of them.
package protocol

import "strings"

// TaskStatus represents a task's position in the lifecycle state machine.
type TaskStatus string

// Task status constants.
const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal rows are never
// deleted; they persist for audit and dedup lookback.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s refers to work that is queued or in flight.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress:
		return true
	default:
		return false
	}
}

// WorkType categorizes a task by the kind of work it asks for.
type WorkType string

// Work type constants.
const (
	WorkDevelopment WorkType = "development"
	WorkDeployment  WorkType = "deployment"
	WorkReview      WorkType = "review"
	WorkTest        WorkType = "test"
	WorkMonitoring  WorkType = "monitoring"
)

// Valid reports whether w is one of the five known work types.
func (w WorkType) Valid() bool {
	switch w {
	case WorkDevelopment, WorkDeployment, WorkReview, WorkTest, WorkMonitoring:
		return true
	default:
		return false
	}
}

// Task represents a row in the tasks table.
type Task struct {
	ID                 int64      `json:"id"`
	Content            string     `json:"content"`
	Priority           int        `json:"priority"`
	WorkType           WorkType   `json:"work_type"`
	TargetWorker       string     `json:"target_worker,omitempty"`
	Status             TaskStatus `json:"status"`
	AssignedWorker     string     `json:"assigned_worker,omitempty"`
	AssignedAt         string     `json:"assigned_at,omitempty"`
	CompletedAt        string     `json:"completed_at,omitempty"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	TimeoutAt          string     `json:"timeout_at,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint"`
	WorkingDirectory   string     `json:"working_directory"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          string     `json:"created_at"`
}

// WorkerStatus represents a registered worker's availability.
type WorkerStatus string

// Worker status constants.
const (
	WorkerIdle        WorkerStatus = "idle"
	WorkerBusy        WorkerStatus = "busy"
	WorkerUnreachable WorkerStatus = "unreachable"
)

// LocalLocation marks a worker whose pane lives on this host. Any other
// location value is treated as a remote host address for the ssh transport.
const LocalLocation = "local"

// Worker represents a row in the workers table: a registered execution
// target bound to a terminal-multiplexer pane, locally or over ssh.
type Worker struct {
	Name           string       `json:"name"`
	Location       string       `json:"location"`
	Session        string       `json:"session"`
	Affinity       []WorkType   `json:"work_type_affinity"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  int64        `json:"current_task_id,omitempty"`
	LastActivityAt string       `json:"last_activity_at,omitempty"`
}

// Remote reports whether the worker is addressed over the remote-shell
// transport.
func (w Worker) Remote() bool {
	return w.Location != "" && w.Location != LocalLocation
}

// Accepts reports whether the worker's affinity set contains wt.
// An empty affinity set accepts everything.
func (w Worker) Accepts(wt WorkType) bool {
	if len(w.Affinity) == 0 {
		return true
	}
	for _, a := range w.Affinity {
		if a == wt {
			return true
		}
	}
	return false
}

// JoinAffinity encodes an affinity set for storage (comma-separated).
func JoinAffinity(affinity []WorkType) string {
	parts := make([]string, 0, len(affinity))
	for _, a := range affinity {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}

// SplitAffinity decodes a stored affinity string. Unknown categories are
// dropped rather than failing the row.
func SplitAffinity(s string) []WorkType {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []WorkType
	for _, part := range strings.Split(s, ",") {
		wt := WorkType(strings.TrimSpace(part))
		if wt.Valid() {
			out = append(out, wt)
		}
	}
	return out
}

// DirectoryLock represents a lease row in the directory_locks table.
type DirectoryLock struct {
	DirectoryPath string `json:"directory_path"`
	HolderWorker  string `json:"holder_worker"`
	AcquiredAt    string `json:"acquired_at"`
	ExpiresAt     string `json:"expires_at"`
}

// DedupEntry represents a content-hash row in the dedup_entries table.
type DedupEntry struct {
	ContentHash string `json:"content_hash"`
	TaskID      int64  `json:"task_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

// CooldownEntry represents a row in the cooldowns table.
type CooldownEntry struct {
	WorkerName string `json:"worker_name"`
	PromptKey  string `json:"prompt_key"`
	ExpiresAt  string `json:"expires_at"`
}

// Event represents a row in the events audit table. Every dispatch attempt,
// monitor action, and state transition is recorded here.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TaskID    int64  `json:"task_id,omitempty"`
	Worker    string `json:"worker,omitempty"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TimeFormat is the timestamp layout used for every stored timestamp.
// RFC3339 in UTC sorts lexicographically, which the conditional SQL
// statements rely on.
const TimeFormat = "2006-01-02T15:04:05Z07:00"
