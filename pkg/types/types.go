package types

import (
	"encoding/json"
	"time"
)

// Task is a unit of work submitted by a producer and executed by exactly
// one local worker or remote slave.
type Task struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Capabilities []string        `json:"capabilities,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	Deadline     time.Time       `json:"deadline,omitempty"`
	MaxAttempts  int             `json:"max_attempts"`
	Timeout      time.Duration   `json:"timeout,omitempty"`

	State      TaskState       `json:"state"`
	Attempts   []*Attempt      `json:"attempts,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	AssignedAt time.Time       `json:"assigned_at,omitempty"`
}

// TaskState represents the state of a task.
// Transitions: Pending -> Assigned -> (Completed | Failed | Pending).
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// Attempt records one execution attempt of a task.
type Attempt struct {
	ExecutorID string         `json:"executor_id"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
}

// AttemptOutcome classifies how an attempt ended.
type AttemptOutcome string

const (
	AttemptOutcomeSucceeded AttemptOutcome = "succeeded"
	AttemptOutcomeFailed    AttemptOutcome = "failed"
	AttemptOutcomeTimedOut  AttemptOutcome = "timed_out"
	AttemptOutcomeLost      AttemptOutcome = "lost"
	AttemptOutcomeCancelled AttemptOutcome = "cancelled"
)

// Worker is a long-lived local executor that polls the master for tasks.
type Worker struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	State         WorkerState `json:"state"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastAssigned  time.Time   `json:"last_assigned,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// WorkerState represents the state of a local worker.
type WorkerState string

const (
	WorkerStateIdle    WorkerState = "idle"
	WorkerStateBusy    WorkerState = "busy"
	WorkerStateOffline WorkerState = "offline"
)

// Slave is a remote HTTP-reachable executor.
type Slave struct {
	ID           string   `json:"id"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AuthToken    string   `json:"auth_token"`
	Capabilities []string `json:"capabilities,omitempty"`

	Status         SlaveStatus `json:"status"`
	LastSeenCommit string      `json:"last_seen_commit,omitempty"`
	LastHealthAt   time.Time   `json:"last_health_at,omitempty"`
	LastAssignedAt time.Time   `json:"last_assigned_at,omitempty"`
	RegisteredAt   time.Time   `json:"registered_at"`
}

// SlaveStatus represents the health classification of a slave.
// Slaves in StatusUnhealthy or StatusVersionMismatch never receive new
// assignments.
type SlaveStatus string

const (
	SlaveStatusHealthy         SlaveStatus = "healthy"
	SlaveStatusUnhealthy       SlaveStatus = "unhealthy"
	SlaveStatusVersionMismatch SlaveStatus = "version_mismatch"
	SlaveStatusUnknown         SlaveStatus = "unknown"
)

// SupervisedProcess describes one child owned by the supervisor.
type SupervisedProcess struct {
	Name          string   `json:"name" yaml:"name"`
	Command       string   `json:"command" yaml:"command"`
	Args          []string `json:"args,omitempty" yaml:"args,omitempty"`
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	RestartBudget int      `json:"restart_budget" yaml:"restart_budget"`

	PID          int       `json:"pid,omitempty" yaml:"-"`
	StartedAt    time.Time `json:"started_at,omitempty" yaml:"-"`
	RestartCount int       `json:"restart_count" yaml:"-"`
	LastExitCode int       `json:"last_exit_code,omitempty" yaml:"-"`
	Terminal     bool      `json:"terminal" yaml:"-"`
}

// HumanRequest is a durable approval item surfaced when automation cannot
// proceed on its own.
type HumanRequest struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Priority      int       `json:"priority"`
	EstimatedCost float64   `json:"estimated_cost,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`

	State       HumanRequestState `json:"state"`
	Notes       string            `json:"notes,omitempty"`
	ApprovedAt  time.Time         `json:"approved_at,omitempty"`
	RejectedAt  time.Time         `json:"rejected_at,omitempty"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	CancelledAt time.Time         `json:"cancelled_at,omitempty"`
}

// HumanRequestState represents the approval state machine.
// Pending -> Approved | Rejected | Cancelled; Approved -> Completed | Cancelled.
type HumanRequestState string

const (
	HumanRequestPending   HumanRequestState = "pending"
	HumanRequestApproved  HumanRequestState = "approved"
	HumanRequestRejected  HumanRequestState = "rejected"
	HumanRequestCompleted HumanRequestState = "completed"
	HumanRequestCancelled HumanRequestState = "cancelled"
)

// ExecuteRequest is the body of POST /execute on a slave.
type ExecuteRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"` // seconds, default 300
}

// ExecuteResult is the body returned by POST /execute on a slave.
type ExecuteResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Method   string `json:"method"`
	ExitCode int    `json:"exit_code"`
}

// HealthReport is the body returned by GET /health on a slave.
type HealthReport struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Commit  string          `json:"commit"`
	Branch  string          `json:"branch,omitempty"`
	Methods map[string]bool `json:"methods"`
}

// VersionReport is the body returned by GET /version on a slave.
type VersionReport struct {
	Commit  string `json:"commit"`
	Version string `json:"version"`
	Branch  string `json:"branch"`
}

// UploadRequest is the body of POST /upload on a slave.
type UploadRequest struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

// QueueStats holds per-state task counts.
type QueueStats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats is the snapshot served by GET /stats on the master.
type Stats struct {
	Tasks   QueueStats     `json:"tasks"`
	Workers map[string]int `json:"workers"` // state -> count
	Slaves  map[string]int `json:"slaves"`  // status -> count
}

// HasCapabilities reports whether the haves set covers every want.
func HasCapabilities(haves, wants []string) bool {
	if len(wants) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(haves))
	for _, c := range haves {
		set[c] = struct{}{}
	}
	for _, w := range wants {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
