package queue

import "time"

// Status is the lifecycle state of a task.
//
// Transitions: pending -> processing -> {completed, pending (reschedule),
// failed}. processing -> pending also occurs on crash recovery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Method hints at the fetch strategy for a task. "auto" defers the decision
// to the dispatcher (which may still derive one from the URL scheme).
const (
	MethodAuto = "auto"
	MethodFile = "file"
)

// Task is one fetch request persisted in the queue.
type Task struct {
	ID            int64
	URL           string
	Status        Status
	Attempts      int
	AddedAt       time.Time
	UpdatedAt     time.Time
	NextAttemptAt *time.Time
	ResultPath    string
	ErrorMessage  string
	URLHash       string
	PlatformID    string
	Method        string
}
