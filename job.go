package taskline

import (
	"encoding/json"
	"strconv"
)

// Job represents one unit of deferred work and its lifecycle metadata.
// It is serialized to JSON and stored in the backing store keyed by ID.
type Job struct {
	// ID is the unique identifier, assigned at admission. Immutable.
	ID string `json:"id"`
	// Queue is the name of the queue this job belongs to. Immutable.
	Queue string `json:"queue"`
	// Payload is the caller-defined job data. Immutable once admitted.
	Payload json.RawMessage `json:"payload"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Priority orders jobs that become ready at the same time; a lower
	// number is more urgent.
	Priority Priority `json:"priority"`
	// Attempts is the number of processing attempts made so far.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds the retry budget; the job dead-letters once
	// Attempts reaches it.
	MaxAttempts int `json:"max_attempts"`
	// CreatedAt is the admission timestamp (ms).
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the timestamp (ms) of the last state transition.
	UpdatedAt int64 `json:"updated_at"`
	// ProcessedAt is the timestamp (ms) when the latest attempt started.
	ProcessedAt int64 `json:"processed_at,omitempty"`
	// CompletedAt is the timestamp (ms) of successful completion.
	CompletedAt int64 `json:"completed_at,omitempty"`
	// FailedAt is the timestamp (ms) when the job dead-lettered.
	FailedAt int64 `json:"failed_at,omitempty"`
	// Error is the message from the last failed attempt.
	Error string `json:"error,omitempty"`
	// Result is the processor output, set only on completion.
	Result json.RawMessage `json:"result,omitempty"`
}

// Status represents a job lifecycle state. Use the exported constants
// (StatusPending, StatusProcessing, etc.) instead of raw strings.
type Status string

const (
	// StatusPending means the job is in its queue waiting to be claimed.
	StatusPending Status = "pending"
	// StatusProcessing means a consumer has claimed the job and its
	// processor is (or may be) running.
	StatusProcessing Status = "processing"
	// StatusCompleted means the processor succeeded. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the retry budget is exhausted and the job sits in
	// the dead-letter set. Terminal except for manual retry.
	StatusFailed Status = "failed"
	// StatusRetrying means the last attempt failed and the job is back in
	// its queue with a backoff-adjusted score.
	StatusRetrying Status = "retrying"
)

// AllStatuses lists every valid job status in a stable order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string into a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusProcessing):
		return StatusProcessing, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	case string(StatusRetrying):
		return StatusRetrying, nil
	default:
		return "", ErrUnknownStatus
	}
}

// Priority controls claim order among jobs ready at the same time.
// Lower numeric value means more urgent.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 5
	PriorityNormal   Priority = 10
	PriorityLow      Priority = 20
)

// String returns the symbolic name of the priority, or its numeric form
// for non-standard values.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePriority converts a symbolic priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, ErrUnknownPriority
	}
}
