package atelier

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusRetrying  JobStatus = "retrying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusArchived  JobStatus = "archived"
)

// Terminal reports whether no further execution can happen in this state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusRetrying,
		StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Job is the mutable record of one workflow execution. Copies returned by
// the manager are snapshots; the manager owns the live record.
type Job struct {
	ID          string         `json:"job_id"`
	WorkflowID  string         `json:"workflow_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Status      JobStatus      `json:"status"`
	CurrentStep string         `json:"current_step,omitempty"`
	Progress    int            `json:"progress"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Inputs      map[string]any `json:"inputs"`
}

// JobControlSink is how the scheduler publishes job state transitions
// without depending on the Manager concretely.
type JobControlSink interface {
	// SetStatus records a lifecycle transition.
	SetStatus(jobID string, status JobStatus)
	// SetProgress records completion percentage and the oldest running step.
	SetProgress(jobID string, progress int, currentStep string)
	// SetError records the terminating error message.
	SetError(jobID string, msg string)
}

// nopSink discards all transitions; used when a scheduler runs without a
// manager (tests, embedded use).
type nopSink struct{}

func (nopSink) SetStatus(string, JobStatus)      {}
func (nopSink) SetProgress(string, int, string)  {}
func (nopSink) SetError(string, string)          {}
