package atelier

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CheckpointID is a globally addressable checkpoint identifier. It embeds
// the job id and the per-job monotonic sequence: "<job_id>.<seq>".
type CheckpointID string

// FormatCheckpointID builds a CheckpointID from its parts.
func FormatCheckpointID(jobID string, seq int64) CheckpointID {
	return CheckpointID(fmt.Sprintf("%s.%06d", jobID, seq))
}

// Parse splits the id into job id and sequence number.
func (id CheckpointID) Parse() (jobID string, seq int64, err error) {
	i := strings.LastIndexByte(string(id), '.')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed checkpoint id %q", id)
	}
	seq, err = strconv.ParseInt(string(id)[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed checkpoint id %q", id)
	}
	return string(id)[:i], seq, nil
}

// CheckpointMeta describes a stored checkpoint without its snapshot.
type CheckpointMeta struct {
	ID              CheckpointID `json:"checkpoint_id"`
	JobID           string       `json:"job_id"`
	StepID          string       `json:"step_id"`
	WorkflowVersion string       `json:"workflow_version"`
	Timestamp       time.Time    `json:"timestamp"`
	Size            int64        `json:"size"`
	Resumable       bool         `json:"resumable"`
}

// Checkpoint is a stored record with its serialized context snapshot.
// Records are exclusively owned by the store; Restore hands out copies.
type Checkpoint struct {
	CheckpointMeta
	Snapshot []byte `json:"-"`
}

// CheckpointStore is the durable append-only per-job checkpoint store.
//
// Guarantees: a successful Write is durable before it returns; a failed
// write leaves no record visible. The scheduler is the sole writer per
// job, but stores serialize concurrent writers defensively.
type CheckpointStore interface {
	// Write appends a snapshot taken after stepID completed and returns
	// the new checkpoint's id.
	Write(jobID, stepID, workflowVersion string, snapshot []byte) (CheckpointID, error)
	// List returns checkpoint metadata for a job in creation order.
	List(jobID string) ([]CheckpointMeta, error)
	// Get returns a full record, or ErrCheckpointNotFound.
	Get(id CheckpointID) (Checkpoint, error)
	// Restore returns a copy of the snapshot bytes, or ErrCheckpointNotFound.
	Restore(id CheckpointID) ([]byte, error)
	// Delete removes one checkpoint.
	Delete(id CheckpointID) error
	// Cleanup deletes all but the keepLast most recent checkpoints.
	Cleanup(jobID string, keepLast int) error
}
