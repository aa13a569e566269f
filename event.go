package atelier

import (
	"strings"
	"time"
)

// EventType identifies the kind of execution event. The set is closed:
// subscribers filter by prefix ("RUN.", "NODE.", "CP.", "FLOW.").
type EventType string

const (
	// EventRunQueued is emitted when a job is accepted for execution.
	EventRunQueued EventType = "RUN.QUEUED"
	// EventRunStarted is emitted when the scheduler takes ownership of a job.
	EventRunStarted EventType = "RUN.STARTED"
	// EventRunPaused is emitted once per effective pause command.
	EventRunPaused EventType = "RUN.PAUSED"
	// EventRunResumed is emitted once per effective resume command.
	EventRunResumed EventType = "RUN.RESUMED"
	// EventRunStepReady is emitted when a step enters the ready queue.
	EventRunStepReady EventType = "RUN.STEP_READY"
	// EventRunFinished is the single terminal event of a completed job.
	EventRunFinished EventType = "RUN.FINISHED"
	// EventRunCancelled is the single terminal event of a cancelled job.
	EventRunCancelled EventType = "RUN.CANCELLED"
	// EventRunFailed is the single terminal event of a failed job.
	EventRunFailed EventType = "RUN.FAILED"

	// EventNodeStart is emitted when a step is dispatched.
	EventNodeStart EventType = "NODE.START"
	// EventNodeStdout carries a structured log line from a running agent.
	EventNodeStdout EventType = "NODE.STDOUT"
	// EventNodeCheckpoint is emitted after a step's checkpoint persisted.
	EventNodeCheckpoint EventType = "NODE.CHECKPOINT"
	// EventNodeOutput is emitted when a step's output is frozen into the
	// shared context. Exactly one per completed step.
	EventNodeOutput EventType = "NODE.OUTPUT"
	// EventNodeError is emitted per failed attempt; payload "transient"
	// distinguishes retries from permanent failures.
	EventNodeError EventType = "NODE.ERROR"

	// EventFlowEdge marks one agent's output flowing into another's input.
	EventFlowEdge EventType = "FLOW.EDGE"

	// EventCheckpointWritten is emitted after a durable checkpoint write.
	EventCheckpointWritten EventType = "CP.WRITTEN"
	// EventCheckpointRestored is emitted after a context restore.
	EventCheckpointRestored EventType = "CP.RESTORED"

	// EventStreamMissed is synthesized by the stream gateway when a slow
	// observer's buffer overflowed; payload "count" is the number dropped.
	EventStreamMissed EventType = "STREAM.MISSED"
)

// Event is a single execution telemetry record. Payload keys are
// event-type specific and JSON-friendly (string, float64, bool, nested
// maps). Events for one job are published in a total order.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	StepID    string         `json:"step_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Matches reports whether the event type matches a filter. A filter is
// either an exact type or a prefix ending in '*' ("NODE.*"). An empty
// filter list matches everything.
func (e Event) Matches(filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	t := string(e.Type)
	for _, f := range filters {
		if prefix, ok := strings.CutSuffix(f, "*"); ok {
			if strings.HasPrefix(t, prefix) {
				return true
			}
		} else if t == f {
			return true
		}
	}
	return false
}
