package atelier

import (
	"context"
	"fmt"
)

// Call is the scoped handle a handler receives for one step invocation.
// It exposes the validated input plus the collaborators the step may use,
// and is the only surface through which an agent touches shared state.
type Call struct {
	jobID   string
	stepID  string
	agentID string
	input   map[string]any

	llm       Generator
	vector    VectorStore
	artifacts ArtifactSink

	emitStdout   func(line string)
	saveArtifact func(name string, ref BlobRef)
	cancelled    func() bool
}

// JobID returns the owning job id.
func (c *Call) JobID() string { return c.jobID }

// StepID returns the step id being executed.
func (c *Call) StepID() string { return c.stepID }

// AgentID returns the agent id being invoked.
func (c *Call) AgentID() string { return c.agentID }

// Input returns the validated, merged input object. The map is the
// handler's private copy.
func (c *Call) Input() map[string]any { return c.input }

// String returns the input field key as a string, or "" when absent.
func (c *Call) String(key string) string {
	if v, ok := c.input[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// LLM returns the text-generation gateway, or nil when the job was
// configured without one.
func (c *Call) LLM() Generator { return c.llm }

// Vector returns the vector-store collaborator, or nil.
func (c *Call) Vector() VectorStore { return c.vector }

// Logf emits a structured log line that the scheduler re-publishes as a
// NODE.STDOUT event.
func (c *Call) Logf(format string, args ...any) {
	if c.emitStdout != nil {
		c.emitStdout(fmt.Sprintf(format, args...))
	}
}

// WriteArtifact stores a named blob through the artifact sink and records
// its reference in the job context.
func (c *Call) WriteArtifact(ctx context.Context, name string, data []byte) (BlobRef, error) {
	if c.artifacts == nil {
		return BlobRef{}, Errf(KindInternal, c.stepID, "no artifact sink configured")
	}
	ref, err := c.artifacts.Write(ctx, name, data)
	if err != nil {
		return BlobRef{}, err
	}
	if c.saveArtifact != nil {
		c.saveArtifact(name, ref)
	}
	return ref, nil
}

// Cancelled reports whether the job has been cancelled. Long-running
// handlers should check it at natural yield points.
func (c *Call) Cancelled() bool {
	return c.cancelled != nil && c.cancelled()
}
