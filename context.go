package atelier

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// snapshotSchemaVersion is embedded in every serialized context snapshot
// so restores can reject incompatible layouts.
const snapshotSchemaVersion = 1

// BlobRef points at a stored artifact.
type BlobRef struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// AgentIO is the diagnostic record of one step invocation.
type AgentIO struct {
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ExecContext is the job-scoped execution state: step outputs frozen on
// publish, artifact references, per-step I/O records, and the static
// configuration snapshots captured at submission. The scheduler is the
// only writer, but the HTTP layer reads the live context while a job
// runs, so every accessor and mutator holds the lock and accessors
// return copies.
type ExecContext struct {
	mu sync.RWMutex

	inputs    map[string]any
	shared    map[string]map[string]any
	artifacts map[string]BlobRef
	agentIO   map[string]AgentIO

	// Static snapshots. Captured at submission so mid-run config edits do
	// not perturb in-flight jobs.
	tone           map[string]any
	perf           map[string]any
	templateConfig map[string]any
}

// NewExecContext creates a context from validated entry inputs and the
// configuration snapshots captured at submission time.
func NewExecContext(inputs, tone, perf, templateConfig map[string]any) *ExecContext {
	return &ExecContext{
		inputs:         deepCopyMap(inputs),
		shared:         make(map[string]map[string]any),
		artifacts:      make(map[string]BlobRef),
		agentIO:        make(map[string]AgentIO),
		tone:           deepCopyMap(tone),
		perf:           deepCopyMap(perf),
		templateConfig: deepCopyMap(templateConfig),
	}
}

// Inputs returns a copy of the entry inputs.
func (c *ExecContext) Inputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.inputs)
}

// Tone returns the tone configuration snapshot.
func (c *ExecContext) Tone() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.tone)
}

// Perf returns the performance configuration snapshot.
func (c *ExecContext) Perf() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.perf)
}

// TemplateConfig returns the template configuration snapshot.
func (c *ExecContext) TemplateConfig() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.templateConfig)
}

// Shared returns a deep copy of the frozen output of step, if published.
func (c *ExecContext) Shared(step string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.shared[step]
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// SharedSteps returns the ids of steps with published output, sorted.
func (c *ExecContext) SharedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.shared))
	for k := range c.shared {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// publishShared freezes a step's output. The value is deep-copied on the
// way in; once published a key is never mutated again.
func (c *ExecContext) publishShared(step string, output map[string]any) {
	frozen := deepCopyMap(output)
	c.mu.Lock()
	c.shared[step] = frozen
	c.mu.Unlock()
}

// Artifacts returns a copy of the artifact reference table.
func (c *ExecContext) Artifacts() map[string]BlobRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]BlobRef, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// putArtifact records a named artifact reference.
func (c *ExecContext) putArtifact(name string, ref BlobRef) {
	c.mu.Lock()
	c.artifacts[name] = ref
	c.mu.Unlock()
}

// AgentIO returns a copy of the diagnostic record for step.
func (c *ExecContext) AgentIO(step string) (AgentIO, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	io, ok := c.agentIO[step]
	if !ok {
		return AgentIO{}, false
	}
	io.Input = deepCopyMap(io.Input)
	io.Output = deepCopyMap(io.Output)
	return io, true
}

// recordIO appends a step's diagnostic record.
func (c *ExecContext) recordIO(step string, io AgentIO) {
	io.Input = deepCopyMap(io.Input)
	io.Output = deepCopyMap(io.Output)
	c.mu.Lock()
	c.agentIO[step] = io
	c.mu.Unlock()
}

// contextSnapshot is the wire shape of a serialized ExecContext.
type contextSnapshot struct {
	SchemaVersion  int                       `json:"schema_version"`
	Inputs         map[string]any            `json:"inputs"`
	Shared         map[string]map[string]any `json:"shared"`
	Artifacts      map[string]BlobRef        `json:"artifacts"`
	AgentIO        map[string]AgentIO        `json:"agent_io"`
	Tone           map[string]any            `json:"tone,omitempty"`
	Perf           map[string]any            `json:"perf,omitempty"`
	TemplateConfig map[string]any            `json:"template_config,omitempty"`
}

// Snapshot serializes the full context deterministically (JSON with sorted
// map keys). The snapshot is self-describing via its schema version.
func (c *ExecContext) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := contextSnapshot{
		SchemaVersion:  snapshotSchemaVersion,
		Inputs:         c.inputs,
		Shared:         c.shared,
		Artifacts:      c.artifacts,
		AgentIO:        c.agentIO,
		Tone:           c.tone,
		Perf:           c.perf,
		TemplateConfig: c.templateConfig,
	}
	return json.Marshal(snap)
}

// RestoreSnapshot rebuilds an ExecContext from serialized bytes. The
// entire shared mapping is replaced atomically; the result shares no
// memory with the snapshot source.
func RestoreSnapshot(data []byte) (*ExecContext, error) {
	var snap contextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode context snapshot: %w", err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version %d", snap.SchemaVersion)
	}
	c := &ExecContext{
		inputs:         snap.Inputs,
		shared:         snap.Shared,
		artifacts:      snap.Artifacts,
		agentIO:        snap.AgentIO,
		tone:           snap.Tone,
		perf:           snap.Perf,
		templateConfig: snap.TemplateConfig,
	}
	if c.inputs == nil {
		c.inputs = make(map[string]any)
	}
	if c.shared == nil {
		c.shared = make(map[string]map[string]any)
	}
	if c.artifacts == nil {
		c.artifacts = make(map[string]BlobRef)
	}
	if c.agentIO == nil {
		c.agentIO = make(map[string]AgentIO)
	}
	return c, nil
}

// Clone returns a deep copy of the context.
func (c *ExecContext) Clone() *ExecContext {
	data, err := c.Snapshot()
	if err != nil {
		// Snapshot only fails on unmarshalable values, which publishShared
		// never admits (outputs pass contract validation first).
		panic(fmt.Sprintf("atelier: clone context: %v", err))
	}
	out, err := RestoreSnapshot(data)
	if err != nil {
		panic(fmt.Sprintf("atelier: clone context: %v", err))
	}
	return out
}

// deepCopyMap copies a JSON-shaped map. Values are copied through a
// marshal/unmarshal round trip, which both isolates memory and normalizes
// numeric types to float64.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
