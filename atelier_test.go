package atelier

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced Clock for deterministic tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory CheckpointStore for scheduler and manager tests.
type memStore struct {
	mu      sync.Mutex
	records map[string][]Checkpoint
}

var _ CheckpointStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]Checkpoint)}
}

func (m *memStore) Write(jobID, stepID, workflowVersion string, snapshot []byte) (CheckpointID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.records[jobID]) + 1)
	id := FormatCheckpointID(jobID, seq)
	cp := Checkpoint{
		CheckpointMeta: CheckpointMeta{
			ID:              id,
			JobID:           jobID,
			StepID:          stepID,
			WorkflowVersion: workflowVersion,
			Timestamp:       time.Now(),
			Size:            int64(len(snapshot)),
			Resumable:       true,
		},
		Snapshot: append([]byte(nil), snapshot...),
	}
	m.records[jobID] = append(m.records[jobID], cp)
	return id, nil
}

func (m *memStore) List(jobID string) ([]CheckpointMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckpointMeta, 0, len(m.records[jobID]))
	for _, cp := range m.records[jobID] {
		out = append(out, cp.CheckpointMeta)
	}
	return out, nil
}

func (m *memStore) Get(id CheckpointID) (Checkpoint, error) {
	jobID, _, err := id.Parse()
	if err != nil {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.records[jobID] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrCheckpointNotFound
}

func (m *memStore) Restore(id CheckpointID) ([]byte, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), cp.Snapshot...), nil
}

func (m *memStore) Delete(id CheckpointID) error {
	jobID, _, err := id.Parse()
	if err != nil {
		return ErrCheckpointNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.records[jobID]
	for i, cp := range list {
		if cp.ID == id {
			m.records[jobID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrCheckpointNotFound
}

func (m *memStore) Cleanup(jobID string, keepLast int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.records[jobID]
	if keepLast <= 0 {
		delete(m.records, jobID)
		return nil
	}
	if len(list) > keepLast {
		m.records[jobID] = list[len(list)-keepLast:]
	}
	return nil
}

func (m *memStore) count(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[jobID])
}

// testAgentDef is a minimal valid definition with open contracts.
func testAgentDef(id string) AgentDefinition {
	return AgentDefinition{
		ID:       id,
		Category: CategoryContent,
		Version:  "1.0.0",
		Resources: Resources{
			MaxRuntimeSeconds: 30,
			MaxTokens:         1000,
			MaxMemoryMB:       64,
		},
	}
}

// echoHandler returns its own step id as output.
func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		return map[string]any{"step": call.StepID()}, nil
	})
}

// mustRegister registers an agent definition or fails the test.
func mustRegister(t *testing.T, r *AgentRegistry, def AgentDefinition, h Handler) {
	t.Helper()
	if err := r.Register(def, h); err != nil {
		t.Fatalf("Register(%s) = %v", def.ID, err)
	}
}

// mustCompile adds a template to a fresh registry and returns it compiled.
func mustCompile(t *testing.T, agents *AgentRegistry, tmpl Template) *CompiledTemplate {
	t.Helper()
	reg := NewTemplateRegistry(agents)
	if err := reg.Add(tmpl); err != nil {
		t.Fatalf("Add(%s) = %v", tmpl.ID, err)
	}
	ct, err := reg.Get(tmpl.ID)
	if err != nil {
		t.Fatalf("Get(%s) = %v", tmpl.ID, err)
	}
	return ct
}

// drainEvents reads a subscription until its channel closes, with a
// deadline so a stuck job fails the test instead of hanging it.
func drainEvents(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

// eventTypes projects events to their type names.
func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// indexOfType returns the first index of an event type, or -1.
func indexOfType(events []Event, typ EventType) int {
	for i, ev := range events {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

// countType counts events of one type.
func countType(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stepRecorder tracks handler invocation order across goroutines.
type stepRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stepRecorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *stepRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *stepRecorder) sorted() []string {
	out := r.got()
	sort.Strings(out)
	return out
}
