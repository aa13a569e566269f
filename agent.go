package atelier

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Category is the closed set of agent categories.
type Category string

const (
	CategoryIngestion  Category = "ingestion"
	CategoryResearch   Category = "research"
	CategoryContent    Category = "content"
	CategoryCode       Category = "code"
	CategorySEO        Category = "seo"
	CategoryPublishing Category = "publishing"
	CategorySupport    Category = "support"
)

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryIngestion, CategoryResearch, CategoryContent, CategoryCode,
		CategorySEO, CategoryPublishing, CategorySupport:
		return true
	}
	return false
}

// Capabilities are the behavioral flags an agent declares.
type Capabilities struct {
	// AsyncSafe agents may be signalled mid-run and yield at a checkpoint;
	// others run their dispatched unit of work to completion.
	AsyncSafe bool `json:"async_safe" yaml:"async_safe"`
	// Stateful agents keep internal state between invocations.
	Stateful bool `json:"stateful" yaml:"stateful"`
	// ModelSwitchable agents honor the job's model preference snapshot.
	ModelSwitchable bool `json:"model_switchable" yaml:"model_switchable"`
}

// Resources are the per-invocation limits the scheduler enforces.
type Resources struct {
	MaxRuntimeSeconds int `json:"max_runtime_seconds" yaml:"max_runtime_seconds"`
	MaxTokens         int `json:"max_tokens" yaml:"max_tokens"`
	MaxMemoryMB       int `json:"max_memory_mb" yaml:"max_memory_mb"`
}

// AgentDefinition is the immutable description of one agent, loaded at
// startup and validated once.
type AgentDefinition struct {
	ID           string       `json:"id" yaml:"id"`
	Category     Category     `json:"category" yaml:"category"`
	Version      string       `json:"version" yaml:"version"`
	Input        Contract     `json:"input_contract" yaml:"input_contract"`
	Output       Contract     `json:"output_contract" yaml:"output_contract"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	Resources    Resources    `json:"resources" yaml:"resources"`
}

// validate checks the definition invariants enforced at load time.
func (d AgentDefinition) validate() error {
	if d.ID == "" {
		return Errf(KindTemplateCompile, "", "agent definition missing id")
	}
	if !d.Category.Valid() {
		return Errf(KindTemplateCompile, "", "agent %s: unknown category %q", d.ID, d.Category)
	}
	if d.Resources.MaxRuntimeSeconds <= 0 || d.Resources.MaxTokens <= 0 || d.Resources.MaxMemoryMB <= 0 {
		return Errf(KindTemplateCompile, "", "agent %s: resource limits must be positive", d.ID)
	}
	for k, f := range d.Input {
		if !f.Type.Valid() {
			return Errf(KindTemplateCompile, "", "agent %s: input field %q has unknown type %q", d.ID, k, f.Type)
		}
	}
	for k, f := range d.Output {
		if !f.Type.Valid() {
			return Errf(KindTemplateCompile, "", "agent %s: output field %q has unknown type %q", d.ID, k, f.Type)
		}
	}
	return nil
}

// Handler is the entry point of an agent body. It receives the validated
// input via the call handle and returns the output object to be validated
// against the agent's output contract. Handlers must return through the
// call contract and never mutate state visible outside the handle.
type Handler interface {
	Run(ctx context.Context, call *Call) (map[string]any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (map[string]any, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, call *Call) (map[string]any, error) {
	return f(ctx, call)
}

// AgentRegistry holds the agent catalog. Definitions are registered or
// loaded at startup; lookups after that are read-only and safe for
// concurrent use.
type AgentRegistry struct {
	mu       sync.RWMutex
	defs     map[string]AgentDefinition
	handlers map[string]Handler
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		defs:     make(map[string]AgentDefinition),
		handlers: make(map[string]Handler),
	}
}

// Register adds a definition with its handler. Fails on duplicate ids or
// invalid definitions.
func (r *AgentRegistry) Register(def AgentDefinition, h Handler) error {
	if err := def.validate(); err != nil {
		return err
	}
	if h == nil {
		return Errf(KindTemplateCompile, "", "agent %s: nil handler", def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return Errf(KindTemplateCompile, "", "duplicate agent id %q", def.ID)
	}
	r.defs[def.ID] = def
	r.handlers[def.ID] = h
	return nil
}

// catalogFile is the YAML shape of an agent catalog document.
type catalogFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadCatalog reads agent definitions from a YAML document:
//
//	agents:
//	  - id: keyword_researcher
//	    category: research
//	    ...
//
// Handlers for loaded definitions must be bound separately with Bind
// before the agent can be dispatched.
func (r *AgentRegistry) LoadCatalog(src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read agent catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Errf(KindTemplateCompile, "", "parse agent catalog: %v", err)
	}
	for _, def := range f.Agents {
		if err := def.validate(); err != nil {
			return err
		}
		r.mu.Lock()
		if _, exists := r.defs[def.ID]; exists {
			r.mu.Unlock()
			return Errf(KindTemplateCompile, "", "duplicate agent id %q", def.ID)
		}
		r.defs[def.ID] = def
		r.mu.Unlock()
	}
	return nil
}

// Bind attaches a handler to a previously loaded definition.
func (r *AgentRegistry) Bind(id string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return Errf(KindUnknownAgent, "", "agent %q not registered", id)
	}
	r.handlers[id] = h
	return nil
}

// Get returns the definition for id, or an UnknownAgent error.
func (r *AgentRegistry) Get(id string) (AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return AgentDefinition{}, Errf(KindUnknownAgent, "", "agent %q not registered", id)
	}
	return def, nil
}

// Handler returns the bound handler for id, or an UnknownAgent error when
// the id is unregistered or has no handler bound.
func (r *AgentRegistry) Handler(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok || h == nil {
		return nil, Errf(KindUnknownAgent, "", "agent %q has no handler", id)
	}
	return h, nil
}

// List returns all definitions sorted by id.
func (r *AgentRegistry) List() []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
