package atelier

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StepDef is one step of a workflow template.
type StepDef struct {
	ID        string         `json:"id" yaml:"id"`
	AgentID   string         `json:"agent_id" yaml:"agent_id"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	// Checkpoint overrides the per-step checkpoint boundary. Nil means the
	// default (checkpoint after every step).
	Checkpoint *bool `json:"checkpoint,omitempty" yaml:"checkpoint"`
}

// CheckpointEnabled reports whether the step is a checkpoint boundary.
func (s StepDef) CheckpointEnabled() bool {
	return s.Checkpoint == nil || *s.Checkpoint
}

// Template is the immutable description of a workflow: a DAG of agent
// steps plus the typed schema submissions must satisfy.
type Template struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Version     string    `json:"version" yaml:"version"`
	Steps       []StepDef `json:"steps" yaml:"steps"`
	EntryInputs Contract  `json:"entry_inputs" yaml:"entry_inputs"`
}

// CompiledTemplate is a Template with its dependency graph resolved: a
// cached topological order, per-step positions for deterministic
// tie-breaking, and forward adjacency for completion propagation.
type CompiledTemplate struct {
	Template

	steps      map[string]StepDef
	order      []string
	pos        map[string]int
	dependents map[string][]string
}

// Step returns the definition of a step id.
func (t *CompiledTemplate) Step(id string) (StepDef, bool) {
	s, ok := t.steps[id]
	return s, ok
}

// TopoOrder returns the cached topological order of step ids.
func (t *CompiledTemplate) TopoOrder() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Position returns the topological position of a step, used as the
// deterministic tie-break for ready-queue ordering.
func (t *CompiledTemplate) Position(id string) int { return t.pos[id] }

// Dependents returns the step ids that depend directly on id.
func (t *CompiledTemplate) Dependents(id string) []string {
	out := make([]string, len(t.dependents[id]))
	copy(out, t.dependents[id])
	return out
}

// compileTemplate validates the template against the agent catalog and
// resolves its graph. All violations are TemplateCompileError.
func compileTemplate(tmpl Template, agents *AgentRegistry) (*CompiledTemplate, error) {
	if tmpl.ID == "" {
		return nil, Errf(KindTemplateCompile, "", "template missing id")
	}
	if len(tmpl.Steps) == 0 {
		return nil, Errf(KindTemplateCompile, "", "template %s has no steps", tmpl.ID)
	}
	for k, f := range tmpl.EntryInputs {
		if !f.Type.Valid() {
			return nil, Errf(KindTemplateCompile, "", "template %s: entry input %q has unknown type %q", tmpl.ID, k, f.Type)
		}
	}

	c := &CompiledTemplate{
		Template:   tmpl,
		steps:      make(map[string]StepDef, len(tmpl.Steps)),
		pos:        make(map[string]int, len(tmpl.Steps)),
		dependents: make(map[string][]string),
	}

	for _, s := range tmpl.Steps {
		if s.ID == "" {
			return nil, Errf(KindTemplateCompile, "", "template %s: step missing id", tmpl.ID)
		}
		if _, dup := c.steps[s.ID]; dup {
			return nil, Errf(KindTemplateCompile, "", "template %s: duplicate step id %q", tmpl.ID, s.ID)
		}
		if agents != nil {
			if _, err := agents.Get(s.AgentID); err != nil {
				return nil, Errf(KindTemplateCompile, "", "template %s: step %q references unknown agent %q", tmpl.ID, s.ID, s.AgentID)
			}
		}
		c.steps[s.ID] = s
	}
	for _, s := range tmpl.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := c.steps[dep]; !ok {
				return nil, Errf(KindTemplateCompile, "", "template %s: step %q depends on unknown step %q", tmpl.ID, s.ID, dep)
			}
			c.dependents[dep] = append(c.dependents[dep], s.ID)
		}
	}

	order, err := topoSort(tmpl)
	if err != nil {
		return nil, err
	}
	c.order = order
	for i, id := range order {
		c.pos[id] = i
	}
	return c, nil
}

// topoSort computes a topological order via Kahn's algorithm, seeded in
// declaration order so compilation is deterministic. A leftover node means
// a cycle.
func topoSort(tmpl Template) ([]string, error) {
	inDegree := make(map[string]int, len(tmpl.Steps))
	dependents := make(map[string][]string)
	var declOrder []string
	for _, s := range tmpl.Steps {
		declOrder = append(declOrder, s.ID)
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, id := range declOrder {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(declOrder))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		// Unblock dependents in declaration order for stable output.
		next := dependents[id]
		sort.Slice(next, func(i, j int) bool {
			return indexOf(declOrder, next[i]) < indexOf(declOrder, next[j])
		})
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(declOrder) {
		return nil, Errf(KindTemplateCompile, "", "template %s: cycle detected in step dependencies", tmpl.ID)
	}
	return order, nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return len(s)
}

// TemplateRegistry loads and compiles workflow templates against an agent
// catalog. Compiled templates are immutable; lookups are safe for
// concurrent use.
type TemplateRegistry struct {
	mu        sync.RWMutex
	agents    *AgentRegistry
	templates map[string]*CompiledTemplate
}

// NewTemplateRegistry creates a registry that resolves agent ids against
// the given catalog.
func NewTemplateRegistry(agents *AgentRegistry) *TemplateRegistry {
	return &TemplateRegistry{
		agents:    agents,
		templates: make(map[string]*CompiledTemplate),
	}
}

// Add compiles and stores a template. Fails with TemplateCompileError on
// any graph or reference violation.
func (r *TemplateRegistry) Add(tmpl Template) error {
	c, err := compileTemplate(tmpl, r.agents)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.templates[tmpl.ID]; dup {
		return Errf(KindTemplateCompile, "", "duplicate template id %q", tmpl.ID)
	}
	r.templates[tmpl.ID] = c
	return nil
}

// templateFile is the YAML shape of a template document.
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Load reads templates from a YAML document with a top-level "templates"
// list and compiles each.
func (r *TemplateRegistry) Load(src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Errf(KindTemplateCompile, "", "parse templates: %v", err)
	}
	for _, t := range f.Templates {
		if err := r.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the compiled template for id, or ErrTemplateNotFound.
func (r *TemplateRegistry) Get(id string) (*CompiledTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// List returns all templates sorted by id.
func (r *TemplateRegistry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.Template)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
