package atelier

import (
	"errors"
	"strings"
	"testing"
)

func diamondTemplate() Template {
	return Template{
		ID:      "diamond",
		Name:    "Diamond",
		Version: "1.0.0",
		Steps: []StepDef{
			{ID: "a", AgentID: "worker"},
			{ID: "b", AgentID: "worker", DependsOn: []string{"a"}},
			{ID: "c", AgentID: "worker", DependsOn: []string{"a"}},
			{ID: "d", AgentID: "worker", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestCompileTopoOrder(t *testing.T) {
	agents := NewAgentRegistry()
	mustRegister(t, agents, testAgentDef("worker"), echoHandler())

	ct := mustCompile(t, agents, diamondTemplate())

	want := []string{"a", "b", "c", "d"}
	got := ct.TopoOrder()
	if len(got) != len(want) {
		t.Fatalf("TopoOrder() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TopoOrder()[%d] = %s, want %s", i, got[i], want[i])
		}
		if ct.Position(want[i]) != i {
			t.Errorf("Position(%s) = %d, want %d", want[i], ct.Position(want[i]), i)
		}
	}

	deps := ct.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("Dependents(a) = %v, want b and c", deps)
	}
}

func TestCompileCycleDetection(t *testing.T) {
	agents := NewAgentRegistry()
	mustRegister(t, agents, testAgentDef("worker"), echoHandler())

	tmpl := Template{
		ID: "loop",
		Steps: []StepDef{
			{ID: "a", AgentID: "worker", DependsOn: []string{"b"}},
			{ID: "b", AgentID: "worker", DependsOn: []string{"a"}},
		},
	}
	err := NewTemplateRegistry(agents).Add(tmpl)
	if KindOf(err) != KindTemplateCompile {
		t.Fatalf("Add(cycle) kind = %v, want template_compile_error", KindOf(err))
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Add(cycle) = %q, want mention of the cycle", err)
	}
}

func TestCompileRejections(t *testing.T) {
	agents := NewAgentRegistry()
	mustRegister(t, agents, testAgentDef("worker"), echoHandler())

	cases := []struct {
		name string
		tmpl Template
	}{
		{"missing id", Template{Steps: []StepDef{{ID: "a", AgentID: "worker"}}}},
		{"no steps", Template{ID: "empty"}},
		{"duplicate step", Template{ID: "dup", Steps: []StepDef{
			{ID: "a", AgentID: "worker"}, {ID: "a", AgentID: "worker"},
		}}},
		{"unknown agent", Template{ID: "ghost", Steps: []StepDef{
			{ID: "a", AgentID: "missing"},
		}}},
		{"unknown dep", Template{ID: "dangling", Steps: []StepDef{
			{ID: "a", AgentID: "worker", DependsOn: []string{"nope"}},
		}}},
		{"bad entry type", Template{ID: "types", Steps: []StepDef{
			{ID: "a", AgentID: "worker"},
		}, EntryInputs: Contract{"x": {Type: "integer"}}}},
	}
	for _, tc := range cases {
		err := NewTemplateRegistry(agents).Add(tc.tmpl)
		if KindOf(err) != KindTemplateCompile {
			t.Errorf("%s: kind = %v, want template_compile_error", tc.name, KindOf(err))
		}
	}
}

func TestRegistryDuplicateAndNotFound(t *testing.T) {
	agents := NewAgentRegistry()
	mustRegister(t, agents, testAgentDef("worker"), echoHandler())

	reg := NewTemplateRegistry(agents)
	if err := reg.Add(diamondTemplate()); err != nil {
		t.Fatalf("Add = %v", err)
	}
	if err := reg.Add(diamondTemplate()); KindOf(err) != KindTemplateCompile {
		t.Errorf("duplicate Add kind = %v, want template_compile_error", KindOf(err))
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Get(missing) = %v, want ErrTemplateNotFound", err)
	}
	if got := reg.List(); len(got) != 1 || got[0].ID != "diamond" {
		t.Errorf("List() = %v, want [diamond]", got)
	}
}

func TestLoadTemplatesYAML(t *testing.T) {
	agents := NewAgentRegistry()
	mustRegister(t, agents, testAgentDef("keyword_researcher"), echoHandler())
	mustRegister(t, agents, testAgentDef("blog_writer"), echoHandler())

	doc := `
templates:
  - id: blog_article
    name: Blog Article
    version: 1.0.0
    entry_inputs:
      topic:
        type: string
        required: true
    steps:
      - id: research
        agent_id: keyword_researcher
      - id: draft
        agent_id: blog_writer
        depends_on: [research]
        checkpoint: false
        params:
          tone: direct
`
	reg := NewTemplateRegistry(agents)
	if err := reg.Load(strings.NewReader(doc)); err != nil {
		t.Fatalf("Load = %v", err)
	}
	ct, err := reg.Get("blog_article")
	if err != nil {
		t.Fatalf("Get = %v", err)
	}
	draft, ok := ct.Step("draft")
	if !ok {
		t.Fatal("Step(draft) missing")
	}
	if draft.CheckpointEnabled() {
		t.Error("draft.CheckpointEnabled() = true, want false")
	}
	if draft.Params["tone"] != "direct" {
		t.Errorf("draft.Params = %v, want tone=direct", draft.Params)
	}
	research, _ := ct.Step("research")
	if !research.CheckpointEnabled() {
		t.Error("research.CheckpointEnabled() = false, want default true")
	}
	if ct.EntryInputs["topic"].Type != TypeString || !ct.EntryInputs["topic"].Required {
		t.Errorf("EntryInputs = %v, want required string topic", ct.EntryInputs)
	}
}

func TestLoadTemplatesBadYAML(t *testing.T) {
	agents := NewAgentRegistry()
	reg := NewTemplateRegistry(agents)
	err := reg.Load(strings.NewReader("templates: ["))
	if KindOf(err) != KindTemplateCompile {
		t.Errorf("Load(bad yaml) kind = %v, want template_compile_error", KindOf(err))
	}
}
