package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/atelier"
	"github.com/nevindra/atelier/store/fs"
)

// testEnv builds a full engine with one trivial workflow and returns the
// server's handler for request-level tests.
type testEnv struct {
	handler http.Handler
	manager *atelier.Manager
	sink    *fs.ArtifactSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	agents := atelier.NewAgentRegistry()
	err := agents.Register(atelier.AgentDefinition{
		ID:       "echo",
		Category: atelier.CategoryContent,
		Version:  "1.0.0",
		Output:   atelier.Contract{"text": {Type: atelier.TypeString, Required: true}},
		Resources: atelier.Resources{
			MaxRuntimeSeconds: 30, MaxTokens: 1000, MaxMemoryMB: 64,
		},
	}, atelier.HandlerFunc(func(ctx context.Context, call *atelier.Call) (map[string]any, error) {
		return map[string]any{"text": "done"}, nil
	}))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	templates := atelier.NewTemplateRegistry(agents)
	err = templates.Add(atelier.Template{
		ID:      "single",
		Name:    "Single step",
		Version: "v1",
		Steps:   []atelier.StepDef{{ID: "only", AgentID: "echo"}},
		EntryInputs: atelier.Contract{
			"topic": {Type: atelier.TypeString, Required: true},
		},
	})
	if err != nil {
		t.Fatalf("add template: %v", err)
	}

	bus := atelier.NewBus()
	cps, err := fs.NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	sink, err := fs.NewArtifactSink(t.TempDir())
	if err != nil {
		t.Fatalf("artifact sink: %v", err)
	}

	sched := atelier.NewScheduler(agents, bus, atelier.WithCheckpoints(cps), atelier.WithArtifacts(sink))
	manager := atelier.NewManager(templates, sched, bus)
	stream := atelier.NewStreamGateway(bus)
	t.Cleanup(stream.Close)

	srv := New(":0", manager, agents, templates, stream,
		WithCheckpoints(cps),
		WithArtifacts(sink),
		WithMetrics(NewMetrics(manager, bus, nil)),
	)
	return &testEnv{handler: srv.httpd.Handler, manager: manager, sink: sink}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// submitAndWait submits the single-step workflow and waits for it to
// reach a terminal status.
func (e *testEnv) submitAndWait(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/jobs", atelier.SubmitRequest{
		WorkflowID: "single",
		Inputs:     map[string]any{"topic": "go"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /jobs = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.manager.Get(resp.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status.Terminal() {
			if job.Status != atelier.StatusCompleted {
				t.Fatalf("job finished %s: %s", job.Status, job.Error)
			}
			return resp.JobID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return ""
}

func TestSubmitAndGetJob(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.submitAndWait(t)

	w := env.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /jobs/{id} = %d", w.Code)
	}
	var job atelier.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != atelier.StatusCompleted || job.Progress != 100 {
		t.Errorf("job = %s progress %d, want completed/100", job.Status, job.Progress)
	}
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/jobs", atelier.SubmitRequest{WorkflowID: "nope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown workflow = %d, want 404", w.Code)
	}
}

func TestSubmitInvalidInputs(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/jobs", atelier.SubmitRequest{
		WorkflowID: "single",
		Inputs:     map[string]any{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing inputs = %d, want 400", w.Code)
	}
}

func TestListJobsFiltersStatus(t *testing.T) {
	env := newTestEnv(t)
	env.submitAndWait(t)

	w := env.do(t, http.MethodGet, "/jobs?status=completed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /jobs = %d", w.Code)
	}
	var resp struct {
		Jobs  []atelier.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}

	w = env.do(t, http.MethodGet, "/jobs?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", w.Code)
	}
}

func TestControlOnTerminalJob(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.submitAndWait(t)

	w := env.do(t, http.MethodPost, "/jobs/"+jobID+"/pause", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("pause terminal job = %d, want 400", w.Code)
	}
	// Cancel on a terminal job is an idempotent no-op.
	w = env.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Errorf("cancel terminal job = %d, want 200", w.Code)
	}
}

func TestArchiveUnarchiveDelete(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.submitAndWait(t)

	if w := env.do(t, http.MethodPost, "/jobs/"+jobID+"/archive", nil); w.Code != http.StatusOK {
		t.Fatalf("archive = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/jobs/"+jobID+"/unarchive", nil); w.Code != http.StatusOK {
		t.Fatalf("unarchive = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/jobs/"+jobID, nil); w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/jobs/"+jobID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted job = %d, want 404", w.Code)
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.submitAndWait(t)

	w := env.do(t, http.MethodGet, "/checkpoints?job_id="+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /checkpoints = %d", w.Code)
	}
	var resp struct {
		Checkpoints []atelier.CheckpointMeta `json:"checkpoints"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Checkpoints) == 0 {
		t.Fatal("no checkpoints written for completed job")
	}
	id := string(resp.Checkpoints[0].ID)

	w = env.do(t, http.MethodPost, "/checkpoints/"+id+"/restore", nil)
	if w.Code != http.StatusOK {
		t.Errorf("restore = %d", w.Code)
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Error("restore body is not JSON")
	}

	w = env.do(t, http.MethodDelete, "/checkpoints/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete checkpoint = %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/checkpoints/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete missing checkpoint = %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/checkpoints", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing job_id = %d, want 400", w.Code)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/agents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /agents = %d", w.Code)
	}
	var agents struct {
		Agents []atelier.AgentDefinition `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agents.Agents) != 1 || agents.Agents[0].ID != "echo" {
		t.Errorf("agents = %+v", agents.Agents)
	}

	w = env.do(t, http.MethodGet, "/workflows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /workflows = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/agents/board", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /agents/board = %d", w.Code)
	}
}

func TestArtifactDownload(t *testing.T) {
	env := newTestEnv(t)
	ref, err := env.sink.Write(context.Background(), "report.md", []byte("# Report"))
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}

	w := env.do(t, http.MethodGet, "/artifacts/"+ref.Path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /artifacts/{ref} = %d", w.Code)
	}
	if w.Body.String() != "# Report" {
		t.Errorf("body = %q", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/artifacts/missing.txt", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing artifact = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.submitAndWait(t)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("atelier_jobs")) {
		t.Error("metrics output missing atelier_jobs gauge")
	}
}
