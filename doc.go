// Package atelier is a content-generation workflow orchestrator for Go.
//
// Given a topic and a workflow template — a named DAG of contract-bound
// agents — it schedules the graph across worker goroutines, multiplexes LLM
// calls through rate limiters and a provider fallback chain, persists
// checkpoints that let a job be paused, resumed, restored, or cancelled, and
// broadcasts live execution telemetry to connected observers.
//
// # Quick Start
//
//	agents := atelier.NewAgentRegistry()
//	agents.Register(keywordAgent, keywordHandler)
//	agents.Register(summaryAgent, summaryHandler)
//
//	templates := atelier.NewTemplateRegistry(agents)
//	templates.Add(twoStepTemplate)
//
//	bus := atelier.NewBus()
//	cps, _ := fs.NewCheckpointStore(checkpointDir)
//	sched := atelier.NewScheduler(agents, bus, atelier.WithCheckpoints(cps))
//	mgr := atelier.NewManager(templates, sched, bus)
//
//	job, err := mgr.Submit(atelier.SubmitRequest{
//		WorkflowID: "two_step",
//		Inputs:     map[string]any{"topic": "x"},
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Handler] — a contract-bound unit of work invoked once per step
//   - [Provider] — text-generation backend behind the [Gateway]
//   - [CheckpointStore] — durable per-job context snapshots
//   - [VectorStore], [EmbeddingProvider], [ArtifactSink] — collaborators
//     exposed to agents through their [Call] handle
//   - [JobControlSink], [ControlHandle] — the seam between [Manager] and
//     [Scheduler]
//
// # Included Implementations
//
// Providers: provider/local (deterministic, offline), provider/openaicompat
// (OpenAI-compatible APIs). Checkpoints: store/fs (filesystem), store/sqlite.
// Vector store: store/postgres. The observer package wires the Tracer
// abstraction to OpenTelemetry.
//
// See cmd/atelier for the embedded command-line driver and internal/server
// for the HTTP control surface.
package atelier
