package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nevindra/atelier"
	"github.com/nevindra/atelier/internal/config"
	"github.com/nevindra/atelier/observer"
	"github.com/nevindra/atelier/provider/local"
	"github.com/nevindra/atelier/provider/openaicompat"
	"github.com/nevindra/atelier/store/fs"
	"github.com/nevindra/atelier/store/postgres"
	"github.com/nevindra/atelier/store/sqlite"
)

// engine holds the composed components of one process.
type engine struct {
	agents      *atelier.AgentRegistry
	templates   *atelier.TemplateRegistry
	bus         *atelier.Bus
	gateway     *atelier.Gateway
	scheduler   *atelier.Scheduler
	manager     *atelier.Manager
	stream      *atelier.StreamGateway
	checkpoints atelier.CheckpointStore
	artifacts   atelier.ArtifactSink

	closers []func() error
}

func (e *engine) Close() {
	e.stream.Close()
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildEngine composes the engine from configuration: registries loaded
// from YAML, the chosen checkpoint backend, the provider chain, the
// scheduler, and the manager.
func buildEngine(cfg config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{}

	e.agents = atelier.NewAgentRegistry()
	if f, err := os.Open(cfg.Workflows.Catalog); err == nil {
		err = e.agents.LoadCatalog(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load agent catalog %s: %w", cfg.Workflows.Catalog, err)
		}
	}

	e.templates = atelier.NewTemplateRegistry(e.agents)
	paths, _ := filepath.Glob(filepath.Join(cfg.Workflows.Dir, "*.yaml"))
	more, _ := filepath.Glob(filepath.Join(cfg.Workflows.Dir, "*.yml"))
	for _, p := range append(paths, more...) {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open template %s: %w", p, err)
		}
		err = e.templates.Load(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", p, err)
		}
	}

	e.bus = atelier.NewBus(
		atelier.WithBusBuffer(cfg.Events.Buffer),
		atelier.WithBusLogger(logger),
	)

	switch cfg.Checkpoints.Backend {
	case "fs":
		cs, err := fs.NewCheckpointStore(cfg.Checkpoints.Dir, fs.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		e.checkpoints = cs
	default:
		cs := sqlite.New(cfg.Checkpoints.DBPath, sqlite.WithLogger(logger))
		if err := cs.Init(context.Background()); err != nil {
			cs.Close()
			return nil, fmt.Errorf("init checkpoint store: %w", err)
		}
		e.checkpoints = cs
		e.closers = append(e.closers, cs.Close)
	}

	sink, err := fs.NewArtifactSink(cfg.Artifacts.Dir, fs.WithSinkLogger(logger))
	if err != nil {
		return nil, err
	}
	e.artifacts = sink

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.gateway = gw

	schedOpts := []atelier.SchedulerOption{
		atelier.WithConcurrency(cfg.Engine.MaxConcurrency),
		atelier.WithStepRetries(cfg.Engine.StepRetries, time.Duration(cfg.Engine.RetryBaseMS)*time.Millisecond),
		atelier.WithCancelGrace(time.Duration(cfg.Engine.CancelGraceSecond)*time.Second),
		atelier.WithCheckpoints(e.checkpoints),
		atelier.WithLLM(gw),
		atelier.WithArtifacts(sink),
		atelier.WithSchedulerLogger(logger),
	}
	if cfg.Vector.Endpoint != "" {
		vs, closePool, err := buildVectorStore(cfg.Vector, logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, closePool)
		schedOpts = append(schedOpts, atelier.WithVector(vs))
	}
	e.scheduler = atelier.NewScheduler(e.agents, e.bus, schedOpts...)
	e.manager = atelier.NewManager(e.templates, e.scheduler, e.bus,
		atelier.WithToneConfig(cfg.Tone),
		atelier.WithPerfConfig(cfg.Performance),
		atelier.WithManagerLogger(logger),
	)
	e.stream = atelier.NewStreamGateway(e.bus,
		atelier.WithStreamReplay(cfg.Events.Replay),
		atelier.WithStreamLogger(logger),
	)
	return e, nil
}

// buildVectorStore connects the postgres vector collaborator with the
// configured embedding provider.
func buildVectorStore(vc config.VectorConfig, logger *slog.Logger) (atelier.VectorStore, func() error, error) {
	pool, err := pgxpool.New(context.Background(), vc.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	var embedder atelier.EmbeddingProvider
	switch vc.EmbedKind {
	case "", "local":
		embedder = local.NewEmbedder(vc.Dimension)
	case "openai":
		embedder = openaicompat.NewEmbeddingClient(vc.EmbedAPIKey, vc.EmbedBaseURL, vc.EmbedModel, vc.Dimension,
			openaicompat.WithEmbeddingLogger(logger))
	default:
		pool.Close()
		return nil, nil, fmt.Errorf("vector store: unknown embed kind %q", vc.EmbedKind)
	}

	vs := postgres.New(pool, embedder,
		postgres.WithEmbeddingDimension(vc.Dimension),
		postgres.WithLogger(logger))
	if err := vs.Init(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init vector store: %w", err)
	}
	return vs, func() error { pool.Close(); return nil }, nil
}

// buildGateway assembles the provider fallback chain in config order.
func buildGateway(cfg config.Config, logger *slog.Logger) (*atelier.Gateway, error) {
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, _, err = observer.Init(context.Background(), pricing)
		if err != nil {
			return nil, fmt.Errorf("init observer: %w", err)
		}
	}

	gwOpts := []atelier.GatewayOption{
		atelier.WithGatewayRetry(cfg.Gateway.Attempts, 500*time.Millisecond),
		atelier.WithGatewayCacheTTL(time.Duration(cfg.Gateway.CacheTTLSeconds) * time.Second),
		atelier.WithGatewayLogger(logger),
	}
	if inst != nil {
		gwOpts = append(gwOpts, atelier.WithGatewayTracer(observer.NewTracer()))
	}
	gw := atelier.NewGateway(gwOpts...)

	for _, pc := range cfg.Providers {
		var p atelier.Provider
		switch pc.Kind {
		case "local":
			p = local.New(local.WithName(pc.Name))
		case "openai":
			p = openaicompat.NewProvider(pc.APIKey, pc.BaseURL,
				openaicompat.WithName(pc.Name),
				openaicompat.WithLogger(logger))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
		if inst != nil {
			p = observer.WrapProvider(p, inst)
		}
		var slotOpts []atelier.ProviderOption
		if pc.RPM > 0 {
			slotOpts = append(slotOpts, atelier.RPM(pc.RPM))
		}
		if pc.TPM > 0 {
			slotOpts = append(slotOpts, atelier.TPM(pc.TPM))
		}
		if len(pc.Models) > 0 {
			slotOpts = append(slotOpts, atelier.ModelMap(pc.Models))
		}
		gw.AddProvider(p, slotOpts...)
	}
	return gw, nil
}
