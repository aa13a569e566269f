// Package config loads engine configuration from a TOML file with
// environment overrides. Precedence: defaults -> atelier.toml -> env.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig           `toml:"server"`
	Engine      EngineConfig           `toml:"engine"`
	Events      EventsConfig           `toml:"events"`
	Checkpoints CheckpointsConfig      `toml:"checkpoints"`
	Artifacts   ArtifactsConfig        `toml:"artifacts"`
	Gateway     GatewayConfig          `toml:"gateway"`
	Providers   []ProviderConfig       `toml:"providers"`
	Vector      VectorConfig           `toml:"vector"`
	Workflows   WorkflowsConfig        `toml:"workflows"`
	Tone        map[string]any         `toml:"tone"`
	Performance map[string]any         `toml:"performance"`
	Observer    ObserverConfig         `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type EngineConfig struct {
	MaxConcurrency    int `toml:"max_concurrency"`
	StepRetries       int `toml:"step_retries"`
	RetryBaseMS       int `toml:"retry_base_ms"`
	CancelGraceSecond int `toml:"cancel_grace_seconds"`
}

type EventsConfig struct {
	Buffer int `toml:"buffer"`
	Replay int `toml:"replay"`
}

type CheckpointsConfig struct {
	// Backend selects "fs" or "sqlite".
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	DBPath  string `toml:"db_path"`
}

type ArtifactsConfig struct {
	Dir string `toml:"dir"`
}

type GatewayConfig struct {
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
	Attempts        int `toml:"attempts"`
}

// ProviderConfig describes one slot in the fallback chain, in chain order.
// Kind is "local" or "openai" (any OpenAI-compatible endpoint).
type ProviderConfig struct {
	Name    string            `toml:"name"`
	Kind    string            `toml:"kind"`
	BaseURL string            `toml:"base_url"`
	APIKey  string            `toml:"api_key"`
	RPM     int               `toml:"rpm"`
	TPM     int               `toml:"tpm"`
	Models  map[string]string `toml:"models"`
}

type VectorConfig struct {
	// Endpoint is a postgres connection string; empty disables the
	// vector collaborator.
	Endpoint  string `toml:"endpoint"`
	Dimension int    `toml:"dimension"`
	// EmbedKind selects the embedding provider: "local" (deterministic,
	// no network) or "openai" (any OpenAI-compatible /embeddings API).
	EmbedKind    string `toml:"embed_kind"`
	EmbedBaseURL string `toml:"embed_base_url"`
	EmbedAPIKey  string `toml:"embed_api_key"`
	EmbedModel   string `toml:"embed_model"`
}

type WorkflowsConfig struct {
	Dir     string `toml:"dir"`
	Catalog string `toml:"catalog"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			MaxConcurrency:    4,
			StepRetries:       2,
			RetryBaseMS:       1000,
			CancelGraceSecond: 10,
		},
		Events:      EventsConfig{Buffer: 256, Replay: 32},
		Checkpoints: CheckpointsConfig{Backend: "sqlite", Dir: "checkpoints", DBPath: "atelier.db"},
		Artifacts:   ArtifactsConfig{Dir: "artifacts"},
		Gateway:     GatewayConfig{CacheTTLSeconds: 900, Attempts: 3},
		Providers: []ProviderConfig{
			{Name: "local", Kind: "local", RPM: 600},
		},
		Vector:    VectorConfig{Dimension: 768, EmbedKind: "local", EmbedModel: "text-embedding-3-small"},
		Workflows: WorkflowsConfig{Dir: "workflows", Catalog: "agents.yaml"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "atelier.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ATELIER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if n, ok := envInt("ATELIER_MAX_CONCURRENCY"); ok {
		cfg.Engine.MaxConcurrency = n
	}
	if n, ok := envInt("ATELIER_EVENT_BUFFER"); ok {
		cfg.Events.Buffer = n
	}
	if v := os.Getenv("ATELIER_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoints.Dir = v
	}
	if v := os.Getenv("ATELIER_VECTOR_ENDPOINT"); v != "" {
		cfg.Vector.Endpoint = v
	}
	if v := os.Getenv("ATELIER_VECTOR_EMBED_API_KEY"); v != "" {
		cfg.Vector.EmbedAPIKey = v
	}
	if os.Getenv("ATELIER_OBSERVER_ENABLED") == "true" || os.Getenv("ATELIER_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	// Per-provider API keys: ATELIER_<NAME>_API_KEY wins over the file so
	// secrets never need to live in atelier.toml.
	for i := range cfg.Providers {
		key := "ATELIER_" + strings.ToUpper(strings.ReplaceAll(cfg.Providers[i].Name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}

	// Fallbacks
	if cfg.Engine.MaxConcurrency < 1 {
		cfg.Engine.MaxConcurrency = 1
	}
	if cfg.Events.Buffer < 1 {
		cfg.Events.Buffer = 1
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Kind == "" {
			cfg.Providers[i].Kind = "openai"
		}
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
