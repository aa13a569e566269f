package atelier

import "context"

// GenerateOptions parameterize one text generation. Model is a symbolic
// name ("fast", "smart", "code") mapped to a provider-specific identifier
// by the gateway's per-provider model map.
type GenerateOptions struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
}

// Generation is a completed text generation.
type Generation struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tokens   int    `json:"tokens"`
	CacheHit bool   `json:"cache_hit"`
}

// Provider abstracts one text-generation backend. The model argument is
// the provider-specific identifier (already resolved from the symbolic
// name by the gateway).
type Provider interface {
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (Generation, error)
	Name() string
}

// Generator is the provider-agnostic facade agents call. The Gateway is
// the canonical implementation; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (Generation, error)
}
