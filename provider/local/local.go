// Package local implements a deterministic atelier.Provider for development
// and tests. No network, no keys; output is a stable function of the prompt
// so cached and replayed runs are reproducible.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/atelier"
)

// Provider echoes a digest of the prompt. Useful for exercising the full
// gateway path (rate limits, cache, fallback) without an upstream API.
type Provider struct {
	name    string
	latency time.Duration
}

var _ atelier.Provider = (*Provider)(nil)

// Option configures the local provider.
type Option func(*Provider)

// WithName overrides the provider name (default "local").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds an artificial delay per call, for testing timeout and
// rate-limit behavior.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// New creates a local provider.
func New(opts ...Option) *Provider {
	p := &Provider{name: "local"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Generate returns a deterministic completion derived from the prompt and
// options. Token count approximates whitespace-separated words.
func (p *Provider) Generate(ctx context.Context, model, prompt string, opts atelier.GenerateOptions) (atelier.Generation, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return atelier.Generation{}, atelier.WrapErr(atelier.KindOf(ctx.Err()), "", ctx.Err())
		}
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", model, prompt, opts.Seed)))
	text := fmt.Sprintf("[%s/%s] %s", p.name, model, hex.EncodeToString(sum[:8]))
	return atelier.Generation{
		Text:     text,
		Provider: p.name,
		Model:    model,
		Tokens:   len(strings.Fields(prompt)) + len(strings.Fields(text)),
	}, nil
}
