package atelier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultGatewayAttempts = 3
	defaultGatewayBackoff  = 500 * time.Millisecond
)

// providerSlot is one element of the fallback chain.
type providerSlot struct {
	provider Provider
	limiter  *rate.Limiter
	tpm      *tpmWindow
	models   map[string]string
	healthy  atomic.Bool
}

// resolveModel maps a symbolic model name through the slot's model map.
// Unmapped names pass through unchanged.
func (s *providerSlot) resolveModel(symbolic string) string {
	if m, ok := s.models[symbolic]; ok {
		return m
	}
	return symbolic
}

// ProviderOption configures one provider slot in the chain.
type ProviderOption func(*providerSlot)

// RPM sets the provider's requests-per-minute bucket. Tokens replenish
// evenly (one every minute/n) with a burst of one, so calls through the
// provider never exceed n in any 60-second window.
func RPM(n int) ProviderOption {
	return func(s *providerSlot) {
		if n > 0 {
			s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

// TPM sets a soft tokens-per-minute budget for the provider.
func TPM(n int) ProviderOption {
	return func(s *providerSlot) { s.tpm = newTPMWindow(n, nil) }
}

// ModelMap binds symbolic model names ("fast", "smart", "code") to
// provider-specific identifiers.
func ModelMap(m map[string]string) ProviderOption {
	return func(s *providerSlot) { s.models = m }
}

// ProviderHealth is an introspection snapshot of one chain slot.
type ProviderHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// Gateway is the provider-agnostic text-generation facade. It multiplexes
// Generate calls through per-provider token buckets, a content-hash cache
// with TTL, a singleflight discipline, and an ordered fallback chain.
//
// Within one provider, calls honor the bucket; across providers there is
// no ordering promise.
type Gateway struct {
	slots []*providerSlot

	cache *genCache
	sf    singleflight.Group

	maxAttempts int
	baseDelay   time.Duration

	cacheHits atomic.Uint64
	calls     atomic.Uint64

	clock  Clock
	tracer Tracer
	logger *slog.Logger
}

var _ Generator = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayRetry sets the per-provider attempt count and base backoff
// before failing over to the next provider in the chain.
func WithGatewayRetry(attempts int, base time.Duration) GatewayOption {
	return func(g *Gateway) {
		if attempts > 0 {
			g.maxAttempts = attempts
		}
		if base > 0 {
			g.baseDelay = base
		}
	}
}

// WithGatewayCacheTTL sets the response cache TTL.
func WithGatewayCacheTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) { g.cache.ttl = ttl }
}

// WithGatewayClock injects a clock for deterministic tests.
func WithGatewayClock(c Clock) GatewayOption {
	return func(g *Gateway) {
		g.clock = c
		g.cache.clock = c
	}
}

// WithGatewayTracer sets the tracer; each call emits one llm.request span.
func WithGatewayTracer(t Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// WithGatewayLogger sets the structured logger. Prompts and API keys are
// never logged; errors pass through Redact first.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a Gateway with an empty chain. Providers are tried
// in the order added.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cache:       &genCache{entries: make(map[string]cacheEntry), ttl: defaultCacheTTL, clock: RealClock{}},
		maxAttempts: defaultGatewayAttempts,
		baseDelay:   defaultGatewayBackoff,
		clock:       RealClock{},
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddProvider appends a provider to the fallback chain.
func (g *Gateway) AddProvider(p Provider, opts ...ProviderOption) {
	slot := &providerSlot{provider: p}
	slot.healthy.Store(true)
	for _, opt := range opts {
		opt(slot)
	}
	g.slots = append(g.slots, slot)
}

// Health returns the chain's health flags in order.
func (g *Gateway) Health() []ProviderHealth {
	out := make([]ProviderHealth, len(g.slots))
	for i, s := range g.slots {
		out[i] = ProviderHealth{Name: s.provider.Name(), Healthy: s.healthy.Load()}
	}
	return out
}

// CacheHits returns the number of cache-served generations.
func (g *Gateway) CacheHits() uint64 { return g.cacheHits.Load() }

// Calls returns the number of upstream provider calls issued.
func (g *Gateway) Calls() uint64 { return g.calls.Load() }

// Generate resolves the symbolic model per provider and walks the chain:
// cache lookup, rate-limit acquire, bounded exponential retry within the
// provider, then fallover. Concurrent calls with the same cache key share
// one upstream request. Exhausting the chain fails with LLMUnavailable.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts GenerateOptions) (Generation, error) {
	if len(g.slots) == 0 {
		return Generation{}, Errf(KindLLMUnavailable, "", "no providers configured")
	}

	start := g.clock.Now()
	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "llm.request",
			StringAttr("model", opts.Model))
		defer span.End()
	}

	// Healthy slots first, then the rest as a last resort.
	order := make([]*providerSlot, 0, len(g.slots))
	for _, s := range g.slots {
		if s.healthy.Load() {
			order = append(order, s)
		}
	}
	for _, s := range g.slots {
		if !s.healthy.Load() {
			order = append(order, s)
		}
	}

	var lastErr error
	for _, slot := range order {
		gen, err := g.generateVia(ctx, slot, prompt, opts)
		if err == nil {
			if span != nil {
				span.SetAttr(
					StringAttr("provider", gen.Provider),
					StringAttr("resolved_model", gen.Model),
					BoolAttr("cache_hit", gen.CacheHit),
					IntAttr("tokens", gen.Tokens),
					Float64Attr("duration_ms", float64(g.clock.Now().Sub(start).Milliseconds())))
			}
			return gen, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("provider failed, falling through",
			"provider", slot.provider.Name(),
			"error", Redact(err.Error()))
	}

	err := &Error{Kind: KindLLMUnavailable, Msg: "all providers exhausted", Err: lastErr}
	if span != nil {
		span.Error(err)
	}
	return Generation{}, err
}

// generateVia runs the full per-provider discipline: cache, singleflight,
// rate limit, bounded retry.
func (g *Gateway) generateVia(ctx context.Context, slot *providerSlot, prompt string, opts GenerateOptions) (Generation, error) {
	model := slot.resolveModel(opts.Model)
	key := cacheKey(slot.provider.Name(), model, prompt, opts)

	if gen, ok := g.cache.get(key); ok {
		g.cacheHits.Add(1)
		gen.CacheHit = true
		return gen, nil
	}

	ch := g.sf.DoChan(key, func() (any, error) {
		gen, err := g.callProvider(ctx, slot, model, prompt, opts)
		if err != nil {
			return nil, err
		}
		g.cache.put(key, gen)
		return gen, nil
	})

	select {
	case <-ctx.Done():
		return Generation{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Generation{}, res.Err
		}
		gen := res.Val.(Generation)
		gen.CacheHit = false
		if res.Shared {
			// Coalesced with another in-flight identical request.
			gen.CacheHit = true
			g.cacheHits.Add(1)
		}
		return gen, nil
	}
}

// callProvider acquires the rate-limit token and applies bounded
// exponential retry within one provider.
func (g *Gateway) callProvider(ctx context.Context, slot *providerSlot, model, prompt string, opts GenerateOptions) (Generation, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(g.baseDelay, attempt-1)); err != nil {
				return Generation{}, err
			}
		}
		if slot.limiter != nil {
			if err := slot.limiter.Wait(ctx); err != nil {
				return Generation{}, err
			}
		}
		if err := slot.tpm.wait(ctx); err != nil {
			return Generation{}, err
		}

		g.calls.Add(1)
		gen, err := slot.provider.Generate(ctx, model, prompt, opts)
		if err == nil {
			slot.healthy.Store(true)
			slot.tpm.record(gen.Tokens)
			gen.Provider = slot.provider.Name()
			gen.Model = model
			return gen, nil
		}
		lastErr = err
		slot.healthy.Store(false)
		if ctx.Err() != nil {
			return Generation{}, lastErr
		}
		g.logger.Warn("provider attempt failed",
			"provider", slot.provider.Name(),
			"attempt", attempt+1,
			"max_attempts", g.maxAttempts,
			"error", Redact(err.Error()))
	}
	return Generation{}, lastErr
}

// cacheKey hashes the provider key, resolved model, prompt, and the
// deterministic generation parameters.
func cacheKey(provider, model, prompt string, opts GenerateOptions) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%.4f\x00%d",
		provider, model, prompt, opts.MaxTokens, opts.Temperature, opts.Seed)
	return hex.EncodeToString(h.Sum(nil))
}

// genCache is the TTL response cache. Safe for parallel readers.
type genCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   Clock
}

type cacheEntry struct {
	gen     Generation
	expires time.Time
}

func (c *genCache) get(key string) (Generation, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(e.expires) {
		return Generation{}, false
	}
	return e.gen, true
}

func (c *genCache) put(key string, gen Generation) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{gen: gen, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}
