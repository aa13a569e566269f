package atelier

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubProvider is a scriptable Provider for gateway tests.
type stubProvider struct {
	name string
	fn   func(call int, model string) (Generation, error)

	mu     sync.Mutex
	calls  int
	models []string
}

var _ Provider = (*stubProvider)(nil)

func (p *stubProvider) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (Generation, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.models = append(p.models, model)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(n, model)
	}
	return Generation{Text: "text from " + p.name, Tokens: 5}, nil
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestGatewayNoProviders(t *testing.T) {
	g := NewGateway()
	_, err := g.Generate(context.Background(), "hi", GenerateOptions{Model: "fast"})
	if KindOf(err) != KindLLMUnavailable {
		t.Errorf("Generate() kind = %v, want llm_unavailable", KindOf(err))
	}
}

func TestGatewayCacheHit(t *testing.T) {
	p := &stubProvider{name: "primary"}
	g := NewGateway()
	g.AddProvider(p)

	ctx := context.Background()
	first, err := g.Generate(ctx, "same prompt", GenerateOptions{Model: "fast", Seed: 1})
	if err != nil {
		t.Fatalf("first Generate() = %v", err)
	}
	if first.CacheHit {
		t.Error("first call reported CacheHit")
	}
	if first.Provider != "primary" {
		t.Errorf("first.Provider = %s, want primary", first.Provider)
	}

	second, err := g.Generate(ctx, "same prompt", GenerateOptions{Model: "fast", Seed: 1})
	if err != nil {
		t.Fatalf("second Generate() = %v", err)
	}
	if !second.CacheHit {
		t.Error("second call missed the cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}

	if p.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", p.callCount())
	}
	if g.CacheHits() != 1 || g.Calls() != 1 {
		t.Errorf("CacheHits()=%d Calls()=%d, want 1 and 1", g.CacheHits(), g.Calls())
	}

	// A different seed is a different key.
	third, err := g.Generate(ctx, "same prompt", GenerateOptions{Model: "fast", Seed: 2})
	if err != nil {
		t.Fatalf("third Generate() = %v", err)
	}
	if third.CacheHit {
		t.Error("distinct seed hit the cache")
	}
}

func TestGatewayCacheTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	p := &stubProvider{name: "primary"}
	g := NewGateway(
		WithGatewayClock(clock),
		WithGatewayCacheTTL(time.Minute),
	)
	g.AddProvider(p)

	ctx := context.Background()
	if _, err := g.Generate(ctx, "p", GenerateOptions{Model: "fast"}); err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := g.Generate(ctx, "p", GenerateOptions{Model: "fast"}); err != nil {
		t.Fatalf("Generate() after expiry = %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("upstream calls = %d, want 2 after TTL expiry", p.callCount())
	}
}

func TestGatewayRetryWithinProvider(t *testing.T) {
	p := &stubProvider{name: "flaky", fn: func(call int, model string) (Generation, error) {
		if call == 1 {
			return Generation{}, Errf(KindLLMUnavailable, "", "rate limited")
		}
		return Generation{Text: "recovered", Tokens: 3}, nil
	}}
	g := NewGateway(WithGatewayRetry(3, time.Millisecond))
	g.AddProvider(p)

	gen, err := g.Generate(context.Background(), "p", GenerateOptions{Model: "fast"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if gen.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", gen.Text)
	}
	if p.callCount() != 2 {
		t.Errorf("upstream calls = %d, want 2", p.callCount())
	}
}

func TestGatewayFallbackChain(t *testing.T) {
	dead := &stubProvider{name: "dead", fn: func(int, string) (Generation, error) {
		return Generation{}, Errf(KindLLMUnavailable, "", "connection refused")
	}}
	alive := &stubProvider{name: "alive"}

	g := NewGateway(WithGatewayRetry(1, time.Millisecond))
	g.AddProvider(dead)
	g.AddProvider(alive)

	gen, err := g.Generate(context.Background(), "p", GenerateOptions{Model: "fast"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if gen.Provider != "alive" {
		t.Errorf("Provider = %s, want alive", gen.Provider)
	}

	health := g.Health()
	if len(health) != 2 {
		t.Fatalf("Health() = %v, want 2 slots", health)
	}
	if health[0].Healthy {
		t.Error("dead provider still reported healthy")
	}
	if !health[1].Healthy {
		t.Error("alive provider reported unhealthy")
	}

	// The next call prefers the healthy slot: dead is not retried.
	before := dead.callCount()
	if _, err := g.Generate(context.Background(), "another prompt", GenerateOptions{Model: "fast"}); err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if dead.callCount() != before {
		t.Errorf("unhealthy provider was tried first, calls %d -> %d", before, dead.callCount())
	}
}

func TestGatewayExhausted(t *testing.T) {
	mk := func(name string) *stubProvider {
		return &stubProvider{name: name, fn: func(int, string) (Generation, error) {
			return Generation{}, Errf(KindLLMUnavailable, "", "down")
		}}
	}
	g := NewGateway(WithGatewayRetry(2, time.Millisecond))
	g.AddProvider(mk("one"))
	g.AddProvider(mk("two"))

	_, err := g.Generate(context.Background(), "p", GenerateOptions{Model: "fast"})
	if KindOf(err) != KindLLMUnavailable {
		t.Errorf("exhausted chain kind = %v, want llm_unavailable", KindOf(err))
	}
	// Two attempts on each provider before the chain gives up.
	if g.Calls() != 4 {
		t.Errorf("Calls() = %d, want 4", g.Calls())
	}
}

func TestGatewayModelMap(t *testing.T) {
	p := &stubProvider{name: "openai"}
	g := NewGateway()
	g.AddProvider(p, ModelMap(map[string]string{"fast": "gpt-4o-mini"}))

	gen, err := g.Generate(context.Background(), "p", GenerateOptions{Model: "fast"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if gen.Model != "gpt-4o-mini" {
		t.Errorf("gen.Model = %s, want gpt-4o-mini", gen.Model)
	}
	p.mu.Lock()
	seen := p.models[0]
	p.mu.Unlock()
	if seen != "gpt-4o-mini" {
		t.Errorf("provider saw model %s, want gpt-4o-mini", seen)
	}

	// Unmapped symbolic names pass through unchanged.
	gen, err = g.Generate(context.Background(), "q", GenerateOptions{Model: "smart"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if gen.Model != "smart" {
		t.Errorf("gen.Model = %s, want smart", gen.Model)
	}
}

func TestGatewayRPMBucketBlocks(t *testing.T) {
	p := &stubProvider{name: "limited"}
	g := NewGateway(WithGatewayRetry(1, time.Millisecond))
	g.AddProvider(p, RPM(1))

	if _, err := g.Generate(context.Background(), "first", GenerateOptions{Model: "fast"}); err != nil {
		t.Fatalf("first Generate() = %v", err)
	}

	// The bucket replenishes one token per minute with burst one, so a
	// second immediate call must block past this context's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, "second", GenerateOptions{Model: "fast"})
	if err == nil {
		t.Fatal("second Generate() = nil, want rate-limit block")
	}
	if p.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", p.callCount())
	}
}

func TestGatewaySingleflightCoalesces(t *testing.T) {
	release := make(chan struct{})
	p := &stubProvider{name: "slow", fn: func(int, string) (Generation, error) {
		<-release
		return Generation{Text: "shared", Tokens: 2}, nil
	}}
	g := NewGateway()
	g.AddProvider(p)

	const n = 4
	results := make(chan Generation, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen, err := g.Generate(context.Background(), "identical", GenerateOptions{Model: "fast"})
			results <- gen
			errs <- err
		}()
	}

	waitFor(t, "first upstream call", func() bool { return p.callCount() >= 1 })
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Generate() = %v", err)
		}
	}
	if p.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 coalesced call", p.callCount())
	}
	for gen := range results {
		if gen.Text != "shared" {
			t.Errorf("Text = %q, want shared", gen.Text)
		}
	}
}
