// Package openaicompat implements atelier.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend
// that speaks the OpenAI chat completions protocol.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/atelier"
)

// Provider implements atelier.Provider over the chat completions endpoint.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ atelier.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai"). The gateway
// keys model maps and health state by name, so give each chain slot a
// distinct one.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider creates an OpenAI-compatible provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Generate sends one non-streaming chat completion and returns the text of
// the first choice.
func (p *Provider) Generate(ctx context.Context, model, prompt string, opts atelier.GenerateOptions) (atelier.Generation, error) {
	body := chatRequest{
		Model:    model,
		Messages: []message{{Role: "user", Content: prompt}},
	}
	if opts.MaxTokens > 0 {
		body.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != 0 {
		body.Temperature = &opts.Temperature
	}
	if opts.Seed != 0 {
		seed := int(opts.Seed)
		body.Seed = &seed
	}

	start := time.Now()
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return atelier.Generation{}, atelier.WrapErr(atelier.KindOf(ctx.Err()), "", err)
		}
		return atelier.Generation{}, atelier.WrapErr(atelier.KindLLMUnavailable, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return atelier.Generation{}, p.httpErr(resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return atelier.Generation{}, atelier.Errf(atelier.KindLLMUnavailable, "", "%s: decode response: %v", p.name, err)
	}
	if len(chatResp.Choices) == 0 {
		return atelier.Generation{}, atelier.Errf(atelier.KindLLMUnavailable, "", "%s: response has no choices", p.name)
	}

	gen := atelier.Generation{
		Text:     chatResp.Choices[0].Message.Content,
		Provider: p.name,
		Model:    model,
	}
	if chatResp.Usage != nil {
		gen.Tokens = chatResp.Usage.TotalTokens
	}
	p.logger.Debug("openaicompat: generate ok",
		"provider", p.name, "model", model, "tokens", gen.Tokens, "duration", time.Since(start))
	return gen, nil
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr classifies a non-200 response. Rate limits and server errors are
// transient; anything else is a configuration problem and fails the job.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	kind := atelier.KindInternal
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = atelier.KindLLMUnavailable
	}
	return atelier.Errf(kind, "", "%s: http %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
}
