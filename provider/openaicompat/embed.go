package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/atelier"
)

// EmbeddingClient implements atelier.EmbeddingProvider over the
// /embeddings endpoint of any OpenAI-compatible backend.
type EmbeddingClient struct {
	apiKey  string
	baseURL string
	model   string
	dims    int
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ atelier.EmbeddingProvider = (*EmbeddingClient)(nil)

// EmbeddingOption configures an EmbeddingClient.
type EmbeddingOption func(*EmbeddingClient)

// WithEmbeddingName overrides the client name (default "openai-embed").
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *EmbeddingClient) { e.name = name }
}

// WithEmbeddingHTTPClient replaces the default HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *EmbeddingClient) { e.client = c }
}

// WithEmbeddingLogger sets a structured logger. If not set, no logs are
// emitted.
func WithEmbeddingLogger(l *slog.Logger) EmbeddingOption {
	return func(e *EmbeddingClient) { e.logger = l }
}

// NewEmbeddingClient creates an embedding client.
//
// baseURL is the API base as for NewProvider; the /embeddings path is
// appended automatically. dims must match the vector store's column
// dimension and is sent as the requested output dimensionality.
func NewEmbeddingClient(apiKey, baseURL, model string, dims int, opts ...EmbeddingOption) *EmbeddingClient {
	e := &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 60 * time.Second},
		name:    "openai-embed",
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the client name.
func (e *EmbeddingClient) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *EmbeddingClient) Dimensions() int { return e.dims }

// Embed returns one vector per input text, in input order.
func (e *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := embedRequest{Model: e.model, Input: texts}
	if e.dims > 0 {
		body.Dimensions = e.dims
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", e.name, err)
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: embeddings request: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: embeddings http %d", e.name, resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("%s: decode embeddings response: %w", e.name, err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d texts", e.name, len(er.Data), len(texts))
	}

	// Backends may return data out of order; the index field is
	// authoritative.
	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		out[i] = d.Embedding
	}
	e.logger.Debug("openaicompat: embed ok",
		"client", e.name, "model", e.model, "texts", len(texts), "duration", time.Since(start))
	return out, nil
}
