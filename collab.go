package atelier

import (
	"context"
	"time"
)

// VectorItem is one record to upsert into a vector collection. When
// Embedding is nil the store computes it via its embedding provider.
type VectorItem struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
}

// VectorMatch is one query result, best first.
type VectorMatch struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// VectorStore abstracts the retrieval collaborator agents reach through
// their call handle.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, items []VectorItem) error
	Query(ctx context.Context, collection, text string, k int) ([]VectorMatch, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// ArtifactSink stores produced blobs and hands back opaque references.
type ArtifactSink interface {
	Write(ctx context.Context, name string, data []byte) (BlobRef, error)
	Read(ctx context.Context, ref BlobRef) ([]byte, error)
}

// Clock is injected for determinism in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }
