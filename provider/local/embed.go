package local

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nevindra/atelier"
)

// Embedder is a deterministic atelier.EmbeddingProvider: each vector is a
// stable hash expansion of its text, L2-normalized so cosine scores are
// meaningful. Identical texts always embed identically, which keeps
// vector-store tests and offline runs reproducible.
type Embedder struct {
	name string
	dims int
}

var _ atelier.EmbeddingProvider = (*Embedder)(nil)

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedderName overrides the embedder name (default "local-embed").
func WithEmbedderName(name string) EmbedderOption {
	return func(e *Embedder) { e.name = name }
}

// NewEmbedder creates a local embedder producing dims-sized vectors
// (default 768 when dims is not positive).
func NewEmbedder(dims int, opts ...EmbedderOption) *Embedder {
	if dims <= 0 {
		dims = 768
	}
	e := &Embedder{name: "local-embed", dims: dims}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns the embedder name.
func (e *Embedder) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

// vector expands the text through a counter-keyed hash stream, eight
// components per block, then normalizes to unit length.
func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.dims)
	for i := 0; i < e.dims; i += 8 {
		block := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", text, i/8)))
		for j := 0; j < 8 && i+j < e.dims; j++ {
			u := binary.BigEndian.Uint32(block[j*4:])
			vec[i+j] = float32(int32(u)) / float32(math.MaxInt32)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
