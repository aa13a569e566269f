package postgres

import (
	"context"
	"testing"

	"github.com/nevindra/atelier"
)

type mockEmbedding struct {
	dim   int
	calls int
}

func (m *mockEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, m.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}
func (m *mockEmbedding) Dimensions() int { return m.dim }
func (m *mockEmbedding) Name() string    { return "mock" }

func TestSerializeEmbedding(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want string
	}{
		{"empty", nil, "[]"},
		{"single", []float32{0.5}, "[0.5]"},
		{"multiple", []float32{0.1, 0.2, 0.3}, "[0.1,0.2,0.3]"},
		{"negative", []float32{-1, 2}, "[-1,2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializeEmbedding(tt.in)
			if got != tt.want {
				t.Errorf("serializeEmbedding(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFillEmbeddingsOnlyMissing(t *testing.T) {
	emb := &mockEmbedding{dim: 4}
	s := New(nil, emb)

	items := []atelier.VectorItem{
		{ID: "a", Text: "precomputed", Embedding: []float32{1, 2, 3, 4}},
		{ID: "b", Text: "needs embedding"},
	}
	if err := s.fillEmbeddings(context.Background(), items); err != nil {
		t.Fatalf("fillEmbeddings: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embed calls = %d, want 1", emb.calls)
	}
	if items[0].Embedding[0] != 1 {
		t.Errorf("precomputed embedding overwritten")
	}
	if items[1].Embedding == nil {
		t.Errorf("missing embedding not filled")
	}
}

func TestFillEmbeddingsNoProvider(t *testing.T) {
	s := New(nil, nil)
	items := []atelier.VectorItem{{ID: "a", Text: "x"}}
	if err := s.fillEmbeddings(context.Background(), items); err == nil {
		t.Error("expected error when items lack embeddings and no provider is set")
	}
}

func TestNewAdoptsProviderDimension(t *testing.T) {
	s := New(nil, &mockEmbedding{dim: 1536})
	if s.config.embeddingDimension != 1536 {
		t.Errorf("embeddingDimension = %d, want 1536", s.config.embeddingDimension)
	}
	if got := s.vectorType(); got != "vector(1536)" {
		t.Errorf("vectorType() = %q, want %q", got, "vector(1536)")
	}
}
