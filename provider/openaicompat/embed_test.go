package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbed(t *testing.T) {
	var gotBody embedRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Out of order on purpose: the index field is authoritative.
		json.NewEncoder(w).Encode(embedResponse{Data: []embedDatum{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}})
	}))
	defer srv.Close()

	e := NewEmbeddingClient("sk-test", srv.URL+"/v1", "text-embedding-3-small", 2)
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", gotAuth)
	}
	if gotBody.Model != "text-embedding-3-small" || gotBody.Dimensions != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
	if e.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d, want 2", e.Dimensions())
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Data: []embedDatum{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	e := NewEmbeddingClient("", srv.URL, "m", 1)
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when the backend returns fewer vectors than texts")
	}
}

func TestEmbedHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewEmbeddingClient("", srv.URL, "m", 1)
	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestEmbedNoTexts(t *testing.T) {
	e := NewEmbeddingClient("", "http://unused", "m", 1)
	vecs, err := e.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v, want nil, nil", vecs, err)
	}
}
