// Package postgres implements atelier.VectorStore using PostgreSQL with
// the pgvector extension for similarity search over workflow collections.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nevindra/atelier"
)

// Store implements atelier.VectorStore backed by PostgreSQL + pgvector.
// Items with no precomputed embedding are embedded through the injected
// atelier.EmbeddingProvider, as is every query string.
type Store struct {
	pool      *pgxpool.Pool
	embedding atelier.EmbeddingProvider
	logger    *slog.Logger
	config    pgConfig
}

var _ atelier.VectorStore = (*Store)(nil)

type pgConfig struct {
	embeddingDimension int
	hnswM              int
	hnswEFConstruction int
	hnswEFSearch       int
}

// Option configures the postgres store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEmbeddingDimension sets the embedding vector dimension (default 768).
// Must match the embedding provider's output dimension.
func WithEmbeddingDimension(dim int) Option {
	return func(s *Store) { s.config.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW index M parameter (default 16).
func WithHNSWM(m int) Option {
	return func(s *Store) { s.config.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (default 64).
func WithEFConstruction(ef int) Option {
	return func(s *Store) { s.config.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search query parameter (default 40).
func WithEFSearch(ef int) Option {
	return func(s *Store) { s.config.hnswEFSearch = ef }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store from an existing connection pool. The pool is owned
// by the caller; the store never closes it.
func New(pool *pgxpool.Pool, embedding atelier.EmbeddingProvider, opts ...Option) *Store {
	s := &Store{
		pool:      pool,
		embedding: embedding,
		logger:    nopLogger,
		config: pgConfig{
			embeddingDimension: 768,
			hnswM:              16,
			hnswEFConstruction: 64,
			hnswEFSearch:       40,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if embedding != nil && embedding.Dimensions() > 0 {
		s.config.embeddingDimension = embedding.Dimensions()
	}
	return s
}

func (s *Store) vectorType() string {
	return fmt.Sprintf("vector(%d)", s.config.embeddingDimension)
}

func (s *Store) hnswWithClause() string {
	return fmt.Sprintf("WITH (m = %d, ef_construction = %d)", s.config.hnswM, s.config.hnswEFConstruction)
}

// Init creates the pgvector extension, the items table, and the HNSW index.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started", "dimension", s.config.embeddingDimension)

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_items (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding %s,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`, s.vectorType())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create vector_items table: %w", err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_vector_items_embedding
		ON vector_items USING hnsw (embedding vector_cosine_ops) %s`, s.hnswWithClause())
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_vector_items_collection
		ON vector_items(collection)`); err != nil {
		return fmt.Errorf("create collection index: %w", err)
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Upsert inserts or replaces items in a collection. Items without a
// precomputed embedding are embedded in one batch first.
func (s *Store) Upsert(ctx context.Context, collection string, items []atelier.VectorItem) error {
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("postgres: upsert", "collection", collection, "count", len(items))

	if err := s.fillEmbeddings(ctx, items); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, it := range items {
		meta, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %q: %w", it.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO vector_items (collection, id, content, metadata, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, $5::vector, now())
			 ON CONFLICT (collection, id) DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			collection, it.ID, it.Text, meta, serializeEmbedding(it.Embedding))
		if err != nil {
			return fmt.Errorf("upsert item %q: %w", it.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("postgres: upsert ok", "collection", collection, "count", len(items), "duration", time.Since(start))
	return nil
}

// Query embeds text and returns the k nearest items by cosine similarity,
// best first.
func (s *Store) Query(ctx context.Context, collection, text string, k int) ([]atelier.VectorMatch, error) {
	if s.embedding == nil {
		return nil, fmt.Errorf("postgres: no embedding provider configured")
	}
	if k <= 0 {
		k = 5
	}
	start := time.Now()

	vecs, err := s.embedding.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: provider %s returned no vectors", s.embedding.Name())
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.config.hnswEFSearch)); err != nil {
		s.logger.Debug("postgres: set ef_search failed", "error", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS score
		 FROM vector_items
		 WHERE collection = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		serializeEmbedding(vecs[0]), collection, k)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []atelier.VectorMatch
	for rows.Next() {
		var m atelier.VectorMatch
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Text, &meta, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for %q: %w", m.ID, err)
			}
		}
		matches = append(matches, m)
	}
	s.logger.Debug("postgres: query ok", "collection", collection, "k", k, "matches", len(matches), "duration", time.Since(start))
	return matches, rows.Err()
}

// fillEmbeddings computes embeddings for items that lack one, in a single
// provider call.
func (s *Store) fillEmbeddings(ctx context.Context, items []atelier.VectorItem) error {
	var missing []int
	var texts []string
	for i, it := range items {
		if it.Embedding == nil {
			missing = append(missing, i)
			texts = append(texts, it.Text)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if s.embedding == nil {
		return fmt.Errorf("postgres: items lack embeddings and no embedding provider configured")
	}
	vecs, err := s.embedding.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed items: %w", err)
	}
	if len(vecs) != len(missing) {
		return fmt.Errorf("embed items: provider %s returned %d vectors for %d texts",
			s.embedding.Name(), len(vecs), len(missing))
	}
	for j, i := range missing {
		items[i].Embedding = vecs[j]
	}
	return nil
}

// serializeEmbedding renders a float32 slice in pgvector's text format,
// e.g. "[0.1,0.2,0.3]".
func serializeEmbedding(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
