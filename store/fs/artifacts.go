package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/atelier"
)

// ArtifactSink stores step artifacts as flat files under a root directory.
// References returned to callers carry the path relative to the root, so a
// sink moved to another host keeps resolving old references.
type ArtifactSink struct {
	root   string
	logger *slog.Logger
}

var _ atelier.ArtifactSink = (*ArtifactSink)(nil)

// SinkOption configures an ArtifactSink.
type SinkOption func(*ArtifactSink)

// WithSinkLogger sets a structured logger for the sink.
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(a *ArtifactSink) { a.logger = l }
}

// NewArtifactSink creates the root directory if needed.
func NewArtifactSink(root string, opts ...SinkOption) (*ArtifactSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	a := &ArtifactSink{root: root, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Write stores data under a sanitized version of name and returns its
// reference. Repeated writes to the same name overwrite.
func (a *ArtifactSink) Write(_ context.Context, name string, data []byte) (atelier.BlobRef, error) {
	rel := sanitizeName(name)
	if rel == "" {
		return atelier.BlobRef{}, fmt.Errorf("artifact name %q is empty after sanitizing", name)
	}
	path := filepath.Join(a.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return atelier.BlobRef{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return atelier.BlobRef{}, fmt.Errorf("write artifact: %w", err)
	}
	a.logger.Debug("fs: artifact written", "name", name, "path", rel, "size", len(data))
	return atelier.BlobRef{Path: rel, Size: int64(len(data))}, nil
}

// Read resolves a reference produced by Write.
func (a *ArtifactSink) Read(_ context.Context, ref atelier.BlobRef) ([]byte, error) {
	rel := sanitizeName(ref.Path)
	if rel == "" {
		return nil, fmt.Errorf("artifact ref %q is invalid", ref.Path)
	}
	data, err := os.ReadFile(filepath.Join(a.root, rel))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// sanitizeName strips traversal components so a hostile artifact name can
// never escape the root.
func sanitizeName(name string) string {
	name = filepath.ToSlash(name)
	parts := strings.Split(name, "/")
	var kept []string
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	return filepath.Join(kept...)
}
