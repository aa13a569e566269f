// Package fs implements atelier.CheckpointStore and atelier.ArtifactSink
// on the local filesystem. It is the zero-dependency backend for single
// node deployments; the sqlite store is preferred when queries matter.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nevindra/atelier"
)

// CheckpointStore writes one snapshot file per checkpoint under
// <root>/<job_id>/<seq>.snapshot with a sibling <seq>.meta.json record.
// Files are written to a temp name and renamed into place, so a visible
// snapshot is always complete.
type CheckpointStore struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex // serializes sequence allocation per store
}

var _ atelier.CheckpointStore = (*CheckpointStore)(nil)

// StoreOption configures a filesystem store.
type StoreOption func(*CheckpointStore)

// WithLogger sets a structured logger for the store.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *CheckpointStore) { s.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewCheckpointStore creates the root directory if needed.
func NewCheckpointStore(root string, opts ...StoreOption) (*CheckpointStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	s := &CheckpointStore{root: root, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("fs: checkpoint store opened", "root", root)
	return s, nil
}

type metaRecord struct {
	StepID          string `json:"step_id"`
	WorkflowVersion string `json:"workflow_version"`
	Size            int64  `json:"size"`
	CreatedAt       int64  `json:"created_at_ms"`
}

func (s *CheckpointStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *CheckpointStore) snapshotPath(jobID string, seq int64) string {
	return filepath.Join(s.jobDir(jobID), fmt.Sprintf("%06d.snapshot", seq))
}

func (s *CheckpointStore) metaPath(jobID string, seq int64) string {
	return filepath.Join(s.jobDir(jobID), fmt.Sprintf("%06d.meta.json", seq))
}

// seqs returns the sorted sequence numbers present for a job.
func (s *CheckpointStore) seqs(jobID string) ([]int64, error) {
	entries, err := os.ReadDir(s.jobDir(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job dir: %w", err)
	}
	var out []int64
	for _, e := range entries {
		var seq int64
		if _, err := fmt.Sscanf(e.Name(), "%06d.snapshot", &seq); err == nil &&
			filepath.Ext(e.Name()) == ".snapshot" {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Write appends a snapshot under the job's next sequence number.
func (s *CheckpointStore) Write(jobID, stepID, workflowVersion string, snapshot []byte) (atelier.CheckpointID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	if err := os.MkdirAll(s.jobDir(jobID), 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	seqs, err := s.seqs(jobID)
	if err != nil {
		return "", err
	}
	var seq int64 = 1
	if len(seqs) > 0 {
		seq = seqs[len(seqs)-1] + 1
	}

	if err := writeAtomic(s.snapshotPath(jobID, seq), snapshot); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	meta, _ := json.Marshal(metaRecord{
		StepID:          stepID,
		WorkflowVersion: workflowVersion,
		Size:            int64(len(snapshot)),
		CreatedAt:       time.Now().UnixMilli(),
	})
	if err := writeAtomic(s.metaPath(jobID, seq), meta); err != nil {
		// Remove the orphaned snapshot so a failed write leaves nothing
		// visible.
		os.Remove(s.snapshotPath(jobID, seq))
		return "", fmt.Errorf("write meta: %w", err)
	}

	id := atelier.FormatCheckpointID(jobID, seq)
	s.logger.Debug("fs: write checkpoint ok", "checkpoint_id", id, "size", len(snapshot), "duration", time.Since(start))
	return id, nil
}

// List returns checkpoint metadata for a job in creation order.
func (s *CheckpointStore) List(jobID string) ([]atelier.CheckpointMeta, error) {
	seqs, err := s.seqs(jobID)
	if err != nil {
		return nil, err
	}
	var metas []atelier.CheckpointMeta
	for _, seq := range seqs {
		m, err := s.readMeta(jobID, seq)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func (s *CheckpointStore) readMeta(jobID string, seq int64) (atelier.CheckpointMeta, error) {
	raw, err := os.ReadFile(s.metaPath(jobID, seq))
	if err != nil {
		return atelier.CheckpointMeta{}, fmt.Errorf("read meta: %w", err)
	}
	var rec metaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return atelier.CheckpointMeta{}, fmt.Errorf("decode meta: %w", err)
	}
	return atelier.CheckpointMeta{
		ID:              atelier.FormatCheckpointID(jobID, seq),
		JobID:           jobID,
		StepID:          rec.StepID,
		WorkflowVersion: rec.WorkflowVersion,
		Timestamp:       time.UnixMilli(rec.CreatedAt),
		Size:            rec.Size,
		Resumable:       true,
	}, nil
}

// Get returns a full checkpoint record, or atelier.ErrCheckpointNotFound.
func (s *CheckpointStore) Get(id atelier.CheckpointID) (atelier.Checkpoint, error) {
	jobID, seq, err := id.Parse()
	if err != nil {
		return atelier.Checkpoint{}, atelier.ErrCheckpointNotFound
	}
	snap, err := os.ReadFile(s.snapshotPath(jobID, seq))
	if errors.Is(err, fs.ErrNotExist) {
		return atelier.Checkpoint{}, atelier.ErrCheckpointNotFound
	}
	if err != nil {
		return atelier.Checkpoint{}, fmt.Errorf("read snapshot: %w", err)
	}
	meta, err := s.readMeta(jobID, seq)
	if err != nil {
		return atelier.Checkpoint{}, err
	}
	return atelier.Checkpoint{CheckpointMeta: meta, Snapshot: snap}, nil
}

// Restore returns the snapshot bytes for id.
func (s *CheckpointStore) Restore(id atelier.CheckpointID) ([]byte, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return cp.Snapshot, nil
}

// Delete removes one checkpoint.
func (s *CheckpointStore) Delete(id atelier.CheckpointID) error {
	jobID, seq, err := id.Parse()
	if err != nil {
		return atelier.ErrCheckpointNotFound
	}
	err = os.Remove(s.snapshotPath(jobID, seq))
	if errors.Is(err, fs.ErrNotExist) {
		return atelier.ErrCheckpointNotFound
	}
	if err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	os.Remove(s.metaPath(jobID, seq))
	return nil
}

// Cleanup deletes all but the keepLast most recent checkpoints for a job.
// keepLast 0 removes everything including the job directory.
func (s *CheckpointStore) Cleanup(jobID string, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.seqs(jobID)
	if err != nil {
		return err
	}
	drop := len(seqs) - keepLast
	for i := 0; i < drop; i++ {
		os.Remove(s.snapshotPath(jobID, seqs[i]))
		os.Remove(s.metaPath(jobID, seqs[i]))
	}
	if keepLast == 0 {
		os.Remove(s.jobDir(jobID))
	}
	return nil
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
