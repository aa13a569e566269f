// Package sqlite implements atelier.CheckpointStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/atelier"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements atelier.CheckpointStore backed by a local SQLite file.
// Checkpoints are append-only per job; each insert commits in its own
// transaction, so a returned Write is durable.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ atelier.CheckpointStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: checkpoint store opened", "path", dbPath)
	return s
}

// Init creates the checkpoint table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		workflow_version TEXT NOT NULL DEFAULT '',
		snapshot BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Write appends a snapshot under the job's next sequence number. The
// MAX(seq)+1 read and the insert run in one transaction so concurrent
// writers never collide on a sequence.
func (s *Store) Write(jobID, stepID, workflowVersion string, snapshot []byte) (atelier.CheckpointID, error) {
	ctx := context.Background()
	start := time.Now()
	s.logger.Debug("sqlite: write checkpoint", "job_id", jobID, "step_id", stepID, "size", len(snapshot))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE job_id = ?`, jobID,
	).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, seq, step_id, workflow_version, snapshot, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, seq, stepID, workflowVersion, snapshot, len(snapshot), time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: write checkpoint failed", "job_id", jobID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: write checkpoint commit failed", "job_id", jobID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("commit tx: %w", err)
	}

	id := atelier.FormatCheckpointID(jobID, seq)
	s.logger.Debug("sqlite: write checkpoint ok", "checkpoint_id", id, "duration", time.Since(start))
	return id, nil
}

// List returns checkpoint metadata for a job in creation order.
func (s *Store) List(jobID string) ([]atelier.CheckpointMeta, error) {
	ctx := context.Background()
	start := time.Now()
	s.logger.Debug("sqlite: list checkpoints", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, step_id, workflow_version, size, created_at
		 FROM checkpoints WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var metas []atelier.CheckpointMeta
	for rows.Next() {
		var seq, size, createdAt int64
		var stepID, version string
		if err := rows.Scan(&seq, &stepID, &version, &size, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		metas = append(metas, atelier.CheckpointMeta{
			ID:              atelier.FormatCheckpointID(jobID, seq),
			JobID:           jobID,
			StepID:          stepID,
			WorkflowVersion: version,
			Timestamp:       time.UnixMilli(createdAt),
			Size:            size,
			Resumable:       true,
		})
	}
	s.logger.Debug("sqlite: list checkpoints ok", "job_id", jobID, "count", len(metas), "duration", time.Since(start))
	return metas, rows.Err()
}

// Get returns a full checkpoint record, or atelier.ErrCheckpointNotFound.
func (s *Store) Get(id atelier.CheckpointID) (atelier.Checkpoint, error) {
	jobID, seq, err := id.Parse()
	if err != nil {
		return atelier.Checkpoint{}, atelier.ErrCheckpointNotFound
	}
	ctx := context.Background()
	start := time.Now()
	s.logger.Debug("sqlite: get checkpoint", "checkpoint_id", id)

	var cp atelier.Checkpoint
	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT step_id, workflow_version, snapshot, size, created_at
		 FROM checkpoints WHERE job_id = ? AND seq = ?`, jobID, seq,
	).Scan(&cp.StepID, &cp.WorkflowVersion, &cp.Snapshot, &cp.Size, &createdAt)
	if err == sql.ErrNoRows {
		return atelier.Checkpoint{}, atelier.ErrCheckpointNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get checkpoint failed", "checkpoint_id", id, "error", err, "duration", time.Since(start))
		return atelier.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.ID = id
	cp.JobID = jobID
	cp.Timestamp = time.UnixMilli(createdAt)
	cp.Resumable = true
	s.logger.Debug("sqlite: get checkpoint ok", "checkpoint_id", id, "duration", time.Since(start))
	return cp, nil
}

// Restore returns a copy of the snapshot bytes for id.
func (s *Store) Restore(id atelier.CheckpointID) ([]byte, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cp.Snapshot))
	copy(out, cp.Snapshot)
	return out, nil
}

// Delete removes one checkpoint.
func (s *Store) Delete(id atelier.CheckpointID) error {
	jobID, seq, err := id.Parse()
	if err != nil {
		return atelier.ErrCheckpointNotFound
	}
	ctx := context.Background()
	s.logger.Debug("sqlite: delete checkpoint", "checkpoint_id", id)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id = ? AND seq = ?`, jobID, seq)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atelier.ErrCheckpointNotFound
	}
	return nil
}

// Cleanup deletes all but the keepLast most recent checkpoints for a job.
// keepLast 0 removes everything.
func (s *Store) Cleanup(jobID string, keepLast int) error {
	ctx := context.Background()
	start := time.Now()
	s.logger.Debug("sqlite: cleanup checkpoints", "job_id", jobID, "keep_last", keepLast)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id = ? AND seq NOT IN (
			SELECT seq FROM checkpoints WHERE job_id = ? ORDER BY seq DESC LIMIT ?
		)`, jobID, jobID, keepLast)
	if err != nil {
		s.logger.Error("sqlite: cleanup failed", "job_id", jobID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("cleanup checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: cleanup ok", "job_id", jobID, "deleted", n, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for sharing with other stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
