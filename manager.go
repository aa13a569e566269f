package atelier

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// SubmitRequest is one job submission.
type SubmitRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// StepMode starts the job latched: each step dispatch requires an
	// explicit Step command.
	StepMode bool `json:"step_mode,omitempty"`
}

// JobFilter narrows List results.
type JobFilter struct {
	Status          JobStatus
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Manager is the job directory and lifecycle front door. It validates
// submissions, launches one scheduler run per job, routes control
// commands to run handles, and keeps the authoritative job records.
//
// The Manager implements JobControlSink so the scheduler's transitions
// land on the records without a concrete dependency in either direction.
type Manager struct {
	templates *TemplateRegistry
	scheduler *Scheduler
	bus       *Bus

	// Config snapshot sources, captured per job at submission.
	tone           map[string]any
	perf           map[string]any
	templateConfig map[string]any

	mu      sync.RWMutex
	jobs    map[string]*Job
	handles map[string]*ControlHandle
	ctxs    map[string]*ExecContext

	baseCtx context.Context
	clock   Clock
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ JobControlSink = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithToneConfig sets the tone configuration snapshotted into each job.
func WithToneConfig(m map[string]any) ManagerOption {
	return func(mg *Manager) { mg.tone = m }
}

// WithPerfConfig sets the performance configuration snapshotted into each
// job.
func WithPerfConfig(m map[string]any) ManagerOption {
	return func(mg *Manager) { mg.perf = m }
}

// WithTemplateConfig sets the template configuration snapshotted into
// each job.
func WithTemplateConfig(m map[string]any) ManagerOption {
	return func(mg *Manager) { mg.templateConfig = m }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(mg *Manager) { mg.logger = l }
}

// WithManagerClock injects a clock for deterministic tests.
func WithManagerClock(c Clock) ManagerOption {
	return func(mg *Manager) { mg.clock = c }
}

// WithBaseContext sets the parent context for job runs. Cancelling it
// cancels all in-flight jobs. Defaults to context.Background().
func WithBaseContext(ctx context.Context) ManagerOption {
	return func(mg *Manager) { mg.baseCtx = ctx }
}

// NewManager creates a Manager. The scheduler should be constructed with
// WithSink(manager) afterwards, or use Wire to close the loop.
func NewManager(templates *TemplateRegistry, scheduler *Scheduler, bus *Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		templates: templates,
		scheduler: scheduler,
		bus:       bus,
		jobs:      make(map[string]*Job),
		handles:   make(map[string]*ControlHandle),
		ctxs:      make(map[string]*ExecContext),
		baseCtx:   context.Background(),
		clock:     RealClock{},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if scheduler != nil {
		scheduler.sink = m
	}
	return m
}

// Submit validates the request against the workflow's entry schema,
// creates the job, and launches its scheduler run. Unknown workflow ids
// fail with ErrTemplateNotFound; schema violations with InvalidInputs.
func (m *Manager) Submit(req SubmitRequest) (Job, error) {
	tmpl, err := m.templates.Get(req.WorkflowID)
	if err != nil {
		return Job{}, err
	}
	if err := tmpl.EntryInputs.ValidateInputs(req.Inputs); err != nil {
		return Job{}, err
	}

	now := m.clock.Now()
	job := &Job{
		ID:         NewID(),
		WorkflowID: req.WorkflowID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusPending,
		Metadata:   deepCopyMap(req.Metadata),
		Inputs:     deepCopyMap(req.Inputs),
	}
	ec := NewExecContext(req.Inputs, m.tone, m.perf, m.templateConfig)
	handle := NewControlHandle(req.StepMode)

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.handles[job.ID] = handle
	m.ctxs[job.ID] = ec
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventRunQueued, JobID: job.ID, Timestamp: now, Payload: map[string]any{
		"workflow_id": req.WorkflowID,
	}})
	m.launch(job.ID, tmpl, ec, handle)
	m.logger.Info("job submitted", "job_id", job.ID, "workflow_id", req.WorkflowID)
	return *snapshotJob(job), nil
}

// launch starts the scheduler run goroutine for a job.
func (m *Manager) launch(jobID string, tmpl *CompiledTemplate, ec *ExecContext, handle *ControlHandle) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.SetStatus(jobID, StatusRunning)
		m.bus.Publish(Event{Type: EventRunStarted, JobID: jobID, Timestamp: m.clock.Now()})
		if err := m.scheduler.Run(m.baseCtx, jobID, tmpl, ec, handle); err != nil {
			m.logger.Info("job finished", "job_id", jobID, "error", Redact(err.Error()))
			return
		}
		m.logger.Info("job finished", "job_id", jobID)
	}()
}

// Get returns a snapshot of the job record.
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *snapshotJob(job), nil
}

// Context returns the job's execution context for introspection (shared
// outputs, artifacts, per-step I/O). Safe to read while the job runs:
// accessors synchronize with the scheduler and return copies.
func (m *Manager) Context(jobID string) (*ExecContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.ctxs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return ec, nil
}

// List returns job snapshots matching the filter, newest first. Archived
// jobs are excluded unless requested.
func (m *Manager) List(f JobFilter) []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.Status == StatusArchived && !f.IncludeArchived && f.Status != StatusArchived {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, *snapshotJob(job))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Job{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Pause latches the job's pause flag. Idempotent: pausing a paused job is
// a no-op. Pausing a terminal job fails.
func (m *Manager) Pause(jobID string) error {
	handle, job, err := m.handleFor(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return Errf(KindInvalidInputs, "", "job %s is %s and cannot be paused", jobID, job.Status)
	}
	if handle.Pause() {
		m.SetStatus(jobID, StatusPaused)
		m.bus.Publish(Event{Type: EventRunPaused, JobID: jobID, Timestamp: m.clock.Now()})
	}
	return nil
}

// Resume clears the pause latch. Idempotent on running jobs.
func (m *Manager) Resume(jobID string) error {
	handle, job, err := m.handleFor(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return Errf(KindInvalidInputs, "", "job %s is %s and cannot be resumed", jobID, job.Status)
	}
	if handle.Resume() {
		m.SetStatus(jobID, StatusRunning)
		m.bus.Publish(Event{Type: EventRunResumed, JobID: jobID, Timestamp: m.clock.Now()})
	}
	return nil
}

// Step grants one dispatch credit to a step-mode job. On a job that is
// not in step mode the command acknowledges as a no-op.
func (m *Manager) Step(jobID string) error {
	handle, job, err := m.handleFor(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return Errf(KindInvalidInputs, "", "job %s is %s and cannot be stepped", jobID, job.Status)
	}
	handle.Step()
	return nil
}

// Cancel latches the cancel flag. Idempotent; cancelling a terminal job
// is a no-op.
func (m *Manager) Cancel(jobID string) error {
	handle, job, err := m.handleFor(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	handle.Cancel()
	return nil
}

// Retry restarts a failed job from its most recent resumable checkpoint.
// Steps with output in the restored snapshot are not re-run. Only failed
// jobs are retryable.
func (m *Manager) Retry(jobID string) (Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.Status != StatusFailed {
		m.mu.Unlock()
		return Job{}, Errf(KindInvalidInputs, "", "job %s is %s; only failed jobs can be retried", jobID, job.Status)
	}
	m.mu.Unlock()

	tmpl, err := m.templates.Get(job.WorkflowID)
	if err != nil {
		return Job{}, err
	}

	ec, cpID, err := m.restoreLatest(jobID, job)
	if err != nil {
		return Job{}, err
	}

	handle := NewControlHandle(false)
	m.mu.Lock()
	job.Status = StatusPending
	job.Error = ""
	job.RetryCount++
	job.UpdatedAt = m.clock.Now()
	m.handles[jobID] = handle
	m.ctxs[jobID] = ec
	snap := *snapshotJob(job)
	m.mu.Unlock()

	if cpID != "" {
		m.bus.Publish(Event{Type: EventCheckpointRestored, JobID: jobID, Timestamp: m.clock.Now(), Payload: map[string]any{
			"checkpoint_id": cpID,
		}})
	}
	m.bus.Publish(Event{Type: EventRunQueued, JobID: jobID, Timestamp: m.clock.Now(), Payload: map[string]any{
		"workflow_id": job.WorkflowID,
		"retry":       true,
	}})
	m.launch(jobID, tmpl, ec, handle)
	m.logger.Info("job retried", "job_id", jobID, "checkpoint_id", cpID, "retry_count", snap.RetryCount)
	return snap, nil
}

// restoreLatest loads the newest checkpoint snapshot for a job, falling
// back to a fresh context from the original inputs when none exists.
func (m *Manager) restoreLatest(jobID string, job *Job) (*ExecContext, string, error) {
	if m.scheduler.checkpoints != nil {
		metas, err := m.scheduler.checkpoints.List(jobID)
		if err != nil {
			return nil, "", err
		}
		for i := len(metas) - 1; i >= 0; i-- {
			if !metas[i].Resumable {
				continue
			}
			snap, err := m.scheduler.checkpoints.Restore(metas[i].ID)
			if err != nil {
				return nil, "", err
			}
			ec, err := RestoreSnapshot(snap)
			if err != nil {
				return nil, "", err
			}
			return ec, string(metas[i].ID), nil
		}
	}
	return NewExecContext(job.Inputs, m.tone, m.perf, m.templateConfig), "", nil
}

// Archive hides a terminal job from default listings. Only terminal jobs
// can be archived.
func (m *Manager) Archive(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !job.Status.Terminal() {
		return Errf(KindInvalidInputs, "", "job %s is %s; only terminal jobs can be archived", jobID, job.Status)
	}
	if job.Status == StatusArchived {
		return nil
	}
	job.Metadata = withMeta(job.Metadata, "pre_archive_status", string(job.Status))
	job.Status = StatusArchived
	job.UpdatedAt = m.clock.Now()
	return nil
}

// Unarchive restores an archived job to its pre-archive terminal status.
func (m *Manager) Unarchive(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusArchived {
		return Errf(KindInvalidInputs, "", "job %s is not archived", jobID)
	}
	prev := StatusCompleted
	if v, ok := job.Metadata["pre_archive_status"].(string); ok && JobStatus(v).Valid() {
		prev = JobStatus(v)
	}
	job.Status = prev
	job.UpdatedAt = m.clock.Now()
	return nil
}

// Delete removes a terminal job: its record, handle, context, replay
// ring, and checkpoints.
func (m *Manager) Delete(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if !job.Status.Terminal() {
		m.mu.Unlock()
		return Errf(KindInvalidInputs, "", "job %s is %s; only terminal jobs can be deleted", jobID, job.Status)
	}
	delete(m.jobs, jobID)
	delete(m.handles, jobID)
	delete(m.ctxs, jobID)
	m.mu.Unlock()

	m.bus.RemoveJob(jobID)
	if m.scheduler.checkpoints != nil {
		if err := m.scheduler.checkpoints.Cleanup(jobID, 0); err != nil {
			m.logger.Warn("checkpoint cleanup failed", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Wait blocks until all launched job runs have returned. Used by tests
// and graceful shutdown.
func (m *Manager) Wait() { m.wg.Wait() }

// SetStatus implements JobControlSink.
func (m *Manager) SetStatus(jobID string, status JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	if job.Status.Terminal() {
		return
	}
	// The pause latch wins over the scheduler's running/retrying churn.
	if job.Status == StatusPaused && (status == StatusRunning || status == StatusRetrying) {
		if handle := m.handles[jobID]; handle != nil && handle.Paused() {
			return
		}
	}
	job.Status = status
	job.UpdatedAt = m.clock.Now()
}

// SetProgress implements JobControlSink.
func (m *Manager) SetProgress(jobID string, progress int, currentStep string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	job.Progress = progress
	job.CurrentStep = currentStep
	job.UpdatedAt = m.clock.Now()
}

// SetError implements JobControlSink.
func (m *Manager) SetError(jobID string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	job.Error = msg
	job.UpdatedAt = m.clock.Now()
}

func (m *Manager) handleFor(jobID string) (*ControlHandle, Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, Job{}, ErrJobNotFound
	}
	handle := m.handles[jobID]
	if handle == nil {
		return nil, Job{}, ErrJobNotFound
	}
	return handle, *snapshotJob(job), nil
}

// snapshotJob copies the record so callers never alias manager state.
func snapshotJob(j *Job) *Job {
	out := *j
	out.Metadata = deepCopyMap(j.Metadata)
	out.Inputs = deepCopyMap(j.Inputs)
	return &out
}

func withMeta(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}
