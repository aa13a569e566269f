package atelier

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

const (
	defaultMaxConcurrency = 4
	defaultStepRetries    = 2
	defaultRetryBase      = time.Second
	defaultCancelGrace    = 10 * time.Second
)

// Scheduler executes one job's compiled template: it tracks dependency
// completion, dispatches ready steps up to the concurrency cap, owns all
// writes to the job's execution context, and is the only publisher of the
// job's events, which keeps per-job event order total.
//
// Steps run on their own goroutines but report back through a notes
// channel consumed by the single Run loop.
type Scheduler struct {
	agents      *AgentRegistry
	bus         *Bus
	checkpoints CheckpointStore
	llm         Generator
	vector      VectorStore
	artifacts   ArtifactSink
	sink        JobControlSink

	maxConcurrency int
	maxRetries     int
	retryBase      time.Duration
	cancelGrace    time.Duration

	clock  Clock
	tracer Tracer
	logger *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithConcurrency caps simultaneously running steps per job.
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithStepRetries sets the number of retries after a transient step
// failure and the base backoff between attempts.
func WithStepRetries(n int, base time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithCancelGrace bounds how long a cancelled job waits for in-flight
// steps before the scheduler abandons them.
func WithCancelGrace(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.cancelGrace = d
		}
	}
}

// WithCheckpoints sets the durable checkpoint store. Without one, no
// checkpoints are written and retry-from-checkpoint is unavailable.
func WithCheckpoints(cs CheckpointStore) SchedulerOption {
	return func(s *Scheduler) { s.checkpoints = cs }
}

// WithLLM sets the text-generation gateway handed to step calls.
func WithLLM(g Generator) SchedulerOption {
	return func(s *Scheduler) { s.llm = g }
}

// WithVector sets the vector-store collaborator handed to step calls.
func WithVector(v VectorStore) SchedulerOption {
	return func(s *Scheduler) { s.vector = v }
}

// WithArtifacts sets the artifact sink handed to step calls.
func WithArtifacts(a ArtifactSink) SchedulerOption {
	return func(s *Scheduler) { s.artifacts = a }
}

// WithSink sets the job-state sink (normally the Manager).
func WithSink(js JobControlSink) SchedulerOption {
	return func(s *Scheduler) { s.sink = js }
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerTracer sets the tracer; each step dispatch emits one
// step.run span.
func WithSchedulerTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithSchedulerClock injects a clock for deterministic tests.
func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a Scheduler over an agent catalog and event bus.
func NewScheduler(agents *AgentRegistry, bus *Bus, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		agents:         agents,
		bus:            bus,
		sink:           nopSink{},
		maxConcurrency: defaultMaxConcurrency,
		maxRetries:     defaultStepRetries,
		retryBase:      defaultRetryBase,
		cancelGrace:    defaultCancelGrace,
		clock:          RealClock{},
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// note kinds flowing from step goroutines to the Run loop.
type noteKind int

const (
	noteStdout noteKind = iota
	noteRetry
	noteArtifact
	noteDone
)

type stepNote struct {
	kind    noteKind
	stepID  string
	agentID string

	line    string  // noteStdout
	attempt int     // noteRetry
	name    string  // noteArtifact
	ref     BlobRef // noteArtifact
	err     error   // noteRetry, noteDone

	input      map[string]any // noteDone
	output     map[string]any // noteDone
	startedAt  time.Time
	finishedAt time.Time
}

// runState is the per-Run bookkeeping owned by the loop goroutine.
type runState struct {
	jobID     string
	tmpl      *CompiledTemplate
	ec        *ExecContext
	handle    *ControlHandle
	total     int
	completed map[string]bool
	running   map[string]string // step id -> agent id
	retrying  map[string]bool
	ready     []string // sorted by topo position
	notes     chan stepNote
	loopDone  chan struct{}
}

// Run executes the job to a terminal state and returns nil on completion,
// a Cancelled error on cancellation, or the failing step's error. The
// context's cancellation is treated like a job cancel. A context restored
// from a checkpoint resumes: steps with published output are not re-run.
func (s *Scheduler) Run(ctx context.Context, jobID string, tmpl *CompiledTemplate, ec *ExecContext, handle *ControlHandle) error {
	runCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	st := &runState{
		jobID:     jobID,
		tmpl:      tmpl,
		ec:        ec,
		handle:    handle,
		total:     len(tmpl.TopoOrder()),
		completed: make(map[string]bool),
		running:   make(map[string]string),
		retrying:  make(map[string]bool),
		notes:     make(chan stepNote, 64),
		loopDone:  make(chan struct{}),
	}
	defer close(st.loopDone)

	for _, id := range ec.SharedSteps() {
		if _, ok := tmpl.Step(id); ok {
			st.completed[id] = true
		}
	}
	for _, id := range tmpl.TopoOrder() {
		if !st.completed[id] && s.depsMet(st, id) {
			s.enqueueReady(st, id)
		}
	}
	s.reportProgress(st)

	for len(st.completed) < st.total {
		if handle.Cancelled() || ctx.Err() != nil {
			cancelSteps()
			return s.finishCancelled(st)
		}

		s.dispatchReady(runCtx, st)

		if len(st.running) == 0 {
			if len(st.ready) == 0 {
				// Unreachable for a compiled DAG unless a restore seeded an
				// inconsistent completion set.
				err := Errf(KindInternal, "", "no runnable steps with %d/%d completed", len(st.completed), st.total)
				return s.finishFailed(st, "", err)
			}
			// Blocked on pause or an absent step credit.
			select {
			case <-ctx.Done():
				continue
			case <-handle.Changed():
				continue
			case n := <-st.notes:
				if err := s.handleNote(st, n); err != nil {
					cancelSteps()
					return s.finishFailed(st, n.stepID, err)
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			continue
		case <-handle.Changed():
			continue
		case n := <-st.notes:
			if err := s.handleNote(st, n); err != nil {
				cancelSteps()
				return s.finishFailed(st, n.stepID, err)
			}
		}
	}

	s.publish(Event{Type: EventRunFinished, JobID: jobID, Timestamp: s.clock.Now(), Payload: map[string]any{
		"steps": st.total,
	}})
	s.sink.SetProgress(jobID, 100, "")
	s.sink.SetStatus(jobID, StatusCompleted)
	s.bus.CompleteJob(jobID)
	return nil
}

// depsMet reports whether all of a step's dependencies have completed.
func (s *Scheduler) depsMet(st *runState, id string) bool {
	step, _ := st.tmpl.Step(id)
	for _, dep := range step.DependsOn {
		if !st.completed[dep] {
			return false
		}
	}
	return true
}

// enqueueReady inserts id into the ready queue ordered by topological
// position and announces it.
func (s *Scheduler) enqueueReady(st *runState, id string) {
	pos := st.tmpl.Position(id)
	i := sort.Search(len(st.ready), func(i int) bool {
		return st.tmpl.Position(st.ready[i]) > pos
	})
	st.ready = append(st.ready, "")
	copy(st.ready[i+1:], st.ready[i:])
	st.ready[i] = id
	s.publish(Event{Type: EventRunStepReady, JobID: st.jobID, StepID: id, Timestamp: s.clock.Now()})
}

// dispatchReady starts as many ready steps as the cap, the pause latch,
// and step-mode credits allow, lowest topological position first.
func (s *Scheduler) dispatchReady(ctx context.Context, st *runState) {
	for len(st.ready) > 0 && len(st.running) < s.maxConcurrency && st.handle.canDispatch() {
		if st.handle.StepMode() && !st.handle.takeStepCredit() {
			return
		}
		id := st.ready[0]
		st.ready = st.ready[1:]
		if err := s.dispatch(ctx, st, id); err != nil {
			// Catalog lookups were validated at compile time; a miss here is
			// a registration bug. Report as a synchronous failure note.
			st.running[id] = ""
			go func() {
				select {
				case st.notes <- stepNote{kind: noteDone, stepID: id, err: err}:
				case <-st.loopDone:
				}
			}()
		}
	}
}

// dispatch builds the step's validated input and launches its goroutine.
func (s *Scheduler) dispatch(ctx context.Context, st *runState, id string) error {
	step, _ := st.tmpl.Step(id)
	def, err := s.agents.Get(step.AgentID)
	if err != nil {
		return err
	}
	h, err := s.agents.Handler(step.AgentID)
	if err != nil {
		return err
	}

	input, err := s.buildInput(st, step, def)
	if err != nil {
		return err
	}

	st.running[id] = step.AgentID
	s.publish(Event{Type: EventNodeStart, JobID: st.jobID, StepID: id, Timestamp: s.clock.Now(), Payload: map[string]any{
		"agent_id": step.AgentID,
	}})
	s.reportProgress(st)

	go s.execute(ctx, st, step, def, h, input)
	return nil
}

// buildInput assembles the step's input object: entry inputs first, then
// each dependency's frozen output in topological order, then the step's
// static params, later sources overriding earlier. Each source is
// projected through the agent's input contract, and the merged result is
// validated before dispatch.
func (s *Scheduler) buildInput(st *runState, step StepDef, def AgentDefinition) (map[string]any, error) {
	input := make(map[string]any)
	merge := func(src map[string]any) {
		if def.Input != nil {
			src = def.Input.Project(src)
		}
		for k, v := range src {
			input[k] = v
		}
	}

	merge(st.ec.Inputs())

	deps := append([]string(nil), step.DependsOn...)
	sort.Slice(deps, func(i, j int) bool {
		return st.tmpl.Position(deps[i]) < st.tmpl.Position(deps[j])
	})
	for _, dep := range deps {
		if out, ok := st.ec.Shared(dep); ok {
			merge(out)
		}
	}

	merge(deepCopyMap(step.Params))

	if err := def.Input.Validate(step.ID, input); err != nil {
		return nil, err
	}
	return input, nil
}

// execute runs one step with per-attempt deadlines and bounded retry on
// transient failures. It never touches loop state: everything flows back
// through the notes channel.
func (s *Scheduler) execute(ctx context.Context, st *runState, step StepDef, def AgentDefinition, h Handler, input map[string]any) {
	send := func(n stepNote) {
		select {
		case st.notes <- n:
		case <-st.loopDone:
		}
	}

	call := &Call{
		jobID:     st.jobID,
		stepID:    step.ID,
		agentID:   step.AgentID,
		input:     input,
		llm:       s.llm,
		vector:    s.vector,
		artifacts: s.artifacts,
		emitStdout: func(line string) {
			send(stepNote{kind: noteStdout, stepID: step.ID, agentID: step.AgentID, line: Redact(line)})
		},
		saveArtifact: func(name string, ref BlobRef) {
			send(stepNote{kind: noteArtifact, stepID: step.ID, name: name, ref: ref})
		},
		cancelled: st.handle.Cancelled,
	}

	started := s.clock.Now()
	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "step.run",
			StringAttr("job_id", st.jobID),
			StringAttr("step_id", step.ID),
			StringAttr("agent_id", step.AgentID))
		defer span.End()
	}

	deadline := time.Duration(def.Resources.MaxRuntimeSeconds) * time.Second
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(s.retryBase, attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		output, err := s.runAttempt(ctx, deadline, h, call)
		if err == nil {
			if err = def.Output.Validate(step.ID, output); err == nil {
				if span != nil {
					span.SetAttr(IntAttr("attempts", attempt+1))
				}
				send(stepNote{
					kind: noteDone, stepID: step.ID, agentID: step.AgentID,
					input: input, output: output,
					startedAt: started, finishedAt: s.clock.Now(),
				})
				return
			}
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < s.maxRetries {
			send(stepNote{kind: noteRetry, stepID: step.ID, agentID: step.AgentID, attempt: attempt + 1, err: err})
		}
	}

	if span != nil {
		span.Error(lastErr)
	}
	send(stepNote{
		kind: noteDone, stepID: step.ID, agentID: step.AgentID,
		input: input, err: lastErr,
		startedAt: started, finishedAt: s.clock.Now(),
	})
}

// runAttempt invokes the handler under the agent's runtime deadline.
func (s *Scheduler) runAttempt(ctx context.Context, deadline time.Duration, h Handler, call *Call) (map[string]any, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	output, err := h.Run(ctx, call)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Step: call.stepID, Msg: "step deadline exceeded", Err: err}
		}
		return nil, err
	}
	return output, nil
}

// handleNote applies one step report to loop state. A returned error is
// the step's permanent failure and fails the job.
func (s *Scheduler) handleNote(st *runState, n stepNote) error {
	switch n.kind {
	case noteStdout:
		s.publish(Event{Type: EventNodeStdout, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
			"agent_id": n.agentID,
			"line":     n.line,
		}})
		return nil

	case noteArtifact:
		st.ec.putArtifact(n.name, n.ref)
		return nil

	case noteRetry:
		st.retrying[n.stepID] = true
		s.publish(Event{Type: EventNodeError, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
			"agent_id":  n.agentID,
			"error":     Redact(n.err.Error()),
			"transient": true,
			"attempt":   n.attempt,
		}})
		s.sink.SetStatus(st.jobID, StatusRetrying)
		s.logger.Warn("step retrying",
			"job_id", st.jobID, "step_id", n.stepID, "attempt", n.attempt,
			"error", Redact(n.err.Error()))
		return nil

	case noteDone:
		delete(st.running, n.stepID)
		wasRetrying := st.retrying[n.stepID]
		delete(st.retrying, n.stepID)

		if n.err != nil {
			return n.err
		}

		st.ec.publishShared(n.stepID, n.output)
		st.ec.recordIO(n.stepID, AgentIO{
			Input:      n.input,
			Output:     n.output,
			Status:     "completed",
			DurationMS: n.finishedAt.Sub(n.startedAt).Milliseconds(),
			StartedAt:  n.startedAt,
			FinishedAt: n.finishedAt,
		})
		st.completed[n.stepID] = true

		for _, dep := range st.tmpl.Dependents(n.stepID) {
			s.publish(Event{Type: EventFlowEdge, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
				"from": n.stepID,
				"to":   dep,
			}})
		}
		s.publish(Event{Type: EventNodeOutput, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
			"agent_id":    n.agentID,
			"duration_ms": n.finishedAt.Sub(n.startedAt).Milliseconds(),
		}})

		step, _ := st.tmpl.Step(n.stepID)
		if s.checkpoints != nil && step.CheckpointEnabled() {
			if err := s.writeCheckpoint(st, n.stepID); err != nil {
				return err
			}
		}

		for _, dep := range st.tmpl.Dependents(n.stepID) {
			if !st.completed[dep] && s.depsMet(st, dep) {
				s.enqueueReady(st, dep)
			}
		}

		if wasRetrying && len(st.retrying) == 0 {
			s.sink.SetStatus(st.jobID, StatusRunning)
		}
		s.reportProgress(st)
		return nil
	}
	return nil
}

// writeCheckpoint snapshots the context, persists it, and announces it.
// A checkpoint write failure is fatal to the job: continuing would break
// the promise that every announced boundary is durable.
func (s *Scheduler) writeCheckpoint(st *runState, stepID string) error {
	snap, err := st.ec.Snapshot()
	if err != nil {
		return &Error{Kind: KindInternal, Step: stepID, Msg: "snapshot context", Err: err}
	}
	id, err := s.checkpoints.Write(st.jobID, stepID, st.tmpl.Version, snap)
	if err != nil {
		return &Error{Kind: KindInternal, Step: stepID, Msg: "write checkpoint", Err: err}
	}
	now := s.clock.Now()
	s.publish(Event{Type: EventCheckpointWritten, JobID: st.jobID, StepID: stepID, Timestamp: now, Payload: map[string]any{
		"checkpoint_id": string(id),
		"size":          len(snap),
	}})
	s.publish(Event{Type: EventNodeCheckpoint, JobID: st.jobID, StepID: stepID, Timestamp: now, Payload: map[string]any{
		"checkpoint_id": string(id),
	}})
	return nil
}

// reportProgress pushes completion percentage and the oldest running step
// to the sink.
func (s *Scheduler) reportProgress(st *runState) {
	pct := int(math.Round(100 * float64(len(st.completed)) / float64(st.total)))
	current := ""
	best := -1
	for id := range st.running {
		if p := st.tmpl.Position(id); best == -1 || p < best {
			best = p
			current = id
		}
	}
	s.sink.SetProgress(st.jobID, pct, current)
}

// finishCancelled drains in-flight steps within the grace window and
// publishes the terminal cancel.
func (s *Scheduler) finishCancelled(st *runState) error {
	s.drain(st)
	s.publish(Event{Type: EventRunCancelled, JobID: st.jobID, Timestamp: s.clock.Now(), Payload: map[string]any{
		"completed": len(st.completed),
		"steps":     st.total,
	}})
	s.sink.SetStatus(st.jobID, StatusCancelled)
	s.bus.CompleteJob(st.jobID)
	return Errf(KindCancelled, "", "job cancelled")
}

// finishFailed drains in-flight steps and publishes the terminal failure.
func (s *Scheduler) finishFailed(st *runState, stepID string, cause error) error {
	s.drain(st)
	msg := Redact(cause.Error())
	s.publish(Event{Type: EventNodeError, JobID: st.jobID, StepID: stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
		"error":     msg,
		"transient": false,
	}})
	s.publish(Event{Type: EventRunFailed, JobID: st.jobID, StepID: stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
		"error": msg,
	}})
	s.sink.SetError(st.jobID, msg)
	s.sink.SetStatus(st.jobID, StatusFailed)
	s.bus.CompleteJob(st.jobID)
	return cause
}

// drain consumes in-flight step reports until all running goroutines have
// reported or the grace window expires. Each settling step still emits its
// terminal NODE event, so the trail accounts for every dispatched step
// before the job's terminal event. Step contexts are already cancelled;
// stragglers exit on their own once their deadline or context fires.
func (s *Scheduler) drain(st *runState) {
	if len(st.running) == 0 {
		return
	}
	timer := time.NewTimer(s.cancelGrace)
	defer timer.Stop()
	for len(st.running) > 0 {
		select {
		case n := <-st.notes:
			if n.kind != noteDone {
				continue
			}
			delete(st.running, n.stepID)
			delete(st.retrying, n.stepID)
			if n.err != nil {
				s.publish(Event{Type: EventNodeError, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
					"agent_id":  n.agentID,
					"error":     Redact(n.err.Error()),
					"transient": false,
				}})
				continue
			}
			// The step finished while the job was winding down; its output
			// is still frozen so a later checkpoint restore does not redo it.
			st.ec.publishShared(n.stepID, n.output)
			st.ec.recordIO(n.stepID, AgentIO{
				Input:      n.input,
				Output:     n.output,
				Status:     "completed",
				DurationMS: n.finishedAt.Sub(n.startedAt).Milliseconds(),
				StartedAt:  n.startedAt,
				FinishedAt: n.finishedAt,
			})
			st.completed[n.stepID] = true
			s.publish(Event{Type: EventNodeOutput, JobID: st.jobID, StepID: n.stepID, Timestamp: s.clock.Now(), Payload: map[string]any{
				"agent_id":    n.agentID,
				"duration_ms": n.finishedAt.Sub(n.startedAt).Milliseconds(),
			}})
		case <-timer.C:
			s.logger.Warn("abandoning in-flight steps after grace period",
				"job_id", st.jobID, "remaining", len(st.running))
			return
		}
	}
}

func (s *Scheduler) publish(ev Event) {
	s.bus.Publish(ev)
}
