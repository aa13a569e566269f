package atelier

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultSubscriberBuffer = 256
	defaultReplayRing       = 64
)

// Bus is the in-process event dispatcher, keyed by job id. Publishing
// never blocks: each subscriber owns a bounded queue and slow subscribers
// lose their oldest events, counted per subscription.
//
// Events for one job are delivered to any single subscriber in
// publication order. No cross-job ordering is promised.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	rings   map[string]*eventRing
	done    map[string]bool
	bufSize int
	ring    int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusBuffer sets the per-subscriber queue size (default 256,
// overridable at runtime via EVENT_BUFFER).
func WithBusBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithBusReplay sets the per-job replay ring size for late joiners.
func WithBusReplay(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.ring = n
		}
	}
}

// WithBusLogger sets the structured logger for drop diagnostics.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[string][]*Subscription),
		rings:   make(map[string]*eventRing),
		done:    make(map[string]bool),
		bufSize: defaultSubscriberBuffer,
		ring:    defaultReplayRing,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's bounded view of a job's event stream.
type Subscription struct {
	id      string
	jobID   string
	filters []string
	ch      chan Event
	dropped atomic.Uint64
	closed  sync.Once
	bus     *Bus
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events is the receive channel. It is closed when the subscription is
// torn down; buffered events remain readable after close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of events lost to this subscriber's bounded
// buffer since the last call, resetting the counter.
func (s *Subscription) Dropped() uint64 { return s.dropped.Swap(0) }

// Close tears down the subscription. Idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.closed.Do(func() { close(s.ch) })
}

// Subscribe registers a consumer for a job's events, optionally filtered
// by exact types or prefixes ("NODE.*"). Pass jobID "*" to observe all
// jobs (used by the stream gateway's aggregator).
func (b *Bus) Subscribe(jobID string, filters ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.newSubscription(jobID, filters)
	b.subs[jobID] = append(b.subs[jobID], s)
	return s
}

// Attach snapshots the job's replay ring and registers a new subscription
// under one lock, so an event published around the attach lands in the
// snapshot or the subscription, never both. Attaching to a completed job
// returns the snapshot with an already-closed subscription.
func (b *Bus) Attach(jobID string, n int, filters ...string) ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var recent []Event
	if ring, ok := b.rings[jobID]; ok {
		recent = ring.recent(n)
	}
	s := b.newSubscription(jobID, filters)
	if b.done[jobID] {
		s.closed.Do(func() { close(s.ch) })
		return recent, s
	}
	b.subs[jobID] = append(b.subs[jobID], s)
	return recent, s
}

// newSubscription builds a subscription. Called with b.mu held.
func (b *Bus) newSubscription(jobID string, filters []string) *Subscription {
	return &Subscription{
		id:      NewID(),
		jobID:   jobID,
		filters: filters,
		ch:      make(chan Event, b.bufSize),
		bus:     b,
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.jobID]
	for i, x := range list {
		if x == s {
			b.subs[s.jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.jobID]) == 0 {
		delete(b.subs, s.jobID)
	}
}

// Publish delivers an event to the job's subscribers and the wildcard
// subscribers, and appends it to the job's replay ring. Never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.rings[ev.JobID]
	if !ok {
		ring = newEventRing(b.ring)
		b.rings[ev.JobID] = ring
	}
	ring.push(ev)

	for _, s := range b.subs[ev.JobID] {
		b.deliver(s, ev)
	}
	for _, s := range b.subs["*"] {
		b.deliver(s, ev)
	}
}

// deliver enqueues ev for one subscriber, evicting its oldest event when
// the queue is full. Called with b.mu held, which serializes all sends.
func (b *Bus) deliver(s *Subscription, ev Event) {
	if !ev.Matches(s.filters) {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: evict the oldest, then retry once.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		b.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		b.dropped.Add(1)
		b.logger.Warn("event dropped", "job_id", ev.JobID, "type", ev.Type, "subscription", s.id)
	}
}

// Recent returns up to n of the most recent events for a job, oldest
// first, from the replay ring.
func (b *Bus) Recent(jobID string, n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[jobID]
	if !ok {
		return nil
	}
	return ring.recent(n)
}

// CompleteJob marks a job terminal: its subscriptions are closed (buffered
// events remain readable until drained). The replay ring is retained for
// late reads until RemoveJob.
func (b *Bus) CompleteJob(jobID string) {
	b.mu.Lock()
	list := b.subs[jobID]
	delete(b.subs, jobID)
	b.done[jobID] = true
	b.mu.Unlock()
	for _, s := range list {
		s.closed.Do(func() { close(s.ch) })
	}
}

// RemoveJob discards a job's replay ring. Called on job delete.
func (b *Bus) RemoveJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, jobID)
	delete(b.done, jobID)
}

// TotalDropped returns the process-wide count of dropped events.
func (b *Bus) TotalDropped() uint64 { return b.dropped.Load() }

// eventRing is a fixed-size ring of the most recent events for one job.
type eventRing struct {
	buf   []Event
	next  int
	count int
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]Event, size)}
}

func (r *eventRing) push(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *eventRing) recent(n int) []Event {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Event, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
