package atelier

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const defaultReplayCount = 32

// StreamSession is one observer's live view of a job: a bounded replay of
// recent events followed by the live tail. When the observer falls behind
// its bounded buffer, a STREAM.MISSED marker is synthesized in place of
// the lost events.
type StreamSession struct {
	jobID string
	sub   *Subscription
	out   chan Event
	once  sync.Once
	done  chan struct{}
}

// Events is the session's receive channel: replayed events first, then
// live events. Closed when the job completes or the session is closed.
func (s *StreamSession) Events() <-chan Event { return s.out }

// Close detaches the observer. Idempotent.
func (s *StreamSession) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Close()
	})
}

// AgentStatus is the aggregated live view of one agent across all jobs.
type AgentStatus struct {
	AgentID       string    `json:"agent_id"`
	State         string    `json:"state"` // idle | busy | error
	Executions    int64     `json:"executions"`
	AvgDurationMS int64     `json:"avg_duration_ms"`
	LastExecution time.Time `json:"last_execution,omitempty"`
	ActiveSteps   int       `json:"active_steps"`
}

// StreamGateway fans execution events out to interactive observers and
// keeps the per-agent status board. It observes every job through one
// wildcard bus subscription; observers attach per job.
type StreamGateway struct {
	bus    *Bus
	replay int
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentStats
	feed   *Subscription
	closed bool
}

type agentStats struct {
	active     int
	executions int64
	totalMS    int64
	lastFinish time.Time
	lastError  bool
}

// StreamOption configures a StreamGateway.
type StreamOption func(*StreamGateway)

// WithStreamReplay sets how many recent events a new session replays.
func WithStreamReplay(n int) StreamOption {
	return func(g *StreamGateway) {
		if n > 0 {
			g.replay = n
		}
	}
}

// WithStreamLogger sets the structured logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(g *StreamGateway) { g.logger = l }
}

// WithStreamClock injects a clock for deterministic tests.
func WithStreamClock(c Clock) StreamOption {
	return func(g *StreamGateway) { g.clock = c }
}

// NewStreamGateway creates the gateway and starts its aggregation feed.
func NewStreamGateway(bus *Bus, opts ...StreamOption) *StreamGateway {
	g := &StreamGateway{
		bus:    bus,
		replay: defaultReplayCount,
		clock:  RealClock{},
		logger: nopLogger,
		agents: make(map[string]*agentStats),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.feed = bus.Subscribe("*", "NODE.START", "NODE.OUTPUT", "NODE.ERROR")
	go g.aggregate()
	return g
}

// Close stops the aggregation feed.
func (g *StreamGateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.feed.Close()
}

// Attach opens a session on a job's event stream with optional type
// filters ("NODE.*", "RUN.FINISHED"). Replayed events respect the filters.
// The replay snapshot and the live subscription are taken atomically, so
// no event is delivered twice across the replay/live boundary.
func (g *StreamGateway) Attach(jobID string, filters ...string) *StreamSession {
	recent, sub := g.bus.Attach(jobID, g.replay, filters...)

	s := &StreamSession{
		jobID: jobID,
		sub:   sub,
		out:   make(chan Event, defaultSubscriberBuffer),
		done:  make(chan struct{}),
	}
	go g.pump(s, recent, filters)
	return s
}

// pump forwards replayed then live events, inserting STREAM.MISSED
// markers whenever the underlying subscription dropped events.
func (g *StreamGateway) pump(s *StreamSession, recent []Event, filters []string) {
	defer close(s.out)

	for _, ev := range recent {
		if !ev.Matches(filters) {
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if n := s.sub.Dropped(); n > 0 {
				miss := Event{
					Type:      EventStreamMissed,
					JobID:     s.jobID,
					Timestamp: g.clock.Now(),
					Payload:   map[string]any{"count": float64(n)},
				}
				select {
				case s.out <- miss:
				case <-s.done:
					return
				}
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// aggregate consumes the wildcard feed and maintains per-agent counters.
func (g *StreamGateway) aggregate() {
	for ev := range g.feed.Events() {
		agentID, _ := ev.Payload["agent_id"].(string)
		if agentID == "" {
			continue
		}
		g.mu.Lock()
		st, ok := g.agents[agentID]
		if !ok {
			st = &agentStats{}
			g.agents[agentID] = st
		}
		switch ev.Type {
		case EventNodeStart:
			st.active++
			st.lastError = false
		case EventNodeOutput:
			if st.active > 0 {
				st.active--
			}
			st.executions++
			if d, ok := ev.Payload["duration_ms"].(int64); ok {
				st.totalMS += d
			} else if d, ok := ev.Payload["duration_ms"].(float64); ok {
				st.totalMS += int64(d)
			}
			st.lastFinish = ev.Timestamp
			st.lastError = false
		case EventNodeError:
			if transient, _ := ev.Payload["transient"].(bool); !transient {
				if st.active > 0 {
					st.active--
				}
				st.lastError = true
				st.lastFinish = ev.Timestamp
			}
		}
		g.mu.Unlock()
	}
}

// AgentBoard returns the current per-agent status snapshots, sorted by
// agent id.
func (g *StreamGateway) AgentBoard() []AgentStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AgentStatus, 0, len(g.agents))
	for id, st := range g.agents {
		status := AgentStatus{
			AgentID:       id,
			State:         "idle",
			Executions:    st.executions,
			LastExecution: st.lastFinish,
			ActiveSteps:   st.active,
		}
		if st.executions > 0 {
			status.AvgDurationMS = st.totalMS / st.executions
		}
		if st.active > 0 {
			status.State = "busy"
		} else if st.lastError {
			status.State = "error"
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
