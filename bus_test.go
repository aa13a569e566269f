package atelier

import (
	"testing"
	"time"
)

func busEvent(jobID string, typ EventType) Event {
	return Event{Type: typ, JobID: jobID, Timestamp: time.Now()}
}

func TestBusDeliveryOrder(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	types := []EventType{EventRunQueued, EventRunStarted, EventNodeStart, EventNodeOutput, EventRunFinished}
	for _, typ := range types {
		b.Publish(busEvent("job-1", typ))
	}

	for i, want := range types {
		got := <-sub.Events()
		if got.Type != want {
			t.Errorf("event[%d] = %s, want %s", i, got.Type, want)
		}
	}
}

func TestBusAttachSnapshotAndLive(t *testing.T) {
	b := NewBus()
	b.Publish(busEvent("job-1", EventNodeStart))
	b.Publish(busEvent("job-1", EventNodeOutput))

	recent, sub := b.Attach("job-1", 8)
	defer sub.Close()
	if len(recent) != 2 {
		t.Fatalf("recent = %d events, want 2", len(recent))
	}
	b.Publish(busEvent("job-1", EventRunFinished))

	ev := <-sub.Events()
	if ev.Type != EventRunFinished {
		t.Errorf("live event = %s, want only the post-attach event", ev.Type)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("event %s delivered in both snapshot and subscription", ev.Type)
	default:
	}

	recent, ghost := b.Attach("ghost", 8)
	defer ghost.Close()
	if recent != nil {
		t.Errorf("recent for unknown job = %v, want nil", recent)
	}
}

func TestBusAttachCompletedJob(t *testing.T) {
	b := NewBus()
	b.Publish(busEvent("job-1", EventRunFinished))
	b.CompleteJob("job-1")

	recent, sub := b.Attach("job-1", 8)
	if len(recent) != 1 {
		t.Errorf("recent = %d events, want 1", len(recent))
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription on a completed job was not closed")
	}
}

func TestBusFilters(t *testing.T) {
	b := NewBus()
	exact := b.Subscribe("job-1", "RUN.FINISHED")
	prefix := b.Subscribe("job-1", "NODE.*")
	defer exact.Close()
	defer prefix.Close()

	b.Publish(busEvent("job-1", EventNodeStart))
	b.Publish(busEvent("job-1", EventNodeOutput))
	b.Publish(busEvent("job-1", EventRunFinished))

	if got := <-exact.Events(); got.Type != EventRunFinished {
		t.Errorf("exact filter got %s, want RUN.FINISHED", got.Type)
	}
	if got := <-prefix.Events(); got.Type != EventNodeStart {
		t.Errorf("prefix filter got %s, want NODE.START", got.Type)
	}
	if got := <-prefix.Events(); got.Type != EventNodeOutput {
		t.Errorf("prefix filter got %s, want NODE.OUTPUT", got.Type)
	}
	select {
	case ev := <-prefix.Events():
		t.Errorf("prefix filter leaked %s", ev.Type)
	default:
	}
}

func TestBusWildcardSubscriber(t *testing.T) {
	b := NewBus()
	all := b.Subscribe("*")
	defer all.Close()

	b.Publish(busEvent("job-1", EventNodeStart))
	b.Publish(busEvent("job-2", EventNodeStart))

	first := <-all.Events()
	second := <-all.Events()
	if first.JobID == second.JobID {
		t.Errorf("wildcard got %s and %s, want both jobs", first.JobID, second.JobID)
	}
}

func TestBusDropOldestWhenFull(t *testing.T) {
	b := NewBus(WithBusBuffer(2))
	sub := b.Subscribe("job-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventNodeStdout, JobID: "job-1", Payload: map[string]any{"n": i}})
	}

	// Two newest survive; three oldest were evicted and counted.
	first := <-sub.Events()
	if first.Payload["n"] != 3 {
		t.Errorf("surviving event n = %v, want 3", first.Payload["n"])
	}
	second := <-sub.Events()
	if second.Payload["n"] != 4 {
		t.Errorf("surviving event n = %v, want 4", second.Payload["n"])
	}
	if n := sub.Dropped(); n != 3 {
		t.Errorf("Dropped() = %d, want 3", n)
	}
	// The counter resets on read.
	if n := sub.Dropped(); n != 0 {
		t.Errorf("Dropped() after reset = %d, want 0", n)
	}
	if n := b.TotalDropped(); n != 3 {
		t.Errorf("TotalDropped() = %d, want 3", n)
	}
}

func TestBusReplayRing(t *testing.T) {
	b := NewBus(WithBusReplay(3))
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventNodeStdout, JobID: "job-1", Payload: map[string]any{"n": i}})
	}

	recent := b.Recent("job-1", 10)
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d events, want 3", len(recent))
	}
	for i, want := range []int{2, 3, 4} {
		if recent[i].Payload["n"] != want {
			t.Errorf("Recent()[%d] n = %v, want %d", i, recent[i].Payload["n"], want)
		}
	}

	if got := b.Recent("job-1", 2); len(got) != 2 || got[1].Payload["n"] != 4 {
		t.Errorf("Recent(2) = %v, want the two newest", got)
	}
	if got := b.Recent("unknown", 5); got != nil {
		t.Errorf("Recent(unknown) = %v, want nil", got)
	}
}

func TestBusCompleteJobClosesSubscriptions(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("job-1")

	b.Publish(busEvent("job-1", EventRunFinished))
	b.CompleteJob("job-1")

	// Buffered events stay readable after close.
	ev, ok := <-sub.Events()
	if !ok || ev.Type != EventRunFinished {
		t.Fatalf("buffered read = %v, %v; want RUN.FINISHED, true", ev, ok)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after CompleteJob")
	}

	// The replay ring survives completion until RemoveJob.
	if got := b.Recent("job-1", 1); len(got) != 1 {
		t.Errorf("Recent after complete = %v, want 1 event", got)
	}
	b.RemoveJob("job-1")
	if got := b.Recent("job-1", 1); got != nil {
		t.Errorf("Recent after remove = %v, want nil", got)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("job-1")
	sub.Close()
	sub.Close()
	b.CompleteJob("job-1") // must not double-close
}

func TestEventMatches(t *testing.T) {
	ev := Event{Type: EventNodeOutput}
	cases := []struct {
		filters []string
		want    bool
	}{
		{nil, true},
		{[]string{"NODE.OUTPUT"}, true},
		{[]string{"NODE.*"}, true},
		{[]string{"RUN.*"}, false},
		{[]string{"RUN.*", "NODE.OUTPUT"}, true},
		{[]string{"NODE.OUT"}, false},
	}
	for _, tc := range cases {
		if got := ev.Matches(tc.filters); got != tc.want {
			t.Errorf("Matches(%v) = %v, want %v", tc.filters, got, tc.want)
		}
	}
}
