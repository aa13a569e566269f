package atelier

import (
	"context"
	"sync"
	"time"
)

// tpmWindow enforces a soft tokens-per-minute budget with a sliding
// window of (timestamp, tokenCount) pairs. The request that exceeds the
// budget completes; subsequent requests block until the window slides.
type tpmWindow struct {
	mu     sync.Mutex
	limit  int
	window []tpmEntry
	clock  Clock
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

func newTPMWindow(limit int, clock Clock) *tpmWindow {
	if clock == nil {
		clock = RealClock{}
	}
	return &tpmWindow{limit: limit, clock: clock}
}

// wait blocks until the token budget allows a request. Returns ctx.Err()
// if the context is cancelled while waiting. A zero or negative limit
// disables the window.
func (w *tpmWindow) wait(ctx context.Context) error {
	if w == nil || w.limit <= 0 {
		return nil
	}
	for {
		w.mu.Lock()
		now := w.clock.Now()
		cutoff := now.Add(-time.Minute)
		w.window = pruneTPM(w.window, cutoff)

		var total int
		for _, e := range w.window {
			total += e.tokens
		}
		if total < w.limit {
			w.mu.Unlock()
			return nil
		}

		wait := w.window[0].at.Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		w.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// record adds a completed request's token count to the window.
func (w *tpmWindow) record(tokens int) {
	if w == nil || w.limit <= 0 || tokens <= 0 {
		return
	}
	w.mu.Lock()
	w.window = append(w.window, tpmEntry{at: w.clock.Now(), tokens: tokens})
	w.mu.Unlock()
}

// pruneTPM removes entries older than cutoff from a sorted slice.
func pruneTPM(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}
