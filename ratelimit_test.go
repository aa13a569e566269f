package atelier

import (
	"context"
	"testing"
	"time"
)

func TestTPMWindowUnderBudget(t *testing.T) {
	w := newTPMWindow(1000, newFakeClock())
	if err := w.wait(context.Background()); err != nil {
		t.Errorf("wait() under budget = %v", err)
	}
	w.record(500)
	if err := w.wait(context.Background()); err != nil {
		t.Errorf("wait() at half budget = %v", err)
	}
}

func TestTPMWindowBlocksWhenExceeded(t *testing.T) {
	clock := newFakeClock()
	w := newTPMWindow(100, clock)
	w.record(100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.wait(ctx); err == nil {
		t.Error("wait() over budget with cancelled ctx = nil, want ctx error")
	}
}

func TestTPMWindowSlides(t *testing.T) {
	clock := newFakeClock()
	w := newTPMWindow(100, clock)
	w.record(100)

	// After the window slides past the old entry the budget frees up.
	clock.Advance(61 * time.Second)
	if err := w.wait(context.Background()); err != nil {
		t.Errorf("wait() after window slide = %v", err)
	}
}

func TestTPMWindowDisabled(t *testing.T) {
	var w *tpmWindow
	if err := w.wait(context.Background()); err != nil {
		t.Errorf("nil window wait() = %v", err)
	}
	w = newTPMWindow(0, nil)
	w.record(9999)
	if err := w.wait(context.Background()); err != nil {
		t.Errorf("zero-limit window wait() = %v", err)
	}
}
