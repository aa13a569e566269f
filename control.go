package atelier

import (
	"context"
	"sync"
)

// RunHandle is the per-job control surface the scheduler returns and the
// job manager holds. Commands are latches, not interrupts: the scheduler
// observes them at its yield points.
type RunHandle interface {
	// Pause latches the pause flag. Returns true if the state changed.
	Pause() bool
	// Resume clears the pause latch. Returns true if the state changed.
	Resume() bool
	// Step grants one dispatch credit when step mode is enabled. Returns
	// false (a no-op) when step mode is off.
	Step() bool
	// Cancel latches the cancel flag. Idempotent; returns true the first time.
	Cancel() bool
	// Cancelled reports whether cancel has been latched.
	Cancelled() bool
	// Paused reports whether pause is latched.
	Paused() bool
}

// ControlHandle implements RunHandle with a broadcast channel that is
// replaced on every state change, letting the scheduler select on control
// transitions alongside step completions.
type ControlHandle struct {
	mu          sync.Mutex
	paused      bool
	cancelled   bool
	stepMode    bool
	stepCredits int
	changed     chan struct{}
}

var _ RunHandle = (*ControlHandle)(nil)

// NewControlHandle creates a handle. With stepMode, the scheduler latches
// after every NODE.OUTPUT until Step grants one further dispatch.
func NewControlHandle(stepMode bool) *ControlHandle {
	return &ControlHandle{
		stepMode: stepMode,
		changed:  make(chan struct{}),
	}
}

// broadcast wakes all waiters. Callers hold h.mu.
func (h *ControlHandle) broadcast() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// Changed returns a channel closed on the next state transition.
func (h *ControlHandle) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Pause implements RunHandle. Idempotent.
func (h *ControlHandle) Pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.cancelled {
		return false
	}
	h.paused = true
	h.broadcast()
	return true
}

// Resume implements RunHandle. Idempotent.
func (h *ControlHandle) Resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused || h.cancelled {
		return false
	}
	h.paused = false
	h.broadcast()
	return true
}

// Step implements RunHandle. Grants exactly one dispatch credit; not
// stackable beyond one pending credit.
func (h *ControlHandle) Step() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stepMode || h.cancelled {
		return false
	}
	if h.stepCredits == 0 {
		h.stepCredits = 1
		h.broadcast()
	}
	return true
}

// Cancel implements RunHandle. Idempotent; also clears pause so the
// scheduler can proceed to drain.
func (h *ControlHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	h.paused = false
	h.broadcast()
	return true
}

// Cancelled implements RunHandle.
func (h *ControlHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Paused implements RunHandle.
func (h *ControlHandle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// StepMode reports whether the handle was created in step mode.
func (h *ControlHandle) StepMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepMode
}

// takeStepCredit consumes one pending dispatch credit. Returns false when
// none is available.
func (h *ControlHandle) takeStepCredit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stepCredits > 0 {
		h.stepCredits--
		return true
	}
	return false
}

// canDispatch reports whether the scheduler may start a new step right
// now: not paused, not cancelled, and in step mode only with a credit
// available (the credit is not consumed here).
func (h *ControlHandle) canDispatch() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.cancelled {
		return false
	}
	if h.stepMode && h.stepCredits == 0 {
		return false
	}
	return true
}

// awaitChange blocks until the handle's state changes or ctx is done.
func (h *ControlHandle) awaitChange(ctx context.Context) error {
	ch := h.Changed()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
