package vm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Cooperative interrupts
// ---------------------------------------------------------------------------
//
// The scheduler hosting an interpreter injects interrupts through an atomic
// flag. The dispatch loop polls the flag at instruction boundaries, clears
// it, unwinds its frames and returns an InterruptError. Nothing is ever
// terminated mid-instruction.

// InterruptReason says why execution was preempted.
type InterruptReason int32

const (
	InterruptNone InterruptReason = iota
	InterruptTimeout
	InterruptBreakpoint
	InterruptStackOverflow
	InterruptMemoryViolation
)

func (r InterruptReason) String() string {
	switch r {
	case InterruptNone:
		return "none"
	case InterruptTimeout:
		return "timeout"
	case InterruptBreakpoint:
		return "breakpoint"
	case InterruptStackOverflow:
		return "stack overflow"
	case InterruptMemoryViolation:
		return "memory violation"
	}
	return "unknown"
}

// InterruptError is returned by Interpreter.Call when execution was
// preempted rather than completed.
type InterruptError struct {
	Reason InterruptReason
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("vm: interrupted: %s", e.Reason)
}

// InterruptHandler is the flag shared between an interpreter and its host.
// Set may be called from any goroutine; Poll is called only by the owning
// interpreter.
type InterruptHandler struct {
	reason atomic.Int32
}

// NewInterruptHandler creates a clear handler.
func NewInterruptHandler() *InterruptHandler { return &InterruptHandler{} }

// Set requests an interrupt. A later Set overwrites an undelivered earlier
// one.
func (h *InterruptHandler) Set(r InterruptReason) { h.reason.Store(int32(r)) }

// Pending reports whether an interrupt is waiting.
func (h *InterruptHandler) Pending() bool {
	return h.reason.Load() != int32(InterruptNone)
}

// Poll atomically takes and clears the pending interrupt, if any.
func (h *InterruptHandler) Poll() (InterruptReason, bool) {
	r := h.reason.Swap(int32(InterruptNone))
	return InterruptReason(r), r != int32(InterruptNone)
}

// WatchContext arms the handler with a timeout interrupt when ctx is
// cancelled. The returned stop function releases the watcher.
func (h *InterruptHandler) WatchContext(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Set(InterruptTimeout)
		case <-done:
		}
	}()
	return func() { close(done) }
}
