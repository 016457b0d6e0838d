// Package abort provides the one-shot cancellation token the fetch
// coordinator hands to a fetcher, built on context.Context so callers can
// plumb it straight into HTTP requests and drivers.
package abort

import (
	"context"
	"errors"
)

// ErrAborted is the cancellation cause set by Abort. The fetch
// coordinator treats it, and any error satisfying errors.Is(err,
// context.Canceled), as a no-op completion: no state change, no retry
// counter increment, no log.
var ErrAborted = errors.New("abort: fetch interrupted")

// Handle is a single-use cancellation token passed to a fetcher alongside
// its context. Calling Abort is safe to call more than once and from any
// goroutine; only the first call has an effect.
type Handle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New creates a Handle derived from parent. The caller must eventually
// call Abort (directly, or indirectly via a deadline on parent) to
// release the associated context resources.
func New(parent context.Context) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context returns the context to pass to the fetcher.
func (h *Handle) Context() context.Context { return h.ctx }

// Abort cancels the handle with ErrAborted as the cause.
func (h *Handle) Abort() { h.cancel(ErrAborted) }

// Done reports whether the handle has already been aborted (or its
// parent context ended).
func (h *Handle) Done() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// IsAbort reports whether err represents a cooperative abort rather than
// a genuine fetcher failure: either the sentinel ErrAborted, or the
// standard library's context.Canceled/context.DeadlineExceeded, or any
// error wrapping one of those (native "AbortError" equivalents).
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
