// Package scheduler drives the timing half of the query engine: the
// single shared refetch/retry timer slot per store, and a cron-driven
// background prune sweep across every registered store.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/resinat/queryengine/internal/clock"
)

// Slot is the single timer a query store uses for both scheduled
// refetches and retry backoffs. Starting one cancels any pending the
// other; only one can be meaningful at a time.
type Slot struct {
	clk   clock.Clock
	timer clock.Timer
}

// NewSlot creates an empty timer slot using clk (pass clock.Real{} in
// production, a clock.Fake in tests).
func NewSlot(clk clock.Clock) *Slot {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Slot{clk: clk}
}

// Schedule cancels any pending timer and arms a new one to fire fn
// after d. d <= 0 cancels without rearming: a disabled refetch interval
// or exhausted retries leaves nothing scheduled.
func (s *Slot) Schedule(d time.Duration, fn func()) {
	s.Cancel()
	if d <= 0 || fn == nil {
		return
	}
	s.timer = s.clk.AfterFunc(d, fn)
}

// Cancel stops any pending timer. Safe to call when nothing is armed.
func (s *Slot) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// RetryDelay computes the retry backoff: the user-supplied function of
// the current retry count when one is configured, else an exponential
// backoff capped at 30s with up to 20% jitter.
func RetryDelay(retryDelay func(attempt int, err error) time.Duration, attempt int, err error) time.Duration {
	if retryDelay != nil {
		return retryDelay(attempt, err)
	}
	return defaultRetryDelay(attempt)
}

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
)

func defaultRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := defaultBaseDelay << uint(attempt-1)
	if d <= 0 || d > defaultMaxDelay {
		d = defaultMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) // up to 20%
	return d + jitter
}

// DueAt computes the instant a scheduled refetch should fire, given the
// last meaningful timestamp and a refetch interval. A non-positive
// interval means never due (zero Time).
func DueAt(last time.Time, interval time.Duration) time.Time {
	if interval <= 0 || last.IsZero() {
		return time.Time{}
	}
	return last.Add(interval)
}
