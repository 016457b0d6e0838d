// Package subs tracks one query store's subscriber count and enabled
// flag, emitting the lifecycle events the coordinator fetches on, plus a
// generation counter used as a stale-guard for in-flight results.
package subs

import (
	"sync"
	"sync/atomic"
	"time"
)

// throttleWindow bounds how close together two subscriptions may land
// before the second is flagged as throttle-worthy.
const throttleWindow = 500 * time.Millisecond

// Events are the subscription lifecycle notifications. All are optional;
// a nil callback is simply not invoked.
type Events struct {
	OnFirstSubscribe  func()
	OnSubscribe       func(isFirst, shouldThrottle bool)
	OnLastUnsubscribe func()
}

// Manager tracks one key's {subscriptionCount, enabled} pair and the
// generation counter the fetch coordinator uses to discard superseded
// in-flight results.
type Manager struct {
	mu      sync.Mutex
	count   int
	enabled bool

	lastSubscribeAt time.Time
	events          Events

	generation atomic.Int64
}

// New creates a Manager with the given initial enabled state.
func New(enabled bool, events Events) *Manager {
	return &Manager{enabled: enabled, events: events}
}

// Subscribe increments the subscriber count and returns a
// decrement-on-release handle. Fires OnFirstSubscribe on a 0→1
// transition, else OnSubscribe(isFirst=false, shouldThrottle).
func (m *Manager) Subscribe() (release func()) {
	m.mu.Lock()
	m.count++
	isFirst := m.count == 1
	enabled := m.enabled
	now := time.Now()
	shouldThrottle := !isFirst && !m.lastSubscribeAt.IsZero() && now.Sub(m.lastSubscribeAt) < throttleWindow
	m.lastSubscribeAt = now
	events := m.events
	m.mu.Unlock()

	if isFirst {
		// A disabled manager stays quiet; SetEnabled(true) fires the
		// equivalent event once the engine may fetch again.
		if enabled && events.OnFirstSubscribe != nil {
			events.OnFirstSubscribe()
		}
	} else if events.OnSubscribe != nil {
		events.OnSubscribe(false, shouldThrottle)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.count--
			droppedToZero := m.count == 0
			ev := m.events
			m.mu.Unlock()
			if droppedToZero && ev.OnLastUnsubscribe != nil {
				ev.OnLastUnsubscribe()
			}
		})
	}
}

// Count returns the current subscriber count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Enabled returns the current enabled flag.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled stores v. On a false-to-true transition with at least one
// subscriber it fires the same event as a first subscription. A
// true-to-false transition emits nothing; the coordinator observes
// Enabled() directly to hard-stop.
func (m *Manager) SetEnabled(v bool) {
	m.mu.Lock()
	was := m.enabled
	m.enabled = v
	hasSubs := m.count > 0
	events := m.events
	m.mu.Unlock()

	if !was && v && hasSubs && events.OnFirstSubscribe != nil {
		events.OnFirstSubscribe()
	}
}

// NextGeneration advances and returns the current generation. Every
// in-flight attempt stamped with an earlier generation stops being
// current; the coordinator calls it on a hard stop (reset, disable, last
// unsubscribe), while new attempts stamp Generation() unchanged.
func (m *Manager) NextGeneration() int64 {
	return m.generation.Add(1)
}

// Generation returns the current generation without advancing it.
func (m *Manager) Generation() int64 {
	return m.generation.Load()
}

// IsCurrent reports whether gen is still the most recent generation; a
// fetch result whose generation is stale arrived after a hard stop and
// must not commit.
func (m *Manager) IsCurrent(gen int64) bool {
	return m.generation.Load() == gen
}
