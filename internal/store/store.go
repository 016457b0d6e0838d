// Package store provides a minimal observable state container:
// GetState, SetState(updater), and Subscribe(listener), with every
// mutation funneled through one updater function applied under the
// store's lock.
package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Listener is notified after every SetState call, whether or not the
// updater changed anything, receiving the new state value.
type Listener[S any] func(S)

// Store holds one observable value of type S plus its subscriber set.
type Store[S any] struct {
	mu        sync.RWMutex
	state     S
	listeners *xsync.Map[string, Listener[S]]
}

// New creates a Store seeded with initial.
func New[S any](initial S) *Store[S] {
	return &Store[S]{
		state:     initial,
		listeners: xsync.NewMap[string, Listener[S]](),
	}
}

// GetState returns the current state value.
func (s *Store[S]) GetState() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState applies updater to the current state under the store's lock
// and notifies every subscriber with the resulting value. updater
// receives the current state and returns the next one; it must not block.
func (s *Store[S]) SetState(updater func(S) S) S {
	s.mu.Lock()
	next := updater(s.state)
	s.state = next
	s.mu.Unlock()

	s.listeners.Range(func(_ string, fn Listener[S]) bool {
		fn(next)
		return true
	})
	return next
}

// Subscribe registers fn to be called on every SetState. Calling the
// returned function removes the subscription; safe to call more than
// once.
func (s *Store[S]) Subscribe(fn Listener[S]) (unsubscribe func()) {
	id := uuid.NewString()
	s.listeners.Store(id, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listeners.Delete(id)
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (s *Store[S]) SubscriberCount() int {
	return s.listeners.Size()
}
