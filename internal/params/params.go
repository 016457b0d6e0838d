// Package params binds static and reactive parameter sources into a
// resolved map, subscribes to each reactive cell, and suppresses
// deep-equal no-op notifications. Subscriptions live in an explicit
// registry of unsubscribe handles so teardown is a single loop.
package params

import (
	"reflect"

	"github.com/resinat/queryengine/internal/querykey"
	"github.com/resinat/queryengine/internal/signal"
)

// Source is one configured parameter: either a static value (Reactive
// nil) or a reactive cell factory invoked once at construction.
type Source struct {
	// Static holds the value directly when Reactive is nil.
	Static any
	// Reactive, when non-nil, is invoked exactly once to obtain the
	// AttachValue this parameter tracks.
	Reactive func() signal.AttachValue[any]
}

// Resolver binds a fixed set of named Sources into a live parameter map
// and notifies onChange whenever a reactive source's value actually
// changes (deep-equal updates are swallowed).
type Resolver struct {
	current       map[string]any
	unsubscribers []func()
	onChange      func(map[string]any)
	lastSeen      map[string]any
	lastFP        map[string]uint64
}

// NewResolver binds sources into an initial resolved parameter map and
// subscribes to every reactive source. onChange is invoked (with the
// newly resolved map) on every subsequent non-suppressed reactive
// update.
func NewResolver(sources map[string]Source, onChange func(map[string]any)) *Resolver {
	r := &Resolver{
		current:  make(map[string]any, len(sources)),
		onChange: onChange,
		lastSeen: make(map[string]any, len(sources)),
		lastFP:   make(map[string]uint64, len(sources)),
	}

	for name, src := range sources {
		if src.Reactive == nil {
			r.current[name] = src.Static
			continue
		}
		cell := src.Reactive()
		initial := cell.Value()
		r.current[name] = initial
		r.lastSeen[name] = initial
		if fp, ok := querykey.Fingerprint(initial); ok {
			r.lastFP[name] = fp
		}

		name := name // capture
		unsub := cell.Subscribe(func(v any) {
			r.handleReactiveUpdate(name, v)
		})
		r.unsubscribers = append(r.unsubscribers, unsub)
	}

	return r
}

// handleReactiveUpdate applies the deep-equal suppression rule and, if
// the value actually changed, updates the resolved map and fires
// onChange.
func (r *Resolver) handleReactiveUpdate(name string, v any) {
	prev, hadPrev := r.lastSeen[name]

	if hadPrev {
		// Fingerprint is a fast-reject pre-check only: a mismatch proves
		// inequality and skips the expensive DeepEqual, but a match is
		// not proof of equality (hash collisions exist), so DeepEqual
		// still runs in that case.
		if fp, ok := querykey.Fingerprint(v); ok {
			if prevFP, hasFP := r.lastFP[name]; hasFP && fp == prevFP && reflect.DeepEqual(prev, v) {
				return
			}
			r.lastFP[name] = fp
		} else if reflect.DeepEqual(prev, v) {
			return
		}
	}

	r.lastSeen[name] = v
	r.current[name] = v

	if r.onChange != nil {
		r.onChange(r.Resolved())
	}
}

// Resolved returns a snapshot copy of the current parameter map.
func (r *Resolver) Resolved() map[string]any {
	out := make(map[string]any, len(r.current))
	for k, v := range r.current {
		out[k] = v
	}
	return out
}

// Close unsubscribes from every reactive source. Idempotent per-source
// (each Cell.Subscribe handle already guards against double-release).
func (r *Resolver) Close() {
	for _, unsub := range r.unsubscribers {
		unsub()
	}
	r.unsubscribers = nil
}

// EnabledSource is the engine's enabled configuration: it follows the
// same static-or-reactive rule as a regular parameter but writes
// straight into the store's enabled flag instead of the parameter map.
type EnabledSource struct {
	Static   bool
	Reactive func() signal.AttachValue[bool]
}

// ResolveEnabled binds an EnabledSource and calls onChange with every
// subsequent reactive value. It returns the initial value and an
// unsubscribe function (nil for a static source).
func ResolveEnabled(src EnabledSource, onChange func(bool)) (initial bool, unsubscribe func()) {
	if src.Reactive == nil {
		return src.Static, nil
	}
	cell := src.Reactive()
	initial = cell.Value()
	unsub := cell.Subscribe(func(v bool) {
		if onChange != nil {
			onChange(v)
		}
	})
	return initial, unsub
}
