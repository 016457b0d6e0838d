// Package coordinator drives one query's fetch lifecycle: in-flight
// dedup, fresh-cache short-circuit, abort on param change, transform,
// setData, cache write plus prune, scheduling the next refetch, and the
// retry path on failure. The fetcher runs outside any lock; its result
// is applied under a narrow one and discarded when superseded.
package coordinator

import (
	"time"

	"github.com/resinat/queryengine/internal/cache"
)

// Status is the lifecycle state of the last fetch for the current key.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is the observable store state, generic over the transformed
// data type D.
type State[D any] struct {
	Enabled       bool
	QueryKey      string
	Status        Status
	Error         error
	LastFetchedAt time.Time // used only when caching is disabled
	QueryCache    *cache.Table[D]
}

// StatusView is the derived read-only view GetStatus returns.
type StatusView struct {
	IsError          bool
	IsFetching       bool
	IsIdle           bool
	IsInitialLoading bool
	IsSuccess        bool
}

// DeriveStatus computes the status view from raw state. A load counts
// as initial only when the current key has never fetched successfully:
// lastFetchedAt lives in the cache entry when caching is enabled, and
// in State.LastFetchedAt otherwise.
func DeriveStatus[D any](s State[D]) StatusView {
	lastFetchedAt := s.LastFetchedAt
	if s.QueryCache != nil {
		if entry, ok := s.QueryCache.Get(s.QueryKey); ok {
			lastFetchedAt = entry.LastFetchedAt
		} else {
			lastFetchedAt = time.Time{}
		}
	}
	return StatusView{
		IsError:          s.Status == StatusError,
		IsFetching:       s.Status == StatusLoading,
		IsIdle:           s.Status == StatusIdle,
		IsInitialLoading: s.Status == StatusLoading && lastFetchedAt.IsZero(),
		IsSuccess:        s.Status == StatusSuccess,
	}
}

// NewState returns the default state for a freshly constructed or
// reset engine: idle, with the given enabled flag, keyed on initialKey,
// with a cache table
// when caching is enabled (maxEntries <= 0 uses the table's default).
func NewState[D any](initialKey string, enabled bool, cachingEnabled bool, maxEntries int) State[D] {
	s := State[D]{Enabled: enabled, QueryKey: initialKey, Status: StatusIdle}
	if cachingEnabled {
		s.QueryCache = cache.NewTable[D](maxEntries)
	}
	return s
}
