// Package persist partializes observable state into the fixed
// projection that gets written to a storage slot, and rehydrates it
// back without touching the coordinator's transient fields. DirtySet
// lets an adapter batch its writes between flushes.
package persist

import (
	"time"

	"github.com/resinat/queryengine/internal/cache"
	"github.com/resinat/queryengine/internal/coordinator"
)

// PersistedEntry is the serializable projection of cache.Entry[D].
type PersistedEntry[D any] struct {
	CacheTime     time.Duration `json:"cacheTime"`
	Data          *D            `json:"data,omitempty"`
	LastFetchedAt time.Time     `json:"lastFetchedAt,omitzero"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	LastFailed    time.Time     `json:"lastFailed,omitzero"`
	RetryCount    int           `json:"retryCount,omitempty"`
}

// PersistedState is the fixed persisted projection: {enabled, error,
// lastFetchedAt, queryCache (pruned), queryKey, status} plus an
// optional user-supplied partialize payload. Method values never
// persist.
type PersistedState[D any] struct {
	Enabled       bool                         `json:"enabled"`
	Error         string                       `json:"error,omitempty"`
	LastFetchedAt time.Time                    `json:"lastFetchedAt,omitzero"`
	QueryCache    map[string]PersistedEntry[D] `json:"queryCache,omitempty"`
	QueryKey      string                       `json:"queryKey"`
	Status        string                       `json:"status"`
	User          any                          `json:"user,omitempty"`
}

// UserPartializer lets the caller fold additional application state into
// the persisted payload.
type UserPartializer[D any] func(s coordinator.State[D]) any

// Partialize builds the persisted projection from live state, pruning
// the cache snapshot so a rehydrated store never carries an
// already-expired entry.
func Partialize[D any](now time.Time, s coordinator.State[D], userPartialize UserPartializer[D]) PersistedState[D] {
	out := PersistedState[D]{
		Enabled:       s.Enabled,
		LastFetchedAt: s.LastFetchedAt,
		QueryKey:      s.QueryKey,
		Status:        string(s.Status),
	}
	if s.Error != nil {
		out.Error = s.Error.Error()
	}
	if userPartialize != nil {
		out.User = userPartialize(s)
	}
	if s.QueryCache == nil {
		return out
	}

	out.QueryCache = make(map[string]PersistedEntry[D])
	s.QueryCache.Range(func(key string, e cache.Entry[D]) bool {
		if isExpired(now, e) {
			return true
		}
		pe := PersistedEntry[D]{CacheTime: e.CacheTime, Data: e.Data, LastFetchedAt: e.LastFetchedAt}
		if e.Error != nil {
			pe.ErrorMessage = e.Error.Err.Error()
			pe.LastFailed = e.Error.LastFailed
			pe.RetryCount = e.Error.RetryCount
		}
		out.QueryCache[key] = pe
		return true
	})
	return out
}

func isExpired[D any](now time.Time, e cache.Entry[D]) bool {
	if e.CacheTime <= 0 {
		return false
	}
	last := e.LastFetchedAt
	if last.IsZero() && e.Error != nil {
		last = e.Error.LastFailed
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > e.CacheTime
}

// Rehydrate loads a persisted projection back into a fresh coordinator
// state. Transient fetch-tracking fields are owned by the coordinator,
// not this struct, and are simply never touched.
func Rehydrate[D any](p PersistedState[D], maxCacheEntries int) coordinator.State[D] {
	s := coordinator.State[D]{
		Enabled:       p.Enabled,
		QueryKey:      p.QueryKey,
		Status:        coordinator.Status(p.Status),
		LastFetchedAt: p.LastFetchedAt,
	}
	if p.Error != "" {
		s.Error = rehydratedError(p.Error)
	}
	if p.QueryCache == nil {
		return s
	}

	s.QueryCache = cache.NewTable[D](maxCacheEntries)
	for key, pe := range p.QueryCache {
		e := cache.Entry[D]{CacheTime: pe.CacheTime, Data: pe.Data, LastFetchedAt: pe.LastFetchedAt}
		if pe.ErrorMessage != "" {
			e.Error = &cache.ErrorInfo{Err: rehydratedError(pe.ErrorMessage), LastFailed: pe.LastFailed, RetryCount: pe.RetryCount}
		}
		s.QueryCache.Set(key, e)
	}
	return s
}

type rehydratedErr string

func (e rehydratedErr) Error() string { return string(e) }

func rehydratedError(msg string) error { return rehydratedErr(msg) }

// DirtySet accumulates keys that need writing (upsert) or removal
// (delete) between flushes, so a persistence adapter can batch its
// writes instead of hitting storage on every single mutation.
type DirtySet[K comparable] struct {
	upserts map[K]struct{}
	deletes map[K]struct{}
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{upserts: make(map[K]struct{}), deletes: make(map[K]struct{})}
}

// MarkUpsert records that key needs to be (re)written, clearing any
// pending delete for the same key.
func (d *DirtySet[K]) MarkUpsert(key K) {
	delete(d.deletes, key)
	d.upserts[key] = struct{}{}
}

// MarkDelete records that key needs to be removed, clearing any pending
// upsert for the same key.
func (d *DirtySet[K]) MarkDelete(key K) {
	delete(d.upserts, key)
	d.deletes[key] = struct{}{}
}

// Len returns the number of pending operations.
func (d *DirtySet[K]) Len() int { return len(d.upserts) + len(d.deletes) }

// Drain returns and clears the pending upserts and deletes.
func (d *DirtySet[K]) Drain() (upserts, deletes []K) {
	upserts = make([]K, 0, len(d.upserts))
	for k := range d.upserts {
		upserts = append(upserts, k)
	}
	deletes = make([]K, 0, len(d.deletes))
	for k := range d.deletes {
		deletes = append(deletes, k)
	}
	d.upserts = make(map[K]struct{})
	d.deletes = make(map[K]struct{})
	return upserts, deletes
}

// Merge folds other's pending operations into d (last-writer-wins per
// key across the two sets).
func (d *DirtySet[K]) Merge(other *DirtySet[K]) {
	for k := range other.upserts {
		d.MarkUpsert(k)
	}
	for k := range other.deletes {
		d.MarkDelete(k)
	}
}
