// Package cache holds per-query-key fetch results in a bounded otter
// cache, with time-based pruning keyed on each entry's own cacheTime.
package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// ErrorInfo records the last failed fetch for a key.
type ErrorInfo struct {
	Err        error
	LastFailed time.Time
	RetryCount int
}

// Entry is one cache-table row for a query key.
type Entry[D any] struct {
	CacheTime     time.Duration
	Data          *D
	LastFetchedAt time.Time // zero value means absent
	Error         *ErrorInfo
}

// HasData reports whether the entry carries a successfully-fetched value.
func (e Entry[D]) HasData() bool { return e.Data != nil }

// lastMeaningfulTime returns LastFetchedAt if present, else the error's
// LastFailed, else the zero time.
func (e Entry[D]) lastMeaningfulTime() time.Time {
	if !e.LastFetchedAt.IsZero() {
		return e.LastFetchedAt
	}
	if e.Error != nil {
		return e.Error.LastFailed
	}
	return time.Time{}
}

// Table is the per-key cache, bounded by otter's LRU and explicitly
// pruned on every successful write.
type Table[D any] struct {
	cache otter.Cache[string, Entry[D]]
}

// NewTable creates a Table bounded to maxEntries keys; LRU eviction is a
// backstop on top of time-based pruning.
func NewTable[D any](maxEntries int) *Table[D] {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := otter.MustBuilder[string, Entry[D]](maxEntries).
		Cost(func(_ string, _ Entry[D]) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("cache: failed to create table: " + err.Error())
	}
	return &Table[D]{cache: c}
}

// Get returns the entry for key, if present.
func (t *Table[D]) Get(key string) (Entry[D], bool) {
	return t.cache.Get(key)
}

// Set stores (or overwrites) the entry for key.
func (t *Table[D]) Set(key string, e Entry[D]) {
	t.cache.Set(key, e)
}

// Delete removes key's entry, if any.
func (t *Table[D]) Delete(key string) {
	t.cache.Delete(key)
}

// Size returns the number of keys currently cached.
func (t *Table[D]) Size() int { return t.cache.Size() }

// Range iterates all entries. Returning false from fn stops iteration.
func (t *Table[D]) Range(fn func(key string, e Entry[D]) bool) {
	t.cache.Range(fn)
}

// Close releases resources held by the underlying otter cache.
func (t *Table[D]) Close() { t.cache.Close() }

// Prune removes every entry whose elapsed time since its last meaningful
// timestamp exceeds its recorded CacheTime, except keys in keep (the
// current key, and the previous key under keepPreviousData). An entry
// with CacheTime == 0 (the infinite sentinel) is never pruned.
func (t *Table[D]) Prune(now time.Time, keep map[string]struct{}) (pruned int) {
	var toDelete []string
	t.cache.Range(func(key string, e Entry[D]) bool {
		if _, exempt := keep[key]; exempt {
			return true
		}
		if e.CacheTime <= 0 {
			return true // infinite cacheTime: never prune
		}
		last := e.lastMeaningfulTime()
		if last.IsZero() {
			return true
		}
		if now.Sub(last) > e.CacheTime {
			toDelete = append(toDelete, key)
		}
		return true
	})
	for _, k := range toDelete {
		t.cache.Delete(k)
	}
	return len(toDelete)
}
