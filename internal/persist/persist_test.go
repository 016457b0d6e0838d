package persist

import (
	"errors"
	"testing"
	"time"

	"github.com/resinat/queryengine/internal/cache"
	"github.com/resinat/queryengine/internal/coordinator"
)

func TestPartialize_PrunesExpiredEntries(t *testing.T) {
	now := time.Now()
	tbl := cache.NewTable[string](16)
	defer tbl.Close()

	d := "fresh"
	tbl.Set("fresh", cache.Entry[string]{Data: &d, LastFetchedAt: now, CacheTime: time.Minute})
	tbl.Set("expired", cache.Entry[string]{Data: &d, LastFetchedAt: now.Add(-time.Hour), CacheTime: time.Minute})

	s := coordinator.State[string]{QueryKey: "fresh", Status: coordinator.StatusSuccess, QueryCache: tbl}
	p := Partialize(now, s, nil)

	if _, ok := p.QueryCache["expired"]; ok {
		t.Fatal("expected expired entry to be pruned from the persisted snapshot")
	}
	if _, ok := p.QueryCache["fresh"]; !ok {
		t.Fatal("expected fresh entry to survive")
	}
}

func TestPartialize_RecordsError(t *testing.T) {
	s := coordinator.State[string]{Status: coordinator.StatusError, Error: errors.New("boom")}
	p := Partialize(time.Now(), s, nil)
	if p.Error != "boom" {
		t.Fatalf("expected error message boom, got %q", p.Error)
	}
}

func TestPartialize_UserPartializer(t *testing.T) {
	s := coordinator.State[string]{Status: coordinator.StatusIdle}
	p := Partialize(time.Now(), s, func(coordinator.State[string]) any {
		return map[string]any{"extra": 1}
	})
	m, ok := p.User.(map[string]any)
	if !ok || m["extra"] != 1 {
		t.Fatalf("expected user partialize payload, got %#v", p.User)
	}
}

func TestRehydrate_RestoresEntriesAndLeavesTransientFieldsUntouched(t *testing.T) {
	p := PersistedState[string]{
		Enabled:  true,
		QueryKey: "a",
		Status:   "success",
		QueryCache: map[string]PersistedEntry[string]{
			"a": {CacheTime: time.Minute, Data: strPtr2("hi")},
		},
	}
	s := Rehydrate[string](p, 16)
	if !s.Enabled || s.QueryKey != "a" || s.Status != coordinator.StatusSuccess {
		t.Fatalf("unexpected rehydrated state: %+v", s)
	}
	entry, ok := s.QueryCache.Get("a")
	if !ok || entry.Data == nil || *entry.Data != "hi" {
		t.Fatalf("expected rehydrated cache entry, got %+v ok=%v", entry, ok)
	}
}

func TestDirtySet_UpsertThenDeleteCancelsOut(t *testing.T) {
	d := NewDirtySet[string]()
	d.MarkUpsert("k")
	d.MarkDelete("k")
	upserts, deletes := d.Drain()
	if len(upserts) != 0 || len(deletes) != 1 {
		t.Fatalf("expected only a pending delete, got upserts=%v deletes=%v", upserts, deletes)
	}
}

func TestDirtySet_DrainClears(t *testing.T) {
	d := NewDirtySet[string]()
	d.MarkUpsert("a")
	d.Drain()
	upserts, deletes := d.Drain()
	if len(upserts) != 0 || len(deletes) != 0 {
		t.Fatal("expected a second Drain to be empty")
	}
}

func strPtr2(s string) *string { return &s }
