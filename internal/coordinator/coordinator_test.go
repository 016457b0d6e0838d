package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resinat/queryengine/internal/abort"
	"github.com/resinat/queryengine/internal/clock"
	"github.com/resinat/queryengine/internal/scheduler"
	"github.com/resinat/queryengine/internal/store"
	"github.com/resinat/queryengine/internal/subs"
)

type harness struct {
	coord *Coordinator[string]
	store *store.Store[State[string]]
	subs  *subs.Manager
	clock *clock.Fake
	slot  *scheduler.Slot
}

func newHarness(cfg Config[string]) *harness {
	fc := clock.NewFake(time.Unix(0, 0))
	st := store.New(NewState[string]("[]", true, !cfg.DisableCache, 16))
	sm := subs.New(true, subs.Events{})
	sm.Subscribe()
	slot := scheduler.NewSlot(fc)
	c := New(st, sm, slot, fc, nil, cfg)
	return &harness{coord: c, store: st, subs: sm, clock: fc, slot: slot}
}

func TestFetch_SuccessWritesStateAndCache(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			return "hello", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Second,
		MaxRetries: 3,
	})

	data := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	if data == nil || *data != "hello" {
		t.Fatalf("expected data=hello, got %v", data)
	}
	got := h.store.GetState()
	if got.Status != StatusSuccess {
		t.Fatalf("expected status success, got %v", got.Status)
	}
	cached, ok := got.QueryCache.Get(got.QueryKey)
	if !ok || cached.Data == nil || *cached.Data != "hello" {
		t.Fatalf("expected cached entry with data=hello, got %+v ok=%v", cached, ok)
	}
}

func TestFetch_InFlightDedup(t *testing.T) {
	var callCount int32
	release := make(chan struct{})
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			atomic.AddInt32(&callCount, 1)
			<-release
			return "v", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	var wg sync.WaitGroup
	results := make([]*string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
		}(i)
	}

	// Give both goroutines a chance to reach the fetcher/dedup check.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&callCount); got != 1 {
		t.Fatalf("expected exactly 1 fetcher invocation due to dedup, got %d", got)
	}
	for i, r := range results {
		if r == nil || *r != "v" {
			t.Fatalf("result[%d] = %v, want v", i, r)
		}
	}
}

func TestFetch_FreshCacheHitSkipsFetcher(t *testing.T) {
	var calls int32
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "v1", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	first := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	second := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected fetcher called once, got %d", calls)
	}
	if first == nil || second == nil || *first != *second {
		t.Fatalf("expected equal cached data, got %v and %v", first, second)
	}
}

func TestFetch_RetriesUntilMaxRetriesThenStops(t *testing.T) {
	var calls int32
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("boom")
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 2,
		RetryDelay: func(attempt int, err error) time.Duration { return time.Second },
	})

	h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 initial call, got %d", calls)
	}

	h.clock.Advance(time.Second)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry to fire, got %d calls", calls)
	}

	h.clock.Advance(time.Second)
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected second retry to fire (scheduled while retryCount 1 < maxRetries 2), got %d calls", calls)
	}

	h.clock.Advance(time.Second)
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected retries exhausted at maxRetries, got %d calls", calls)
	}

	got := h.store.GetState()
	if got.Status != StatusError {
		t.Fatalf("expected status error, got %v", got.Status)
	}
}

func TestFetch_AbortIsNotTreatedAsError(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			handle.Abort()
			<-ctx.Done()
			return nil, ctx.Err()
		},
		CacheTime:               func(map[string]any) time.Duration { return time.Minute },
		StaleTime:               time.Minute,
		MaxRetries:              3,
		AbortInterruptedFetches: true,
	})

	data := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	if data != nil {
		t.Fatalf("expected nil data on abort, got %v", data)
	}
	got := h.store.GetState()
	if got.Status == StatusError {
		t.Fatal("abort must not be surfaced as an error status")
	}
}

func TestFetch_SkipStoreUpdatesDoesNotMutateState(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			return "probe", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	data := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{SkipStoreUpdates: true})
	if data == nil || *data != "probe" {
		t.Fatalf("expected probe result, got %v", data)
	}
	got := h.store.GetState()
	if got.Status != StatusIdle {
		t.Fatalf("expected status to remain idle for a skipStoreUpdates probe, got %v", got.Status)
	}
	if _, ok := got.QueryCache.Get(got.QueryKey); ok {
		t.Fatal("expected no cache write for a skipStoreUpdates probe")
	}
}

func TestFetch_SkipStoreUpdatesErrorDoesNotMutateState(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			return nil, errors.New("probe boom")
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	data := h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{SkipStoreUpdates: true})
	if data != nil {
		t.Fatalf("expected nil data for a failed probe, got %v", data)
	}
	got := h.store.GetState()
	if got.Status != StatusIdle || got.Error != nil {
		t.Fatalf("expected probe failure to leave state untouched, got status=%v err=%v", got.Status, got.Error)
	}
	if _, ok := got.QueryCache.Get(got.QueryKey); ok {
		t.Fatal("expected no errorInfo entry for a failed probe")
	}
}

func TestFetch_HardStopDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			close(started)
			// Deliberately ignore ctx: a misbehaving fetcher must still
			// be unable to commit after a hard stop.
			<-release
			return "late", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	done := make(chan *string, 1)
	go func() {
		done <- h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	}()

	<-started
	h.coord.SetEnabled(false)
	close(release)

	if got := <-done; got != nil {
		t.Fatalf("expected nil result after hard stop, got %v", got)
	}
	st := h.store.GetState()
	if _, ok := st.QueryCache.Get(st.QueryKey); ok {
		t.Fatal("expected the late result not to reach the cache")
	}
	if st.Status == StatusSuccess {
		t.Fatal("expected the late result not to set success status")
	}
}

func TestGetData_NilParamsReadsCurrentQueryKey(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			return "v", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	if d := h.coord.GetData(nil); d == nil || *d != "v" {
		t.Fatalf("expected nil params to read the current key's data, got %v", d)
	}
}

func TestDeriveStatus_InitialLoadingOnlyBeforeFirstSuccess(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			started <- struct{}{}
			<-release
			return "v", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	done := make(chan struct{})
	go func() {
		h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
		close(done)
	}()

	<-started
	if view := DeriveStatus(h.store.GetState()); !view.IsInitialLoading {
		t.Fatalf("expected initial loading on the first fetch, got %+v", view)
	}
	release <- struct{}{}
	<-done

	// A refetch for a key that already has cached data is fetching, not
	// initial-loading.
	go func() {
		h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{Force: true})
	}()
	<-started
	view := DeriveStatus(h.store.GetState())
	if !view.IsFetching {
		t.Fatalf("expected fetching during refetch, got %+v", view)
	}
	if view.IsInitialLoading {
		t.Fatalf("refetch with cached data must not count as initial loading, got %+v", view)
	}
	release <- struct{}{}
}

func TestReset_RestoresDefaultsAndCancelsTimers(t *testing.T) {
	h := newHarness(Config[string]{
		Fetcher: func(ctx context.Context, params map[string]any, handle *abort.Handle) (any, error) {
			return "v", nil
		},
		CacheTime:  func(map[string]any) time.Duration { return time.Minute },
		StaleTime:  time.Minute,
		MaxRetries: 3,
	})

	h.coord.Fetch(context.Background(), map[string]any{}, FetchOptions{})
	h.coord.Reset("[]", 16)

	got := h.store.GetState()
	if got.Status != StatusIdle {
		t.Fatalf("expected idle status after reset, got %v", got.Status)
	}
	if _, ok := got.QueryCache.Get("[]"); ok {
		t.Fatal("expected fresh cache table after reset")
	}
}
