package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/resinat/queryengine/internal/abort"
	"github.com/resinat/queryengine/internal/cache"
	"github.com/resinat/queryengine/internal/querykey"
	"github.com/resinat/queryengine/internal/scheduler"
	"github.com/resinat/queryengine/internal/store"
	"github.com/resinat/queryengine/internal/subs"
	"github.com/resinat/queryengine/internal/telemetry"

	"github.com/resinat/queryengine/internal/clock"
)

// Fetcher performs the actual I/O. Its raw result is typed any because
// Transform, when configured, is responsible for producing the
// engine's D; when Transform is nil the raw result must already satisfy
// D and is recovered with a type assertion.
type Fetcher func(ctx context.Context, params map[string]any, h *abort.Handle) (any, error)

// Config is the coordinator's closed set of options.
type Config[D any] struct {
	Fetcher   Fetcher
	Transform func(raw any, params map[string]any) (D, error)
	OnFetched func(data D, params map[string]any, set func(updater func(State[D]) State[D]))
	OnError   func(err error, retryCount int)
	SetData   func(data D, params map[string]any, queryKey string, set func(updater func(State[D]) State[D]))

	CacheTime  func(params map[string]any) time.Duration
	StaleTime  time.Duration
	MaxRetries int
	RetryDelay func(retryCount int, err error) time.Duration

	AbortInterruptedFetches bool
	DisableAutoRefetching   bool
	DisableCache            bool
	KeepPreviousData        bool
}

// FetchOptions tunes a single Fetch call.
type FetchOptions struct {
	Force            bool
	StaleTime        *time.Duration
	CacheTime        *time.Duration
	SkipStoreUpdates bool
}

type inFlight[D any] struct {
	key  string
	gen  int64
	done chan struct{}
	data *D
}

// Coordinator is the engine's central state machine: in-flight dedup,
// fresh-cache short-circuit, abort on param change, transform, cache
// write plus prune, refetch scheduling, and the retry path on failure.
// Its transient fields (activeFetch, activeAbortHandle, lastFetchKey)
// are process-local and never persisted.
type Coordinator[D any] struct {
	mu sync.Mutex

	st      *store.Store[State[D]]
	subsMgr *subs.Manager
	slot    *scheduler.Slot
	clk     clock.Clock
	log     *telemetry.Logger
	cfg     Config[D]

	currentParams     map[string]any
	activeFetch       *inFlight[D]
	activeAbortHandle *abort.Handle
	lastFetchKey      string
}

// New wires a Coordinator over an existing state Store and Subscription
// Manager, sharing a single Scheduler timer slot.
func New[D any](st *store.Store[State[D]], subsMgr *subs.Manager, slot *scheduler.Slot, clk clock.Clock, log *telemetry.Logger, cfg Config[D]) *Coordinator[D] {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = telemetry.New("coordinator", false)
	}
	return &Coordinator[D]{st: st, subsMgr: subsMgr, slot: slot, clk: clk, log: log, cfg: cfg}
}

// SetParams updates the effective parameter snapshot without triggering
// a fetch; used on construction before the first subscriber arrives.
func (c *Coordinator[D]) SetParams(params map[string]any) {
	c.mu.Lock()
	c.currentParams = cloneParams(params)
	c.mu.Unlock()
}

// OnParamChange is the parameter resolver's change hook: recompute the
// query key, update it immediately unless "keep previous data" is
// enabled, then fetch with the new parameters.
func (c *Coordinator[D]) OnParamChange(newParams map[string]any) *D {
	c.mu.Lock()
	c.currentParams = cloneParams(newParams)
	c.mu.Unlock()

	newKey := querykey.Derive(newParams)
	if !c.cfg.KeepPreviousData {
		c.st.SetState(func(s State[D]) State[D] {
			s.QueryKey = newKey
			return s
		})
	}
	return c.Fetch(context.Background(), newParams, FetchOptions{})
}

// SetEnabled mirrors the subscription manager's enabled flag into
// observable state. Disabling is a hard stop.
func (c *Coordinator[D]) SetEnabled(v bool) {
	c.subsMgr.SetEnabled(v)
	c.st.SetState(func(s State[D]) State[D] {
		s.Enabled = v
		return s
	})
	if !v {
		c.hardStop()
	}
}

// hardStop cancels timers, aborts the active fetch if configured, and
// advances the generation so a late-arriving in-flight result cannot
// commit. Even a fetcher that ignores its context fails the
// IsCurrent check at the commit point.
func (c *Coordinator[D]) hardStop() {
	c.slot.Cancel()
	c.mu.Lock()
	if c.cfg.AbortInterruptedFetches && c.activeAbortHandle != nil {
		c.activeAbortHandle.Abort()
	}
	c.subsMgr.NextGeneration()
	c.mu.Unlock()
}

// OnLastUnsubscribe clears timers and drops any active fetch: with
// nobody listening there is no one left to observe the result.
func (c *Coordinator[D]) OnLastUnsubscribe() {
	c.hardStop()
}

// Fetch runs one fetch cycle for params (nil means the current resolved
// parameters). It never returns an error to the caller: failures are
// funneled into observable state and a nil data pointer is returned.
func (c *Coordinator[D]) Fetch(ctx context.Context, params map[string]any, opts FetchOptions) *D {
	if !opts.Force && !c.subsMgr.Enabled() {
		return nil
	}

	if params == nil {
		c.mu.Lock()
		params = c.currentParams
		c.mu.Unlock()
	}
	effectiveParams := cloneParams(params)
	currentKey := querykey.Derive(effectiveParams)

	if inflight, ok := c.lookupInFlight(currentKey, opts); ok {
		<-inflight.done
		return inflight.data
	}

	// Abort a different-key (or superseded-by-force) fetch. A same-key,
	// non-forced fetch that slipped past the fast path above joins the
	// active one at install time instead.
	if c.cfg.AbortInterruptedFetches && !opts.SkipStoreUpdates {
		c.mu.Lock()
		if c.activeAbortHandle != nil && (opts.Force || c.activeFetch == nil || c.activeFetch.key != currentKey) {
			c.activeAbortHandle.Abort()
		}
		c.mu.Unlock()
	}

	if !opts.Force {
		if data, fresh := c.checkFresh(currentKey, effectiveParams, opts); fresh {
			return data
		}
	}

	done := make(chan struct{})
	inflight := &inFlight[D]{key: currentKey, done: done}

	var handle *abort.Handle
	fetchCtx := ctx
	if c.cfg.AbortInterruptedFetches && !opts.SkipStoreUpdates {
		handle = abort.New(ctx)
		fetchCtx = handle.Context()
	}

	if !opts.SkipStoreUpdates {
		c.mu.Lock()
		// Install under the same lock as the dedup re-check so two
		// concurrent same-key callers can never both run the fetcher.
		if existing := c.activeFetch; existing != nil && existing.key == currentKey && !opts.Force {
			c.mu.Unlock()
			if handle != nil {
				handle.Abort() // release the unused context
			}
			<-existing.done
			return existing.data
		}
		c.activeFetch = inflight
		c.activeAbortHandle = handle
		// Stamp the current generation; only a hard stop advances it, so
		// IsCurrent at the commit point means "no reset/disable since
		// this attempt started."
		inflight.gen = c.subsMgr.Generation()
		c.mu.Unlock()

		c.st.SetState(func(s State[D]) State[D] {
			s.Status = StatusLoading
			s.Error = nil
			return s
		})
	}

	result := c.runFetchOperation(fetchCtx, handle, effectiveParams, currentKey, opts, inflight.gen)
	inflight.data = result
	close(done)

	if !opts.SkipStoreUpdates {
		c.mu.Lock()
		if c.activeFetch == inflight {
			c.activeFetch = nil
			c.activeAbortHandle = nil
			c.lastFetchKey = currentKey
		}
		c.mu.Unlock()
	}
	return result
}

// lookupInFlight is the dedup fast path: a matching, non-forced,
// currently-loading key joins the active fetch.
func (c *Coordinator[D]) lookupInFlight(key string, opts FetchOptions) (*inFlight[D], bool) {
	if opts.Force {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeFetch == nil || c.activeFetch.key != key {
		return nil, false
	}
	if c.st.GetState().Status != StatusLoading {
		return nil, false
	}
	return c.activeFetch, true
}

// checkFresh short-circuits a fetch whose cached data is still fresh.
func (c *Coordinator[D]) checkFresh(key string, params map[string]any, opts FetchOptions) (*D, bool) {
	now := c.clk.Now()
	staleTime := c.cfg.StaleTime
	if opts.StaleTime != nil {
		staleTime = *opts.StaleTime
	}

	st := c.st.GetState()
	var lastFetchedAt time.Time
	unresolvedError := false

	if !c.cfg.DisableCache && st.QueryCache != nil {
		if entry, ok := st.QueryCache.Get(key); ok {
			lastFetchedAt = entry.LastFetchedAt
			if entry.Error != nil {
				unresolvedError = entry.Error.RetryCount < c.cfg.MaxRetries
			}
		}
	} else {
		lastFetchedAt = st.LastFetchedAt
		unresolvedError = st.Status == StatusError
	}

	if lastFetchedAt.IsZero() || unresolvedError {
		return nil, false
	}
	if staleTime <= 0 || now.Sub(lastFetchedAt) >= staleTime {
		return nil, false
	}

	if !c.cfg.DisableAutoRefetching {
		c.scheduleNext(params, opts)
	}
	if c.cfg.KeepPreviousData && st.QueryKey != key {
		c.st.SetState(func(s State[D]) State[D] {
			s.QueryKey = key
			return s
		})
	}
	return c.GetData(params), true
}

// runFetchOperation executes the fetcher, transform, and commit.
func (c *Coordinator[D]) runFetchOperation(ctx context.Context, handle *abort.Handle, params map[string]any, key string, opts FetchOptions, gen int64) *D {
	raw, err := c.cfg.Fetcher(ctx, params, handle)
	if err != nil {
		if abort.IsAbort(err) {
			return nil
		}
		return c.handleError(err, params, key, opts, gen)
	}

	var data D
	if c.cfg.Transform != nil {
		data, err = c.cfg.Transform(raw, params)
		if err != nil {
			return c.handleError(fmt.Errorf("transform failed: %w", err), params, key, opts, gen)
		}
	} else {
		v, ok := raw.(D)
		if !ok {
			return c.handleError(fmt.Errorf("fetch result type mismatch for key %q", key), params, key, opts, gen)
		}
		data = v
	}

	if opts.SkipStoreUpdates {
		return &data
	}
	if !c.subsMgr.IsCurrent(gen) {
		// A hard stop landed while the fetcher was in flight; the result
		// must not touch cache or status.
		return nil
	}
	c.commitSuccess(data, params, key, opts)
	return &data
}

func (c *Coordinator[D]) commitSuccess(data D, params map[string]any, key string, opts FetchOptions) {
	now := c.clk.Now()
	cacheTime := c.effectiveCacheTime(params, opts)

	c.st.SetState(func(s State[D]) State[D] {
		s.Status = StatusSuccess
		s.Error = nil

		if c.cfg.DisableCache {
			s.LastFetchedAt = now
			return applyKeepPreviousKey(s, key, c.cfg.KeepPreviousData)
		}
		if s.QueryCache == nil {
			return applyKeepPreviousKey(s, key, c.cfg.KeepPreviousData)
		}

		previousKey := s.QueryKey

		if c.cfg.SetData != nil {
			c.cfg.SetData(data, params, key, func(updater func(State[D]) State[D]) { s = updater(s) })
			s.QueryCache.Set(key, cache.Entry[D]{CacheTime: cacheTime, LastFetchedAt: now})
		} else {
			d := data
			s.QueryCache.Set(key, cache.Entry[D]{CacheTime: cacheTime, Data: &d, LastFetchedAt: now})
		}

		s = applyKeepPreviousKey(s, key, c.cfg.KeepPreviousData)

		if cacheTime > 0 {
			keep := map[string]struct{}{key: {}}
			if c.cfg.KeepPreviousData {
				keep[previousKey] = struct{}{}
			}
			s.QueryCache.Prune(now, keep)
		}
		return s
	})

	c.scheduleNext(params, opts)

	if c.cfg.OnFetched != nil {
		c.safeOnFetched(data, params)
	}
}

func applyKeepPreviousKey[D any](s State[D], key string, keepPreviousData bool) State[D] {
	if keepPreviousData {
		s.QueryKey = key
	}
	return s
}

func (c *Coordinator[D]) safeOnFetched(data D, params map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("onFetched callback panicked: %v", r)
		}
	}()
	c.cfg.OnFetched(data, params, func(updater func(State[D]) State[D]) { c.st.SetState(updater) })
}

func (c *Coordinator[D]) safeOnError(err error, retryCount int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("onError callback panicked: %v", r)
		}
	}()
	c.cfg.OnError(err, retryCount)
}

// handleError records a failed fetch and schedules a retry if any
// remain.
func (c *Coordinator[D]) handleError(err error, params map[string]any, key string, opts FetchOptions, gen int64) *D {
	if opts.SkipStoreUpdates {
		// Parallel probes never mutate state, schedule retries, or bump
		// the retry counter; their failure is the caller's to observe.
		c.log.Errorf("probe fetch failed for key %q: %v", key, err)
		return nil
	}
	if !c.subsMgr.IsCurrent(gen) {
		return nil
	}

	st := c.st.GetState()
	retryCount := 0
	if !c.cfg.DisableCache && st.QueryCache != nil {
		if entry, ok := st.QueryCache.Get(key); ok && entry.Error != nil {
			retryCount = entry.Error.RetryCount
		}
	}

	if c.cfg.OnError != nil {
		c.safeOnError(err, retryCount)
	}

	if retryCount < c.cfg.MaxRetries && c.subsMgr.Count() > 0 {
		delay := scheduler.RetryDelay(c.cfg.RetryDelay, retryCount, err)
		if delay > 0 {
			c.slot.Schedule(delay, func() {
				if c.subsMgr.Enabled() && c.subsMgr.Count() > 0 {
					c.Fetch(context.Background(), params, FetchOptions{Force: true})
				}
			})
		}
	}

	// With maxRetries == 0 the first failure still records retryCount 1
	// rather than 0, so a disabled-retry configuration still reflects
	// "one attempt made."
	newRetryCount := retryCount + 1
	if c.cfg.MaxRetries > 0 && newRetryCount > c.cfg.MaxRetries {
		newRetryCount = c.cfg.MaxRetries
	}

	now := c.clk.Now()
	c.st.SetState(func(s State[D]) State[D] {
		s.Status = StatusError
		s.Error = err
		if !c.cfg.DisableCache && s.QueryCache != nil {
			prior, _ := s.QueryCache.Get(key)
			prior.CacheTime = c.effectiveCacheTime(params, opts)
			prior.Error = &cache.ErrorInfo{Err: err, LastFailed: now, RetryCount: newRetryCount}
			s.QueryCache.Set(key, prior)
		}
		return s
	})

	c.log.Errorf("fetch failed for key %q: %v", key, err)
	return nil
}

func (c *Coordinator[D]) effectiveCacheTime(params map[string]any, opts FetchOptions) time.Duration {
	if opts.CacheTime != nil {
		return *opts.CacheTime
	}
	if c.cfg.CacheTime != nil {
		return c.cfg.CacheTime(params)
	}
	return 7 * 24 * time.Hour
}

// scheduleNext arms the shared timer slot for the next stale refetch.
func (c *Coordinator[D]) scheduleNext(params map[string]any, opts FetchOptions) {
	if c.cfg.DisableAutoRefetching {
		return
	}
	staleTime := c.cfg.StaleTime
	if opts.StaleTime != nil {
		staleTime = *opts.StaleTime
	}
	if staleTime <= 0 {
		return
	}

	st := c.st.GetState()
	var lastFetchedAt time.Time
	if !c.cfg.DisableCache && st.QueryCache != nil {
		if entry, ok := st.QueryCache.Get(st.QueryKey); ok {
			lastFetchedAt = entry.LastFetchedAt
		}
	} else {
		lastFetchedAt = st.LastFetchedAt
	}

	delay := staleTime
	if !lastFetchedAt.IsZero() {
		elapsed := c.clk.Now().Sub(lastFetchedAt)
		delay = staleTime - elapsed
		if delay < 0 {
			delay = 0
		}
	}

	c.slot.Schedule(delay, func() {
		if c.subsMgr.Enabled() && c.subsMgr.Count() > 0 {
			c.Fetch(context.Background(), params, FetchOptions{Force: true})
		}
	})
}

// GetData returns cached data for params, if present. A nil params
// reads the store's current queryKey, which under "keep previous data"
// still names the previous key while a new key's fetch is in flight, so
// reads keep answering with the old data until the new result lands.
func (c *Coordinator[D]) GetData(params map[string]any) *D {
	if c.cfg.DisableCache {
		return nil
	}
	st := c.st.GetState()
	key := c.resolveKey(params, st)
	if st.QueryCache == nil {
		return nil
	}
	entry, ok := st.QueryCache.Get(key)
	if !ok || entry.Data == nil {
		return nil
	}
	if c.cfg.KeepPreviousData {
		return entry.Data
	}
	if entry.LastFetchedAt.IsZero() {
		return nil
	}
	if entry.CacheTime <= 0 || c.clk.Now().Sub(entry.LastFetchedAt) <= entry.CacheTime {
		return entry.Data
	}
	return nil
}

// IsStale reports whether the last successful fetch is older than the
// effective stale time; no fetch at all counts as stale.
func (c *Coordinator[D]) IsStale(override *time.Duration, params map[string]any) bool {
	staleTime := c.cfg.StaleTime
	if override != nil {
		staleTime = *override
	}
	last := c.lastMeaningfulTime(params)
	if last.IsZero() {
		return true
	}
	return c.clk.Now().Sub(last) >= staleTime
}

// IsDataExpired reports whether the last successful fetch is older than
// the effective cache time; no fetch at all counts as expired.
func (c *Coordinator[D]) IsDataExpired(override *time.Duration, params map[string]any) bool {
	cacheTime := 7 * 24 * time.Hour
	if c.cfg.CacheTime != nil {
		cacheTime = c.cfg.CacheTime(params)
	}
	if override != nil {
		cacheTime = *override
	}
	last := c.lastMeaningfulTime(params)
	if last.IsZero() {
		return true
	}
	if cacheTime <= 0 {
		return false
	}
	return c.clk.Now().Sub(last) >= cacheTime
}

// resolveKey maps an optional explicit parameter set to a cache key:
// explicit params derive their own key, nil means the state's current
// queryKey.
func (c *Coordinator[D]) resolveKey(params map[string]any, st State[D]) string {
	if params != nil {
		return querykey.Derive(params)
	}
	return st.QueryKey
}

func (c *Coordinator[D]) lastMeaningfulTime(params map[string]any) time.Time {
	st := c.st.GetState()
	key := c.resolveKey(params, st)
	if !c.cfg.DisableCache && st.QueryCache != nil {
		if entry, ok := st.QueryCache.Get(key); ok {
			return entry.LastFetchedAt
		}
		return time.Time{}
	}
	return st.LastFetchedAt
}

// Reset cancels timers, aborts the active fetch if configured, clears
// transient fields, and restores default state.
func (c *Coordinator[D]) Reset(initialKey string, maxEntries int) {
	c.slot.Cancel()

	c.mu.Lock()
	if c.cfg.AbortInterruptedFetches && c.activeAbortHandle != nil {
		c.activeAbortHandle.Abort()
	}
	c.activeFetch = nil
	c.activeAbortHandle = nil
	c.lastFetchKey = ""
	c.subsMgr.NextGeneration()
	c.mu.Unlock()

	cachingEnabled := !c.cfg.DisableCache
	enabled := c.subsMgr.Enabled()
	c.st.SetState(func(s State[D]) State[D] {
		if s.QueryCache != nil {
			s.QueryCache.Close()
		}
		return NewState[D](initialKey, enabled, cachingEnabled, maxEntries)
	})
}

// PruneNow implements internal/scheduler.Pruner for the cron sweep.
func (c *Coordinator[D]) PruneNow() {
	st := c.st.GetState()
	if c.cfg.DisableCache || st.QueryCache == nil {
		return
	}
	keep := map[string]struct{}{st.QueryKey: {}}
	st.QueryCache.Prune(c.clk.Now(), keep)
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
