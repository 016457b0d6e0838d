// Package query composes internal/store, internal/subs,
// internal/params, internal/scheduler and internal/coordinator into one
// constructible, observable query store, optionally backed by
// internal/storage for persistence.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/resinat/queryengine/internal/clock"
	"github.com/resinat/queryengine/internal/coordinator"
	"github.com/resinat/queryengine/internal/params"
	"github.com/resinat/queryengine/internal/persist"
	"github.com/resinat/queryengine/internal/querykey"
	"github.com/resinat/queryengine/internal/scheduler"
	"github.com/resinat/queryengine/internal/storage"
	"github.com/resinat/queryengine/internal/store"
	"github.com/resinat/queryengine/internal/subs"
	"github.com/resinat/queryengine/internal/telemetry"
	"github.com/resinat/queryengine/queryconfig"
)

// State is the observable store state, re-exported so callers don't
// need to import internal/coordinator directly.
type State[D any] = coordinator.State[D]

// StatusView is GetStatus's derived result.
type StatusView = coordinator.StatusView

// FetchOptions tunes a single Fetch call.
type FetchOptions = coordinator.FetchOptions

// SetFunc is the updater-based mutation callback handed to OnFetched
// and SetData.
type SetFunc[D any] func(updater func(State[D]) State[D])

// Config is the engine's full construction-time configuration: the
// static options, the callbacks, the parameter/enabled sources, and
// optional persistence wiring.
type Config[D any] struct {
	Options queryconfig.Options

	// Fetcher is mandatory: it performs the actual I/O.
	Fetcher coordinator.Fetcher
	// Transform is optional; nil means the fetcher's raw result must
	// already be a D.
	Transform func(raw any, params map[string]any) (D, error)
	OnFetched func(data D, params map[string]any, set SetFunc[D])
	OnError   func(err error, retryCount int)
	SetData   func(data D, params map[string]any, queryKey string, set SetFunc[D])
	// CacheTime, when set, overrides Options.CacheTime with a
	// per-parameter function, evaluated once at cache-write time.
	CacheTime func(params map[string]any) time.Duration
	// RetryDelay, when set, overrides Options.RetryDelay with a function
	// of the current retry count and the error that triggered the retry.
	RetryDelay func(retryCount int, err error) time.Duration

	// Params maps each parameter name to its static or reactive
	// source.
	Params map[string]params.Source
	// Enabled configures the static-or-reactive "enabled" option. A nil
	// Enabled defaults to always-enabled.
	Enabled *params.EnabledSource

	// UserPartialize folds extra application state into the persisted
	// projection.
	UserPartialize persist.UserPartializer[D]
	// Adapter, when non-nil, backs this store with a SQLite-persisted
	// slot and triggers rehydration at construction.
	Adapter *storage.Adapter[D]

	Clock  clock.Clock
	Logger *telemetry.Logger
}

// Store is the constructed, running query engine for one D.
type Store[D any] struct {
	st       *store.Store[State[D]]
	subsMgr  *subs.Manager
	slot     *scheduler.Slot
	coord    *coordinator.Coordinator[D]
	resolver *params.Resolver
	clk      clock.Clock

	enabledUnsub    func()
	adapter         *storage.Adapter[D]
	userPartialize  persist.UserPartializer[D]
	maxCacheEntries int
}

// New constructs and wires a Store from cfg. If cfg.Adapter is set, the
// store attempts rehydration before returning.
func New[D any](cfg Config[D]) *Store[D] {
	opts := cfg.Options
	if opts.CacheTime.Std() <= 0 {
		opts.CacheTime = queryconfig.Duration(queryconfig.DefaultCacheTime)
	}
	if opts.StaleTime.Std() <= 0 {
		opts.StaleTime = queryconfig.Duration(queryconfig.DefaultStaleTime)
	}
	if opts.RetryDelay.Std() <= 0 {
		opts.RetryDelay = queryconfig.Duration(queryconfig.DefaultRetryDelay)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = queryconfig.DefaultMaxRetries
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.New("query", opts.DebugMode)
	} else {
		log = log.WithDebug(opts.DebugMode)
	}
	if opts.StaleTimeTooLow() {
		log.Warnf("staleTime %v is below the %v floor and will refetch aggressively", opts.StaleTime.Std(), queryconfig.StaleTimeWarnThreshold)
	}

	s := &Store[D]{
		clk:             clk,
		adapter:         cfg.Adapter,
		userPartialize:  cfg.UserPartialize,
		maxCacheEntries: opts.MaxCacheEntries,
	}

	// coordRef lets the resolver/enabled-source closures forward into
	// the coordinator, which cannot exist until after the initial
	// parameter snapshot is resolved.
	var coordRef *coordinator.Coordinator[D]

	resolver := params.NewResolver(cfg.Params, func(newParams map[string]any) {
		if coordRef != nil {
			coordRef.OnParamChange(newParams)
		}
	})
	initialParams := resolver.Resolved()
	initialKey := querykey.Derive(initialParams)

	enabledSrc := params.EnabledSource{Static: true}
	if cfg.Enabled != nil {
		enabledSrc = *cfg.Enabled
	}
	enabledInitial, enabledUnsub := params.ResolveEnabled(enabledSrc, func(v bool) {
		if coordRef != nil {
			coordRef.SetEnabled(v)
		}
	})

	initialState := coordinator.NewState[D](initialKey, enabledInitial, !opts.DisableCache, opts.MaxCacheEntries)
	st := store.New(initialState)

	if cfg.Adapter != nil {
		if p, ok, err := cfg.Adapter.Load(); err != nil {
			log.Errorf("rehydrate failed: %v", err)
		} else if ok {
			rehydrated := persist.Rehydrate[D](p, opts.MaxCacheEntries)
			st.SetState(func(State[D]) State[D] { return rehydrated })
			// The persisted projection carries enabled; the subscription
			// manager must agree with what rehydration restored.
			enabledInitial = rehydrated.Enabled
		}
	}

	slot := scheduler.NewSlot(clk)
	// A first subscriber that lands before the coordinator is wired defers
	// its fetch; it runs as soon as binding completes below.
	var deferredFirstFetch bool
	sm := subs.New(enabledInitial, subs.Events{
		OnFirstSubscribe: func() {
			if coordRef == nil {
				deferredFirstFetch = true
				return
			}
			coordRef.Fetch(context.Background(), nil, coordinator.FetchOptions{})
		},
		OnSubscribe: func(isFirst, shouldThrottle bool) {
			// Subsequent subscribers get the usual stale check; the
			// throttle window keeps a burst of mounting selectors from
			// becoming a refetch storm.
			if shouldThrottle || coordRef == nil {
				return
			}
			coordRef.Fetch(context.Background(), nil, coordinator.FetchOptions{})
		},
		OnLastUnsubscribe: func() {
			if coordRef != nil {
				coordRef.OnLastUnsubscribe()
			}
		},
	})

	var onFetched func(data D, params map[string]any, set func(func(State[D]) State[D]))
	if cfg.OnFetched != nil {
		onFetched = func(data D, p map[string]any, set func(func(State[D]) State[D])) {
			cfg.OnFetched(data, p, SetFunc[D](set))
		}
	}
	var setData func(data D, params map[string]any, queryKey string, set func(func(State[D]) State[D]))
	if cfg.SetData != nil {
		setData = func(data D, p map[string]any, key string, set func(func(State[D]) State[D])) {
			cfg.SetData(data, p, key, SetFunc[D](set))
		}
	}

	coord := coordinator.New(st, sm, slot, clk, log, coordinator.Config[D]{
		Fetcher:                 cfg.Fetcher,
		Transform:               cfg.Transform,
		OnFetched:               onFetched,
		OnError:                 cfg.OnError,
		SetData:                 setData,
		CacheTime:               coalesceCacheTime(cfg.CacheTime, opts.CacheTime.Std()),
		StaleTime:               opts.StaleTime.Std(),
		MaxRetries:              opts.MaxRetries,
		RetryDelay:              retryDelayFn(cfg.RetryDelay, opts.RetryDelay.Std()),
		AbortInterruptedFetches: opts.AbortInterruptedFetches,
		DisableAutoRefetching:   opts.DisableAutoRefetching,
		DisableCache:            opts.DisableCache,
		KeepPreviousData:        opts.KeepPreviousData,
	})
	coordRef = coord

	coord.SetParams(initialParams)
	if deferredFirstFetch {
		coord.Fetch(context.Background(), nil, coordinator.FetchOptions{})
	}

	s.st = st
	s.subsMgr = sm
	s.slot = slot
	s.coord = coord
	s.resolver = resolver
	s.enabledUnsub = enabledUnsub

	return s
}

func coalesceCacheTime(fn func(map[string]any) time.Duration, fallback time.Duration) func(map[string]any) time.Duration {
	if fn != nil {
		return fn
	}
	return func(map[string]any) time.Duration { return fallback }
}

// retryDelayFn resolves the retryDelay option: a function-valued config
// wins, else the flat duration (default 5s) retries at a constant
// cadence. A non-positive duration falls through to
// internal/scheduler.RetryDelay's jittered exponential backoff.
func retryDelayFn(fn func(retryCount int, err error) time.Duration, d time.Duration) func(retryCount int, err error) time.Duration {
	if fn != nil {
		return fn
	}
	if d <= 0 {
		return nil
	}
	return func(int, error) time.Duration { return d }
}

// Subscribe registers fn (optional) to be called on every state change
// and increments the subscriber count. The returned function releases
// both registrations; safe to call more than once.
func (s *Store[D]) Subscribe(fn func(State[D])) (unsubscribe func()) {
	var storeUnsub func()
	if fn != nil {
		storeUnsub = s.st.Subscribe(fn)
	}
	release := s.subsMgr.Subscribe()

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			if storeUnsub != nil {
				storeUnsub()
			}
		})
	}
}

// GetState returns the current observable state.
func (s *Store[D]) GetState() State[D] { return s.st.GetState() }

// Enabled returns the current enabled flag.
func (s *Store[D]) Enabled() bool { return s.subsMgr.Enabled() }

// SetEnabled sets the enabled flag directly. A reactive enabled source
// writing in the same tick is resolved last-write-wins.
func (s *Store[D]) SetEnabled(v bool) { s.coord.SetEnabled(v) }

// QueryKey returns the current canonical query key.
func (s *Store[D]) QueryKey() string { return s.st.GetState().QueryKey }

// Fetch runs one fetch cycle. A nil params uses the resolver's current
// resolved parameters.
func (s *Store[D]) Fetch(ctx context.Context, params map[string]any, opts FetchOptions) *D {
	return s.coord.Fetch(ctx, params, opts)
}

// GetData returns cached data for params; a nil params reads the
// current queryKey, which under "keep previous data" still names the
// previous key while a new one is in flight.
func (s *Store[D]) GetData(params map[string]any) *D {
	return s.coord.GetData(params)
}

// GetStatus derives the status view from current state.
func (s *Store[D]) GetStatus() StatusView {
	return coordinator.DeriveStatus(s.st.GetState())
}

// IsStale reports whether the current key's data is older than the
// effective stale time.
func (s *Store[D]) IsStale(override *time.Duration) bool {
	return s.coord.IsStale(override, nil)
}

// IsDataExpired reports whether the current key's data is older than
// the effective cache time.
func (s *Store[D]) IsDataExpired(override *time.Duration) bool {
	return s.coord.IsDataExpired(override, nil)
}

// Reset cancels timers, aborts the active fetch if configured, clears
// transient fields, restores defaults, and recomputes queryKey from the
// currently resolved parameters.
func (s *Store[D]) Reset() {
	key := querykey.Derive(s.effectiveParams(nil))
	s.coord.Reset(key, s.maxCacheEntries)
}

// Persist partializes current state and writes it through the
// configured storage Adapter. A no-op (returns nil) when no Adapter was
// configured.
func (s *Store[D]) Persist() error {
	if s.adapter == nil {
		return nil
	}
	p := persist.Partialize(s.clk.Now(), s.st.GetState(), s.userPartialize)
	return s.adapter.Save(p)
}

// PruneNow implements internal/scheduler.Pruner so a Store can be
// registered with a background cron sweep.
func (s *Store[D]) PruneNow() { s.coord.PruneNow() }

// Close releases the resolver's reactive subscriptions and the enabled
// source's subscription, if any. It does not close a shared storage DB.
func (s *Store[D]) Close() {
	s.resolver.Close()
	if s.enabledUnsub != nil {
		s.enabledUnsub()
	}
	s.slot.Cancel()
}

func (s *Store[D]) effectiveParams(params map[string]any) map[string]any {
	if params != nil {
		return params
	}
	return s.resolver.Resolved()
}
