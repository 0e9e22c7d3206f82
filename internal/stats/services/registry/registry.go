package registry

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/livestats/internal/stats/common/clock"
	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
)

// Registry is the shared owner of live counts. Consumers register interest
// in a (table, filters) pair; the registry keeps one change subscription per
// key while anyone is interested and writes every resolved count into its
// cache. Register and Unregister never fail.
type Registry struct {
	fetcher Fetcher
	subs    Subscriptions
	cache   Cache
	clock   clock.Clock
	logger  log.Logger

	mu        sync.Mutex
	refs      map[domain.StatKey]int
	queries   map[domain.StatKey]query
	listeners map[domain.StatKey]map[*Handle]struct{}
	closed    bool

	flights singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// query is the (table, filters) pair a key was registered with.
type query struct {
	table   string
	filters []domain.FilterPredicate
}

// Options configures a Registry. Subscriptions may be nil for a
// fetch-only registry.
type Options struct {
	Fetcher       Fetcher
	Subscriptions Subscriptions
	Cache         Cache
	Clock         clock.Clock
	Logger        log.Logger
}

// New returns an empty Registry. It starts no goroutines until the first
// registration.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		fetcher:   opts.Fetcher,
		subs:      opts.Subscriptions,
		cache:     opts.Cache,
		clock:     opts.Clock,
		logger:    log.With(log.OrNoop(opts.Logger), map[string]any{"component": "registry"}),
		refs:      make(map[domain.StatKey]int),
		queries:   make(map[domain.StatKey]query),
		listeners: make(map[domain.StatKey]map[*Handle]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register records interest in the count of table rows matching filters
// and returns its key. The first registration for a key may prime the cache
// with initial so consumers can paint before the network answers. Every
// registration ensures a change subscription and starts a fetch; fetches
// for a key already in flight are shared.
func (r *Registry) Register(table string, filters []domain.FilterPredicate, initial ...int64) domain.StatKey {
	return r.register(table, filters, initial, nil)
}

func (r *Registry) register(table string, filters []domain.FilterPredicate, initial []int64, h *Handle) domain.StatKey {
	key := domain.Normalize(table, filters)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if h != nil {
			h.closeUpdates()
		}
		return key
	}
	existed := r.cache.Pin(key)
	if !existed && len(initial) > 0 {
		r.cache.Seed(key, initial[0], r.clock.Now())
	}
	r.refs[key]++
	refs := r.refs[key]
	if refs == 1 {
		r.queries[key] = query{table: table, filters: filters}
	}
	if h != nil {
		if r.listeners[key] == nil {
			r.listeners[key] = make(map[*Handle]struct{})
		}
		r.listeners[key][h] = struct{}{}
	}
	if r.subs != nil {
		r.subs.Ensure(key, table, filters)
	}
	// Started under the lock so Close cannot begin waiting in between.
	r.fetch(key, table, filters)
	r.mu.Unlock()

	r.logger.Debug(map[string]any{"key": key, "refs": refs}, "Registered stat consumer")
	return key
}

// fetch resolves key in the background. Concurrent calls for the same key
// join the pending fetch instead of issuing another query.
func (r *Registry) fetch(key domain.StatKey, table string, filters []domain.FilterPredicate) {
	if r.fetcher == nil {
		return
	}
	r.wg.Go(func() {
		_, _, _ = r.flights.Do(string(key), func() (any, error) {
			if n, ok := r.fetcher.Fetch(r.ctx, key, table, filters); ok {
				r.Store(key, n)
			}
			return nil, nil
		})
	})
}

// Unregister drops one consumer of key. When none remain the change
// subscription is removed; the cached entry is kept for a while in case the
// key comes back. Extra calls are ignored.
func (r *Registry) Unregister(key domain.StatKey) {
	r.mu.Lock()
	last := r.unregisterLocked(key)
	r.mu.Unlock()
	if last {
		r.removeSubscription(key)
	}
}

// unregisterLocked drops one reference and reports whether it was the last.
// The caller removes the subscription after releasing r.mu.
func (r *Registry) unregisterLocked(key domain.StatKey) bool {
	n, ok := r.refs[key]
	if !ok {
		r.logger.Debug(map[string]any{"key": key}, "Unregister for key without consumers ignored")
		return false
	}
	if n > 1 {
		r.refs[key] = n - 1
		return false
	}
	delete(r.refs, key)
	delete(r.queries, key)
	r.cache.Unpin(key)
	return true
}

// removeSubscription closes the change channel for key outside r.mu, since
// closing may wait on the network. A consumer that registered the key again
// in the meantime gets its subscription back.
func (r *Registry) removeSubscription(key domain.StatKey) {
	if r.subs == nil {
		return
	}
	r.subs.Remove(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queries[key]; ok && !r.closed {
		r.subs.Ensure(key, q.table, q.filters)
		return
	}
	r.logger.Debug(map[string]any{"key": key}, "Last stat consumer gone, subscription removed")
}

// Store writes a resolved count for key and wakes its consumers. Later
// writes win. Writes for keys the cache has already dropped are ignored.
func (r *Registry) Store(key domain.StatKey, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cache.Set(key, count, r.clock.Now()) {
		r.logger.Debug(map[string]any{"key": key}, "Discarded count for evicted key")
		return
	}
	for h := range r.listeners[key] {
		h.notify()
	}
}

// GetCount returns the cached count. ok is false while the count is
// unresolved or the key is unknown; it never triggers a fetch.
func (r *Registry) GetCount(key domain.StatKey) (int64, bool) {
	e, ok := r.cache.Get(key)
	if !ok {
		return 0, false
	}
	return e.Value()
}

// Entry returns the cached entry for key.
func (r *Registry) Entry(key domain.StatKey) (domain.CountEntry, bool) {
	return r.cache.Get(key)
}

// Refcount returns the number of active consumers of key.
func (r *Registry) Refcount(key domain.StatKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[key]
}

// Close cancels in-flight fetches, removes every subscription and ends all
// handles' update streams. Registering after Close is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	keys := make([]domain.StatKey, 0, len(r.refs))
	for key := range r.refs {
		keys = append(keys, key)
		delete(r.refs, key)
		delete(r.queries, key)
		r.cache.Unpin(key)
	}
	for key, hs := range r.listeners {
		for h := range hs {
			h.closeUpdates()
		}
		delete(r.listeners, key)
	}
	r.mu.Unlock()

	r.cancel()
	if r.subs != nil {
		var removing conc.WaitGroup
		for _, key := range keys {
			removing.Go(func() { r.subs.Remove(key) })
		}
		removing.Wait()
	}
	r.wg.Wait()
}
