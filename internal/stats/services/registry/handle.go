package registry

import (
	"sync"

	"github.com/haukened/livestats/internal/stats/domain"
)

// Handle is one consumer's registration of a key. Release must be called
// when the consumer goes away; it is safe to call more than once and from
// any goroutine.
type Handle struct {
	r       *Registry
	key     domain.StatKey
	updates chan struct{}
	closed  bool // guarded by r.mu
	once    sync.Once
}

// Acquire registers a consumer and returns its handle.
func (r *Registry) Acquire(table string, filters []domain.FilterPredicate, initial ...int64) *Handle {
	h := &Handle{r: r, updates: make(chan struct{}, 1)}
	h.key = r.register(table, filters, initial, h)
	return h
}

// With acquires a handle, runs fn, and releases the handle however fn exits.
// initial primes a new key the same way Acquire does.
func (r *Registry) With(table string, filters []domain.FilterPredicate, fn func(h *Handle) error, initial ...int64) error {
	h := r.Acquire(table, filters, initial...)
	defer h.Release()
	return fn(h)
}

// Key returns the handle's StatKey.
func (h *Handle) Key() domain.StatKey { return h.key }

// Count returns the current count; ok is false while it is loading.
func (h *Handle) Count() (int64, bool) { return h.r.GetCount(h.key) }

// Entry returns the current cache entry.
func (h *Handle) Entry() (domain.CountEntry, bool) { return h.r.Entry(h.key) }

// Updates receives a value after the count changes. Signals coalesce, so a
// slow reader sees at least one signal per burst. The channel is closed on
// Release or when the registry closes.
func (h *Handle) Updates() <-chan struct{} { return h.updates }

// Release unregisters the consumer exactly once.
func (h *Handle) Release() {
	h.once.Do(func() {
		r := h.r
		last := false
		r.mu.Lock()
		if hs, ok := r.listeners[h.key]; ok {
			if _, mine := hs[h]; mine {
				delete(hs, h)
				if len(hs) == 0 {
					delete(r.listeners, h.key)
				}
				last = r.unregisterLocked(h.key)
			}
		}
		h.closeUpdates()
		r.mu.Unlock()
		if last {
			r.removeSubscription(h.key)
		}
	})
}

func (h *Handle) notify() {
	if h.closed {
		return
	}
	select {
	case h.updates <- struct{}{}:
	default:
	}
}

func (h *Handle) closeUpdates() {
	if h.closed {
		return
	}
	h.closed = true
	close(h.updates)
}
