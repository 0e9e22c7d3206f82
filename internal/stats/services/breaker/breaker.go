package breaker

import (
	"sync"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/repos/session"
)

// SessionKey is the session store key holding the unavailable flag.
const SessionKey = "livestats.backend_unavailable"

// Breaker records that the live backend is unreachable for the rest of the
// session. Once tripped it stays tripped; only Reset clears it.
type Breaker struct {
	mu          sync.RWMutex
	unavailable bool
	store       session.Store
	logger      log.Logger
}

// New returns a Breaker backed by store. A flag already present in the
// store (set by an earlier breaker in the same session) is honored. A nil
// store keeps the flag in memory only.
func New(store session.Store, logger log.Logger) *Breaker {
	b := &Breaker{store: store, logger: log.OrNoop(logger)}
	if store != nil {
		v, ok, err := store.Get(SessionKey)
		if err != nil {
			b.logger.Warn(map[string]any{"error": err}, "Failed to read breaker state from session")
		}
		b.unavailable = ok && v == "true"
	}
	return b
}

// IsUnavailable reports whether the primary path should be skipped.
func (b *Breaker) IsUnavailable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unavailable
}

// MarkUnavailable trips the breaker. Repeated calls are no-ops.
func (b *Breaker) MarkUnavailable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return
	}
	b.unavailable = true
	if b.store != nil {
		if err := b.store.Set(SessionKey, "true"); err != nil {
			b.logger.Warn(map[string]any{"error": err}, "Failed to persist breaker state to session")
		}
	}
	b.logger.Warn(nil, "Live backend marked unavailable for this session")
}

// Reset clears the flag in memory and in the session store.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = false
	if b.store != nil {
		if err := b.store.Delete(SessionKey); err != nil {
			b.logger.Warn(map[string]any{"error": err}, "Failed to clear breaker state in session")
		}
	}
}
