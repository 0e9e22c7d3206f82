package registry

import (
	"context"
	"time"

	"github.com/haukened/livestats/internal/stats/domain"
)

// Fetcher resolves a count; ok is false when the count stays unknown.
type Fetcher interface {
	Fetch(ctx context.Context, key domain.StatKey, table string, filters []domain.FilterPredicate) (int64, bool)
}

// Subscriptions keeps change-notification channels alive per key.
type Subscriptions interface {
	Ensure(key domain.StatKey, table string, filters []domain.FilterPredicate)
	Remove(key domain.StatKey)
}

// Cache stores CountEntries. Pin and Unpin track whether a key has
// consumers; Set drops writes for keys the cache no longer holds.
type Cache interface {
	Pin(key domain.StatKey) bool
	Unpin(key domain.StatKey)
	Seed(key domain.StatKey, count int64, at time.Time) bool
	Set(key domain.StatKey, count int64, at time.Time) bool
	Get(key domain.StatKey) (domain.CountEntry, bool)
}
