package subscriptions

import (
	"context"

	"github.com/haukened/livestats/internal/stats/domain"
)

// Channel is an open change-notification stream for one table. Events is
// closed when the channel ends, whether by Close or by the backend.
type Channel interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// Opener opens change-notification channels scoped to a table.
type Opener interface {
	Open(ctx context.Context, table string) (Channel, error)
}

// Fetcher resolves a count; ok is false when the count stays unknown.
type Fetcher interface {
	Fetch(ctx context.Context, key domain.StatKey, table string, filters []domain.FilterPredicate) (int64, bool)
}

// Breaker reports whether the live backend is known to be unreachable.
type Breaker interface {
	IsUnavailable() bool
}

// Sink receives counts resolved after a change event.
type Sink interface {
	Store(key domain.StatKey, count int64)
}
