package fetcher

import (
	"context"

	"github.com/haukened/livestats/internal/stats/domain"
)

// DirectCounter runs a count query against the backing store.
type DirectCounter interface {
	Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error)
}

// FallbackCounter asks the same-origin aggregation endpoint for a count.
type FallbackCounter interface {
	Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error)
}

// Breaker is the session scoped availability flag for the primary path.
type Breaker interface {
	IsUnavailable() bool
	MarkUnavailable()
}

// CredentialCheck reports whether the host currently holds a credential
// the backing store would accept. It is never used to authorize writes.
type CredentialCheck func() bool
