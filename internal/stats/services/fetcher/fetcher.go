package fetcher

import (
	"context"
	"strings"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
)

// Fetcher resolves counts, preferring the backing store and falling back
// to the aggregation endpoint. It never returns an error: an unresolved
// count is reported as ok == false.
type Fetcher struct {
	direct       DirectCounter
	fallback     FallbackCounter
	breaker      Breaker
	credentials  CredentialCheck
	fallbackOnly map[string]struct{}
	logger       log.Logger
}

// Options configures a Fetcher.
type Options struct {
	Direct   DirectCounter
	Fallback FallbackCounter
	Breaker  Breaker
	// Credentials may be nil, meaning no credential is ever present.
	Credentials CredentialCheck
	// FallbackOnly names tables that are never queried directly.
	FallbackOnly []string
	Logger       log.Logger
}

// New returns a Fetcher. Direct and Fallback may each be nil, in which
// case that path is treated as failing.
func New(opts Options) *Fetcher {
	only := make(map[string]struct{}, len(opts.FallbackOnly))
	for _, t := range opts.FallbackOnly {
		only[canonicalTable(t)] = struct{}{}
	}
	return &Fetcher{
		direct:       opts.Direct,
		fallback:     opts.Fallback,
		breaker:      opts.Breaker,
		credentials:  opts.Credentials,
		fallbackOnly: only,
		logger:       log.With(log.OrNoop(opts.Logger), map[string]any{"component": "fetcher"}),
	}
}

// Fetch resolves the count for key. The direct query is attempted only
// when the table is not fallback-only, a credential is present and the
// breaker has not tripped. A direct failure trips the breaker and the same
// call continues with the fallback. A cancelled ctx ends the call unresolved
// without touching the breaker. Safe for concurrent use.
func (f *Fetcher) Fetch(ctx context.Context, key domain.StatKey, table string, filters []domain.FilterPredicate) (int64, bool) {
	if reason := f.skipDirect(table); reason != "" {
		f.logger.Debug(map[string]any{"key": key, "reason": reason}, "Skipping direct count query")
	} else {
		n, err := f.direct.Count(ctx, table, filters)
		if err == nil {
			return n, true
		}
		if ctx.Err() != nil {
			// Cancelled by the caller; the backend did not fail.
			f.logger.Debug(map[string]any{"key": key, "error": err}, "Direct count query cancelled")
			return 0, false
		}
		f.logger.Warn(map[string]any{"key": key, "error": err}, "Direct count query failed, using fallback")
		if f.breaker != nil {
			f.breaker.MarkUnavailable()
		}
	}
	return f.fetchFallback(ctx, key, table, filters)
}

// skipDirect returns why the direct path is skipped, or "" to attempt it.
func (f *Fetcher) skipDirect(table string) string {
	switch {
	case f.direct == nil:
		return "no direct counter"
	case f.IsFallbackOnly(table):
		return "fallback-only table"
	case f.credentials == nil || !f.credentials():
		return "no credential"
	case f.breaker != nil && f.breaker.IsUnavailable():
		return "backend unavailable"
	}
	return ""
}

func (f *Fetcher) fetchFallback(ctx context.Context, key domain.StatKey, table string, filters []domain.FilterPredicate) (int64, bool) {
	if f.fallback == nil {
		return 0, false
	}
	n, err := f.fallback.Count(ctx, table, filters)
	if err != nil {
		if ctx.Err() != nil {
			f.logger.Debug(map[string]any{"key": key, "error": err}, "Fallback count cancelled")
			return 0, false
		}
		f.logger.Warn(map[string]any{"key": key, "error": err}, "Fallback count failed, count stays unresolved")
		return 0, false
	}
	return n, true
}

// IsFallbackOnly reports whether table is configured to skip the direct path.
func (f *Fetcher) IsFallbackOnly(table string) bool {
	_, ok := f.fallbackOnly[canonicalTable(table)]
	return ok
}

func canonicalTable(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
