package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/haukened/livestats/internal/stats/domain"
	"github.com/haukened/livestats/internal/stats/repos/session"
	"github.com/haukened/livestats/internal/stats/services/breaker"
)

type MockCounter struct {
	mock.Mock
}

func (m *MockCounter) Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error) {
	args := m.Called(ctx, table, filters)
	return args.Get(0).(int64), args.Error(1)
}

func hasCredential() bool { return true }

func newTestFetcher(direct, fallback *MockCounter, b *breaker.Breaker, creds CredentialCheck, only ...string) *Fetcher {
	opts := Options{Breaker: b, Credentials: creds, FallbackOnly: only}
	if direct != nil {
		opts.Direct = direct
	}
	if fallback != nil {
		opts.Fallback = fallback
	}
	return New(opts)
}

var pendingFilters = []domain.FilterPredicate{domain.Eq("status", "pending_review")}

func TestFetch_DirectSuccess(t *testing.T) {
	direct, fallback := &MockCounter{}, &MockCounter{}
	direct.On("Count", mock.Anything, "clubs", pendingFilters).Return(int64(7), nil).Once()
	b := breaker.New(session.NewMemory(), nil)

	f := newTestFetcher(direct, fallback, b, hasCredential)
	n, ok := f.Fetch(context.Background(), domain.Normalize("clubs", pendingFilters), "clubs", pendingFilters)

	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	assert.False(t, b.IsUnavailable())
	direct.AssertExpectations(t)
	fallback.AssertNotCalled(t, "Count", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_DirectZeroIsAValue(t *testing.T) {
	direct := &MockCounter{}
	direct.On("Count", mock.Anything, "clubs", mock.Anything).Return(int64(0), nil)
	f := newTestFetcher(direct, nil, breaker.New(nil, nil), hasCredential)

	n, ok := f.Fetch(context.Background(), "clubs", "clubs", nil)
	assert.True(t, ok)
	assert.Zero(t, n)
}

func TestFetch_DirectFailureTripsBreakerAndFallsBack(t *testing.T) {
	direct, fallback := &MockCounter{}, &MockCounter{}
	direct.On("Count", mock.Anything, "reviews", mock.Anything).Return(int64(0), errors.New("connection refused")).Once()
	fallback.On("Count", mock.Anything, "reviews", mock.Anything).Return(int64(42), nil)
	b := breaker.New(session.NewMemory(), nil)
	f := newTestFetcher(direct, fallback, b, hasCredential)

	n, ok := f.Fetch(context.Background(), "reviews", "reviews", nil)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	assert.True(t, b.IsUnavailable())

	// The breaker now routes straight to the fallback.
	n, ok = f.Fetch(context.Background(), "reviews", "reviews", nil)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	direct.AssertNumberOfCalls(t, "Count", 1)
	fallback.AssertNumberOfCalls(t, "Count", 2)
}

func TestFetch_BothFailReturnsUnresolved(t *testing.T) {
	direct, fallback := &MockCounter{}, &MockCounter{}
	direct.On("Count", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("boom"))
	fallback.On("Count", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("malformed"))
	f := newTestFetcher(direct, fallback, breaker.New(nil, nil), hasCredential)

	n, ok := f.Fetch(context.Background(), "reviews", "reviews", nil)
	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestFetch_SkipsDirect(t *testing.T) {
	tripped := breaker.New(nil, nil)
	tripped.MarkUnavailable()

	tests := []struct {
		name    string
		table   string
		creds   CredentialCheck
		breaker *breaker.Breaker
		only    []string
	}{
		{"fallback-only table", "Reports", hasCredential, breaker.New(nil, nil), []string{"reports"}},
		{"nil credential check", "reviews", nil, breaker.New(nil, nil), nil},
		{"credential absent", "reviews", func() bool { return false }, breaker.New(nil, nil), nil},
		{"breaker tripped", "reviews", hasCredential, tripped, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			direct, fallback := &MockCounter{}, &MockCounter{}
			fallback.On("Count", mock.Anything, tt.table, mock.Anything).Return(int64(3), nil)
			f := newTestFetcher(direct, fallback, tt.breaker, tt.creds, tt.only...)

			n, ok := f.Fetch(context.Background(), domain.Normalize(tt.table, nil), tt.table, nil)
			assert.True(t, ok)
			assert.Equal(t, int64(3), n)
			direct.AssertNotCalled(t, "Count", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestFetch_SkippedDirectDoesNotTripBreaker(t *testing.T) {
	fallback := &MockCounter{}
	fallback.On("Count", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	b := breaker.New(nil, nil)
	f := newTestFetcher(&MockCounter{}, fallback, b, nil)

	f.Fetch(context.Background(), "reviews", "reviews", nil)
	assert.False(t, b.IsUnavailable())
}

func TestFetch_NoCounters(t *testing.T) {
	f := New(Options{Credentials: hasCredential})
	_, ok := f.Fetch(context.Background(), "reviews", "reviews", nil)
	assert.False(t, ok)
}

func TestIsFallbackOnly(t *testing.T) {
	f := New(Options{FallbackOnly: []string{" Reports ", "audit_log"}})
	assert.True(t, f.IsFallbackOnly("reports"))
	assert.True(t, f.IsFallbackOnly("AUDIT_LOG"))
	assert.False(t, f.IsFallbackOnly("reviews"))
}

func TestFetch_ConcurrentKeys(t *testing.T) {
	direct := &MockCounter{}
	direct.On("Count", mock.Anything, "a", mock.Anything).Return(int64(1), nil)
	direct.On("Count", mock.Anything, "b", mock.Anything).Return(int64(2), nil)
	f := newTestFetcher(direct, nil, breaker.New(nil, nil), hasCredential)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		table, want := "a", int64(1)
		if i%2 == 1 {
			table, want = "b", 2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, ok := f.Fetch(context.Background(), domain.StatKey(table), table, nil)
			assert.True(t, ok)
			assert.Equal(t, want, n)
		}()
	}
	wg.Wait()
}

func TestFetch_CancelledContextLeavesBreakerAlone(t *testing.T) {
	store := session.NewMemory()
	b := breaker.New(store, nil)
	ctx, cancel := context.WithCancel(context.Background())

	direct, fallback := &MockCounter{}, &MockCounter{}
	direct.On("Count", mock.Anything, "clubs", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(int64(0), context.Canceled).Once()
	f := newTestFetcher(direct, fallback, b, hasCredential)

	n, ok := f.Fetch(ctx, "clubs", "clubs", nil)
	assert.False(t, ok)
	assert.Zero(t, n)
	assert.False(t, b.IsUnavailable())
	_, found, err := store.Get(breaker.SessionKey)
	assert.NoError(t, err)
	assert.False(t, found, "nothing is persisted to the session")
	fallback.AssertNotCalled(t, "Count", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_CancelledFallbackIsUnresolved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fallback := &MockCounter{}
	fallback.On("Count", mock.Anything, "clubs", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(int64(0), context.Canceled).Once()
	f := newTestFetcher(nil, fallback, breaker.New(nil, nil), nil)

	_, ok := f.Fetch(ctx, "clubs", "clubs", nil)
	assert.False(t, ok)
}
