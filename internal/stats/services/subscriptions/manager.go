package subscriptions

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
)

// Manager keeps at most one change-notification channel per StatKey and
// re-fetches the key's count whenever its table changes.
//
// Channel failures never reach callers: a channel that cannot be opened is
// logged and the key runs fetch-only until something ensures it again.
type Manager struct {
	opener  Opener
	fetcher Fetcher
	breaker Breaker
	sink    Sink
	logger  log.Logger

	mu     sync.Mutex
	subs   map[domain.StatKey]*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Options configures a Manager.
type Options struct {
	Opener  Opener
	Fetcher Fetcher
	Breaker Breaker
	Sink    Sink
	Logger  log.Logger
}

type subscription struct {
	key     domain.StatKey
	table   string
	filters []domain.FilterPredicate
	channel Channel // nil until the channel has opened
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a Manager. Sink may be set later with SetSink.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opener:  opts.Opener,
		fetcher: opts.Fetcher,
		breaker: opts.Breaker,
		sink:    opts.Sink,
		logger:  log.With(log.OrNoop(opts.Logger), map[string]any{"component": "subscriptions"}),
		subs:    make(map[domain.StatKey]*subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetSink replaces the sink. It must be called before the first Ensure.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Ensure makes sure a channel exists or is being opened for key. It is a
// no-op when one already does, when the breaker has tripped, or after Close.
// The slot is reserved before returning; the channel opens in the background.
func (m *Manager) Ensure(key domain.StatKey, table string, filters []domain.FilterPredicate) {
	m.mu.Lock()
	if m.closed || m.opener == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return
	}
	if m.breaker != nil && m.breaker.IsUnavailable() {
		m.mu.Unlock()
		m.logger.Debug(map[string]any{"key": key}, "Backend unavailable, not opening change channel")
		return
	}
	sub := &subscription{key: key, table: table, filters: filters}
	sub.ctx, sub.cancel = context.WithCancel(m.ctx)
	m.subs[key] = sub
	m.mu.Unlock()

	m.wg.Go(func() { m.run(sub) })
}

// Remove closes and forgets the channel for key. Close errors are logged
// and swallowed.
func (m *Manager) Remove(key domain.StatKey) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	var ch Channel
	if ok {
		ch = sub.channel
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	if ch != nil {
		m.closeChannel(key, ch)
	}
}

// Active reports whether key has an open channel.
func (m *Manager) Active(key domain.StatKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	return ok && sub.channel != nil
}

// Len returns the number of reserved or open channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close removes every channel and waits for background work to finish.
// Ensure is a no-op afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	keys := make([]domain.StatKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.Remove(k)
	}
	m.cancel()
	m.wg.Wait()
}

// run opens the channel for sub and pumps its events until the
// subscription is removed or the channel ends.
func (m *Manager) run(sub *subscription) {
	ch, err := m.opener.Open(sub.ctx, sub.table)
	if err != nil {
		m.logger.Warn(map[string]any{
			"key":   sub.key,
			"table": sub.table,
			"error": err,
		}, "Failed to open change channel, continuing without live updates")
		m.release(sub)
		return
	}

	m.mu.Lock()
	if m.subs[sub.key] != sub {
		// Removed while opening.
		m.mu.Unlock()
		m.closeChannel(sub.key, ch)
		return
	}
	sub.channel = ch
	m.mu.Unlock()

	m.logger.Debug(map[string]any{"key": sub.key, "table": sub.table}, "Change channel open")

	events := ch.Events()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if sub.ctx.Err() == nil {
					m.logger.Warn(map[string]any{"key": sub.key, "table": sub.table}, "Change channel ended")
					m.release(sub)
					m.closeChannel(sub.key, ch)
				}
				return
			}
			m.refresh(sub, ev)
		}
	}
}

// refresh performs exactly one fetch for an event. The fetch runs on the
// manager's context: removing the key does not cancel it, and the sink
// decides whether the late value is still wanted.
func (m *Manager) refresh(sub *subscription, ev domain.ChangeEvent) {
	m.logger.Debug(map[string]any{
		"key":       sub.key,
		"operation": ev.Operation.String(),
		"table":     ev.Table,
	}, "Table changed, refreshing count")

	n, ok := m.fetcher.Fetch(m.ctx, sub.key, sub.table, sub.filters)
	if !ok {
		return
	}
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Store(sub.key, n)
	}
}

// release frees the slot if it still belongs to sub.
func (m *Manager) release(sub *subscription) {
	m.mu.Lock()
	if m.subs[sub.key] == sub {
		delete(m.subs, sub.key)
	}
	m.mu.Unlock()
	sub.cancel()
}

func (m *Manager) closeChannel(key domain.StatKey, ch Channel) {
	if err := ch.Close(); err != nil {
		m.logger.Debug(map[string]any{"key": key, "error": err}, "Error closing change channel")
	}
}
