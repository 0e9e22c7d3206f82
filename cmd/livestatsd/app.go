package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/livestats/internal/stats/common/clock"
	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/config"
	"github.com/haukened/livestats/internal/stats/gateways/aggregate"
	"github.com/haukened/livestats/internal/stats/gateways/postgres"
	"github.com/haukened/livestats/internal/stats/repos/countcache"
	"github.com/haukened/livestats/internal/stats/repos/session"
	"github.com/haukened/livestats/internal/stats/services/breaker"
	"github.com/haukened/livestats/internal/stats/services/fetcher"
	"github.com/haukened/livestats/internal/stats/services/registry"
	"github.com/haukened/livestats/internal/stats/services/subscriptions"
)

// Application holds the wired live-count components.
type Application struct {
	config   *config.AppConfig
	repos    *repositories
	gateways *gateways
	breaker  *breaker.Breaker
	subs     *subscriptions.Manager
	registry *registry.Registry
}

// repositories holds all repository implementations
type repositories struct {
	session session.Store
	cache   registry.Cache
}

// gateways holds all gateway implementations. Interface fields stay nil
// when the backing gateway is not configured.
type gateways struct {
	counter  *postgres.Counter
	direct   fetcher.DirectCounter
	fallback fetcher.FallbackCounter
	opener   subscriptions.Opener
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	repos, err := buildRepositories(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	gws, err := buildGateways(cfg, logger)
	if err != nil {
		_ = repos.session.Close()
		return nil, fmt.Errorf("failed to build gateways: %w", err)
	}

	brk := breaker.New(repos.session, logger)
	f := fetcher.New(fetcher.Options{
		Direct:       gws.direct,
		Fallback:     gws.fallback,
		Breaker:      brk,
		Credentials:  cfg.HasCredential,
		FallbackOnly: cfg.Fetcher.FallbackOnly,
		Logger:       logger,
	})
	subs := subscriptions.New(subscriptions.Options{
		Opener:  gws.opener,
		Fetcher: f,
		Breaker: brk,
		Logger:  logger,
	})
	reg := registry.New(registry.Options{
		Fetcher:       f,
		Subscriptions: subs,
		Cache:         repos.cache,
		Clock:         clk,
		Logger:        logger,
	})
	subs.SetSink(reg)

	return &Application{
		config:   cfg,
		repos:    repos,
		gateways: gws,
		breaker:  brk,
		subs:     subs,
		registry: reg,
	}, nil
}

// buildRepositories creates the session store and the count cache
func buildRepositories(cfg *config.AppConfig, logger log.Logger) (*repositories, error) {
	var store session.Store
	if cfg.Session.Path != "" {
		s, err := session.NewBolt(session.BoltOptions{Path: cfg.Session.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		store = s
		logger.Info(map[string]any{"path": cfg.Session.Path}, "Session store opened")
	} else {
		store = session.NewMemory()
	}

	cache, err := countcache.New(cfg.Cache.Retained)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create count cache: %w", err)
	}
	logger.Info(map[string]any{
		"type":     "LRU",
		"retained": cfg.Cache.Retained,
	}, "Count cache configured")

	return &repositories{session: store, cache: cache}, nil
}

// buildGateways creates the Postgres and aggregation endpoint clients
func buildGateways(cfg *config.AppConfig, logger log.Logger) (*gateways, error) {
	gws := &gateways{}

	if cfg.HasCredential() {
		counter, err := postgres.NewCounter(postgres.CounterOptions{
			DSN:     cfg.Backend.DSN,
			Timeout: defaultBackendTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create counter: %w", err)
		}
		notifier, err := postgres.NewNotifier(postgres.NotifierOptions{
			DSN:    cfg.Backend.DSN,
			Prefix: cfg.Backend.NotifyPrefix,
			Logger: logger,
		})
		if err != nil {
			_ = counter.Close()
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		gws.counter = counter
		gws.direct = counter
		gws.opener = notifier
		logger.Info(map[string]any{"notify_prefix": cfg.Backend.NotifyPrefix}, "Postgres backend configured")
	}

	if cfg.Fallback.URL != "" {
		client, err := aggregate.NewClient(aggregate.Options{
			BaseURL: cfg.Fallback.URL,
			Timeout: cfg.Fallback.Timeout,
		})
		if err != nil {
			if gws.counter != nil {
				_ = gws.counter.Close()
			}
			return nil, fmt.Errorf("failed to create fallback client: %w", err)
		}
		gws.fallback = client
		logger.Info(map[string]any{
			"url":     cfg.Fallback.URL,
			"timeout": cfg.Fallback.Timeout,
		}, "Fallback endpoint configured")
	}

	if gws.direct == nil && gws.fallback == nil {
		logger.Warn(nil, "Neither a backend DSN nor a fallback URL is configured, counts will never resolve")
	}
	return gws, nil
}

// Serve runs the aggregation endpoint until ctx is cancelled.
func (app *Application) Serve(ctx context.Context) error {
	if app.gateways.counter == nil {
		return errors.New("serve requires a backend DSN")
	}
	handler := aggregate.NewHandler(app.gateways.counter, app.config.Serve.Tables, log.GetLogger(), postgres.ErrQueryShape)
	if handler.AllowsAll() {
		log.Warn(nil, "No table allow list configured (STATS_SERVE_TABLES), counts are served for every non-system table")
	}
	server := aggregate.NewServer(fmt.Sprintf(":%d", app.config.Serve.Port), handler.Routes(), log.GetLogger())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start aggregate server: %w", err)
	}

	log.Info(map[string]any{
		"address": server.Address(),
		"tables":  app.config.Serve.Tables,
	}, "Aggregation endpoint started")

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")

	if err := server.Stop(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during server shutdown")
	}
	return nil
}

// Close tears the application down. Consumers still holding handles see
// their update channels close.
func (app *Application) Close() error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.registry.Close()
		app.subs.Close()
	}()
	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return errors.New("shutdown timeout")
	}

	var errs []error
	if app.gateways.counter != nil {
		errs = append(errs, app.gateways.counter.Close())
	}
	errs = append(errs, app.repos.session.Close())
	return errors.Join(errs...)
}
