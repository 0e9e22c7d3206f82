package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haukened/livestats/internal/stats/common/log"
)

// Server runs a Handler on its own listener.
type Server struct {
	addr    string
	handler http.Handler
	logger  log.Logger

	mu       sync.Mutex
	running  bool
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server for addr. Use port 0 to pick a free port.
func NewServer(addr string, handler http.Handler, logger log.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  log.OrNoop(logger),
	}
}

// Start binds the listener and serves in the background until Stop or ctx
// is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("aggregate server already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind aggregate server on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info(map[string]any{
		"transport": "http",
		"address":   ln.Addr().String(),
	}, "Aggregate server started")

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(map[string]any{"error": err}, "Aggregate server failed")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-done:
		}
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	s.running = false

	if err != nil {
		s.logger.Warn(map[string]any{"error": err}, "Error shutting down aggregate server")
	}
	s.logger.Info(map[string]any{
		"transport": "http",
		"address":   s.listener.Addr().String(),
	}, "Aggregate server stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
