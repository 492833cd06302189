package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the registered collectors for the lifetime of one run.
type Server struct {
	addr     string
	path     string
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server
	closed chan struct{}
}

// NewServer serves the default registry on addr under path ("/metrics"
// when empty).
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path, gatherer: prometheus.DefaultGatherer}
}

// Handler serves the metrics path only.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      scrapeLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return mux
}

// Addr is the bound address once Start returned, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background until Stop is
// called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.closed = make(chan struct{})

	slog.Info("metrics server listening", "addr", s.addr, "path", s.path)

	srv, closed := s.server, s.closed
	go func() {
		defer close(closed)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", ln.Addr().String(), "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(context.Background())
		case <-closed:
		}
	}()
	return nil
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, closed := s.server, s.closed
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	<-closed
	return nil
}

// Done is closed once the server stopped serving.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		return nil
	}
	return s.closed
}

type scrapeLogger struct{}

func (scrapeLogger) Println(v ...any) {
	slog.Warn("metrics scrape error", "error", fmt.Sprint(v...))
}
