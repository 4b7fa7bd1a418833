// Package server runs the HTTP listener and stops the service's components
// in order when it exits.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc stops one component within ctx.
type ShutdownFunc func(ctx context.Context) error

// Config holds listener settings.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type component struct {
	name string
	stop ShutdownFunc
}

// Server is an http.Server with ordered shutdown of dependent components.
type Server struct {
	http    *http.Server
	grace   time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	cleanup []component
}

// New builds a Server listening on cfg.Port.
func New(handler http.Handler, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: min(cfg.ReadTimeout, 10*time.Second),
			WriteTimeout:      cfg.WriteTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		grace:  cfg.ShutdownTimeout,
		logger: logger.With("component", "server"),
	}
}

// OnShutdown registers fn to run after the listener closes. Components stop
// in reverse registration order, so whatever others depend on should be
// registered first.
func (s *Server) OnShutdown(name string, fn ShutdownFunc) {
	s.mu.Lock()
	s.cleanup = append(s.cleanup, component{name: name, stop: fn})
	s.mu.Unlock()
}

// Run serves until ctx ends, SIGINT or SIGTERM arrives or the listener
// fails, then shuts everything down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	failed := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	var cause error
	select {
	case err := <-failed:
		s.logger.Error("listener failed", "error", err)
		cause = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}
	return errors.Join(cause, s.shutdown())
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	var errs []error
	s.http.SetKeepAlivesEnabled(false)
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	s.mu.Lock()
	order := slices.Clone(s.cleanup)
	s.mu.Unlock()
	slices.Reverse(order)

	for _, c := range order {
		start := time.Now()
		if err := c.stop(ctx); err != nil {
			s.logger.Error("component failed to stop", "name", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		s.logger.Info("component stopped", "name", c.name, "took", time.Since(start))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "errors", len(errs))
	} else {
		s.logger.Info("shutdown complete")
	}
	return err
}
