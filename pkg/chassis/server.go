// Package chassis owns the HTTP listener lifecycle: bind, serve (plain or
// TLS), and graceful shutdown.
//
// The MCP streamable transport is an ordinary http.Handler, so the API
// router and the tool endpoint share one TCP port.
package chassis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
)

// Server wraps an http.Server with an explicit start/stop lifecycle.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server

	mu    sync.Mutex
	ln    net.Listener
	ready chan struct{}
}

// Config holds configuration for the chassis server.
type Config struct {
	Addr              string       // TCP listen address (e.g. "127.0.0.1:8000")
	Handler           http.Handler // API router including the MCP endpoint
	CertFile          string       // both set = serve TLS
	KeyFile           string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	Logger            *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("chassis: handler is required")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("chassis: cert and key files must be set together")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		http: &http.Server{
			Handler:           cfg.Handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		ready: make(chan struct{}),
	}, nil
}

// Start binds the listener and serves until Stop is called. A clean
// shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	close(s.ready)
	s.mu.Unlock()

	tls := s.cfg.CertFile != ""
	s.logger.Info("chassis started", "addr", ln.Addr().String(), "tls", tls)

	if tls {
		err = s.http.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.http.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address, or nil before Start has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop drains in-flight requests until ctx expires, then closes the rest.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("chassis stopping")
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("graceful shutdown timed out, closing connections")
		err = errors.Join(err, s.http.Close())
	}
	s.logger.Info("chassis stopped")
	return err
}
