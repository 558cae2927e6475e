package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "pingcast/internal/runtime/supervisor"
	logx "pingcast/pkg/logx"
)

const (
	DefaultAddr = ":8080"

	shutdownGrace = 2 * time.Second
)

var errServeExited = errors.New("http server exited unexpectedly")

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the listener. A listen or serve failure is retried with
// backoff until Stop.
type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	ready     chan struct{}
	readyOnce sync.Once
	active    atomic.Pointer[http.Server]
	addr      atomic.Pointer[string]

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, handler: handler, log: log, ready: make(chan struct{})}
}

// Addr is the bound address while listening, "" otherwise.
func (s *Server) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Ready closes on the first successful listen.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start returns at once; listening happens in the background. A second
// Start before Stop does nothing.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop drains open requests. When ctx ends first the remaining
// connections are closed.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		if srv := s.active.Load(); srv != nil {
			_ = srv.Close()
		}
		s.log.Warn("http drain timed out, connections closed", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("http server stopped")
}

func (s *Server) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	bound := ln.Addr().String()
	s.active.Store(srv)
	s.addr.Store(&bound)
	s.readyOnce.Do(func() { close(s.ready) })
	defer func() {
		s.addr.Store(nil)
		s.active.CompareAndSwap(srv, nil)
	}()

	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	})

	s.log.Info("http server started", logx.String("addr", bound))
	err = srv.Serve(ln)
	if !stop() {
		// Serve returned because of the shutdown; let it finish draining.
		<-drained
		return context.Canceled
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errServeExited
	}
	return err
}
