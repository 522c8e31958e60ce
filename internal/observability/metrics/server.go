package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studytrack/internal/runtime/supervisor"
	logx "studytrack/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9464"

// ServerConfig controls the /metrics listener.
type ServerConfig struct {
	Enabled bool
	Addr    string
	Path    string
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	return c
}

// Server exposes a gatherer over HTTP. Apply may be called again on reload.
// The serve loop runs under its own supervisor and is restarted on the same
// address when the listener breaks.
type Server struct {
	mu       sync.Mutex
	log      logx.Logger
	gatherer prometheus.Gatherer
	sup      *supervisor.Supervisor
	addr     string
	path     string
	pprof    bool

	lnMu sync.Mutex
	ln   net.Listener
}

func NewServer(g prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{gatherer: g, log: log.With(logx.Component("metrics"))}
}

// Apply starts, stops or moves the listener according to cfg. The listener
// outlives ctx; only Apply and Stop end it.
func (s *Server) Apply(ctx context.Context, cfg ServerConfig) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.sup != nil && s.addr == cfg.Addr && s.path == cfg.Path && s.pprof == cfg.Pprof {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(ctx, cfg)
}

func (s *Server) handler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// startLocked binds synchronously so Apply reports a bad address, then hands
// the listener to the restart loop.
func (s *Server) startLocked(ctx context.Context, cfg ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h := s.handler(cfg)
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("metrics listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	addr := ln.Addr().String()

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		// metrics are optional; a broken listener is retried, never fatal
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	s.addr = addr
	s.path = cfg.Path
	s.pprof = cfg.Pprof

	first := ln
	sup.GoRestart("metrics.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", addr); err != nil {
				return err
			}
		}
		return s.serveOnce(c, l, h)
	}, supervisor.WithRestartBackoff(restartBackoffMin, restartBackoffMax))

	s.log.Info("metrics enabled", logx.String("addr", addr), logx.String("path", cfg.Path), logx.Bool("pprof", cfg.Pprof))
	return nil
}

const (
	restartBackoffMin = 500 * time.Millisecond
	restartBackoffMax = 10 * time.Second
)

// serveOnce serves on ln until ctx is done (nil) or the listener fails.
func (s *Server) serveOnce(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	addr := ln.Addr().String()

	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	defer func() {
		s.lnMu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.lnMu.Unlock()
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("metrics shutdown error", logx.String("addr", addr), logx.Err(err))
			_ = srv.Close()
		}
		<-errc
		return nil
	case err := <-errc:
		_ = srv.Close()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("metrics server exited unexpectedly")
		}
		s.log.Warn("metrics server error", logx.String("addr", addr), logx.Err(err))
		return err
	}
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.sup == nil {
		return
	}
	sup, addr := s.sup, s.addr
	s.sup, s.addr, s.path, s.pprof = nil, "", "", false

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sup.Stop(waitCtx); err != nil {
		s.log.Warn("metrics stop incomplete", logx.String("addr", addr), logx.Err(err))
	}
	s.log.Info("metrics disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
