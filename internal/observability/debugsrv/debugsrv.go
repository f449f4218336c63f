// Package debugsrv exposes an optional HTTP endpoint with pprof profiles,
// Prometheus metrics and a health probe. It is disabled by default and
// intended for localhost use; binding to a non-loopback address requires a
// token or an explicit insecure opt-in.
package debugsrv

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "xpilot/pkg/logx"
)

// DefaultAddr is the bind address used when none is configured.
const DefaultAddr = "127.0.0.1:6060"

// Config describes one debug server instance. Durations are already parsed;
// translation from file config happens in the caller.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Profile captures stream for up to ?seconds=N, keep this generous.
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	return c
}

// Service owns the debug HTTP listener. Start and Stop may be called
// repeatedly; Reconfigure restarts the listener only when the new config
// requires it.
type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	srv     *http.Server
	ln      net.Listener
	done    chan struct{}
	running bool
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start binds the listener and begins serving. It is a no-op when the config
// has Enabled unset. Non-loopback binds without a token are refused unless
// AllowInsecure is set.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("debug server already running")
	}
	if !s.cfg.Enabled {
		return nil
	}
	if err := checkBindSafety(s.cfg); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("debug server listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      withAuth(s.cfg.Token, s.mux()),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.ln = ln
	s.srv = srv
	s.done = make(chan struct{})
	s.running = true

	done := s.done
	log := s.log
	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server exited", logx.Err(err))
		}
	}()

	s.log.Info("debug server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", s.cfg.Token != ""),
	)
	return nil
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.srv
	done := s.done
	s.srv = nil
	s.ln = nil
	s.done = nil
	s.running = false
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Reconfigure applies a new config, restarting the listener only when the
// serving parameters changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	same := s.cfg == cfg
	wasRunning := s.running
	s.cfg = cfg
	s.mu.Unlock()

	if same && wasRunning == cfg.Enabled {
		return nil
	}
	if wasRunning {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	if cfg.Enabled {
		return s.Start()
	}
	return nil
}

// Addr reports the bound address, or "" when not running. Useful when the
// config asked for port 0.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// withAuth gates every endpoint behind a bearer token (header or ?token=)
// when one is configured.
func withAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func checkBindSafety(cfg Config) error {
	if cfg.AllowInsecure || cfg.Token != "" {
		return nil
	}
	if !isLoopbackAddr(cfg.Addr) {
		return fmt.Errorf("refusing to bind debug server on non-loopback %q without a token", cfg.Addr)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "", "localhost", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
