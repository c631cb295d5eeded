// Package diag serves the optional diagnostics endpoints: Prometheus metrics,
// liveness, the active schedule registry, runtime status and pprof.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "recurq/internal/runtime/supervisor"
	logx "recurq/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Sources provides the data behind the endpoints. Nil members disable the
// matching endpoint.
type Sources struct {
	Gatherer  prometheus.Gatherer
	Health    func() error
	Schedules func() any
	Status    func() any
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	src  Sources
	addr string

	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply installs cfg and starts, stops or restarts the server as needed.
// Safe to call during hot-reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.startOrWarn(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.startOrWarn(ctx)
	}
}

func (s *Service) startOrWarn(ctx context.Context) {
	if err := s.Start(ctx); err != nil {
		s.log.Warn("diag start failed", logx.Err(err))
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start binds the listener synchronously so callers see bind errors and Addr
// right away, then serves under a restart loop. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return nil
		}
		cur := s.cfg
		s.mu.Unlock()

		ln, err := s.listen(cur)
		if err != nil {
			return err
		}

		sup := rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// diagnostics are optional; never take the app down.
			rtsup.WithCancelOnError(false),
		)
		s.mu.Lock()
		s.sup = sup
		s.addr = ln.Addr().String()
		s.mu.Unlock()

		first := ln
		sup.GoRestart("http.serve", func(c context.Context) error {
			l := first
			first = nil
			if l == nil {
				var err error
				if l, err = s.listen(cur); err != nil {
					return err
				}
			}
			return s.serve(c, cur, l)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return nil
	}
}

func (s *Service) listen(cur Config) (net.Listener, error) {
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("diag refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return nil, errors.New("diag refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("diag running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("diag listen failed", logx.String("addr", addr), logx.Err(err))
		return nil, err
	}
	return ln, nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv = nil
		s.sup = nil
		s.addr = ""
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("diag stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serve(ctx context.Context, cur Config, ln net.Listener) error {
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("diag started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diag server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cur. Exposed for tests.
func (s *Service) Handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cur.Token, h) }

	mux.Handle("/healthz", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.src.Health != nil {
			if err := s.src.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})))

	if s.src.Gatherer != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.src.Schedules != nil {
		mux.Handle("/schedules", wrap(jsonHandler(s.src.Schedules)))
	}
	if s.src.Status != nil {
		mux.Handle("/status", wrap(jsonHandler(s.src.Status)))
	}

	if cur.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func jsonHandler(get func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(get())
	})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
