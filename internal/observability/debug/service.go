// Package debug serves pprof and a JSON state snapshot over HTTP for
// diagnostics.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "notifd/internal/runtime/supervisor"
	"notifd/pkg/logx"
)

// Config controls the optional debug server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

// StateFunc returns the value served at <prefix>state. It must be safe to
// call from any goroutine.
type StateFunc func() any

type Service struct {
	log   logx.Logger
	state StateFunc

	mu  sync.Mutex
	cfg Config
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, state StateFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, state: state, log: log.With(logx.String("comp", "debug"))}
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
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
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The server runs under a restart loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("debug.http", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("debug server stop incomplete", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6061"
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return nil
		}
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cur.IdleTimeout,
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

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.String("prefix", normalizePrefix(cur.Prefix)), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Service) handler(cur Config) http.Handler {
	prefix := normalizePrefix(cur.Prefix)
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc(prefix+"state", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var v any
		if s.state != nil {
			v = s.state()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			s.log.Warn("encode debug state failed", logx.Err(err))
		}
	}))

	pp := prefix + "pprof/"
	mux.HandleFunc(pp, wrap(pprofIndexAt(pp)))
	mux.HandleFunc(pp+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pp+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pp+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pp+"trace", wrap(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if strings.TrimSpace(got) != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths under /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
