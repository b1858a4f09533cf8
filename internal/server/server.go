// Package server exposes the derived usage view over a local HTTP
// API. It is the rendering-layer boundary: it consumes view models
// and menu state, it never computes them.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/permview/permview/internal/config"
	"github.com/permview/permview/internal/controller"
	"github.com/permview/permview/internal/store"
	"github.com/permview/permview/internal/usage"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server for the usage view API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	ctrl    *controller.Controller
	store   *store.Store
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo

	subMu gosync.Mutex
	subs  map[chan struct{}]struct{}
}

// New creates a new Server.
func New(
	cfg config.Config, ctrl *controller.Controller, st *store.Store,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:   cfg,
		ctrl:  ctrl,
		store: st,
		mux:   http.NewServeMux(),
		subs:  make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/usage", s.withTimeout(s.handleGetUsage))
	s.mux.Handle("GET /api/v1/usage/menu", s.withTimeout(s.handleGetMenu))
	s.mux.Handle(
		"GET /api/v1/usage/filters/permissions",
		s.withTimeout(s.handlePermissionFilterOptions),
	)
	s.mux.Handle(
		"GET /api/v1/usage/filters/time",
		s.withTimeout(s.handleTimeFilterOptions),
	)
	s.mux.Handle("POST /api/v1/usage/params", s.withTimeout(s.handleUpdateParams))
	s.mux.Handle("POST /api/v1/usage/refresh", s.withTimeout(s.handleRefresh))
	// SSE: long-lived connection, no timeout handler.
	s.mux.HandleFunc("GET /api/v1/usage/watch", s.handleWatchUsage)

	s.mux.Handle("GET /api/v1/stats", s.withTimeout(s.handleGetStats))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Callbacks returns controller callbacks that wake the server's
// watch streams whenever a derivation completes.
func (s *Server) Callbacks() controller.Callbacks {
	return controller.Callbacks{
		OnViewModel: func(*usage.ViewModel) { s.notify() },
		OnMenuState: func(usage.Menu) { s.notify() },
	}
}

func (s *Server) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

func (s *Server) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the given
// port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}
