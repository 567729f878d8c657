// Package web provides the HTTP server for the REST API and the metrics
// endpoint.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plcmonitor/api"
	"plcmonitor/config"
	"plcmonitor/engine"
	"plcmonitor/logging"
)

// Server is the HTTP server for the REST API and /metrics.
type Server struct {
	config  config.WebConfig
	metrics config.MetricsConfig
	engine  *engine.Engine
	server  *http.Server
	router  chi.Router
	addr    string
	running bool
	mu      sync.RWMutex

	// Cleanup for the API event hub and its bus subscription
	apiCleanup func()
}

// NewServer creates a server for eng using the web and metrics settings of cfg.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		config:  cfg.Web,
		metrics: cfg.Metrics,
		engine:  eng,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	if s.config.API.Enabled {
		apiRouter, cleanup := api.NewRouter(s.engine, s.engine.Events)
		s.apiCleanup = cleanup
		r.Mount("/api", apiRouter)
	}

	if s.metrics.Enabled {
		if m := s.engine.GetMetrics(); m != nil {
			path := s.metrics.Path
			if path == "" {
				path = "/metrics"
			}
			r.Handle(path, m.Handler())
		}
	}

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	s.addr = ln.Addr().String()
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("web"), "", 0),
	}
	s.server = srv

	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.DebugError("web", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop closes the event streams and shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apiCleanup != nil {
		s.apiCleanup()
		s.apiCleanup = nil
	}

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server URL, using the bound address once started.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
