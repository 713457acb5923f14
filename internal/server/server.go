// Package server provides the poewatch HTTP API: operational probes,
// Prometheus metrics, and the routes of every registered plugin mounted
// under /api/v1/{plugin}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/version"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// PluginSource provides the server with plugin metadata, routes and health.
// Defined consumer-side so the server does not import the registry.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	All() []plugin.Plugin
	Health(ctx context.Context) map[string]plugin.HealthStatus
}

// ReadinessChecker returns nil once the agent can serve data.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar lets other packages add routes without an import cycle.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options configures New. Plugins is required; everything else is
// optional.
type Options struct {
	Config   Config
	Plugins  PluginSource
	Ready    ReadinessChecker
	Gatherer prometheus.Gatherer
	Metrics  *HTTPMetrics
	Extra    []RouteRegistrar
}

// Server is the poewatch HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// unthrottled paths skip the rate limiter and the request log.
var unthrottled = []string{"/healthz", "/readyz", "/metrics"}

// New builds the mux and middleware chain.
func New(opts Options, logger *zap.Logger) *Server {
	s := &Server{
		plugins: opts.Plugins,
		logger:  logger,
		mux:     http.NewServeMux(),
		ready:   opts.Ready,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	for _, r := range opts.Extra {
		r.RegisterRoutes(s.mux)
	}
	s.mountPluginRoutes()

	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, opts.Metrics, unthrottled),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
	}
	if rl := opts.Config.RateLimit; rl.RPS > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(rl.RPS, rl.Burst, unthrottled))
	}
	if opts.Config.ReadOnly {
		middlewares = append(middlewares, ReadOnlyMiddleware)
		logger.Info("read-only mode, port control disabled")
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.Addr(),
		Handler:           Chain(s.mux, middlewares...),
		ReadHeaderTimeout: opts.Config.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// mountPluginRoutes registers plugin routes under /api/v1/{plugin}.
func (s *Server) mountPluginRoutes() {
	for pluginName, routes := range s.plugins.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz returns 503 until the first PoE snapshot exists.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string                         `json:"status" example:"ok"`
	Service string                         `json:"service" example:"poewatch"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins,omitempty"`
}

// PluginResponse describes a registered plugin.
type PluginResponse struct {
	Name        string   `json:"name" example:"poe"`
	Version     string   `json:"version" example:"1.0.0"`
	Description string   `json:"description"`
	Roles       []string `json:"roles,omitempty"`
}

// handleHealth reports "ok" only when every plugin reports healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := s.plugins.Health(r.Context())
	status := "ok"
	for _, h := range plugins {
		if h.Status != "healthy" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Service: "poewatch",
		Version: version.Map(),
		Plugins: plugins,
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.plugins.All()
	info := make([]PluginResponse, 0, len(plugins))
	for _, p := range plugins {
		pi := p.Info()
		info = append(info, PluginResponse{
			Name:        pi.Name,
			Version:     pi.Version,
			Description: pi.Description,
			Roles:       pi.Roles,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Name < info[j].Name })
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
