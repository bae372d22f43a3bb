// Package web serves the setup UI: a dashboard of config entries, the
// config flow and options flow forms, a JSON view of entry status, a
// WebSocket stream of bus events, and the health and metrics endpoints.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/matomo-bridge/internal/bridge"
	"github.com/nugget/matomo-bridge/internal/buildinfo"
	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/connwatch"
	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/flow"
)

// EntryManager is the part of the bridge manager the UI drives.
type EntryManager interface {
	Setup(ctx context.Context, e entries.Entry) error
	Remove(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (coordinator.Snapshot, error)
	SetOptions(ctx context.Context, id string, includeAggregate bool) (entries.Entry, error)
	Status() ([]bridge.EntryStatus, error)
}

// HealthReporter reports the watched services. connwatch.Manager
// implements it.
type HealthReporter interface {
	Status() []connwatch.Status
	Healthy() bool
}

// EntryGetter loads a stored entry.
type EntryGetter interface {
	Get(id string) (entries.Entry, error)
}

// Config wires the web server to the rest of the process.
type Config struct {
	Manager EntryManager
	Entries EntryGetter

	// FlowDeps are handed to every config flow started from the UI.
	FlowDeps flow.Deps
	Flows    *flow.Registry

	Bus *events.Bus

	// Health feeds the dashboard and /healthz. Optional.
	Health HealthReporter

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	Auth      config.WebConfig
	BrandName string
	Logger    *slog.Logger
}

// WebServer renders the UI and owns the HTTP listener.
type WebServer struct {
	manager   EntryManager
	entries   EntryGetter
	flowDeps  flow.Deps
	flows     *flow.Registry
	bus       *events.Bus
	health    HealthReporter
	metrics   http.Handler
	auth      config.WebConfig
	brandName string
	logger    *slog.Logger
	templates map[string]*template.Template

	server *http.Server
}

// NewWebServer creates a server. Templates are parsed here; a syntax
// error panics.
func NewWebServer(cfg Config) *WebServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BrandName == "" {
		cfg.BrandName = "Matomo Bridge"
	}
	if cfg.Flows == nil {
		cfg.Flows = flow.NewRegistry(flow.DefaultTTL)
	}
	return &WebServer{
		manager:   cfg.Manager,
		entries:   cfg.Entries,
		flowDeps:  cfg.FlowDeps,
		flows:     cfg.Flows,
		bus:       cfg.Bus,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		auth:      cfg.Auth,
		brandName: cfg.BrandName,
		logger:    cfg.Logger,
		templates: loadTemplates(),
	}
}

// PageData is embedded in every page's template context.
type PageData struct {
	BrandName string
	ActiveNav string
	Version   string
}

func (s *WebServer) page(nav string) PageData {
	return PageData{BrandName: s.brandName, ActiveNav: nav, Version: buildinfo.Version}
}

// RegisterRoutes adds every UI and API route to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleDashboard)

	mux.HandleFunc("GET /entries/new", s.handleFlowStart)
	mux.HandleFunc("GET /flows/{id}", s.handleFlowShow)
	mux.HandleFunc("POST /flows/{id}", s.handleFlowSubmit)
	mux.HandleFunc("GET /entries/{id}/options", s.handleOptionsShow)
	mux.HandleFunc("POST /entries/{id}/options", s.handleOptionsSubmit)
	mux.HandleFunc("POST /entries/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /entries/{id}/delete", s.handleDelete)

	mux.HandleFunc("GET /api/entries", s.handleAPIEntries)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed mux wrapped in request logging, the
// cross-origin guard, and auth.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(s.withSameOrigin(s.withAuth(mux)))
}

// Start serves on address:port until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *WebServer) Start(address string, port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	addr := address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *WebServer) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *WebServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth requires HTTP basic auth when a password hash is
// configured. /healthz stays open for container health checks.
func (s *WebServer) withAuth(next http.Handler) http.Handler {
	if !s.auth.AuthEnabled() {
		return next
	}
	hash := []byte(s.auth.PasswordHash)
	user := []byte(s.auth.Username)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(u), user) == 1
		passOK := ok && bcrypt.CompareHashAndPassword(hash, []byte(p)) == nil
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="matomo-bridge", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status   string             `json:"status"`
	Version  string             `json:"version"`
	Uptime   string             `json:"uptime"`
	Services []connwatch.Status `json:"services"`
}

// handleHealth always answers 200 while the process is serving; a
// service that is down is reported as "degraded".
func (s *WebServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().String(),
		Services: []connwatch.Status{},
	}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *WebServer) handleAPIEntries(w http.ResponseWriter, _ *http.Request) {
	status, err := s.manager.Status()
	if err != nil {
		s.logger.Error("entry status failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "entry status failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
