// Package web serves the REST API and the live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"aprilaire-go-home/internal/coordinator"
	"aprilaire-go-home/internal/entity"
	"aprilaire-go-home/internal/hub"
	"aprilaire-go-home/internal/services"
	"aprilaire-go-home/internal/setup"
	"aprilaire-go-home/internal/store"
)

// Hub is the part of the entry hub the server needs.
type Hub interface {
	Events() *coordinator.EventBus
	Services() *services.Registry
	Entries() []hub.Status
	Status(id string) (hub.Status, error)
	Setup(entry *store.Entry) error
	Unload(id string) error
	Entities(id string) ([]entity.State, error)
	Coordinator(id string) (*coordinator.Coordinator, error)
	Call(ctx context.Context, id, service string, params map[string]any) error
}

// Flow runs config flow steps.
type Flow interface {
	StepUser(ctx context.Context, input *setup.Input) (setup.Result, error)
	Remove(id string) error
}

// DeviceStore returns the last persisted device record of an entry.
type DeviceStore interface {
	GetDevice(entryID string) (*store.Device, error)
}

// Automation is the script engine, when enabled.
type Automation interface {
	Scripts() []string
	Reload() error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithAutomation exposes the script engine on /api/automations.
func WithAutomation(a Automation) ServerOption {
	return func(s *Server) {
		s.automation = a
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server.
type Server struct {
	hub            Hub
	flow           Flow
	devices        DeviceStore
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	metrics        http.Handler
	automation     Automation
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(h Hub, flow Flow, devices DeviceStore, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:     h,
		flow:    flow,
		devices: devices,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = h.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/entries", s.handleAPIListEntries)
	s.mux.HandleFunc("POST /api/entries", s.handleAPICreateEntry)
	s.mux.HandleFunc("GET /api/entries/{id}", s.handleAPIGetEntry)
	s.mux.HandleFunc("DELETE /api/entries/{id}", s.handleAPIDeleteEntry)
	s.mux.HandleFunc("GET /api/entries/{id}/data", s.handleAPIEntryData)
	s.mux.HandleFunc("GET /api/entries/{id}/entities", s.handleAPIEntryEntities)
	s.mux.HandleFunc("GET /api/entries/{id}/device", s.handleAPIEntryDevice)
	s.mux.HandleFunc("POST /api/entries/{id}/services/{service}", s.handleAPICallService)
	s.mux.HandleFunc("GET /api/services", s.handleAPIListServices)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("POST /api/automations/reload", s.handleAPIReloadAutomations)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The health probe and the WebSocket upgrade stay open: probes and
	// browsers cannot send custom headers.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/health" {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	entries := s.hub.Entries()
	available := 0
	for _, e := range entries {
		if e.Available {
			available++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"entries":   len(entries),
		"available": available,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
