// Package api implements the bridge's HTTP API: Home Assistant style
// conversation and service endpoints, config entry management, a live
// event stream, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/n8n-bridge/internal/agent"
	"github.com/nugget/n8n-bridge/internal/buildinfo"
	"github.com/nugget/n8n-bridge/internal/connwatch"
	"github.com/nugget/n8n-bridge/internal/entries"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/scheduler"
	"github.com/nugget/n8n-bridge/internal/services"
	"github.com/nugget/n8n-bridge/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthSource reports the reachability of upstream services.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config holds the dependencies of a [Server]. Only Agents and
// Sessions are required; endpoints whose dependency is nil answer 503.
type Config struct {
	Address   string
	Port      int
	Agents    *agent.Registry
	Sessions  *session.Store
	Services  *services.Registry
	Scheduler *scheduler.Scheduler
	Entries   *entries.Manager
	Flow      *entries.Flow
	Events    *events.Bus
	Health    HealthSource
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation
	mux.HandleFunc("POST /api/conversation/process", s.handleConversationProcess)
	mux.HandleFunc("GET /api/conversation/agents", s.handleAgentList)
	mux.HandleFunc("GET /api/conversation/sessions/{id}", s.handleSessionGet)

	// Services and timers
	mux.HandleFunc("GET /api/services", s.handleServiceList)
	mux.HandleFunc("POST /api/services/{domain}/{service}", s.handleServiceCall)
	mux.HandleFunc("GET /api/timers", s.handleTimerList)

	// Config entries
	mux.HandleFunc("GET /api/config/entries", s.handleEntryList)
	mux.HandleFunc("GET /api/config/entries/flow", s.handleFlowStart)
	mux.HandleFunc("POST /api/config/entries/flow", s.handleFlowSubmit)
	mux.HandleFunc("DELETE /api/config/entries/{id}", s.handleEntryDelete)

	// Live event stream
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Ops
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Conversation calls wait on the webhook (30s default).
		WriteTimeout: 90 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
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

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.errorDetail(w, code, message, nil)
}

// errorDetail writes an error body with optional structured details.
func (s *Server) errorDetail(w http.ResponseWriter, code int, message string, details any) {
	body := map[string]any{
		"message": message,
		"code":    code,
	}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": body}, s.logger)
}

func (s *Server) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

// decodeObject decodes a JSON object body. An empty body decodes to
// the zero value.
func decodeObject(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]string{
		"name":    "n8n-bridge",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.ok(w, buildinfo.RuntimeInfo())
}

// handleHealth reports "healthy" when every watched upstream is ready
// and "degraded" otherwise. The bridge itself is up either way, so the
// status code is always 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.cfg.Health != nil {
		upstream := s.cfg.Health.Status()
		for _, st := range upstream {
			if !st.Ready {
				resp["status"] = "degraded"
				break
			}
		}
		resp["services"] = upstream
	}
	s.ok(w, resp)
}
