// Package api implements Warden's small HTTP adapter: a chat endpoint,
// the health report, and a WebSocket stream of bus events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nugget/warden/internal/buildinfo"
	"github.com/nugget/warden/internal/events"
	"github.com/nugget/warden/internal/health"
)

// Chatter runs one agent turn.
type Chatter interface {
	ProcessDirect(ctx context.Context, sessionKey, text string) (string, error)
}

// HealthChecker produces a health report.
type HealthChecker interface {
	Check(ctx context.Context) (*health.Report, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	addr   string
	chat   Chatter
	health HealthChecker
	bus    *events.Bus
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server listening on addr. health and bus
// may be nil, in which case their endpoints report 503.
func NewServer(addr string, chat Chatter, checker HealthChecker, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		chat:   chat,
		health: checker,
		bus:    bus,
		logger: logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/", s.handleRoot)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/health", s.handleHealth)
	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/events", s.handleEvents)

	return r
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
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
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Warden",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth serves the health report. A WARN report is served with
// 503 so plain HTTP probes notice it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "health report not configured")
		return
	}
	report, err := s.health.Check(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "health check failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if report.Status != health.StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, report, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Session string `json:"session,omitempty"`
	Message string `json:"message"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Session string `json:"session"`
	Answer  string `json:"answer"`
}

// handleChat runs one turn. A request without a session starts a new
// one; the reply names it so the client can continue.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Session == "" {
		req.Session = "api:" + uuid.NewString()
	}

	answer, err := s.chat.ProcessDirect(r.Context(), req.Session, req.Message)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("chat request canceled", "session", req.Session)
			return
		}
		s.logger.Error("agent turn failed", "session", req.Session, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent turn failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Session: req.Session, Answer: answer}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
