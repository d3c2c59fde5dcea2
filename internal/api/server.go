// Package api serves the relay's HTTP surface: the WebSocket endpoint,
// health and version, session history and export, token usage, and the
// operator event feed. Everything shares one listener.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/connwatch"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// SessionStore is the subset of the conversation store the history
// endpoints read and modify.
type SessionStore interface {
	CreateSession(ctx context.Context) (*store.Session, error)
	GetSession(ctx context.Context, id int64) (*store.Session, error)
	ListSessions(ctx context.Context, limit int) ([]store.Session, error)
	DeleteSession(ctx context.Context, id int64) error
	Turns(ctx context.Context, sessionID int64) ([]store.Turn, error)
	ExportMarkdown(ctx context.Context, sessionID int64) (string, error)
	Stats(ctx context.Context) map[string]any
}

// HealthReporter reports dependency status.
type HealthReporter interface {
	Status() []connwatch.ServiceStatus
	AllReady() bool
}

// ConnCounter reports the number of open relay connections.
type ConnCounter interface {
	Len() int
}

// Config wires a Server. Relay is required; the rest are optional and
// their endpoints answer 503 when absent.
type Config struct {
	Address     string
	Port        int
	Relay       http.Handler
	Connections ConnCounter
	Sessions    SessionStore
	Health      HealthReporter
	Usage       UsageReporter
	Bus         *events.Bus
	Logger      *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	address  string
	port     int
	relay    http.Handler
	conns    ConnCounter
	sessions SessionStore
	health   HealthReporter
	usage    UsageReporter
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		relay:    cfg.Relay,
		conns:    cfg.Connections,
		sessions: cfg.Sessions,
		health:   cfg.Health,
		usage:    cfg.Usage,
		bus:      cfg.Bus,
		logger:   logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /ws", s.relay)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /v1/sessions/{id}/export", s.handleSessionExport)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting relay server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Hijacked WebSocket connections
// are not tracked by http.Server and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withLogging logs each request. WebSocket requests log when the
// connection ends, so duration is the connection lifetime.
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.relay.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "relay",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Truncate(time.Second).String(),
	}
	if s.conns != nil {
		resp["connections"] = s.conns.Len()
	}
	if s.health != nil {
		resp["services"] = s.health.Status()
		if !s.health.AllReady() {
			resp["status"] = "degraded"
		}
	}
	if s.sessions != nil {
		resp["store"] = s.sessions.Stats(r.Context())
	}
	if s.bus != nil {
		resp["events_dropped"] = s.bus.Dropped()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
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

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
