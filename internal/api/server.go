// Package api implements the HTTP management and chat API.
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
	"sync"
	"time"

	"github.com/nugget/tadpole/internal/agent"
	"github.com/nugget/tadpole/internal/buildinfo"
	"github.com/nugget/tadpole/internal/connwatch"
	"github.com/nugget/tadpole/internal/directory"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// OrchestratorFactory creates the orchestrator of a new conversation.
type OrchestratorFactory func(conversationID string) (*agent.Orchestrator, error)

// Deps are the components the API exposes.
type Deps struct {
	Directory       *directory.Directory
	NewOrchestrator OrchestratorFactory
	Bus             *events.Bus

	// Watcher reports background health in /health. Optional.
	Watcher *connwatch.Manager

	// Models lists the chat models that can be selected. Optional.
	Models func() []string

	// Usage answers /v1/usage. Optional.
	Usage UsageReporter

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server

	mu            sync.Mutex
	conversations map[string]*agent.Orchestrator

	// done is closed on Shutdown to end event streams, which outlive
	// http.Server.Shutdown once hijacked.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		deps:          deps,
		logger:        logger.With("component", "api"),
		conversations: make(map[string]*agent.Orchestrator),
		done:          make(chan struct{}),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Tool server directory
	mux.HandleFunc("GET /v1/servers", s.handleServerList)
	mux.HandleFunc("POST /v1/servers", s.handleServerAdd)
	mux.HandleFunc("GET /v1/servers/{id}", s.handleServerGet)
	mux.HandleFunc("PUT /v1/servers/{id}", s.handleServerUpdate)
	mux.HandleFunc("DELETE /v1/servers/{id}", s.handleServerRemove)
	mux.HandleFunc("POST /v1/servers/{id}/toggle", s.handleServerToggle)
	mux.HandleFunc("POST /v1/servers/{id}/select", s.handleServerSelect)
	mux.HandleFunc("POST /v1/servers/{id}/connect", s.handleServerConnect)
	mux.HandleFunc("POST /v1/servers/{id}/disconnect", s.handleServerDisconnect)
	mux.HandleFunc("GET /v1/servers/{id}/tools", s.handleServerTools)
	mux.HandleFunc("POST /v1/servers/{id}/tools/{tool}", s.handleToolToggle)
	mux.HandleFunc("GET /v1/tools", s.handleAggregateTools)

	// Models
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/models/select", s.handleModelSelect)

	// Usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Conversations
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleConversationMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/stop", s.handleConversationStop)
	mux.HandleFunc("POST /v1/conversations/{id}/context", s.handleConversationContext)
	mux.HandleFunc("POST /v1/conversations/{id}/server", s.handleConversationServer)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes every conversation.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	s.mu.Lock()
	convs := make([]*agent.Orchestrator, 0, len(s.conversations))
	for id, o := range s.conversations {
		convs = append(convs, o)
		delete(s.conversations, id)
	}
	s.mu.Unlock()
	for _, o := range convs {
		o.Close()
	}
	return err
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Tadpole",
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
		"status":            "healthy",
		"event_subscribers": s.deps.Bus.SubscriberCount(),
	}
	if s.deps.Watcher != nil {
		resp["servers"] = s.deps.Watcher.Status()
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

// fail writes err with the status its type implies.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "status", code, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func statusFor(err error) int {
	var ce *directory.ConfigurationError
	var tu *tools.ErrToolUnavailable
	switch {
	case errors.As(err, &ce):
		if ce.Reason == "unknown server" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.As(err, &tu):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, agent.ErrClosed):
		return http.StatusGone
	case mcp.IsConnectionError(err):
		return http.StatusBadGateway
	default:
		var pe *mcp.ProtocolError
		if errors.As(err, &pe) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
