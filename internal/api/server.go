// Package api implements the HTTP API: thread turns, resumes,
// transcript inspection and a websocket feed of loop events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/conversation"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/interrupt"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config configures a Server.
type Config struct {
	Address string
	Port    int

	Loop  *agent.Loop
	Store checkpoint.Store
	Bus   *events.Bus // nil disables the events websocket

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	store   checkpoint.Store
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		loop:    cfg.Loop,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("component", "api"),
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turns
	mux.HandleFunc("POST /v1/chat", s.handleSimpleChat)
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/threads/{id}/resume", s.handleResume)

	// Inspection
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleThreadDelete)
	mux.HandleFunc("GET /v1/threads/{id}/pending", s.handlePending)
	mux.HandleFunc("GET /v1/threads/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
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
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// MessageRequest starts a turn.
type MessageRequest struct {
	Content string `json:"content"`
}

// ResumeRequest answers a pending question.
type ResumeRequest struct {
	Answer string `json:"answer"`
}

// SimpleChatRequest is the body of POST /v1/chat.
type SimpleChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// handleSimpleChat runs a turn, creating a thread when none is named.
// POST /v1/chat {"message": "which boots should I buy?"}
func (s *Server) handleSimpleChat(w http.ResponseWriter, r *http.Request) {
	var req SimpleChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	s.runTurn(w, r, threadID, req.Message)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	s.runTurn(w, r, r.PathValue("id"), req.Content)
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, threadID, content string) {
	out, err := s.loop.Run(r.Context(), threadID, content)
	if err != nil {
		s.turnError(w, threadID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	threadID := r.PathValue("id")
	out, err := s.loop.Resume(r.Context(), threadID, req.Answer)
	if err != nil {
		s.turnError(w, threadID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// turnError maps loop errors onto status codes.
func (s *Server) turnError(w http.ResponseWriter, threadID string, err error) {
	switch {
	case errors.Is(err, agent.ErrThreadSuspended),
		errors.Is(err, interrupt.ErrNoPendingSuspension),
		errors.Is(err, conversation.ErrToolCallMismatch):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusGatewayTimeout, "turn timed out")
	default:
		s.logger.Error("agent loop failed", "thread", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
	}
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	threads, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list threads", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []conversation.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"threads": threads,
		"count":   len(threads),
	}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	thread, err := s.loop.Thread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if thread.Len() == 0 {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, thread, s.logger)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "thread not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tok, err := s.loop.Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load pending question")
		return
	}
	if tok == nil {
		s.errorResponse(w, http.StatusNotFound, "no pending question")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tok, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.loop.Tools()}, s.logger)
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
