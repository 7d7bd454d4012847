// Package api implements the FluxMind HTTP surface: the conversation
// endpoints under /agents/{agent}/{name} and a few static health routes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fluxmind/fluxmind/internal/agent"
	"github.com/fluxmind/fluxmind/internal/buildinfo"
	"github.com/fluxmind/fluxmind/internal/connwatch"
	"github.com/fluxmind/fluxmind/internal/llm"
	"github.com/fluxmind/fluxmind/internal/memory"
	"github.com/fluxmind/fluxmind/internal/message"
)

// Agent is a conversation-keyed assistant the server can route to.
// *agent.Loop satisfies it.
type Agent interface {
	Run(ctx context.Context, req *agent.Request, stream llm.StreamCallback) (*agent.Response, error)
	History(conversationID string) ([]message.Message, error)
	Reset(conversationID string) error
	Conversations() ([]memory.Conversation, error)
}

// TokenObserver is told about the tokens each completed turn consumed.
type TokenObserver func(inputTokens, outputTokens int)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	agents   map[string]Agent
	logger   *slog.Logger
	server   *http.Server
	onTokens TokenObserver
	services func() map[string]connwatch.ServiceStatus
	schedule Schedules
}

// NewServer creates a new API server. Agents are added with
// [Server.RegisterAgent] before [Server.Start].
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		address: address,
		port:    port,
		agents:  make(map[string]Agent),
		logger:  logger,
	}
}

// RegisterAgent makes a reachable under /agents/{name}/.
func (s *Server) RegisterAgent(name string, a Agent) {
	s.agents[name] = a
}

// SetTokenObserver configures a callback for per-turn token usage.
func (s *Server) SetTokenObserver(fn TokenObserver) {
	s.onTokens = fn
}

// SetServiceStatus configures the source of dependency health shown on
// /v1/status.
func (s *Server) SetServiceStatus(fn func() map[string]connwatch.ServiceStatus) {
	s.services = fn
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Static health routes
	mux.HandleFunc("GET /check-open-ai-key", s.handleKeyCheck)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Schedule routes
	mux.HandleFunc("GET /v1/schedules", s.handleSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", s.handleSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/run", s.handleRunSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleCancelSchedule)

	// Conversation routes
	mux.HandleFunc("GET /agents/{agent}", s.handleConversations)
	mux.HandleFunc("POST /agents/{agent}/{name}", s.handleChat)
	mux.HandleFunc("GET /agents/{agent}/{name}", s.handleWebSocket)
	mux.HandleFunc("GET /agents/{agent}/{name}/messages", s.handleMessages)
	mux.HandleFunc("DELETE /agents/{agent}/{name}/messages", s.handleClear)

	mux.HandleFunc("/", s.handleNotFound)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streaming handlers push this deadline forward on every event.
		WriteTimeout: streamWriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "agents", len(s.agents))
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

// lookup resolves the agent and conversation named in the path. It
// writes a 404 and returns false for unknown agents.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Agent, string, bool) {
	agentName := r.PathValue("agent")
	a, ok := s.agents[agentName]
	if !ok {
		s.handleNotFound(w, r)
		return nil, "", false
	}
	return a, conversationID(agentName, r.PathValue("name")), true
}

// conversationID namespaces a conversation name by the agent serving it.
func conversationID(agentName, name string) string {
	return agentName + "/" + name
}

func (s *Server) handleKeyCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	services := map[string]connwatch.ServiceStatus{}
	if s.services != nil {
		services = s.services()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"version":  buildinfo.Version,
		"uptime":   buildinfo.Uptime().String(),
		"services": services,
	}, s.logger)
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not found"))
}

// chatRequest is the body of a POST to a conversation.
type chatRequest struct {
	Messages []message.Message `json:"messages"`
	Model    string            `json:"model,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	a, convID, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := checkRoles(req.Messages); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.streamTurn(w, r, a, &agent.Request{
		ConversationID: convID,
		Messages:       req.Messages,
		Model:          req.Model,
	})
}

// conversationSummary is one entry of an agent's conversation listing.
type conversationSummary struct {
	Name      string    `json:"name"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleConversations lists the stored conversations of one agent,
// most recently updated first.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("agent")
	a, ok := s.agents[agentName]
	if !ok {
		s.handleNotFound(w, r)
		return
	}

	convs, err := a.Conversations()
	if err != nil {
		s.logger.Error("list conversations failed", "agent", agentName, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	prefix := conversationID(agentName, "")
	out := []conversationSummary{}
	for _, c := range convs {
		name, ok := strings.CutPrefix(c.ID, prefix)
		if !ok {
			continue
		}
		out = append(out, conversationSummary{
			Name:      name,
			Messages:  c.Messages,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// checkRoles rejects client messages with a role outside system, user
// and assistant.
func checkRoles(msgs []message.Message) error {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %s has unknown role %q", m.ID, m.Role)
		}
	}
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	a, convID, ok := s.lookup(w, r)
	if !ok {
		return
	}

	msgs, err := a.History(convID)
	if err != nil {
		s.logger.Error("load transcript failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msgs, s.logger)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	a, convID, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if err := a.Reset(convID); err != nil {
		s.logger.Error("clear conversation failed", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to clear messages")
		return
	}
	s.logger.Info("conversation cleared", "conversation_id", convID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordTokens(resp *agent.Response) {
	if s.onTokens != nil && resp != nil {
		s.onTokens(resp.InputTokens, resp.OutputTokens)
	}
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
