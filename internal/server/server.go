// Package server exposes conversation turns over HTTP. Each route pairs a
// wire binding with a transport: Anthropic-style SSE on /v1/messages,
// JSON-RPC over NDJSON or WebSocket on /mcp, and A2A SSE on /a2a.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
)

const defaultMaxBody = 1 << 20

// Turns is the gateway surface the server drives.
type Turns interface {
	RunTurn(ctx context.Context, req gateway.TurnRequest) (*gateway.TurnResult, error)
	Conversations(ctx context.Context, owner types.Identity) ([]*types.Conversation, error)
	Messages(ctx context.Context, owner types.Identity, id types.ConversationID) ([]types.Message, error)
}

type Config struct {
	JWTSecret      string
	AllowAnonymous bool
	TurnsPerMinute float64
	Burst          int
	Model          string
	MaxBodyBytes   int64
	// OriginPatterns are extra hosts allowed to open /mcp/ws.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server is the HTTP handler for all consumer routes.
type Server struct {
	turns   Turns
	cfg     Config
	auth    *Authenticator
	limiter *Limiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

func New(turns Turns, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Model == "" {
		cfg.Model = "convoy"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		turns:   turns,
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.AllowAnonymous),
		limiter: NewLimiter(cfg.TurnsPerMinute, cfg.Burst),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/messages", s.handleMessages)
	s.mux.HandleFunc("POST /mcp", s.handleMCP)
	s.mux.HandleFunc("GET /mcp/ws", s.handleMCPSocket)
	s.mux.HandleFunc("POST /a2a", s.handleA2A)
	s.mux.HandleFunc("GET /v1/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identify writes a 401 and returns false when the caller is unknown.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	id, err := s.auth.Identify(r)
	if err != nil {
		s.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return types.Identity{}, false
	}
	return id, true
}

// admit writes a 429 and returns false when id is over its turn rate.
func (s *Server) admit(w http.ResponseWriter, id types.Identity) bool {
	if s.limiter.Allow(id.Key()) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseConversationID(raw string) (types.ConversationID, error) {
	id := types.ConversationID(raw)
	if raw != "" && !types.ValidConversationID(id) {
		return "", fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}

// lazySink opens the underlying transport on the first frame, so failures
// before the turn starts can still be answered with a plain status.
type lazySink struct {
	open    func() stream.Sink
	sink    stream.Sink
	started bool
}

func newLazySink(open func() stream.Sink) *lazySink {
	return &lazySink{open: open}
}

func (s *lazySink) Write(ctx context.Context, f protocol.Frame) error {
	if s.sink == nil {
		s.sink = s.open()
		s.started = true
	}
	return s.sink.Write(ctx, f)
}

// turnStatus maps a gateway error to an HTTP status and client message.
func turnStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "conversation not accessible"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, gateway.ErrLaneFull):
		return http.StatusTooManyRequests, "conversation busy"
	case errors.Is(err, gateway.ErrQueueStopped):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// logTurnError records an error that surfaced after frames were written.
// The stream itself already carried a fault or error frame.
func (s *Server) logTurnError(route string, err error) {
	s.logger.Warn("turn ended with error", "route", route, "error", err)
}

type conversationResponse struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	convs, err := s.turns.Conversations(r.Context(), id)
	if err != nil {
		slog.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	resp := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, conversationResponse{
			ID:        string(c.ID),
			Subject:   c.Subject,
			Version:   c.LatestCheckpoint,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
			UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": resp})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	convID, err := parseConversationID(r.PathValue("id"))
	if err != nil || convID == "" {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	msgs, err := s.turns.Messages(r.Context(), id, convID)
	if err != nil {
		status, msg := turnStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("list messages failed", "conversation_id", convID, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": convID, "messages": msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
