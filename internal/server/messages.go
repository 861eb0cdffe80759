package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/protocol/anthropic"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
)

// messagesRequest is the JSON body for POST /v1/messages. History is held
// server side, so only the newest user message is read.
type messagesRequest struct {
	Model          string         `json:"model"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata"`
	Messages       []inputMessage `json:"messages"`
}

// inputMessage content is either a string or a list of content blocks.
type inputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type inputBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m inputMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []inputBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (r messagesRequest) lastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].text()
		}
	}
	return ""
}

func (r messagesRequest) conversationID() string {
	if r.ConversationID != "" {
		return r.ConversationID
	}
	if v, ok := r.Metadata["conversation_id"].(string); ok {
		return v
	}
	return ""
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req messagesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	text := req.lastUserText()
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "a user message with text is required")
		return
	}
	convID, err := parseConversationID(req.conversationID())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if !s.admit(w, id) {
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	sink := newLazySink(func() stream.Sink { return stream.NewSSESink(w) })
	_, err = s.turns.RunTurn(r.Context(), gateway.TurnRequest{
		Identity:       id,
		ConversationID: convID,
		Source:         "http",
		Text:           text,
		Binding: func(conv *types.Conversation, requestID types.RequestID) protocol.Binding {
			w.Header().Set("X-Conversation-ID", string(conv.ID))
			return anthropic.New("msg_"+string(requestID), model, string(conv.ID))
		},
		Sink: sink,
	})
	if err == nil {
		return
	}
	if sink.started {
		s.logTurnError("messages", err)
		return
	}
	status, msg := turnStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("turn failed", "route", "messages", "error", err)
	}
	writeError(w, status, msg)
}
