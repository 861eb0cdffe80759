package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/protocol/a2a"
	"github.com/user/convoy/internal/protocol/jsonrpc"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
)

func writeA2AError(w http.ResponseWriter, id json.RawMessage, e *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, a2a.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Error:   &a2a.RPCError{Code: e.code, Message: e.msg},
	})
}

// handleA2A serves message/stream. The message contextId names the
// conversation and the task id is the turn's request id.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req a2a.Request
	if err := s.decode(w, r, &req); err != nil {
		writeA2AError(w, nil, &rpcError{jsonrpc.CodeParseError, "parse error"})
		return
	}
	if req.Method != a2a.MethodMessageStream {
		writeA2AError(w, req.ID, &rpcError{jsonrpc.CodeMethodNotFound, "method not found: " + req.Method})
		return
	}
	text := req.Params.Message.TextOf()
	if strings.TrimSpace(text) == "" {
		writeA2AError(w, req.ID, &rpcError{jsonrpc.CodeInvalidParams, "message has no text parts"})
		return
	}
	convID, err := parseConversationID(req.Params.Message.ContextID)
	if err != nil {
		writeA2AError(w, req.ID, &rpcError{jsonrpc.CodeInvalidParams, "invalid contextId"})
		return
	}
	if !s.admit(w, id) {
		return
	}

	sink := newLazySink(func() stream.Sink { return stream.NewSSESink(w) })
	_, err = s.turns.RunTurn(r.Context(), gateway.TurnRequest{
		Identity:       id,
		ConversationID: convID,
		Source:         "a2a",
		Text:           text,
		Binding: func(conv *types.Conversation, requestID types.RequestID) protocol.Binding {
			return a2a.New(req.ID, string(requestID), string(conv.ID))
		},
		Sink: sink,
	})
	if err == nil {
		return
	}
	if sink.started {
		s.logTurnError("a2a", err)
		return
	}
	writeA2AError(w, req.ID, rpcTurnError(err))
}
