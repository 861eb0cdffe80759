package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/protocol/jsonrpc"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
)

// rpcError is a request-level JSON-RPC failure.
type rpcError struct {
	code int
	msg  string
}

func parseSend(req jsonrpc.Request) (jsonrpc.SendParams, types.ConversationID, *rpcError) {
	var params jsonrpc.SendParams
	if req.JSONRPC != jsonrpc.Version {
		return params, "", &rpcError{jsonrpc.CodeInvalidRequest, "jsonrpc must be \"2.0\""}
	}
	if req.Method != jsonrpc.MethodSendMessage {
		return params, "", &rpcError{jsonrpc.CodeMethodNotFound, "method not found: " + req.Method}
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, "", &rpcError{jsonrpc.CodeInvalidParams, "invalid params"}
	}
	if strings.TrimSpace(params.Message) == "" {
		return params, "", &rpcError{jsonrpc.CodeInvalidParams, "message is required"}
	}
	convID, err := parseConversationID(params.ConversationID)
	if err != nil {
		return params, "", &rpcError{jsonrpc.CodeInvalidParams, "invalid conversationId"}
	}
	return params, convID, nil
}

// rpcTurnError maps a gateway error to a JSON-RPC error.
func rpcTurnError(err error) *rpcError {
	switch {
	case errors.Is(err, types.ErrForbidden):
		return &rpcError{jsonrpc.CodeInvalidParams, "conversation not accessible"}
	case errors.Is(err, gateway.ErrLaneFull):
		return &rpcError{jsonrpc.CodeInternalError, "conversation busy"}
	default:
		return &rpcError{jsonrpc.CodeInternalError, "internal error"}
	}
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, e *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(jsonrpc.ErrorResponse(id, e.code, e.msg))
}

func (s *Server) mcpTurn(r *http.Request, id types.Identity, req jsonrpc.Request, params jsonrpc.SendParams, convID types.ConversationID, sink *lazySink) error {
	_, err := s.turns.RunTurn(r.Context(), gateway.TurnRequest{
		Identity:       id,
		ConversationID: convID,
		Source:         "mcp",
		Text:           params.Message,
		Binding: func(conv *types.Conversation, _ types.RequestID) protocol.Binding {
			return jsonrpc.New(req.ID, string(conv.ID))
		},
		Sink: sink,
	})
	return err
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req jsonrpc.Request
	if err := s.decode(w, r, &req); err != nil {
		writeRPC(w, nil, &rpcError{jsonrpc.CodeParseError, "parse error"})
		return
	}
	params, convID, rerr := parseSend(req)
	if rerr != nil {
		writeRPC(w, req.ID, rerr)
		return
	}
	if !s.admit(w, id) {
		return
	}

	sink := newLazySink(func() stream.Sink { return stream.NewNDJSONSink(w) })
	err := s.mcpTurn(r, id, req, params, convID, sink)
	if err == nil {
		return
	}
	if sink.started {
		s.logTurnError("mcp", err)
		return
	}
	writeRPC(w, req.ID, rpcTurnError(err))
}

// handleMCPSocket runs one turn per conversation/send request received on
// the socket, in order.
func (s *Server) handleMCPSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	reply := func(reqID json.RawMessage, e *rpcError) error {
		return conn.Write(ctx, websocket.MessageText, jsonrpc.ErrorResponse(reqID, e.code, e.msg))
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			if reply(nil, &rpcError{jsonrpc.CodeInvalidRequest, "text messages only"}) != nil {
				return
			}
			continue
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			if reply(nil, &rpcError{jsonrpc.CodeParseError, "parse error"}) != nil {
				return
			}
			continue
		}
		params, convID, rerr := parseSend(req)
		if rerr == nil && !s.limiter.Allow(id.Key()) {
			rerr = &rpcError{jsonrpc.CodeInternalError, "rate limit exceeded"}
		}
		if rerr != nil {
			if reply(req.ID, rerr) != nil {
				return
			}
			continue
		}

		sink := newLazySink(func() stream.Sink { return stream.NewWebSocketSink(conn) })
		err = s.mcpTurn(r, id, req, params, convID, sink)
		if err == nil {
			continue
		}
		if sink.started {
			s.logTurnError("mcp_ws", err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if reply(req.ID, rpcTurnError(err)) != nil {
			return
		}
	}
}
