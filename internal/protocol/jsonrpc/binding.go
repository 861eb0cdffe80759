// Package jsonrpc encodes turns as a stream of JSON-RPC 2.0 responses that
// all answer the originating request. Tool calls are sent once fully
// merged and tool results carry MCP content items.
package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
)

const Version = "2.0"

// Error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Result types carried in Response.Result.Type.
const (
	TypeTurnStart  = "turn_start"
	TypeThinking   = "thinking"
	TypeText       = "text"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeMemory     = "memory"
	TypeUI         = "ui"
	TypeDone       = "done"
)

const (
	MethodLogMessage  = "notifications/message"
	MethodSendMessage = "conversation/send"
)

// SendParams are the params of a conversation/send request.
type SendParams struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type LogParams struct {
	Level  string `json:"level"`
	Logger string `json:"logger,omitempty"`
	Data   any    `json:"data"`
}

type TurnStart struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

type TextResult struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolCallResult struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
	Malformed bool   `json:"malformed,omitempty"`
}

// ContentItem is an MCP content item.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ToolResultResult struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Name    string        `json:"name"`
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type MemoryResult struct {
	Type    string         `json:"type"`
	SubType string         `json:"subType"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type UIResult struct {
	Type     string         `json:"type"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Action   string         `json:"action"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type DoneResult struct {
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

var _ protocol.Binding = (*Binding)(nil)

// Binding answers one request. RequestID is the raw JSON id of that request.
type Binding struct {
	RequestID      json.RawMessage
	ConversationID string
}

func New(requestID json.RawMessage, conversationID string) *Binding {
	if len(requestID) == 0 || !json.Valid(requestID) {
		requestID = json.RawMessage("null")
	}
	return &Binding{RequestID: requestID, ConversationID: conversationID}
}

func (b *Binding) result(v any) ([]protocol.Frame, error) {
	f, err := protocol.Marshal("", Response{JSONRPC: Version, ID: b.RequestID, Result: v})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{f}, nil
}

func (b *Binding) TurnStart() ([]protocol.Frame, error) {
	return b.result(TurnStart{Type: TypeTurnStart, ConversationID: b.ConversationID})
}

// BlockStart emits nothing: block indices are not part of this grammar.
func (b *Binding) BlockStart(protocol.Block) ([]protocol.Frame, error) {
	return nil, nil
}

func (b *Binding) BlockDelta(blk protocol.Block, delta string) ([]protocol.Frame, error) {
	switch blk.Kind {
	case protocol.KindThinking:
		return b.result(TextResult{Type: TypeThinking, Text: delta})
	case protocol.KindText:
		return b.result(TextResult{Type: TypeText, Text: delta})
	}
	return nil, nil
}

func (b *Binding) BlockStop(protocol.Block) ([]protocol.Frame, error) {
	return nil, nil
}

func (b *Binding) ToolCall(_ protocol.Block, call protocol.ToolCall) ([]protocol.Frame, error) {
	return b.result(ToolCallResult{
		Type:      TypeToolCall,
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.ArgumentsValue(),
		Malformed: !call.Valid,
	})
}

func (b *Binding) ToolResult(ev events.ToolResult) ([]protocol.Frame, error) {
	return b.result(ToolResultResult{
		Type:    TypeToolResult,
		ID:      ev.CallID,
		Name:    ev.Name,
		Content: []ContentItem{{Type: "text", Text: ev.Result}},
		IsError: ev.IsError,
	})
}

func (b *Binding) Memory(ev events.Memory) ([]protocol.Frame, error) {
	return b.result(MemoryResult{Type: TypeMemory, SubType: string(ev.SubType), Content: ev.Content, Meta: ev.Meta})
}

func (b *Binding) UI(ev events.UI) ([]protocol.Frame, error) {
	return b.result(UIResult{Type: TypeUI, Entity: ev.Entity, EntityID: ev.EntityID, Action: ev.Action, Meta: ev.Meta})
}

func (b *Binding) Fault(message string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal("",
		Notification{JSONRPC: Version, Method: MethodLogMessage, Params: LogParams{Level: "error", Logger: "convoy", Data: message}},
		`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"error","data":"event could not be encoded"}}`)}
}

func (b *Binding) Error(message string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal("",
		Response{JSONRPC: Version, ID: b.RequestID, Error: &Error{Code: CodeInternalError, Message: message}},
		internalError(b.RequestID))}
}

func (b *Binding) TurnStop(stopReason string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal("",
		Response{JSONRPC: Version, ID: b.RequestID, Result: DoneResult{Type: TypeDone, StopReason: stopReason}},
		`{"jsonrpc":"2.0","id":`+string(fallbackID(b.RequestID))+`,"result":{"type":"done","stopReason":"end_turn"}}`)}
}

// ErrorResponse builds a standalone error response for request-level
// failures that happen before a turn starts.
func ErrorResponse(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}})
	if err != nil {
		return []byte(internalError(id))
	}
	return data
}

// fallbackID returns id compacted onto one line, or null when it is not
// valid JSON.
func fallbackID(id json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if len(id) == 0 || json.Compact(&buf, id) != nil {
		return json.RawMessage("null")
	}
	return buf.Bytes()
}

func internalError(id json.RawMessage) string {
	return `{"jsonrpc":"2.0","id":` + string(fallbackID(id)) + `,"error":{"code":-32603,"message":"internal error"}}`
}
