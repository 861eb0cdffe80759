// Package anthropic encodes turns in the Messages API streaming grammar:
// message_start, one content_block_start/delta/stop triple per block index,
// message_delta and message_stop.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
)

const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"

	// Extensions carried alongside the standard grammar.
	EventToolResult = "tool_result"
	EventMemory     = "memory"
	EventUI         = "ui"
	EventFault      = "event_error"
)

type MessageStart struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type Message struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Role         string    `json:"role"`
	Model        string    `json:"model"`
	Content      []any     `json:"content"`
	StopReason   *string   `json:"stop_reason"`
	StopSequence *string   `json:"stop_sequence"`
	Usage        Usage     `json:"usage"`
	Metadata     *Metadata `json:"metadata,omitempty"`
}

type Metadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ContentBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ThinkingBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type ToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type ToolResult struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type Memory struct {
	Type    string         `json:"type"`
	SubType string         `json:"sub_type"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type UI struct {
	Type     string         `json:"type"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Action   string         `json:"action"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var _ protocol.Binding = (*Binding)(nil)

// Binding is safe to use for exactly one turn.
type Binding struct {
	MessageID      string
	Model          string
	ConversationID string
}

func New(messageID, model, conversationID string) *Binding {
	return &Binding{MessageID: messageID, Model: model, ConversationID: conversationID}
}

func one(f protocol.Frame, err error) ([]protocol.Frame, error) {
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{f}, nil
}

func (b *Binding) TurnStart() ([]protocol.Frame, error) {
	msg := Message{
		ID:      b.MessageID,
		Type:    "message",
		Role:    "assistant",
		Model:   b.Model,
		Content: []any{},
	}
	if b.ConversationID != "" {
		msg.Metadata = &Metadata{ConversationID: b.ConversationID}
	}
	return one(protocol.Marshal(EventMessageStart, MessageStart{Type: EventMessageStart, Message: msg}))
}

func (b *Binding) BlockStart(blk protocol.Block) ([]protocol.Frame, error) {
	var cb any
	switch blk.Kind {
	case protocol.KindThinking:
		cb = ThinkingBlock{Type: "thinking"}
	case protocol.KindText:
		cb = TextBlock{Type: "text"}
	case protocol.KindToolUse:
		cb = ToolUseBlock{Type: "tool_use", ID: blk.CallID, Name: blk.Name, Input: json.RawMessage("{}")}
	default:
		return nil, fmt.Errorf("unknown block kind %q", blk.Kind)
	}
	return one(protocol.Marshal(EventContentBlockStart, ContentBlockStart{
		Type:         EventContentBlockStart,
		Index:        blk.Index,
		ContentBlock: cb,
	}))
}

func (b *Binding) BlockDelta(blk protocol.Block, delta string) ([]protocol.Frame, error) {
	var d any
	switch blk.Kind {
	case protocol.KindThinking:
		d = ThinkingDelta{Type: "thinking_delta", Thinking: delta}
	case protocol.KindText:
		d = TextDelta{Type: "text_delta", Text: delta}
	case protocol.KindToolUse:
		d = InputJSONDelta{Type: "input_json_delta", PartialJSON: delta}
	default:
		return nil, fmt.Errorf("unknown block kind %q", blk.Kind)
	}
	return one(protocol.Marshal(EventContentBlockDelta, ContentBlockDelta{
		Type:  EventContentBlockDelta,
		Index: blk.Index,
		Delta: d,
	}))
}

func (b *Binding) BlockStop(blk protocol.Block) ([]protocol.Frame, error) {
	return one(protocol.Marshal(EventContentBlockStop, ContentBlockStop{Type: EventContentBlockStop, Index: blk.Index}))
}

// ToolCall emits nothing: the arguments already went out as input_json_delta.
func (b *Binding) ToolCall(protocol.Block, protocol.ToolCall) ([]protocol.Frame, error) {
	return nil, nil
}

func (b *Binding) ToolResult(ev events.ToolResult) ([]protocol.Frame, error) {
	return one(protocol.Marshal(EventToolResult, ToolResult{
		Type:      EventToolResult,
		ToolUseID: ev.CallID,
		Name:      ev.Name,
		Content:   ev.Result,
		IsError:   ev.IsError,
	}))
}

func (b *Binding) Memory(ev events.Memory) ([]protocol.Frame, error) {
	return one(protocol.Marshal(EventMemory, Memory{
		Type:    EventMemory,
		SubType: string(ev.SubType),
		Content: ev.Content,
		Meta:    ev.Meta,
	}))
}

func (b *Binding) UI(ev events.UI) ([]protocol.Frame, error) {
	return one(protocol.Marshal(EventUI, UI{
		Type:     EventUI,
		Entity:   ev.Entity,
		EntityID: ev.EntityID,
		Action:   ev.Action,
		Meta:     ev.Meta,
	}))
}

func (b *Binding) Fault(message string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal(EventFault,
		ErrorEvent{Type: EventFault, Error: ErrorDetail{Type: "encoding_error", Message: message}},
		`{"type":"event_error","error":{"type":"encoding_error","message":"event could not be encoded"}}`)}
}

func (b *Binding) Error(message string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal(EventError,
		ErrorEvent{Type: EventError, Error: ErrorDetail{Type: "api_error", Message: message}},
		`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)}
}

func (b *Binding) TurnStop(stopReason string) []protocol.Frame {
	return []protocol.Frame{
		protocol.MustMarshal(EventMessageDelta,
			MessageDelta{Type: EventMessageDelta, Delta: MessageDeltaBody{StopReason: &stopReason}},
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`),
		{Event: EventMessageStop, Data: []byte(`{"type":"message_stop"}`)},
	}
}
