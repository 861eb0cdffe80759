// Package a2a encodes turns in the agent-to-agent message/stream grammar:
// a working status update, agent messages whose parts carry text and
// structured data, and a final status update.
package a2a

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
)

const MethodMessageStream = "message/stream"

const (
	KindMessage      = "message"
	KindStatusUpdate = "status-update"
	KindText         = "text"
	KindData         = "data"
)

type TaskState string

const (
	StateWorking   TaskState = "working"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  SendParams      `json:"params"`
}

type SendParams struct {
	Message Message `json:"message"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Message struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Parts     []Part `json:"parts"`
}

// Part is a text or data part. Exactly one of Text and Data is meaningful,
// selected by Kind.
type Part struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextOf concatenates the text parts of m.
func (m Message) TextOf() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == KindText {
			s += p.Text
		}
	}
	return s
}

type StatusUpdate struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    Status         `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Status struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"`
}

var _ protocol.Binding = (*Binding)(nil)

type Binding struct {
	RequestID json.RawMessage
	TaskID    string
	ContextID string
	now       func() time.Time
}

func New(requestID json.RawMessage, taskID, contextID string) *Binding {
	if len(requestID) == 0 || !json.Valid(requestID) {
		requestID = json.RawMessage("null")
	}
	return &Binding{RequestID: requestID, TaskID: taskID, ContextID: contextID, now: time.Now}
}

func (b *Binding) frame(result any) ([]protocol.Frame, error) {
	f, err := protocol.Marshal("", Response{JSONRPC: "2.0", ID: b.RequestID, Result: result})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{f}, nil
}

func (b *Binding) message(parts ...Part) Message {
	return Message{
		Kind:      KindMessage,
		MessageID: uuid.New().String(),
		Role:      "agent",
		ContextID: b.ContextID,
		TaskID:    b.TaskID,
		Parts:     parts,
	}
}

func (b *Binding) status(state TaskState, final bool, msg *Message, meta map[string]any) StatusUpdate {
	return StatusUpdate{
		Kind:      KindStatusUpdate,
		TaskID:    b.TaskID,
		ContextID: b.ContextID,
		Status:    Status{State: state, Message: msg, Timestamp: b.now().UTC().Format(time.RFC3339Nano)},
		Final:     final,
		Metadata:  meta,
	}
}

func dataPart(v map[string]any) Part {
	return Part{Kind: KindData, Data: v}
}

func (b *Binding) TurnStart() ([]protocol.Frame, error) {
	return b.frame(b.status(StateWorking, false, nil, nil))
}

func (b *Binding) BlockStart(protocol.Block) ([]protocol.Frame, error) {
	return nil, nil
}

func (b *Binding) BlockDelta(blk protocol.Block, delta string) ([]protocol.Frame, error) {
	if blk.Kind == protocol.KindToolUse {
		return nil, nil
	}
	return b.frame(b.message(Part{
		Kind:     KindText,
		Text:     delta,
		Metadata: map[string]any{"channel": string(blk.Kind)},
	}))
}

func (b *Binding) BlockStop(protocol.Block) ([]protocol.Frame, error) {
	return nil, nil
}

func (b *Binding) ToolCall(_ protocol.Block, call protocol.ToolCall) ([]protocol.Frame, error) {
	return b.frame(b.message(dataPart(map[string]any{
		"type":      "tool_call",
		"id":        call.ID,
		"name":      call.Name,
		"arguments": call.ArgumentsValue(),
		"malformed": !call.Valid,
	})))
}

func (b *Binding) ToolResult(ev events.ToolResult) ([]protocol.Frame, error) {
	return b.frame(b.message(dataPart(map[string]any{
		"type":    "tool_result",
		"id":      ev.CallID,
		"name":    ev.Name,
		"result":  ev.Result,
		"isError": ev.IsError,
	})))
}

func (b *Binding) Memory(ev events.Memory) ([]protocol.Frame, error) {
	return b.frame(b.message(dataPart(map[string]any{
		"type":    "memory",
		"subType": string(ev.SubType),
		"content": ev.Content,
		"meta":    ev.Meta,
	})))
}

func (b *Binding) UI(ev events.UI) ([]protocol.Frame, error) {
	return b.frame(b.message(dataPart(map[string]any{
		"type":     "ui",
		"entity":   ev.Entity,
		"entityId": ev.EntityID,
		"action":   ev.Action,
		"meta":     ev.Meta,
	})))
}

func (b *Binding) Fault(message string) []protocol.Frame {
	msg := b.message(dataPart(map[string]any{"type": "event_error", "message": message}))
	return []protocol.Frame{protocol.MustMarshal("",
		Response{JSONRPC: "2.0", ID: b.RequestID, Result: msg},
		`{"jsonrpc":"2.0","id":null,"result":{"kind":"message","role":"agent","parts":[{"kind":"data","data":{"type":"event_error"}}]}}`)}
}

func (b *Binding) Error(message string) []protocol.Frame {
	msg := b.message(Part{Kind: KindText, Text: message})
	return []protocol.Frame{protocol.MustMarshal("",
		Response{JSONRPC: "2.0", ID: b.RequestID, Result: b.status(StateFailed, true, &msg, nil)},
		`{"jsonrpc":"2.0","id":null,"result":{"kind":"status-update","status":{"state":"failed"},"final":true}}`)}
}

func (b *Binding) TurnStop(stopReason string) []protocol.Frame {
	return []protocol.Frame{protocol.MustMarshal("",
		Response{JSONRPC: "2.0", ID: b.RequestID, Result: b.status(StateCompleted, true, nil, map[string]any{"stopReason": stopReason})},
		`{"jsonrpc":"2.0","id":null,"result":{"kind":"status-update","status":{"state":"completed"},"final":true}}`)}
}
