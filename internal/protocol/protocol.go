// Package protocol translates a turn's internal events into wire frames.
//
// A Machine owns the per-turn block state (index allocation, tool argument
// accumulation, which block is open) and asks a Binding for the concrete
// encoding of every transition. Adding a consumer protocol means adding a
// Binding.
package protocol

import (
	"encoding/json"

	"github.com/user/convoy/internal/events"
)

type BlockKind string

const (
	KindThinking BlockKind = "thinking"
	KindText     BlockKind = "text"
	KindToolUse  BlockKind = "tool_use"
)

// BlockKey identifies one logical content block within a turn. Thinking and
// text use an empty ID; tool blocks carry the call reference and generation.
type BlockKey struct {
	Kind BlockKind
	ID   string
}

// Frame is one framed unit on the wire. Event is empty for transports
// without event names.
type Frame struct {
	Event string
	Data  []byte
}

// Block describes the block a transition applies to.
type Block struct {
	Index  int
	Kind   BlockKind
	CallID string
	Name   string
}

// Binding supplies the wire encoding for each Machine transition. Methods
// returning an error may fail for one event; the Machine substitutes Fault
// frames and continues. Fault, Error and TurnStop must always produce a frame.
type Binding interface {
	TurnStart() ([]Frame, error)
	BlockStart(b Block) ([]Frame, error)
	BlockDelta(b Block, delta string) ([]Frame, error)
	BlockStop(b Block) ([]Frame, error)
	ToolCall(b Block, call ToolCall) ([]Frame, error)
	ToolResult(ev events.ToolResult) ([]Frame, error)
	Memory(ev events.Memory) ([]Frame, error)
	UI(ev events.UI) ([]Frame, error)

	Fault(message string) []Frame
	Error(message string) []Frame
	TurnStop(stopReason string) []Frame
}

// ToolCall is a fully accumulated tool invocation. Arguments holds compact
// JSON when Valid, otherwise the raw buffer as received.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	Valid     bool
}

// ArgumentsValue returns the arguments in a form suitable for embedding in
// a JSON payload: raw JSON when valid, a JSON string otherwise.
func (c ToolCall) ArgumentsValue() any {
	if c.Valid {
		return json.RawMessage(c.Arguments)
	}
	return c.Arguments
}

// Marshal encodes v, wrapping the error with the frame name for Fault text.
func Marshal(name string, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, &EncodeError{Event: name, Err: err}
	}
	return Frame{Event: name, Data: data}, nil
}

type EncodeError struct {
	Event string
	Err   error
}

func (e *EncodeError) Error() string {
	return "encode " + e.Event + ": " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }

// MustMarshal encodes v, falling back to fallback when encoding fails.
// Terminal frames use it so they can never be lost.
func MustMarshal(name string, v any, fallback string) Frame {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fallback)
	}
	return Frame{Event: name, Data: data}
}
