// Package events defines the internal event vocabulary an agent emits while
// producing a turn. Every wire protocol is derived from these values.
package events

import "encoding/json"

type Type string

const (
	TypeThinking          Type = "thinking"
	TypeText              Type = "text"
	TypeToolUse           Type = "tool_use"
	TypeToolInputFragment Type = "tool_input_fragment"
	TypeToolResult        Type = "tool_result"
	TypeMemory            Type = "memory"
	TypeUI                Type = "ui"
	TypeError             Type = "error"
	TypeDone              Type = "done"
)

// Event is one item of a turn's internal stream. Implementations outside
// this package are forwarded untouched by consumers that don't know them.
type Event interface {
	Type() Type
}

// Thinking carries reasoning text. By default Text is the increment since
// the previous Thinking event; with Cumulative it is everything so far.
type Thinking struct {
	Text       string
	Cumulative bool
}

type Text struct {
	Text       string
	Cumulative bool
}

// ToolUse announces a tool invocation. Input may be empty when arguments
// follow as fragments.
type ToolUse struct {
	CallID string
	Name   string
	Input  json.RawMessage
}

type ToolInputFragment struct {
	CallID   string
	Name     string
	Fragment string
	IsLast   bool
}

type ToolResult struct {
	CallID  string
	Name    string
	Result  string
	IsError bool
}

type MemorySubType string

const (
	MemoryRetrieved MemorySubType = "retrieved"
	MemoryStored    MemorySubType = "stored"
)

type Memory struct {
	SubType MemorySubType
	Content string
	Meta    map[string]any
}

// UI tells a consumer that a displayed entity is stale.
type UI struct {
	Entity   string
	EntityID string
	Action   string
	Meta     map[string]any
}

// Error terminates the stream abnormally.
type Error struct {
	Message string
}

// Done terminates the stream normally.
type Done struct {
	StopReason string
}

func (Thinking) Type() Type          { return TypeThinking }
func (Text) Type() Type              { return TypeText }
func (ToolUse) Type() Type           { return TypeToolUse }
func (ToolInputFragment) Type() Type { return TypeToolInputFragment }
func (ToolResult) Type() Type        { return TypeToolResult }
func (Memory) Type() Type            { return TypeMemory }
func (UI) Type() Type                { return TypeUI }
func (Error) Type() Type             { return TypeError }
func (Done) Type() Type              { return TypeDone }

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, *Done, Error, *Error:
		return true
	}
	return false
}

// Normalize returns the value form of a pointer to one of this package's
// event types, or nil for a nil pointer. Other events are returned as is.
func Normalize(ev Event) Event {
	switch e := ev.(type) {
	case *Thinking:
		return deref(e)
	case *Text:
		return deref(e)
	case *ToolUse:
		return deref(e)
	case *ToolInputFragment:
		return deref(e)
	case *ToolResult:
		return deref(e)
	case *Memory:
		return deref(e)
	case *UI:
		return deref(e)
	case *Error:
		return deref(e)
	case *Done:
		return deref(e)
	}
	return ev
}

func deref[T Event](p *T) Event {
	if p == nil {
		return nil
	}
	return *p
}

const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)
