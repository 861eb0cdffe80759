package telegram

import (
	"context"
	"strings"
	"sync"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
)

// Frame kinds produced by Reply.
const (
	frameText  = "text"
	frameNote  = "note"
	frameError = "error"
	frameStop  = "stop"
)

var _ protocol.Binding = (*Reply)(nil)

// Reply renders a turn for a chat that cannot show partial output. It is
// both the binding and the sink: frames carry plain text and are collected
// until the turn ends, then Text joins them into one message.
type Reply struct {
	mu    sync.Mutex
	body  strings.Builder
	notes []string
	fault string
	stop  string
}

func plain(kind, text string) []protocol.Frame {
	return []protocol.Frame{{Event: kind, Data: []byte(text)}}
}

func (r *Reply) TurnStart() ([]protocol.Frame, error) { return nil, nil }
func (r *Reply) BlockStart(protocol.Block) ([]protocol.Frame, error) { return nil, nil }
func (r *Reply) BlockStop(protocol.Block) ([]protocol.Frame, error) { return nil, nil }
func (r *Reply) UI(events.UI) ([]protocol.Frame, error) { return nil, nil }

// BlockDelta keeps answer text and drops thinking.
func (r *Reply) BlockDelta(blk protocol.Block, delta string) ([]protocol.Frame, error) {
	if blk.Kind != protocol.KindText {
		return nil, nil
	}
	return plain(frameText, delta), nil
}

func (r *Reply) ToolCall(_ protocol.Block, call protocol.ToolCall) ([]protocol.Frame, error) {
	return plain(frameNote, "Using "+call.Name), nil
}

func (r *Reply) ToolResult(ev events.ToolResult) ([]protocol.Frame, error) {
	if !ev.IsError {
		return nil, nil
	}
	return plain(frameNote, ev.Name+" failed"), nil
}

func (r *Reply) Memory(ev events.Memory) ([]protocol.Frame, error) {
	if ev.SubType != events.MemoryStored {
		return nil, nil
	}
	return plain(frameNote, "Remembered: "+ev.Content), nil
}

func (r *Reply) Fault(message string) []protocol.Frame {
	return plain(frameError, message)
}

func (r *Reply) Error(message string) []protocol.Frame {
	return plain(frameError, message)
}

func (r *Reply) TurnStop(stopReason string) []protocol.Frame {
	return plain(frameStop, stopReason)
}

// Write collects one frame.
func (r *Reply) Write(_ context.Context, f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch f.Event {
	case frameText:
		r.body.Write(f.Data)
	case frameNote:
		r.notes = append(r.notes, string(f.Data))
	case frameError:
		if r.fault == "" {
			r.fault = string(f.Data)
		}
	case frameStop:
		r.stop = string(f.Data)
	}
	return nil
}

// Text is the message to send once the turn is over.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, n := range r.notes {
		b.WriteString("_" + n + "_\n")
	}
	if len(r.notes) > 0 {
		b.WriteString("\n")
	}
	body := strings.TrimSpace(r.body.String())
	b.WriteString(body)
	switch {
	case r.fault != "" && body == "":
		b.WriteString("Sorry, I encountered an error processing your message.")
	case r.fault != "":
		b.WriteString("\n\n(interrupted: " + r.fault + ")")
	case r.stop == events.StopMaxTokens:
		b.WriteString("\n\n(truncated)")
	}
	return strings.TrimSpace(b.String())
}
