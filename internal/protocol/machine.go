package protocol

import (
	"log/slog"
	"strings"

	"github.com/user/convoy/internal/events"
)

type EntryKind string

const (
	EntryThinking   EntryKind = "thinking"
	EntryText       EntryKind = "text"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
)

// Entry is one finalized piece of a turn, recorded in the order it was
// completed on the wire.
type Entry struct {
	Kind   EntryKind
	Text   string
	Call   *ToolCall
	Result *events.ToolResult
}

type blockState struct {
	Block
	key       BlockKey
	open      bool
	finalized bool
	sent      strings.Builder
	pending   strings.Builder
}

// Machine runs one turn's block state machine over a Binding. It is not
// safe for concurrent use; a streaming session drives it from one goroutine.
type Machine struct {
	binding Binding
	alloc   *Allocator
	acc     *Accumulator
	logger  *slog.Logger

	started bool
	closed  bool
	blocks  map[BlockKey]*blockState
	order   []*blockState
	current *blockState
	entries []Entry
}

func NewMachine(binding Binding, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		binding: binding,
		alloc:   NewAllocator(),
		acc:     NewAccumulator(),
		logger:  logger,
		blocks:  make(map[BlockKey]*blockState),
	}
}

// Handle advances the machine by one event and returns the frames to write.
func (m *Machine) Handle(ev events.Event) []Frame {
	ev = events.Normalize(ev)
	if ev == nil {
		return nil
	}
	if m.closed {
		m.logger.Debug("event after stream closed", "type", ev.Type())
		return nil
	}
	out := m.begin(nil)

	switch e := ev.(type) {
	case events.Thinking:
		out = m.content(out, KindThinking, e.Text, e.Cumulative)
	case events.Text:
		out = m.content(out, KindText, e.Text, e.Cumulative)
	case events.ToolUse:
		out = m.toolUse(out, e)
	case events.ToolInputFragment:
		out = m.fragment(out, e)
	case events.ToolResult:
		out = m.toolResult(out, e)
	case events.Memory:
		out = m.encode(out, func() ([]Frame, error) { return m.binding.Memory(e) })
	case events.UI:
		out = m.encode(out, func() ([]Frame, error) { return m.binding.UI(e) })
	case events.Error:
		out = append(out, m.Abort(e.Message, false)...)
	case events.Done:
		out = append(out, m.End(e.StopReason)...)
	default:
		m.logger.Debug("ignoring unknown event", "type", ev.Type())
	}
	return out
}

// CloseBlocks finalizes pending tool calls and stops every open block in
// the order blocks were first opened.
func (m *Machine) CloseBlocks() []Frame {
	if m.closed {
		return nil
	}
	var out []Frame
	for _, bs := range m.order {
		switch {
		case bs.Kind == KindToolUse && !bs.finalized:
			out = m.finishTool(out, bs)
		case bs.open:
			out = m.stop(out, bs)
		}
	}
	return out
}

// End closes remaining blocks and emits the turn-stop frames.
func (m *Machine) End(stopReason string) []Frame {
	if m.closed {
		return nil
	}
	if stopReason == "" {
		stopReason = events.StopEndTurn
	}
	out := m.begin(nil)
	out = append(out, m.CloseBlocks()...)
	out = append(out, m.binding.TurnStop(stopReason)...)
	m.closed = true
	return out
}

// Abort emits the error marker and closes the stream. With closeBlocks the
// open blocks are stopped first; otherwise block stops are skipped and only
// their content is recorded.
func (m *Machine) Abort(message string, closeBlocks bool) []Frame {
	if m.closed {
		return nil
	}
	out := m.begin(nil)
	if closeBlocks {
		out = append(out, m.CloseBlocks()...)
	} else {
		for _, bs := range m.order {
			m.record(bs)
		}
	}
	out = append(out, m.binding.Error(message)...)
	m.closed = true
	return out
}

// Fault returns a non-terminal error frame for conditions outside the event
// stream, such as a failed checkpoint write.
func (m *Machine) Fault(message string) []Frame {
	if m.closed {
		return nil
	}
	return m.binding.Fault(message)
}

func (m *Machine) Started() bool { return m.started }
func (m *Machine) Closed() bool  { return m.closed }

// Entries returns the finalized content recorded so far.
func (m *Machine) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Machine) begin(out []Frame) []Frame {
	if m.started {
		return out
	}
	m.started = true
	return m.encode(out, m.binding.TurnStart)
}

func (m *Machine) encode(out []Frame, fn func() ([]Frame, error)) []Frame {
	frames, err := fn()
	if err != nil {
		m.logger.Warn("event encoding failed", "error", err)
		return append(out, m.binding.Fault(err.Error())...)
	}
	return append(out, frames...)
}

func (m *Machine) content(out []Frame, kind BlockKind, text string, cumulative bool) []Frame {
	key := BlockKey{Kind: kind}
	delta := text
	if bs, ok := m.blocks[key]; ok && cumulative {
		sent := bs.sent.String()
		if !strings.HasPrefix(text, sent) {
			m.logger.Warn("cumulative content diverged from sent content", "kind", kind, "sent_len", len(sent), "text_len", len(text))
			return out
		}
		delta = text[len(sent):]
	}
	if delta == "" {
		return out
	}
	out, bs := m.activate(out, key, "", "")
	bs.sent.WriteString(delta)
	bs.pending.WriteString(delta)
	return m.encode(out, func() ([]Frame, error) { return m.binding.BlockDelta(bs.Block, delta) })
}

func (m *Machine) toolUse(out []Frame, e events.ToolUse) []Frame {
	key, err := m.acc.OnToolUse(e.CallID, e.Name, e.Input)
	if err != nil {
		m.logger.Warn("duplicate tool use", "tool", e.Name, "call_id", e.CallID, "error", err)
		return out
	}
	out, bs := m.activate(out, key, e.CallID, e.Name)
	if seed := m.acc.Buffered(key); seed != "" {
		out = m.encode(out, func() ([]Frame, error) { return m.binding.BlockDelta(bs.Block, seed) })
	}
	return out
}

func (m *Machine) fragment(out []Frame, e events.ToolInputFragment) []Frame {
	key, _ := m.acc.OnFragment(e.CallID, e.Name, e.Fragment, false)
	if bs, ok := m.blocks[key]; ok && e.Fragment == "" {
		// Nothing to stream: finish in place without reopening the block.
		if e.IsLast {
			out = m.finishTool(out, bs)
		}
		return out
	}
	out, bs := m.activate(out, key, e.CallID, e.Name)
	if e.Fragment != "" {
		out = m.encode(out, func() ([]Frame, error) { return m.binding.BlockDelta(bs.Block, e.Fragment) })
	}
	if e.IsLast {
		out = m.finishTool(out, bs)
	}
	return out
}

func (m *Machine) toolResult(out []Frame, e events.ToolResult) []Frame {
	if key, ok := m.acc.Lookup(e.CallID, e.Name); ok {
		if bs, ok := m.blocks[key]; ok {
			out = m.finishTool(out, bs)
		}
	}
	out = m.encode(out, func() ([]Frame, error) { return m.binding.ToolResult(e) })
	result := e
	m.entries = append(m.entries, Entry{Kind: EntryToolResult, Result: &result})
	return out
}

// activate makes key the open block, stopping whichever block was open.
// A block seen earlier in the turn reopens under its original index.
func (m *Machine) activate(out []Frame, key BlockKey, callID, name string) ([]Frame, *blockState) {
	bs, ok := m.blocks[key]
	if ok && bs == m.current {
		return out, bs
	}
	if m.current != nil {
		out = m.stop(out, m.current)
	}
	if !ok {
		idx, _ := m.alloc.Allocate(key)
		bs = &blockState{
			Block: Block{Index: idx, Kind: key.Kind, CallID: callID, Name: name},
			key:   key,
		}
		m.blocks[key] = bs
		m.order = append(m.order, bs)
	}
	bs.open = true
	m.current = bs
	out = m.encode(out, func() ([]Frame, error) { return m.binding.BlockStart(bs.Block) })
	return out, bs
}

func (m *Machine) stop(out []Frame, bs *blockState) []Frame {
	if !bs.open {
		return out
	}
	bs.open = false
	if m.current == bs {
		m.current = nil
	}
	m.record(bs)
	return m.encode(out, func() ([]Frame, error) { return m.binding.BlockStop(bs.Block) })
}

func (m *Machine) finishTool(out []Frame, bs *blockState) []Frame {
	if bs.finalized {
		return out
	}
	call, ok := m.acc.Finalize(bs.key)
	if !ok {
		return out
	}
	bs.finalized = true
	out = m.stop(out, bs)
	if !call.Valid {
		m.logger.Warn("tool arguments are not valid JSON", "tool", call.Name, "call_id", call.ID)
	}
	out = m.encode(out, func() ([]Frame, error) { return m.binding.ToolCall(bs.Block, call) })
	m.entries = append(m.entries, Entry{Kind: EntryToolCall, Call: &call})
	return out
}

func (m *Machine) record(bs *blockState) {
	if bs.Kind == KindToolUse || bs.pending.Len() == 0 {
		return
	}
	kind := EntryText
	if bs.Kind == KindThinking {
		kind = EntryThinking
	}
	m.entries = append(m.entries, Entry{Kind: kind, Text: bs.pending.String()})
	bs.pending.Reset()
}
