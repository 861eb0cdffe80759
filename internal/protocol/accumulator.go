package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var ErrToolAlreadyOpen = errors.New("tool call already open")

type toolBuffer struct {
	key      BlockKey
	ref      string
	callID   string
	name     string
	buf      strings.Builder
	finished bool
	result   ToolCall
	seq      int
}

// Accumulator reassembles tool call arguments streamed as fragments.
// Calls are matched by call id when one is supplied and by tool name
// otherwise. A fragment for a finished call starts a new generation.
type Accumulator struct {
	open  map[string]*toolBuffer
	byKey map[BlockKey]*toolBuffer
	gens  map[string]int
	seq   int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		open:  make(map[string]*toolBuffer),
		byKey: make(map[BlockKey]*toolBuffer),
		gens:  make(map[string]int),
	}
}

func toolRef(callID, name string) string {
	if callID != "" {
		return "id:" + callID
	}
	return "name:" + name
}

// find returns the unfinished buffer for a call. A fragment without an id
// matches an open call of the same name.
func (a *Accumulator) find(callID, name string) *toolBuffer {
	if tb, ok := a.open[toolRef(callID, name)]; ok {
		return tb
	}
	if callID == "" && name != "" {
		var match *toolBuffer
		for _, tb := range a.open {
			if tb.name == name && (match == nil || tb.seq > match.seq) {
				match = tb
			}
		}
		return match
	}
	return nil
}

func (a *Accumulator) start(callID, name string) *toolBuffer {
	ref := toolRef(callID, name)
	gen := a.gens[ref]
	a.gens[ref] = gen + 1
	id := ref
	if gen > 0 {
		id = ref + "#" + strconv.Itoa(gen)
	}
	tb := &toolBuffer{
		key:    BlockKey{Kind: KindToolUse, ID: id},
		ref:    ref,
		callID: callID,
		name:   name,
		seq:    a.seq,
	}
	a.seq++
	a.open[ref] = tb
	a.byKey[tb.key] = tb
	return tb
}

// OnToolUse opens a call. A non-empty initial input seeds the argument
// buffer. Opening a call that is already open returns its key together with
// ErrToolAlreadyOpen and leaves the buffer untouched.
func (a *Accumulator) OnToolUse(callID, name string, input json.RawMessage) (BlockKey, error) {
	if tb := a.find(callID, name); tb != nil {
		return tb.key, ErrToolAlreadyOpen
	}
	tb := a.start(callID, name)
	if !emptyInput(input) {
		tb.buf.Write(input)
	}
	return tb.key, nil
}

// OnFragment appends to the call's buffer, opening it implicitly when no
// call is open. It reports the block key and whether the call was opened by
// this fragment. When isLast is set the call is finalized.
func (a *Accumulator) OnFragment(callID, name, fragment string, isLast bool) (BlockKey, bool) {
	tb := a.find(callID, name)
	opened := false
	if tb == nil {
		tb = a.start(callID, name)
		opened = true
	}
	tb.buf.WriteString(fragment)
	if isLast {
		a.Finalize(tb.key)
	}
	return tb.key, opened
}

// Buffered returns the arguments buffered so far for key.
func (a *Accumulator) Buffered(key BlockKey) string {
	if tb, ok := a.byKey[key]; ok {
		return tb.buf.String()
	}
	return ""
}

// Lookup returns the key of the open call matching callID or name.
func (a *Accumulator) Lookup(callID, name string) (BlockKey, bool) {
	if tb := a.find(callID, name); tb != nil {
		return tb.key, true
	}
	return BlockKey{}, false
}

// Finalize completes the call for key. Repeated calls return the same
// result without touching the buffer again.
func (a *Accumulator) Finalize(key BlockKey) (ToolCall, bool) {
	tb, ok := a.byKey[key]
	if !ok {
		return ToolCall{}, false
	}
	if tb.finished {
		return tb.result, true
	}
	tb.finished = true
	if a.open[tb.ref] == tb {
		delete(a.open, tb.ref)
	}
	tb.result = ToolCall{ID: tb.callID, Name: tb.name}
	tb.result.Arguments, tb.result.Valid = normalizeArguments(tb.buf.String())
	return tb.result, true
}

func (a *Accumulator) Finished(key BlockKey) bool {
	tb, ok := a.byKey[key]
	return ok && tb.finished
}

func emptyInput(input json.RawMessage) bool {
	trimmed := bytes.TrimSpace(input)
	switch string(trimmed) {
	case "", "{}", "null", `""`:
		return true
	}
	return false
}

func normalizeArguments(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "{}", true
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(raw)); err != nil {
		return raw, false
	}
	return out.String(), true
}
