package emit

import (
	"context"
	"encoding/json"

	"github.com/user/convoy/internal/events"
)

// ToolEmitter reports tool progress and, on completion, the UI events the
// rule registry derives from the call.
type ToolEmitter struct {
	out   events.Emitter
	rules *Rules
}

func NewToolEmitter(out events.Emitter, rules *Rules) *ToolEmitter {
	return &ToolEmitter{out: out, rules: rules}
}

func (t *ToolEmitter) Begin(ctx context.Context, callID, name string, input json.RawMessage) error {
	return t.out.Emit(ctx, events.ToolUse{CallID: callID, Name: name, Input: input})
}

func (t *ToolEmitter) Fragment(ctx context.Context, callID, name, fragment string, isLast bool) error {
	return t.out.Emit(ctx, events.ToolInputFragment{CallID: callID, Name: name, Fragment: fragment, IsLast: isLast})
}

// Complete emits the tool result followed by any UI invalidations.
func (t *ToolEmitter) Complete(ctx context.Context, callID, name string, args json.RawMessage, result string, isError bool) error {
	if err := t.out.Emit(ctx, events.ToolResult{CallID: callID, Name: name, Result: result, IsError: isError}); err != nil {
		return err
	}
	for _, ui := range t.rules.Resolve(name, args, result, isError) {
		if err := t.out.Emit(ctx, ui); err != nil {
			return err
		}
	}
	return nil
}
