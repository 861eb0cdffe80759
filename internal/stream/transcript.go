package stream

import (
	"time"

	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/types"
)

// Transcript is the finalized content of one turn.
type Transcript struct {
	Entries    []protocol.Entry
	StopReason string
	Status     Status
}

// Messages projects the transcript onto checkpoint messages. Adjacent text
// entries merge into one assistant message, each tool call becomes a tool
// message that its result fills in, and thinking is not kept.
func (t *Transcript) Messages(now time.Time) []types.Message {
	if t == nil {
		return nil
	}
	var msgs []types.Message
	type openCall struct {
		id  string
		idx int
	}
	var pending []openCall
	lastText := -1
	for _, e := range t.Entries {
		switch e.Kind {
		case protocol.EntryText:
			if lastText >= 0 && lastText == len(msgs)-1 {
				msgs[lastText].Text += e.Text
				continue
			}
			msgs = append(msgs, types.Message{ID: types.NewMessageID(), Role: types.RoleAssistant, Text: e.Text, CreatedAt: now})
			lastText = len(msgs) - 1
		case protocol.EntryToolCall:
			msgs = append(msgs, types.Message{
				ID:        types.NewMessageID(),
				Role:      types.RoleTool,
				Text:      e.Call.Arguments,
				ToolName:  e.Call.Name,
				CreatedAt: now,
			})
			pending = append(pending, openCall{id: e.Call.ID, idx: len(msgs) - 1})
		case protocol.EntryToolResult:
			matched := false
			for i, c := range pending {
				sameID := c.id != "" && c.id == e.Result.CallID
				sameName := (c.id == "" || e.Result.CallID == "") && msgs[c.idx].ToolName == e.Result.Name
				if sameID || sameName {
					msgs[c.idx].ToolResult = e.Result.Result
					pending = append(pending[:i], pending[i+1:]...)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			msgs = append(msgs, types.Message{
				ID:         types.NewMessageID(),
				Role:       types.RoleTool,
				ToolName:   e.Result.Name,
				ToolResult: e.Result.Result,
				CreatedAt:  now,
			})
		}
	}
	return msgs
}
