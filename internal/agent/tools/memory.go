package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/convoy/internal/agent"
	"github.com/user/convoy/internal/memory"
)

type memorySaveArgs struct {
	Content string `json:"content" jsonschema:"description=The fact or preference to remember"`
}

// MemorySave stores a fact in the memory book, subject to the
// conversation's memory quota.
type MemorySave struct{ book *memory.Book }

func NewMemorySave(book *memory.Book) *MemorySave { return &MemorySave{book: book} }

func (m *MemorySave) Name() string { return "memory_save" }
func (m *MemorySave) Description() string {
	return "Save a fact or preference to persistent memory"
}
func (m *MemorySave) Parameters() json.RawMessage { return agent.SchemaFor[memorySaveArgs]() }

func (m *MemorySave) Execute(ctx context.Context, inv *agent.Invocation, args json.RawMessage) (string, error) {
	var params memorySaveArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return "", fmt.Errorf("content is required")
	}
	if inv == nil || inv.Memory == nil {
		return "", fmt.Errorf("memory is not available in this turn")
	}

	existed := false
	stored, err := inv.Memory.Stored(ctx, inv.ConversationID, content, func(context.Context) (string, error) {
		id, created, err := m.book.Save(content)
		existed = !created
		return id, err
	})
	if err != nil {
		return "", err
	}
	if !stored {
		return "Not saved: this conversation has reached its memory limit for now.", nil
	}
	if existed {
		return "Memory already exists: " + content, nil
	}
	return "Saved: " + content, nil
}

type memorySearchArgs struct {
	Query string `json:"query" jsonschema:"description=Words to look for in saved memories"`
}

// MemorySearch looks up saved facts and reports each hit to the consumer.
type MemorySearch struct{}

func NewMemorySearch() *MemorySearch { return &MemorySearch{} }

func (m *MemorySearch) Name() string                { return "memory_search" }
func (m *MemorySearch) Description() string         { return "Search facts saved in persistent memory" }
func (m *MemorySearch) Parameters() json.RawMessage { return agent.SchemaFor[memorySearchArgs]() }

func (m *MemorySearch) Execute(ctx context.Context, inv *agent.Invocation, args json.RawMessage) (string, error) {
	var params memorySearchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if inv == nil || inv.Memory == nil {
		return "", fmt.Errorf("memory is not available in this turn")
	}
	hits, err := inv.Memory.Retrieved(ctx, params.Query)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No matching memories.", nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h.Content)
	}
	return b.String(), nil
}
