// internal/context/engine.go
package context

import (
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/convoy/internal/types"
	"github.com/user/convoy/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM from a conversation's
// checkpointed messages.
type Engine struct {
	count     func(string) int
	maxTokens int
	reserve   int
	prompt    *template.Template
	now       func() time.Time
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	e := &Engine{
		maxTokens: maxTokens,
		reserve:   reserve,
		now:       time.Now,
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating tokens", "model", model, "error", err)
		e.count = estimateTokens
	} else {
		e.count = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	}
	if err := e.SetPrompt(DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPrompt replaces the system prompt template. It uses text/template
// syntax over PromptData.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.prompt = tmpl
	return nil
}

// estimateTokens approximates a token count at four bytes per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// BuildPrompt assembles the system prompt followed by as many of the newest
// history messages as fit the budget. The final message is always kept.
func (e *Engine) BuildPrompt(conv *types.Conversation, history []types.Message, memories, toolNames []string) ([]llm.Message, error) {
	sysPrompt, err := e.systemPrompt(conv, memories, toolNames)
	if err != nil {
		return nil, err
	}
	budget := e.maxTokens - e.reserve - e.count(sysPrompt)

	var groups [][]llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		group := toMessages(history[i])
		if len(group) == 0 {
			continue
		}
		cost := 0
		for _, m := range group {
			cost += e.messageTokens(m)
		}
		if used+cost > budget && len(groups) > 0 {
			break
		}
		groups = append(groups, group)
		used += cost
	}

	messages := []llm.Message{{Role: "system", Content: sysPrompt}}
	for i := len(groups) - 1; i >= 0; i-- {
		messages = append(messages, groups[i]...)
	}
	return messages, nil
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := e.count(m.Content)
	for _, tc := range m.Tools {
		n += e.count(tc.Function.Name)
		n += e.count(tc.Function.Arguments)
	}
	return n
}

// PromptData is the data the system prompt template is executed with.
type PromptData struct {
	Time           string
	ConversationID string
	Subject        string
	Tools          string
	ToolList       []string
	Memory         string
}

func (e *Engine) systemPrompt(conv *types.Conversation, memories, toolNames []string) (string, error) {
	data := PromptData{
		Time:     e.now().Format(time.RFC3339),
		Tools:    strings.Join(toolNames, ", "),
		ToolList: toolNames,
	}
	if conv != nil {
		data.ConversationID = string(conv.ID)
		data.Subject = conv.Subject
	}
	if len(memories) > 0 {
		data.Memory = "- " + strings.Join(memories, "\n- ")
	}
	var b strings.Builder
	if err := e.prompt.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// toMessages converts one checkpoint message into provider messages. A tool
// message becomes the assistant call plus its result.
func toMessages(m types.Message) []llm.Message {
	switch m.Role {
	case types.RoleHuman:
		return []llm.Message{{Role: "user", Content: m.Text}}
	case types.RoleAssistant:
		return []llm.Message{{Role: "assistant", Content: m.Text}}
	case types.RoleSystem:
		return []llm.Message{{Role: "system", Content: m.Text}}
	case types.RoleTool:
		callID := "call_" + string(m.ID)
		args := m.Text
		if args == "" {
			args = "{}"
		}
		return []llm.Message{
			{
				Role: "assistant",
				Tools: []llm.ToolCall{{
					ID:       callID,
					Type:     "function",
					Function: llm.FunctionCall{Name: m.ToolName, Arguments: args},
				}},
			},
			{Role: "tool", Content: m.ToolResult, ToolCallID: callID},
		}
	default:
		return nil
	}
}
