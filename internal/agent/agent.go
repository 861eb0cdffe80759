// Package agent drives an LLM provider for one turn, turning its streamed
// output and the tools it calls into turn events.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/convoy/internal/context"
	"github.com/user/convoy/internal/emit"
	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
	"github.com/user/convoy/pkg/llm"
)

// Agent implements the agentic turn loop.
type Agent struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	registry  *Registry
	rules     *emit.Rules
	memory    emit.MemorySource
	state     emit.StateStore
	quota     emit.MemoryQuota
	maxRounds int
	streaming bool
	logger    *slog.Logger
}

type Options struct {
	Rules     *emit.Rules
	Memory    emit.MemorySource
	State     emit.StateStore
	Quota     emit.MemoryQuota
	MaxRounds int
	// Complete switches the provider to non-streaming requests. Each round
	// then arrives as whole text and whole tool calls.
	Complete bool
	Logger   *slog.Logger
}

// New creates an Agent with the given dependencies.
func New(provider llm.Provider, engine *ctxengine.Engine, registry *Registry, opts Options) *Agent {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rules == nil {
		opts.Rules, _ = emit.NewRules(nil)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Agent{
		provider:  provider,
		engine:    engine,
		registry:  registry,
		rules:     opts.Rules,
		memory:    opts.Memory,
		state:     opts.State,
		quota:     opts.Quota,
		maxRounds: opts.MaxRounds,
		streaming: !opts.Complete,
		logger:    opts.Logger,
	}
}

// Producer returns the event producer for one turn over history, which ends
// with the new human message.
func (a *Agent) Producer(conv *types.Conversation, history []types.Message) stream.Producer {
	return func(ctx context.Context, out events.Emitter) error {
		return a.run(ctx, out, conv, history)
	}
}

func (a *Agent) run(ctx context.Context, out events.Emitter, conv *types.Conversation, history []types.Message) error {
	logger := a.logger.With("conversation_id", conv.ID)
	tools := emit.NewToolEmitter(out, a.rules)
	mem := emit.NewMemoryEmitter(out, a.memory, a.state, a.quota)
	inv := &Invocation{ConversationID: conv.ID, Memory: mem}

	var memories []string
	if n := len(history); n > 0 && history[n-1].Role == types.RoleHuman {
		hits, err := mem.Retrieved(ctx, history[n-1].Text)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("memory retrieval failed", "error", err)
		}
		for _, h := range hits {
			memories = append(memories, h.Content)
		}
	}

	messages, err := a.engine.BuildPrompt(conv, history, memories, a.registry.Names())
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}
	llmTools := a.registry.AsLLMTools()

	for round := 0; round < a.maxRounds; round++ {
		var res *roundResult
		if a.streaming {
			res, err = a.streamRound(ctx, out, tools, messages, llmTools)
		} else {
			res, err = a.completeRound(ctx, out, tools, messages, llmTools)
		}
		if err != nil {
			return err
		}

		if len(res.calls) == 0 {
			return out.Emit(ctx, events.Done{StopReason: stopReason(res.finish)})
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: res.content, Tools: res.calls})
		for _, call := range res.calls {
			result, isError := a.execute(ctx, inv, call)
			logger.Info("tool executed", "tool", call.Function.Name, "call_id", call.ID, "is_error", isError)
			if err := tools.Complete(ctx, call.ID, call.Function.Name, json.RawMessage(call.Function.Arguments), result, isError); err != nil {
				return err
			}
			messages = append(messages, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}
	return fmt.Errorf("max tool rounds (%d) exceeded", a.maxRounds)
}

type roundResult struct {
	content string
	calls   []llm.ToolCall
	finish  string
}

// pendingCall collects one streamed tool call by provider index.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *Agent) streamRound(ctx context.Context, out events.Emitter, tools *emit.ToolEmitter, messages []llm.Message, llmTools []llm.Tool) (*roundResult, error) {
	deltas, err := a.provider.Stream(ctx, messages, llmTools)
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}

	res := &roundResult{}
	var content strings.Builder
	calls := make(map[int]*pendingCall)
	var order []int

	for d := range deltas {
		if d.Err != nil {
			return nil, fmt.Errorf("LLM stream: %w", d.Err)
		}
		if d.Reasoning != "" {
			if err := out.Emit(ctx, events.Thinking{Text: d.Reasoning}); err != nil {
				return nil, err
			}
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			if err := out.Emit(ctx, events.Text{Text: d.Content}); err != nil {
				return nil, err
			}
		}
		for _, tc := range d.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &pendingCall{}
				calls[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Name != "" {
				pc.name = tc.Name
			}
			pc.args.WriteString(tc.Arguments)
			if err := tools.Fragment(ctx, pc.id, pc.name, tc.Arguments, false); err != nil {
				return nil, err
			}
		}
		if d.FinishReason != "" {
			res.finish = d.FinishReason
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, idx := range order {
		pc := calls[idx]
		if err := tools.Fragment(ctx, pc.id, pc.name, "", true); err != nil {
			return nil, err
		}
		res.calls = append(res.calls, llm.ToolCall{
			ID:       pc.id,
			Type:     "function",
			Function: llm.FunctionCall{Name: pc.name, Arguments: pc.args.String()},
		})
	}
	res.content = content.String()
	return res, nil
}

func (a *Agent) completeRound(ctx context.Context, out events.Emitter, tools *emit.ToolEmitter, messages []llm.Message, llmTools []llm.Tool) (*roundResult, error) {
	resp, err := a.provider.Complete(ctx, messages, llmTools)
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}
	if resp.Reasoning != "" {
		if err := out.Emit(ctx, events.Thinking{Text: resp.Reasoning}); err != nil {
			return nil, err
		}
	}
	if resp.Content != "" {
		if err := out.Emit(ctx, events.Text{Text: resp.Content}); err != nil {
			return nil, err
		}
	}
	for _, call := range resp.ToolCalls {
		if err := tools.Begin(ctx, call.ID, call.Function.Name, json.RawMessage(call.Function.Arguments)); err != nil {
			return nil, err
		}
	}
	return &roundResult{content: resp.Content, calls: resp.ToolCalls, finish: resp.FinishReason}, nil
}

// execute runs one tool call. Failures become error results for the model
// rather than turn errors.
func (a *Agent) execute(ctx context.Context, inv *Invocation, call llm.ToolCall) (string, bool) {
	tool, ok := a.registry.Get(call.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name), true
	}
	args := json.RawMessage(call.Function.Arguments)
	if len(strings.TrimSpace(call.Function.Arguments)) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "error: tool arguments are not valid JSON", true
	}
	callInv := *inv
	callInv.CallID = call.ID
	result, err := tool.Execute(ctx, &callInv, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err), true
	}
	return result, false
}

func stopReason(finish string) string {
	switch finish {
	case llm.FinishLength:
		return events.StopMaxTokens
	default:
		return events.StopEndTurn
	}
}
