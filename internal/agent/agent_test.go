package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxengine "github.com/user/convoy/internal/context"
	"github.com/user/convoy/internal/emit"
	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/protocol/anthropic"
	"github.com/user/convoy/internal/stream"
	"github.com/user/convoy/internal/types"
	"github.com/user/convoy/pkg/llm"
)

// scriptedProvider replays one delta script per Stream call and one
// response per Complete call.
type scriptedProvider struct {
	mu        sync.Mutex
	scripts   [][]llm.Delta
	responses []*llm.Response
	calls     int
	seen      [][]llm.Message
}

func (p *scriptedProvider) next(messages []llm.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.seen = append(p.seen, messages)
	return idx
}

func (p *scriptedProvider) Complete(_ context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	idx := p.next(messages)
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return &llm.Response{Content: "fallback"}, nil
}

func (p *scriptedProvider) Stream(_ context.Context, messages []llm.Message, _ []llm.Tool) (<-chan llm.Delta, error) {
	idx := p.next(messages)
	ch := make(chan llm.Delta, 64)
	if idx < len(p.scripts) {
		for _, d := range p.scripts[idx] {
			ch <- d
		}
	} else {
		ch <- llm.Delta{Content: "fallback"}
	}
	close(ch)
	return ch, nil
}

type collect struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collect) Emit(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *collect) types() []string {
	var out []string
	for _, ev := range c.evs {
		out = append(out, string(ev.Type()))
	}
	return out
}

type echoArgs struct {
	Text string `json:"text"`
}

type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "Echoes input" }
func (echoTool) Parameters() json.RawMessage { return SchemaFor[echoArgs]() }
func (echoTool) Execute(_ context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	var p echoArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if p.Text == "fail" {
		return "", errors.New("asked to fail")
	}
	return p.Text + " from " + inv.CallID, nil
}

func newAgent(t *testing.T, provider llm.Provider, opts Options) *Agent {
	t.Helper()
	engine, err := ctxengine.New("gpt-4", 128000, 4096)
	require.NoError(t, err)
	return New(provider, engine, NewRegistry(echoTool{}), opts)
}

func conversation() (*types.Conversation, []types.Message) {
	conv := &types.Conversation{ID: types.NewConversationID()}
	return conv, []types.Message{{ID: types.NewMessageID(), Role: types.RoleHuman, Text: "say hi"}}
}

func toolScript(id, args string) []llm.Delta {
	mid := len(args) / 2
	return []llm.Delta{
		{Reasoning: "need the tool"},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: id, Name: "echo"}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: args[:mid]}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: args[mid:]}}},
		{FinishReason: llm.FinishToolCalls},
	}
}

func TestAgentStreamsToolRoundThenText(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Delta{
		toolScript("call_1", `{"text":"hi"}`),
		{{Content: "Hi "}, {Content: "there"}, {FinishReason: llm.FinishStop}},
	}}
	rules, err := emit.NewRules([]emit.ToolEventRule{{
		Tool:     "echo",
		EntityID: emit.Extractor{Kind: emit.ExtractArgument, Field: "text"},
		Entity:   "greeting",
		Action:   "created",
	}})
	require.NoError(t, err)
	a := newAgent(t, provider, Options{Rules: rules})

	out := &collect{}
	conv, history := conversation()
	require.NoError(t, a.Producer(conv, history)(context.Background(), out))

	assert.Equal(t, []string{
		string(events.TypeThinking),
		string(events.TypeToolInputFragment),
		string(events.TypeToolInputFragment),
		string(events.TypeToolInputFragment),
		string(events.TypeToolInputFragment),
		string(events.TypeToolResult),
		string(events.TypeUI),
		string(events.TypeText),
		string(events.TypeText),
		string(events.TypeDone),
	}, out.types())

	last := out.evs[4].(events.ToolInputFragment)
	assert.True(t, last.IsLast)
	assert.Equal(t, "call_1", last.CallID)

	result := out.evs[5].(events.ToolResult)
	assert.Equal(t, "hi from call_1", result.Result)
	assert.False(t, result.IsError)

	ui := out.evs[6].(events.UI)
	assert.Equal(t, "greeting", ui.Entity)
	assert.Equal(t, "hi", ui.EntityID)

	// The second request carries the call and its result.
	require.Len(t, provider.seen, 2)
	second := provider.seen[1]
	call := second[len(second)-2]
	require.Len(t, call.Tools, 1)
	assert.Equal(t, `{"text":"hi"}`, call.Tools[0].Function.Arguments)
	assert.Equal(t, "call_1", second[len(second)-1].ToolCallID)
}

func TestAgentToolFailureIsResult(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Delta{
		toolScript("call_1", `{"text":"fail"}`),
		{{Content: "sorry"}},
	}}
	a := newAgent(t, provider, Options{})

	out := &collect{}
	conv, history := conversation()
	require.NoError(t, a.Producer(conv, history)(context.Background(), out))

	var result events.ToolResult
	for _, ev := range out.evs {
		if r, ok := ev.(events.ToolResult); ok {
			result = r
		}
	}
	assert.True(t, result.IsError)
	assert.Contains(t, result.Result, "asked to fail")
}

func TestAgentUnknownToolAndBadArguments(t *testing.T) {
	a := newAgent(t, &scriptedProvider{}, Options{})
	inv := &Invocation{}

	res, isErr := a.execute(context.Background(), inv, llm.ToolCall{ID: "c", Function: llm.FunctionCall{Name: "nope"}})
	assert.True(t, isErr)
	assert.Contains(t, res, "unknown tool")

	res, isErr = a.execute(context.Background(), inv, llm.ToolCall{ID: "c", Function: llm.FunctionCall{Name: "echo", Arguments: `{"text":`}})
	assert.True(t, isErr)
	assert.Contains(t, res, "not valid JSON")
}

func TestAgentMaxRounds(t *testing.T) {
	var scripts [][]llm.Delta
	for i := 0; i < 3; i++ {
		scripts = append(scripts, toolScript(fmt.Sprintf("call_%d", i), `{"text":"again"}`))
	}
	a := newAgent(t, &scriptedProvider{scripts: scripts}, Options{MaxRounds: 2})

	out := &collect{}
	conv, history := conversation()
	err := a.Producer(conv, history)(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max tool rounds (2) exceeded")
}

func TestAgentStreamError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Delta{
		{{Content: "partial"}, {Err: errors.New("connection reset")}},
	}}
	a := newAgent(t, provider, Options{})

	out := &collect{}
	conv, history := conversation()
	err := a.Producer(conv, history)(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAgentCompleteMode(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call_7", Type: "function", Function: llm.FunctionCall{Name: "echo", Arguments: `{"text":"yo"}`}}}},
		{Content: "done", FinishReason: llm.FinishLength},
	}}
	a := newAgent(t, provider, Options{Complete: true})

	out := &collect{}
	conv, history := conversation()
	require.NoError(t, a.Producer(conv, history)(context.Background(), out))

	assert.Equal(t, []string{
		string(events.TypeToolUse),
		string(events.TypeToolResult),
		string(events.TypeText),
		string(events.TypeDone),
	}, out.types())
	use := out.evs[0].(events.ToolUse)
	assert.JSONEq(t, `{"text":"yo"}`, string(use.Input))
	assert.Equal(t, events.StopMaxTokens, out.evs[3].(events.Done).StopReason)
}

type frames struct {
	mu    sync.Mutex
	lines []string
}

func (f *frames) Write(_ context.Context, fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, fr.Event)
	return nil
}

func TestAgentThroughSession(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.Delta{
		toolScript("call_1", `{"text":"hi"}`),
		{{Content: "Hello"}},
	}}
	a := newAgent(t, provider, Options{})
	conv, history := conversation()

	sink := &frames{}
	session := stream.NewSession(8, nil)
	tr, outcome := session.Run(context.Background(), stream.Turn{ConversationID: conv.ID},
		a.Producer(conv, history), anthropic.New("msg_1", "test", string(conv.ID)), sink)

	assert.Equal(t, stream.StatusCompleted, outcome.Status)
	assert.Equal(t, anthropic.EventMessageStart, sink.lines[0])
	assert.Equal(t, anthropic.EventMessageStop, sink.lines[len(sink.lines)-1])
	assert.Contains(t, strings.Join(sink.lines, " "), anthropic.EventToolResult)

	msgs := tr.Messages(time.Now())
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleTool, msgs[0].Role)
	assert.Equal(t, "hi from call_1", msgs[0].ToolResult)
	assert.Equal(t, "Hello", msgs[1].Text)
}
