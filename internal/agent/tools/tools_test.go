package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/convoy/internal/agent"
	"github.com/user/convoy/internal/emit"
	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/memory"
	"github.com/user/convoy/internal/state"
	"github.com/user/convoy/internal/types"
)

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

func TestToolNames(t *testing.T) {
	book := memory.NewBook(filepath.Join(t.TempDir(), "MEMORY.md"))
	reg := agent.NewRegistry(NewCalculator(), NewReadURL(), NewMemorySave(book), NewMemorySearch())
	got := strings.Join(reg.Names(), ",")
	if got != "calculator,memory_save,memory_search,read_url" {
		t.Errorf("unexpected tool names %q", got)
	}
	for _, tool := range reg.All() {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters(), &schema); err != nil {
			t.Errorf("%s: schema is not JSON: %v", tool.Name(), err)
			continue
		}
		if schema["type"] != "object" {
			t.Errorf("%s: expected object schema, got %v", tool.Name(), schema["type"])
		}
	}
}

func TestCalculator(t *testing.T) {
	cases := map[string]string{
		"1 + 2 * 3":     "7",
		"(1 + 2) * 3":   "9",
		"-4 / 2":        "-2",
		"7 % 4":         "3",
		"0.1 + 0.2 > 0": "",
	}
	calc := NewCalculator()
	for expr, want := range cases {
		args, _ := json.Marshal(map[string]string{"expression": expr})
		got, err := calc.Execute(context.Background(), nil, args)
		if want == "" {
			if err == nil {
				t.Errorf("%q: expected error, got %q", expr, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", expr, err)
			continue
		}
		if got != want {
			t.Errorf("%q: expected %s, got %s", expr, want, got)
		}
	}
}

func TestCalculatorRejectsCalls(t *testing.T) {
	for _, expr := range []string{"os.Exit(1)", "x + 1", `"a" + "b"`, "1 / 0", ""} {
		if _, err := Evaluate(expr); err == nil {
			t.Errorf("%q: expected error", expr)
		}
	}
}

func TestReadURLExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Hello World</h1><p>This is a test.</p></body></html>`))
	}))
	defer server.Close()

	r := NewReadURL()
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Execute(context.Background(), nil, args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "# Hello World") {
		t.Errorf("expected markdown heading in result, got %q", result)
	}
	if !strings.Contains(result, "This is a test") {
		t.Errorf("expected 'This is a test' in result, got %q", result)
	}
}

func TestReadURLRejectsBadURL(t *testing.T) {
	r := NewReadURL()
	for _, u := range []string{"", "file:///etc/passwd", "not a url"} {
		args, _ := json.Marshal(map[string]string{"url": u})
		if _, err := r.Execute(context.Background(), nil, args); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}

func TestReadURLTruncation(t *testing.T) {
	long := strings.Repeat("x", 60000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>" + long + "</p></body></html>"))
	}))
	defer server.Close()

	r := NewReadURL()
	args, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := r.Execute(context.Background(), nil, args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(result, "[Content truncated]") {
		t.Error("expected truncation marker")
	}
}

func newInvocation(t *testing.T, out events.Emitter) (*agent.Invocation, *memory.Book) {
	t.Helper()
	dir := t.TempDir()
	convs := state.NewConversationStore(dir)
	conv, _, err := convs.ResolveOrCreate(context.Background(), "", types.Identity{UserID: "u"}, "hi")
	if err != nil {
		t.Fatal(err)
	}
	book := memory.NewBook(filepath.Join(dir, "MEMORY.md"))
	quota := emit.MemoryQuota{MinInterval: time.Hour, MaxPerConversation: 3}
	return &agent.Invocation{
		ConversationID: conv.ID,
		Memory:         emit.NewMemoryEmitter(out, book, state.NewCheckpointStore(dir), quota),
	}, book
}

func TestMemorySaveRespectsQuota(t *testing.T) {
	out := &collect{}
	inv, book := newInvocation(t, out)
	save := NewMemorySave(book)
	ctx := context.Background()

	args, _ := json.Marshal(map[string]string{"content": "User's name is Alex"})
	result, err := save.Execute(ctx, inv, args)
	if err != nil {
		t.Fatal(err)
	}
	if result != "Saved: User's name is Alex" {
		t.Errorf("unexpected result %q", result)
	}

	args, _ = json.Marshal(map[string]string{"content": "Likes tea"})
	result, err = save.Execute(ctx, inv, args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result, "Not saved") {
		t.Errorf("expected second save within the interval to be refused, got %q", result)
	}

	facts, err := book.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 {
		t.Errorf("expected 1 fact in book, got %v", facts)
	}

	stored := 0
	for _, ev := range out.evs {
		if m, ok := ev.(events.Memory); ok && m.SubType == events.MemoryStored {
			stored++
		}
	}
	if stored != 1 {
		t.Errorf("expected 1 stored memory event, got %d", stored)
	}
}

func TestMemorySearchEmitsRetrieved(t *testing.T) {
	out := &collect{}
	inv, book := newInvocation(t, out)
	ctx := context.Background()
	search := NewMemorySearch()

	args, _ := json.Marshal(map[string]string{"query": "tea"})
	result, err := search.Execute(ctx, inv, args)
	if err != nil {
		t.Fatal(err)
	}
	if result != "No matching memories." {
		t.Errorf("unexpected result %q", result)
	}

	if _, _, err := book.Save("Likes green tea"); err != nil {
		t.Fatal(err)
	}
	result, err = search.Execute(ctx, inv, args)
	if err != nil {
		t.Fatal(err)
	}
	if result != "- Likes green tea\n" {
		t.Errorf("unexpected result %q", result)
	}
	if len(out.evs) != 1 {
		t.Fatalf("expected 1 retrieved event, got %d", len(out.evs))
	}
	if m, ok := out.evs[0].(events.Memory); !ok || m.SubType != events.MemoryRetrieved {
		t.Errorf("expected retrieved memory event, got %#v", out.evs[0])
	}
}
