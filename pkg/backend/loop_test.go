package backend

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/massgen/pkg/mcp/function"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/mcp/session"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/mcperrors"
)

// countingTransport records how many times CallTool was invoked and replays
// a configured sequence of errors (nil entries are successes) before always
// succeeding once the sequence is exhausted.
type countingTransport struct {
	mu     sync.Mutex
	calls  int
	errSeq []error
	tools  []transport.Tool
}

func (c *countingTransport) Initialize(ctx context.Context, info transport.ClientInfo) (transport.Capabilities, error) {
	return transport.Capabilities{Tools: true}, nil
}
func (c *countingTransport) ListTools(ctx context.Context) ([]transport.Tool, error) {
	return c.tools, nil
}
func (c *countingTransport) ListResources(ctx context.Context) ([]transport.Resource, error) {
	return nil, nil
}
func (c *countingTransport) ListPrompts(ctx context.Context) ([]transport.Prompt, error) {
	return nil, nil
}
func (c *countingTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()

	if idx < len(c.errSeq) && c.errSeq[idx] != nil {
		return nil, c.errSeq[idx]
	}
	return &transport.CallToolResult{Content: []transport.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}
func (c *countingTransport) ReadResource(ctx context.Context, uri string) (*transport.ResourceContent, error) {
	return &transport.ResourceContent{URI: uri}, nil
}
func (c *countingTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	return &transport.GetPromptResult{Description: name}, nil
}
func (c *countingTransport) Close() error { return nil }

func (c *countingTransport) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newFunctionRegistry(t *testing.T, ct *countingTransport) *function.Registry {
	t.Helper()
	s := session.NewWithTransport(session.Config{ServerName: "fs"}, func(transport.Spec) (transport.Transport, error) {
		return ct, nil
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	reg := registry.New(nil)
	reg.RegisterForTest(registry.ServerConfig{Name: "fs"}, s)
	return function.New(reg, nil)
}

// fakeModel replays one pre-scripted chunk stream per call to OpenStream, in
// order; a test configures exactly as many streams as it expects iterations.
type fakeModel struct {
	mu      sync.Mutex
	streams [][]Chunk
	calls   int
}

func (m *fakeModel) OpenStream(ctx context.Context, params APIParams) (<-chan Chunk, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	ch := make(chan Chunk, 8)
	if idx < len(m.streams) {
		for _, c := range m.streams[idx] {
			ch <- c
		}
	}
	close(ch)
	return ch, nil
}

func toolCallStream(id, name, args string) []Chunk {
	return []Chunk{
		{ToolCallDelta: &ToolCallDelta{Index: 0, ID: id, Name: name, ArgumentsAdd: args}},
		{Done: true},
	}
}

func TestLoop_RunExecutesRegisteredToolCall(t *testing.T) {
	ct := &countingTransport{tools: []transport.Tool{{Name: "read_file"}}}
	fns := newFunctionRegistry(t, ct)

	model := &fakeModel{streams: [][]Chunk{
		toolCallStream("call-1", "mcp__fs__read_file", `{"path":"a.txt"}`),
		{{Done: true}}, // second iteration: no tool calls, loop ends
	}}

	l := New(model, fns, Config{RetryBaseDelay: time.Millisecond})

	var types []EventType
	for ev := range l.Run(context.Background(), nil, nil) {
		types = append(types, ev.Type)
		if ev.Type == EventError {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if ct.callCount() != 1 {
		t.Fatalf("expected exactly one tool dispatch, got %d", ct.callCount())
	}

	wantSeq := []EventType{EventToolCalled, EventToolCompleted, EventDone}
	if len(types) != len(wantSeq) {
		t.Fatalf("got events %v, want %v", types, wantSeq)
	}
	for i, want := range wantSeq {
		if types[i] != want {
			t.Fatalf("event %d: got %v, want %v (full: %v)", i, types[i], want, types)
		}
	}
}

func TestLoop_RunHandsNonMCPCallBackToCaller(t *testing.T) {
	ct := &countingTransport{tools: []transport.Tool{{Name: "read_file"}}}
	fns := newFunctionRegistry(t, ct)

	model := &fakeModel{streams: [][]Chunk{
		toolCallStream("call-1", "workflow_vote", `{"choice":"a"}`),
	}}

	l := New(model, fns, Config{RetryBaseDelay: time.Millisecond})

	var sawToolCalls, sawDone bool
	for ev := range l.Run(context.Background(), nil, nil) {
		switch ev.Type {
		case EventToolCalls:
			sawToolCalls = true
			if len(ev.ToolCalls) != 1 || ev.ToolCalls[0].Name != "workflow_vote" {
				t.Fatalf("got %+v", ev.ToolCalls)
			}
		case EventDone:
			sawDone = true
		case EventToolCalled, EventToolCompleted:
			t.Fatalf("non-MCP call should never be dispatched, got %v", ev.Type)
		}
	}

	if !sawToolCalls || !sawDone {
		t.Fatalf("expected EventToolCalls followed by EventDone, got sawToolCalls=%v sawDone=%v", sawToolCalls, sawDone)
	}
	if ct.callCount() != 0 {
		t.Fatalf("expected no tool dispatch, got %d", ct.callCount())
	}
}

func TestLoop_RunFinishesBeforeMaxIterationsWithNoToolCalls(t *testing.T) {
	// A stream that ends with plain content and no tool calls leaves nothing
	// to dispatch, so the loop finishes via EventDone on the first iteration,
	// well before MaxIterations.
	ct := &countingTransport{tools: nil}
	fns := newFunctionRegistry(t, ct)
	model := &fakeModel{streams: [][]Chunk{{{ContentDelta: "hi", Done: true}}}}

	l := New(model, fns, Config{MaxIterations: 3, RetryBaseDelay: time.Millisecond})

	var last EventType
	for ev := range l.Run(context.Background(), nil, nil) {
		last = ev.Type
	}
	if last != EventDone {
		t.Fatalf("expected loop to finish with EventDone, got %v", last)
	}
}

func TestLoop_ExecuteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	ct := &countingTransport{
		tools: []transport.Tool{{Name: "read_file"}},
		errSeq: []error{
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
		},
	}
	fns := newFunctionRegistry(t, ct)
	l := New(&fakeModel{}, fns, Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	payload := l.executeWithRetry(context.Background(), "mcp__fs__read_file", map[string]any{"path": "a.txt"})

	if ct.callCount() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", ct.callCount())
	}
	if payload != "ok" {
		t.Fatalf("expected successful payload %q, got %q", "ok", payload)
	}
}

func TestLoop_ExecuteWithRetryNeverRetriesAuthErrors(t *testing.T) {
	ct := &countingTransport{
		tools:  []transport.Tool{{Name: "read_file"}},
		errSeq: []error{mcperrors.Auth("call_tool", "fs", context.Canceled)},
	}
	fns := newFunctionRegistry(t, ct)
	l := New(&fakeModel{}, fns, Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	payload := l.executeWithRetry(context.Background(), "mcp__fs__read_file", nil)

	if ct.callCount() != 1 {
		t.Fatalf("auth errors must never retry, got %d attempts", ct.callCount())
	}
	if !containsAll(payload, `"type":"auth_resource_error"`, `"function":"mcp__fs__read_file"`) {
		t.Fatalf("got payload %q", payload)
	}
}

func TestLoop_ExecuteWithRetryExhaustsOnPersistentTransientFailure(t *testing.T) {
	ct := &countingTransport{
		tools: []transport.Tool{{Name: "read_file"}},
		errSeq: []error{
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
			mcperrors.Connection("call_tool", "fs", context.DeadlineExceeded),
		},
	}
	fns := newFunctionRegistry(t, ct)
	l := New(&fakeModel{}, fns, Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	payload := l.executeWithRetry(context.Background(), "mcp__fs__read_file", nil)

	// One initial attempt plus MaxRetries retries.
	if ct.callCount() != 4 {
		t.Fatalf("expected 1+MaxRetries=4 attempts, got %d", ct.callCount())
	}
	if !containsAll(payload, `"type":"execution_error"`) {
		t.Fatalf("got payload %q", payload)
	}
}

func TestFinalizeToolCalls_DropsIncompleteCalls(t *testing.T) {
	pending := map[int]*ToolCall{
		0: {ID: "a", Name: "mcp__fs__read_file", Arguments: `{"path":"a.txt"}`},
		1: {ID: "b", Name: "", Arguments: `{}`},                // never got a name
		2: {ID: "c", Name: "mcp__fs__write_file", Arguments: `{"path":`}, // truncated JSON
	}
	order := []int{0, 1, 2}

	got := finalizeToolCalls(pending, order)

	if len(got) != 1 || got[0].Name != "mcp__fs__read_file" {
		t.Fatalf("got %+v", got)
	}
}

func TestTrimHistory_PreservesLeadingSystemMessage(t *testing.T) {
	conv := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "1"},
		{Role: RoleAssistant, Content: "2"},
		{Role: RoleUser, Content: "3"},
		{Role: RoleAssistant, Content: "4"},
	}

	got := trimHistory(conv, 3)

	if len(got) != 3 {
		t.Fatalf("expected at most bound (3) messages total, got %d: %+v", len(got), got)
	}
	if got[0].Role != RoleSystem || got[0].Content != "sys" {
		t.Fatalf("expected leading system message preserved, got %+v", got[0])
	}
	if got[1].Content != "3" || got[2].Content != "4" {
		t.Fatalf("expected the two most recent non-system messages trailing, got %+v", got[1:])
	}
}

func TestTrimHistory_NoOpWhenUnderBound(t *testing.T) {
	conv := []Message{{Role: RoleUser, Content: "1"}, {Role: RoleAssistant, Content: "2"}}
	got := trimHistory(conv, 10)
	if len(got) != 2 {
		t.Fatalf("expected no trimming, got %+v", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
