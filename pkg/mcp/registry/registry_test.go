package registry

import (
	"context"
	"testing"

	"github.com/kadirpekel/massgen/pkg/mcp/breaker"
	"github.com/kadirpekel/massgen/pkg/mcp/session"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/ratelimit"
)

// fakeTransport mirrors the one in pkg/mcp/session's tests; kept separate
// since it lives in a different package and the registry should exercise
// real session.Session instances, not a mock of the registry's own seams.
type fakeTransport struct {
	tools   []transport.Tool
	initErr error
}

func (f *fakeTransport) Initialize(ctx context.Context, info transport.ClientInfo) (transport.Capabilities, error) {
	return transport.Capabilities{Tools: true}, f.initErr
}
func (f *fakeTransport) ListTools(ctx context.Context) ([]transport.Tool, error) { return f.tools, nil }
func (f *fakeTransport) ListResources(ctx context.Context) ([]transport.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]transport.Prompt, error) { return nil, nil }
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	return &transport.CallToolResult{Content: []transport.ContentBlock{{Type: "text", Text: name}}}, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*transport.ResourceContent, error) {
	return &transport.ResourceContent{URI: uri}, nil
}
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	return &transport.GetPromptResult{Description: name}, nil
}
func (f *fakeTransport) Close() error { return nil }

func newRegistryForTest(t *testing.T) *Registry {
	t.Helper()
	return New(breaker.New(breaker.DefaultConfig()))
}

// newFakeSession builds and connects a real session.Session against an
// in-memory fakeTransport, so the registry's namespacing and dispatch logic
// run against the same code path production uses.
func newFakeSession(t *testing.T, name string, tools []transport.Tool) *session.Session {
	t.Helper()
	ft := &fakeTransport{tools: tools}
	s := session.NewWithTransport(session.Config{ServerName: name}, func(transport.Spec) (transport.Transport, error) {
		return ft, nil
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return s
}

func TestRegistry_RegisterNamespacesTools(t *testing.T) {
	r := newRegistryForTest(t)
	sess := newFakeSession(t, "fs", []transport.Tool{{Name: "read_file"}})
	r.register(ServerConfig{Name: "fs"}, sess)

	tools := r.Tools()
	if len(tools) != 1 || tools[0] != "mcp__fs__read_file" {
		t.Fatalf("got %v", tools)
	}
}

func TestRegistry_CallToolDispatchesToOwningSession(t *testing.T) {
	r := newRegistryForTest(t)
	sess := newFakeSession(t, "fs", []transport.Tool{{Name: "read_file"}})
	r.register(ServerConfig{Name: "fs"}, sess)

	result, err := r.CallTool(context.Background(), "mcp__fs__read_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "read_file" {
		t.Fatalf("got %+v", result)
	}
}

func TestRegistry_CallToolRejectsUnknownName(t *testing.T) {
	r := newRegistryForTest(t)
	if _, err := r.CallTool(context.Background(), "mcp__fs__missing", nil); err == nil {
		t.Fatal("expected error for unregistered tool")
	}
}

func TestRegistry_IncludeExcludeToolsFiltersRegistration(t *testing.T) {
	r := newRegistryForTest(t)
	sess := newFakeSession(t, "fs", []transport.Tool{{Name: "read_file"}, {Name: "write_file"}})
	r.register(ServerConfig{Name: "fs", ExcludeTools: []string{"write_file"}}, sess)

	tools := r.Tools()
	if len(tools) != 1 || tools[0] != "mcp__fs__read_file" {
		t.Fatalf("expected only read_file namespaced, got %v", tools)
	}
}

func TestRegistry_CallToolWithNilLimiterIsUnaffected(t *testing.T) {
	r := newRegistryForTest(t)
	sess := newFakeSession(t, "fs", []transport.Tool{{Name: "read_file"}})
	r.register(ServerConfig{Name: "fs"}, sess)

	// WithRateLimiter(nil, ...) must behave exactly like never calling it.
	r.WithRateLimiter(nil, ratelimit.ScopeSession)
	if _, err := r.CallTool(context.Background(), "mcp__fs__read_file", nil); err != nil {
		t.Fatalf("unexpected error with nil limiter: %v", err)
	}
}

func TestRegistry_CallToolRejectsOnceRateLimitExceeded(t *testing.T) {
	r := newRegistryForTest(t)
	sess := newFakeSession(t, "fs", []transport.Tool{{Name: "read_file"}})
	r.register(ServerConfig{Name: "fs"}, sess)

	limiter, err := ratelimit.NewRateLimiter(&ratelimit.Config{
		Enabled: true,
		Limits: []ratelimit.LimitRule{
			{Type: ratelimit.LimitTypeCount, Window: ratelimit.WindowMinute, Limit: 1},
		},
	}, ratelimit.NewMemoryStore())
	if err != nil {
		t.Fatalf("building limiter: %v", err)
	}
	r.WithRateLimiter(limiter, ratelimit.ScopeSession)

	if _, err := r.CallTool(context.Background(), "mcp__fs__read_file", nil); err != nil {
		t.Fatalf("first call within limit should succeed, got: %v", err)
	}

	_, err = r.CallTool(context.Background(), "mcp__fs__read_file", nil)
	if err == nil {
		t.Fatal("expected rate limit error on second call")
	}
	if !ratelimit.IsRateLimitError(err) {
		t.Fatalf("expected a rate limit error, got: %v", err)
	}
}
