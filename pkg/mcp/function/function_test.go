package function

import (
	"context"
	"testing"

	"github.com/kadirpekel/massgen/pkg/mcp/permission"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/mcp/session"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
)

type fakeTransport struct {
	tools []transport.Tool
}

func (f *fakeTransport) Initialize(ctx context.Context, info transport.ClientInfo) (transport.Capabilities, error) {
	return transport.Capabilities{Tools: true}, nil
}
func (f *fakeTransport) ListTools(ctx context.Context) ([]transport.Tool, error) { return f.tools, nil }
func (f *fakeTransport) ListResources(ctx context.Context) ([]transport.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]transport.Prompt, error) { return nil, nil }
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	return &transport.CallToolResult{Content: []transport.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*transport.ResourceContent, error) {
	return &transport.ResourceContent{URI: uri}, nil
}
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	return &transport.GetPromptResult{Description: name}, nil
}
func (f *fakeTransport) Close() error { return nil }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(nil)
	ft := &fakeTransport{tools: []transport.Tool{
		{Name: "read_file", Description: "reads a file", InputSchema: map[string]any{"type": "object"}},
		{Name: "write_file", Description: "writes a file", InputSchema: map[string]any{"type": "object"}},
	}}
	s := session.NewWithTransport(session.Config{ServerName: "fs"}, func(transport.Spec) (transport.Transport, error) {
		return ft, nil
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	r.RegisterForTest(registry.ServerConfig{Name: "fs"}, s)
	return r
}

func TestFunction_FormatsMatchEachBackend(t *testing.T) {
	r := newTestRegistry(t)
	fr := New(r, nil)

	f, ok := fr.Get("mcp__fs__read_file")
	if !ok {
		t.Fatal("expected function to be registered")
	}

	cc := f.ChatCompletionsFormat()
	if cc["type"] != "function" {
		t.Fatalf("got %+v", cc)
	}
	fn, ok := cc["function"].(map[string]any)
	if !ok || fn["name"] != f.Name {
		t.Fatalf("got %+v", cc)
	}

	resp := f.ResponseAPIFormat()
	if resp["name"] != f.Name || resp["type"] != "function" {
		t.Fatalf("got %+v", resp)
	}

	claude := f.ClaudeFormat()
	if claude["name"] != f.Name || claude["parameters"] == nil {
		t.Fatalf("got %+v", claude)
	}
	if _, hasType := claude["type"]; hasType {
		t.Fatal("claude format should not include a type field")
	}
}

func TestFunction_PermissionHookBlocksCall(t *testing.T) {
	r := newTestRegistry(t)
	perm := permission.NewManager(false)
	perm.AddPath("/workspace/context", permission.PermissionRead, permission.PathTypeContext)

	fr := New(r, perm)
	f, ok := fr.Get("mcp__fs__write_file")
	if !ok {
		t.Fatal("expected write_file to be registered")
	}

	_, err := f.Call(context.Background(), map[string]any{"file_path": "/workspace/context/secret.txt", "content": "x"})
	if err == nil {
		t.Fatal("expected permission hook to block write into a read-only context path")
	}
}

func TestFunction_CallDispatchesThroughRegistry(t *testing.T) {
	r := newTestRegistry(t)
	fr := New(r, nil)
	f, _ := fr.Get("mcp__fs__read_file")

	result, err := f.Call(context.Background(), map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("got %+v", result)
	}
}
