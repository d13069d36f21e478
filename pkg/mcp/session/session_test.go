package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/massgen/pkg/mcp/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	closed      bool
	initErr     error
	listErr     error
	callResults map[string]*transport.CallToolResult
	caps        transport.Capabilities
	tools       []transport.Tool
}

func (f *fakeTransport) Initialize(ctx context.Context, info transport.ClientInfo) (transport.Capabilities, error) {
	return f.caps, f.initErr
}
func (f *fakeTransport) ListTools(ctx context.Context) ([]transport.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}
func (f *fakeTransport) ListResources(ctx context.Context) ([]transport.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) ListPrompts(ctx context.Context) ([]transport.Prompt, error) { return nil, nil }
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	if r, ok := f.callResults[name]; ok {
		return r, nil
	}
	return &transport.CallToolResult{Content: []transport.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*transport.ResourceContent, error) {
	return &transport.ResourceContent{URI: uri, Text: "data"}, nil
}
func (f *fakeTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	return &transport.GetPromptResult{Description: name}, nil
}
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestSession(ft *fakeTransport) *Session {
	s := New(Config{ServerName: "fs", Timeout: time.Second})
	s.newTransport = func(transport.Spec) (transport.Transport, error) { return ft, nil }
	return s
}

func TestSession_ConnectDiscoversTools(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("expected connected state")
	}
	if !s.HasTool("read_file") {
		t.Fatal("expected read_file to be discovered")
	}
}

func TestSession_ConnectFailsOnInitError(t *testing.T) {
	ft := &fakeTransport{initErr: fmt.Errorf("boom")}
	s := newTestSession(ft)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", s.State())
	}
}

func TestSession_CallToolRejectsUnknownTool(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, err := s.CallTool(context.Background(), "write_file", nil); err == nil {
		t.Fatal("expected error calling undiscovered tool")
	}
}

func TestSession_CallToolSucceeds(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	result, err := s.CallTool(context.Background(), "read_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("got %+v", result)
	}
}

func TestSession_DisconnectClosesTransport(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if !closed {
		t.Error("expected transport to be closed after disconnect")
	}
	if s.IsConnected() {
		t.Error("expected disconnected state")
	}
}

func TestSession_HealthCheckReflectsTransportState(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !s.HealthCheck(context.Background()) {
		t.Error("expected healthy session to pass health check")
	}

	ft.listErr = fmt.Errorf("down")
	if s.HealthCheck(context.Background()) {
		t.Error("expected health check to fail once list_tools errors")
	}
}

func TestSession_ReconnectSucceedsAfterDisconnect(t *testing.T) {
	ft := &fakeTransport{tools: []transport.Tool{{Name: "read_file"}}}
	s := newTestSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if !s.Reconnect(context.Background(), 2, time.Millisecond) {
		t.Fatal("expected reconnect to succeed")
	}
	if !s.IsConnected() {
		t.Error("expected session connected after reconnect")
	}
}
