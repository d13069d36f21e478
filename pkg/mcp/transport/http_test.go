package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_InitializeAndListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("mcp-session-id", "sess-1")

		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{"capabilities": map[string]any{"tools": map[string]any{}}},
			})
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{"tools": []any{
					map[string]any{"name": "read_file", "description": "reads a file"},
				}},
			})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
	defer srv.Close()

	tr, err := New(Spec{Name: "fs", Kind: KindStreamableHTTP, URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caps, err := tr.Initialize(context.Background(), ClientInfo{Name: "test", Version: "0.0.1"})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if !caps.Tools {
		t.Error("expected tools capability")
	}

	tools, err := tr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("got %v", tools)
	}
}

func TestHTTPTransport_CallToolPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: -32000, Message: "tool failed"},
		})
	}))
	defer srv.Close()

	tr, _ := New(Spec{Name: "fs", Kind: KindStreamableHTTP, URL: srv.URL})
	result, err := tr.CallTool(context.Background(), "read_file", map[string]any{"path": "x"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !result.IsError || len(result.Content) != 1 || result.Content[0].Text != "tool failed" {
		t.Fatalf("got %+v", result)
	}
}

func TestHTTPTransport_SSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		body, _ := json.Marshal(jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: map[string]any{"tools": []any{}},
		})
		w.Write([]byte("data: " + string(body) + "\n\n"))
	}))
	defer srv.Close()

	tr, _ := New(Spec{Name: "fs", Kind: KindStreamableHTTP, URL: srv.URL, SSETimeout: 2 * time.Second})
	tools, err := tr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("got %v, want empty", tools)
	}
}

func TestNew_RequiresCommandForStdio(t *testing.T) {
	if _, err := New(Spec{Name: "x", Kind: KindStdio}); err == nil {
		t.Error("expected error for stdio spec with no command")
	}
}

func TestNew_RequiresURLForHTTP(t *testing.T) {
	if _, err := New(Spec{Name: "x", Kind: KindStreamableHTTP}); err == nil {
		t.Error("expected error for http spec with no url")
	}
}
