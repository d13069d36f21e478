package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics_DisabledReturnsNil(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Error("expected nil metrics for nil config")
	}
	if m := NewMetrics(&MetricsConfig{Enabled: false}); m != nil {
		t.Error("expected nil metrics for disabled config")
	}
}

func TestMetrics_NilSafeMethods(t *testing.T) {
	var m *Metrics
	m.RecordBreakerFailure("fs")
	m.SetBreakerCircuitOpen("fs", true)
	m.RecordToolCall("fs", "read_file", "ok", time.Millisecond)
	m.RecordToolCallRetry("read_file")
	m.RecordLoopIteration()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Errorf("got status %d, want 503 for disabled metrics", rec.Code)
	}
}

func TestMetrics_RecordAndServe(t *testing.T) {
	m := NewMetrics(&MetricsConfig{Enabled: true})
	if m == nil {
		t.Fatal("expected non-nil metrics for enabled config")
	}
	m.RecordBreakerFailure("fs")
	m.SetBreakerCircuitOpen("fs", true)
	m.RecordToolCall("fs", "read_file", "ok", 5*time.Millisecond)
	m.RecordToolCallRetry("read_file")
	m.RecordLoopIteration()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "massgen_mcp_breaker_failures_total") {
		t.Errorf("missing breaker failure metric in output:\n%s", body)
	}
	if !strings.Contains(body, "massgen_mcp_session_tool_calls_total") {
		t.Errorf("missing tool call metric in output:\n%s", body)
	}
}
