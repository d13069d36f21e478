package observability

import (
	"context"
	"testing"
)

func TestInitTracerProvider_Disabled(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected a no-op provider, got nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestInitTracerProvider_EnabledExportsToStdout(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), TracingConfig{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdown(context.Background())

	tracer := tp.Tracer("test")
	_, span := tracer.Start(context.Background(), "unit-test-span")
	span.End()
}
