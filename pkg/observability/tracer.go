// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures span emission for the streaming loop and
// session call_tool dispatch.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

func (c *TracingConfig) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "massgen-mcp"
	}
}

// InitTracerProvider builds a TracerProvider exporting spans to stdout, or
// a no-op provider if tracing is disabled. The returned shutdown func must
// be called (typically deferred) to flush any pending spans.
func InitTracerProvider(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	cfg.setDefaults()

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("observability: building stdout trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes())
	if err != nil {
		return nil, nil, fmt.Errorf("observability: building trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider. Call after
// InitTracerProvider so it picks up the configured provider; safe to call
// even when tracing is disabled, since the no-op provider returns a no-op
// tracer whose spans are discarded.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
