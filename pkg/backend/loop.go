// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backend drives the top-level ask-model → detect-tool-calls →
// execute → continue loop: it streams a model's response, accumulates
// tool-call fragments by stream index, dispatches completed calls through a
// function.Registry with retry/backoff, and trims conversation history
// between iterations.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/massgen/pkg/mcp/function"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/mcperrors"
	"github.com/kadirpekel/massgen/pkg/observability"
)

// Role mirrors the conversation roles every provider wire format shares.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single (possibly still-accumulating) tool invocation
// requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw, possibly incomplete, JSON
}

// Message is one turn of the conversation, in a provider-neutral shape.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that request tool calls
	ToolCallID string     // set on tool-result messages
}

// Chunk is one fragment of a streamed model response.
type Chunk struct {
	ContentDelta  string
	Reasoning     string
	ToolCallDelta *ToolCallDelta
	Done          bool
}

// ToolCallDelta is a streamed fragment of one tool call, keyed by Index so
// fragments can be merged as they arrive out of order across a chunk
// stream, the way OpenAI and Anthropic both fragment tool-call arguments.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgumentsAdd string
}

// APIParams is the provider-neutral request built from the conversation and
// the merged tool list; a Model implementation renders it into its own
// wire format.
type APIParams struct {
	Messages []Message
	Tools    []map[string]any
}

// Model opens a streaming completion for the given params.
type Model interface {
	OpenStream(ctx context.Context, params APIParams) (<-chan Chunk, error)
}

// Event is emitted upward to the orchestrator as the loop runs.
type Event struct {
	Type      EventType
	Content   string
	Reasoning string
	ToolCalls []ToolCall // set on EventToolCalls (non-MCP/workflow calls)
	Err       error
}

type EventType int

const (
	EventContent EventType = iota
	EventReasoning
	EventToolCalled
	EventToolCompleted
	EventToolCalls // non-MCP tool calls handed back to the caller
	EventDone
	EventError
)

// Config bounds the loop.
type Config struct {
	MaxIterations  int           // default 10
	HistoryBound   int           // max messages retained between iterations; 0 disables trimming
	MaxRetries     int           // default 3
	RetryBaseDelay time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return c
}

// Loop is the backend streaming loop driver. Circuit-breaker bookkeeping
// happens one layer down, inside the function.Registry's underlying
// mcp/registry.Registry.CallTool, which already records success/failure per
// server on every dispatch — the loop only needs to know whether to retry.
type Loop struct {
	model   Model
	fns     *function.Registry
	cfg     Config
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// New builds a Loop.
func New(model Model, fns *function.Registry, cfg Config) *Loop {
	return &Loop{
		model:  model,
		fns:    fns,
		cfg:    cfg.withDefaults(),
		tracer: observability.Tracer("github.com/kadirpekel/massgen/pkg/backend"),
	}
}

// WithObservability attaches metrics/tracing sinks; either may be nil.
func (l *Loop) WithObservability(metrics *observability.Metrics, tracer trace.Tracer) *Loop {
	l.metrics = metrics
	if tracer != nil {
		l.tracer = tracer
	}
	return l
}

// Run drives the loop over conversation, yielding Events until EventDone,
// EventError, or EventToolCalls (a non-MCP/workflow call the orchestrator
// must handle itself).
func (l *Loop) Run(ctx context.Context, conversation []Message, providerTools []map[string]any) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		conv := append([]Message(nil), conversation...)

		for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
			if ctx.Err() != nil {
				yield(Event{Type: EventError, Err: ctx.Err()})
				return
			}

			iterCtx, span := l.tracer.Start(ctx, "loop.iteration")
			span.SetAttributes(attribute.Int("massgen.iteration", iteration))
			l.metrics.RecordLoopIteration()

			tools := append([]map[string]any(nil), providerTools...)
			if l.fns != nil {
				tools = append(tools, l.fns.ChatCompletionsTools()...)
			}

			stream, err := l.model.OpenStream(iterCtx, APIParams{Messages: conv, Tools: tools})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				yield(Event{Type: EventError, Err: err})
				return
			}

			captured, text, reasoning, streamErr := l.consumeStream(iterCtx, stream, yield)
			if streamErr != nil {
				span.RecordError(streamErr)
				span.SetStatus(codes.Error, streamErr.Error())
				span.End()
				yield(Event{Type: EventError, Err: streamErr})
				return
			}
			_ = text
			_ = reasoning

			if len(captured) == 0 {
				span.End()
				yield(Event{Type: EventDone})
				return
			}

			assistantMsg := Message{Role: RoleAssistant, Content: text, ToolCalls: captured}

			if l.hasNonMCPCall(captured) {
				conv = append(conv, assistantMsg)
				if !yield(Event{Type: EventToolCalls, ToolCalls: captured}) {
					span.End()
					return
				}
				span.End()
				yield(Event{Type: EventDone})
				return
			}

			conv = append(conv, assistantMsg)

			for _, call := range captured {
				args, parseErr := parseArguments(call.Arguments)
				var resultPayload string
				if parseErr != nil {
					resultPayload = errorPayload("parse_error", call.Name, parseErr)
				} else {
					if !yield(Event{Type: EventToolCalled, Content: call.Name}) {
						span.End()
						return
					}
					resultPayload = l.executeWithRetry(iterCtx, call.Name, args)
					if !yield(Event{Type: EventToolCompleted, Content: call.Name}) {
						span.End()
						return
					}
				}
				conv = append(conv, Message{Role: RoleTool, Content: resultPayload, ToolCallID: call.ID})
			}

			conv = trimHistory(conv, l.cfg.HistoryBound)
			span.End()
		}

		yield(Event{Type: EventError, Err: fmt.Errorf("backend loop: exceeded max_iterations (%d)", l.cfg.MaxIterations)})
	}
}

// consumeStream drains one model stream, merging tool-call fragments by
// index and emitting content/reasoning events as they arrive.
func (l *Loop) consumeStream(ctx context.Context, stream <-chan Chunk, yield func(Event) bool) ([]ToolCall, string, string, error) {
	pending := make(map[int]*ToolCall)
	order := make([]int, 0)
	var text, reasoning string

	for {
		select {
		case <-ctx.Done():
			return nil, text, reasoning, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return finalizeToolCalls(pending, order), text, reasoning, nil
			}
			if chunk.ContentDelta != "" {
				text += chunk.ContentDelta
				if !yield(Event{Type: EventContent, Content: chunk.ContentDelta}) {
					return nil, text, reasoning, fmt.Errorf("backend loop: consumer stopped")
				}
			}
			if chunk.Reasoning != "" {
				reasoning += chunk.Reasoning
				if !yield(Event{Type: EventReasoning, Reasoning: chunk.Reasoning}) {
					return nil, text, reasoning, fmt.Errorf("backend loop: consumer stopped")
				}
			}
			if d := chunk.ToolCallDelta; d != nil {
				tc, seen := pending[d.Index]
				if !seen {
					tc = &ToolCall{}
					pending[d.Index] = tc
					order = append(order, d.Index)
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Name != "" {
					tc.Name += d.Name
				}
				tc.Arguments += d.ArgumentsAdd
			}
			if chunk.Done {
				return finalizeToolCalls(pending, order), text, reasoning, nil
			}
		}
	}
}

// finalizeToolCalls drops any call missing a name or whose arguments never
// became parseable JSON, per the accumulation contract: a call is complete
// only once it has a non-empty name and parseable arguments.
func finalizeToolCalls(pending map[int]*ToolCall, order []int) []ToolCall {
	out := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		tc := pending[idx]
		if tc.Name == "" {
			continue
		}
		if _, err := parseArguments(tc.Arguments); err != nil {
			continue
		}
		if tc.ID == "" {
			tc.ID = "massgen-" + uuid.NewString()
		}
		out = append(out, *tc)
	}
	return out
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (l *Loop) hasNonMCPCall(calls []ToolCall) bool {
	if l.fns == nil {
		return len(calls) > 0
	}
	for _, c := range calls {
		if _, ok := l.fns.Get(c.Name); !ok {
			return true
		}
	}
	return false
}

// executeWithRetry implements the retry/backoff/breaker contract: auth and
// resource errors never retry, transient errors back off exponentially with
// jitter, and the breaker records every terminal outcome.
func (l *Loop) executeWithRetry(ctx context.Context, name string, args map[string]any) string {
	fn, ok := l.fns.Get(name)
	if !ok {
		return errorPayload("execution_error", name, fmt.Errorf("tool %q not registered", name))
	}

	var lastErr error
	// One initial attempt plus MaxRetries retries, matching the original's
	// range(max_retries + 1).
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		result, err := fn.Call(ctx, args)
		if err == nil {
			return renderResult(result)
		}
		lastErr = err

		if isAuthOrResourceError(err) {
			return errorPayload("auth_resource_error", name, err)
		}

		if !mcperrors.IsTransient(err) || attempt == l.cfg.MaxRetries {
			return errorPayload("execution_error", name, err)
		}

		l.metrics.RecordToolCallRetry(name)
		delay := backoffWithJitter(l.cfg.RetryBaseDelay, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errorPayload("execution_error", name, ctx.Err())
		}
	}
	// Unreachable: the loop above always returns on its final iteration,
	// matching the original's own dead tail after its retry loop.
	return errorPayload("retry_exhausted", name, lastErr)
}

func isAuthOrResourceError(err error) bool {
	var e *mcperrors.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == mcperrors.KindAuth || e.Kind == mcperrors.KindResource
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	backoffDelay := base * time.Duration(1<<uint(attempt))
	jitter := (0.1 + rand.Float64()*0.2) * float64(backoffDelay)
	return backoffDelay + time.Duration(jitter)
}

// renderResult flattens a tool's content blocks into the plain-text form a
// tool-result message carries; multiple blocks are joined with newlines.
func renderResult(result *transport.CallToolResult) string {
	if result == nil {
		return ""
	}
	var out string
	for i, block := range result.Content {
		if i > 0 {
			out += "\n"
		}
		out += block.Text
	}
	return out
}

func errorPayload(kind, name string, err error) string {
	return fmt.Sprintf(`{"error":%q,"type":%q,"function":%q}`, err.Error(), kind, name)
}

// trimHistory keeps at most bound messages total, always preserving a
// leading system message if the original conversation had one: the result is
// the system message (if any) followed by a suffix of the remaining
// messages, never exceeding bound messages overall.
func trimHistory(conv []Message, bound int) []Message {
	if bound <= 0 || len(conv) <= bound {
		return conv
	}

	if conv[0].Role != RoleSystem {
		return conv[len(conv)-bound:]
	}

	tailBound := bound - 1
	if tailBound <= 0 {
		return []Message{conv[0]}
	}
	tail := conv[1:]
	if len(tail) > tailBound {
		tail = tail[len(tail)-tailBound:]
	}
	out := make([]Message, 0, bound)
	out = append(out, conv[0])
	out = append(out, tail...)
	return out
}
