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

// Package registry fans a single logical tool surface out across many named
// MCP sessions: it namespaces tools as mcp__<server>__<tool>, dispatches
// calls back to the owning session, and connects every configured server
// concurrently with partial-success semantics — one unreachable server
// never prevents the rest from coming up.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/massgen/pkg/mcp/breaker"
	"github.com/kadirpekel/massgen/pkg/mcp/security"
	"github.com/kadirpekel/massgen/pkg/mcp/session"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/mcperrors"
	"github.com/kadirpekel/massgen/pkg/observability"
	"github.com/kadirpekel/massgen/pkg/ratelimit"
)

// ServerConfig describes one server to connect as part of the registry.
type ServerConfig struct {
	Name         string
	Spec         transport.Spec
	IncludeTools []string // empty means "all"
	ExcludeTools []string
	ClientInfo   transport.ClientInfo
}

// ConnectResult reports the outcome of connecting a single server.
type ConnectResult struct {
	ServerName string
	Err        error
}

// Registry owns a set of named sessions and the namespaced tool/resource/
// prompt maps that span them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	breaker  *breaker.Breaker

	toolToServer map[string]string         // namespaced tool name -> server name
	toolLocal    map[string]string         // namespaced tool name -> local tool name
	toolInfo     map[string]transport.Tool // namespaced tool name -> discovered tool metadata

	metrics *observability.Metrics
	tracer  trace.Tracer

	limiter      ratelimit.RateLimiter // optional; nil means no call_tool rate limiting
	limiterScope ratelimit.Scope
}

// New constructs an empty Registry. brk may be nil, in which case every
// server is always attempted (no circuit breaking).
func New(brk *breaker.Breaker) *Registry {
	return &Registry{
		sessions:     make(map[string]*session.Session),
		breaker:      brk,
		toolToServer: make(map[string]string),
		toolLocal:    make(map[string]string),
		toolInfo:     make(map[string]transport.Tool),
	}
}

// WithObservability attaches metrics/tracing sinks propagated to every
// session this registry connects from this point on. Either may be nil.
func (r *Registry) WithObservability(metrics *observability.Metrics, tracer trace.Tracer) *Registry {
	r.metrics = metrics
	r.tracer = tracer
	return r
}

// WithRateLimiter gates every CallTool dispatch through limiter, scoped by
// server name, beyond the circuit breaker's failure-driven skipping. limiter
// may be nil, in which case CallTool applies no rate limiting (the default).
func (r *Registry) WithRateLimiter(limiter ratelimit.RateLimiter, scope ratelimit.Scope) *Registry {
	r.limiter = limiter
	r.limiterScope = scope
	return r
}

// ConnectAll builds one Session per config and connects them concurrently.
// A server whose name fails ValidateServerName, or whose circuit breaker is
// open, is skipped without aborting the others; connect failures are
// likewise isolated per server. The returned slice always has one entry per
// input config, in the input order.
func (r *Registry) ConnectAll(ctx context.Context, configs []ServerConfig) []ConnectResult {
	results := make([]ConnectResult, len(configs))

	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			results[i] = ConnectResult{ServerName: cfg.Name, Err: r.connectOne(ctx, cfg)}
			return nil
		})
	}
	_ = g.Wait() // connectOne never returns an error to the group; failures live in results

	return results
}

func (r *Registry) connectOne(ctx context.Context, cfg ServerConfig) error {
	if err := security.ValidateServerName(cfg.Name); err != nil {
		return err
	}
	if r.breaker != nil && r.breaker.ShouldSkipServer(cfg.Name) {
		return mcperrors.Connection("connect_all", cfg.Name, fmt.Errorf("circuit breaker open"))
	}

	s := session.New(session.Config{
		ServerName: cfg.Name,
		Spec:       cfg.Spec,
		ClientInfo: cfg.ClientInfo,
		Metrics:    r.metrics,
		Tracer:     r.tracer,
	})

	if err := s.Connect(ctx); err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure(cfg.Name)
		}
		return err
	}
	if r.breaker != nil {
		r.breaker.RecordSuccess(cfg.Name)
	}

	r.register(cfg, s)
	return nil
}

func (r *Registry) register(cfg ServerConfig, s *session.Session) {
	include := toSet(cfg.IncludeTools)
	exclude := toSet(cfg.ExcludeTools)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[cfg.Name] = s
	for _, tool := range s.Tools() {
		if len(include) > 0 && !include[tool.Name] {
			continue
		}
		if exclude[tool.Name] {
			continue
		}
		namespaced, err := security.SanitizeToolName(tool.Name, cfg.Name)
		if err != nil {
			continue
		}
		r.toolToServer[namespaced] = cfg.Name
		r.toolLocal[namespaced] = tool.Name
		r.toolInfo[namespaced] = tool
	}
}

// ToolInfo returns the discovered metadata (description, input schema) for
// a namespaced tool name.
func (r *Registry) ToolInfo(name string) (transport.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.toolInfo[name]
	return t, ok
}

// RegisterForTest exposes register to other packages' tests that need to
// seed a Registry with an already-connected session without going through
// ConnectAll's real transport dial.
func (r *Registry) RegisterForTest(cfg ServerConfig, s *session.Session) {
	r.register(cfg, s)
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

// DisconnectAll closes every session concurrently, collecting every error
// rather than stopping at the first one (mirrors asyncio.gather with
// return_exceptions=True).
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			errs[i] = s.Disconnect(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var joined []string
	for i, err := range errs {
		if err != nil {
			joined = append(joined, fmt.Sprintf("%s: %v", sessions[i].Name(), err))
		}
	}
	if len(joined) > 0 {
		return fmt.Errorf("disconnect_all: %s", strings.Join(joined, "; "))
	}
	return nil
}

// CallTool dispatches a namespaced tool name (mcp__<server>__<tool>) to the
// owning session, stripping the namespace prefix before the underlying call.
func (r *Registry) CallTool(ctx context.Context, toolName string, args map[string]any) (*transport.CallToolResult, error) {
	r.mu.RLock()
	serverName, ok := r.toolToServer[toolName]
	localName := r.toolLocal[toolName]
	s := r.sessions[serverName]
	r.mu.RUnlock()

	if !ok || s == nil {
		return nil, mcperrors.Resource("call_tool", fmt.Errorf("tool %q is not registered", toolName))
	}
	if r.breaker != nil && r.breaker.ShouldSkipServer(serverName) {
		return nil, mcperrors.Connection("call_tool", serverName, fmt.Errorf("circuit breaker open"))
	}
	if r.limiter != nil {
		check, err := r.limiter.CheckAndRecord(ctx, r.limiterScope, serverName, 0, 1)
		if err != nil {
			return nil, mcperrors.New(mcperrors.KindGeneric, "call_tool", fmt.Errorf("rate limiter: %w", err))
		}
		if check.IsExceeded() {
			return nil, ratelimit.NewRateLimitError(check)
		}
	}

	result, err := s.CallTool(ctx, localName, args)
	if r.breaker != nil {
		if err != nil {
			r.breaker.RecordFailure(serverName)
		} else {
			r.breaker.RecordSuccess(serverName)
		}
	}
	return result, err
}

// GetResource reads a resource from the named server. uri is passed to that
// server's session unchanged; no "server__" prefix is parsed from it.
func (r *Registry) GetResource(ctx context.Context, serverName, uri string) (*transport.ResourceContent, error) {
	r.mu.RLock()
	s := r.sessions[serverName]
	r.mu.RUnlock()
	if s == nil {
		return nil, mcperrors.Resource("get_resource", fmt.Errorf("server %q is not connected", serverName))
	}
	return s.GetResource(ctx, uri)
}

// GetPrompt renders a prompt. name may be "server__prompt" to select a
// specific server, or a bare prompt name resolved against every connected
// session.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	serverName, promptName := "", name
	if idx := strings.Index(name, "__"); idx >= 0 {
		serverName, promptName = name[:idx], name[idx+2:]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if serverName != "" {
		s, ok := r.sessions[serverName]
		if !ok {
			return nil, mcperrors.Resource("get_prompt", fmt.Errorf("server %q is not connected", serverName))
		}
		return s.GetPrompt(ctx, promptName, args)
	}

	for _, s := range r.sessions {
		if result, err := s.GetPrompt(ctx, promptName, args); err == nil {
			return result, nil
		}
	}
	return nil, mcperrors.Resource("get_prompt", fmt.Errorf("prompt %q not found on any connected server", promptName))
}

// ActiveSessions returns the names of every currently connected server.
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s.IsConnected() {
			out = append(out, name)
		}
	}
	return out
}

// Session returns the named session, if connected.
func (r *Registry) Session(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Tools returns every namespaced tool name currently registered.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.toolToServer))
	for name := range r.toolToServer {
		out = append(out, name)
	}
	return out
}
