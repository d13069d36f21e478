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

// Package function wraps namespaced MCP tools as callable functions ready
// to hand to an LLM backend, in whichever of the three common tool-calling
// wire shapes that backend expects, and runs a permission hook in front of
// every call.
package function

import (
	"context"
	"fmt"

	"github.com/kadirpekel/massgen/pkg/mcp/permission"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
)

// Function is a single callable tool, already namespaced, with an
// entrypoint bound to the registry that owns it.
type Function struct {
	Name        string
	Description string
	Parameters  map[string]any

	entrypoint func(ctx context.Context, args map[string]any) (*transport.CallToolResult, error)
}

// Call invokes the underlying MCP tool.
func (f *Function) Call(ctx context.Context, args map[string]any) (*transport.CallToolResult, error) {
	return f.entrypoint(ctx, args)
}

// ChatCompletionsFormat renders the function the way OpenAI's Chat
// Completions API expects tool definitions.
func (f *Function) ChatCompletionsFormat() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        f.Name,
			"description": f.Description,
			"parameters":  f.Parameters,
		},
	}
}

// ResponseAPIFormat renders the function the way OpenAI's Responses API
// expects tool definitions (flat, no nested "function" object).
func (f *Function) ResponseAPIFormat() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        f.Name,
		"description": f.Description,
		"parameters":  f.Parameters,
	}
}

// ClaudeFormat renders the function the way this module's Claude-style
// tool encoding expects: no "type" wrapper, and the same (name,
// description, parameters) triple the other two formats use, so all three
// encodings round-trip to identical tool metadata.
func (f *Function) ClaudeFormat() map[string]any {
	return map[string]any{
		"name":        f.Name,
		"description": f.Description,
		"parameters":  f.Parameters,
	}
}

// Registry exposes every tool namespaced across a mcp/registry.Registry as
// a Function, running a permission hook before every call.
type Registry struct {
	reg       *registry.Registry
	perm      *permission.Manager
	functions map[string]*Function
}

// New builds a function Registry over reg. perm may be nil, in which case
// no pre-call permission hook runs.
func New(reg *registry.Registry, perm *permission.Manager) *Registry {
	r := &Registry{reg: reg, perm: perm, functions: make(map[string]*Function)}
	r.refresh()
	return r
}

// refresh rebuilds the Function map from the registry's currently
// namespaced tools. Called once at construction; callers that connect
// additional servers after construction should build a new Registry.
func (r *Registry) refresh() {
	for _, name := range r.reg.Tools() {
		name := name
		info, _ := r.reg.ToolInfo(name)
		params := info.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		r.functions[name] = &Function{
			Name:        name,
			Description: info.Description,
			Parameters:  params,
			entrypoint: func(ctx context.Context, args map[string]any) (*transport.CallToolResult, error) {
				return r.callWithHook(ctx, name, args)
			},
		}
	}
}

func (r *Registry) callWithHook(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	if r.perm != nil {
		decision := r.perm.PreToolUseHook(name, args)
		if !decision.Allowed {
			return nil, fmt.Errorf("tool %q blocked by permission hook: %s", name, decision.Reason)
		}
	}
	return r.reg.CallTool(ctx, name, args)
}

// Functions returns every registered function, in no particular order.
func (r *Registry) Functions() []*Function {
	out := make([]*Function, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f)
	}
	return out
}

// Get looks up a function by its namespaced name.
func (r *Registry) Get(name string) (*Function, bool) {
	f, ok := r.functions[name]
	return f, ok
}

// ChatCompletionsTools renders every function in Chat Completions format.
func (r *Registry) ChatCompletionsTools() []map[string]any {
	out := make([]map[string]any, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f.ChatCompletionsFormat())
	}
	return out
}

// ResponseAPITools renders every function in Responses API format.
func (r *Registry) ResponseAPITools() []map[string]any {
	out := make([]map[string]any, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f.ResponseAPIFormat())
	}
	return out
}

// ClaudeTools renders every function in the Claude-style format produced
// by ClaudeFormat.
func (r *Registry) ClaudeTools() []map[string]any {
	out := make([]map[string]any, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f.ClaudeFormat())
	}
	return out
}
