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

// Package transport implements the two wire-level transports an MCP server
// is reachable over: stdio (a local subprocess speaking newline-delimited
// JSON-RPC, via mark3labs/mcp-go) and streamable-http (JSON-RPC over HTTP
// POST, with SSE as the response encoding when a server chooses to stream).
// Transport is deliberately thin: it knows nothing about retries, circuit
// breaking, or tool namespacing. Session owns all of that.
package transport

import (
	"context"
	"time"
)

// Kind selects which wire transport a Spec connects over.
type Kind string

const (
	KindStdio          Kind = "stdio"
	KindStreamableHTTP Kind = "streamable-http"
)

// Spec is the subset of a server's configuration a Transport needs to
// connect. Validation of these fields (command allowlisting, URL safety,
// environment filtering) happens in pkg/mcp/security before a Spec reaches
// this package.
type Spec struct {
	Name string
	Kind Kind

	// stdio
	Command []string
	Env     map[string]string

	// streamable-http
	URL        string
	MaxRetries int
	SSETimeout time.Duration
}

// ClientInfo identifies this process to the server during initialize.
type ClientInfo struct {
	Name    string
	Version string
}

// Tool is a server-advertised callable.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Resource is a server-advertised addressable resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// Prompt is a server-advertised prompt template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

// PromptArgument describes one parameter a Prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// ContentBlock is one piece of tool/prompt output. Type is "text" for all
// content this package currently decodes; richer content types (image,
// embedded resource) pass through Raw untouched.
type ContentBlock struct {
	Type string
	Text string
	Raw  any
}

// CallToolResult is the outcome of invoking a tool.
type CallToolResult struct {
	Content []ContentBlock
	IsError bool
}

// ResourceContent is the outcome of reading a resource.
type ResourceContent struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
}

// PromptMessage is one turn of a rendered prompt.
type PromptMessage struct {
	Role    string
	Content ContentBlock
}

// GetPromptResult is the outcome of rendering a prompt.
type GetPromptResult struct {
	Description string
	Messages    []PromptMessage
}

// Capabilities records which optional MCP features a server advertised
// during initialize, so Session can skip resource/prompt discovery against
// servers that never implemented them rather than treating the lack of
// support as an error.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// Transport is a single connected channel to one MCP server. None of these
// methods are safe to call concurrently with each other; pkg/mcp/session
// serializes every call behind one mutex.
type Transport interface {
	// Initialize performs the MCP handshake and returns the capabilities the
	// server advertised.
	Initialize(ctx context.Context, info ClientInfo) (Capabilities, error)

	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)

	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*ResourceContent, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error)

	// Close releases the underlying subprocess or HTTP session. Safe to call
	// more than once.
	Close() error
}

// New dispatches to the stdio or streamable-http implementation per spec.Kind.
func New(spec Spec) (Transport, error) {
	if spec.Kind == KindStreamableHTTP {
		return newHTTPTransport(spec)
	}
	return newStdioTransport(spec)
}
