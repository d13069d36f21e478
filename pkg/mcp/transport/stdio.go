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

package transport

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2024-11-05"

type stdioTransport struct {
	spec Spec
	c    *client.Client
}

func newStdioTransport(spec Spec) (Transport, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("stdio transport requires a command")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(spec.Command[0], env, spec.Command[1:]...)
	if err != nil {
		return nil, fmt.Errorf("create stdio mcp client: %w", err)
	}

	return &stdioTransport{spec: spec, c: c}, nil
}

func (t *stdioTransport) Initialize(ctx context.Context, info ClientInfo) (Capabilities, error) {
	if err := t.c.Start(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("start mcp subprocess: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ClientInfo = mcp.Implementation{Name: info.Name, Version: info.Version}
	req.Params.ProtocolVersion = protocolVersion

	result, err := t.c.Initialize(ctx, req)
	if err != nil {
		t.c.Close()
		return Capabilities{}, fmt.Errorf("initialize: %w", err)
	}

	caps := Capabilities{Tools: true}
	if result.Capabilities.Resources != nil {
		caps.Resources = true
	}
	if result.Capabilities.Prompts != nil {
		caps.Prompts = true
	}
	return caps, nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := t.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(resp.Tools))
	for _, mt := range resp.Tools {
		tools = append(tools, Tool{Name: mt.Name, Description: mt.Description, InputSchema: convertSchema(mt.InputSchema)})
	}
	return tools, nil
}

func (t *stdioTransport) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := t.c.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		resources = append(resources, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
	}
	return resources, nil
}

func (t *stdioTransport) ListPrompts(ctx context.Context) ([]Prompt, error) {
	resp, err := t.c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	prompts := make([]Prompt, 0, len(resp.Prompts))
	for _, p := range resp.Prompts {
		args := make([]PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		prompts = append(prompts, Prompt{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return prompts, nil
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := t.c.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &CallToolResult{IsError: resp.IsError}
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			result.Content = append(result.Content, ContentBlock{Type: "text", Text: tc.Text})
		} else {
			result.Content = append(result.Content, ContentBlock{Type: "unknown", Raw: c})
		}
	}
	return result, nil
}

func (t *stdioTransport) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	resp, err := t.c.ReadResource(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Contents) == 0 {
		return &ResourceContent{URI: uri}, nil
	}
	switch rc := resp.Contents[0].(type) {
	case mcp.TextResourceContents:
		return &ResourceContent{URI: rc.URI, MimeType: rc.MIMEType, Text: rc.Text}, nil
	case mcp.BlobResourceContents:
		return &ResourceContent{URI: rc.URI, MimeType: rc.MIMEType, Blob: []byte(rc.Blob)}, nil
	default:
		return &ResourceContent{URI: uri}, nil
	}
}

func (t *stdioTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	if args != nil {
		strArgs := make(map[string]string, len(args))
		for k, v := range args {
			if s, ok := v.(string); ok {
				strArgs[k] = s
			} else {
				strArgs[k] = fmt.Sprintf("%v", v)
			}
		}
		req.Params.Arguments = strArgs
	}

	resp, err := t.c.GetPrompt(ctx, req)
	if err != nil {
		return nil, err
	}

	messages := make([]PromptMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		block := ContentBlock{Raw: m.Content}
		if tc, ok := m.Content.(mcp.TextContent); ok {
			block.Type = "text"
			block.Text = tc.Text
		}
		messages = append(messages, PromptMessage{Role: string(m.Role), Content: block})
	}
	return &GetPromptResult{Description: resp.Description, Messages: messages}, nil
}

func (t *stdioTransport) Close() error {
	return t.c.Close()
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
