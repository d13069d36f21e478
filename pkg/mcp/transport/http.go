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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/massgen/pkg/httpclient"
)

// DefaultSSETimeout bounds how long httpTransport waits for a complete
// event when a server responds with text/event-stream instead of a plain
// JSON body.
const DefaultSSETimeout = 5 * time.Minute

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type httpTransport struct {
	spec Spec
	http *httpclient.Client

	sessionMu sync.RWMutex
	sessionID string

	nextID int
	idMu   sync.Mutex
}

func newHTTPTransport(spec Spec) (Transport, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("streamable-http transport requires a url")
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = 3
	}
	if spec.SSETimeout == 0 {
		spec.SSETimeout = DefaultSSETimeout
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(spec.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeader),
	)

	return &httpTransport{spec: spec, http: client}, nil
}

func (t *httpTransport) Initialize(ctx context.Context, info ClientInfo) (Capabilities, error) {
	resp, err := t.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": info.Name, "version": info.Version},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return Capabilities{}, fmt.Errorf("initialize: %w", err)
	}

	caps := Capabilities{Tools: true}
	if result, ok := resp.Result.(map[string]any); ok {
		if serverCaps, ok := result["capabilities"].(map[string]any); ok {
			if _, ok := serverCaps["resources"]; ok {
				caps.Resources = true
			}
			if _, ok := serverCaps["prompts"]; ok {
				caps.Prompts = true
			}
		}
	}
	return caps, nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	items, err := resultList(resp, "tools")
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, Tool{Name: name, Description: desc, InputSchema: schema})
	}
	return tools, nil
}

func (t *httpTransport) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := t.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	items, err := resultList(resp, "resources")
	if err != nil {
		return nil, err
	}

	resources := make([]Resource, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		uri, _ := m["uri"].(string)
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		mime, _ := m["mimeType"].(string)
		resources = append(resources, Resource{URI: uri, Name: name, Description: desc, MimeType: mime})
	}
	return resources, nil
}

func (t *httpTransport) ListPrompts(ctx context.Context) ([]Prompt, error) {
	resp, err := t.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	items, err := resultList(resp, "prompts")
	if err != nil {
		return nil, err
	}

	prompts := make([]Prompt, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		var args []PromptArgument
		if rawArgs, ok := m["arguments"].([]any); ok {
			for _, a := range rawArgs {
				am, ok := a.(map[string]any)
				if !ok {
					continue
				}
				argName, _ := am["name"].(string)
				argDesc, _ := am["description"].(string)
				required, _ := am["required"].(bool)
				args = append(args, PromptArgument{Name: argName, Description: argDesc, Required: required})
			}
		}
		prompts = append(prompts, Prompt{Name: name, Description: desc, Arguments: args})
	}
	return prompts, nil
}

func (t *httpTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	resp, err := t.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallToolResult{IsError: true, Content: []ContentBlock{{Type: "text", Text: resp.Error.Message}}}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return &CallToolResult{}, nil
	}

	result := &CallToolResult{}
	if isError, _ := resultMap["isError"].(bool); isError {
		result.IsError = true
	}
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if cm["type"] == "text" {
				text, _ := cm["text"].(string)
				result.Content = append(result.Content, ContentBlock{Type: "text", Text: text})
			} else {
				result.Content = append(result.Content, ContentBlock{Type: fmt.Sprintf("%v", cm["type"]), Raw: cm})
			}
		}
	}
	return result, nil
}

func (t *httpTransport) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	resp, err := t.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	items, err := resultList(resp, "contents")
	if err != nil || len(items) == 0 {
		return &ResourceContent{URI: uri}, nil
	}
	m, ok := items[0].(map[string]any)
	if !ok {
		return &ResourceContent{URI: uri}, nil
	}
	rc := &ResourceContent{URI: uri}
	rc.MimeType, _ = m["mimeType"].(string)
	rc.Text, _ = m["text"].(string)
	return rc, nil
}

func (t *httpTransport) GetPrompt(ctx context.Context, name string, args map[string]any) (*GetPromptResult, error) {
	resp, err := t.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return &GetPromptResult{}, nil
	}

	out := &GetPromptResult{}
	out.Description, _ = resultMap["description"].(string)
	if msgs, ok := resultMap["messages"].([]any); ok {
		for _, raw := range msgs {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			block := ContentBlock{}
			if cm, ok := m["content"].(map[string]any); ok {
				block.Type, _ = cm["type"].(string)
				block.Text, _ = cm["text"].(string)
			}
			out.Messages = append(out.Messages, PromptMessage{Role: role, Content: block})
		}
	}
	return out, nil
}

func (t *httpTransport) Close() error {
	return nil
}

func resultList(resp *jsonRPCResponse, key string) ([]any, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result shape for %q", key)
	}
	items, ok := resultMap[key].([]any)
	if !ok {
		return nil, nil
	}
	return items, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	t.idMu.Lock()
	t.nextID++
	id := t.nextID
	t.idMu.Unlock()

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(data))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSE(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &rpcResp, nil
}

func (t *httpTransport) readSSE(resp *http.Response) (*jsonRPCResponse, error) {
	type outcome struct {
		resp *jsonRPCResponse
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("mcp sse read error", "server", t.spec.Name, "error", err)
				}
				break
			}
			text := strings.TrimSpace(string(line))
			if text == "" {
				if data.Len() > 0 {
					var parsed jsonRPCResponse
					if err := json.Unmarshal([]byte(data.String()), &parsed); err == nil {
						ch <- outcome{resp: &parsed}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(text, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "data:")))
			}
		}

		if data.Len() > 0 {
			var parsed jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &parsed); err == nil {
				ch <- outcome{resp: &parsed}
				return
			}
		}
		ch <- outcome{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-time.After(t.spec.SSETimeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", t.spec.SSETimeout)
	}
}
