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

package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/massgen/pkg/mcp/security"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/mcperrors"
)

// CallTool invokes a discovered tool, bounding the round trip by cfg.Timeout
// and validating arguments before dispatch.
func (s *Session) CallTool(ctx context.Context, toolName string, args map[string]any) (*transport.CallToolResult, error) {
	op := fmt.Sprintf("call_tool(%s)", toolName)

	ctx, span := s.cfg.Tracer.Start(ctx, "call_tool")
	span.SetAttributes(
		attribute.String("mcp.server", s.cfg.ServerName),
		attribute.String("mcp.tool", toolName),
	)
	started := time.Now()
	defer span.End()

	result, err := s.callTool(ctx, op, toolName, args)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.cfg.Metrics.RecordToolCall(s.cfg.ServerName, toolName, status, time.Since(started))
	return result, err
}

func (s *Session) callTool(ctx context.Context, op, toolName string, args map[string]any) (*transport.CallToolResult, error) {
	if !s.IsConnected() {
		return nil, mcperrors.Connection(op, s.cfg.ServerName, fmt.Errorf("session is not connected"))
	}
	if !s.HasTool(toolName) {
		return nil, mcperrors.Resource(op, fmt.Errorf("tool %q not available on server %q", toolName, s.cfg.ServerName))
	}
	if err := security.ValidateToolArguments(args); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := withTransport(s, op, func(tr transport.Transport) (*transport.CallToolResult, error) {
		return tr.CallTool(callCtx, toolName, args)
	})
	if err != nil {
		if callCtx.Err() != nil {
			return nil, mcperrors.Timeout(op, s.cfg.ServerName, s.cfg.Timeout)
		}
		return nil, mcperrors.ServerErr(op, s.cfg.ServerName, err)
	}
	return result, nil
}

// GetResource reads a discovered resource by URI.
func (s *Session) GetResource(ctx context.Context, uri string) (*transport.ResourceContent, error) {
	op := fmt.Sprintf("get_resource(%s)", uri)
	if !s.IsConnected() {
		return nil, mcperrors.Connection(op, s.cfg.ServerName, fmt.Errorf("session is not connected"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := withTransport(s, op, func(tr transport.Transport) (*transport.ResourceContent, error) {
		return tr.ReadResource(callCtx, uri)
	})
	if err != nil {
		return nil, mcperrors.ServerErr(op, s.cfg.ServerName, err)
	}
	return result, nil
}

// GetPrompt renders a discovered prompt by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]any) (*transport.GetPromptResult, error) {
	op := fmt.Sprintf("get_prompt(%s)", name)
	if !s.IsConnected() {
		return nil, mcperrors.Connection(op, s.cfg.ServerName, fmt.Errorf("session is not connected"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := withTransport(s, op, func(tr transport.Transport) (*transport.GetPromptResult, error) {
		return tr.GetPrompt(callCtx, name, args)
	})
	if err != nil {
		return nil, mcperrors.ServerErr(op, s.cfg.ServerName, err)
	}
	return result, nil
}

// withTransport serializes access to the session's transport: every call
// and the manager's eventual Close share s.callMu so none overlap.
func withTransport[T any](s *Session, op string, fn func(transport.Transport) (T, error)) (T, error) {
	var zero T
	s.callMu.Lock()
	defer s.callMu.Unlock()
	if s.tr == nil {
		return zero, fmt.Errorf("%s: transport not connected", op)
	}
	return fn(s.tr)
}

// HealthCheck performs a cheap liveness probe (list_tools) against the
// connected server.
func (s *Session) HealthCheck(ctx context.Context) bool {
	if !s.IsConnected() {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := withTransport(s, "health_check", func(tr transport.Transport) ([]transport.Tool, error) {
		return tr.ListTools(callCtx)
	})
	return err == nil
}

// Reconnect disconnects (if connected) and attempts to reconnect up to
// maxRetries times, sleeping retryDelay between attempts and verifying
// the new connection with a health check.
func (s *Session) Reconnect(ctx context.Context, maxRetries int, retryDelay time.Duration) bool {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return false
			}
		}

		if s.State() != StateDisconnected {
			_ = s.Disconnect(ctx)
		}
		s.reset()

		if err := s.Connect(ctx); err != nil {
			continue
		}
		if s.HealthCheck(ctx) {
			return true
		}
	}
	return false
}
