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

// Package session owns the MCP session state machine: connect, discover,
// call, reconnect, disconnect. Only the manager goroutine started by Connect
// opens and closes the underlying transport.Transport; calls from other
// goroutines and the manager's Close all take the same mutex, so
// Close/Disconnect never race a live request the way an externally-cancelled
// context would.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/mcperrors"
	"github.com/kadirpekel/massgen/pkg/observability"
)

// State is the session's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Config configures a Session.
type Config struct {
	ServerName string
	Spec       transport.Spec
	ClientInfo transport.ClientInfo

	// Timeout bounds every call_tool/get_resource/get_prompt round trip.
	Timeout time.Duration

	// Metrics and Tracer are optional observability sinks; both are
	// nil-safe, so a zero Config reports and traces nothing.
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Session is a single named connection to one MCP server.
type Session struct {
	cfg Config

	mu    sync.RWMutex
	state State
	err   error

	tools     map[string]transport.Tool
	resources map[string]transport.Resource
	prompts   map[string]transport.Prompt
	caps      transport.Capabilities

	connectedCh  chan struct{}
	disconnectCh chan struct{}
	managerDone  chan struct{}

	// callMu serializes every call into tr. The manager goroutine owns open
	// and close of the transport; any goroutine may issue calls through it
	// once connected, but transport.Transport forbids concurrent method
	// calls on itself, so every caller (including the manager's own Close)
	// takes this lock first.
	callMu sync.Mutex
	tr     transport.Transport

	newTransport func(transport.Spec) (transport.Transport, error)
}

// New constructs a disconnected Session.
func New(cfg Config) *Session {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer("github.com/kadirpekel/massgen/pkg/mcp/session")
	}
	return &Session{
		cfg:          cfg,
		state:        StateDisconnected,
		newTransport: transport.New,
	}
}

// NewWithTransport constructs a disconnected Session that uses factory to
// build its transport instead of transport.New. Exposed for tests and for
// callers embedding an in-process transport (e.g. an MCP server mounted
// directly in the same binary).
func NewWithTransport(cfg Config, factory func(transport.Spec) (transport.Transport, error)) *Session {
	s := New(cfg)
	s.newTransport = factory
	return s
}

// Name returns the server name this session is scoped to.
func (s *Session) Name() string { return s.cfg.ServerName }

// IsConnected reports whether the session has completed initialization and
// capability discovery.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connect starts the manager goroutine (if not already running) and blocks
// until initialization and discovery finish or fail.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.connectedCh = make(chan struct{})
	s.disconnectCh = make(chan struct{})
	s.managerDone = make(chan struct{})
	s.mu.Unlock()

	go s.runManager()

	select {
	case <-s.connectedCh:
		s.mu.RLock()
		err := s.err
		s.mu.RUnlock()
		if err != nil {
			return err
		}
		return nil
	case <-s.managerDone:
		s.mu.RLock()
		err := s.err
		s.mu.RUnlock()
		if err == nil {
			err = mcperrors.Connection("connect", s.cfg.ServerName, fmt.Errorf("manager exited before connecting"))
		}
		return err
	case <-ctx.Done():
		return mcperrors.Timeout("connect", s.cfg.ServerName, 0)
	}
}

// runManager is the single task that owns the transport for its whole
// lifetime: open, initialize, discover, signal ready, then block on the
// disconnect signal before closing. This mirrors the original
// implementation's _run_manager background task rather than tearing the
// transport down from whichever goroutine calls Disconnect.
func (s *Session) runManager() {
	defer close(s.managerDone)

	tr, err := s.newTransport(s.cfg.Spec)
	if err != nil {
		s.fail(mcperrors.Connection("connect", s.cfg.ServerName, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	caps, err := tr.Initialize(ctx, s.cfg.ClientInfo)
	cancel()
	if err != nil {
		tr.Close()
		s.fail(mcperrors.Connection("connect", s.cfg.ServerName, err))
		return
	}

	tools, resources, prompts := s.discover(tr, caps)

	s.mu.Lock()
	s.caps = caps
	s.tools = tools
	s.resources = resources
	s.prompts = prompts
	s.state = StateConnected
	s.tr = tr
	s.mu.Unlock()
	close(s.connectedCh)

	<-s.disconnectCh

	s.callMu.Lock()
	tr.Close()
	s.callMu.Unlock()

	s.mu.Lock()
	s.state = StateDisconnected
	s.tr = nil
	s.mu.Unlock()
}

// discover lists tools (required — a server with no tools is still valid,
// but a failing list_tools call is not) then resources and prompts, which
// are optional: servers that never implemented them are treated as empty,
// not as an error.
func (s *Session) discover(tr transport.Transport, caps transport.Capabilities) (map[string]transport.Tool, map[string]transport.Resource, map[string]transport.Prompt) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	tools := make(map[string]transport.Tool)
	if list, err := tr.ListTools(ctx); err == nil {
		for _, tool := range list {
			tools[tool.Name] = tool
		}
	}

	resources := make(map[string]transport.Resource)
	if caps.Resources {
		if list, err := tr.ListResources(ctx); err == nil {
			for _, r := range list {
				resources[r.URI] = r
			}
		}
	}

	prompts := make(map[string]transport.Prompt)
	if caps.Prompts {
		if list, err := tr.ListPrompts(ctx); err == nil {
			for _, p := range list {
				prompts[p.Name] = p
			}
		}
	}

	return tools, resources, prompts
}

func (s *Session) fail(err *mcperrors.Error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	if s.connectedCh != nil {
		select {
		case <-s.connectedCh:
		default:
			close(s.connectedCh)
		}
	}
}

// reset clears discovery and error state after a full disconnect so a
// subsequent Connect starts clean. Callers must ensure the session is
// already disconnected.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.err = nil
	s.tools = nil
	s.resources = nil
	s.prompts = nil
	s.caps = transport.Capabilities{}
}

// Disconnect signals the manager goroutine to close the transport and
// waits for it to exit.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	disconnectCh := s.disconnectCh
	managerDone := s.managerDone
	s.mu.Unlock()

	select {
	case <-disconnectCh:
	default:
		close(disconnectCh)
	}

	select {
	case <-managerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tools returns a snapshot of discovered tools.
func (s *Session) Tools() []transport.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// HasTool reports whether name was discovered on this server.
func (s *Session) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}
