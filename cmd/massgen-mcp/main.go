// SPDX-License-Identifier: Apache-2.0
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

// Command massgen-mcp is a thin CLI around the MCP integration library
// packages: it loads a config file, connects to the configured MCP servers,
// validates a config without connecting, or drives a short demo streaming
// loop against a stub model to exercise the whole stack end to end.
//
// Usage:
//
//	massgen-mcp validate --config config.yaml
//	massgen-mcp connect --config config.yaml
//	massgen-mcp serve --config config.yaml --prompt "list files in the workspace"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/massgen/pkg/backend"
	"github.com/kadirpekel/massgen/pkg/config"
	"github.com/kadirpekel/massgen/pkg/logger"
	"github.com/kadirpekel/massgen/pkg/mcp/breaker"
	"github.com/kadirpekel/massgen/pkg/mcp/function"
	"github.com/kadirpekel/massgen/pkg/mcp/permission"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/ratelimit"
)

// CLI defines the command-line interface.
type CLI struct {
	Validate ValidateCmd `cmd:"" help:"Validate a config file without connecting to any server."`
	Connect  ConnectCmd  `cmd:"" help:"Connect to every configured MCP server and report status."`
	Serve    ServeCmd    `cmd:"" help:"Connect and drive a demo streaming loop against a stub model."`

	Config    string `short:"c" help:"Path to config file." type:"path" required:""`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// ValidateCmd decodes and validates a config file, then exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: %d server(s) configured\n", len(cfg.Servers))
	return nil
}

// ConnectCmd connects to every configured server and reports which
// succeeded, then disconnects.
type ConnectCmd struct{}

func (c *ConnectCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	specs := make([]registry.ServerConfig, len(cfg.Servers))
	for i, s := range cfg.Servers {
		specs[i] = s.ToServerConfig()
	}

	results := reg.ConnectAll(ctx, specs)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%s: FAILED: %v\n", r.ServerName, r.Err)
			continue
		}
		fmt.Printf("%s: connected\n", r.ServerName)
	}
	fmt.Printf("tools discovered: %v\n", reg.Tools())

	if err := reg.DisconnectAll(ctx); err != nil {
		logger.GetLogger().Warn("connect: error during disconnect", "error", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed to connect", failed, len(specs))
	}
	return nil
}

// ServeCmd connects, wires a function.Registry, and runs one demo streaming
// loop turn against a canned stub model so the whole ask-model →
// detect-tool-calls → execute → continue path is exercised.
type ServeCmd struct {
	Prompt string `help:"User prompt to seed the demo conversation." default:"List the files in the current workspace."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	specs := make([]registry.ServerConfig, len(cfg.Servers))
	for i, s := range cfg.Servers {
		specs[i] = s.ToServerConfig()
	}
	results := reg.ConnectAll(ctx, specs)
	for _, r := range results {
		if r.Err != nil {
			logger.GetLogger().Warn("serve: server failed to connect", "server", r.ServerName, "error", r.Err)
		}
	}
	defer reg.DisconnectAll(ctx)

	perm := permission.NewManager(cfg.Supervisor.ContextWriteAccessEnabled)
	perm.AddContextPaths(cfg.Supervisor.ToSupervisorConfig().ContextPaths)
	fns := function.New(reg, perm)

	loop := backend.New(&stubModel{}, fns, backend.Config{})
	conversation := []backend.Message{
		{Role: backend.RoleUser, Content: c.Prompt},
	}

	for event := range loop.Run(ctx, conversation, fns.ChatCompletionsTools()) {
		switch event.Type {
		case backend.EventContent:
			fmt.Print(event.Content)
		case backend.EventToolCalled:
			fmt.Printf("\n[calling tool: %v]\n", event.Content)
		case backend.EventError:
			fmt.Printf("\n[error: %v]\n", event.Err)
		case backend.EventDone:
			fmt.Println()
		}
	}
	return nil
}

// stubModel answers every request with a single fixed assistant message,
// just enough to prove the loop's plumbing end to end without a real
// provider integration (out of scope, see spec's LLM-provider Non-goal).
type stubModel struct{}

func (m *stubModel) OpenStream(ctx context.Context, params backend.APIParams) (<-chan backend.Chunk, error) {
	ch := make(chan backend.Chunk, 2)
	ch <- backend.Chunk{ContentDelta: "demo stub model: no provider wired, nothing to call."}
	ch <- backend.Chunk{Done: true}
	close(ch)
	return ch, nil
}

// buildRegistry wires a fresh Registry with the teacher-style circuit
// breaker and, when the config enables it, a per-server call_tool rate
// limiter on top.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New(breaker.New(breaker.DefaultConfig()))
	if !cfg.RateLimit.Enabled {
		return reg, nil
	}
	limiter, err := ratelimit.NewRateLimiterFromConfig(&cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}
	reg.WithRateLimiter(limiter, ratelimit.ScopeFromConfig(&cfg.RateLimit))
	return reg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("massgen-mcp"),
		kong.Description("MCP integration core CLI for MassGen"),
		kong.UsageOnError(),
	)

	logger.Init(parseLogLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
