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

// Command command-line-server is the auto-injected command_line MCP server:
// a stdio MCP server exposing a single execute_command tool that runs shell
// commands under path, sanitization, and allow/blocklist policy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/massgen/pkg/commandline"
)

func main() {
	var allowedPaths, allowedCommands, blockedCommands stringSliceFlag
	flag.Var(&allowedPaths, "allowed-paths", "allowed working directory (repeatable)")
	flag.Var(&allowedCommands, "allowed-commands", "allowed command regex pattern (repeatable)")
	flag.Var(&blockedCommands, "blocked-commands", "blocked command regex pattern (repeatable)")
	commandPrefix := flag.String("command-prefix", "", "prefix prepended to every executed command")
	venvPath := flag.String("venv-path", "", "virtualenv directory to activate for every command")
	timeout := flag.Duration("timeout", 60*time.Second, "default per-command timeout")
	maxOutputSize := flag.Int("max-output-size", 1024*1024, "stdout/stderr truncation bound in bytes")
	flag.Parse()

	opts := []commandline.Option{
		commandline.WithTimeout(*timeout),
		commandline.WithMaxOutputSize(*maxOutputSize),
	}
	if len(allowedCommands.values) > 0 {
		opts = append(opts, commandline.WithAllowedCommands(allowedCommands.values))
	}
	if len(blockedCommands.values) > 0 {
		opts = append(opts, commandline.WithBlockedCommands(blockedCommands.values))
	}
	if *commandPrefix != "" {
		opts = append(opts, commandline.WithCommandPrefix(*commandPrefix))
	}
	if *venvPath != "" {
		opts = append(opts, commandline.WithVenvPath(*venvPath))
	}

	toolset := commandline.New(allowedPaths.values, opts...)
	s := server.NewMCPServer("command_line", "1.0.0", server.WithToolCapabilities(true))
	registerTools(s, toolset)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "command-line-server: %v\n", err)
		os.Exit(1)
	}
}

type stringSliceFlag struct{ values []string }

func (s *stringSliceFlag) String() string { return fmt.Sprint(s.values) }
func (s *stringSliceFlag) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

func registerTools(s *server.MCPServer, t *commandline.Toolset) {
	s.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Execute a shell command within an allowed working directory"),
		mcp.WithString("command", mcp.Required(), mcp.Description("shell command to run")),
		mcp.WithString("work_dir", mcp.Description("working directory, defaults to the server's own cwd")),
		mcp.WithNumber("timeout", mcp.Description("per-call timeout in seconds, overrides the server default")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		command, _ := args["command"].(string)
		workDir, _ := args["work_dir"].(string)
		var timeout time.Duration
		if v, ok := args["timeout"].(float64); ok {
			timeout = time.Duration(v * float64(time.Second))
		}

		res, err := t.ExecuteCommand(ctx, command, workDir, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})
}
