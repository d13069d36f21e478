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

package supervisor

import (
	"github.com/kadirpekel/massgen/pkg/logger"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
)

// ServerSpecs builds the up-to-three auto-injected MCP servers for this
// agent: filesystem, workspace_tools, and (if enabled) command_line. Every
// server receives the same allowed-path list: the union of the managed
// paths (workspace first, then temp-workspace, then context roots),
// excluding file-context-parent directories, which carry no permission of
// their own. Under Docker isolation with MCP servers running inside the
// container, every generated spec is rewritten to a docker exec wrapper.
func (s *Supervisor) ServerSpecs() []registry.ServerConfig {
	paths := s.perm.GetMCPFilesystemPaths()
	runInsideDocker := s.docker != nil && s.cfg.Docker.RunMCPInside
	if runInsideDocker {
		paths = []string{"/workspace"}
		if err := s.ensureEarlyContainer(); err != nil {
			logger.GetLogger().Error("supervisor: failed to create early docker container for MCP servers", "error", err)
		}
	}

	specs := []registry.ServerConfig{
		s.filesystemSpec(paths),
		s.workspaceToolsSpec(paths),
	}
	if s.cfg.EnableCommandLine {
		specs = append(specs, s.commandLineSpec(paths))
	}

	if runInsideDocker {
		for i := range specs {
			specs[i].Spec = s.wrapWithDocker(specs[i].Spec)
		}
	}
	return specs
}

func (s *Supervisor) filesystemSpec(paths []string) registry.ServerConfig {
	command := append([]string{}, s.cfg.FilesystemCommand...)
	if len(command) == 0 {
		command = []string{"npx", "-y", "@modelcontextprotocol/server-filesystem"}
	}
	command = append(command, paths...)
	return registry.ServerConfig{
		Name:         "filesystem",
		Spec:         transport.Spec{Name: "filesystem", Kind: transport.KindStdio, Command: command},
		ExcludeTools: []string{"read_media_file"},
	}
}

func (s *Supervisor) workspaceToolsSpec(paths []string) registry.ServerConfig {
	command := append([]string{}, s.cfg.WorkspaceToolsCommand...)
	if len(command) == 0 {
		command = []string{"workspace-tools-server"}
	}
	command = append(append(command, "--allowed-paths"), paths...)
	cfg := registry.ServerConfig{
		Name: "workspace_tools",
		Spec: transport.Spec{Name: "workspace_tools", Kind: transport.KindStdio, Command: command},
	}
	if !s.cfg.EnableImageGeneration {
		cfg.ExcludeTools = []string{
			"generate_and_store_image_with_input_images",
			"generate_and_store_image_no_input_images",
		}
	}
	return cfg
}

func (s *Supervisor) commandLineSpec(paths []string) registry.ServerConfig {
	command := append([]string{}, s.cfg.CommandLineCommand...)
	if len(command) == 0 {
		command = []string{"command-line-server"}
	}
	command = append(append(command, "--allowed-paths"), paths...)
	if len(s.cfg.CommandLineAllowedCommands) > 0 {
		command = append(command, "--allowed-commands")
		command = append(command, s.cfg.CommandLineAllowedCommands...)
	}
	if len(s.cfg.CommandLineBlockedCommands) > 0 {
		command = append(command, "--blocked-commands")
		command = append(command, s.cfg.CommandLineBlockedCommands...)
	}
	if s.cfg.CommandExecutionPrefix != "" {
		command = append(command, "--command-prefix", s.cfg.CommandExecutionPrefix)
	}
	if s.cfg.CommandExecutionVenvPath != "" {
		command = append(command, "--venv-path", s.cfg.CommandExecutionVenvPath)
	}
	return registry.ServerConfig{
		Name: "command_line",
		Spec: transport.Spec{Name: "command_line", Kind: transport.KindStdio, Command: command},
	}
}

// wrapWithDocker rewrites a stdio spec to run inside this agent's container
// via `docker exec -i -w /workspace <container> <original command>`.
func (s *Supervisor) wrapWithDocker(spec transport.Spec) transport.Spec {
	container := s.dockerContainerName()
	wrapped := append([]string{"docker", "exec", "-i", "-w", "/workspace", container}, spec.Command...)
	spec.Command = wrapped
	return spec
}

func (s *Supervisor) dockerContainerName() string {
	if s.earlyContainerName != "" {
		return s.earlyContainerName
	}
	return "massgen-" + s.agentID
}
