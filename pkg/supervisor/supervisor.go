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

// Package supervisor maintains each agent's filesystem workspace and the
// auto-injected MCP servers that expose it: a writable workspace cleared at
// the start of every turn, a read-only temp-workspace used to share other
// agents' snapshots, and up to three generated stdio MCP server specs
// (filesystem, workspace_tools, command_line) whose allowed paths are
// exactly the union of the managed paths. Optional Docker isolation runs
// those servers, or just the commands they execute, inside a per-agent
// container.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/massgen/pkg/logger"
	"github.com/kadirpekel/massgen/pkg/mcp/permission"
)

// Config configures a Supervisor for one agent.
type Config struct {
	Workspace                 string
	TempWorkspaceParent        string // parent directory holding every agent's temp workspace
	ContextPaths               []permission.ContextPathConfig
	ContextWriteAccessEnabled  bool

	EnableImageGeneration bool

	EnableCommandLine          bool
	CommandLineAllowedCommands []string
	CommandLineBlockedCommands []string
	CommandExecutionPrefix     string
	CommandExecutionVenvPath   string

	Docker DockerConfig

	// FilesystemCommand, WorkspaceToolsCommand and CommandLineCommand
	// override the launcher of the corresponding auto-injected server; the
	// allowed-path arguments (and command_line's other flags) are still
	// appended after it. nil uses the package defaults (real binaries in
	// production, the bundled cmd/ server in this module's own deployment).
	FilesystemCommand    []string
	WorkspaceToolsCommand []string
	CommandLineCommand    []string
}

// DockerConfig configures optional per-agent container isolation.
type DockerConfig struct {
	Enabled      bool
	RunMCPInside bool // true: MCP servers run inside the container; false: only commands do
	Image        string
	NetworkMode  string // default "none"
	MemoryLimit  string // e.g. "2g"
	CPULimit     float64
}

// Supervisor owns one agent's workspace lifecycle and MCP server wiring.
type Supervisor struct {
	agentID string

	cwd         string
	originalCWD string
	usingTemp   bool

	tempWorkspaceParent string
	tempWorkspace       string
	snapshotStorage     string

	perm *permission.Manager

	cfg    Config
	docker *DockerManager

	containerID          string
	earlyContainerName   string
	watcher              *workspaceWatcher
}

// New builds a Supervisor, creating and clearing cfg.Workspace, and clearing
// the shared temp-workspace-parent directory once per process.
func New(cfg Config) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, perm: permission.NewManager(cfg.ContextWriteAccessEnabled)}

	if cfg.TempWorkspaceParent != "" {
		abs, err := filepath.Abs(cfg.TempWorkspaceParent)
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolving temp workspace parent: %w", err)
		}
		s.tempWorkspaceParent = abs
		if err := clearDirectory(abs); err != nil {
			logger.GetLogger().Warn("supervisor: failed to clear temp workspace parent", "path", abs, "error", err)
		}
	}

	cwd, err := setupWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	s.cwd = cwd
	s.originalCWD = cwd

	s.perm.AddPath(cwd, permission.PermissionWrite, permission.PathTypeWorkspace)
	if s.tempWorkspaceParent != "" {
		s.perm.AddPath(s.tempWorkspaceParent, permission.PermissionRead, permission.PathTypeTempWorkspace)
	}
	if len(cfg.ContextPaths) > 0 {
		s.perm.AddContextPaths(cfg.ContextPaths)
	}

	if cfg.Docker.Enabled {
		dm, err := NewDockerManager(cfg.Docker)
		if err != nil {
			return nil, fmt.Errorf("supervisor: docker isolation requested: %w", err)
		}
		s.docker = dm
	}

	return s, nil
}

// setupWorkspace resolves path to an absolute directory, refusing anything
// shorter than three path components or equal to "/", creates it if
// missing, and clears any existing contents (symlinks are skipped, never
// followed).
func setupWorkspace(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("supervisor: resolving workspace path: %w", err)
	}
	if err := validateWorkspacePath(abs); err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: creating workspace %s: %w", abs, err)
	}
	if err := clearDirectory(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func validateWorkspacePath(abs string) error {
	if abs == string(filepath.Separator) {
		return fmt.Errorf("supervisor: refusing to operate on %q", abs)
	}
	parts := strings.Split(filepath.ToSlash(abs), "/")
	n := 0
	for _, p := range parts {
		if p != "" {
			n++
		}
	}
	if n < 3 {
		return fmt.Errorf("supervisor: refusing unsafe workspace path (fewer than three components): %s", abs)
	}
	return nil
}

// clearDirectory removes every entry directly under dir without following
// symlinks, leaving dir itself in place. A missing dir is not an error.
func clearDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("supervisor: reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			logger.GetLogger().Warn("supervisor: skipping symlink during clear", "path", full)
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("supervisor: clearing %s: %w", full, err)
		}
	}
	return nil
}

// SetupOrchestrationPaths configures the per-agent snapshot and temp
// workspace directories once the orchestrator knows this agent's id, and
// starts the agent's Docker container if isolation is enabled and MCP
// servers are not already running inside an early container.
func (s *Supervisor) SetupOrchestrationPaths(agentID, snapshotStorageRoot string) error {
	s.agentID = agentID

	if snapshotStorageRoot != "" {
		dir := filepath.Join(snapshotStorageRoot, agentID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("supervisor: creating snapshot storage: %w", err)
		}
		s.snapshotStorage = dir
	}

	if s.tempWorkspaceParent != "" {
		tw, err := setupWorkspace(filepath.Join(s.tempWorkspaceParent, agentID))
		if err != nil {
			return err
		}
		s.tempWorkspace = tw
	}

	if s.docker != nil {
		if s.containerID != "" {
			logger.GetLogger().Info("supervisor: reusing early docker container", "agent_id", agentID, "container", s.containerID)
		} else {
			id, err := s.docker.CreateContainer(ContainerSpec{
				AgentID:       agentID,
				WorkspacePath: s.cwd,
				TempWorkspace: s.tempWorkspaceParent,
				ContextPaths:  s.perm.ContextPaths(),
			})
			if err != nil {
				return fmt.Errorf("supervisor: starting docker container: %w", err)
			}
			s.containerID = id
		}
	}

	return nil
}

// PermissionManager returns the Manager backing every path decision this
// Supervisor makes, for wiring into a function.Registry's pre-call hook.
func (s *Supervisor) PermissionManager() *permission.Manager { return s.perm }

// CurrentWorkspace returns the active workspace (main, or temp if
// SetTemporaryWorkspace(true) was last called).
func (s *Supervisor) CurrentWorkspace() string { return s.cwd }

// SetTemporaryWorkspace switches the active workspace between the main one
// and this agent's temp workspace (used while restoring other agents'
// context for this turn).
func (s *Supervisor) SetTemporaryWorkspace(useTemp bool) {
	s.usingTemp = useTemp
	if useTemp && s.tempWorkspace != "" {
		s.cwd = s.tempWorkspace
	} else {
		s.cwd = s.originalCWD
	}
}

// ClearWorkspace clears the main workspace's contents, called at the start
// of a turn so the agent starts from an empty directory.
func (s *Supervisor) ClearWorkspace() error {
	return clearDirectory(s.originalCWD)
}
