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
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/massgen/pkg/logger"
	"github.com/kadirpekel/massgen/pkg/mcp/permission"
)

// DockerManager drives per-agent container isolation by shelling out to the
// docker CLI: no example repo in this module's lineage vendors a Docker SDK,
// so wrapping the CLI with os/exec is the idiomatic choice here rather than
// adding a client dependency with no grounding in the corpus.
type DockerManager struct {
	cfg       DockerConfig
	runCmd    func(ctx context.Context, args ...string) (string, error)
	containers map[string]string // agentID -> container name
}

// NewDockerManager verifies the docker CLI is reachable and returns a
// DockerManager bound to cfg.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	if cfg.Image == "" {
		cfg.Image = "massgen/mcp-runtime:latest"
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	dm := &DockerManager{cfg: cfg, containers: make(map[string]string)}
	dm.runCmd = dm.execDocker

	if _, err := dm.runCmd(context.Background(), "version", "--format", "{{.Server.Version}}"); err != nil {
		return nil, fmt.Errorf("docker isolation requires a reachable docker daemon: %w", err)
	}
	return dm, nil
}

func (dm *DockerManager) execDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// ContainerSpec describes the mounts a container needs for one agent.
type ContainerSpec struct {
	AgentID       string
	WorkspacePath string
	TempWorkspace string // parent directory, mounted read-only
	ContextPaths  []permission.ManagedPath
}

// CreateContainer starts (or reuses) a long-running container for spec.AgentID,
// mounting the workspace read-write, the temp-workspace parent and every
// context path read-only (or read-write when the context path itself grants
// write), and applying the configured resource limits and network mode.
func (dm *DockerManager) CreateContainer(spec ContainerSpec) (string, error) {
	name := "massgen-" + spec.AgentID
	if existing, ok := dm.containers[spec.AgentID]; ok {
		return existing, nil
	}

	ctx := context.Background()
	// Remove any stale container left over from a prior run with this name.
	_, _ = dm.runCmd(ctx, "rm", "-f", name)

	args := []string{
		"run", "-d",
		"--name", name,
		"-w", "/workspace",
		"--network", dm.cfg.NetworkMode,
		"-v", spec.WorkspacePath + ":/workspace:rw",
	}
	if spec.TempWorkspace != "" {
		args = append(args, "-v", spec.TempWorkspace+":/temp_workspaces:ro")
	}
	for i, ctxPath := range spec.ContextPaths {
		mode := "ro"
		if ctxPath.Permission == permission.PermissionWrite {
			mode = "rw"
		}
		mount := fmt.Sprintf("/context/ctx_%d", i)
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", ctxPath.Path, mount, mode))
	}
	if dm.cfg.MemoryLimit != "" {
		args = append(args, "--memory", dm.cfg.MemoryLimit)
	}
	if dm.cfg.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(dm.cfg.CPULimit, 'f', -1, 64))
	}
	args = append(args, dm.cfg.Image, "tail", "-f", "/dev/null")

	if _, err := dm.runCmd(ctx, args...); err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}

	dm.containers[spec.AgentID] = name
	logger.GetLogger().Info("supervisor: docker container started", "agent_id", spec.AgentID, "container", name, "image", dm.cfg.Image)
	return name, nil
}

// Exec runs command inside the agent's container, returning combined output.
func (dm *DockerManager) Exec(ctx context.Context, agentID string, command []string) (string, error) {
	name, ok := dm.containers[agentID]
	if !ok {
		return "", fmt.Errorf("no container for agent %q", agentID)
	}
	args := append([]string{"exec", "-w", "/workspace", name}, command...)
	return dm.runCmd(ctx, args...)
}

// ContainerInfo reports a container's status for diagnostics.
type ContainerInfo struct {
	Name   string
	Status string
	Image  string
}

// Info returns the current status of the agent's container.
func (dm *DockerManager) Info(agentID string) (ContainerInfo, error) {
	name, ok := dm.containers[agentID]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("no container for agent %q", agentID)
	}
	out, err := dm.runCmd(context.Background(), "inspect", "--format", "{{.State.Status}}", name)
	if err != nil {
		return ContainerInfo{}, err
	}
	return ContainerInfo{Name: name, Status: strings.TrimSpace(out), Image: dm.cfg.Image}, nil
}

// SaveLogs writes the container's stdout/stderr to logPath.
func (dm *DockerManager) SaveLogs(agentID, logPath string) error {
	name, ok := dm.containers[agentID]
	if !ok {
		return fmt.Errorf("no container for agent %q", agentID)
	}
	out, err := dm.runCmd(context.Background(), "logs", name)
	if err != nil {
		return err
	}
	return os.WriteFile(logPath, []byte(out), 0o644)
}

// Cleanup stops and removes the agent's container.
func (dm *DockerManager) Cleanup(agentID string) error {
	name, ok := dm.containers[agentID]
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := dm.runCmd(ctx, "stop", name); err != nil {
		logger.GetLogger().Warn("supervisor: failed to stop container", "container", name, "error", err)
	}
	if _, err := dm.runCmd(ctx, "rm", "-f", name); err != nil {
		logger.GetLogger().Warn("supervisor: failed to remove container", "container", name, "error", err)
	}
	delete(dm.containers, agentID)
	return nil
}

// ensureEarlyContainer creates this agent's container before its agent_id is
// fully wired into orchestration paths, so MCP servers can be launched to
// run inside it. Called only when Docker.RunMCPInside is set.
func (s *Supervisor) ensureEarlyContainer() error {
	if s.docker == nil || s.containerID != "" {
		return nil
	}
	name := s.agentID
	if name == "" {
		name = "early"
	}
	id, err := s.docker.CreateContainer(ContainerSpec{
		AgentID:       name,
		WorkspacePath: s.cwd,
		TempWorkspace: s.tempWorkspaceParent,
		ContextPaths:  s.perm.ContextPaths(),
	})
	if err != nil {
		return err
	}
	s.containerID = id
	s.earlyContainerName = id
	return nil
}
