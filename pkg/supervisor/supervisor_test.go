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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateWorkspacePath_RefusesRoot(t *testing.T) {
	if err := validateWorkspacePath("/"); err == nil {
		t.Fatal("expected error for root path")
	}
}

func TestValidateWorkspacePath_RefusesShallowPath(t *testing.T) {
	if err := validateWorkspacePath("/tmp"); err == nil {
		t.Fatal("expected error for a one-component path")
	}
	if err := validateWorkspacePath("/tmp/a"); err == nil {
		t.Fatal("expected error for a two-component path")
	}
}

func TestValidateWorkspacePath_AllowsThreeComponents(t *testing.T) {
	if err := validateWorkspacePath("/tmp/a/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_ClearsAndCreatesWorkspace(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "agent", "workspace")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(ws, "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.CurrentWorkspace() != ws {
		t.Fatalf("workspace = %q, want %q", s.CurrentWorkspace(), ws)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale.txt to be cleared, stat err = %v", err)
	}
}

func TestServerSpecs_PathUnionAndExcludes(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "a", "b", "workspace")
	s, err := New(Config{
		Workspace:             ws,
		FilesystemCommand:     []string{"fs-server"},
		WorkspaceToolsCommand: []string{"wt-server"},
		EnableCommandLine:     true,
		CommandLineCommand:    []string{"cl-server"},
	})
	if err != nil {
		t.Fatal(err)
	}

	specs := s.ServerSpecs()
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}

	fs := specs[0]
	if fs.Name != "filesystem" {
		t.Fatalf("specs[0].Name = %q, want filesystem", fs.Name)
	}
	if len(fs.ExcludeTools) != 1 || fs.ExcludeTools[0] != "read_media_file" {
		t.Fatalf("filesystem ExcludeTools = %v", fs.ExcludeTools)
	}
	if !containsArg(fs.Spec.Command, ws) {
		t.Fatalf("filesystem command %v does not include workspace path %s", fs.Spec.Command, ws)
	}

	wt := specs[1]
	if len(wt.ExcludeTools) == 0 {
		t.Fatal("expected workspace_tools to exclude image-gen tools when EnableImageGeneration is false")
	}

	cl := specs[2]
	if cl.Name != "command_line" {
		t.Fatalf("specs[2].Name = %q, want command_line", cl.Name)
	}
}

func TestServerSpecs_ImageGenerationEnabledKeepsTools(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "a", "b", "workspace")
	s, err := New(Config{Workspace: ws, EnableImageGeneration: true})
	if err != nil {
		t.Fatal(err)
	}
	wt := s.ServerSpecs()[1]
	if len(wt.ExcludeTools) != 0 {
		t.Fatalf("expected no excluded tools, got %v", wt.ExcludeTools)
	}
}

func TestServerSpecs_DockerWrapsCommands(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "a", "b", "workspace")

	calls := 0
	dm := &DockerManager{
		cfg:        DockerConfig{Image: "img", NetworkMode: "none"},
		containers: make(map[string]string),
		runCmd: func(ctx context.Context, args ...string) (string, error) {
			calls++
			return "", nil
		},
	}

	s, err := New(Config{
		Workspace:         ws,
		FilesystemCommand: []string{"fs-server"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Docker.Enabled is left false in Config so New never shells out to a real
	// daemon; the fake manager and matching cfg flag are wired in directly.
	s.docker = dm
	s.cfg.Docker.RunMCPInside = true

	specs := s.ServerSpecs()
	fs := specs[0]
	if fs.Spec.Command[0] != "docker" || fs.Spec.Command[1] != "exec" {
		t.Fatalf("expected docker-wrapped command, got %v", fs.Spec.Command)
	}
	if !containsArg(fs.Spec.Command, "fs-server") {
		t.Fatalf("wrapped command lost original command: %v", fs.Spec.Command)
	}
	if calls == 0 {
		t.Fatal("expected the early container to be created via runCmd")
	}
}

func TestDockerManager_CreateContainer_BuildsExpectedArgs(t *testing.T) {
	var seen []string
	dm := &DockerManager{
		cfg:        DockerConfig{Image: "massgen/mcp-runtime:latest", NetworkMode: "none", MemoryLimit: "1g", CPULimit: 1.5},
		containers: make(map[string]string),
		runCmd: func(ctx context.Context, args ...string) (string, error) {
			seen = args
			return "", nil
		},
	}

	name, err := dm.CreateContainer(ContainerSpec{AgentID: "agent1", WorkspacePath: "/ws", TempWorkspace: "/tmpws"})
	if err != nil {
		t.Fatal(err)
	}
	if name != "massgen-agent1" {
		t.Fatalf("name = %q", name)
	}
	joined := strings.Join(seen, " ")
	for _, want := range []string{"run", "-d", "--name", "massgen-agent1", "--network", "none", "/ws:/workspace:rw", "/tmpws:/temp_workspaces:ro", "--memory", "1g", "--cpus", "1.5"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("docker run args %q missing %q", joined, want)
		}
	}
}

func TestDockerManager_CreateContainer_ReusesExisting(t *testing.T) {
	calls := 0
	dm := &DockerManager{
		cfg:        DockerConfig{Image: "img", NetworkMode: "none"},
		containers: map[string]string{"agent1": "massgen-agent1"},
		runCmd: func(ctx context.Context, args ...string) (string, error) {
			calls++
			return "", nil
		},
	}
	name, err := dm.CreateContainer(ContainerSpec{AgentID: "agent1", WorkspacePath: "/ws"})
	if err != nil {
		t.Fatal(err)
	}
	if name != "massgen-agent1" {
		t.Fatalf("name = %q", name)
	}
	if calls != 0 {
		t.Fatalf("expected no docker invocation when reusing a tracked container, got %d calls", calls)
	}
}

func TestSnapshotAndRestore_RoundTrip(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "a", "b", "workspace")
	tempParent := filepath.Join(base, "a", "b", "temp")

	s, err := New(Config{Workspace: ws, TempWorkspaceParent: tempParent})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	storageRoot := filepath.Join(base, "snapshots")
	if err := s.SetupOrchestrationPaths("agent1", storageRoot); err != nil {
		t.Fatal(err)
	}

	snapPath, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snapPath == "" {
		t.Fatal("expected non-empty snapshot path")
	}

	if err := s.RestoreSnapshot(snapPath, "peer1"); err != nil {
		t.Fatal(err)
	}
	restored := filepath.Join(s.tempWorkspace, "peer1", "note.txt")
	data, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("restored content = %q", data)
	}
}

func TestCleanup_RefusesTempWorkspaceOutsideParent(t *testing.T) {
	base := t.TempDir()
	ws := filepath.Join(base, "a", "b", "workspace")
	s, err := New(Config{Workspace: ws})
	if err != nil {
		t.Fatal(err)
	}
	s.tempWorkspaceParent = filepath.Join(base, "a", "b", "temp")
	s.tempWorkspace = filepath.Join(base, "elsewhere", "c", "d")

	if err := s.Cleanup(); err == nil {
		t.Fatal("expected Cleanup to refuse a temp workspace outside its parent")
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
