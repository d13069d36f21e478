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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/massgen/pkg/logger"
)

// Snapshot copies the current workspace contents into this agent's slot
// under snapshot_storage (only the most recent snapshot is kept), returning
// the snapshot's path. An empty or missing workspace is a no-op that
// returns ("", nil).
func (s *Supervisor) Snapshot() (string, error) {
	if s.snapshotStorage == "" {
		return "", fmt.Errorf("supervisor: snapshot storage not configured; call SetupOrchestrationPaths first")
	}

	empty, err := dirIsEmpty(s.originalCWD)
	if err != nil {
		return "", err
	}
	if empty {
		logger.GetLogger().Warn("supervisor: workspace empty, skipping snapshot", "workspace", s.originalCWD)
		return "", nil
	}

	if err := os.RemoveAll(s.snapshotStorage); err != nil {
		return "", fmt.Errorf("supervisor: clearing old snapshot: %w", err)
	}
	if err := os.MkdirAll(s.snapshotStorage, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: creating snapshot dir: %w", err)
	}
	if err := copyTree(s.originalCWD, s.snapshotStorage); err != nil {
		return "", fmt.Errorf("supervisor: copying snapshot: %w", err)
	}

	logger.GetLogger().Info("supervisor: snapshot saved", "agent_id", s.agentID, "path", s.snapshotStorage)
	return s.snapshotStorage, nil
}

// RestoreSnapshot copies another agent's snapshot directory into this
// agent's temp workspace, under a subdirectory named anonID, for context
// sharing between agents. The temp workspace itself is not cleared by this
// call; use CopySnapshotsToTempWorkspace to restore several snapshots at
// once starting from an empty temp workspace.
func (s *Supervisor) RestoreSnapshot(snapshotPath, anonID string) error {
	if s.tempWorkspace == "" {
		return fmt.Errorf("supervisor: no temp workspace configured for this agent")
	}
	empty, err := dirIsEmpty(snapshotPath)
	if err != nil || empty {
		return err
	}
	dest := filepath.Join(s.tempWorkspace, anonID)
	return copyTree(snapshotPath, dest)
}

// CopySnapshotsToTempWorkspace clears this agent's temp workspace and
// restores every entry of snapshots (agentID -> snapshot path) into it under
// its anonymized id from agentMapping, returning the temp workspace path.
func (s *Supervisor) CopySnapshotsToTempWorkspace(snapshots map[string]string, agentMapping map[string]string) (string, error) {
	if s.tempWorkspace == "" {
		return "", nil
	}
	if err := os.RemoveAll(s.tempWorkspace); err != nil {
		return "", fmt.Errorf("supervisor: clearing temp workspace: %w", err)
	}
	if err := os.MkdirAll(s.tempWorkspace, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: creating temp workspace: %w", err)
	}

	for agentID, snapshotPath := range snapshots {
		anonID := agentID
		if mapped, ok := agentMapping[agentID]; ok {
			anonID = mapped
		}
		if err := s.RestoreSnapshot(snapshotPath, anonID); err != nil {
			return "", fmt.Errorf("supervisor: restoring snapshot for %s: %w", agentID, err)
		}
	}
	return s.tempWorkspace, nil
}

// Cleanup removes this agent's temp workspace and Docker container (never
// the main workspace, which is left in place for logging/debugging).
func (s *Supervisor) Cleanup() error {
	if s.docker != nil && s.agentID != "" {
		if err := s.docker.Cleanup(s.agentID); err != nil {
			logger.GetLogger().Warn("supervisor: docker cleanup failed", "agent_id", s.agentID, "error", err)
		}
	}
	if s.watcher != nil {
		s.watcher.Close()
	}

	if s.tempWorkspace == "" {
		return nil
	}
	abs, err := filepath.Abs(s.tempWorkspace)
	if err != nil {
		return err
	}
	if err := validateWorkspacePath(abs); err != nil {
		return fmt.Errorf("supervisor: refusing to clean up unsafe temp workspace: %w", err)
	}
	if s.tempWorkspaceParent != "" {
		rel, err := filepath.Rel(s.tempWorkspaceParent, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("supervisor: refusing to delete temp workspace outside its parent: %s", abs)
		}
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(abs)
}

func dirIsEmpty(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("supervisor: %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// copyTree copies every entry of src into dst (both must already exist, or
// dst is created), skipping symlinks.
func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		info, err := os.Lstat(srcPath)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			logger.GetLogger().Warn("supervisor: skipping symlink during copy", "path", srcPath)
			continue
		}
		if info.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
