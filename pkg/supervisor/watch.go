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
	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/massgen/pkg/logger"
)

// workspaceWatcher logs external mutation of the agent workspace during a
// turn: purely diagnostic, the streaming loop never reads from it. Useful
// for spotting a misbehaving tool (or a human) editing files out from under
// an in-flight agent.
type workspaceWatcher struct {
	w *fsnotify.Watcher
}

// WatchWorkspace starts logging filesystem events under the current
// workspace. Call Cleanup (or StopWatching) to release the watcher; a
// Supervisor watches at most one workspace at a time.
func (s *Supervisor) WatchWorkspace() error {
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.cwd); err != nil {
		w.Close()
		return err
	}

	ww := &workspaceWatcher{w: w}
	s.watcher = ww

	go ww.run(s.agentID)
	return nil
}

func (ww *workspaceWatcher) run(agentID string) {
	for {
		select {
		case event, ok := <-ww.w.Events:
			if !ok {
				return
			}
			logger.GetLogger().Debug("supervisor: workspace mutated", "agent_id", agentID, "path", event.Name, "op", event.Op.String())
		case err, ok := <-ww.w.Errors:
			if !ok {
				return
			}
			logger.GetLogger().Warn("supervisor: workspace watch error", "agent_id", agentID, "error", err)
		}
	}
}

// StopWatching releases the workspace watcher, if one is running.
func (s *Supervisor) StopWatching() {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func (ww *workspaceWatcher) Close() {
	_ = ww.w.Close()
}
