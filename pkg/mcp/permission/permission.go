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

// Package permission resolves read/write access for filesystem tool calls
// over a set of managed paths (agent workspaces, shared context directories,
// previous-turn snapshots), and exposes a pre-call hook that the function
// registry invokes before dispatching a tool to an MCP server.
package permission

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Permission is the access level granted for a managed path.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// PathType classifies why a path is managed, mirroring the priority rules
// Manager.Resolve applies between them.
type PathType string

const (
	PathTypeWorkspace        PathType = "workspace"
	PathTypeTempWorkspace    PathType = "temp_workspace"
	PathTypeContext          PathType = "context"
	PathTypePreviousTurn     PathType = "previous_turn"
	PathTypeFileContextParent PathType = "file_context_parent"
)

// ManagedPath is one path under permission control.
type ManagedPath struct {
	Path            string
	Permission      Permission
	PathType        PathType
	WillBeWritable  bool
	IsFile          bool
	ProtectedPaths  []string
}

func (mp ManagedPath) contains(check string) bool {
	if mp.IsFile {
		return filepath.Clean(check) == filepath.Clean(mp.Path)
	}
	rel, err := filepath.Rel(filepath.Clean(mp.Path), filepath.Clean(check))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (mp ManagedPath) isProtected(check string) bool {
	clean := filepath.Clean(check)
	for _, protected := range mp.ProtectedPaths {
		p := filepath.Clean(protected)
		if clean == p {
			return true
		}
		if rel, err := filepath.Rel(p, clean); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

var defaultExcludedPatterns = []string{
	".massgen", ".env", ".git", "node_modules", "__pycache__",
	".venv", "venv", ".pytest_cache", ".mypy_cache", ".ruff_cache",
	".DS_Store", "massgen_logs",
}

// Manager is the PathPermissionManager: it tracks every managed path for an
// agent and resolves the effective permission for an arbitrary filesystem
// access, then applies that resolution as a pre-tool-use hook.
type Manager struct {
	mu                       sync.RWMutex
	paths                    []ManagedPath
	contextWriteAccessEnabled bool
	cache                    map[string]Permission
	workspaceRoot            string
}

// NewManager constructs an empty Manager. contextWriteAccessEnabled controls
// whether context paths marked "write" in configuration are actually granted
// write access (workspace paths are always writable regardless).
func NewManager(contextWriteAccessEnabled bool) *Manager {
	return &Manager{
		contextWriteAccessEnabled: contextWriteAccessEnabled,
		cache:                     make(map[string]Permission),
	}
}

// AddPath registers a managed path directly (used for workspace and
// temp-workspace paths, which are always granted their nominal permission
// regardless of the context-write-access setting).
func (m *Manager) AddPath(path string, perm Permission, pathType PathType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, _ := filepath.Abs(path)
	m.paths = append(m.paths, ManagedPath{Path: abs, Permission: perm, PathType: pathType})
	if pathType == PathTypeWorkspace && m.workspaceRoot == "" {
		m.workspaceRoot = abs
	}
	m.cache = make(map[string]Permission)
}

// ContextPathConfig is one entry of configured context-path access.
type ContextPathConfig struct {
	Path           string
	Permission     Permission
	IsFile         bool
	ProtectedPaths []string
}

// SetContextWriteAccessEnabled toggles whether write-eligible context paths
// are actually writable, recomputing already-registered context paths.
func (m *Manager) SetContextWriteAccessEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.contextWriteAccessEnabled == enabled {
		return
	}
	m.contextWriteAccessEnabled = enabled

	for i := range m.paths {
		mp := &m.paths[i]
		if mp.PathType == PathTypeContext && mp.WillBeWritable {
			if enabled {
				mp.Permission = PermissionWrite
			} else {
				mp.Permission = PermissionRead
			}
		}
	}
	m.cache = make(map[string]Permission)
}

// AddContextPaths registers context paths (files or directories) with their
// configured permission. A file context path also implicitly registers its
// parent directory as a file_context_parent path so an MCP filesystem server
// can be pointed at a directory while sibling files stay inaccessible.
func (m *Manager) AddContextPaths(configs []ContextPathConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range configs {
		if cfg.Path == "" {
			continue
		}
		abs, _ := filepath.Abs(cfg.Path)

		if cfg.IsFile {
			parentDir := filepath.Dir(abs)
			exists := false
			for _, mp := range m.paths {
				if mp.Path == parentDir && mp.PathType == PathTypeFileContextParent {
					exists = true
					break
				}
			}
			if !exists {
				m.paths = append(m.paths, ManagedPath{Path: parentDir, Permission: PermissionRead, PathType: PathTypeFileContextParent})
			}
		}

		willBeWritable := cfg.Permission == PermissionWrite
		actual := cfg.Permission
		if m.contextWriteAccessEnabled && willBeWritable {
			actual = PermissionWrite
		} else if willBeWritable {
			actual = PermissionRead
		}

		protected := make([]string, 0, len(cfg.ProtectedPaths))
		for _, p := range cfg.ProtectedPaths {
			if filepath.IsAbs(p) {
				protected = append(protected, p)
				continue
			}
			if cfg.IsFile {
				protected = append(protected, filepath.Join(filepath.Dir(abs), p))
			} else {
				protected = append(protected, filepath.Join(abs, p))
			}
		}

		m.paths = append(m.paths, ManagedPath{
			Path: abs, Permission: actual, PathType: PathTypeContext,
			WillBeWritable: willBeWritable, IsFile: cfg.IsFile, ProtectedPaths: protected,
		})
	}
	m.cache = make(map[string]Permission)
}

// AddPreviousTurnPaths registers prior-turn workspace snapshots as read-only.
func (m *Manager) AddPreviousTurnPaths(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, _ := filepath.Abs(p)
		m.paths = append(m.paths, ManagedPath{Path: abs, Permission: PermissionRead, PathType: PathTypePreviousTurn})
	}
	m.cache = make(map[string]Permission)
}

func isExcluded(path string, workspacePaths []ManagedPath) bool {
	for _, mp := range workspacePaths {
		if mp.PathType == PathTypeWorkspace && mp.contains(path) {
			return false
		}
	}
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, part := range parts {
		for _, excluded := range defaultExcludedPatterns {
			if part == excluded {
				return true
			}
		}
	}
	return false
}

// Resolve returns the effective permission for path, or ("", false) if the
// path is not covered by any managed path. Resolution order: excluded
// system paths (outside any workspace) and protected paths always win as
// read-only; then
// file-specific managed paths (exact match); then directory managed paths,
// deepest first; file_context_parent entries never grant access directly.
func (m *Manager) Resolve(path string) (Permission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, _ := filepath.Abs(path)

	if cached, ok := m.cache[abs]; ok {
		return cached, true
	}

	if isExcluded(abs, m.paths) {
		m.cache[abs] = PermissionRead
		return PermissionRead, true
	}

	for _, mp := range m.paths {
		if mp.contains(abs) && mp.isProtected(abs) {
			m.cache[abs] = PermissionRead
			return PermissionRead, true
		}
	}

	var filePaths, dirPaths []ManagedPath
	for _, mp := range m.paths {
		if mp.IsFile {
			filePaths = append(filePaths, mp)
		} else if mp.PathType != PathTypeFileContextParent {
			dirPaths = append(dirPaths, mp)
		}
	}

	for _, mp := range filePaths {
		if mp.contains(abs) {
			m.cache[abs] = mp.Permission
			return mp.Permission, true
		}
	}

	sort.SliceStable(dirPaths, func(i, j int) bool {
		return len(strings.Split(dirPaths[i].Path, string(filepath.Separator))) >
			len(strings.Split(dirPaths[j].Path, string(filepath.Separator)))
	})
	for _, mp := range dirPaths {
		if mp.contains(abs) || mp.Path == abs {
			m.cache[abs] = mp.Permission
			return mp.Permission, true
		}
	}

	return "", false
}

// GetMCPFilesystemPaths returns every managed directory, workspace path
// first, suitable for passing as allowed-roots arguments to a filesystem
// MCP server. File-specific paths are excluded; use the file's
// file_context_parent entry instead.
func (m *Manager) GetMCPFilesystemPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var workspace, other []string
	for _, mp := range m.paths {
		if mp.IsFile {
			continue
		}
		if mp.PathType == PathTypeWorkspace {
			workspace = append(workspace, mp.Path)
		} else {
			other = append(other, mp.Path)
		}
	}
	return append(workspace, other...)
}

// ContextPaths returns every registered context path (not file-context-parent
// entries, which carry no permission of their own), suitable for deriving
// Docker volume mounts: read permission maps to a read-only mount, write to
// a read-write one.
func (m *Manager) ContextPaths() []ManagedPath {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ManagedPath
	for _, mp := range m.paths {
		if mp.PathType == PathTypeContext {
			out = append(out, mp)
		}
	}
	return out
}

var writeToolPattern = regexp.MustCompile(`(?i)write|edit|create|move|delete|remove|copy`)

func isWriteTool(toolName string) bool {
	return writeToolPattern.MatchString(toolName)
}

var commandTools = map[string]bool{"bash": true, "shell": true, "exec": true}

var dangerousCommandPatterns = []string{
	"rm ", "rm -", "rmdir", "del ", "sudo ", "su ", "chmod ", "chown ", "format ", "fdisk", "mkfs",
}

var commandWritePatterns = []string{">", ">>", "mv ", "move ", "cp ", "copy ", "touch ", "mkdir ", "echo ", "sed -i", "perl -i"}

var pathArgKeys = []string{
	"file_path", "path", "filename", "file", "notebook_path",
	"target", "destination", "destination_path", "destination_base_path",
}

func extractFilePath(args map[string]any) (string, bool) {
	for _, key := range pathArgKeys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// resolveAgainstWorkspace mirrors how an MCP server running with cwd set to
// the workspace resolves a relative argument path.
func (m *Manager) resolveAgainstWorkspace(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if roots := m.GetMCPFilesystemPaths(); len(roots) > 0 {
		return filepath.Join(roots[0], path)
	}
	return path
}

// Decision is the result of PreToolUseHook.
type Decision struct {
	Allowed bool
	Reason  string
}

// PreToolUseHook validates a tool call against managed-path permissions
// before it is dispatched to an MCP server, mirroring a Claude-Code-style
// PreToolUse hook.
func (m *Manager) PreToolUseHook(toolName string, args map[string]any) Decision {
	if isWriteTool(toolName) {
		return m.validateWriteTool(toolName, args)
	}
	if commandTools[strings.ToLower(toolName)] {
		return m.validateCommandTool(args)
	}
	return m.validateFileContextAccess(args)
}

func (m *Manager) validateFileContextAccess(args map[string]any) Decision {
	raw, ok := extractFilePath(args)
	if !ok {
		return Decision{Allowed: true}
	}
	path := m.resolveAgainstWorkspace(raw)

	if _, ok := m.Resolve(path); !ok {
		if m.pathInFileContextParent(path) {
			return Decision{Allowed: false, Reason: "access denied: not an explicitly allowed file in this directory"}
		}
	}
	return Decision{Allowed: true}
}

func (m *Manager) validateWriteTool(toolName string, args map[string]any) Decision {
	raw, ok := extractFilePath(args)
	if !ok {
		return Decision{Allowed: true}
	}
	path := m.resolveAgainstWorkspace(raw)

	perm, ok := m.Resolve(path)
	if !ok {
		if m.pathInFileContextParent(path) {
			return Decision{Allowed: false, Reason: "access denied: not an explicitly allowed file in this directory"}
		}
		return Decision{Allowed: true}
	}
	if perm == PermissionWrite {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: "no write permission for read-only context path"}
}

func (m *Manager) pathInFileContextParent(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	abs, _ := filepath.Abs(path)
	for _, mp := range m.paths {
		if mp.PathType == PathTypeFileContextParent && mp.contains(abs) {
			return true
		}
	}
	return false
}

func (m *Manager) validateCommandTool(args map[string]any) Decision {
	command, _ := args["command"].(string)
	if command == "" {
		command, _ = args["cmd"].(string)
	}

	for _, pattern := range commandWritePatterns {
		if strings.Contains(command, pattern) {
			if target := extractFileFromCommand(command, pattern); target != "" {
				path := m.resolveAgainstWorkspace(target)
				if perm, ok := m.Resolve(path); ok && perm == PermissionRead {
					return Decision{Allowed: false, Reason: "command would modify read-only context path: " + path}
				}
			}
		}
	}

	lower := strings.ToLower(command)
	for _, pattern := range dangerousCommandPatterns {
		if strings.Contains(lower, pattern) {
			return Decision{Allowed: false, Reason: "dangerous command pattern not allowed: " + strings.TrimSpace(pattern)}
		}
	}
	return Decision{Allowed: true}
}

func extractFileFromCommand(command, pattern string) string {
	switch pattern {
	case ">", ">>":
		parts := strings.SplitN(command, pattern, 2)
		if len(parts) < 2 {
			return ""
		}
		fields := strings.Fields(parts[1])
		if len(fields) == 0 {
			return ""
		}
		return strings.Trim(fields[0], `"'`)
	case "mv ", "cp ", "move ", "copy ":
		fields := strings.Fields(command)
		for i, f := range fields {
			if f == strings.TrimSpace(pattern) && i+2 < len(fields) {
				return fields[i+2]
			}
		}
	case "touch ", "mkdir ", "echo ":
		fields := strings.Fields(command)
		for i, f := range fields {
			if f == strings.TrimSpace(pattern) && i+1 < len(fields) {
				return strings.Trim(fields[i+1], `"'`)
			}
		}
	}
	return ""
}
