package permission

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManager_WorkspaceIsAlwaysWritable(t *testing.T) {
	m := NewManager(false)
	dir := t.TempDir()
	m.AddPath(dir, PermissionWrite, PathTypeWorkspace)

	perm, ok := m.Resolve(filepath.Join(dir, "out.txt"))
	if !ok || perm != PermissionWrite {
		t.Fatalf("got (%v, %v), want (write, true)", perm, ok)
	}
}

func TestManager_ContextPathReadOnlyDuringCoordination(t *testing.T) {
	m := NewManager(false)
	dir := t.TempDir()
	m.AddContextPaths([]ContextPathConfig{{Path: dir, Permission: PermissionWrite}})

	perm, ok := m.Resolve(filepath.Join(dir, "f.txt"))
	if !ok || perm != PermissionRead {
		t.Fatalf("got (%v, %v), want (read, true) for coordination-phase context path", perm, ok)
	}
}

func TestManager_ContextPathWritableForFinalAgent(t *testing.T) {
	m := NewManager(true)
	dir := t.TempDir()
	m.AddContextPaths([]ContextPathConfig{{Path: dir, Permission: PermissionWrite}})

	perm, ok := m.Resolve(filepath.Join(dir, "f.txt"))
	if !ok || perm != PermissionWrite {
		t.Fatalf("got (%v, %v), want (write, true) for final-agent context path", perm, ok)
	}
}

func TestManager_ProtectedPathStaysReadOnly(t *testing.T) {
	m := NewManager(true)
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "do-not-touch"), 0o755)
	m.AddContextPaths([]ContextPathConfig{{
		Path: dir, Permission: PermissionWrite, ProtectedPaths: []string{"do-not-touch"},
	}})

	perm, ok := m.Resolve(filepath.Join(dir, "do-not-touch", "f.txt"))
	if !ok || perm != PermissionRead {
		t.Fatalf("got (%v, %v), want (read, true) for protected subpath", perm, ok)
	}
}

func TestManager_FileContextDeniesSiblingAccess(t *testing.T) {
	m := NewManager(false)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "logo.png")
	os.WriteFile(filePath, []byte("x"), 0o644)
	m.AddContextPaths([]ContextPathConfig{{Path: filePath, Permission: PermissionRead, IsFile: true}})

	decision := m.PreToolUseHook("read_file", map[string]any{"path": filePath})
	if !decision.Allowed {
		t.Errorf("expected the exact context file to be allowed, got %q", decision.Reason)
	}

	sibling := filepath.Join(dir, "other.png")
	decision = m.PreToolUseHook("read_file", map[string]any{"path": sibling})
	if decision.Allowed {
		t.Error("expected sibling file access to be denied")
	}
}

func TestManager_ExcludedPatternNotForcedReadOnlyInsideWorkspace(t *testing.T) {
	m := NewManager(true)
	dir := t.TempDir()
	m.AddPath(dir, PermissionWrite, PathTypeWorkspace)

	perm, ok := m.Resolve(filepath.Join(dir, ".git", "config"))
	if !ok || perm != PermissionWrite {
		t.Fatalf("got (%v, %v), want (write, true) for .git path inside workspace", perm, ok)
	}
}

func TestManager_PreToolUseHook_BlocksWriteToReadOnlyContext(t *testing.T) {
	m := NewManager(false)
	dir := t.TempDir()
	m.AddContextPaths([]ContextPathConfig{{Path: dir, Permission: PermissionRead}})

	decision := m.PreToolUseHook("write_file", map[string]any{"path": filepath.Join(dir, "f.txt")})
	if decision.Allowed {
		t.Error("expected write to read-only context path to be denied")
	}
}

func TestManager_PreToolUseHook_BlocksDangerousCommand(t *testing.T) {
	m := NewManager(false)
	decision := m.PreToolUseHook("bash", map[string]any{"command": "sudo rm -rf /"})
	if decision.Allowed {
		t.Error("expected dangerous command to be denied")
	}
}

func TestManager_PreToolUseHook_AllowsNonFileTool(t *testing.T) {
	m := NewManager(false)
	decision := m.PreToolUseHook("list_directory", map[string]any{})
	if !decision.Allowed {
		t.Error("expected tool with no resolvable path to be allowed")
	}
}

func TestManager_SetContextWriteAccessEnabledRecalculates(t *testing.T) {
	m := NewManager(false)
	dir := t.TempDir()
	m.AddContextPaths([]ContextPathConfig{{Path: dir, Permission: PermissionWrite}})

	if perm, _ := m.Resolve(filepath.Join(dir, "f.txt")); perm != PermissionRead {
		t.Fatalf("expected read before enabling write access, got %v", perm)
	}

	m.SetContextWriteAccessEnabled(true)
	if perm, _ := m.Resolve(filepath.Join(dir, "f.txt")); perm != PermissionWrite {
		t.Fatalf("expected write after enabling write access, got %v", perm)
	}
}

func TestManager_GetMCPFilesystemPathsPutsWorkspaceFirst(t *testing.T) {
	m := NewManager(false)
	ctxDir := t.TempDir()
	wsDir := t.TempDir()
	m.AddContextPaths([]ContextPathConfig{{Path: ctxDir, Permission: PermissionRead}})
	m.AddPath(wsDir, PermissionWrite, PathTypeWorkspace)

	paths := m.GetMCPFilesystemPaths()
	if len(paths) != 2 || paths[0] != wsDir {
		t.Fatalf("got %v, want workspace first", paths)
	}
}
