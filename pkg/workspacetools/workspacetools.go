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

// Package workspacetools implements the file-manipulation operations behind
// the workspace_tools auto-injected MCP server: copying and deleting files
// within an agent's allowed paths, and diffing files/directories for review.
// Every operation is confined to the configured allowed paths. Deletions
// also refuse to touch a small set of critical subpaths (.git, .env,
// node_modules, venvs, various tool caches) or the allowed-path roots
// themselves; copies check neither.
package workspacetools

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// criticalPathNames must never be deleted, even recursively, regardless of
// where they appear relative to an allowed path.
var criticalPathNames = map[string]bool{
	".git":          true,
	".env":          true,
	".massgen":      true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".ruff_cache":   true,
	"massgen_logs":  true,
}

// Toolset holds the allowed-path allowlist every operation validates against.
// A nil or empty AllowedPaths means no restriction, mirroring the original
// server's "no allowed_paths configured" behavior.
type Toolset struct {
	AllowedPaths []string
}

// New returns a Toolset scoped to the given allowed paths, resolved to
// absolute form.
func New(allowedPaths []string) *Toolset {
	resolved := make([]string, 0, len(allowedPaths))
	for _, p := range allowedPaths {
		if abs, err := filepath.Abs(p); err == nil {
			resolved = append(resolved, filepath.Clean(abs))
		} else {
			resolved = append(resolved, p)
		}
	}
	return &Toolset{AllowedPaths: resolved}
}

func (t *Toolset) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return filepath.Clean(filepath.Join(cwd, path)), nil
}

func (t *Toolset) validateAccess(path string) error {
	if len(t.AllowedPaths) == 0 {
		return nil
	}
	for _, allowed := range t.AllowedPaths {
		if path == allowed || strings.HasPrefix(path, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path not in allowed directories: %s", path)
}

// isCritical reports whether any path component matches a protected name.
func isCritical(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if criticalPathNames[part] {
			return true
		}
	}
	return false
}

func (t *Toolset) isAllowedRoot(path string) bool {
	for _, allowed := range t.AllowedPaths {
		if path == allowed {
			return true
		}
	}
	return false
}

// CopyResult describes the outcome of a single copy_file call.
type CopyResult struct {
	Kind        string `json:"type"` // "file" or "directory"
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Size        int64  `json:"size,omitempty"`
	FileCount   int    `json:"file_count,omitempty"`
}

// CopyFile copies a single file or directory tree into destination,
// creating parent directories as needed.
func (t *Toolset) CopyFile(sourcePath, destPath string, overwrite bool) (CopyResult, error) {
	source, err := t.resolve(sourcePath)
	if err != nil {
		return CopyResult{}, err
	}
	if err := t.validateAccess(source); err != nil {
		return CopyResult{}, err
	}
	info, err := os.Stat(source)
	if err != nil {
		return CopyResult{}, fmt.Errorf("source path does not exist: %s", source)
	}

	dest, err := t.resolve(destPath)
	if err != nil {
		return CopyResult{}, err
	}
	if err := t.validateAccess(dest); err != nil {
		return CopyResult{}, err
	}

	if _, err := os.Stat(dest); err == nil && !overwrite {
		return CopyResult{}, fmt.Errorf("destination already exists (use overwrite=true): %s", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return CopyResult{}, fmt.Errorf("creating destination parent: %w", err)
	}

	if info.IsDir() {
		if err := os.RemoveAll(dest); err != nil {
			return CopyResult{}, fmt.Errorf("clearing existing destination: %w", err)
		}
		count, err := copyTree(source, dest)
		if err != nil {
			return CopyResult{}, err
		}
		return CopyResult{Kind: "directory", Source: source, Destination: dest, FileCount: count}, nil
	}

	size, err := copyFileContents(source, dest)
	if err != nil {
		return CopyResult{}, err
	}
	return CopyResult{Kind: "file", Source: source, Destination: dest, Size: size}, nil
}

func copyFileContents(source, dest string) (int64, error) {
	in, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating destination: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, fmt.Errorf("copying contents: %w", err)
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chmod(dest, info.Mode())
	}
	return n, nil
}

func copyTree(source, dest string) (int, error) {
	count := 0
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if _, err := copyFileContents(path, target); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// CopiedFile and BatchCopyResult describe copy_files_batch's outcome.
type CopiedFile struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	RelPath     string `json:"relative_path"`
	Size        int64  `json:"size"`
}

type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type BatchCopyResult struct {
	Copied  []CopiedFile  `json:"copied_files"`
	Skipped []SkippedFile `json:"skipped_files"`
	Errors  []FileError   `json:"errors"`
}

// CopyFilesBatch copies every file under sourceBase matching include (and not
// matching exclude) into destBase, preserving relative structure.
func (t *Toolset) CopyFilesBatch(sourceBase, destBase string, include, exclude []string, overwrite bool) (BatchCopyResult, error) {
	if len(include) == 0 {
		include = []string{"*"}
	}
	var result BatchCopyResult

	source, err := t.resolve(sourceBase)
	if err != nil {
		return result, err
	}
	if err := t.validateAccess(source); err != nil {
		return result, err
	}
	if _, err := os.Stat(source); err != nil {
		return result, fmt.Errorf("source base path does not exist: %s", source)
	}

	dest := destBase
	if dest == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return result, err
		}
		dest = cwd
	}
	destResolved, err := t.resolve(dest)
	if err != nil {
		return result, err
	}
	if err := t.validateAccess(destResolved); err != nil {
		return result, err
	}

	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if !matchesAny(rel, include) || matchesAny(rel, exclude) {
			return nil
		}
		target := filepath.Join(destResolved, rel)
		if err := t.validateAccess(target); err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		if _, err := os.Stat(target); err == nil && !overwrite {
			result.Skipped = append(result.Skipped, SkippedFile{Path: rel, Reason: "destination exists (overwrite=false)"})
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		size, err := copyFileContents(path, target)
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		result.Copied = append(result.Copied, CopiedFile{Source: path, Destination: target, RelPath: rel, Size: size})
		return nil
	})
	return result, err
}

func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// DeleteResult describes delete_file's outcome.
type DeleteResult struct {
	Kind      string `json:"type"`
	Path      string `json:"path"`
	Size      int64  `json:"size,omitempty"`
	FileCount int    `json:"file_count,omitempty"`
}

// DeleteFile removes a file or (if recursive) a directory tree, refusing to
// touch critical paths or an allowed-path root itself.
func (t *Toolset) DeleteFile(rawPath string, recursive bool) (DeleteResult, error) {
	path, err := t.resolve(rawPath)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := t.validateAccess(path); err != nil {
		return DeleteResult{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("path does not exist: %s", path)
	}
	if isCritical(path) {
		return DeleteResult{}, fmt.Errorf("cannot delete critical system path: %s", path)
	}
	if t.isAllowedRoot(path) {
		return DeleteResult{}, fmt.Errorf("cannot delete permission path root: %s (delete contents, not the root itself)", path)
	}

	if !info.IsDir() {
		if err := os.Remove(path); err != nil {
			return DeleteResult{}, err
		}
		return DeleteResult{Kind: "file", Path: path, Size: info.Size()}, nil
	}

	if !recursive {
		entries, err := os.ReadDir(path)
		if err != nil {
			return DeleteResult{}, err
		}
		if len(entries) > 0 {
			return DeleteResult{}, fmt.Errorf("directory not empty (use recursive=true): %s", path)
		}
		if err := os.Remove(path); err != nil {
			return DeleteResult{}, err
		}
		return DeleteResult{Kind: "directory", Path: path}, nil
	}

	count := 0
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if err := os.RemoveAll(path); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Kind: "directory", Path: path, FileCount: count}, nil
}

// DeletedFile and BatchDeleteResult describe delete_files_batch's outcome.
type DeletedFile struct {
	Path    string `json:"path"`
	RelPath string `json:"relative_path"`
	Size    int64  `json:"size"`
}

type BatchDeleteResult struct {
	Deleted []DeletedFile `json:"deleted_files"`
	Skipped []SkippedFile `json:"skipped_files"`
	Errors  []FileError   `json:"errors"`
}

// DeleteFilesBatch deletes every file under basePath matching include (and
// not exclude), skipping critical paths and allowed-path roots.
func (t *Toolset) DeleteFilesBatch(basePath string, include, exclude []string) (BatchDeleteResult, error) {
	if len(include) == 0 {
		include = []string{"*"}
	}
	var result BatchDeleteResult

	base, err := t.resolve(basePath)
	if err != nil {
		return result, err
	}
	if _, err := os.Stat(base); err != nil {
		return result, fmt.Errorf("base path does not exist: %s", base)
	}
	if err := t.validateAccess(base); err != nil {
		return result, err
	}

	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		if !matchesAny(rel, include) || matchesAny(rel, exclude) {
			return nil
		}
		if isCritical(path) {
			result.Skipped = append(result.Skipped, SkippedFile{Path: rel, Reason: "system file (protected)"})
			return nil
		}
		if t.isAllowedRoot(path) {
			result.Skipped = append(result.Skipped, SkippedFile{Path: rel, Reason: "permission path root (protected)"})
			return nil
		}
		if err := t.validateAccess(path); err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			return nil
		}
		result.Deleted = append(result.Deleted, DeletedFile{Path: path, RelPath: rel, Size: info.Size()})
		return nil
	})
	return result, err
}

// DirDiff describes compare_directories' outcome.
type DirDiff struct {
	OnlyInDir1    []string          `json:"only_in_dir1"`
	OnlyInDir2    []string          `json:"only_in_dir2"`
	Different     []string          `json:"different"`
	Identical     []string          `json:"identical"`
	ContentDiffs  map[string]string `json:"content_diffs,omitempty"`
}

// CompareDirectories diffs the file sets of two directories, optionally
// including unified text diffs for files that differ.
func (t *Toolset) CompareDirectories(dir1, dir2 string, showContentDiff bool) (DirDiff, error) {
	path1, err := t.resolve(dir1)
	if err != nil {
		return DirDiff{}, err
	}
	path2, err := t.resolve(dir2)
	if err != nil {
		return DirDiff{}, err
	}
	if err := t.validateAccess(path1); err != nil {
		return DirDiff{}, err
	}
	if err := t.validateAccess(path2); err != nil {
		return DirDiff{}, err
	}

	files1, err := listFiles(path1)
	if err != nil {
		return DirDiff{}, fmt.Errorf("first path is not a directory: %s", path1)
	}
	files2, err := listFiles(path2)
	if err != nil {
		return DirDiff{}, fmt.Errorf("second path is not a directory: %s", path2)
	}

	diff := DirDiff{}
	for rel := range files1 {
		if _, ok := files2[rel]; !ok {
			diff.OnlyInDir1 = append(diff.OnlyInDir1, rel)
			continue
		}
		same, err := sameContents(filepath.Join(path1, rel), filepath.Join(path2, rel))
		if err != nil || !same {
			diff.Different = append(diff.Different, rel)
		} else {
			diff.Identical = append(diff.Identical, rel)
		}
	}
	for rel := range files2 {
		if _, ok := files1[rel]; !ok {
			diff.OnlyInDir2 = append(diff.OnlyInDir2, rel)
		}
	}

	if showContentDiff && len(diff.Different) > 0 {
		diff.ContentDiffs = make(map[string]string, len(diff.Different))
		for _, rel := range diff.Different {
			text, err := unifiedDiff(filepath.Join(path1, rel), filepath.Join(path2, rel), "dir1/"+rel, "dir2/"+rel, 3)
			if err != nil {
				diff.ContentDiffs[rel] = fmt.Sprintf("error generating diff: %v", err)
				continue
			}
			diff.ContentDiffs[rel] = text
		}
	}
	return diff, nil
}

func listFiles(dir string) (map[string]bool, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files := make(map[string]bool)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[rel] = true
		return nil
	})
	return files, err
}

func sameContents(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return string(da) == string(db), nil
}

// FileDiff describes compare_files' outcome.
type FileDiff struct {
	Identical bool   `json:"identical"`
	Diff      string `json:"diff"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
}

// CompareFiles produces a unified diff between two text files.
func (t *Toolset) CompareFiles(file1, file2 string, contextLines int) (FileDiff, error) {
	path1, err := t.resolve(file1)
	if err != nil {
		return FileDiff{}, err
	}
	path2, err := t.resolve(file2)
	if err != nil {
		return FileDiff{}, err
	}
	if err := t.validateAccess(path1); err != nil {
		return FileDiff{}, err
	}
	if err := t.validateAccess(path2); err != nil {
		return FileDiff{}, err
	}
	if info, err := os.Stat(path1); err != nil || info.IsDir() {
		return FileDiff{}, fmt.Errorf("first path is not a file: %s", path1)
	}
	if info, err := os.Stat(path2); err != nil || info.IsDir() {
		return FileDiff{}, fmt.Errorf("second path is not a file: %s", path2)
	}

	text, err := unifiedDiff(path1, path2, path1, path2, contextLines)
	if err != nil {
		return FileDiff{}, err
	}
	added, removed := countDiffLines(text)
	return FileDiff{Identical: text == "", Diff: text, Added: added, Removed: removed}, nil
}

func unifiedDiff(path1, path2, label1, label2 string, contextLines int) (string, error) {
	a, err := os.ReadFile(path1)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path2)
	if err != nil {
		return "", err
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: label1,
		ToFile:   label2,
		Context:  contextLines,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// ErrImageGenerationUnavailable is returned by the image-generation stubs
// below; wiring an LLM-provider image API is explicitly out of scope, but the
// tools must still exist so servers can list and exclude them by name.
var ErrImageGenerationUnavailable = fmt.Errorf("image generation is not available in this build")

// GenerateAndStoreImageWithInputImages mirrors the original server's
// image-editing tool. It always fails: no image-generation provider is wired.
func (t *Toolset) GenerateAndStoreImageWithInputImages(prompt string, inputImages []string, outputPath string) error {
	return ErrImageGenerationUnavailable
}

// GenerateAndStoreImageNoInputImages mirrors the original server's
// text-to-image tool. It always fails: no image-generation provider is wired.
func (t *Toolset) GenerateAndStoreImageNoInputImages(prompt string, outputPath string) error {
	return ErrImageGenerationUnavailable
}

func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}
