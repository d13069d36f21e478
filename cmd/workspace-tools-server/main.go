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

// Command workspace-tools-server is the auto-injected workspace_tools MCP
// server: a stdio MCP server exposing file copy/delete/compare operations
// scoped to a set of allowed paths.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/massgen/pkg/workspacetools"
)

func main() {
	var allowedPaths stringSliceFlag
	flag.Var(&allowedPaths, "allowed-paths", "allowed root path (repeatable)")
	flag.Parse()

	toolset := workspacetools.New(allowedPaths.values)
	s := server.NewMCPServer("workspace_tools", "1.0.0", server.WithToolCapabilities(true))

	registerTools(s, toolset)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "workspace-tools-server: %v\n", err)
		os.Exit(1)
	}
}

// stringSliceFlag collects every occurrence of a repeatable flag, mirroring
// argparse's nargs="+" for --allowed-paths.
type stringSliceFlag struct{ values []string }

func (s *stringSliceFlag) String() string { return fmt.Sprint(s.values) }
func (s *stringSliceFlag) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

func registerTools(s *server.MCPServer, t *workspacetools.Toolset) {
	s.AddTool(mcp.NewTool("copy_file",
		mcp.WithDescription("Copy a single file or directory tree"),
		mcp.WithString("source_path", mcp.Required(), mcp.Description("path to copy from")),
		mcp.WithString("destination_path", mcp.Required(), mcp.Description("path to copy to")),
		mcp.WithBoolean("overwrite", mcp.Description("overwrite an existing destination")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		source, _ := args["source_path"].(string)
		dest, _ := args["destination_path"].(string)
		overwrite, _ := args["overwrite"].(bool)

		res, err := t.CopyFile(source, dest, overwrite)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("copy_files_batch",
		mcp.WithDescription("Copy files matching glob patterns from one directory to another"),
		mcp.WithString("source_base_path", mcp.Required()),
		mcp.WithString("destination_base_path", mcp.Required()),
		mcp.WithString("include_patterns", mcp.Description("comma-separated glob patterns, default *")),
		mcp.WithString("exclude_patterns", mcp.Description("comma-separated glob patterns to skip")),
		mcp.WithBoolean("overwrite"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		sourceBase, _ := args["source_base_path"].(string)
		destBase, _ := args["destination_base_path"].(string)
		include := splitCSV(args["include_patterns"])
		exclude := splitCSV(args["exclude_patterns"])
		overwrite, _ := args["overwrite"].(bool)

		res, err := t.CopyFilesBatch(sourceBase, destBase, include, exclude, overwrite)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a file or directory"),
		mcp.WithString("path", mcp.Required()),
		mcp.WithBoolean("recursive", mcp.Description("required to delete a non-empty directory")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		path, _ := args["path"].(string)
		recursive, _ := args["recursive"].(bool)

		res, err := t.DeleteFile(path, recursive)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("delete_files_batch",
		mcp.WithDescription("Delete files under a base path matching glob patterns"),
		mcp.WithString("base_path", mcp.Required()),
		mcp.WithString("include_patterns"),
		mcp.WithString("exclude_patterns"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		base, _ := args["base_path"].(string)
		include := splitCSV(args["include_patterns"])
		exclude := splitCSV(args["exclude_patterns"])

		res, err := t.DeleteFilesBatch(base, include, exclude)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("compare_directories",
		mcp.WithDescription("Diff the file sets of two directories"),
		mcp.WithString("dir1", mcp.Required()),
		mcp.WithString("dir2", mcp.Required()),
		mcp.WithBoolean("show_content_diff"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		dir1, _ := args["dir1"].(string)
		dir2, _ := args["dir2"].(string)
		showDiff, _ := args["show_content_diff"].(bool)

		res, err := t.CompareDirectories(dir1, dir2, showDiff)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("compare_files",
		mcp.WithDescription("Produce a unified diff between two text files"),
		mcp.WithString("file1", mcp.Required()),
		mcp.WithString("file2", mcp.Required()),
		mcp.WithNumber("context_lines", mcp.Description("lines of context, default 3")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		file1, _ := args["file1"].(string)
		file2, _ := args["file2"].(string)
		contextLines := 3
		if v, ok := args["context_lines"].(float64); ok {
			contextLines = int(v)
		}

		res, err := t.CompareFiles(file1, file2, contextLines)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("generate_and_store_image_with_input_images",
		mcp.WithDescription("Edit input images via a text prompt and store the result (unavailable: no image-generation provider wired)"),
		mcp.WithString("prompt", mcp.Required()),
		mcp.WithString("output_path", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError(workspacetools.ErrImageGenerationUnavailable.Error()), nil
	})

	s.AddTool(mcp.NewTool("generate_and_store_image_no_input_images",
		mcp.WithDescription("Generate an image from a text prompt and store it (unavailable: no image-generation provider wired)"),
		mcp.WithString("prompt", mcp.Required()),
		mcp.WithString("output_path", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError(workspacetools.ErrImageGenerationUnavailable.Error()), nil
	})
}

func splitCSV(v interface{}) []string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
