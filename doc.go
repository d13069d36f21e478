// Package massgen provides the MCP (Model Context Protocol) integration core
// for the MassGen multi-agent orchestration framework.
//
// It owns everything an agent backend needs to discover and call tools
// exposed by one or more MCP servers safely: a transport client for stdio
// and streamable-HTTP JSON-RPC, a per-server session state machine, a
// multi-session registry with namespacing and per-server circuit breaking,
// a security validator and path permission manager, a function registry
// that wraps MCP tools for the three common LLM tool-calling wire formats,
// and a bounded streaming tool-call loop with retry/backoff.
//
// # Using as a Go Library
//
// Import the packages you need directly:
//
//	import (
//	    "github.com/kadirpekel/massgen/pkg/mcp/registry"
//	    "github.com/kadirpekel/massgen/pkg/mcp/session"
//	    "github.com/kadirpekel/massgen/pkg/mcp/transport"
//	    "github.com/kadirpekel/massgen/pkg/backend"
//	)
//
// # Key Components
//
//   - Transport Client: stdio JSON-RPC over mark3labs/mcp-go and streamable-HTTP JSON-RPC over net/http
//   - Session: per-server connect/discover/reconnect state machine
//   - Registry: namespaced multi-session dispatch with circuit breaking
//   - Security & Permissions: command/URL/env validation, managed-path policy
//   - Function Registry: tool wrapping across Chat Completions/Responses/Claude formats
//   - Backend Loop: ask-model -> detect tool calls -> execute -> continue
//   - Supervisor: per-agent workspace lifecycle and auto-injected MCP servers
//
// # Status
//
// This module targets the MCP integration surface only; it does not
// implement MassGen's LLM backends, orchestration voting, or UI.
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package massgen
