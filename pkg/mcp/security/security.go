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

// Package security holds the pure, I/O-free validation functions that every
// ServerSpec, command, URL, environment map, tool name, and tool-argument
// payload flows through before it is trusted. None of these functions touch
// the network or the filesystem; they only reject or normalize input.
package security

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kadirpekel/massgen/pkg/mcperrors"
)

// Level tunes how permissive the command and environment validators are.
type Level string

const (
	LevelStrict     Level = "strict"
	LevelModerate   Level = "moderate"
	LevelPermissive Level = "permissive"
)

const (
	maxCommandLength = 1000
	maxArgLength     = 500
	maxArgs          = 50
)

var dangerousChars = []string{"&", "|", ";", "`", "$", "(", ")", "<", ">", "&&", "||", ">>", "<<"}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\{.*\}`),  // variable expansion
	regexp.MustCompile(`\$\(.*\)`),  // command substitution
	regexp.MustCompile("`.*`"),      // backtick substitution
	regexp.MustCompile(`\.\./`),     // parent traversal
	regexp.MustCompile(`\.\.\\`),
}

func baseAllowedExecutables(level Level) map[string]bool {
	strict := map[string]bool{
		"python": true, "python3": true, "py": true,
		"uv": true, "uvx": true, "pipx": true, "pip": true, "pip3": true,
		"node": true, "npm": true, "npx": true, "yarn": true, "pnpm": true, "bun": true,
		"deno": true, "java": true, "ruby": true, "go": true, "rust": true, "cargo": true,
		"sh": true, "bash": true, "zsh": true, "fish": true,
		"powershell": true, "pwsh": true, "cmd": true,
	}

	switch level {
	case LevelModerate:
		strict["git"] = true
		strict["nodejs"] = true
	case LevelPermissive:
		strict["git"] = true
		strict["nodejs"] = true
		strict["curl"] = true
		strict["wget"] = true
	}
	return strict
}

// SanitizeCommand validates and argv-splits a shell command string,
// rejecting metacharacters, substitution patterns, and path traversal, and
// checking the executable base name against a level-parameterized allowlist.
func SanitizeCommand(command string, level Level) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, mcperrors.Validation("sanitize_command", fmt.Errorf("command is empty"))
	}
	if len(command) > maxCommandLength {
		return nil, mcperrors.Validation("sanitize_command",
			fmt.Errorf("command exceeds max length %d", maxCommandLength))
	}

	for _, ch := range dangerousChars {
		if strings.Contains(command, ch) {
			return nil, mcperrors.Validation("sanitize_command",
				fmt.Errorf("command contains disallowed character %q", ch))
		}
	}
	for _, pat := range dangerousPatterns {
		if pat.MatchString(command) {
			return nil, mcperrors.Validation("sanitize_command",
				fmt.Errorf("command matches disallowed pattern %q", pat.String()))
		}
	}

	argv, err := shellSplit(command)
	if err != nil {
		return nil, mcperrors.Validation("sanitize_command", err)
	}
	if len(argv) == 0 {
		return nil, mcperrors.Validation("sanitize_command", fmt.Errorf("command has no arguments"))
	}
	if len(argv) > maxArgs {
		return nil, mcperrors.Validation("sanitize_command",
			fmt.Errorf("command has %d arguments, max %d", len(argv), maxArgs))
	}
	for _, arg := range argv {
		if len(arg) > maxArgLength {
			return nil, mcperrors.Validation("sanitize_command",
				fmt.Errorf("argument exceeds max length %d", maxArgLength))
		}
	}

	if err := validateExecutable(argv[0], level); err != nil {
		return nil, err
	}

	return argv, nil
}

func validateExecutable(executable string, level Level) error {
	for _, part := range strings.FieldsFunc(executable, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return mcperrors.Validation("sanitize_command",
				fmt.Errorf("executable path contains traversal: %s", executable))
		}
	}

	base := executable
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}
	for _, ext := range []string{".exe", ".bat", ".cmd", ".ps1"} {
		base = strings.TrimSuffix(base, ext)
	}

	allowed := baseAllowedExecutables(level)
	if !allowed[base] {
		return mcperrors.Validation("sanitize_command",
			fmt.Errorf("executable %q not in %s allowlist", base, level))
	}
	return nil
}

// shellSplit performs a shlex-like split honoring single and double quotes.
func shellSplit(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var inSingle, inDouble, haveToken bool

	for _, r := range s {
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			inSingle, haveToken = true, true
		case r == '"':
			inDouble, haveToken = true, true
		case r == ' ' || r == '\t':
			if haveToken {
				args = append(args, cur.String())
				cur.Reset()
				haveToken = false
			}
		default:
			cur.WriteRune(r)
			haveToken = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if haveToken {
		args = append(args, cur.String())
	}
	return args, nil
}

var dangerousPorts = map[int]bool{
	22: true, 23: true, 25: true, 53: true, 135: true, 139: true, 445: true,
	1433: true, 1521: true, 3306: true, 3389: true, 5432: true, 6379: true,
}

const maxURLLength = 2048

// ValidateURLOptions tunes ValidateURL's acceptance of otherwise-forbidden hosts.
type ValidateURLOptions struct {
	ResolveDNS       bool
	AllowPrivateIPs  bool
	AllowLocalhost   bool
	AllowedHostnames []string
}

// ValidateURL checks scheme, host, port, and (optionally) resolved address
// safety for a streamable-http ServerSpec URL.
func ValidateURL(rawURL string, opts ValidateURLOptions) error {
	if rawURL == "" {
		return mcperrors.Validation("validate_url", fmt.Errorf("url is empty"))
	}
	if len(rawURL) > maxURLLength {
		return mcperrors.Validation("validate_url", fmt.Errorf("url exceeds max length %d", maxURLLength))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return mcperrors.Validation("validate_url", fmt.Errorf("unparseable url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return mcperrors.Validation("validate_url", fmt.Errorf("scheme %q not allowed, must be http/https", u.Scheme))
	}
	if u.Hostname() == "" {
		return mcperrors.Validation("validate_url", fmt.Errorf("url has no host"))
	}

	for _, allowed := range opts.AllowedHostnames {
		if u.Hostname() == allowed {
			return validatePort(u)
		}
	}

	host := u.Hostname()
	if isLocalhostName(host) && !opts.AllowLocalhost {
		return mcperrors.Validation("validate_url", fmt.Errorf("localhost hosts are not allowed: %s", host))
	}

	if ip := net.ParseIP(host); ip != nil {
		if !opts.AllowPrivateIPs && isForbiddenIP(ip) {
			return mcperrors.Validation("validate_url", fmt.Errorf("ip %s is private/reserved and not allowed", ip))
		}
	} else if opts.ResolveDNS {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return mcperrors.Validation("validate_url", fmt.Errorf("dns resolution failed: %w", err))
		}
		for _, addr := range addrs {
			if !opts.AllowPrivateIPs && isForbiddenIP(addr) {
				return mcperrors.Validation("validate_url", fmt.Errorf("resolved ip %s is private/reserved", addr))
			}
		}
	}

	return validatePort(u)
}

func validatePort(u *url.URL) error {
	portStr := u.Port()
	if portStr == "" {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return mcperrors.Validation("validate_url", fmt.Errorf("port %q out of range", portStr))
	}
	if dangerousPorts[port] {
		return mcperrors.Validation("validate_url", fmt.Errorf("port %d is in the dangerous-port denylist", port))
	}
	return nil
}

func isLocalhostName(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	default:
		return false
	}
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

const (
	maxEnvKeyLength   = 100
	maxEnvValueLength = 1000
)

var defaultDenyEnv = map[string]bool{
	"LD_LIBRARY_PATH": true, "DYLD_LIBRARY_PATH": true, "PYTHONPATH": true,
	"PWD": true, "OLDPWD": true,
}

var strictExtraDenyEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "USERNAME": true, "SHELL": true,
}

var dangerousEnvValuePatterns = []string{"$(", "`", "${", "||", "&&", ";", "|"}

// EnvMode selects allow- vs deny-listing for ValidateEnvironment.
type EnvMode string

const (
	EnvModeDenylist  EnvMode = "denylist"
	EnvModeAllowlist EnvMode = "allowlist"
)

// ValidateEnvironmentOptions configures ValidateEnvironment.
type ValidateEnvironmentOptions struct {
	Level       Level
	Mode        EnvMode
	AllowedVars []string
	DeniedVars  []string
}

// ValidateEnvironment filters and validates a ServerSpec's env map, rejecting
// dangerous values and vars outside the configured allow/deny policy.
func ValidateEnvironment(env map[string]string, opts ValidateEnvironmentOptions) (map[string]string, error) {
	deny := map[string]bool{}
	for k := range defaultDenyEnv {
		deny[k] = true
	}
	if opts.Level == LevelStrict || opts.Level == "" {
		for k := range strictExtraDenyEnv {
			deny[k] = true
		}
	}
	for _, k := range opts.DeniedVars {
		deny[k] = true
	}
	allow := map[string]bool{}
	for _, k := range opts.AllowedVars {
		allow[k] = true
	}

	out := make(map[string]string, len(env))
	for k, v := range env {
		if len(k) > maxEnvKeyLength {
			return nil, mcperrors.Validation("validate_environment_variables",
				fmt.Errorf("env key %q exceeds max length %d", k, maxEnvKeyLength))
		}
		if len(v) > maxEnvValueLength {
			return nil, mcperrors.Validation("validate_environment_variables",
				fmt.Errorf("env value for %q exceeds max length %d", k, maxEnvValueLength))
		}
		for _, pat := range dangerousEnvValuePatterns {
			if strings.Contains(v, pat) {
				return nil, mcperrors.Validation("validate_environment_variables",
					fmt.Errorf("env value for %q contains disallowed pattern %q", k, pat))
			}
		}

		mode := opts.Mode
		if mode == "" {
			mode = EnvModeDenylist
		}
		switch mode {
		case EnvModeAllowlist:
			if !allow[k] {
				continue
			}
		default:
			if deny[k] {
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

var reservedToolNames = map[string]bool{
	"connect": true, "disconnect": true, "list": true, "help": true, "version": true,
	"status": true, "health": true, "ping": true, "echo": true, "test": true,
	"debug": true, "admin": true, "system": true, "config": true, "settings": true,
	"auth": true, "login": true, "logout": true, "exit": true, "quit": true,
}

const (
	maxToolNameLength   = 100
	maxServerNameLength = 50
	maxExternalName     = 200
	mcpPrefix           = "mcp__"
)

var (
	toolNameCharClass   = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)
	serverNameCharClass = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)
	serverNamePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
)

// ValidateServerName enforces spec §8's `^[A-Za-z0-9_-]{1,100}$` invariant.
func ValidateServerName(name string) error {
	if !serverNamePattern.MatchString(name) {
		return mcperrors.Config("validate_server_config",
			fmt.Errorf("server name %q must match %s", name, serverNamePattern.String()))
	}
	return nil
}

// SanitizeToolName composes the namespaced external tool name mcp__<server>__<tool>,
// stripping a stray mcp__ prefix the caller may have already applied, rejecting
// reserved basenames, and enforcing length bounds at every stage.
func SanitizeToolName(local, server string) (string, error) {
	if len(local) > maxToolNameLength {
		return "", mcperrors.Validation("sanitize_tool_name", fmt.Errorf("tool name exceeds max length %d", maxToolNameLength))
	}
	if len(server) > maxServerNameLength {
		return "", mcperrors.Validation("sanitize_tool_name", fmt.Errorf("server name exceeds max length %d", maxServerNameLength))
	}

	// A caller may pass back an already-namespaced name (e.g. a round trip
	// through the model); recover the local tool name instead of double-prefixing.
	if strings.HasPrefix(local, mcpPrefix) {
		rest := strings.TrimPrefix(local, mcpPrefix)
		if idx := strings.Index(rest, "__"); idx >= 0 {
			if rest[:idx] == server {
				local = rest[idx+2:]
			}
		}
	}

	if reservedToolNames[strings.ToLower(local)] {
		return "", mcperrors.Validation("sanitize_tool_name", fmt.Errorf("tool name %q is reserved", local))
	}

	cleanLocal := sanitizeChars(local, toolNameCharClass)
	cleanServer := sanitizeChars(server, serverNameCharClass)
	if cleanLocal == "" || cleanServer == "" {
		return "", mcperrors.Validation("sanitize_tool_name", fmt.Errorf("tool/server name empty after sanitization"))
	}

	external := mcpPrefix + cleanServer + "__" + cleanLocal
	if len(external) > maxExternalName {
		return "", mcperrors.Validation("sanitize_tool_name", fmt.Errorf("external tool name %q exceeds %d chars", external, maxExternalName))
	}
	return external, nil
}

func sanitizeChars(s string, disallowed *regexp.Regexp) string {
	cleaned := disallowed.ReplaceAllString(s, "")
	return strings.Trim(cleaned, "_-.")
}

const (
	maxArgDepth      = 5
	maxArgSize       = 10000
	maxDictKeys      = 100
	maxListItems     = 1000
	maxStringLength  = 10000
)

// ValidateToolArguments recursively bounds the size, nesting depth, and
// string lengths of a decoded tool-call argument payload.
func ValidateToolArguments(args map[string]any) error {
	size := 0
	return validateValue(args, 0, &size)
}

func validateValue(v any, depth int, size *int) error {
	if depth > maxArgDepth {
		return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("argument nesting exceeds max depth %d", maxArgDepth))
	}

	switch val := v.(type) {
	case map[string]any:
		if len(val) > maxDictKeys {
			return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("object has %d keys, max %d", len(val), maxDictKeys))
		}
		*size += len(val) * 8
		for k, item := range val {
			*size += len(k)
			if *size > maxArgSize {
				return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("arguments exceed max serialized size %d", maxArgSize))
			}
			if err := validateValue(item, depth+1, size); err != nil {
				return err
			}
		}
	case []any:
		if len(val) > maxListItems {
			return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("array has %d items, max %d", len(val), maxListItems))
		}
		for _, item := range val {
			if err := validateValue(item, depth+1, size); err != nil {
				return err
			}
		}
	case string:
		if len(val) > maxStringLength {
			return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("string exceeds max length %d", maxStringLength))
		}
		*size += len(val)
		if *size > maxArgSize {
			return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("arguments exceed max serialized size %d", maxArgSize))
		}
	default:
		*size += 8
		if *size > maxArgSize {
			return mcperrors.Validation("validate_tool_arguments", fmt.Errorf("arguments exceed max serialized size %d", maxArgSize))
		}
	}
	return nil
}
