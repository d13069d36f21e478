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

// Package config decodes a YAML document into the server specs and policy
// settings pkg/mcp/registry, pkg/mcp/security, pkg/mcp/permission, and
// pkg/supervisor need. It deliberately does not attempt the teacher's full
// koanf/zookeeper/consul configuration system: one file, one decode, one
// validation pass.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/massgen/pkg/mcp/permission"
	"github.com/kadirpekel/massgen/pkg/mcp/registry"
	"github.com/kadirpekel/massgen/pkg/mcp/security"
	"github.com/kadirpekel/massgen/pkg/mcp/transport"
	"github.com/kadirpekel/massgen/pkg/ratelimit"
	"github.com/kadirpekel/massgen/pkg/supervisor"
)

// ServerSpec is one MCP server entry as it appears in a config file.
type ServerSpec struct {
	Name              string            `yaml:"name"`
	Kind              string            `yaml:"kind"` // "stdio" or "streamable-http"
	Command           []string          `yaml:"command,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	URL               string            `yaml:"url,omitempty"`
	MaxRetries        int               `yaml:"max_retries,omitempty"`
	SSETimeoutSeconds int               `yaml:"sse_timeout_seconds,omitempty"`
	IncludeTools      []string          `yaml:"include_tools,omitempty"`
	ExcludeTools      []string          `yaml:"exclude_tools,omitempty"`
}

// ToTransportSpec converts to the shape pkg/mcp/transport connects with.
func (s ServerSpec) ToTransportSpec() transport.Spec {
	kind := transport.KindStdio
	if s.Kind == string(transport.KindStreamableHTTP) {
		kind = transport.KindStreamableHTTP
	}
	return transport.Spec{
		Name:       s.Name,
		Kind:       kind,
		Command:    s.Command,
		Env:        s.Env,
		URL:        s.URL,
		MaxRetries: s.MaxRetries,
		SSETimeout: time.Duration(s.SSETimeoutSeconds) * time.Second,
	}
}

// ToServerConfig converts to the shape pkg/mcp/registry dispatches through.
func (s ServerSpec) ToServerConfig() registry.ServerConfig {
	return registry.ServerConfig{
		Name:         s.Name,
		Spec:         s.ToTransportSpec(),
		IncludeTools: s.IncludeTools,
		ExcludeTools: s.ExcludeTools,
	}
}

// SecurityPolicy configures pkg/mcp/security's validators.
type SecurityPolicy struct {
	Level            string   `yaml:"level"` // strict|moderate|permissive
	EnvMode          string   `yaml:"env_mode"`
	EnvAllowlist     []string `yaml:"env_allowlist,omitempty"`
	EnvDenylist      []string `yaml:"env_denylist,omitempty"`
	AllowPrivateIPs  bool     `yaml:"allow_private_ips,omitempty"`
	AllowLocalhost   bool     `yaml:"allow_localhost,omitempty"`
	AllowedHostnames []string `yaml:"allowed_hostnames,omitempty"`

	// Overrides holds a loose per-server map (server name -> partial
	// SecurityPolicy fields) decoded with mapstructure rather than typed
	// YAML, since its key set is open-ended (one entry per configured
	// server, added and removed independently of this struct's schema).
	Overrides map[string]map[string]any `yaml:"overrides,omitempty"`
}

// ForServer resolves the effective policy for serverName, applying any
// matching entry from Overrides on top of the base policy.
func (p SecurityPolicy) ForServer(serverName string) (SecurityPolicy, error) {
	effective := p
	raw, ok := p.Overrides[serverName]
	if !ok {
		return effective, nil
	}
	if err := mapstructure.Decode(raw, &effective); err != nil {
		return SecurityPolicy{}, fmt.Errorf("config: decoding security override for %q: %w", serverName, err)
	}
	return effective, nil
}

func (p SecurityPolicy) level() security.Level {
	switch p.Level {
	case string(security.LevelStrict), string(security.LevelModerate), string(security.LevelPermissive):
		return security.Level(p.Level)
	default:
		return security.LevelModerate
	}
}

func (p SecurityPolicy) envMode() security.EnvMode {
	if p.EnvMode == string(security.EnvModeAllowlist) {
		return security.EnvModeAllowlist
	}
	return security.EnvModeDenylist
}

// ContextPath is the YAML form of a permission.ContextPathConfig entry.
type ContextPath struct {
	Path           string   `yaml:"path"`
	Permission     string   `yaml:"permission"` // "read" or "write"
	IsFile         bool     `yaml:"is_file,omitempty"`
	ProtectedPaths []string `yaml:"protected_paths,omitempty"`
}

func (c ContextPath) toPermissionConfig() permission.ContextPathConfig {
	perm := permission.PermissionRead
	if c.Permission == string(permission.PermissionWrite) {
		perm = permission.PermissionWrite
	}
	return permission.ContextPathConfig{
		Path:           c.Path,
		Permission:     perm,
		IsFile:         c.IsFile,
		ProtectedPaths: c.ProtectedPaths,
	}
}

// SupervisorConfig mirrors supervisor.Config for YAML decoding.
type SupervisorConfig struct {
	Workspace                  string                  `yaml:"workspace"`
	TempWorkspaceParent        string                  `yaml:"temp_workspace_parent,omitempty"`
	ContextPaths               []ContextPath           `yaml:"context_paths,omitempty"`
	ContextWriteAccessEnabled  bool                    `yaml:"context_write_access_enabled,omitempty"`
	EnableImageGeneration      bool                    `yaml:"enable_image_generation,omitempty"`
	EnableCommandLine          bool                    `yaml:"enable_command_line,omitempty"`
	CommandLineAllowedCommands []string                `yaml:"command_line_allowed_commands,omitempty"`
	CommandLineBlockedCommands []string                `yaml:"command_line_blocked_commands,omitempty"`
	CommandExecutionPrefix     string                  `yaml:"command_execution_prefix,omitempty"`
	CommandExecutionVenvPath   string                  `yaml:"command_execution_venv_path,omitempty"`
	Docker                     supervisor.DockerConfig `yaml:"docker,omitempty"`
}

// ToSupervisorConfig converts to the shape pkg/supervisor.New accepts.
func (s SupervisorConfig) ToSupervisorConfig() supervisor.Config {
	paths := make([]permission.ContextPathConfig, len(s.ContextPaths))
	for i, p := range s.ContextPaths {
		paths[i] = p.toPermissionConfig()
	}
	return supervisor.Config{
		Workspace:                  s.Workspace,
		TempWorkspaceParent:        s.TempWorkspaceParent,
		ContextPaths:               paths,
		ContextWriteAccessEnabled:  s.ContextWriteAccessEnabled,
		EnableImageGeneration:      s.EnableImageGeneration,
		EnableCommandLine:          s.EnableCommandLine,
		CommandLineAllowedCommands: s.CommandLineAllowedCommands,
		CommandLineBlockedCommands: s.CommandLineBlockedCommands,
		CommandExecutionPrefix:     s.CommandExecutionPrefix,
		CommandExecutionVenvPath:   s.CommandExecutionVenvPath,
		Docker:                     s.Docker,
	}
}

// Config is the top-level document loaded from a config file.
type Config struct {
	Servers    []ServerSpec            `yaml:"servers"`
	Security   SecurityPolicy          `yaml:"security"`
	Supervisor SupervisorConfig        `yaml:"supervisor"`
	RateLimit  ratelimit.FactoryConfig `yaml:"rate_limit"`
}

// Load reads and decodes a YAML config file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills in zero-value fields with this module's defaults.
func (c *Config) SetDefaults() {
	if c.Security.Level == "" {
		c.Security.Level = string(security.LevelModerate)
	}
	if c.Security.EnvMode == "" {
		c.Security.EnvMode = string(security.EnvModeDenylist)
	}
	for i := range c.Servers {
		if c.Servers[i].Kind == "" {
			c.Servers[i].Kind = string(transport.KindStdio)
		}
		if c.Servers[i].Kind == string(transport.KindStreamableHTTP) && c.Servers[i].MaxRetries == 0 {
			c.Servers[i].MaxRetries = 3
		}
	}
}

// Validate runs every ServerSpec through pkg/mcp/security's validators
// (command sanitization or URL safety depending on kind, environment
// filtering, server-name pattern). registry.ConnectAll does not call it and
// checks only the server name.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if err := security.ValidateServerName(s.Name); err != nil {
			return fmt.Errorf("config: server %q: %w", s.Name, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		policy, err := c.Security.ForServer(s.Name)
		if err != nil {
			return err
		}

		switch s.Kind {
		case string(transport.KindStdio):
			if len(s.Command) == 0 {
				return fmt.Errorf("config: server %q: stdio requires a command", s.Name)
			}
			joined := s.Command[0]
			for _, arg := range s.Command[1:] {
				joined += " " + arg
			}
			if _, err := security.SanitizeCommand(joined, policy.level()); err != nil {
				return fmt.Errorf("config: server %q: %w", s.Name, err)
			}
			if _, err := security.ValidateEnvironment(s.Env, security.ValidateEnvironmentOptions{
				Level:       policy.level(),
				Mode:        policy.envMode(),
				AllowedVars: policy.EnvAllowlist,
				DeniedVars:  policy.EnvDenylist,
			}); err != nil {
				return fmt.Errorf("config: server %q: %w", s.Name, err)
			}
		case string(transport.KindStreamableHTTP):
			if err := security.ValidateURL(s.URL, security.ValidateURLOptions{
				AllowPrivateIPs:  policy.AllowPrivateIPs,
				AllowLocalhost:   policy.AllowLocalhost,
				AllowedHostnames: policy.AllowedHostnames,
			}); err != nil {
				return fmt.Errorf("config: server %q: %w", s.Name, err)
			}
		default:
			return fmt.Errorf("config: server %q: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// ServerConfigs converts every entry to the shape registry.New accepts.
func (c *Config) ServerConfigs() []registry.ServerConfig {
	out := make([]registry.ServerConfig, len(c.Servers))
	for i, s := range c.Servers {
		out[i] = s.ToServerConfig()
	}
	return out
}
