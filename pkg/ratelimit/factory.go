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

package ratelimit

import (
	"fmt"
)

// LimitConfig is one rate-limit rule as it appears in a policy file (see
// the RateLimit field of pkg/config's Config).
type LimitConfig struct {
	Type   string `yaml:"type" mapstructure:"type"`
	Window string `yaml:"window" mapstructure:"window"`
	Limit  int64  `yaml:"limit" mapstructure:"limit"`
}

// FactoryConfig is the subset of a loaded policy file that configures
// call_tool rate limiting.
type FactoryConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Scope   string        `yaml:"scope" mapstructure:"scope"`
	Limits  []LimitConfig `yaml:"limits" mapstructure:"limits"`
}

// NewRateLimiterFromConfig builds a RateLimiter backed by an in-memory
// store from a policy file's rate-limiting section. Returns (nil, nil) when
// rate limiting is disabled or cfg is nil: callers should treat a nil
// limiter as "no limiting applied", not an error.
//
// There is no persistent store here: the teacher's SQL-backed store was
// dropped along with its database stack (see DESIGN.md), so every process
// restart resets quotas. That's an acceptable trade for an MCP integration
// layer where rate limiting exists to protect servers during a single run,
// not to enforce long-lived billing quotas.
func NewRateLimiterFromConfig(cfg *FactoryConfig) (RateLimiter, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	limits := make([]LimitRule, len(cfg.Limits))
	for i, l := range cfg.Limits {
		limits[i] = LimitRule{
			Type:   ParseLimitType(l.Type),
			Window: ParseTimeWindow(l.Window),
			Limit:  l.Limit,
		}
	}

	limiterCfg := &Config{Enabled: true, Limits: limits}
	return NewRateLimiter(limiterCfg, NewMemoryStore())
}

// NewRateLimiterFromConfigWithStore creates a RateLimiter with a custom
// store. Useful for testing or when sharing a store across multiple
// limiters.
func NewRateLimiterFromConfigWithStore(cfg *FactoryConfig, store Store) (RateLimiter, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	limits := make([]LimitRule, len(cfg.Limits))
	for i, l := range cfg.Limits {
		limits[i] = LimitRule{
			Type:   ParseLimitType(l.Type),
			Window: ParseTimeWindow(l.Window),
			Limit:  l.Limit,
		}
	}

	limiterCfg := &Config{Enabled: true, Limits: limits}
	return NewRateLimiter(limiterCfg, store)
}

// ScopeFromConfig returns the rate limiting scope from configuration.
func ScopeFromConfig(cfg *FactoryConfig) Scope {
	if cfg == nil || cfg.Scope == "" {
		return ScopeSession
	}
	return ParseScope(cfg.Scope)
}
