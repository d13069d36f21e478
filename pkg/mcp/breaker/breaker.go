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

// Package breaker tracks per-server MCP connection failures and applies
// exponential backoff before allowing reconnection attempts to resume,
// independent of whatever registry or session owns the actual connection.
package breaker

import (
	"sync"
	"time"

	"github.com/kadirpekel/massgen/pkg/observability"
)

// Config tunes the failure threshold and backoff curve.
type Config struct {
	// MaxFailures is the failure count at which a server starts being skipped.
	MaxFailures int
	// ResetTime is the base backoff duration applied once MaxFailures is reached.
	ResetTime time.Duration
	// BackoffMultiplier is the exponential base applied per failure past MaxFailures.
	BackoffMultiplier int
	// MaxBackoffMultiplier caps the exponential growth.
	MaxBackoffMultiplier int
}

// DefaultConfig mirrors the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:          3,
		ResetTime:            300 * time.Second,
		BackoffMultiplier:    2,
		MaxBackoffMultiplier: 8,
	}
}

type status struct {
	failureCount    int
	lastFailureTime time.Time
}

func (s status) isFailing() bool { return s.failureCount > 0 }

// Status is the externally-visible snapshot returned by GetServerStatus and
// GetAllFailingServers.
type Status struct {
	ServerName      string
	FailureCount    int
	LastFailureTime time.Time
	BackoffTime     time.Duration
	TimeRemaining   time.Duration
	IsCircuitOpen   bool
}

// Breaker is a CircuitBreaker for MCP server connection attempts. Safe for
// concurrent use by multiple sessions/registries.
type Breaker struct {
	cfg     Config
	mu      sync.Mutex
	st      map[string]status
	now     func() time.Time
	metrics *observability.Metrics
}

// New constructs a Breaker. A zero Config falls back to DefaultConfig.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, st: make(map[string]status), now: time.Now}
}

// WithMetrics attaches a Metrics sink; every subsequent RecordFailure,
// RecordSuccess, and ShouldSkipServer call reports to it. metrics may be
// nil, in which case reporting is a no-op.
func (b *Breaker) WithMetrics(metrics *observability.Metrics) *Breaker {
	b.metrics = metrics
	return b
}

// ShouldSkipServer reports whether connection attempts to server should be
// withheld because it is within its backoff window.
func (b *Breaker) ShouldSkipServer(server string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.st[server]
	if !ok || s.failureCount < b.cfg.MaxFailures {
		return false
	}

	elapsed := b.now().Sub(s.lastFailureTime)
	backoff := b.backoffTime(s.failureCount)
	if elapsed > backoff {
		delete(b.st, server)
		b.metrics.SetBreakerCircuitOpen(server, false)
		return false
	}
	return true
}

// RecordFailure records a connection or call failure for server.
func (b *Breaker) RecordFailure(server string) {
	b.mu.Lock()
	s := b.st[server]
	s.failureCount++
	s.lastFailureTime = b.now()
	b.st[server] = s
	open := s.failureCount >= b.cfg.MaxFailures
	b.mu.Unlock()

	b.metrics.RecordBreakerFailure(server)
	b.metrics.SetBreakerCircuitOpen(server, open)
}

// RecordSuccess clears any recorded failures for server.
func (b *Breaker) RecordSuccess(server string) {
	b.mu.Lock()
	delete(b.st, server)
	b.mu.Unlock()
	b.metrics.SetBreakerCircuitOpen(server, false)
}

// GetServerStatus returns a Status snapshot for server, zero-valued if no
// failures have ever been recorded.
func (b *Breaker) GetServerStatus(server string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.st[server]
	if !ok {
		return Status{ServerName: server}
	}
	return b.statusFor(server, s)
}

// GetAllFailingServers returns a Status for every server with at least one
// recorded failure, used for diagnostic/observability surfaces.
func (b *Breaker) GetAllFailingServers() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Status)
	for server, s := range b.st {
		if s.isFailing() {
			out[server] = b.statusFor(server, s)
		}
	}
	return out
}

// ResetAllServers clears all recorded failure state.
func (b *Breaker) ResetAllServers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = make(map[string]status)
}

func (b *Breaker) statusFor(server string, s status) Status {
	backoff := b.backoffTime(s.failureCount)
	elapsed := b.now().Sub(s.lastFailureTime)
	remaining := backoff - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		ServerName:      server,
		FailureCount:    s.failureCount,
		LastFailureTime: s.lastFailureTime,
		BackoffTime:     backoff,
		TimeRemaining:   remaining,
		IsCircuitOpen:   remaining > 0 && s.failureCount >= b.cfg.MaxFailures,
	}
}

// backoffTime computes reset_time * min(multiplier^(failures-max), cap).
func (b *Breaker) backoffTime(failureCount int) time.Duration {
	if failureCount < b.cfg.MaxFailures {
		return 0
	}
	exponent := failureCount - b.cfg.MaxFailures
	multiplier := 1
	for i := 0; i < exponent; i++ {
		multiplier *= b.cfg.BackoffMultiplier
		if multiplier >= b.cfg.MaxBackoffMultiplier {
			multiplier = b.cfg.MaxBackoffMultiplier
			break
		}
	}
	return b.cfg.ResetTime * time.Duration(multiplier)
}
