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

package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfterHeader extracts rate-limit info from the standard HTTP
// Retry-After header (RFC 9110 §10.2.3), either as a delay in seconds or
// an HTTP-date. Streamable-HTTP MCP servers are not required to emit
// anything richer, so this is the only header parser this package ships.
func ParseRetryAfterHeader(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	raw := headers.Get("Retry-After")
	if raw == "" {
		return info
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
		return info
	}

	if when, err := http.ParseTime(raw); err == nil {
		info.ResetTime = when.Unix()
	}

	return info
}
