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

package memory

import (
	"fmt"
	"strings"
)

// NormalizeQuery reduces a search query to its pattern string.
// Accepted shapes: a plain string, or a map carrying a "pattern" key.
// Non-string keys are compared via string coercion, so numeric queries
// work too.
func NormalizeQuery(query any) (string, error) {
	switch q := query.(type) {
	case nil:
		return "", nil
	case string:
		return q, nil
	case map[string]any:
		if p, ok := q["pattern"]; ok {
			return fmt.Sprint(p), nil
		}
		return "", fmt.Errorf("query map must carry a 'pattern' key")
	default:
		return fmt.Sprint(q), nil
	}
}

// MatchKey reports whether key matches pattern. An empty pattern or "*"
// matches everything; otherwise matching is by substring.
func MatchKey(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return strings.Contains(key, pattern)
}

// MatchItem reports whether an item matches pattern: either its key or
// the string form of its value contains the pattern.
func MatchItem(item Item, pattern string) bool {
	if MatchKey(item.Key, pattern) {
		return true
	}
	if pattern == "" || pattern == "*" {
		return true
	}
	return strings.Contains(fmt.Sprint(item.Value), pattern)
}
