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

package prompt

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/conductor/pkg/protocol"
)

const fallbackEncoding = "cl100k_base"

// Counter estimates token usage of messages for one model family.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a counter for model, falling back to the cl100k
// encoding for unknown model names.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	return &Counter{enc: enc}, nil
}

// CountMessage estimates the tokens one message contributes.
func (c *Counter) CountMessage(msg protocol.Message) int {
	total := 0
	for _, part := range msg.Parts {
		total += len(c.enc.Encode(partText(part), nil, nil))
	}
	// role and message framing overhead
	return total + 4
}

// CountHistory estimates the tokens of a whole conversation.
func (c *Counter) CountHistory(history []protocol.Message) int {
	total := 0
	for _, msg := range history {
		total += c.CountMessage(msg)
	}
	return total
}

// TrimHistory drops the oldest non-system messages until the estimate
// fits budget. System messages and the most recent message always
// survive; a budget of zero or less disables trimming.
func (c *Counter) TrimHistory(history []protocol.Message, budget int) []protocol.Message {
	if budget <= 0 || c.CountHistory(history) <= budget {
		return history
	}

	kept := make([]bool, len(history))
	total := 0
	for i, msg := range history {
		if msg.Role == protocol.RoleSystem || i == len(history)-1 {
			kept[i] = true
			total += c.CountMessage(msg)
		}
	}

	// refill newest-first with whatever budget remains
	for i := len(history) - 1; i >= 0; i-- {
		if kept[i] {
			continue
		}
		cost := c.CountMessage(history[i])
		if total+cost > budget {
			continue
		}
		kept[i] = true
		total += cost
	}

	out := make([]protocol.Message, 0, len(history))
	for i, msg := range history {
		if kept[i] {
			out = append(out, msg)
		}
	}
	return out
}

// partText renders one part to the text used for counting. Structured
// parts count their JSON form, which tracks what providers bill.
func partText(p protocol.Part) string {
	switch part := p.(type) {
	case protocol.TextPart:
		return part.Text
	case protocol.ThoughtPart:
		return part.Text
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
