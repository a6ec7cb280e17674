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

// Package prompt assembles the initial conversation for a stage:
// template expansion of declared messages against the stage input,
// and token-aware history trimming for stateful follow-ups.
//
// Templates use `<%= name %>` placeholders bound to the stage input
// map. Expansion happens exactly once per stage entry, never per
// tool-loop iteration.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

var templateVar = regexp.MustCompile(`<%=\s*([A-Za-z_][A-Za-z0-9_]*)\s*%>`)

// ExpandText substitutes every `<%= name %>` in text with the string
// form of input[name]. An unbound name is an error so typos surface at
// stage entry rather than as silent prompt damage.
func ExpandText(text string, input map[string]any) (string, error) {
	var missing []string
	expanded := templateVar.ReplaceAllStringFunc(text, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		value, ok := input[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return stringify(value)
	})
	if len(missing) > 0 {
		return "", agenterr.NewInvalidMessageFormat(
			fmt.Sprintf("unbound template variables: %s", strings.Join(missing, ", ")), text)
	}
	return expanded, nil
}

// ExpandMessage renders every TextPart of msg against input. Other
// part kinds pass through untouched; DataParts in particular carry
// structured content as-is.
func ExpandMessage(msg protocol.Message, input map[string]any) (protocol.Message, error) {
	parts := make([]protocol.Part, len(msg.Parts))
	for i, part := range msg.Parts {
		if text, ok := part.(protocol.TextPart); ok {
			expanded, err := ExpandText(text.Text, input)
			if err != nil {
				return protocol.Message{}, err
			}
			parts[i] = protocol.TextPart{Text: expanded}
			continue
		}
		parts[i] = part
	}
	return protocol.Message{Role: msg.Role, Parts: parts}, nil
}

// BuildInitialHistory expands an LLMCall's declared messages into the
// conversation sent on the stage's first provider call.
func BuildInitialHistory(call *agent.LLMCall, input map[string]any) ([]protocol.Message, error) {
	history := make([]protocol.Message, 0, len(call.Messages))
	for _, msg := range call.Messages {
		expanded, err := ExpandMessage(msg, input)
		if err != nil {
			return nil, err
		}
		history = append(history, expanded)
	}
	return history, nil
}

// AppendUserTurn splices a follow-up user message onto existing
// history, for stateful sessions receiving SendMessage parts.
func AppendUserTurn(history []protocol.Message, parts []protocol.Part) []protocol.Message {
	out := make([]protocol.Message, len(history), len(history)+1)
	copy(out, history)
	return append(out, protocol.Message{Role: protocol.RoleUser, Parts: parts})
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
