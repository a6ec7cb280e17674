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

// Package protocol defines the provider-neutral message model.
//
// A Message is a role plus an ordered list of Parts. Parts form a tagged
// union: plain text, structured data, file references, function calls and
// results, and provider "thought" content. Providers translate this model
// to and from their own wire formats; the orchestrator core never sees a
// wire format.
package protocol

import "fmt"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is one element of a message body.
type Part interface {
	// PartType returns the wire tag of the concrete part.
	PartType() string
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// DataPart is structured JSON content, used for structured responses and
// for forwarding non-string stage input.
type DataPart struct {
	Data map[string]any
}

// FilePart references file content either inline or by URI.
type FilePart struct {
	Name  string
	MIME  string
	Bytes []byte
	URI   string
}

// FunctionCallPart is an LLM request to invoke a declared tool.
type FunctionCallPart struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// FunctionResultPart carries the outcome of one tool invocation back to
// the LLM. Result is a JSON-shaped value; errors render as strings.
type FunctionResultPart struct {
	ID     string
	Name   string
	Result any
}

// ThoughtPart is intermediate reasoning content some providers emit
// alongside tool calls. It is preserved in history but excluded from
// final stage output text.
type ThoughtPart struct {
	Text string
}

func (TextPart) PartType() string           { return "text" }
func (DataPart) PartType() string           { return "data" }
func (FilePart) PartType() string           { return "file" }
func (FunctionCallPart) PartType() string   { return "function_call" }
func (FunctionResultPart) PartType() string { return "function_result" }
func (ThoughtPart) PartType() string        { return "thought" }

// Message is one conversation turn.
type Message struct {
	Role  Role
	Parts []Part
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// SeparateFunctionCalls splits an assistant response into its non-call
// content and its function calls, both in original order.
func SeparateFunctionCalls(parts []Part) (content []Part, calls []FunctionCallPart) {
	for _, p := range parts {
		if call, ok := p.(FunctionCallPart); ok {
			calls = append(calls, call)
			continue
		}
		content = append(content, p)
	}
	return content, calls
}

// JoinText concatenates the text of all TextParts in parts.
func JoinText(parts []Part) string {
	var out string
	for _, p := range parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// FirstData returns the data of the first DataPart in parts.
func FirstData(parts []Part) (map[string]any, bool) {
	for _, p := range parts {
		if d, ok := p.(DataPart); ok {
			return d.Data, true
		}
	}
	return nil, false
}

// PreviewString renders a short human-readable label for a part, used in
// logs and telemetry attributes.
func PreviewString(p Part) string {
	switch v := p.(type) {
	case TextPart:
		return truncate(v.Text, 60)
	case DataPart:
		return fmt.Sprintf("data(%d keys)", len(v.Data))
	case FilePart:
		if v.URI != "" {
			return "file:" + v.URI
		}
		return "file:" + v.Name
	case FunctionCallPart:
		return "call:" + v.Name
	case FunctionResultPart:
		return "result:" + v.Name
	case ThoughtPart:
		return "thought:" + truncate(v.Text, 40)
	default:
		return p.PartType()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
