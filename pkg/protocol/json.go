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

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// partEnvelope is the wire shape of a Part: a type tag plus the union of
// all part fields.
type partEnvelope struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Name      string         `json:"name,omitempty"`
	MIME      string         `json:"mime,omitempty"`
	Bytes     string         `json:"bytes,omitempty"`
	URI       string         `json:"uri,omitempty"`
	ID        string         `json:"id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// MarshalPart encodes a part into its tagged JSON envelope.
func MarshalPart(p Part) ([]byte, error) {
	env := partEnvelope{Type: p.PartType()}
	switch v := p.(type) {
	case TextPart:
		env.Text = v.Text
	case DataPart:
		env.Data = v.Data
	case FilePart:
		env.Name = v.Name
		env.MIME = v.MIME
		env.URI = v.URI
		if len(v.Bytes) > 0 {
			env.Bytes = base64.StdEncoding.EncodeToString(v.Bytes)
		}
	case FunctionCallPart:
		env.ID = v.ID
		env.Name = v.Name
		env.Arguments = v.Arguments
	case FunctionResultPart:
		env.ID = v.ID
		env.Name = v.Name
		env.Result = v.Result
	case ThoughtPart:
		env.Text = v.Text
	default:
		return nil, fmt.Errorf("unknown part type %T", p)
	}
	return json.Marshal(env)
}

// UnmarshalPart decodes a tagged JSON envelope into a concrete part.
func UnmarshalPart(data []byte) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "text":
		return TextPart{Text: env.Text}, nil
	case "data":
		return DataPart{Data: env.Data}, nil
	case "file":
		f := FilePart{Name: env.Name, MIME: env.MIME, URI: env.URI}
		if env.Bytes != "" {
			raw, err := base64.StdEncoding.DecodeString(env.Bytes)
			if err != nil {
				return nil, fmt.Errorf("file part bytes: %w", err)
			}
			f.Bytes = raw
		}
		return f, nil
	case "function_call":
		return FunctionCallPart{ID: env.ID, Name: env.Name, Arguments: env.Arguments}, nil
	case "function_result":
		return FunctionResultPart{ID: env.ID, Name: env.Name, Result: env.Result}, nil
	case "thought":
		return ThoughtPart{Text: env.Text}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", env.Type)
	}
}

// MarshalParts encodes a part slice into raw envelopes, for embedding
// parts inside larger JSON documents.
func MarshalParts(parts []Part) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

type messageEnvelope struct {
	Role  Role              `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// MarshalJSON implements json.Marshaler for Message.
func (m Message) MarshalJSON() ([]byte, error) {
	env := messageEnvelope{Role: m.Role, Parts: make([]json.RawMessage, 0, len(m.Parts))}
	for _, p := range m.Parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		env.Parts = append(env.Parts, raw)
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler for Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Role = env.Role
	m.Parts = m.Parts[:0]
	for _, raw := range env.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}
