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

package agent

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// DecodeSpec materializes a Spec from structured data (a parsed YAML
// or JSON document, or a persisted agent_spec column). The result is
// validated before being returned.
func DecodeSpec(raw map[string]any) (*Spec, error) {
	var spec Spec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			messageDecodeHook,
		),
	})
	if err != nil {
		return nil, agenterr.NewParsing("agent", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, agenterr.NewParsing("agent", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

var messageType = reflect.TypeOf(protocol.Message{})

// messageDecodeHook routes message maps through the protocol JSON
// codec, which knows how to revive the Part union.
func messageDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != messageType || from.Kind() != reflect.Map {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeDuration parses a duration from either a Go duration string or
// a number of milliseconds, the two shapes hosts persist.
func DecodeDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return 0, agenterr.NewInvalidConfig("cannot interpret %T as duration", v)
	}
}
