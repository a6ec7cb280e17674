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

package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// ValidateData checks value against a JSON-Schema-shaped map. Both are
// round-tripped through JSON so Go-typed literals (int, nested structs)
// compare the way a wire payload would.
func ValidateData(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return nil
	}

	schemaDoc, err := jsonRoundTrip(schema)
	if err != nil {
		return agenterr.NewValidation(fmt.Errorf("unusable schema: %w", err))
	}
	instance, err := jsonRoundTrip(value)
	if err != nil {
		return agenterr.NewValidation(fmt.Errorf("unusable value: %w", err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema", schemaDoc); err != nil {
		return agenterr.NewValidation(err)
	}
	compiled, err := compiler.Compile("inline://schema")
	if err != nil {
		return agenterr.NewValidation(err)
	}
	if err := compiled.Validate(instance); err != nil {
		return agenterr.NewValidation(err)
	}
	return nil
}

// ValidateStructured enforces the structured-response contract: the
// final assistant parts must carry a DataPart conforming to schema.
// Returns the validated data.
func ValidateStructured(parts []protocol.Part, schema map[string]any) (map[string]any, error) {
	data, ok := protocol.FirstData(parts)
	if !ok {
		return nil, agenterr.NewValidation(fmt.Errorf("structured response required but no data part in assistant message"))
	}
	if err := ValidateData(schema, data); err != nil {
		return nil, err
	}
	return data, nil
}

// jsonRoundTrip re-decodes v the way the schema validator expects:
// json.Number for numerics, plain maps and slices everywhere else.
func jsonRoundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
