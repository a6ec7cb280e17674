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

// Package functiontool adapts plain Go functions into tools. The
// parameter schema is derived from the function's argument struct via
// reflection, so hosts declare tools without hand-writing JSON Schema.
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/conductor/pkg/tool"
)

// Func is the adapted function shape. T is a struct whose exported
// fields (with json tags) become the tool parameters.
type Func[T any] func(ctx context.Context, tctx tool.Context, args T) (any, error)

// FunctionTool wraps one Func with its derived schema.
type FunctionTool[T any] struct {
	name        string
	description string
	schema      map[string]any
	fn          Func[T]
}

// New adapts fn into a Tool named name.
func New[T any](name, description string, fn Func[T]) (*FunctionTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("function tool requires a name")
	}
	if fn == nil {
		return nil, fmt.Errorf("function tool '%s' requires a function", name)
	}

	schema, err := deriveSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("deriving schema for tool '%s': %w", name, err)
	}

	return &FunctionTool[T]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

// MustNew is New that panics on error, for static tool declarations.
func MustNew[T any](name, description string, fn Func[T]) *FunctionTool[T] {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FunctionTool[T]) Name() string        { return t.name }
func (t *FunctionTool[T]) Description() string { return t.description }

func (t *FunctionTool[T]) Schema() map[string]any { return t.schema }

func (t *FunctionTool[T]) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	var typed T
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("arguments do not match tool '%s' parameters: %w", t.name, err)
	}
	return t.fn(ctx, tctx, typed)
}

// deriveSchema reflects T into a plain JSON-Schema map. References are
// inlined so providers receive a self-contained object schema.
func deriveSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}

	var zero T
	schema := reflector.Reflect(&zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	// providers only care about the parameter surface
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
