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

// Package tool defines the tool contract and the executor that runs
// the tool calls of one assistant turn in parallel. Resolution is
// always by declared name; a call naming an unknown tool produces an
// error result for the LLM rather than failing the stage.
package tool

import (
	"context"

	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// Tool is a named capability the LLM can invoke.
type Tool interface {
	// Name is the declared tool name the LLM addresses.
	Name() string

	// Description is surfaced to the provider alongside the schema.
	Description() string

	// Schema is the JSON-Schema-shaped parameter surface.
	Schema() map[string]any

	// Call runs the tool. A returned error becomes an error result the
	// LLM sees; it does not fail the stage.
	Call(ctx context.Context, tctx Context, args map[string]any) (any, error)
}

// Context is the read-only invocation context handed to every tool.
type Context struct {
	// Memory is the session's memory manager, the sole mutation point
	// for cross-stage data.
	Memory *memory.Manager

	Agent     string
	SessionID string
	Stage     string
}

// Registry maps declared names to tools, preserving registration order.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// RegisterTool registers a tool under its own name.
func (r *Registry) RegisterTool(t Tool) error {
	return r.Register(t.Name(), t)
}

// RegisterAll registers every tool, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := r.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}
