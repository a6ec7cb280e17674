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

// Package llm holds the provider contract and the processor that
// drives the per-stage tool-calling loop. Providers are pure
// completion capabilities; everything stateful lives in the processor
// and the session above it.
package llm

import (
	"context"
	"os"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// ToolDefinition is the declared tool surface handed to a provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one completion request.
type Request struct {
	Model    string
	Messages []protocol.Message
	Params   agent.Params
	Tools    []ToolDefinition
}

// Provider is the single capability the core needs from an LLM vendor.
type Provider interface {
	Name() string

	// Completion sends a request and returns the assistant parts.
	// Implementations classify failures via agenterr.NewProvider so the
	// executor can apply its retry policy.
	Completion(ctx context.Context, req Request) ([]protocol.Part, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// RegisterProvider registers a provider under its own name.
func (r *Registry) RegisterProvider(p Provider) error {
	return r.Register(p.Name(), p)
}

// ResolveAPIKey reads the credential named by params. Providers call
// this at request time so rotated keys are picked up without restart.
func ResolveAPIKey(params agent.Params) string {
	if params.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(params.APIKeyEnv)
}
