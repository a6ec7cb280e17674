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

// Package agent defines the declarative agent specification: a DAG of
// stages, their LLM calls and tools, memory source declarations, and
// the lifecycle callback surface. A Spec is frozen once a session
// starts; everything runtime-mutable lives in the session.
package agent

import (
	"time"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// DefaultMaxToolIterations bounds provider calls per stage.
const DefaultMaxToolIterations = 5

// Spec is a complete, immutable agent definition.
type Spec struct {
	// Name identifies the agent in logs, telemetry and persistence.
	Name string `json:"name" mapstructure:"name"`

	// Stages in declaration order. Order is the tie-break when several
	// stages become ready in the same planning cycle.
	Stages []StageSpec `json:"stages" mapstructure:"stages"`

	// MemorySources declares the session's memory backends. Empty means
	// a single in-process default source.
	MemorySources []MemorySourceSpec `json:"memory_sources,omitempty" mapstructure:"memory_sources"`

	Config Config `json:"config" mapstructure:"config"`

	// Callbacks receives lifecycle notifications. Nil means no-op.
	Callbacks Callbacks `json:"-" mapstructure:"-"`
}

// Config carries the session-level knobs.
type Config struct {
	// MaxToolIterations caps provider calls per stage entry. Zero means
	// DefaultMaxToolIterations; negative means literally zero budget.
	MaxToolIterations int `json:"max_tool_iterations,omitempty" mapstructure:"max_tool_iterations"`

	// Timeout bounds the whole session. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`

	// RetryLimit caps per-stage retries of external errors. Nil means
	// unlimited.
	RetryLimit *int `json:"retry_limit,omitempty" mapstructure:"retry_limit"`

	// HistoryTokenBudget caps the estimated token size of a preserved
	// conversation when a stage re-runs on a follow-up turn. Oldest
	// non-system messages are dropped first. Zero disables trimming.
	HistoryTokenBudget int `json:"history_token_budget,omitempty" mapstructure:"history_token_budget"`
}

// EffectiveMaxToolIterations resolves the configured cap. The negative
// convention lets tests and guards express a zero budget, which the
// zero value (meaning "default") otherwise shadows.
func (c Config) EffectiveMaxToolIterations() int {
	switch {
	case c.MaxToolIterations > 0:
		return c.MaxToolIterations
	case c.MaxToolIterations < 0:
		return 0
	default:
		return DefaultMaxToolIterations
	}
}

// StageSpec is one node of the DAG.
type StageSpec struct {
	Name      string   `json:"name" mapstructure:"name"`
	DependsOn []string `json:"depends_on,omitempty" mapstructure:"depends_on"`

	// LLM is the stage's completion call. A stage without one is a
	// pass-through of its dependency results.
	LLM *LLMCall `json:"llm,omitempty" mapstructure:"llm"`

	// Input selects and projects upstream results into the stage input.
	Input *InputSelector `json:"input,omitempty" mapstructure:"input"`

	// InputSchema and OutputSchema are JSON-Schema-shaped maps applied
	// to the prepared input and the final parts respectively.
	InputSchema  map[string]any `json:"input_schema,omitempty" mapstructure:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty" mapstructure:"output_schema"`

	// Entrypoint marks the stage that receives follow-up user turns
	// sent with SendMessage.
	Entrypoint bool `json:"entrypoint,omitempty" mapstructure:"entrypoint"`

	// PostCall mixes a function result into the stage value after the
	// LLM loop finishes. Not serializable.
	PostCall PostCallFunc `json:"-" mapstructure:"-"`
}

// PostCallFunc transforms the stage's final value before it is
// recorded. Receives the stage input alongside the value.
type PostCallFunc func(input map[string]any, value any) (any, error)

// InputSelector routes one upstream stage's result into this stage.
type InputSelector struct {
	// From names the upstream stage whose result is selected.
	From string `json:"from" mapstructure:"from"`

	// Select is a dotted path projected out of the upstream result,
	// e.g. "report.summary". Empty takes the whole result.
	Select string `json:"select,omitempty" mapstructure:"select"`
}

// LLMCall is one declared completion request.
type LLMCall struct {
	// Provider names a registered provider; the session resolves it.
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`

	Params Params `json:"params,omitempty" mapstructure:"params"`

	// Messages is the declared prompt, expanded against the stage input
	// on first entry.
	Messages []protocol.Message `json:"messages" mapstructure:"messages"`

	// Tools the LLM may call, by declared name.
	Tools []ToolSpec `json:"tools,omitempty" mapstructure:"tools"`
}

// Params are the sampling knobs plus the structured-response contract.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	MaxTokens   int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`

	// APIKeyEnv names the environment variable holding the provider
	// credential; providers resolve it at call time.
	APIKeyEnv string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`

	// StructuredResponse, when set, requires the final assistant message
	// to carry a DataPart conforming to this JSON schema. The stage
	// result becomes the validated data.
	StructuredResponse map[string]any `json:"structured_response,omitempty" mapstructure:"structured_response"`
}

// ToolSpec declares one tool available to an LLMCall.
type ToolSpec struct {
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description,omitempty" mapstructure:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" mapstructure:"parameters"`
}

// MemorySourceSpec declares one memory backend.
type MemorySourceSpec struct {
	Name string `json:"name" mapstructure:"name"`

	// Backend names the factory: "inmem", "badger", "redis", "chromem".
	Backend string `json:"backend" mapstructure:"backend"`

	Opts map[string]any `json:"opts,omitempty" mapstructure:"opts"`

	// Default makes this the default source regardless of declaration
	// order.
	Default bool `json:"default,omitempty" mapstructure:"default"`
}

// Validate checks the structural invariants a spec must satisfy before
// a session may run it. DAG-level validation (cycles, missing deps)
// happens separately when the graph is built.
func (s *Spec) Validate() error {
	if len(s.Stages) == 0 {
		return agenterr.NewInvalidConfig("agent '%s' declares no stages", s.Name)
	}

	seen := make(map[string]bool, len(s.Stages))
	entrypoints := 0
	for _, stage := range s.Stages {
		if stage.Name == "" {
			return agenterr.NewInvalidConfig("agent '%s' has a stage with an empty name", s.Name)
		}
		if seen[stage.Name] {
			return agenterr.NewInvalidConfig("duplicate stage name '%s'", stage.Name)
		}
		seen[stage.Name] = true

		if stage.Entrypoint {
			entrypoints++
		}

		if stage.Input != nil && stage.Input.From == "" {
			return agenterr.NewInvalidConfig("stage '%s' input selector missing 'from'", stage.Name)
		}

		if stage.LLM != nil {
			if stage.LLM.Provider == "" {
				return agenterr.NewInvalidConfig("stage '%s' llm call missing provider", stage.Name)
			}
			if stage.LLM.Model == "" {
				return agenterr.NewInvalidConfig("stage '%s' llm call missing model", stage.Name)
			}
			toolNames := make(map[string]bool, len(stage.LLM.Tools))
			for _, ts := range stage.LLM.Tools {
				if ts.Name == "" {
					return agenterr.NewInvalidConfig("stage '%s' declares a tool with an empty name", stage.Name)
				}
				if toolNames[ts.Name] {
					return agenterr.NewInvalidConfig("stage '%s' declares tool '%s' twice", stage.Name, ts.Name)
				}
				toolNames[ts.Name] = true
			}
		}
	}

	for _, stage := range s.Stages {
		for _, dep := range stage.DependsOn {
			if !seen[dep] {
				return agenterr.NewInvalidConfig("stage '%s' depends on unknown stage '%s'", stage.Name, dep)
			}
		}
		if stage.Input != nil && !seen[stage.Input.From] {
			return agenterr.NewInvalidConfig("stage '%s' selects input from unknown stage '%s'", stage.Name, stage.Input.From)
		}
	}

	if entrypoints > 1 {
		return agenterr.NewInvalidConfig("agent '%s' declares %d entrypoint stages, at most one allowed", s.Name, entrypoints)
	}

	defaults := 0
	sourceNames := make(map[string]bool, len(s.MemorySources))
	for _, src := range s.MemorySources {
		if src.Name == "" {
			return agenterr.NewInvalidConfig("agent '%s' declares a memory source with an empty name", s.Name)
		}
		if sourceNames[src.Name] {
			return agenterr.NewInvalidConfig("duplicate memory source name '%s'", src.Name)
		}
		sourceNames[src.Name] = true
		if src.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return agenterr.NewInvalidConfig("agent '%s' declares %d default memory sources, at most one allowed", s.Name, defaults)
	}

	return nil
}

// Stage returns the stage with the given name.
func (s *Spec) Stage(name string) (StageSpec, bool) {
	for _, stage := range s.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return StageSpec{}, false
}

// EntrypointStage returns the stage marked as entrypoint, falling back
// to the first stage with no dependencies.
func (s *Spec) EntrypointStage() (StageSpec, bool) {
	for _, stage := range s.Stages {
		if stage.Entrypoint {
			return stage, true
		}
	}
	for _, stage := range s.Stages {
		if len(stage.DependsOn) == 0 {
			return stage, true
		}
	}
	return StageSpec{}, false
}
