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

// Package workflow executes an agent spec: the per-stage runtime and
// the DAG executor state machine above it.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/prompt"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// ExecutionContext is the read-only snapshot a stage invocation runs
// against. The executor builds one per dispatch.
type ExecutionContext struct {
	Agent     string
	SessionID string
	Stage     string

	// GlobalInput is the session input map.
	GlobalInput map[string]any

	// DependencyResults holds the results of every depends_on stage at
	// dispatch time.
	DependencyResults map[string]any

	Memory  *memory.Manager
	Invoker *agent.Invoker

	// State is the user-state snapshot at dispatch time.
	State agent.State

	// MaxIterations bounds provider calls for this stage entry.
	MaxIterations int

	// History, when non-nil, replaces the declared messages as the
	// conversation start (stateful follow-up turns).
	History []protocol.Message

	// HistoryBudget caps the token estimate of a reused History.
	// Zero disables trimming.
	HistoryBudget int

	// FollowUpParts is an extra user turn appended to History.
	FollowUpParts []protocol.Part
}

// StageOutcome is what a stage run produces.
type StageOutcome struct {
	Value   any
	State   agent.State
	History []protocol.Message
}

// StageRunner executes a single stage end to end: input preparation,
// schema validation, the LLM loop, output validation and post-call.
type StageRunner struct {
	providers *llm.Registry
	processor *llm.Processor
	logger    *slog.Logger
}

// NewStageRunner builds a runner. logger may be nil.
func NewStageRunner(providers *llm.Registry, processor *llm.Processor, logger *slog.Logger) *StageRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageRunner{providers: providers, processor: processor, logger: logger}
}

// Run executes stage under ec.
func (r *StageRunner) Run(ctx context.Context, stage agent.StageSpec, ec ExecutionContext) (*StageOutcome, error) {
	state := ec.Invoker.StageStart(ctx, stage.Name, ec.State)

	input, err := PrepareInput(stage, ec.GlobalInput, ec.DependencyResults)
	if err != nil {
		return nil, err
	}

	if len(stage.InputSchema) > 0 {
		if err := llm.ValidateData(stage.InputSchema, input); err != nil {
			return nil, err
		}
	}

	var value any
	var history []protocol.Message

	if stage.LLM == nil {
		// pass-through stage
		value = ec.DependencyResults
	} else {
		provider, ok := r.providers.Get(stage.LLM.Provider)
		if !ok {
			return nil, agenterr.NewInvalidConfig("stage '%s' references unknown provider '%s'", stage.Name, stage.LLM.Provider)
		}

		initial := ec.History
		if initial == nil {
			initial, err = prompt.BuildInitialHistory(stage.LLM, input)
			if err != nil {
				return nil, err
			}
		} else if ec.HistoryBudget > 0 {
			initial = r.trimHistory(stage, initial, ec.HistoryBudget)
		}
		if len(ec.FollowUpParts) > 0 {
			initial = prompt.AppendUserTurn(initial, ec.FollowUpParts)
		}

		result, err := r.processor.Run(ctx, provider, stage.LLM, ec.MaxIterations, initial, state, llm.StageContext{
			Agent:     ec.Agent,
			SessionID: ec.SessionID,
			Stage:     stage.Name,
			Memory:    ec.Memory,
			Invoker:   ec.Invoker,
		})
		if err != nil {
			return nil, err
		}
		value = result.Value()
		state = result.UserState
		history = result.History
	}

	if len(stage.OutputSchema) > 0 {
		if err := llm.ValidateData(stage.OutputSchema, normalizeResult(value)); err != nil {
			return nil, err
		}
	}

	if stage.PostCall != nil {
		mixed, err := stage.PostCall(input, value)
		if err != nil {
			return nil, agenterr.NewExecution(stage.Name, err)
		}
		value = mixed
	}

	return &StageOutcome{Value: value, State: state, History: history}, nil
}

// trimHistory bounds a reused conversation before the next turn. An
// unavailable token encoding keeps the full history rather than fail
// the stage.
func (r *StageRunner) trimHistory(stage agent.StageSpec, history []protocol.Message, budget int) []protocol.Message {
	counter, err := prompt.NewCounter(stage.LLM.Model)
	if err != nil {
		r.logger.Warn("token counter unavailable, keeping full history",
			"stage", stage.Name, "model", stage.LLM.Model, "error", err)
		return history
	}
	trimmed := counter.TrimHistory(history, budget)
	if len(trimmed) < len(history) {
		r.logger.Debug("trimmed follow-up history",
			"stage", stage.Name, "kept", len(trimmed), "dropped", len(history)-len(trimmed))
	}
	return trimmed
}

// PrepareInput computes the stage input: the global input, optionally
// overlaid with data selected from one upstream result.
func PrepareInput(stage agent.StageSpec, globalInput, depResults map[string]any) (map[string]any, error) {
	input := make(map[string]any, len(globalInput)+1)
	for k, v := range globalInput {
		input[k] = v
	}

	if stage.Input == nil {
		return input, nil
	}

	upstream, ok := depResults[stage.Input.From]
	if !ok {
		return nil, agenterr.NewExecution(stage.Name,
			fmt.Errorf("input selector references result of '%s' which is not available", stage.Input.From))
	}

	selected := normalizeResult(upstream)
	if stage.Input.Select != "" {
		selected, ok = GetIn(selected, stage.Input.Select)
		if !ok {
			return nil, agenterr.NewExecution(stage.Name,
				fmt.Errorf("path %q not found in result of '%s'", stage.Input.Select, stage.Input.From))
		}
	}

	if m, ok := selected.(map[string]any); ok {
		for k, v := range m {
			input[k] = v
		}
	} else {
		input["selected_input"] = selected
	}
	return input, nil
}

// normalizeResult makes an upstream stage value selectable: a parts
// list collapses to its first DataPart's map when one exists.
func normalizeResult(v any) any {
	if parts, ok := v.([]protocol.Part); ok {
		if data, ok := protocol.FirstData(parts); ok {
			return data
		}
	}
	return v
}

// GetIn walks a dotted path through nested string-keyed maps.
func GetIn(value any, path string) (any, bool) {
	current := value
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
