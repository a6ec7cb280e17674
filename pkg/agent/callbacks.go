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
	"context"
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// State is the user-owned session state threaded through callbacks.
// The executor applies returned states serially; callbacks must treat
// the received map as a snapshot.
type State map[string]any

// Clone returns a shallow copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Action is the recovery verb a HandleError callback returns.
type Action string

const (
	// ActionRetry reschedules the failed stage, keeping the returned state.
	ActionRetry Action = "retry"
	// ActionRestart resets user state to its initial value and reschedules.
	ActionRestart Action = "restart"
	// ActionStop terminates the session with the failure.
	ActionStop Action = "stop"
)

// Decision is the outcome of HandleError.
type Decision struct {
	Action Action
	State  State
}

// Callbacks is the lifecycle surface a host can implement. Every
// method is optional in spirit: embed NoopCallbacks and override what
// you need. Returning a nil State means "no change".
type Callbacks interface {
	// HandleStageStart fires before a stage's first LLM iteration.
	HandleStageStart(ctx context.Context, stage string, state State) (State, error)

	// HandleToolCall fires before each tool invocation. An error keeps
	// the current state; the tool still receives an error result
	// message so the LLM can react.
	HandleToolCall(ctx context.Context, stage string, call protocol.FunctionCallPart, state State) (State, error)

	// HandleToolResult fires after each tool invocation with its result
	// or error.
	HandleToolResult(ctx context.Context, stage string, result protocol.FunctionResultPart, state State) (State, error)

	// HandleError decides how the executor reacts to a stage failure.
	HandleError(ctx context.Context, class agenterr.Class, err error, state State) Decision

	// HandleStageFinish fires after a stage's result is recorded.
	HandleStageFinish(ctx context.Context, stage string, result any, state State) (State, error)

	// HandleComplete fires once with the full result map when the
	// session reaches its terminal completed state.
	HandleComplete(ctx context.Context, results map[string]any, state State)
}

// NoopCallbacks implements Callbacks with passthrough behavior and the
// default error policy: retry external errors, stop on everything else.
type NoopCallbacks struct{}

func (NoopCallbacks) HandleStageStart(ctx context.Context, stage string, state State) (State, error) {
	return nil, nil
}

func (NoopCallbacks) HandleToolCall(ctx context.Context, stage string, call protocol.FunctionCallPart, state State) (State, error) {
	return nil, nil
}

func (NoopCallbacks) HandleToolResult(ctx context.Context, stage string, result protocol.FunctionResultPart, state State) (State, error) {
	return nil, nil
}

func (NoopCallbacks) HandleError(ctx context.Context, class agenterr.Class, err error, state State) Decision {
	if class == agenterr.ClassExternal {
		return Decision{Action: ActionRetry, State: state}
	}
	return Decision{Action: ActionStop, State: state}
}

func (NoopCallbacks) HandleStageFinish(ctx context.Context, stage string, result any, state State) (State, error) {
	return nil, nil
}

func (NoopCallbacks) HandleComplete(ctx context.Context, results map[string]any, state State) {}

var _ Callbacks = NoopCallbacks{}

// Invoker wraps a Callbacks implementation with the safety contract:
// panics are caught and logged, errors are logged, and both are
// treated as "no state change". It also normalizes nil callbacks to
// NoopCallbacks so callers never branch.
type Invoker struct {
	cb     Callbacks
	logger *slog.Logger
}

// NewInvoker builds an Invoker. Both arguments may be nil.
func NewInvoker(cb Callbacks, logger *slog.Logger) *Invoker {
	if cb == nil {
		cb = NoopCallbacks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{cb: cb, logger: logger}
}

// StageStart invokes HandleStageStart, returning the effective state.
func (iv *Invoker) StageStart(ctx context.Context, stage string, state State) State {
	return iv.applyStateful("handle_stage_start", state, func() (State, error) {
		return iv.cb.HandleStageStart(ctx, stage, state)
	})
}

// ToolCall invokes HandleToolCall. The bool reports whether the
// callback vetoed the call (returned an error).
func (iv *Invoker) ToolCall(ctx context.Context, stage string, call protocol.FunctionCallPart, state State) (State, bool) {
	vetoed := false
	next := iv.applyStateful("handle_tool_call", state, func() (State, error) {
		newState, err := iv.cb.HandleToolCall(ctx, stage, call, state)
		if err != nil {
			vetoed = true
		}
		return newState, err
	})
	return next, vetoed
}

// ToolResult invokes HandleToolResult, returning the effective state.
func (iv *Invoker) ToolResult(ctx context.Context, stage string, result protocol.FunctionResultPart, state State) State {
	return iv.applyStateful("handle_tool_result", state, func() (State, error) {
		return iv.cb.HandleToolResult(ctx, stage, result, state)
	})
}

// StageFinish invokes HandleStageFinish, returning the effective state.
func (iv *Invoker) StageFinish(ctx context.Context, stage string, result any, state State) State {
	return iv.applyStateful("handle_stage_finish", state, func() (State, error) {
		return iv.cb.HandleStageFinish(ctx, stage, result, state)
	})
}

// Error invokes HandleError. A panic inside the callback degrades to
// the default policy so a buggy handler cannot wedge the executor.
func (iv *Invoker) Error(ctx context.Context, class agenterr.Class, err error, state State) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			iv.logger.Error("callback panicked", "callback", "handle_error", "panic", r)
			decision = NoopCallbacks{}.HandleError(ctx, class, err, state)
		}
	}()
	decision = iv.cb.HandleError(ctx, class, err, state)
	if decision.State == nil {
		decision.State = state
	}
	return decision
}

// Complete invokes HandleComplete, swallowing panics.
func (iv *Invoker) Complete(ctx context.Context, results map[string]any, state State) {
	defer func() {
		if r := recover(); r != nil {
			iv.logger.Error("callback panicked", "callback", "handle_complete", "panic", r)
		}
	}()
	iv.cb.HandleComplete(ctx, results, state)
}

func (iv *Invoker) applyStateful(name string, current State, fn func() (State, error)) (next State) {
	next = current
	defer func() {
		if r := recover(); r != nil {
			iv.logger.Error("callback panicked", "callback", name, "panic", r)
			next = current
		}
	}()

	newState, err := fn()
	if err != nil {
		iv.logger.Warn("callback returned error", "callback", name, "error", err)
		return current
	}
	if newState != nil {
		return newState
	}
	return current
}
