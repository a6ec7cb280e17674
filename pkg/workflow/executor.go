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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/dag"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// Status is the executor's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPlanning     Status = "planning"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// SessionState is the executor-owned bookkeeping for one run. The
// three stage sets partition the DAG at every observable point.
type SessionState struct {
	SessionID string
	StartedAt time.Time

	Pending   map[string]bool
	InFlight  map[string]bool
	Completed map[string]bool

	Results   map[string]any
	Histories map[string][]protocol.Message

	UserState agent.State
	Retries   map[string]int

	LastTransitionAt time.Time
	Err              error
}

// Options tunes one executor run beyond the spec defaults.
type Options struct {
	// PreCompleted seeds stages as already completed with the given
	// results, used when replaying part of a DAG for a follow-up turn.
	PreCompleted map[string]any

	// Histories carries prior conversations per stage for stateful
	// follow-ups.
	Histories map[string][]protocol.Message

	// FollowUpStage receives FollowUpParts as an extra user turn.
	FollowUpStage string
	FollowUpParts []protocol.Part
}

// Result is a successful executor run.
type Result struct {
	Results   map[string]any
	Histories map[string][]protocol.Message
	UserState agent.State
}

type stageOutcome struct {
	stage   string
	value   any
	state   agent.State
	history []protocol.Message
	err     error
}

// Executor runs one agent session as a single-threaded state machine:
// plan the ready set, dispatch workers, collect outcomes, replan. Only
// the Run goroutine touches SessionState.
type Executor struct {
	spec    *agent.Spec
	graph   *dag.Graph
	runner  *StageRunner
	mem     *memory.Manager
	invoker *agent.Invoker
	hooks   observability.Hooks
	logger  *slog.Logger
	node    string
}

// NewExecutor builds an executor for spec. hooks and logger may be nil.
func NewExecutor(spec *agent.Spec, runner *StageRunner, mem *memory.Manager, hooks observability.Hooks, logger *slog.Logger) *Executor {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	node, _ := os.Hostname()
	if node == "" {
		node = "local"
	}

	nodes := make([]dag.Node, 0, len(spec.Stages))
	for _, stage := range spec.Stages {
		nodes = append(nodes, dag.Node{Name: stage.Name, DependsOn: stage.DependsOn})
	}

	return &Executor{
		spec:    spec,
		graph:   dag.Build(nodes),
		runner:  runner,
		mem:     mem,
		invoker: agent.NewInvoker(spec.Callbacks, logger),
		hooks:   hooks,
		logger:  logger,
		node:    node,
	}
}

// Run executes the whole DAG and blocks until a terminal state.
func (e *Executor) Run(ctx context.Context, sessionID string, input map[string]any, initialState agent.State, opts Options) (result *Result, err error) {
	spanCtx, span := e.hooks.Start(ctx, observability.EventAgentExecution, observability.Attrs{
		"agent":      e.spec.Name,
		"session_id": sessionID,
		"input_keys": mapKeys(input),
		"state_keys": mapKeys(initialState),
	})
	defer func() {
		reason := "completed"
		numResults := 0
		if result != nil {
			numResults = len(result.Results)
		}
		if err != nil {
			reason = fmt.Sprintf("%v", agenterr.ClassOf(err))
		}
		span.End(observability.Attrs{
			"agent":       e.spec.Name,
			"session_id":  sessionID,
			"reason":      reason,
			"num_results": numResults,
		})
	}()
	ctx = spanCtx

	start := time.Now()
	defer func() {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordSession(ctx, time.Since(start), e.graph.Size(), err)
		}
	}()

	// initializing
	if err := e.graph.Validate(); err != nil {
		return nil, err
	}
	state := e.initState(sessionID, initialState, opts)

	outcomes := make(chan stageOutcome)
	inFlightTotal := 0
	halted := false

	for {
		// planning
		ready, done, planErr := e.plan(ctx, state, halted)
		if planErr != nil {
			e.awaitDrain(outcomes, inFlightTotal, state)
			return nil, planErr
		}
		if done {
			if halted {
				e.awaitDrain(outcomes, inFlightTotal, state)
				return nil, state.Err
			}
			if inFlightTotal == 0 {
				results := state.Results
				e.invoker.Complete(ctx, results, state.UserState)
				return &Result{Results: results, Histories: state.Histories, UserState: state.UserState}, nil
			}
		}

		for _, name := range ready {
			delete(state.Pending, name)
			state.InFlight[name] = true
			inFlightTotal++
			e.dispatch(ctx, name, input, state, opts, outcomes)
		}
		state.LastTransitionAt = time.Now()

		if inFlightTotal == 0 {
			// nothing running and nothing dispatched: plan() guarantees
			// this only happens in terminal paths handled above
			continue
		}

		// executing: wait for one outcome, then replan
		select {
		case <-ctx.Done():
			state.Err = agenterr.NewExecution("", agenterr.ErrTimeout)
			return nil, state.Err
		case outcome := <-outcomes:
			inFlightTotal--
			if stop := e.collect(ctx, outcome, state, initialState); stop {
				halted = true
			}
		}
	}
}

func (e *Executor) initState(sessionID string, initialState agent.State, opts Options) *SessionState {
	now := time.Now()
	state := &SessionState{
		SessionID:        sessionID,
		StartedAt:        now,
		LastTransitionAt: now,
		Pending:          make(map[string]bool, e.graph.Size()),
		InFlight:         make(map[string]bool),
		Completed:        make(map[string]bool),
		Results:          make(map[string]any),
		Histories:        make(map[string][]protocol.Message),
		Retries:          make(map[string]int),
		UserState:        initialState,
	}
	if state.UserState == nil {
		state.UserState = agent.State{}
	}

	for _, name := range e.graph.Names() {
		if value, ok := opts.PreCompleted[name]; ok {
			state.Completed[name] = true
			state.Results[name] = value
			continue
		}
		state.Pending[name] = true
	}
	for stage, history := range opts.Histories {
		state.Histories[stage] = history
	}
	return state
}

// plan computes the effective ready set. done reports a terminal
// condition: every stage completed, or a halt with nothing to drain.
func (e *Executor) plan(ctx context.Context, state *SessionState, halted bool) (ready []string, done bool, err error) {
	_, span := e.hooks.Start(ctx, observability.EventDAGPlanning, observability.Attrs{
		"agent":           e.spec.Name,
		"session_id":      state.SessionID,
		"completed_count": len(state.Completed),
		"total":           e.graph.Size(),
	})

	fromDAG := e.graph.FindReady(state.Completed)

	status := "planned"
	if !halted {
		for _, name := range fromDAG {
			if state.Pending[name] {
				ready = append(ready, name)
			}
		}
	} else {
		status = "halted"
	}

	switch {
	case len(state.Completed) == e.graph.Size():
		done = true
		status = "completed"
	case halted:
		done = true
	case len(ready) == 0 && len(state.InFlight) == 0:
		err = agenterr.NewExecution("", agenterr.ErrUnreachableStages)
		status = "unreachable"
	}

	span.End(observability.Attrs{
		"agent":           e.spec.Name,
		"session_id":      state.SessionID,
		"ready_from_dag":  len(fromDAG),
		"planned":         len(ready),
		"effective_ready": ready,
		"status":          status,
	})
	return ready, done, err
}

func (e *Executor) dispatch(ctx context.Context, name string, input map[string]any, state *SessionState, opts Options, outcomes chan<- stageOutcome) {
	stage, _ := e.spec.Stage(name)

	deps := make(map[string]any, len(stage.DependsOn))
	for _, dep := range stage.DependsOn {
		deps[dep] = state.Results[dep]
	}

	ec := ExecutionContext{
		Agent:             e.spec.Name,
		SessionID:         state.SessionID,
		Stage:             name,
		GlobalInput:       input,
		DependencyResults: deps,
		Memory:            e.mem,
		Invoker:           e.invoker,
		State:             state.UserState.Clone(),
		MaxIterations:     e.spec.Config.EffectiveMaxToolIterations(),
		History:           state.Histories[name],
		HistoryBudget:     e.spec.Config.HistoryTokenBudget,
	}
	if opts.FollowUpStage == name {
		ec.FollowUpParts = opts.FollowUpParts
	}

	go func() {
		spanCtx, span := e.hooks.Start(ctx, observability.EventStageExecution, observability.Attrs{
			"agent":      e.spec.Name,
			"session_id": state.SessionID,
			"stage":      name,
			"node":       e.node,
		})

		start := time.Now()
		outcome, err := e.runner.Run(spanCtx, stage, ec)

		stopAttrs := observability.Attrs{
			"agent":      e.spec.Name,
			"session_id": state.SessionID,
			"stage":      name,
			"node":       e.node,
		}
		out := stageOutcome{stage: name, err: err}
		if err == nil {
			out = stageOutcome{stage: name, value: outcome.Value, state: outcome.State, history: outcome.History}
			stopAttrs["result_status"] = "ok"
			stopAttrs["payload_type"] = fmt.Sprintf("%T", outcome.Value)
		} else {
			stopAttrs["result_status"] = "error"
			stopAttrs["payload_type"] = fmt.Sprintf("%T", err)
		}
		span.End(stopAttrs)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordStageExecution(spanCtx, name, time.Since(start), err)
		}

		// never block once the run context is gone: the executor stops
		// receiving on timeout
		select {
		case outcomes <- out:
		case <-ctx.Done():
		}
	}()
}

// collect folds one worker outcome into the session state. It returns
// true when the session must halt after the in-flight stages drain.
func (e *Executor) collect(ctx context.Context, outcome stageOutcome, state *SessionState, initialState agent.State) bool {
	delete(state.InFlight, outcome.stage)
	state.LastTransitionAt = time.Now()

	if outcome.err == nil {
		state.Completed[outcome.stage] = true
		state.Results[outcome.stage] = outcome.value
		if outcome.history != nil {
			state.Histories[outcome.stage] = outcome.history
		}
		if outcome.state != nil {
			state.UserState = outcome.state
		}
		state.UserState = e.invoker.StageFinish(ctx, outcome.stage, outcome.value, state.UserState)
		return false
	}

	class := agenterr.ClassOf(outcome.err)
	decision := e.invoker.Error(ctx, class, outcome.err, state.UserState)
	state.UserState = decision.State

	switch decision.Action {
	case agent.ActionRetry:
		if e.retryBudgetExceeded(outcome.stage, state) {
			e.logger.Warn("stage retry budget exhausted", "stage", outcome.stage, "error", outcome.err)
			state.Err = outcome.err
			return true
		}
		state.Retries[outcome.stage]++
		state.Pending[outcome.stage] = true
		e.logger.Info("retrying stage", "stage", outcome.stage, "attempt", state.Retries[outcome.stage], "class", class)
		return false

	case agent.ActionRestart:
		state.UserState = initialState.Clone()
		state.Pending[outcome.stage] = true
		e.logger.Info("restarting stage with initial state", "stage", outcome.stage)
		return false

	default: // stop
		state.Err = outcome.err
		return true
	}
}

func (e *Executor) retryBudgetExceeded(stage string, state *SessionState) bool {
	limit := e.spec.Config.RetryLimit
	if limit == nil {
		return false
	}
	return state.Retries[stage] >= *limit
}

// awaitDrain lets in-flight siblings finish and records their results,
// without starting another planning cycle.
func (e *Executor) awaitDrain(outcomes <-chan stageOutcome, inFlight int, state *SessionState) {
	for ; inFlight > 0; inFlight-- {
		outcome := <-outcomes
		delete(state.InFlight, outcome.stage)
		if outcome.err == nil {
			state.Completed[outcome.stage] = true
			state.Results[outcome.stage] = outcome.value
		}
	}
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
