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
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/tool"
)

// StageContext identifies the stage invocation a processor run belongs
// to and carries the shared session resources.
type StageContext struct {
	Agent     string
	SessionID string
	Stage     string
	Memory    *memory.Manager
	Invoker   *agent.Invoker
}

// Result is a successful processor run.
type Result struct {
	// FinalParts is the assistant's terminal content.
	FinalParts []protocol.Part

	// StructuredData replaces FinalParts as the stage value when the
	// call declares a structured_response schema.
	StructuredData map[string]any

	// History is the full conversation including tool turns, kept for
	// stateful follow-up messages.
	History []protocol.Message

	// UserState is the callback-threaded state after the run.
	UserState agent.State
}

// Value returns the stage-facing value of the run.
func (r *Result) Value() any {
	if r.StructuredData != nil {
		return r.StructuredData
	}
	return r.FinalParts
}

// Processor drives the recursive tool-calling loop for one stage.
type Processor struct {
	executor *tool.Executor
	hooks    observability.Hooks
	logger   *slog.Logger
}

// NewProcessor builds a processor. hooks and logger may be nil.
func NewProcessor(executor *tool.Executor, hooks observability.Hooks, logger *slog.Logger) *Processor {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{executor: executor, hooks: hooks, logger: logger}
}

// Run loops the provider until a final content response arrives or the
// iteration budget is exhausted. history is the assembled initial
// conversation; maxIterations bounds provider calls.
func (p *Processor) Run(
	ctx context.Context,
	provider Provider,
	call *agent.LLMCall,
	maxIterations int,
	history []protocol.Message,
	state agent.State,
	sctx StageContext,
) (*Result, error) {
	invoker := sctx.Invoker
	if invoker == nil {
		invoker = agent.NewInvoker(nil, p.logger)
	}

	tools := make([]ToolDefinition, 0, len(call.Tools))
	for _, ts := range call.Tools {
		tools = append(tools, ToolDefinition{Name: ts.Name, Description: ts.Description, Parameters: ts.Parameters})
	}

	for i := maxIterations; ; i-- {
		if i == 0 {
			return nil, agenterr.NewExecution(sctx.Stage, agenterr.ErrMaxIterations)
		}

		parts, err := p.complete(ctx, provider, call, history, tools, sctx)
		if err != nil {
			return nil, err
		}

		content, calls := protocol.SeparateFunctionCalls(parts)
		if len(calls) == 0 && len(content) == 0 {
			return nil, agenterr.NewExecution(sctx.Stage, agenterr.ErrEmptyResponse)
		}

		// The full assistant turn (intermediate content and calls) is
		// recorded before any tool-results turn, so the provider always
		// sees the content that preceded its calls.
		history = append(history, protocol.Message{Role: protocol.RoleAssistant, Parts: parts})

		if len(calls) == 0 {
			result := &Result{FinalParts: parts, History: history, UserState: state}
			if len(call.Params.StructuredResponse) > 0 {
				data, err := ValidateStructured(parts, call.Params.StructuredResponse)
				if err != nil {
					return nil, err
				}
				result.StructuredData = data
			}
			return result, nil
		}

		var resultParts []protocol.Part
		resultParts, state = p.dispatchTools(ctx, calls, state, invoker, sctx)
		history = append(history, protocol.Message{Role: protocol.RoleUser, Parts: resultParts})
	}
}

func (p *Processor) complete(
	ctx context.Context,
	provider Provider,
	call *agent.LLMCall,
	history []protocol.Message,
	tools []ToolDefinition,
	sctx StageContext,
) ([]protocol.Part, error) {
	spanCtx, span := p.hooks.Start(ctx, observability.EventLLMCall, observability.Attrs{
		"agent":         sctx.Agent,
		"session_id":    sctx.SessionID,
		"stage":         sctx.Stage,
		"provider":      provider.Name(),
		"model":         call.Model,
		"message_count": len(history),
		"tool_count":    len(tools),
	})

	start := time.Now()
	parts, err := provider.Completion(spanCtx, Request{
		Model:    call.Model,
		Messages: history,
		Params:   call.Params,
		Tools:    tools,
	})

	stopAttrs := observability.Attrs{
		"agent":      sctx.Agent,
		"session_id": sctx.SessionID,
		"stage":      sctx.Stage,
		"provider":   provider.Name(),
		"model":      call.Model,
	}
	if err != nil {
		stopAttrs["status"] = "error"
		span.End(stopAttrs)
	} else {
		stopAttrs["status"] = "ok"
		stopAttrs["response_type"] = responseType(parts)
		span.End(stopAttrs)
	}

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(ctx, provider.Name(), call.Model, time.Since(start), err)
	}
	return parts, err
}

// dispatchTools runs one assistant turn's calls: HandleToolCall
// serially (it mutates state), the tools in parallel, HandleToolResult
// serially in call order.
func (p *Processor) dispatchTools(
	ctx context.Context,
	calls []protocol.FunctionCallPart,
	state agent.State,
	invoker *agent.Invoker,
	sctx StageContext,
) ([]protocol.Part, agent.State) {
	tctx := tool.Context{
		Memory:    sctx.Memory,
		Agent:     sctx.Agent,
		SessionID: sctx.SessionID,
		Stage:     sctx.Stage,
	}

	reqs := make([]tool.Request, len(calls))
	for i, fc := range calls {
		var vetoed bool
		state, vetoed = invoker.ToolCall(ctx, sctx.Stage, fc, state)
		reqs[i] = tool.Request{Call: fc, Vetoed: vetoed}
	}

	results := p.executor.Execute(ctx, tctx, reqs)

	parts := make([]protocol.Part, len(results))
	for i, res := range results {
		state = invoker.ToolResult(ctx, sctx.Stage, res, state)
		parts[i] = res
	}
	return parts, state
}

func responseType(parts []protocol.Part) string {
	_, calls := protocol.SeparateFunctionCalls(parts)
	if len(calls) > 0 {
		return "tool_calls"
	}
	if _, ok := protocol.FirstData(parts); ok {
		return "data"
	}
	return "content"
}
