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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// Request is one tool call to dispatch. Vetoed requests are not
// invoked; they yield an error result so the LLM still receives a
// response for the call id.
type Request struct {
	Call   protocol.FunctionCallPart
	Vetoed bool
}

// Executor dispatches the tool calls of a single assistant turn in
// parallel and returns results in call order.
type Executor struct {
	tools  *Registry
	hooks  observability.Hooks
	logger *slog.Logger
}

// NewExecutor builds an executor over a registry. hooks and logger may
// be nil.
func NewExecutor(tools *Registry, hooks observability.Hooks, logger *slog.Logger) *Executor {
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{tools: tools, hooks: hooks, logger: logger}
}

// Execute runs every request concurrently and returns one result per
// request, positionally aligned. Panics inside tools are converted to
// error results; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, tctx Context, reqs []Request) []protocol.FunctionResultPart {
	results := make([]protocol.FunctionResultPart, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, tctx, req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Executor) executeOne(ctx context.Context, tctx Context, req Request) protocol.FunctionResultPart {
	call := req.Call
	name := strings.TrimSpace(call.Name)

	spanCtx, span := e.hooks.Start(ctx, observability.EventToolExecution, observability.Attrs{
		"agent":      tctx.Agent,
		"session_id": tctx.SessionID,
		"stage":      tctx.Stage,
		"tool_name":  name,
		"arg_keys":   argKeys(call.Arguments),
	})

	start := time.Now()
	result, err := e.invoke(spanCtx, tctx, name, call, req.Vetoed)

	status := "ok"
	stopAttrs := observability.Attrs{
		"agent":      tctx.Agent,
		"session_id": tctx.SessionID,
		"stage":      tctx.Stage,
		"tool_name":  name,
	}
	if err != nil {
		status = "error"
		stopAttrs["error_reason_type"] = fmt.Sprintf("%T", err)
		e.logger.Warn("tool call failed", "tool", name, "stage", tctx.Stage, "error", err)
	} else {
		stopAttrs["result_type"] = fmt.Sprintf("%T", result)
	}
	stopAttrs["status"] = status
	span.End(stopAttrs)

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordToolExecution(ctx, name, time.Since(start), err)
	}

	if err != nil {
		return protocol.FunctionResultPart{
			ID:     call.ID,
			Name:   name,
			Result: map[string]any{"error": err.Error()},
		}
	}
	return protocol.FunctionResultPart{ID: call.ID, Name: name, Result: result}
}

func (e *Executor) invoke(ctx context.Context, tctx Context, name string, call protocol.FunctionCallPart, vetoed bool) (result any, err error) {
	if vetoed {
		return nil, fmt.Errorf("tool call rejected by agent callback")
	}

	t, ok := e.tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("Tool not defined: %s", name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool '%s' panicked: %v", name, r)
		}
	}()
	return t.Call(ctx, tctx, call.Arguments)
}

func argKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
