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

// Package llmtest provides deterministic provider stubs for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// Turn is one scripted provider response.
type Turn struct {
	Parts []protocol.Part
	Err   error
}

// ScriptedProvider replays a fixed sequence of turns and records every
// request it receives. Safe for concurrent use.
type ScriptedProvider struct {
	ProviderName string

	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request
}

// NewScripted builds a provider that replays turns in order. When the
// script is exhausted the last turn repeats.
func NewScripted(name string, turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: name, turns: turns}
}

// Text is a convenience turn with a single TextPart.
func Text(text string) Turn {
	return Turn{Parts: []protocol.Part{protocol.TextPart{Text: text}}}
}

// Data is a convenience turn with a single DataPart.
func Data(data map[string]any) Turn {
	return Turn{Parts: []protocol.Part{protocol.DataPart{Data: data}}}
}

// Call is a convenience turn with a single FunctionCallPart.
func Call(id, name string, args map[string]any) Turn {
	return Turn{Parts: []protocol.Part{protocol.FunctionCallPart{ID: id, Name: name, Arguments: args}}}
}

// Fail is a convenience turn that returns err.
func Fail(err error) Turn {
	return Turn{Err: err}
}

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Completion(ctx context.Context, req llm.Request) ([]protocol.Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		return nil, fmt.Errorf("scripted provider '%s' has no turns", p.Name())
	}

	idx := len(p.requests) - 1
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.Parts, nil
}

// Calls reports how many completion requests were made.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Request returns the i-th recorded request.
func (p *ScriptedProvider) Request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// LastRequest returns the most recent recorded request.
func (p *ScriptedProvider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

var _ llm.Provider = (*ScriptedProvider)(nil)
