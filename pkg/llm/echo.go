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

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

// EchoProvider replies with the most recent user text. It exists for
// dry runs: pipelines can be exercised end to end without credentials
// or network access.
type EchoProvider struct{}

func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

func (p *EchoProvider) Name() string { return "echo" }

func (p *EchoProvider) Completion(ctx context.Context, req Request) ([]protocol.Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != protocol.RoleUser {
			continue
		}
		if text := protocol.JoinText(msg.Parts); text != "" {
			return []protocol.Part{protocol.TextPart{Text: text}}, nil
		}
	}
	return nil, agenterr.ErrEmptyResponse
}
