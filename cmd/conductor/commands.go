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

package main

import (
	"fmt"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/logger"
	"github.com/kadirpekel/conductor/pkg/session"
)

// ValidateCmd checks that an agent spec file decodes and validates.
type ValidateCmd struct {
	Spec string `arg:"" help:"Path to the agent spec YAML." type:"path"`
}

func (c *ValidateCmd) Run() error {
	spec, err := config.LoadAgentSpec(c.Spec)
	if err != nil {
		return err
	}

	entrypoint := "(none)"
	for _, stage := range spec.Stages {
		if stage.Entrypoint {
			entrypoint = stage.Name
		}
	}
	fmt.Printf("%s: ok (%d stages, entrypoint %s)\n", spec.Name, len(spec.Stages), entrypoint)
	return nil
}

// RunCmd runs an agent pipeline to completion and prints its results.
// Stages declared on the "echo" provider run without credentials, which
// makes this the dry-run mode for pipeline wiring.
type RunCmd struct {
	Spec  string `arg:"" help:"Path to the agent spec YAML." type:"path"`
	Input string `help:"Pipeline input as a JSON object." default:""`
	State string `help:"Initial user state as a JSON object." default:""`
}

func (c *RunCmd) Run() error {
	spec, err := config.LoadAgentSpec(c.Spec)
	if err != nil {
		return err
	}

	input, err := parseJSONFlag(c.Input, "input")
	if err != nil {
		return err
	}
	state, err := parseJSONFlag(c.State, "state")
	if err != nil {
		return err
	}

	providers := llm.NewRegistry()
	if err := providers.RegisterProvider(llm.NewEchoProvider()); err != nil {
		return err
	}

	manager := session.NewManager(providers, nil, nil, nil, logger.GetLogger())

	ctx, cancel := signalContext()
	defer cancel()

	result, err := manager.RunSync(ctx, spec, input, agent.State(state))
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"results": session.RenderResults(result.Results),
		"state":   result.UserState,
	})
}
