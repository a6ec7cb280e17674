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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
)

// LoadAgentSpec reads an agent spec from a YAML file, with the same
// environment expansion the main config gets.
func LoadAgentSpec(path string) (*agent.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent spec %s: %w", path, err)
	}
	return ParseAgentSpec(data)
}

// ParseAgentSpec decodes raw agent spec YAML.
func ParseAgentSpec(data []byte) (*agent.Spec, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, agenterr.NewParsing("agent", err)
	}

	expanded, ok := ExpandEnvInData(raw).(map[string]any)
	if !ok {
		return nil, agenterr.NewParsing("agent", fmt.Errorf("spec document is not a mapping"))
	}
	return agent.DecodeSpec(expanded)
}
