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
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/agentstore"
	"github.com/kadirpekel/conductor/pkg/config"
)

// AgentsCmd manages the agent definition store.
type AgentsCmd struct {
	Push   AgentsPushCmd   `cmd:"" help:"Store an agent spec version."`
	List   AgentsListCmd   `cmd:"" help:"List stored versions of an agent."`
	Delete AgentsDeleteCmd `cmd:"" help:"Delete a stored agent version by ID."`

	Config string `short:"c" help:"Path to the config file." type:"path"`
}

func (c *AgentsCmd) openStore(ctx context.Context) (*agentstore.Store, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	store, err := agentstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// AgentsPushCmd stores one version of an agent spec.
type AgentsPushCmd struct {
	Spec    string `arg:"" help:"Path to the agent spec YAML." type:"path"`
	Version string `help:"Version label for this spec." default:"latest"`
	Type    string `help:"Agent type key. Defaults to the agent name."`
}

func (c *AgentsPushCmd) Run(cli *CLI) error {
	data, err := os.ReadFile(c.Spec)
	if err != nil {
		return err
	}

	// validate before storing
	spec, err := config.ParseAgentSpec(data)
	if err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	agentType := c.Type
	if agentType == "" {
		agentType = spec.Name
	}

	ctx := context.Background()
	store, err := cli.Agents.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Save(ctx, &agentstore.Record{
		Name:    spec.Name,
		Version: c.Version,
		Type:    agentType,
		Spec:    raw,
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored %s@%s as %s\n", agentType, c.Version, id)
	return nil
}

// AgentsListCmd lists stored versions of an agent, newest first.
type AgentsListCmd struct {
	Name string `arg:"" help:"Agent name."`
}

func (c *AgentsListCmd) Run(cli *CLI) error {
	ctx := context.Background()
	store, err := cli.Agents.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListByName(ctx, c.Name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no stored versions of %s\n", c.Name)
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s@%s  updated %s\n", rec.ID, rec.Type, rec.Version, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// AgentsDeleteCmd removes a stored agent version.
type AgentsDeleteCmd struct {
	ID string `arg:"" help:"Record ID to delete."`
}

func (c *AgentsDeleteCmd) Run(cli *CLI) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("invalid record id: %w", err)
	}

	ctx := context.Background()
	store, err := cli.Agents.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}
