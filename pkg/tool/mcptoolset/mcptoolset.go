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

// Package mcptoolset connects an agent to an MCP (Model Context
// Protocol) tool server over stdio and exposes the server's tools
// through the standard tool contract. The subprocess is started lazily
// on the first Tools call.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/conductor/pkg/tool"
)

const protocolVersion = "2024-11-05"

// Config configures one MCP server connection.
type Config struct {
	// Name identifies the toolset in logs.
	Name string

	// Command starts the MCP server subprocess.
	Command string

	// Args for the subprocess.
	Args []string

	// Env for the subprocess, as KEY=VALUE pairs.
	Env []string

	// Filter, when non-empty, limits which server tools are exposed.
	Filter []string
}

// Toolset is a lazily connected MCP tool server.
type Toolset struct {
	cfg    Config
	filter map[string]bool

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.Tool
	connected bool
}

// New creates a toolset for the given server configuration.
func New(cfg Config) (*Toolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp toolset '%s' requires a command", cfg.Name)
	}

	var filter map[string]bool
	if len(cfg.Filter) > 0 {
		filter = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filter[name] = true
		}
	}
	return &Toolset{cfg: cfg, filter: filter}, nil
}

// Name returns the toolset name.
func (t *Toolset) Name() string { return t.cfg.Name }

// Tools returns the server's tools, connecting on first use.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting to MCP server '%s': %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

// RegisterInto connects and registers every exposed tool.
func (t *Toolset) RegisterInto(ctx context.Context, reg *tool.Registry) error {
	tools, err := t.Tools(ctx)
	if err != nil {
		return err
	}
	return reg.RegisterAll(tools...)
}

func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, t.cfg.Env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("starting subprocess: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initializing: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("listing tools: %w", err)
	}

	var tools []tool.Tool
	for _, mcpTool := range listResp.Tools {
		if t.filter != nil && !t.filter[mcpTool.Name] {
			continue
		}
		tools = append(tools, &serverTool{
			toolset: t,
			name:    mcpTool.Name,
			desc:    mcpTool.Description,
			schema:  convertSchema(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("connected to MCP server",
		"toolset", t.cfg.Name,
		"command", t.cfg.Command,
		"tools", len(tools))
	return nil
}

// Close terminates the subprocess connection.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.client != nil {
		err = t.client.Close()
	}
	t.client = nil
	t.tools = nil
	t.connected = false
	return err
}

// serverTool adapts one remote MCP tool to the tool contract.
type serverTool struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *serverTool) Name() string           { return w.name }
func (w *serverTool) Description() string    { return w.desc }
func (w *serverTool) Schema() map[string]any { return w.schema }

func (w *serverTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP server '%s' not connected", w.toolset.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	return parseResult(resp)
}

// parseResult flattens an MCP tool result to a plain value: the error
// text on failure, one text, or a list of texts.
func parseResult(resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			return nil, fmt.Errorf("%s", texts[0])
		}
		return nil, fmt.Errorf("unknown MCP tool error")
	}

	switch len(texts) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return map[string]any{"result": texts[0]}, nil
	default:
		return map[string]any{"results": texts}, nil
	}
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
