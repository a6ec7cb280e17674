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

// Package config loads the conductor configuration file: YAML with
// `${VAR}` / `${VAR:-default}` environment expansion applied to every
// string value before decoding. `.env` files are honored, and a
// watcher can reload the file on change.
package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/observability"
)

// Config is the top-level conductor configuration.
type Config struct {
	Server   ServerConfig                 `yaml:"server" mapstructure:"server"`
	Logging  LoggingConfig                `yaml:"logging" mapstructure:"logging"`
	Tracing  observability.TracerConfig   `yaml:"tracing" mapstructure:"tracing"`
	Database DatabaseConfig               `yaml:"database" mapstructure:"database"`
	Tools    ToolsConfig                  `yaml:"tools" mapstructure:"tools"`

	// Agents lists agent spec files loaded at startup.
	Agents []string `yaml:"agents" mapstructure:"agents"`
}

// ToolsConfig declares externally provided tools mounted into the
// shared tool registry at startup.
type ToolsConfig struct {
	// MCP lists MCP tool server subprocesses.
	MCP []MCPServerConfig `yaml:"mcp" mapstructure:"mcp"`
}

// MCPServerConfig declares one MCP server connection.
type MCPServerConfig struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	Env     []string `yaml:"env" mapstructure:"env"`

	// Tools, when non-empty, limits which server tools are exposed.
	Tools []string `yaml:"tools" mapstructure:"tools"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host string     `yaml:"host" mapstructure:"host"`
	Port int        `yaml:"port" mapstructure:"port"`
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// AuthConfig controls bearer-token authentication.
type AuthConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// SecretEnv names the environment variable holding the HS256
	// signing secret. The secret itself never appears in config files.
	SecretEnv string `yaml:"secret_env" mapstructure:"secret_env"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "text" or "json"
}

// DatabaseConfig points the agent store at its database.
type DatabaseConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite3, postgres, mysql
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// Default returns the zero-config setup: local HTTP on 8080, text logs
// at info, tracing off, sqlite in the working directory.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "conductor.db"},
	}
}

// Load reads, expands and decodes a config file, layered over Default.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML config bytes, layered over Default.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, agenterr.NewParsing("config", err)
	}
	expanded := ExpandEnvInData(raw)

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, agenterr.NewParsing("config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return agenterr.NewInvalidConfig("server port %d out of range", c.Server.Port)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.SecretEnv == "" {
		return agenterr.NewInvalidConfig("auth enabled but no secret_env configured")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return agenterr.NewInvalidConfig("unknown log format '%s'", c.Logging.Format)
	}
	switch c.Database.Driver {
	case "", "sqlite3", "postgres", "mysql":
	default:
		return agenterr.NewInvalidConfig("unknown database driver '%s'", c.Database.Driver)
	}
	seen := make(map[string]bool, len(c.Tools.MCP))
	for _, mcp := range c.Tools.MCP {
		if mcp.Name == "" || mcp.Command == "" {
			return agenterr.NewInvalidConfig("mcp server entries require name and command")
		}
		if seen[mcp.Name] {
			return agenterr.NewInvalidConfig("duplicate mcp server '%s'", mcp.Name)
		}
		seen[mcp.Name] = true
	}
	return nil
}

// Addr returns the server's listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
