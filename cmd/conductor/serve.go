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
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/logger"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/server"
	"github.com/kadirpekel/conductor/pkg/session"
	"github.com/kadirpekel/conductor/pkg/tool"
	"github.com/kadirpekel/conductor/pkg/tool/mcptoolset"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Config string `short:"c" help:"Path to the config file." type:"path"`
	Watch  bool   `help:"Log a notice when the config file changes on disk."`
}

func (c *ServeCmd) Run() error {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger()

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics, err := observability.InitMetrics(promRegistry)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	providers := llm.NewRegistry()
	if err := providers.RegisterProvider(llm.NewEchoProvider()); err != nil {
		return err
	}

	tools := tool.NewRegistry()
	for _, mc := range cfg.Tools.MCP {
		toolset, err := mcptoolset.New(mcptoolset.Config{
			Name:    mc.Name,
			Command: mc.Command,
			Args:    mc.Args,
			Env:     mc.Env,
			Filter:  mc.Tools,
		})
		if err != nil {
			return err
		}
		if err := toolset.RegisterInto(ctx, tools); err != nil {
			return fmt.Errorf("mounting mcp server %s: %w", mc.Name, err)
		}
		defer toolset.Close()
		log.Info("mcp toolset mounted", "name", mc.Name, "command", mc.Command)
	}

	hooks := observability.NewOtelHooks(observability.GetTracer("conductor"))
	manager := session.NewManager(providers, tools, nil, hooks, log)
	srv := server.New(manager, cfg.Server.Auth, promRegistry, log)

	for _, path := range cfg.Agents {
		spec, err := config.LoadAgentSpec(path)
		if err != nil {
			return fmt.Errorf("loading agent %s: %w", path, err)
		}
		if err := srv.RegisterAgent(spec); err != nil {
			return fmt.Errorf("registering agent %s: %w", spec.Name, err)
		}
		log.Info("agent registered", "name", spec.Name, "path", path)
	}

	if c.Watch && c.Config != "" {
		go func() {
			err := config.Watch(ctx, c.Config, func() {
				log.Warn("config file changed on disk, restart to apply", "path", c.Config)
			}, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("config watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr(), "auth", cfg.Server.Auth.Enabled)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
