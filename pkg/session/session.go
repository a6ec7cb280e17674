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

// Package session is the host-facing surface: it owns session identity
// and lifecycle, builds each session's memory manager and executor,
// and exposes the synchronous and asynchronous run modes plus
// follow-up messaging into completed sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/dag"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/tool"
	"github.com/kadirpekel/conductor/pkg/tool/memorytool"
	"github.com/kadirpekel/conductor/pkg/workflow"
)

// Status is a session's externally visible lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is one live or finished agent run.
type Session struct {
	ID    string
	Agent string

	spec  *agent.Spec
	graph *dag.Graph
	mem   *memory.Manager
	exec  *workflow.Executor

	input        map[string]any
	initialState agent.State

	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	result  *workflow.Result
	err     error
	done    chan struct{}

	// queued holds follow-up turns received while a run was in
	// progress, delivered one per run in arrival order.
	queued [][]protocol.Part
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return StatusRunning
	case s.err != nil:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// Wait blocks until the current run finishes or ctx is canceled.
func (s *Session) Wait(ctx context.Context) (*workflow.Result, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *Session) complete(result *workflow.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.result = result
	s.err = err
	close(s.done)
}

// Manager creates and tracks sessions over a shared provider and tool
// surface. The memory tools are registered once at construction, so
// every agent can reach its session memory.
type Manager struct {
	providers *llm.Registry
	tools     *tool.Registry
	backends  *Backends
	hooks     observability.Hooks
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a session manager. providers is required; nil tools,
// backends, hooks and logger get sensible defaults.
func NewManager(providers *llm.Registry, tools *tool.Registry, backends *Backends, hooks observability.Hooks, logger *slog.Logger) *Manager {
	if tools == nil {
		tools = tool.NewRegistry()
	}
	if backends == nil {
		backends = DefaultBackends()
	}
	if hooks == nil {
		hooks = observability.NoopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, mt := range memorytool.All() {
		if _, exists := tools.Get(mt.Name()); !exists {
			_ = tools.RegisterTool(mt)
		}
	}

	return &Manager{
		providers: providers,
		tools:     tools,
		backends:  backends,
		hooks:     hooks,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Start validates spec, builds the session and launches it
// asynchronously. The returned session is already running.
func (m *Manager) Start(ctx context.Context, spec *agent.Spec, input map[string]any, initialState agent.State) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	mem, err := BuildMemory(ctx, spec.MemorySources, m.backends, m.logger)
	if err != nil {
		return nil, err
	}

	processor := llm.NewProcessor(tool.NewExecutor(m.tools, m.hooks, m.logger), m.hooks, m.logger)
	runner := workflow.NewStageRunner(m.providers, processor, m.logger)

	nodes := make([]dag.Node, 0, len(spec.Stages))
	for _, st := range spec.Stages {
		nodes = append(nodes, dag.Node{Name: st.Name, DependsOn: st.DependsOn})
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Agent:        spec.Name,
		spec:         spec,
		graph:        dag.Build(nodes),
		mem:          mem,
		exec:         workflow.NewExecutor(spec, runner, mem, m.hooks, m.logger),
		input:        input,
		initialState: initialState,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.launch(sess, initialState, workflow.Options{})
	m.logger.Info("session started", "session_id", sess.ID, "agent", spec.Name)
	return sess, nil
}

// launch runs one executor pass in the background. The run context is
// detached from the caller: session lifetime is owned by Stop, not by
// the Start caller's context.
func (m *Manager) launch(sess *Session, state agent.State, opts workflow.Options) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if sess.spec.Config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), sess.spec.Config.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	sess.mu.Lock()
	sess.running = true
	sess.done = make(chan struct{})
	sess.cancel = cancel
	sess.mu.Unlock()

	go func() {
		defer cancel()
		result, err := sess.exec.Run(runCtx, sess.ID, sess.input, state, opts)
		if err != nil {
			m.logger.Warn("session failed", "session_id", sess.ID, "agent", sess.Agent, "error", err)
		}
		sess.complete(result, err)
		m.dispatchQueued(sess)
	}()
}

// RunSync starts a session and blocks until it finishes, then removes
// it. Memory is terminated on the way out.
func (m *Manager) RunSync(ctx context.Context, spec *agent.Spec, input map[string]any, initialState agent.State) (*workflow.Result, error) {
	sess, err := m.Start(ctx, spec, input, initialState)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Stop(ctx, sess.ID) }()
	return sess.Wait(ctx)
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Sessions returns the tracked session IDs.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetResults reports a session's progress as a plain map suitable for
// serialization to a polling client.
func (m *Manager) GetResults(id string) map[string]any {
	sess, ok := m.Get(id)
	if !ok {
		return map[string]any{"ok": false, "error": "session not found"}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch {
	case sess.running:
		return map[string]any{"ok": true, "in_progress": true}
	case sess.err != nil:
		return map[string]any{
			"ok":    false,
			"error": sess.err.Error(),
			"class": string(agenterr.ClassOf(sess.err)),
		}
	default:
		return map[string]any{
			"ok":        true,
			"completed": true,
			"results":   RenderResults(sess.result.Results),
		}
	}
}

// RenderResults converts stage results into JSON-encodable values:
// part slices become tagged envelopes, everything else passes through.
func RenderResults(results map[string]any) map[string]any {
	out := make(map[string]any, len(results))
	for stage, value := range results {
		if parts, ok := value.([]protocol.Part); ok {
			if raw, err := protocol.MarshalParts(parts); err == nil {
				out[stage] = raw
				continue
			}
		}
		out[stage] = value
	}
	return out
}

// SendMessage delivers a follow-up user turn. On a completed session
// the entrypoint stage and everything downstream of it re-run with
// their conversation history preserved; untouched stages keep their
// recorded results. On a running session the turn is queued and
// processed once the current run completes. Failed sessions reject
// messages.
func (m *Manager) SendMessage(ctx context.Context, id string, parts []protocol.Part) error {
	sess, ok := m.Get(id)
	if !ok {
		return agenterr.NewNotFound(fmt.Sprintf("session '%s'", id))
	}

	if _, ok := sess.spec.EntrypointStage(); !ok {
		return agenterr.NewInvalidConfig("agent '%s' has no entrypoint stage", sess.Agent)
	}

	sess.mu.Lock()
	if sess.running {
		sess.queued = append(sess.queued, parts)
		depth := len(sess.queued)
		sess.mu.Unlock()
		m.logger.Info("follow-up message queued", "session_id", id, "queue_depth", depth)
		return nil
	}
	if sess.err != nil || sess.result == nil {
		sess.mu.Unlock()
		return agenterr.NewInvalidConfig("session '%s' did not complete, cannot accept messages", id)
	}
	prior := sess.result
	sess.mu.Unlock()

	state, opts, err := followUpOptions(sess, prior, parts)
	if err != nil {
		return err
	}
	m.launch(sess, state, opts)
	m.logger.Info("follow-up message accepted", "session_id", id, "entrypoint", opts.FollowUpStage)
	return nil
}

// followUpOptions computes the partial re-run for one follow-up turn:
// the entrypoint and its descendants re-run, everything else is seeded
// as already completed.
func followUpOptions(sess *Session, prior *workflow.Result, parts []protocol.Part) (agent.State, workflow.Options, error) {
	entry, ok := sess.spec.EntrypointStage()
	if !ok {
		return nil, workflow.Options{}, agenterr.NewInvalidConfig("agent '%s' has no entrypoint stage", sess.Agent)
	}

	rerun := map[string]bool{entry.Name: true}
	for _, name := range sess.graph.Descendants(entry.Name) {
		rerun[name] = true
	}

	preCompleted := make(map[string]any, len(prior.Results))
	for name, value := range prior.Results {
		if !rerun[name] {
			preCompleted[name] = value
		}
	}

	return prior.UserState, workflow.Options{
		PreCompleted:  preCompleted,
		Histories:     prior.Histories,
		FollowUpStage: entry.Name,
		FollowUpParts: parts,
	}, nil
}

// dispatchQueued launches the next queued follow-up turn after a run
// reaches its terminal state. A failed run drops the queue: its results
// are gone, so the queued turns have nothing to continue from.
func (m *Manager) dispatchQueued(sess *Session) {
	sess.mu.Lock()
	if len(sess.queued) == 0 {
		sess.mu.Unlock()
		return
	}
	if sess.err != nil || sess.result == nil {
		dropped := len(sess.queued)
		sess.queued = nil
		sess.mu.Unlock()
		m.logger.Warn("dropping queued follow-ups after failed run", "session_id", sess.ID, "dropped", dropped)
		return
	}
	parts := sess.queued[0]
	sess.queued = sess.queued[1:]
	prior := sess.result
	sess.mu.Unlock()

	// the session may have been stopped while this run was finishing
	if _, ok := m.Get(sess.ID); !ok {
		return
	}

	state, opts, err := followUpOptions(sess, prior, parts)
	if err != nil {
		m.logger.Warn("dropping queued follow-up", "session_id", sess.ID, "error", err)
		return
	}
	m.launch(sess, state, opts)
	m.logger.Info("queued follow-up launched", "session_id", sess.ID, "entrypoint", opts.FollowUpStage)
}

// Stop cancels a running session, waits for it to wind down, and
// releases its resources.
func (m *Manager) Stop(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return agenterr.NewNotFound(fmt.Sprintf("session '%s'", id))
	}

	sess.mu.Lock()
	cancel := sess.cancel
	done := sess.done
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := sess.mem.Terminate(ctx); err != nil {
		m.logger.Warn("memory terminate failed", "session_id", id, "error", err)
	}
	m.logger.Info("session stopped", "session_id", id)
	return nil
}
