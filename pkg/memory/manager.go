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

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/conductor/pkg/agenterr"
)

// SourceInitError reports a backend that failed to initialize.
type SourceInitError struct {
	Name  string
	Cause error
}

func (e *SourceInitError) Error() string {
	return fmt.Sprintf("memory source '%s' failed to initialize: %v", e.Name, e.Cause)
}

func (e *SourceInitError) Unwrap() error { return e.Cause }

type sourceEntry struct {
	name    string
	backend Source
	// opMu serializes operations against the backend so backends never
	// see concurrent calls.
	opMu sync.Mutex
}

// Manager is the session's shared memory substrate: a named, ordered
// registry of sources with exactly one default. It is the only
// shared-mutable component in a session; all cross-stage memory flows
// through it.
type Manager struct {
	mu          sync.RWMutex
	entries     []*sourceEntry
	index       map[string]*sourceEntry
	defaultName string
	logger      *slog.Logger
}

// NewManager creates an empty manager. Sources are added with AddSource.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		index:  make(map[string]*sourceEntry),
		logger: logger,
	}
}

// AddSource initializes backend with opts and registers it under name.
// The first successfully added source becomes the default.
func (m *Manager) AddSource(ctx context.Context, name string, backend Source, opts map[string]any) error {
	if name == "" {
		return agenterr.NewInvalidConfig("memory source name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[name]; exists {
		return agenterr.NewInvalidConfig("memory source '%s' already registered", name)
	}

	if err := backend.Init(ctx, opts); err != nil {
		return &SourceInitError{Name: name, Cause: err}
	}

	entry := &sourceEntry{name: name, backend: backend}
	m.entries = append(m.entries, entry)
	m.index[name] = entry
	if m.defaultName == "" {
		m.defaultName = name
	}

	m.logger.Debug("memory source registered", "source", name, "default", m.defaultName == name)
	return nil
}

// RemoveSource terminates (when supported) and deregisters a source.
// Removing the default promotes the oldest surviving source.
func (m *Manager) RemoveSource(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.index[name]
	if !exists {
		return agenterr.NewUnknownSource(name)
	}

	if term, ok := entry.backend.(Terminator); ok {
		if err := term.Terminate(ctx); err != nil {
			m.logger.Warn("memory source terminate failed", "source", name, "error", err)
		}
	}

	delete(m.index, name)
	for i, e := range m.entries {
		if e == entry {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}

	if m.defaultName == name {
		m.defaultName = ""
		if len(m.entries) > 0 {
			m.defaultName = m.entries[0].name
		}
	}
	return nil
}

// SetDefaultSource makes name the default routing target.
func (m *Manager) SetDefaultSource(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[name]; !exists {
		return agenterr.NewUnknownSource(name)
	}
	m.defaultName = name
	return nil
}

// DefaultSource returns the current default source name, or "" when the
// registry is empty.
func (m *Manager) DefaultSource() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// Sources returns the registered source names in registration order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

func (m *Manager) resolve(source string) (*sourceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := source
	if name == "" {
		name = m.defaultName
	}
	if name == "" {
		return nil, agenterr.NewUnknownSource("(no sources registered)")
	}
	entry, exists := m.index[name]
	if !exists {
		return nil, agenterr.NewUnknownSource(name)
	}
	return entry, nil
}

// Store writes key=value to the routed source.
func (m *Manager) Store(ctx context.Context, key string, value any, opts StoreOptions) (Item, error) {
	entry, err := m.resolve(opts.Source)
	if err != nil {
		return Item{}, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	opts.Source = ""
	return entry.backend.Store(ctx, key, value, opts)
}

// Retrieve reads key from the routed source.
func (m *Manager) Retrieve(ctx context.Context, key string, opts RetrieveOptions) (Item, error) {
	entry, err := m.resolve(opts.Source)
	if err != nil {
		return Item{}, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	opts.Source = ""
	return entry.backend.Retrieve(ctx, key, opts)
}

// Delete removes key from the routed source.
func (m *Manager) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	entry, err := m.resolve(opts.Source)
	if err != nil {
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	opts.Source = ""
	return entry.backend.Delete(ctx, key, opts)
}

// Search runs query against the routed source.
func (m *Manager) Search(ctx context.Context, query any, opts SearchOptions) ([]Item, error) {
	entry, err := m.resolve(opts.Source)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	opts.Source = ""
	return entry.backend.Search(ctx, query, opts)
}

// ListKeys pages through live keys of the routed source.
func (m *Manager) ListKeys(ctx context.Context, opts ListKeysOptions) ([]string, string, error) {
	entry, err := m.resolve(opts.Source)
	if err != nil {
		return nil, "", err
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	opts.Source = ""
	return entry.backend.ListKeys(ctx, opts)
}

// Terminate shuts down every source that supports termination. The
// manager is unusable afterwards.
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, entry := range m.entries {
		if term, ok := entry.backend.(Terminator); ok {
			if err := term.Terminate(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("terminating source '%s': %w", entry.name, err)
			}
		}
	}
	m.entries = nil
	m.index = make(map[string]*sourceEntry)
	m.defaultName = ""
	return firstErr
}
