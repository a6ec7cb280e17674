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

package session

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/memory/badgerstore"
	"github.com/kadirpekel/conductor/pkg/memory/chromemstore"
	"github.com/kadirpekel/conductor/pkg/memory/inmem"
	"github.com/kadirpekel/conductor/pkg/memory/redisstore"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// DefaultSourceName is the name of the implicit in-process source used
// when a spec declares no memory sources.
const DefaultSourceName = "default"

// BackendFactory creates a fresh, uninitialized memory backend. Each
// session gets its own instance.
type BackendFactory func() memory.Source

// Backends maps backend kind names to factories.
type Backends struct {
	*registry.BaseRegistry[BackendFactory]
}

// NewBackends creates an empty backend registry.
func NewBackends() *Backends {
	return &Backends{BaseRegistry: registry.NewBaseRegistry[BackendFactory]()}
}

// DefaultBackends returns the built-in backend set: inmem, badger,
// redis and chromem.
func DefaultBackends() *Backends {
	b := NewBackends()
	_ = b.Register("inmem", func() memory.Source { return inmem.New() })
	_ = b.Register("badger", func() memory.Source { return badgerstore.New() })
	_ = b.Register("redis", func() memory.Source { return redisstore.New() })
	_ = b.Register("chromem", func() memory.Source { return chromemstore.New(nil) })
	return b
}

// BuildMemory assembles a session's memory manager from the declared
// sources. An empty declaration yields a single in-process default.
func BuildMemory(ctx context.Context, specs []agent.MemorySourceSpec, backends *Backends, logger *slog.Logger) (*memory.Manager, error) {
	mgr := memory.NewManager(logger)

	if len(specs) == 0 {
		if err := mgr.AddSource(ctx, DefaultSourceName, inmem.New(), nil); err != nil {
			return nil, err
		}
		return mgr, nil
	}

	for _, src := range specs {
		factory, ok := backends.Get(src.Backend)
		if !ok {
			return nil, agenterr.NewInvalidConfig("memory source '%s' uses unknown backend '%s'", src.Name, src.Backend)
		}
		if err := mgr.AddSource(ctx, src.Name, factory(), src.Opts); err != nil {
			return nil, err
		}
	}

	for _, src := range specs {
		if src.Default {
			if err := mgr.SetDefaultSource(src.Name); err != nil {
				return nil, err
			}
		}
	}
	return mgr, nil
}
