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

// Package inmem is the reference memory backend: a process-local map
// with lazy TTL eviction and sorted-key cursor pagination. It is the
// default source when an agent declares no memory configuration.
package inmem

import (
	"context"
	"sort"
	"time"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
)

// Store is an in-process memory.Source. The manager serializes calls,
// so no internal locking is needed beyond what Init sets up.
type Store struct {
	items map[string]memory.Item
	// now is swappable for TTL tests.
	now func() time.Time
}

// New returns an uninitialized Store; the manager calls Init.
func New() *Store {
	return &Store{now: time.Now}
}

func (s *Store) Init(ctx context.Context, opts map[string]any) error {
	s.items = make(map[string]memory.Item)
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

func (s *Store) Store(ctx context.Context, key string, value any, opts memory.StoreOptions) (memory.Item, error) {
	item := memory.Item{
		Key:   key,
		Value: value,
		Metadata: memory.Metadata{
			StoredAt: s.now(),
			TTL:      opts.TTL,
			Tags:     opts.Tags,
			Extra:    opts.Extra,
		},
	}
	s.items[key] = item
	return item, nil
}

func (s *Store) Retrieve(ctx context.Context, key string, opts memory.RetrieveOptions) (memory.Item, error) {
	item, ok := s.items[key]
	if !ok {
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	if item.Metadata.Expired(s.now()) {
		delete(s.items, key)
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	return item, nil
}

func (s *Store) Delete(ctx context.Context, key string, opts memory.DeleteOptions) error {
	delete(s.items, key)
	return nil
}

func (s *Store) Search(ctx context.Context, query any, opts memory.SearchOptions) ([]memory.Item, error) {
	pattern, err := memory.NormalizeQuery(query)
	if err != nil {
		return nil, agenterr.NewValidation(err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}

	out := make([]memory.Item, 0, limit)
	for _, key := range s.liveKeysSorted() {
		item := s.items[key]
		if memory.MatchItem(item, pattern) {
			out = append(out, item)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListKeys(ctx context.Context, opts memory.ListKeysOptions) ([]string, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}

	keys := s.liveKeysSorted()

	// Cursor is the last key of the previous page; resume strictly after it.
	start := 0
	if opts.Cursor != "" {
		start = sort.SearchStrings(keys, opts.Cursor)
		if start < len(keys) && keys[start] == opts.Cursor {
			start++
		}
	}

	page := make([]string, 0, limit)
	for _, key := range keys[start:] {
		if !memory.MatchKey(key, opts.Pattern) {
			continue
		}
		page = append(page, key)
		if len(page) >= limit {
			break
		}
	}

	next := ""
	if len(page) == limit {
		last := page[len(page)-1]
		for _, key := range keys {
			if key > last && memory.MatchKey(key, opts.Pattern) {
				next = last
				break
			}
		}
	}
	return page, next, nil
}

// Count reports the number of live items.
func (s *Store) Count(ctx context.Context) (int, error) {
	return len(s.liveKeysSorted()), nil
}

// Clear removes every item.
func (s *Store) Clear(ctx context.Context) error {
	s.items = make(map[string]memory.Item)
	return nil
}

// liveKeysSorted evicts expired items and returns the remaining keys in
// lexical order.
func (s *Store) liveKeysSorted() []string {
	now := s.now()
	keys := make([]string, 0, len(s.items))
	for key, item := range s.items {
		if item.Metadata.Expired(now) {
			delete(s.items, key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
