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

// Package badgerstore is a memory backend persisted in an embedded
// Badger database. Suitable for agents whose memory must survive
// process restarts without an external service.
//
// Init options:
//
//	path: string  - database directory; empty runs Badger in-memory
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
)

// payload is the stored representation of one item.
type payload struct {
	Value    any             `json:"value"`
	Metadata memory.Metadata `json:"metadata"`
}

// Store is a Badger-backed memory.Source.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// New returns an uninitialized Store; the manager calls Init.
func New() *Store {
	return &Store{now: time.Now}
}

func (s *Store) Init(ctx context.Context, opts map[string]any) error {
	if s.now == nil {
		s.now = time.Now
	}

	path, _ := opts["path"].(string)
	var options badger.Options
	if path == "" {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		options = badger.DefaultOptions(path)
	}
	options = options.WithLogger(nil)

	db, err := badger.Open(options)
	if err != nil {
		return fmt.Errorf("opening badger at %q: %w", path, err)
	}
	s.db = db
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

	raw, err := json.Marshal(payload{Value: value, Metadata: item.Metadata})
	if err != nil {
		return memory.Item{}, agenterr.NewValidation(err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), raw)
		// Badger evicts physically; the metadata check on read keeps the
		// zero-TTL (already expired) case exact.
		if opts.TTL != nil && *opts.TTL > 0 {
			entry = entry.WithTTL(*opts.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return memory.Item{}, err
	}
	return item, nil
}

func (s *Store) Retrieve(ctx context.Context, key string, opts memory.RetrieveOptions) (memory.Item, error) {
	var p payload
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	if err != nil {
		return memory.Item{}, err
	}

	if p.Metadata.Expired(s.now()) {
		_ = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		})
		return memory.Item{}, agenterr.NewNotFound(key)
	}

	return memory.Item{Key: key, Value: p.Value, Metadata: p.Metadata}, nil
}

func (s *Store) Delete(ctx context.Context, key string, opts memory.DeleteOptions) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
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

	now := s.now()
	out := make([]memory.Item, 0, limit)
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			entry := it.Item()
			key := string(entry.KeyCopy(nil))

			var p payload
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				continue
			}
			if p.Metadata.Expired(now) {
				continue
			}

			item := memory.Item{Key: key, Value: p.Value, Metadata: p.Metadata}
			if memory.MatchItem(item, pattern) {
				out = append(out, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListKeys(ctx context.Context, opts memory.ListKeysOptions) ([]string, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}

	now := s.now()
	page := make([]string, 0, limit)
	next := ""
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		if opts.Cursor != "" {
			it.Seek([]byte(opts.Cursor))
			if it.Valid() && string(it.Item().Key()) == opts.Cursor {
				it.Next()
			}
		} else {
			it.Rewind()
		}

		for ; it.Valid(); it.Next() {
			entry := it.Item()
			key := string(entry.KeyCopy(nil))
			if !memory.MatchKey(key, opts.Pattern) {
				continue
			}

			var p payload
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				continue
			}
			if p.Metadata.Expired(now) {
				continue
			}

			if len(page) == limit {
				next = page[limit-1]
				break
			}
			page = append(page, key)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return page, next, nil
}

// Count reports the number of live items.
func (s *Store) Count(ctx context.Context) (int, error) {
	now := s.now()
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p payload
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				continue
			}
			if !p.Metadata.Expired(now) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Clear removes every item.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.DropAll()
}

// Terminate closes the database.
func (s *Store) Terminate(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
