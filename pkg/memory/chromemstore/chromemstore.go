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

// Package chromemstore is a memory backend over the chromem-go embedded
// vector database. Unlike the key-value backends, Search here is
// semantic: the query is embedded and matched by cosine similarity
// rather than substring.
//
// Init options:
//
//	persist_path: string - directory for gob persistence; empty is in-memory
//	collection: string   - collection name (default "memory")
//	compress: bool       - gzip the persisted database
package chromemstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
)

type payload struct {
	Value    any             `json:"value"`
	Metadata memory.Metadata `json:"metadata"`
}

// Store is a chromem-backed memory.Source.
//
// Key listing is served from an in-process index, so after reopening a
// persisted database ListKeys only reflects items stored since.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	embed      chromem.EmbeddingFunc
	keys       map[string]memory.Metadata
	now        func() time.Time
}

// New returns an uninitialized Store. A nil embed falls back to
// chromem's default embedding function (OpenAI, via OPENAI_API_KEY).
func New(embed chromem.EmbeddingFunc) *Store {
	if embed == nil {
		embed = chromem.NewEmbeddingFuncDefault()
	}
	return &Store{embed: embed, now: time.Now}
}

func (s *Store) Init(ctx context.Context, opts map[string]any) error {
	if s.now == nil {
		s.now = time.Now
	}
	s.keys = make(map[string]memory.Metadata)

	persistPath, _ := opts["persist_path"].(string)
	compress, _ := opts["compress"].(bool)
	name, _ := opts["collection"].(string)
	if name == "" {
		name = "memory"
	}

	var err error
	if persistPath != "" {
		s.db, err = chromem.NewPersistentDB(persistPath, compress)
		if err != nil {
			return fmt.Errorf("opening chromem at %q: %w", persistPath, err)
		}
	} else {
		s.db = chromem.NewDB()
	}

	s.collection, err = s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", name, err)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, key string, value any, opts memory.StoreOptions) (memory.Item, error) {
	meta := memory.Metadata{
		StoredAt: s.now(),
		TTL:      opts.TTL,
		Tags:     opts.Tags,
		Extra:    opts.Extra,
	}

	raw, err := json.Marshal(payload{Value: value, Metadata: meta})
	if err != nil {
		return memory.Item{}, agenterr.NewValidation(err)
	}

	doc := chromem.Document{
		ID:      key,
		Content: fmt.Sprint(value),
		Metadata: map[string]string{
			"payload": string(raw),
		},
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return memory.Item{}, err
	}

	s.keys[key] = meta
	return memory.Item{Key: key, Value: value, Metadata: meta}, nil
}

func (s *Store) Retrieve(ctx context.Context, key string, opts memory.RetrieveOptions) (memory.Item, error) {
	doc, err := s.collection.GetByID(ctx, key)
	if err != nil {
		return memory.Item{}, agenterr.NewNotFound(key)
	}

	item, err := s.decode(key, doc.Metadata)
	if err != nil {
		return memory.Item{}, err
	}
	if item.Metadata.Expired(s.now()) {
		_ = s.remove(ctx, key)
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	return item, nil
}

func (s *Store) Delete(ctx context.Context, key string, opts memory.DeleteOptions) error {
	return s.remove(ctx, key)
}

func (s *Store) remove(ctx context.Context, key string) error {
	delete(s.keys, key)
	if _, err := s.collection.GetByID(ctx, key); err != nil {
		// already absent; deleting an absent key is not an error
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, key)
}

// Search embeds the query and returns the most similar live items.
func (s *Store) Search(ctx context.Context, query any, opts memory.SearchOptions) ([]memory.Item, error) {
	text, err := memory.NormalizeQuery(query)
	if err != nil {
		return nil, agenterr.NewValidation(err)
	}
	if text == "" || text == "*" {
		return nil, agenterr.NewValidation(fmt.Errorf("semantic search requires a non-wildcard query"))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultSearchLimit
	}
	// chromem rejects nResults above the collection size
	if count := s.collection.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, text, limit, nil, nil)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]memory.Item, 0, len(results))
	for _, r := range results {
		item, err := s.decode(r.ID, r.Metadata)
		if err != nil {
			continue
		}
		if item.Metadata.Expired(now) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) ListKeys(ctx context.Context, opts memory.ListKeysOptions) ([]string, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}

	now := s.now()
	keys := make([]string, 0, len(s.keys))
	for key, meta := range s.keys {
		if meta.Expired(now) {
			_ = s.remove(ctx, key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

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

// Count reports the collection size as seen by chromem.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.collection.Count(), nil
}

func (s *Store) decode(key string, docMeta map[string]string) (memory.Item, error) {
	raw, ok := docMeta["payload"]
	if !ok {
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return memory.Item{}, agenterr.NewValidation(err)
	}
	return memory.Item{Key: key, Value: p.Value, Metadata: p.Metadata}, nil
}
