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

// Package redisstore is a memory backend over Redis, for agents whose
// memory is shared across processes.
//
// Init options:
//
//	addr: string        - host:port (default "localhost:6379")
//	password: string    - auth password (optional)
//	db: int             - logical database number (default 0)
//	key_prefix: string  - namespace prefix (default "conductor:memory:")
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
)

const defaultKeyPrefix = "conductor:memory:"

type payload struct {
	Value    any             `json:"value"`
	Metadata memory.Metadata `json:"metadata"`
}

// Store is a Redis-backed memory.Source.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New returns an uninitialized Store; the manager calls Init.
func New() *Store {
	return &Store{now: time.Now}
}

func (s *Store) Init(ctx context.Context, opts map[string]any) error {
	if s.now == nil {
		s.now = time.Now
	}

	addr, _ := opts["addr"].(string)
	if addr == "" {
		addr = "localhost:6379"
	}
	password, _ := opts["password"].(string)
	db := 0
	switch v := opts["db"].(type) {
	case int:
		db = v
	case float64:
		db = int(v)
	}
	s.prefix, _ = opts["key_prefix"].(string)
	if s.prefix == "" {
		s.prefix = defaultKeyPrefix
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
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

	// Redis handles physical expiry; the metadata check on read keeps
	// the zero-TTL case exact.
	var expiration time.Duration
	if opts.TTL != nil && *opts.TTL > 0 {
		expiration = *opts.TTL
	}
	if err := s.client.Set(ctx, s.redisKey(key), raw, expiration).Err(); err != nil {
		return memory.Item{}, err
	}
	return item, nil
}

func (s *Store) Retrieve(ctx context.Context, key string, opts memory.RetrieveOptions) (memory.Item, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	if err != nil {
		return memory.Item{}, err
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return memory.Item{}, agenterr.NewValidation(err)
	}
	if p.Metadata.Expired(s.now()) {
		_ = s.client.Del(ctx, s.redisKey(key)).Err()
		return memory.Item{}, agenterr.NewNotFound(key)
	}
	return memory.Item{Key: key, Value: p.Value, Metadata: p.Metadata}, nil
}

func (s *Store) Delete(ctx context.Context, key string, opts memory.DeleteOptions) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
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
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if len(out) >= limit {
			break
		}
		key := strings.TrimPrefix(iter.Val(), s.prefix)

		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
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
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListKeys(ctx context.Context, opts memory.ListKeysOptions) ([]string, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = memory.DefaultListLimit
	}

	cursor := uint64(0)
	if opts.Cursor != "" {
		parsed, err := strconv.ParseUint(opts.Cursor, 10, 64)
		if err != nil {
			return nil, "", agenterr.NewValidation(fmt.Errorf("invalid cursor %q: %w", opts.Cursor, err))
		}
		cursor = parsed
	}

	match := s.prefix + "*"
	if opts.Pattern != "" && opts.Pattern != "*" {
		match = s.prefix + "*" + opts.Pattern + "*"
	}

	now := s.now()
	page := make([]string, 0, limit)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
		if err != nil {
			return nil, "", err
		}
		for _, full := range keys {
			if len(page) >= limit {
				break
			}
			raw, err := s.client.Get(ctx, full).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, "", err
			}
			var p payload
			if err := json.Unmarshal(raw, &p); err != nil {
				continue
			}
			if p.Metadata.Expired(now) {
				continue
			}
			page = append(page, strings.TrimPrefix(full, s.prefix))
		}
		cursor = next
		if cursor == 0 || len(page) >= limit {
			break
		}
	}

	nextCursor := ""
	if cursor != 0 {
		nextCursor = strconv.FormatUint(cursor, 10)
	}
	return page, nextCursor, nil
}

// Clear removes every item under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Terminate closes the client connection.
func (s *Store) Terminate(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
