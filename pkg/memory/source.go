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

// Package memory provides the multi-source key-value substrate shared by
// the stages of a session.
//
// A Source is one backend (in-process map, badger, redis, ...). The
// Manager owns a named, ordered registry of sources, routes every
// operation to the requested or default source, and serializes access
// per source. LLMs reach this substrate through the fixed memory_* tool
// surface in pkg/tool/memorytool.
//
// TTL contract: durations at this layer are time.Duration (the tool
// surface converts from whole seconds). A nil TTL never expires; a zero
// TTL is already expired. Expired items are hidden on every read and may
// be physically removed by the backend.
package memory

import (
	"context"
	"time"
)

// Metadata describes one stored item.
type Metadata struct {
	StoredAt time.Time      `json:"stored_at"`
	TTL      *time.Duration `json:"ttl,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Expired reports whether the item is logically absent at now.
func (m Metadata) Expired(now time.Time) bool {
	if m.TTL == nil {
		return false
	}
	return !now.Before(m.StoredAt.Add(*m.TTL))
}

// Item is one live key-value entry owned by a source.
type Item struct {
	Key      string   `json:"key"`
	Value    any      `json:"value"`
	Metadata Metadata `json:"metadata"`
}

// StoreOptions configures a store operation.
type StoreOptions struct {
	// Source routes the operation; empty means the manager default.
	Source string
	TTL    *time.Duration
	Tags   []string
	Extra  map[string]any
}

// RetrieveOptions configures a retrieve operation.
type RetrieveOptions struct {
	Source          string
	IncludeMetadata bool
}

// DeleteOptions configures a delete operation.
type DeleteOptions struct {
	Source string
}

// SearchOptions configures a search operation.
type SearchOptions struct {
	Source string
	// Limit caps the result count; zero means DefaultSearchLimit.
	Limit int
}

// ListKeysOptions configures a list-keys operation.
type ListKeysOptions struct {
	Source string
	// Pattern filters keys; see Pattern semantics in pattern.go.
	Pattern string
	// Limit caps the page size; zero means DefaultListLimit.
	Limit int
	// Cursor resumes a previous listing; empty starts from the beginning.
	Cursor string
}

// Default limits applied when callers pass zero.
const (
	DefaultSearchLimit = 10
	DefaultListLimit   = 100
)

// Source is the contract every memory backend implements.
//
// Backends may assume calls are serialized: the Manager holds a
// per-source lock around every operation.
type Source interface {
	// Init prepares the backend with its opaque options. It is called
	// exactly once, before any other method.
	Init(ctx context.Context, opts map[string]any) error

	// Store writes key=value and returns the item with its metadata.
	// An existing item under key is replaced.
	Store(ctx context.Context, key string, value any, opts StoreOptions) (Item, error)

	// Retrieve returns the live item under key, or an error satisfying
	// agenterr.IsNotFound when the key is absent or expired.
	Retrieve(ctx context.Context, key string, opts RetrieveOptions) (Item, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string, opts DeleteOptions) error

	// Search returns live items matching query (string or
	// map{"pattern": string}), up to opts.Limit.
	Search(ctx context.Context, query any, opts SearchOptions) ([]Item, error)

	// ListKeys returns a page of live keys plus a cursor for the next
	// page; an empty cursor means the listing is exhausted.
	ListKeys(ctx context.Context, opts ListKeysOptions) ([]string, string, error)
}

// Terminator is implemented by sources that hold external resources.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Counter is implemented by sources that can report their live size.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Clearer is implemented by sources that support bulk removal.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Informer is implemented by sources that expose diagnostics.
type Informer interface {
	Info(ctx context.Context) (map[string]any, error)
}
