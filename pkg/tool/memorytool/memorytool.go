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

// Package memorytool exposes the session memory manager to LLMs as the
// fixed tool surface: memory_store, memory_retrieve, memory_search,
// memory_delete, memory_list_keys and memory_list_sources.
//
// TTL on the tool surface is whole seconds; it is converted to a
// duration before it reaches a backend.
package memorytool

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/tool"
)

// All returns the full memory tool set for registration.
func All() []tool.Tool {
	return []tool.Tool{
		StoreTool{},
		RetrieveTool{},
		SearchTool{},
		DeleteTool{},
		ListKeysTool{},
		ListSourcesTool{},
	}
}

func requireManager(tctx tool.Context) (*memory.Manager, error) {
	if tctx.Memory == nil {
		return nil, fmt.Errorf("no memory manager available in this session")
	}
	return tctx.Memory, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required argument '%s'", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument '%s' must be a non-empty string", name)
	}
	return s, nil
}

func optionalString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func optionalInt(args map[string]any, name string) (int, bool) {
	switch v := args[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// sourceProperty is shared by every tool that routes to a source.
var sourceProperty = map[string]any{
	"type":        "string",
	"description": "Memory source to use; omit for the default source",
}

// StoreTool implements memory_store.
type StoreTool struct{}

func (StoreTool) Name() string { return "memory_store" }

func (StoreTool) Description() string {
	return "Store a value in memory under a key, optionally with tags and a TTL in seconds"
}

func (StoreTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":   map[string]any{"type": "string", "description": "Key to store the value under"},
			"value": map[string]any{"type": "object", "description": "Value to store"},
			"metadata": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tags":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"ttl":    map[string]any{"type": "integer", "description": "Time to live in seconds"},
					"source": map[string]any{"type": "string"},
				},
			},
			"memory_source": sourceProperty,
		},
		"required": []any{"key", "value"},
	}
}

func (StoreTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}
	value, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("missing required argument 'value'")
	}

	opts := memory.StoreOptions{Source: optionalString(args, "memory_source")}
	if meta, ok := args["metadata"].(map[string]any); ok {
		if opts.Source == "" {
			opts.Source = optionalString(meta, "source")
		}
		if seconds, ok := optionalInt(meta, "ttl"); ok {
			ttl := time.Duration(seconds) * time.Second
			opts.TTL = &ttl
		}
		if rawTags, ok := meta["tags"].([]any); ok {
			for _, rt := range rawTags {
				if tag, ok := rt.(string); ok {
					opts.Tags = append(opts.Tags, tag)
				}
			}
		}
	}

	item, err := mgr.Store(ctx, key, value, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stored":    true,
		"key":       item.Key,
		"stored_at": item.Metadata.StoredAt.Format(time.RFC3339),
	}, nil
}

// RetrieveTool implements memory_retrieve.
type RetrieveTool struct{}

func (RetrieveTool) Name() string { return "memory_retrieve" }

func (RetrieveTool) Description() string {
	return "Retrieve a value from memory by key"
}

func (RetrieveTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":           map[string]any{"type": "string", "description": "Key to look up"},
			"memory_source": sourceProperty,
		},
		"required": []any{"key"},
	}
}

func (RetrieveTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}

	item, err := mgr.Retrieve(ctx, key, memory.RetrieveOptions{
		Source: optionalString(args, "memory_source"),
	})
	if agenterr.IsNotFound(err) {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "value": item.Value}, nil
}

// SearchTool implements memory_search.
type SearchTool struct{}

func (SearchTool) Name() string { return "memory_search" }

func (SearchTool) Description() string {
	return "Search memory for items matching a query pattern"
}

func (SearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":         map[string]any{"type": "object", "description": "Search query; a string or {\"pattern\": string}"},
			"limit":         map[string]any{"type": "integer", "description": "Maximum results to return", "default": memory.DefaultSearchLimit},
			"memory_source": sourceProperty,
		},
		"required": []any{"query"},
	}
}

func (SearchTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}
	query, ok := args["query"]
	if !ok {
		return nil, fmt.Errorf("missing required argument 'query'")
	}

	opts := memory.SearchOptions{Source: optionalString(args, "memory_source")}
	if limit, ok := optionalInt(args, "limit"); ok {
		opts.Limit = limit
	}

	items, err := mgr.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{"key": item.Key, "value": item.Value})
	}
	return map[string]any{"results": out, "count": len(out)}, nil
}

// DeleteTool implements memory_delete.
type DeleteTool struct{}

func (DeleteTool) Name() string { return "memory_delete" }

func (DeleteTool) Description() string {
	return "Delete a value from memory by key"
}

func (DeleteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":           map[string]any{"type": "string", "description": "Key to delete"},
			"memory_source": sourceProperty,
		},
		"required": []any{"key"},
	}
}

func (DeleteTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}

	err = mgr.Delete(ctx, key, memory.DeleteOptions{
		Source: optionalString(args, "memory_source"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "key": key}, nil
}

// ListKeysTool implements memory_list_keys.
type ListKeysTool struct{}

func (ListKeysTool) Name() string { return "memory_list_keys" }

func (ListKeysTool) Description() string {
	return "List keys in memory, optionally filtered by a substring pattern"
}

func (ListKeysTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":       map[string]any{"type": "string", "description": "Substring pattern; '*' matches all"},
			"limit":         map[string]any{"type": "integer", "description": "Maximum keys to return", "default": memory.DefaultListLimit},
			"memory_source": sourceProperty,
		},
	}
}

func (ListKeysTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}

	opts := memory.ListKeysOptions{
		Source:  optionalString(args, "memory_source"),
		Pattern: optionalString(args, "pattern"),
	}
	if limit, ok := optionalInt(args, "limit"); ok {
		opts.Limit = limit
	}

	keys, cursor, err := mgr.ListKeys(ctx, opts)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"keys": keys, "count": len(keys)}
	if cursor != "" {
		result["cursor"] = cursor
	}
	return result, nil
}

// ListSourcesTool implements memory_list_sources.
type ListSourcesTool struct{}

func (ListSourcesTool) Name() string { return "memory_list_sources" }

func (ListSourcesTool) Description() string {
	return "List the registered memory sources and the default"
}

func (ListSourcesTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (ListSourcesTool) Call(ctx context.Context, tctx tool.Context, args map[string]any) (any, error) {
	mgr, err := requireManager(tctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sources": mgr.Sources(),
		"default": mgr.DefaultSource(),
	}, nil
}
