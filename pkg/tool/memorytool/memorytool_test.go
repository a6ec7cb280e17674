package memorytool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/memory"
	"github.com/kadirpekel/conductor/pkg/memory/inmem"
	"github.com/kadirpekel/conductor/pkg/tool"
)

func newContext(t *testing.T) tool.Context {
	t.Helper()
	mgr := memory.NewManager(nil)
	require.NoError(t, mgr.AddSource(context.Background(), "primary", inmem.New(), nil))
	require.NoError(t, mgr.AddSource(context.Background(), "secondary", inmem.New(), nil))
	return tool.Context{Memory: mgr, SessionID: "sess-1", Stage: "stage-1"}
}

func TestAll_FixedNames(t *testing.T) {
	var names []string
	for _, tl := range All() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{
		"memory_store",
		"memory_retrieve",
		"memory_search",
		"memory_delete",
		"memory_list_keys",
		"memory_list_sources",
	}, names)
}

func TestStoreRetrieve_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	stored, err := StoreTool{}.Call(ctx, tctx, map[string]any{
		"key":   "k",
		"value": map[string]any{"n": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, true, stored.(map[string]any)["stored"])

	got, err := RetrieveTool{}.Call(ctx, tctx, map[string]any{"key": "k"})
	require.NoError(t, err)
	result := got.(map[string]any)
	assert.Equal(t, true, result["found"])
	assert.Equal(t, map[string]any{"n": 7}, result["value"])
}

func TestRetrieve_NotFound(t *testing.T) {
	got, err := RetrieveTool{}.Call(context.Background(), newContext(t), map[string]any{"key": "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"found": false}, got)
}

func TestStore_TTLSecondsConverted(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewManager(nil)
	src := inmem.New()
	require.NoError(t, mgr.AddSource(ctx, "only", src, nil))
	tctx := tool.Context{Memory: mgr}

	// LLM arguments arrive as float64 after JSON decoding
	_, err := StoreTool{}.Call(ctx, tctx, map[string]any{
		"key":      "k",
		"value":    "v",
		"metadata": map[string]any{"ttl": float64(60)},
	})
	require.NoError(t, err)

	item, err := mgr.Retrieve(ctx, "k", memory.RetrieveOptions{IncludeMetadata: true})
	require.NoError(t, err)
	require.NotNil(t, item.Metadata.TTL)
	assert.Equal(t, time.Minute, *item.Metadata.TTL)
}

func TestStore_MissingRequiredArgs(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	_, err := StoreTool{}.Call(ctx, tctx, map[string]any{"value": "v"})
	assert.ErrorContains(t, err, "key")

	_, err = StoreTool{}.Call(ctx, tctx, map[string]any{"key": "k"})
	assert.ErrorContains(t, err, "value")
}

func TestStore_SourceRouting(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	_, err := StoreTool{}.Call(ctx, tctx, map[string]any{
		"key":           "k",
		"value":         "routed",
		"memory_source": "secondary",
	})
	require.NoError(t, err)

	got, err := RetrieveTool{}.Call(ctx, tctx, map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, false, got.(map[string]any)["found"])

	got, err = RetrieveTool{}.Call(ctx, tctx, map[string]any{"key": "k", "memory_source": "secondary"})
	require.NoError(t, err)
	assert.Equal(t, true, got.(map[string]any)["found"])
}

func TestStore_UnknownSourceErrors(t *testing.T) {
	_, err := StoreTool{}.Call(context.Background(), newContext(t), map[string]any{
		"key":           "k",
		"value":         "v",
		"memory_source": "ghost",
	})
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	for _, kv := range [][2]string{{"user:alice", "engineer"}, {"user:bob", "designer"}, {"cfg", "dark"}} {
		_, err := StoreTool{}.Call(ctx, tctx, map[string]any{"key": kv[0], "value": kv[1]})
		require.NoError(t, err)
	}

	got, err := SearchTool{}.Call(ctx, tctx, map[string]any{"query": "user:"})
	require.NoError(t, err)
	result := got.(map[string]any)
	assert.Equal(t, 2, result["count"])

	got, err = SearchTool{}.Call(ctx, tctx, map[string]any{"query": "user:", "limit": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, got.(map[string]any)["count"])

	_, err = SearchTool{}.Call(ctx, tctx, map[string]any{})
	assert.ErrorContains(t, err, "query")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	_, err := StoreTool{}.Call(ctx, tctx, map[string]any{"key": "k", "value": "v"})
	require.NoError(t, err)

	got, err := DeleteTool{}.Call(ctx, tctx, map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, true, got.(map[string]any)["deleted"])

	found, err := RetrieveTool{}.Call(ctx, tctx, map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, false, found.(map[string]any)["found"])
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	tctx := newContext(t)

	for _, key := range []string{"user:alice", "user:bob", "other"} {
		_, err := StoreTool{}.Call(ctx, tctx, map[string]any{"key": key, "value": "v"})
		require.NoError(t, err)
	}

	got, err := ListKeysTool{}.Call(ctx, tctx, map[string]any{"pattern": "user:"})
	require.NoError(t, err)
	result := got.(map[string]any)
	assert.Equal(t, []string{"user:alice", "user:bob"}, result["keys"])
	assert.NotContains(t, result, "cursor")
}

func TestListSources(t *testing.T) {
	got, err := ListSourcesTool{}.Call(context.Background(), newContext(t), nil)
	require.NoError(t, err)
	result := got.(map[string]any)
	assert.Equal(t, []string{"primary", "secondary"}, result["sources"])
	assert.Equal(t, "primary", result["default"])
}

func TestTools_NoManager(t *testing.T) {
	for _, tl := range All() {
		_, err := tl.Call(context.Background(), tool.Context{}, map[string]any{"key": "k", "value": "v", "query": "q"})
		assert.Error(t, err, tl.Name())
	}
}
