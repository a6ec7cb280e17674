package mcptoolset

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(Config{Name: "broken"})
	assert.Error(t, err)

	ts, err := New(Config{Name: "ok", Command: "mcp-server"})
	require.NoError(t, err)
	assert.Equal(t, "ok", ts.Name())
}

func TestParseResult(t *testing.T) {
	out, err := parseResult(&mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "hello"}, out)

	out, err = parseResult(&mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "a"},
			mcp.TextContent{Type: "text", Text: "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"results": []string{"a", "b"}}, out)

	out, err = parseResult(&mcp.CallToolResult{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)

	_, err = parseResult(&mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "denied"}},
	})
	assert.ErrorContains(t, err, "denied")
}

func TestConvertSchema(t *testing.T) {
	schema := convertSchema(mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"path": map[string]any{"type": "string"},
		},
		Required: []string{"path"},
	})
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "path")
}

func TestClose_BeforeConnect(t *testing.T) {
	ts, err := New(Config{Name: "x", Command: "srv"})
	require.NoError(t, err)
	assert.NoError(t, ts.Close())
}
