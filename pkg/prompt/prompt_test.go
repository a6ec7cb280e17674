package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/protocol"
)

func TestExpandText(t *testing.T) {
	input := map[string]any{"name": "alice", "count": 3}

	out, err := ExpandText("hello <%= name %>, you have <%= count %> items", input)
	require.NoError(t, err)
	assert.Equal(t, "hello alice, you have 3 items", out)

	out, err = ExpandText("no templates here", input)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)

	// whitespace inside the delimiters is tolerated
	out, err = ExpandText("<%=name%> and <%=  name  %>", input)
	require.NoError(t, err)
	assert.Equal(t, "alice and alice", out)
}

func TestExpandText_UnboundVariable(t *testing.T) {
	_, err := ExpandText("hi <%= missing %>", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, agenterr.ClassInvalid, agenterr.ClassOf(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestExpandMessage_OnlyTextPartsTouched(t *testing.T) {
	msg := protocol.Message{
		Role: protocol.RoleUser,
		Parts: []protocol.Part{
			protocol.TextPart{Text: "analyse <%= topic %>"},
			protocol.DataPart{Data: map[string]any{"raw": "<%= topic %>"}},
		},
	}

	out, err := ExpandMessage(msg, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TextPart{Text: "analyse go"}, out.Parts[0])
	// data parts are forwarded verbatim
	assert.Equal(t, msg.Parts[1], out.Parts[1])
}

func TestBuildInitialHistory(t *testing.T) {
	call := &agent.LLMCall{
		Provider: "p",
		Model:    "m",
		Messages: []protocol.Message{
			protocol.NewTextMessage(protocol.RoleSystem, "you are <%= persona %>"),
			protocol.NewTextMessage(protocol.RoleUser, "hi"),
		},
	}

	history, err := BuildInitialHistory(call, map[string]any{"persona": "terse"})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "you are terse", history[0].Parts[0].(protocol.TextPart).Text)

	_, err = BuildInitialHistory(call, map[string]any{})
	assert.Error(t, err)
}

func TestAppendUserTurn_DoesNotAliasOriginal(t *testing.T) {
	history := []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "first")}

	out := AppendUserTurn(history, []protocol.Part{protocol.TextPart{Text: "second"}})
	require.Len(t, out, 2)
	assert.Len(t, history, 1)
	assert.Equal(t, protocol.RoleUser, out[1].Role)
}

func TestCounter_TrimHistory(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	long := strings.Repeat("lorem ipsum dolor ", 50)
	history := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleSystem, "system rules"),
		protocol.NewTextMessage(protocol.RoleUser, long),
		protocol.NewTextMessage(protocol.RoleAssistant, long),
		protocol.NewTextMessage(protocol.RoleUser, "latest question"),
	}

	// generous budget keeps everything
	assert.Len(t, counter.TrimHistory(history, 1_000_000), 4)

	// tight budget keeps the system message and the newest message
	budget := counter.CountMessage(history[0]) + counter.CountMessage(history[3]) + 1
	trimmed := counter.TrimHistory(history, budget)
	require.Len(t, trimmed, 2)
	assert.Equal(t, protocol.RoleSystem, trimmed[0].Role)
	assert.Equal(t, "latest question", trimmed[1].Parts[0].(protocol.TextPart).Text)

	// zero budget disables trimming
	assert.Len(t, counter.TrimHistory(history, 0), 4)
}

func TestCounter_CountHistoryMonotonic(t *testing.T) {
	counter, err := NewCounter("unknown-model")
	require.NoError(t, err)

	short := []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "hi")}
	long := append(short, protocol.NewTextMessage(protocol.RoleUser, strings.Repeat("word ", 100)))
	assert.Greater(t, counter.CountHistory(long), counter.CountHistory(short))
}
