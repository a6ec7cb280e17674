package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/llm/llmtest"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/tool"
	"github.com/kadirpekel/conductor/pkg/workflow"
)

func newRunner(t *testing.T, providers ...llm.Provider) *workflow.StageRunner {
	t.Helper()
	reg := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.RegisterProvider(p))
	}
	processor := llm.NewProcessor(tool.NewExecutor(tool.NewRegistry(), nil, nil), nil, nil)
	return workflow.NewStageRunner(reg, processor, nil)
}

func baseContext() workflow.ExecutionContext {
	return workflow.ExecutionContext{
		Agent:         "test",
		SessionID:     "s1",
		Stage:         "stage",
		Invoker:       agent.NewInvoker(nil, nil),
		MaxIterations: 5,
	}
}

func TestPrepareInput_GlobalInputCopied(t *testing.T) {
	global := map[string]any{"lang": "en"}

	input, err := workflow.PrepareInput(agent.StageSpec{Name: "s"}, global, nil)
	require.NoError(t, err)
	assert.Equal(t, global, input)

	// the stage input is a copy, not an alias
	input["lang"] = "de"
	assert.Equal(t, "en", global["lang"])
}

func TestPrepareInput_SelectorMergesMaps(t *testing.T) {
	stage := agent.StageSpec{
		Name:  "s",
		Input: &agent.InputSelector{From: "up"},
	}
	deps := map[string]any{"up": map[string]any{"topic": "rivers", "depth": 3}}

	input, err := workflow.PrepareInput(stage, map[string]any{"lang": "en"}, deps)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lang": "en", "topic": "rivers", "depth": 3}, input)
}

func TestPrepareInput_DottedPath(t *testing.T) {
	stage := agent.StageSpec{
		Name:  "s",
		Input: &agent.InputSelector{From: "up", Select: "report.summary"},
	}
	deps := map[string]any{
		"up": map[string]any{"report": map[string]any{"summary": "short"}},
	}

	input, err := workflow.PrepareInput(stage, nil, deps)
	require.NoError(t, err)
	assert.Equal(t, "short", input["selected_input"])
}

func TestPrepareInput_PartsCollapseToData(t *testing.T) {
	stage := agent.StageSpec{
		Name:  "s",
		Input: &agent.InputSelector{From: "up", Select: "x"},
	}
	deps := map[string]any{
		"up": []protocol.Part{
			protocol.TextPart{Text: "preamble"},
			protocol.DataPart{Data: map[string]any{"x": 1}},
		},
	}

	input, err := workflow.PrepareInput(stage, nil, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, input["selected_input"])
}

func TestPrepareInput_MissingUpstream(t *testing.T) {
	stage := agent.StageSpec{
		Name:  "s",
		Input: &agent.InputSelector{From: "absent"},
	}

	_, err := workflow.PrepareInput(stage, nil, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, agenterr.ClassFramework, agenterr.ClassOf(err))
}

func TestPrepareInput_MissingPath(t *testing.T) {
	stage := agent.StageSpec{
		Name:  "s",
		Input: &agent.InputSelector{From: "up", Select: "a.b"},
	}
	deps := map[string]any{"up": map[string]any{"a": map[string]any{}}}

	_, err := workflow.PrepareInput(stage, nil, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.b")
}

func TestGetIn(t *testing.T) {
	value := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 42}},
	}

	got, ok := workflow.GetIn(value, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 42, got)

	_, ok = workflow.GetIn(value, "a.x")
	assert.False(t, ok)

	// walking into a non-map fails rather than panicking
	_, ok = workflow.GetIn(value, "a.b.c.d")
	assert.False(t, ok)
}

func TestStageRunner_OutputSchemaViolation(t *testing.T) {
	runner := newRunner(t, llmtest.NewScripted("scripted", llmtest.Data(map[string]any{"count": "three"})))

	stage := agent.StageSpec{
		Name: "s",
		LLM: &agent.LLMCall{
			Provider: "scripted",
			Model:    "m1",
			Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
		},
		OutputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"count": map[string]any{"type": "integer"}},
			"required":   []any{"count"},
		},
	}

	_, err := runner.Run(context.Background(), stage, baseContext())
	require.Error(t, err)
	assert.Equal(t, agenterr.KindValidation, agenterr.KindOf(err))
}

func TestStageRunner_InputSchemaAppliedBeforeLLM(t *testing.T) {
	provider := llmtest.NewScripted("scripted", llmtest.Text("never reached"))
	runner := newRunner(t, provider)

	stage := agent.StageSpec{
		Name: "s",
		LLM: &agent.LLMCall{
			Provider: "scripted",
			Model:    "m1",
			Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
		},
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"topic"},
		},
	}

	ec := baseContext()
	ec.GlobalInput = map[string]any{"other": true}
	_, err := runner.Run(context.Background(), stage, ec)
	require.Error(t, err)
	assert.Equal(t, 0, provider.Calls())
}

func TestStageRunner_PostCallMixesResult(t *testing.T) {
	runner := newRunner(t, llmtest.NewScripted("scripted", llmtest.Data(map[string]any{"draft": "text"})))

	stage := agent.StageSpec{
		Name: "s",
		LLM: &agent.LLMCall{
			Provider: "scripted",
			Model:    "m1",
			Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
		},
		PostCall: func(input map[string]any, value any) (any, error) {
			return map[string]any{"wrapped": value}, nil
		},
	}

	outcome, err := runner.Run(context.Background(), stage, baseContext())
	require.NoError(t, err)

	wrapped, ok := outcome.Value.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, wrapped, "wrapped")
}

func TestStageRunner_PostCallErrorIsFramework(t *testing.T) {
	runner := newRunner(t, llmtest.NewScripted("scripted", llmtest.Text("ok")))

	stage := agent.StageSpec{
		Name: "s",
		LLM: &agent.LLMCall{
			Provider: "scripted",
			Model:    "m1",
			Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
		},
		PostCall: func(input map[string]any, value any) (any, error) {
			return nil, errors.New("boom")
		},
	}

	_, err := runner.Run(context.Background(), stage, baseContext())
	require.Error(t, err)
	assert.Equal(t, agenterr.ClassFramework, agenterr.ClassOf(err))
}

func TestStageRunner_UnknownProvider(t *testing.T) {
	runner := newRunner(t)

	stage := agent.StageSpec{
		Name: "s",
		LLM:  &agent.LLMCall{Provider: "ghost", Model: "m1"},
	}

	_, err := runner.Run(context.Background(), stage, baseContext())
	require.Error(t, err)
	assert.Equal(t, agenterr.ClassInvalid, agenterr.ClassOf(err))
}
