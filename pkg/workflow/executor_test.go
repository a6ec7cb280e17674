package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/llm/llmtest"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/prompt"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/tool"
	"github.com/kadirpekel/conductor/pkg/workflow"
)

func newExecutor(t *testing.T, spec *agent.Spec, hooks observability.Hooks, providers ...llm.Provider) *workflow.Executor {
	t.Helper()
	reg := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.RegisterProvider(p))
	}
	processor := llm.NewProcessor(tool.NewExecutor(tool.NewRegistry(), hooks, nil), hooks, nil)
	runner := workflow.NewStageRunner(reg, processor, nil)
	return workflow.NewExecutor(spec, runner, nil, hooks, nil)
}

func llmStage(name, provider string, deps ...string) agent.StageSpec {
	return agent.StageSpec{
		Name:      name,
		DependsOn: deps,
		LLM: &agent.LLMCall{
			Provider: provider,
			Model:    "m1",
			Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
		},
	}
}

func intPtr(v int) *int { return &v }

func TestExecutor_SingleStage(t *testing.T) {
	spec := &agent.Spec{Name: "solo", Stages: []agent.StageSpec{llmStage("only", "scripted")}}
	provider := llmtest.NewScripted("scripted", llmtest.Text("done"))
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.Calls())
	require.Contains(t, res.Results, "only")
	assert.Equal(t, []protocol.Part{protocol.TextPart{Text: "done"}}, res.Results["only"])
}

func TestExecutor_SequentialPipelineWithSelection(t *testing.T) {
	spec := &agent.Spec{
		Name: "pipeline",
		Stages: []agent.StageSpec{
			llmStage("plan", "scripted"),
			{
				Name:      "execute",
				DependsOn: []string{"plan"},
				Input:     &agent.InputSelector{From: "plan", Select: "topic"},
				LLM: &agent.LLMCall{
					Provider: "scripted",
					Model:    "m1",
					Messages: []protocol.Message{
						protocol.NewTextMessage(protocol.RoleUser, "write about <%= selected_input %>"),
					},
				},
			},
		},
	}

	provider := llmtest.NewScripted("scripted",
		llmtest.Data(map[string]any{"topic": "rivers"}),
		llmtest.Text("an essay"),
	)
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", map[string]any{"lang": "en"}, nil, workflow.Options{})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	// the downstream prompt saw the value selected out of plan's result
	second := provider.Request(1)
	require.NotEmpty(t, second.Messages)
	assert.Equal(t, "write about rivers", second.Messages[0].Parts[0].(protocol.TextPart).Text)
}

func TestExecutor_FanOutFanIn(t *testing.T) {
	spec := &agent.Spec{
		Name: "diamond",
		Stages: []agent.StageSpec{
			llmStage("a", "scripted"),
			llmStage("b", "scripted"),
			llmStage("join", "scripted", "a", "b"),
		},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("ok"))
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, provider.Calls())
	assert.Len(t, res.Results, 3)
}

func TestExecutor_PassThroughStage(t *testing.T) {
	spec := &agent.Spec{
		Name: "mixed",
		Stages: []agent.StageSpec{
			llmStage("a", "scripted"),
			{Name: "collect", DependsOn: []string{"a"}},
		},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Data(map[string]any{"n": 1}))
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	collected, ok := res.Results["collect"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, collected, "a")
}

func TestExecutor_ZeroStages(t *testing.T) {
	spec := &agent.Spec{Name: "empty"}
	exec := newExecutor(t, spec, nil)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrNoStages)
}

func TestExecutor_CycleFails(t *testing.T) {
	spec := &agent.Spec{
		Name: "loop",
		Stages: []agent.StageSpec{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	exec := newExecutor(t, spec, nil)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	assert.ErrorIs(t, err, agenterr.ErrCycle)
}

func TestExecutor_MissingDependencyFails(t *testing.T) {
	spec := &agent.Spec{
		Name:   "dangling",
		Stages: []agent.StageSpec{{Name: "a", DependsOn: []string{"ghost"}}},
	}
	exec := newExecutor(t, spec, nil)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	assert.ErrorIs(t, err, agenterr.ErrMissingDep)
}

func TestExecutor_UnknownProviderStops(t *testing.T) {
	spec := &agent.Spec{Name: "bad", Stages: []agent.StageSpec{llmStage("only", "ghost")}}
	exec := newExecutor(t, spec, nil)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.Error(t, err)
	// invalid class, default policy stops
	assert.Equal(t, agenterr.ClassInvalid, agenterr.ClassOf(err))
}

func TestExecutor_ExternalErrorRetriedByDefault(t *testing.T) {
	spec := &agent.Spec{Name: "flaky", Stages: []agent.StageSpec{llmStage("only", "scripted")}}
	provider := llmtest.NewScripted("scripted",
		llmtest.Fail(agenterr.NewProvider("scripted", 503, errors.New("overloaded"))),
		llmtest.Text("recovered"),
	)
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, []protocol.Part{protocol.TextPart{Text: "recovered"}}, res.Results["only"])
}

func TestExecutor_RetryLimitExhausted(t *testing.T) {
	spec := &agent.Spec{
		Name:   "doomed",
		Stages: []agent.StageSpec{llmStage("only", "scripted")},
		Config: agent.Config{RetryLimit: intPtr(2)},
	}
	cause := agenterr.NewProvider("scripted", 503, errors.New("down"))
	provider := llmtest.NewScripted("scripted", llmtest.Fail(cause))
	exec := newExecutor(t, spec, nil, provider)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.Error(t, err)

	// initial attempt plus two retries
	assert.Equal(t, 3, provider.Calls())
	assert.Equal(t, agenterr.ClassExternal, agenterr.ClassOf(err))
}

func TestExecutor_UnknownErrorStopsByDefault(t *testing.T) {
	spec := &agent.Spec{Name: "plain", Stages: []agent.StageSpec{llmStage("only", "scripted")}}
	provider := llmtest.NewScripted("scripted", llmtest.Fail(errors.New("mystery")))
	exec := newExecutor(t, spec, nil, provider)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.Error(t, err)
	assert.Equal(t, 1, provider.Calls())
}

type restartingCallbacks struct {
	agent.NoopCallbacks

	mu          sync.Mutex
	restarted   bool
	startStates []agent.State
}

func (c *restartingCallbacks) HandleStageStart(ctx context.Context, stage string, state agent.State) (agent.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startStates = append(c.startStates, state.Clone())
	next := state.Clone()
	next["touched"] = true
	return next, nil
}

func (c *restartingCallbacks) HandleError(ctx context.Context, class agenterr.Class, err error, state agent.State) agent.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.restarted {
		c.restarted = true
		return agent.Decision{Action: agent.ActionRestart, State: state}
	}
	return agent.Decision{Action: agent.ActionStop, State: state}
}

func TestExecutor_RestartResetsUserState(t *testing.T) {
	cb := &restartingCallbacks{}
	spec := &agent.Spec{
		Name:      "restartable",
		Stages:    []agent.StageSpec{llmStage("only", "scripted")},
		Callbacks: cb,
	}
	provider := llmtest.NewScripted("scripted",
		llmtest.Fail(errors.New("first attempt fails")),
		llmtest.Text("second attempt works"),
	)
	exec := newExecutor(t, spec, nil, provider)

	initial := agent.State{"seed": "v0"}
	_, err := exec.Run(context.Background(), "s1", nil, initial, workflow.Options{})
	require.NoError(t, err)

	require.Len(t, cb.startStates, 2)
	// the rerun observed the initial state, not the mutated one
	assert.Equal(t, agent.State{"seed": "v0"}, cb.startStates[1])
}

type completionRecorder struct {
	agent.NoopCallbacks

	mu      sync.Mutex
	calls   int
	results map[string]any
}

func (c *completionRecorder) HandleComplete(ctx context.Context, results map[string]any, state agent.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.results = results
}

func TestExecutor_HandleCompleteFiresOnce(t *testing.T) {
	cb := &completionRecorder{}
	spec := &agent.Spec{
		Name: "done",
		Stages: []agent.StageSpec{
			llmStage("a", "scripted"),
			llmStage("b", "scripted", "a"),
		},
		Callbacks: cb,
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("ok"))
	exec := newExecutor(t, spec, nil, provider)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, cb.calls)
	assert.Len(t, cb.results, 2)
}

type blockingProvider struct{ name string }

func (p blockingProvider) Name() string { return p.name }

func (p blockingProvider) Completion(ctx context.Context, req llm.Request) ([]protocol.Part, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecutor_Timeout(t *testing.T) {
	spec := &agent.Spec{Name: "stuck", Stages: []agent.StageSpec{llmStage("only", "slow")}}
	exec := newExecutor(t, spec, nil, blockingProvider{name: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Run(ctx, "s1", nil, nil, workflow.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrTimeout)
}

func TestExecutor_PreCompletedSkipsStages(t *testing.T) {
	spec := &agent.Spec{
		Name: "resume",
		Stages: []agent.StageSpec{
			llmStage("a", "scripted"),
			llmStage("b", "scripted", "a"),
		},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("fresh"))
	exec := newExecutor(t, spec, nil, provider)

	seeded := map[string]any{"x": 2}
	res, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{
		PreCompleted: map[string]any{"a": seeded},
	})
	require.NoError(t, err)

	// only b ran
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, seeded, res.Results["a"])
	assert.Equal(t, []protocol.Part{protocol.TextPart{Text: "fresh"}}, res.Results["b"])
}

func TestExecutor_FollowUpPartsReachEntrypoint(t *testing.T) {
	spec := &agent.Spec{Name: "chat", Stages: []agent.StageSpec{llmStage("talk", "scripted")}}
	provider := llmtest.NewScripted("scripted", llmtest.Text("reply"))
	exec := newExecutor(t, spec, nil, provider)

	prior := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleUser, "earlier question"),
		protocol.NewTextMessage(protocol.RoleAssistant, "earlier answer"),
	}
	_, err := exec.Run(context.Background(), "s2", nil, nil, workflow.Options{
		Histories:     map[string][]protocol.Message{"talk": prior},
		FollowUpStage: "talk",
		FollowUpParts: []protocol.Part{protocol.TextPart{Text: "and another thing"}},
	})
	require.NoError(t, err)

	req := provider.Request(0)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier question", req.Messages[0].Parts[0].(protocol.TextPart).Text)
	assert.Equal(t, "and another thing", req.Messages[2].Parts[0].(protocol.TextPart).Text)
}

func TestExecutor_FollowUpHistoryTrimmedToBudget(t *testing.T) {
	prior := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleSystem, "you are terse"),
		protocol.NewTextMessage(protocol.RoleUser, "tell me about rivers, at length, with tributaries and deltas"),
		protocol.NewTextMessage(protocol.RoleAssistant, "rivers are long and carry sediment downstream to the sea"),
		protocol.NewTextMessage(protocol.RoleUser, "now lakes, also at length, with thermoclines and inflows"),
		protocol.NewTextMessage(protocol.RoleAssistant, "lakes are still and stratify by temperature in summer"),
		protocol.NewTextMessage(protocol.RoleUser, "summarize both"),
	}

	counter, err := prompt.NewCounter("m1")
	require.NoError(t, err)
	// room for the system message, the newest message, and nothing else
	budget := counter.CountMessage(prior[0]) + counter.CountMessage(prior[5]) + 1

	spec := &agent.Spec{
		Name:   "chat",
		Stages: []agent.StageSpec{llmStage("talk", "scripted")},
		Config: agent.Config{HistoryTokenBudget: budget},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("reply"))
	exec := newExecutor(t, spec, nil, provider)

	_, err = exec.Run(context.Background(), "s2", nil, nil, workflow.Options{
		Histories:     map[string][]protocol.Message{"talk": prior},
		FollowUpStage: "talk",
		FollowUpParts: []protocol.Part{protocol.TextPart{Text: "shorter please"}},
	})
	require.NoError(t, err)

	// system + newest prior message + the follow-up turn; the middle of
	// the conversation was dropped
	req := provider.Request(0)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, protocol.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "summarize both", req.Messages[1].Parts[0].(protocol.TextPart).Text)
	assert.Equal(t, "shorter please", req.Messages[2].Parts[0].(protocol.TextPart).Text)
}

func TestExecutor_FollowUpHistoryKeptWithoutBudget(t *testing.T) {
	prior := []protocol.Message{
		protocol.NewTextMessage(protocol.RoleUser, "one"),
		protocol.NewTextMessage(protocol.RoleAssistant, "two"),
		protocol.NewTextMessage(protocol.RoleUser, "three"),
		protocol.NewTextMessage(protocol.RoleAssistant, "four"),
	}
	spec := &agent.Spec{Name: "chat", Stages: []agent.StageSpec{llmStage("talk", "scripted")}}
	provider := llmtest.NewScripted("scripted", llmtest.Text("reply"))
	exec := newExecutor(t, spec, nil, provider)

	_, err := exec.Run(context.Background(), "s2", nil, nil, workflow.Options{
		Histories:     map[string][]protocol.Message{"talk": prior},
		FollowUpStage: "talk",
		FollowUpParts: []protocol.Part{protocol.TextPart{Text: "five"}},
	})
	require.NoError(t, err)

	require.Len(t, provider.Request(0).Messages, 5)
}

func TestExecutor_SpansPaired(t *testing.T) {
	rec := observability.NewRecorder()
	spec := &agent.Spec{
		Name: "traced",
		Stages: []agent.StageSpec{
			llmStage("a", "scripted"),
			llmStage("b", "scripted", "a"),
		},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("ok"))
	exec := newExecutor(t, spec, rec, provider)

	_, err := exec.Run(context.Background(), "s1", nil, nil, workflow.Options{})
	require.NoError(t, err)

	assert.True(t, rec.AllEnded())
	assert.Len(t, rec.ByEvent(observability.EventAgentExecution), 1)
	assert.Len(t, rec.ByEvent(observability.EventStageExecution), 2)
	assert.NotEmpty(t, rec.ByEvent(observability.EventDAGPlanning))
	assert.Len(t, rec.ByEvent(observability.EventLLMCall), 2)
}

func TestExecutor_StateThreadsThroughStageFinish(t *testing.T) {
	spec := &agent.Spec{
		Name:      "stateful",
		Stages:    []agent.StageSpec{llmStage("a", "scripted"), llmStage("b", "scripted", "a")},
		Callbacks: &appendingCallbacks{},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("ok"))
	exec := newExecutor(t, spec, nil, provider)

	res, err := exec.Run(context.Background(), "s1", nil, agent.State{}, workflow.Options{})
	require.NoError(t, err)

	finished, _ := res.UserState["finished"].([]string)
	assert.Equal(t, []string{"a", "b"}, finished)
}

type appendingCallbacks struct {
	agent.NoopCallbacks
}

func (appendingCallbacks) HandleStageFinish(ctx context.Context, stage string, result any, state agent.State) (agent.State, error) {
	next := state.Clone()
	finished, _ := next["finished"].([]string)
	next["finished"] = append(finished, stage)
	return next, nil
}
