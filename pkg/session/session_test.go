package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/llm"
	"github.com/kadirpekel/conductor/pkg/llm/llmtest"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/session"
)

func newManager(t *testing.T, providers ...llm.Provider) *session.Manager {
	t.Helper()
	reg := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.RegisterProvider(p))
	}
	return session.NewManager(reg, nil, nil, nil, nil)
}

func singleStageSpec(provider string) *agent.Spec {
	return &agent.Spec{
		Name: "single",
		Stages: []agent.StageSpec{{
			Name: "talk",
			LLM: &agent.LLMCall{
				Provider: provider,
				Model:    "m1",
				Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "go")},
			},
		}},
	}
}

func TestManager_RunSync(t *testing.T) {
	provider := llmtest.NewScripted("scripted", llmtest.Text("hello"))
	m := newManager(t, provider)

	res, err := m.RunSync(context.Background(), singleStageSpec("scripted"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Part{protocol.TextPart{Text: "hello"}}, res.Results["talk"])

	// RunSync cleans up after itself
	assert.Empty(t, m.Sessions())
}

func TestManager_RunSync_InvalidSpec(t *testing.T) {
	m := newManager(t)

	_, err := m.RunSync(context.Background(), &agent.Spec{Name: "empty"}, nil, nil)
	assert.Error(t, err)
}

func TestManager_MemoryFlowsAcrossStages(t *testing.T) {
	// writer stores a note, reader retrieves it from the shared session
	// memory in a later stage
	spec := &agent.Spec{
		Name: "remember",
		Stages: []agent.StageSpec{
			{
				Name: "writer",
				LLM: &agent.LLMCall{
					Provider: "scripted",
					Model:    "m1",
					Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "save it")},
					Tools:    []agent.ToolSpec{{Name: "memory_store"}},
				},
			},
			{
				Name:      "reader",
				DependsOn: []string{"writer"},
				LLM: &agent.LLMCall{
					Provider: "scripted",
					Model:    "m1",
					Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "read it")},
					Tools:    []agent.ToolSpec{{Name: "memory_retrieve"}},
				},
			},
		},
	}

	provider := llmtest.NewScripted("scripted",
		llmtest.Call("c1", "memory_store", map[string]any{"key": "note", "value": "water the plants"}),
		llmtest.Text("stored"),
		llmtest.Call("c2", "memory_retrieve", map[string]any{"key": "note"}),
		llmtest.Text("done"),
	)
	m := newManager(t, provider)

	_, err := m.RunSync(context.Background(), spec, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 4, provider.Calls())

	// the reader's second request carries the retrieval result
	last := provider.Request(3)
	resultMsg := last.Messages[len(last.Messages)-1]
	result, ok := resultMsg.Parts[0].(protocol.FunctionResultPart)
	require.True(t, ok)

	payload, ok := result.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, payload["found"])
	assert.Equal(t, "water the plants", payload["value"])
}

type gatedProvider struct {
	name    string
	release chan struct{}

	mu   sync.Mutex
	reqs []llm.Request
}

func (p *gatedProvider) Name() string { return p.name }

func (p *gatedProvider) Completion(ctx context.Context, req llm.Request) ([]protocol.Part, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	select {
	case <-p.release:
		return []protocol.Part{protocol.TextPart{Text: "late"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *gatedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *gatedProvider) request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

func TestManager_StartAndPollResults(t *testing.T) {
	provider := &gatedProvider{name: "gated", release: make(chan struct{})}
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("gated"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, sess.Status())

	progress := m.GetResults(sess.ID)
	assert.Equal(t, true, progress["ok"])
	assert.Equal(t, true, progress["in_progress"])

	close(provider.release)
	_, err = sess.Wait(context.Background())
	require.NoError(t, err)

	final := m.GetResults(sess.ID)
	assert.Equal(t, true, final["ok"])
	assert.Equal(t, true, final["completed"])
	results, ok := final["results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "talk")
}

func TestManager_GetResultsUnknownSession(t *testing.T) {
	m := newManager(t)
	out := m.GetResults("nope")
	assert.Equal(t, false, out["ok"])
}

func TestManager_SendMessagePreservesHistory(t *testing.T) {
	provider := llmtest.NewScripted("scripted",
		llmtest.Text("first answer"),
		llmtest.Text("second answer"),
	)
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("scripted"), nil, nil)
	require.NoError(t, err)
	_, err = sess.Wait(context.Background())
	require.NoError(t, err)

	err = m.SendMessage(context.Background(), sess.ID, []protocol.Part{protocol.TextPart{Text: "follow up"}})
	require.NoError(t, err)

	res, err := sess.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []protocol.Part{protocol.TextPart{Text: "second answer"}}, res.Results["talk"])

	// the second request saw the full first conversation plus the new turn
	require.Equal(t, 2, provider.Calls())
	second := provider.Request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "go", second.Messages[0].Parts[0].(protocol.TextPart).Text)
	assert.Equal(t, protocol.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "follow up", second.Messages[2].Parts[0].(protocol.TextPart).Text)
}

func TestManager_SendMessageSkipsUpstreamStages(t *testing.T) {
	spec := &agent.Spec{
		Name: "two-step",
		Stages: []agent.StageSpec{
			{
				Name: "prepare",
				LLM: &agent.LLMCall{
					Provider: "scripted",
					Model:    "m1",
					Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "prep")},
				},
			},
			{
				Name:       "chat",
				DependsOn:  []string{"prepare"},
				Entrypoint: true,
				LLM: &agent.LLMCall{
					Provider: "scripted",
					Model:    "m1",
					Messages: []protocol.Message{protocol.NewTextMessage(protocol.RoleUser, "chat")},
				},
			},
		},
	}
	provider := llmtest.NewScripted("scripted", llmtest.Text("ok"))
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), spec, nil, nil)
	require.NoError(t, err)
	_, err = sess.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, provider.Calls())

	require.NoError(t, m.SendMessage(context.Background(), sess.ID, []protocol.Part{protocol.TextPart{Text: "more"}}))
	_, err = sess.Wait(context.Background())
	require.NoError(t, err)

	// only the entrypoint re-ran
	assert.Equal(t, 3, provider.Calls())
}

func TestManager_SendMessageWhileRunningQueues(t *testing.T) {
	provider := &gatedProvider{name: "gated", release: make(chan struct{})}
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("gated"), nil, nil)
	require.NoError(t, err)

	// accepted while the first run is still blocked on the provider
	err = m.SendMessage(context.Background(), sess.ID, []protocol.Part{protocol.TextPart{Text: "queued turn"}})
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls())

	close(provider.release)

	// the queued turn launches a follow-up run after the first one
	// completes
	deadline := time.Now().Add(5 * time.Second)
	for provider.calls() < 2 {
		require.True(t, time.Now().Before(deadline), "queued follow-up never ran")
		time.Sleep(5 * time.Millisecond)
	}

	followUp := provider.request(1)
	last := followUp.Messages[len(followUp.Messages)-1]
	require.Equal(t, protocol.RoleUser, last.Role)
	assert.Equal(t, "queued turn", last.Parts[0].(protocol.TextPart).Text)

	// both runs settle
	for m.GetResults(sess.ID)["in_progress"] == true {
		require.True(t, time.Now().Before(deadline), "session never settled")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, provider.calls())
}

func TestManager_SendMessageFailedSessionRejected(t *testing.T) {
	provider := llmtest.NewScripted("scripted", llmtest.Fail(assertableError{}))
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("scripted"), nil, nil)
	require.NoError(t, err)
	_, err = sess.Wait(context.Background())
	require.Error(t, err)

	err = m.SendMessage(context.Background(), sess.ID, []protocol.Part{protocol.TextPart{Text: "x"}})
	assert.Error(t, err)
}

func TestManager_QueuedFollowUpsDroppedAfterFailure(t *testing.T) {
	provider := &failAfterGateProvider{release: make(chan struct{})}
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("failing"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.SendMessage(context.Background(), sess.ID, []protocol.Part{protocol.TextPart{Text: "x"}}))
	close(provider.release)

	_, err = sess.Wait(context.Background())
	require.Error(t, err)

	// the queue was dropped with the failed run; the session stays failed
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.GetResults(sess.ID)["in_progress"] == true {
			t.Fatal("dropped follow-up relaunched the session")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), provider.calls.Load())
}

type failAfterGateProvider struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *failAfterGateProvider) Name() string { return "failing" }

func (p *failAfterGateProvider) Completion(ctx context.Context, req llm.Request) ([]protocol.Part, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
		return nil, assertableError{}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestManager_Stop(t *testing.T) {
	provider := &gatedProvider{name: "gated", release: make(chan struct{})}
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("gated"), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, sess.ID))

	_, ok := m.Get(sess.ID)
	assert.False(t, ok)
}

func TestManager_StopUnknownSession(t *testing.T) {
	m := newManager(t)
	assert.Error(t, m.Stop(context.Background(), "nope"))
}

func TestSessionResultsShape(t *testing.T) {
	provider := llmtest.NewScripted("scripted", llmtest.Fail(assertableError{}))
	m := newManager(t, provider)

	sess, err := m.Start(context.Background(), singleStageSpec("scripted"), nil, nil)
	require.NoError(t, err)
	_, err = sess.Wait(context.Background())
	require.Error(t, err)

	out := m.GetResults(sess.ID)
	assert.Equal(t, false, out["ok"])
	assert.NotEmpty(t, out["error"])
	assert.NotEmpty(t, out["class"])
}

type assertableError struct{}

func (assertableError) Error() string { return "scripted failure" }
