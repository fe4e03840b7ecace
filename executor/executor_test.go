package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-ai/convoke/conversation"
	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/model"
	"github.com/convoke-ai/convoke/phase"
	"github.com/convoke-ai/convoke/tool"
)

type fakeDelegator struct {
	batchID string
	err     error
	calls   int
}

func (f *fakeDelegator) Delegate(ctx context.Context, conversationID, delegatingAgent string, recipients []string, prompt string, timeout time.Duration) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.batchID, nil
}

type fakePhases struct {
	err      error
	switched []core.Phase
}

func (f *fakePhases) Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error {
	if f.err != nil {
		return f.err
	}
	f.switched = append(f.switched, newPhase)
	return nil
}

type harness struct {
	store     core.ConversationStore
	exec      *Executor
	delegator *fakeDelegator
	phases    *fakePhases
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := conversation.NewInMemoryStore()
	_, err := s.Create("c1", "test")
	require.NoError(t, err)
	require.NoError(t, s.MergeMetadata("c1", map[string]string{core.MetaCoordinator: "coord"}))

	d := &fakeDelegator{batchID: "batch-1"}
	p := &fakePhases{}
	return &harness{
		store:     s,
		exec:      NewExecutor(s, phase.NewController(s), d, p),
		delegator: d,
		phases:    p,
	}
}

func (h *harness) appendText(t *testing.T, author, text string) {
	t.Helper()
	_, err := h.store.Append("c1", core.NewTextMessage(author, "user", text))
	require.NoError(t, err)
}

func TestRunNoInput(t *testing.T) {
	h := newHarness(t)
	m := model.NewMock()
	agent := NewAgent("worker", "", m)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnNoInput, res.State)
	assert.Equal(t, 0, m.Calls())
}

func TestRunCompletedAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "please summarize")

	m := model.NewMock().QueueText("here is the summary")
	agent := NewAgent("worker", "You summarize things.", m)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, res.State)
	assert.Equal(t, "here is the summary", res.Output)
	assert.NotEmpty(t, res.OutputMessageID)

	conv, err := h.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.Len())
	assert.Equal(t, 2, conv.Cursor("worker")) // input + own output consumed

	// A second run has nothing unread.
	res, err = h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnNoInput, res.State)
	assert.Equal(t, 1, m.Calls())
}

func TestRunRendersHistoryPerspective(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "hello worker")

	m := model.NewMock().QueueText("hi")
	agent := NewAgent("worker", "Be brief.", m)

	_, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Contents, 1)
	assert.Equal(t, "user", reqs[0].Contents[0].Role)
	assert.Contains(t, reqs[0].Contents[0].Text(), "[alice]")
	assert.Contains(t, reqs[0].Instructions, "Be brief.")
	assert.Contains(t, reqs[0].Instructions, `"chat"`)

	// Built-in tools are declared to the model.
	names := make([]string, 0, len(reqs[0].Tools))
	for _, td := range reqs[0].Tools {
		names = append(names, td.Function.Name)
	}
	assert.Contains(t, names, tool.DelegateToolName)
	assert.Contains(t, names, tool.SwitchPhaseToolName)
}

func TestRunToolTurnLeavesResponsesUnconsumed(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "what is 2+2?")

	echo := tool.NewFunctionTool("echo", "echoes input",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "string"}},
			"required":   []any{"value"},
		},
		func(toolCtx *tool.Context, args map[string]any) (any, error) {
			return args["value"], nil
		},
	)

	m := model.NewMock().
		QueueFunctionCall("fc1", "echo", `{"value":"4"}`).
		QueueText("the answer is 4")
	agent := NewAgent("worker", "", m, echo)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnActed, res.State)

	conv, err := h.store.Get("c1")
	require.NoError(t, err)
	// input + function call message + function response message
	assert.Equal(t, 3, conv.Len())
	// cursor stays put so the follow-up run re-reads the whole exchange
	assert.Equal(t, 0, conv.Cursor("worker"))

	// Follow-up run feeds the tool result back and completes.
	res, err = h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, res.State)
	assert.Equal(t, "the answer is 4", res.Output)

	// The follow-up context keeps the call and its result paired behind the
	// original input; a tool result never arrives without its assistant call.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	contents := reqs[1].Contents
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "assistant", contents[1].Role)
	assert.Equal(t, "tool", contents[2].Role)

	fcPart, ok := contents[1].Parts[0].(core.FunctionCallPart)
	require.True(t, ok)
	frPart, ok := contents[2].Parts[0].(core.FunctionResponsePart)
	require.True(t, ok)
	assert.Equal(t, fcPart.FunctionCall.ID, frPart.FunctionResponse.ID)

	conv, err = h.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, 4, conv.Cursor("worker"))
}

func TestRunSuspendsOnDelegationAndSkipsRemainingCalls(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "split this work")

	executed := false
	after := tool.NewFunctionTool("after", "should never run",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(toolCtx *tool.Context, args map[string]any) (any, error) {
			executed = true
			return "ran", nil
		},
	)

	m := model.NewMock().Queue(model.Response{
		Content: core.Content{
			Role: "assistant",
			Parts: []core.Part{
				core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        "fc1",
					Name:      tool.DelegateToolName,
					Arguments: `{"recipients":["b","c"],"prompt":"do a part each"}`,
				}},
				core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "fc2", Name: "after", Arguments: `{}`}},
			},
		},
		FinishReason: "tool_use",
	})
	agent := NewAgent("coord", "", m, after)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnSuspended, res.State)
	assert.Equal(t, "batch-1", res.BatchID)
	assert.Equal(t, 1, h.delegator.calls)
	assert.False(t, executed, "calls after a successful delegation must be skipped")

	conv, err := h.store.Get("c1")
	require.NoError(t, err)
	// input + function call message + delegate tool response
	assert.Equal(t, 3, conv.Len())
	// cursor advanced past the delegating exchange: reactivation context is
	// the synthesis alone, never an orphan tool result
	assert.Equal(t, 3, conv.Cursor("coord"))
}

func TestRunPhaseSwitchTool(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "move to planning")

	m := model.NewMock().
		QueueFunctionCall("fc1", tool.SwitchPhaseToolName, `{"phase":"plan","reason":"ready"}`).
		QueueText("switched")
	agent := NewAgent("coord", "", m)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnActed, res.State)
	require.NotNil(t, res.SwitchedPhase)
	assert.Equal(t, core.PhasePlan, *res.SwitchedPhase)
	assert.Equal(t, []core.Phase{core.PhasePlan}, h.phases.switched)
}

func TestRunUnauthorizedPhaseSwitchIsToolErrorNotFatal(t *testing.T) {
	h := newHarness(t)
	h.phases.err = core.ErrUnauthorized
	h.appendText(t, "alice", "move to planning")

	m := model.NewMock().QueueFunctionCall("fc1", tool.SwitchPhaseToolName, `{"phase":"plan"}`)
	agent := NewAgent("worker", "", m)

	res, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)
	assert.Equal(t, TurnActed, res.State)
	assert.Nil(t, res.SwitchedPhase)

	conv, err := h.store.Get("c1")
	require.NoError(t, err)
	history := conv.HistorySince(0)
	frs := history[len(history)-1].GetFunctionResponses()
	require.Len(t, frs, 1)
	assert.Contains(t, frs[0].Error, "UNAUTHORIZED")
}

func TestRunModelFailureAppendsErrorMessage(t *testing.T) {
	h := newHarness(t)
	h.appendText(t, "alice", "hello")

	genErr := errors.New("rate limited")
	m := model.NewMock().QueueError(genErr)
	agent := NewAgent("worker", "", m)

	_, err := h.exec.Run(context.Background(), agent, "c1")
	require.ErrorIs(t, err, genErr)

	conv, err := h.store.Get("c1")
	require.NoError(t, err)
	history := conv.HistorySince(0)
	require.Len(t, history, 2)
	last := history[1]
	assert.Equal(t, core.MessageError, last.Kind)
	assert.Equal(t, "MODEL_INVOCATION_ERROR", last.Metadata[core.MetaErrorCode])
	// The failed turn still consumed its input so it is not retried blindly.
	assert.Equal(t, 2, conv.Cursor("worker"))
}

func TestRunInjectsCatchUpExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctrl := phase.NewController(h.store)
	require.NoError(t, ctrl.Transition("c1", core.PhasePlan, "planning", "coord"))
	h.appendText(t, "coord", "we are planning now")

	m := model.NewMock().QueueText("understood").QueueText("ok")
	agent := NewAgent("worker", "", m)

	_, err := h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	first := reqs[0].Contents[0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Text(), "chat -> plan")

	// Next turn: cursor moved past the transition, no second catch-up.
	h.appendText(t, "coord", "another message")
	_, err = h.exec.Run(context.Background(), agent, "c1")
	require.NoError(t, err)

	reqs = m.Requests()
	require.Len(t, reqs, 2)
	for _, c := range reqs[1].Contents {
		assert.NotContains(t, c.Text(), "chat -> plan")
	}
}

func TestRunArchivedConversation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.MergeMetadata("c1", map[string]string{core.MetaArchived: "true"}))
	h.appendText(t, "alice", "hello")

	agent := NewAgent("worker", "", model.NewMock())
	_, err := h.exec.Run(context.Background(), agent, "c1")
	assert.ErrorIs(t, err, core.ErrConversationArchived)
}
