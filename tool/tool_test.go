package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-ai/convoke/core"
)

// Interface compliance (compile-time assertions)
var (
	_ Tool = (*FunctionTool)(nil)
	_ Tool = (*delegateTool)(nil)
	_ Tool = (*switchPhaseTool)(nil)
)

type stubDelegator struct {
	batchID    string
	err        error
	recipients []string
	prompt     string
	timeout    time.Duration
}

func (s *stubDelegator) Delegate(ctx context.Context, conversationID, delegatingAgent string, recipients []string, prompt string, timeout time.Duration) (string, error) {
	s.recipients = recipients
	s.prompt = prompt
	s.timeout = timeout
	if s.err != nil {
		return "", s.err
	}
	return s.batchID, nil
}

type stubPhases struct {
	err   error
	phase core.Phase
}

func (s *stubPhases) Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error {
	if s.err != nil {
		return s.err
	}
	s.phase = newPhase
	return nil
}

func newTestContext(delegator Delegator, phases PhaseSwitcher) *Context {
	return NewContext(context.Background(), "c1", "agent-a", "fc1", delegator, phases, nil)
}

func TestFunctionToolValidatesRequiredFields(t *testing.T) {
	ft := NewFunctionTool("greet", "greets",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []any{"name"},
		},
		func(toolCtx *Context, args map[string]any) (any, error) {
			return "hello " + args["name"].(string), nil
		},
	)

	_, err := ft.Call(newTestContext(nil, nil), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)

	_, err = ft.Call(newTestContext(nil, nil), map[string]any{"name": 42})
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)

	out, err := ft.Call(newTestContext(nil, nil), map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", out)
}

func TestFunctionToolWrapsExecutionErrors(t *testing.T) {
	ft := NewFunctionTool("flaky", "fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(toolCtx *Context, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	)

	_, err := ft.Call(newTestContext(nil, nil), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Equal(t, "flaky", toolErr.Tool)
}

func TestFunctionToolPreservesToolErrorCodes(t *testing.T) {
	custom := &ToolError{Tool: "guarded", Message: "no access", Code: CodeUnauthorized}
	ft := NewFunctionTool("guarded", "guards",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(toolCtx *Context, args map[string]any) (any, error) {
			return nil, custom
		},
	)

	_, err := ft.Call(newTestContext(nil, nil), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeUnauthorized, toolErr.Code)
}

func TestDelegateToolParsesArguments(t *testing.T) {
	d := &stubDelegator{batchID: "batch-1"}
	tc := newTestContext(d, nil)

	out, err := NewDelegateTool().Call(tc, map[string]any{
		"recipients":      []any{"b", "c"},
		"prompt":          "split the task",
		"timeout_seconds": float64(30),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, d.recipients)
	assert.Equal(t, "split the task", d.prompt)
	assert.Equal(t, 30*time.Second, d.timeout)
	assert.Equal(t, "batch-1", tc.Actions.DelegatedBatchID)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "batch-1", result["batch_id"])
	assert.Equal(t, true, result["suspended"])
}

func TestDelegateToolRejectsBadArguments(t *testing.T) {
	dt := NewDelegateTool()

	cases := []map[string]any{
		{"prompt": "no recipients"},
		{"recipients": []any{}, "prompt": "empty"},
		{"recipients": []any{"b", 7}, "prompt": "bad type"},
		{"recipients": []any{"b"}},
		{"recipients": []any{"b"}, "prompt": "ok", "timeout_seconds": float64(-1)},
	}
	for _, args := range cases {
		_, err := dt.Call(newTestContext(&stubDelegator{}, nil), args)
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, CodeValidation, toolErr.Code)
	}
}

func TestDelegateToolWrapsRegistrationFailure(t *testing.T) {
	d := &stubDelegator{err: errors.New("registry down")}
	tc := newTestContext(d, nil)

	_, err := NewDelegateTool().Call(tc, map[string]any{
		"recipients": []any{"b"},
		"prompt":     "try",
	})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Empty(t, tc.Actions.DelegatedBatchID)
}

func TestSwitchPhaseToolAppliesTransition(t *testing.T) {
	p := &stubPhases{}
	tc := newTestContext(nil, p)

	out, err := NewSwitchPhaseTool().Call(tc, map[string]any{"phase": "plan", "reason": "ready"})
	require.NoError(t, err)

	assert.Equal(t, core.PhasePlan, p.phase)
	require.NotNil(t, tc.Actions.SwitchedPhase)
	assert.Equal(t, core.PhasePlan, *tc.Actions.SwitchedPhase)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["switched"])
}

func TestSwitchPhaseToolUnauthorized(t *testing.T) {
	p := &stubPhases{err: core.ErrUnauthorized}
	tc := newTestContext(nil, p)

	_, err := NewSwitchPhaseTool().Call(tc, map[string]any{"phase": "plan"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeUnauthorized, toolErr.Code)
	assert.Nil(t, tc.Actions.SwitchedPhase)
}

func TestSwitchPhaseToolRejectsEmptyPhase(t *testing.T) {
	_, err := NewSwitchPhaseTool().Call(newTestContext(nil, &stubPhases{}), map[string]any{"phase": ""})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}
