package tool

import (
	"fmt"
	"time"
)

// DelegateToolName is the built-in tool name agents use to hand sub-work to
// other agents.
const DelegateToolName = "delegate"

// delegateTool registers a delegation batch and suspends the calling agent's
// turn. Assignments are published immediately at registration time so other
// agents see the work on the public log right away.
type delegateTool struct{}

// NewDelegateTool constructs the delegate tool instance.
func NewDelegateTool() Tool { return &delegateTool{} }

func (t *delegateTool) Name() string { return DelegateToolName }

func (t *delegateTool) Description() string {
	return "Delegate a sub-task to one or more other agents. Your turn pauses until all recipients respond (or the timeout elapses); the combined responses are delivered back to you."
}

func (t *delegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recipients": map[string]any{
				"type":        "array",
				"description": "Agent names that should work on the task",
				"items":       map[string]any{"type": "string"},
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task to hand to each recipient",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional deadline in seconds; omit for no deadline",
			},
		},
		"required": []any{"recipients", "prompt"},
	}
}

func (t *delegateTool) Call(tc *Context, args map[string]any) (any, error) {
	rawRecipients, ok := args["recipients"].([]any)
	if !ok || len(rawRecipients) == 0 {
		return nil, NewToolError(t.Name(), "field 'recipients' must be a non-empty array of agent names", CodeValidation)
	}
	recipients := make([]string, 0, len(rawRecipients))
	for _, r := range rawRecipients {
		name, ok := r.(string)
		if !ok || name == "" {
			return nil, NewToolError(t.Name(), "recipients must be non-empty strings", CodeValidation)
		}
		recipients = append(recipients, name)
	}

	prompt, ok := args["prompt"].(string)
	if !ok || prompt == "" {
		return nil, NewToolError(t.Name(), "field 'prompt' must be a non-empty string", CodeValidation)
	}

	var timeout time.Duration
	if raw, ok := args["timeout_seconds"]; ok {
		secs, ok := raw.(float64)
		if !ok || secs < 0 {
			return nil, NewToolError(t.Name(), "field 'timeout_seconds' must be a non-negative integer", CodeValidation)
		}
		timeout = time.Duration(secs) * time.Second
	}

	batchID, err := tc.Delegate(recipients, prompt, timeout)
	if err != nil {
		return nil, &ToolError{Tool: t.Name(), Message: err.Error(), Code: CodeExecution}
	}

	tc.Logger().Info("tool.delegate.registered",
		"batch_id", batchID,
		"recipients", len(recipients),
		"conversation_id", tc.ConversationID(),
	)
	return map[string]any{
		"batch_id":   batchID,
		"recipients": recipients,
		"suspended":  true,
		"note":       fmt.Sprintf("delegated to %d agent(s); you will be reactivated when responses arrive", len(recipients)),
	}, nil
}
