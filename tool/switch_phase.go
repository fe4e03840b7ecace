package tool

import (
	"errors"

	"github.com/convoke-ai/convoke/core"
)

// SwitchPhaseToolName is the built-in tool name for phase transitions. Only
// the conversation's coordinating agent holds transition authority; other
// agents calling it get an UNAUTHORIZED tool error back, not a fatal fault.
const SwitchPhaseToolName = "switch_phase"

type switchPhaseTool struct{}

// NewSwitchPhaseTool constructs the phase switch tool instance.
func NewSwitchPhaseTool() Tool { return &switchPhaseTool{} }

func (t *switchPhaseTool) Name() string { return SwitchPhaseToolName }

func (t *switchPhaseTool) Description() string {
	return "Move the conversation to a new workflow phase. Phase names are free-form strings; provide a short reason."
}

func (t *switchPhaseTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"phase":  map[string]any{"type": "string", "description": "Target phase name"},
			"reason": map[string]any{"type": "string", "description": "Why the phase is changing"},
		},
		"required": []any{"phase"},
	}
}

func (t *switchPhaseTool) Call(tc *Context, args map[string]any) (any, error) {
	raw, ok := args["phase"].(string)
	if !ok || raw == "" {
		return nil, NewToolError(t.Name(), "field 'phase' must be a non-empty string", CodeValidation)
	}
	reason, _ := args["reason"].(string)

	if err := tc.SwitchPhase(core.Phase(raw), reason); err != nil {
		code := CodeExecution
		if errors.Is(err, core.ErrUnauthorized) {
			code = CodeUnauthorized
		}
		return nil, &ToolError{Tool: t.Name(), Message: err.Error(), Code: code}
	}
	return map[string]any{"phase": raw, "switched": true}, nil
}
