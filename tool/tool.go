// Package tool implements the function calling subsystem that lets agents
// invoke structured capabilities (delegation, phase switching, arbitrary
// functions) with schema validated arguments and consistent error handling.
package tool

import (
	"fmt"

	"github.com/convoke-ai/convoke/internal/util"
)

// Tool defines the interface for extending agent capabilities.
//
// Tools registered with an agent become available to the model during
// reasoning. The executor runs requested tool calls strictly sequentially
// within a turn, in the order the model requested them, so implementations
// never see interleaved partial side effects from the same agent.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case) and descriptions
//   - Define proper JSON schema for parameters
//   - Return *ToolError for categorized failures
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description provided to the model.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments and a Context giving
	// access to delegation, phase switching and logging.
	Call(toolCtx *Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors.
type ValidationError = util.ValidationError

// Stable tool error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeExecution    = "EXECUTION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
