package executor

import (
	"github.com/convoke-ai/convoke/model"
	"github.com/convoke-ai/convoke/tool"
)

// Agent describes one reasoning participant: its identity, system prompt,
// backing model and tool set. Agents are immutable after construction; all
// per-turn state lives in the executor and the conversation store.
type Agent struct {
	// Name is the agent's unique identity on the event log.
	Name string
	// Description is a short human-readable role summary.
	Description string
	// Instruction is the system prompt driving the agent's behavior.
	Instruction string
	// Model generates the agent's turns.
	Model model.Model
	// Tools lists the capabilities exposed to the model.
	Tools []tool.Tool
}

// NewAgent creates an agent with the built-in orchestration tools (delegate,
// switch_phase) plus any extra tools supplied.
func NewAgent(name, instruction string, m model.Model, extraTools ...tool.Tool) *Agent {
	tools := []tool.Tool{tool.NewDelegateTool(), tool.NewSwitchPhaseTool()}
	tools = append(tools, extraTools...)
	return &Agent{
		Name:        name,
		Instruction: instruction,
		Model:       m,
		Tools:       tools,
	}
}

// toolByName resolves a tool by its declared name.
func (a *Agent) toolByName(name string) tool.Tool {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// toolDefinitions converts the agent's tool set into model declarations.
func (a *Agent) toolDefinitions() []model.ToolDefinition {
	if len(a.Tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(a.Tools))
	for _, t := range a.Tools {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
