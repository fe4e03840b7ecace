package tool

import (
	"context"
	"time"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/logging"
)

// Delegator registers a delegation batch and publishes the task assignments.
// The dispatcher implements it; tools never talk to the registry directly.
type Delegator interface {
	Delegate(ctx context.Context, conversationID, delegatingAgent string, recipients []string, prompt string, timeout time.Duration) (string, error)
}

// PhaseSwitcher applies a phase transition on behalf of an agent.
type PhaseSwitcher interface {
	Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error
}

// Actions records orchestration side effects a tool produced during its
// call. The executor inspects them after each sequential tool execution:
// a recorded delegation suspends the turn.
type Actions struct {
	// DelegatedBatchID is set when the delegate tool registered a batch.
	DelegatedBatchID string
	// SwitchedPhase is set when the switch_phase tool applied a transition.
	SwitchedPhase *core.Phase
}

// Context carries per-call services and identity into a tool execution. One
// Context exists per function call; it is never shared across goroutines.
type Context struct {
	ctx            context.Context
	conversationID string
	agent          string
	callID         string

	delegator Delegator
	phases    PhaseSwitcher
	logger    logging.Logger

	// Actions accumulates orchestration signals for the executor.
	Actions Actions
}

// NewContext builds a tool context for one function call.
func NewContext(ctx context.Context, conversationID, agent, callID string, delegator Delegator, phases PhaseSwitcher, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{
		ctx:            ctx,
		conversationID: conversationID,
		agent:          agent,
		callID:         callID,
		delegator:      delegator,
		phases:         phases,
		logger:         logger,
	}
}

// Context returns the cancellation context of the running turn.
func (c *Context) Context() context.Context { return c.ctx }

// ConversationID returns the owning conversation.
func (c *Context) ConversationID() string { return c.conversationID }

// Agent returns the identity of the agent executing the tool.
func (c *Context) Agent() string { return c.agent }

// FunctionCallID returns the id correlating model request and tool execution.
func (c *Context) FunctionCallID() string { return c.callID }

// Logger returns the structured logger for this call.
func (c *Context) Logger() logging.Logger { return c.logger }

// Delegate registers a delegation batch for the calling agent and records
// the resulting batch id in Actions. timeout <= 0 means no deadline.
func (c *Context) Delegate(recipients []string, prompt string, timeout time.Duration) (string, error) {
	batchID, err := c.delegator.Delegate(c.ctx, c.conversationID, c.agent, recipients, prompt, timeout)
	if err != nil {
		return "", err
	}
	c.Actions.DelegatedBatchID = batchID
	return batchID, nil
}

// SwitchPhase applies a phase transition as the calling agent and records it
// in Actions.
func (c *Context) SwitchPhase(newPhase core.Phase, reason string) error {
	if err := c.phases.Transition(c.conversationID, newPhase, reason, c.agent); err != nil {
		return err
	}
	c.Actions.SwitchedPhase = &newPhase
	return nil
}
