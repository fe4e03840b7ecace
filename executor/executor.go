// Package executor drives the reason-act loop of a single agent turn: build
// context from unread history, invoke the model exactly once, execute
// requested tool calls strictly sequentially, then complete or suspend.
//
// A turn retains no continuation across suspension. When a delegation batch
// completes, the dispatcher schedules a fresh run whose context is rebuilt
// entirely from persisted state plus the synthesized response, so a crash
// while suspended loses nothing.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/logging"
	"github.com/convoke-ai/convoke/model"
	"github.com/convoke-ai/convoke/tool"
)

// TurnState is the terminal state of one run.
type TurnState string

const (
	// TurnNoInput means the agent had nothing unread and no catch-up context;
	// the run was a no-op.
	TurnNoInput TurnState = "noInput"
	// TurnCompleted means the model produced a final output and the agent's
	// cursor was advanced past everything it consumed.
	TurnCompleted TurnState = "completed"
	// TurnActed means tool calls executed and their responses were appended
	// unconsumed; the dispatcher should schedule a follow-up run so the agent
	// can react to the results.
	TurnActed TurnState = "acted"
	// TurnSuspended means a delegation batch was registered; the agent
	// produces no further output until reactivated.
	TurnSuspended TurnState = "suspended"
)

// TurnResult reports what one run did.
type TurnResult struct {
	State TurnState
	// BatchID is the registered delegation batch when State == TurnSuspended.
	BatchID string
	// SwitchedPhase is set when the turn applied a phase transition.
	SwitchedPhase *core.Phase
	// Output is the final assistant text when State == TurnCompleted.
	Output string
	// OutputMessageID is the history id of the appended assistant output,
	// reused when the output is published so loopback deliveries deduplicate.
	OutputMessageID string
	// Usage reports token consumption for the model invocation, if any.
	Usage model.TokenUsage
}

// Appender appends a message to a conversation's history. The dispatcher
// supplies an implementation that retries persistence with backoff; the
// default writes straight through to the store.
type Appender interface {
	Append(conversationID string, m core.Message) (int, error)
}

// CatchUpProvider supplies the one-shot catch-up message for agents that
// missed phase transitions. *phase.Controller implements it.
type CatchUpProvider interface {
	CatchUp(conversationID, agent string) (*core.Message, error)
}

type storeAppender struct{ store core.ConversationStore }

func (s storeAppender) Append(conversationID string, m core.Message) (int, error) {
	return s.store.Append(conversationID, m)
}

// Options configures an Executor.
type Options struct {
	Logger   logging.Logger
	Appender Appender
	Now      func() time.Time
}

// Executor runs agent turns. It holds no per-turn state; one Executor serves
// any number of agents and conversations, relying on the dispatcher for
// per-conversation serialization.
type Executor struct {
	store     core.ConversationStore
	catchUp   CatchUpProvider
	delegator tool.Delegator
	phases    tool.PhaseSwitcher
	appender  Appender
	logger    logging.Logger
	now       func() time.Time
}

// NewExecutor creates an executor over the given store and orchestration
// services.
func NewExecutor(
	store core.ConversationStore,
	catchUp CatchUpProvider,
	delegator tool.Delegator,
	phases tool.PhaseSwitcher,
	optFns ...func(o *Options),
) *Executor {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Appender == nil {
		opts.Appender = storeAppender{store: store}
	}
	return &Executor{
		store:     store,
		catchUp:   catchUp,
		delegator: delegator,
		phases:    phases,
		appender:  opts.Appender,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Run executes one turn for agent in conversationID.
//
// The turn consumes all history unread since the agent's cursor, performs
// exactly one model invocation (no automatic retries), then executes
// requested tool calls one at a time in the order requested. A successful
// delegation registration suspends the turn immediately; remaining tool
// calls are skipped.
//
// Model invocation failures are appended to history as an error-annotated
// message and returned to the caller; the conversation never silently drops
// a turn.
func (e *Executor) Run(ctx context.Context, agent *Agent, conversationID string) (*TurnResult, error) {
	start := e.now()
	defer func() {
		if err := e.store.RecordExecution(conversationID, e.now().Sub(start)); err != nil {
			e.logger.Warn("executor.execution_time.record_failed",
				"conversation_id", conversationID, "error", err.Error())
		}
	}()

	conv, err := e.store.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Archived() {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, core.ErrConversationArchived)
	}

	cursor := conv.Cursor(agent.Name)
	unread := conv.HistorySince(cursor)

	catchUp, err := e.catchUp.CatchUp(conversationID, agent.Name)
	if err != nil {
		return nil, fmt.Errorf("catch-up context: %w", err)
	}

	if len(unread) == 0 && catchUp == nil {
		return &TurnResult{State: TurnNoInput}, nil
	}

	req := model.Request{
		Instructions: e.buildInstructions(agent, conv.Phase),
		Contents:     e.buildContents(agent.Name, unread, catchUp),
		Tools:        agent.toolDefinitions(),
	}

	e.logger.Debug("executor.turn.start",
		"conversation_id", conversationID,
		"agent", agent.Name,
		"unread", len(unread),
		"catch_up", catchUp != nil,
	)

	resp, genErr := agent.Model.Generate(ctx, req)
	if genErr != nil {
		errMsg := core.NewErrorMessage(agent.Name, "MODEL_INVOCATION_ERROR",
			fmt.Sprintf("model invocation failed for %s: %v", agent.Name, genErr))
		newLen, appendErr := e.appender.Append(conversationID, errMsg)
		if appendErr != nil {
			return nil, errors.Join(
				fmt.Errorf("model invocation: %w", genErr),
				fmt.Errorf("record failure: %w", appendErr),
			)
		}
		if err := e.store.UpdateAgentCursor(conversationID, agent.Name, newLen); err != nil {
			e.logger.Warn("executor.cursor.update_failed",
				"conversation_id", conversationID, "agent", agent.Name, "error", err.Error())
		}
		return nil, fmt.Errorf("model invocation: %w", genErr)
	}

	calls := functionCalls(resp.Content)
	if len(calls) == 0 {
		return e.complete(agent, conversationID, resp)
	}
	return e.executeTools(ctx, agent, conversationID, resp, calls)
}

// complete finishes a turn whose model response carried no tool calls: the
// assistant output is appended and the cursor advanced past everything the
// agent consumed, including its own message.
func (e *Executor) complete(agent *Agent, conversationID string, resp model.Response) (*TurnResult, error) {
	text := resp.Content.Text()
	m := core.NewTextMessage(agent.Name, "assistant", text)
	newLen, err := e.appender.Append(conversationID, m)
	if err != nil {
		return nil, fmt.Errorf("append assistant output: %w", err)
	}
	if err := e.store.UpdateAgentCursor(conversationID, agent.Name, newLen); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}

	e.logger.Info("executor.turn.completed",
		"conversation_id", conversationID,
		"agent", agent.Name,
		"output_len", len(text),
	)
	return &TurnResult{State: TurnCompleted, Output: text, OutputMessageID: m.ID, Usage: resp.Usage}, nil
}

// executeTools runs the requested tool calls strictly sequentially. A
// successful delegation suspends the turn: remaining calls are skipped and
// the cursor is advanced past the tool exchange so the suspended agent never
// re-reads its own request; its reactivation context is the synthesis alone.
// On an acted turn the cursor stays put: the follow-up run re-reads the
// input together with the call/response pair, keeping them paired for
// providers that reject orphan tool results.
func (e *Executor) executeTools(
	ctx context.Context,
	agent *Agent,
	conversationID string,
	resp model.Response,
	calls []core.FunctionCall,
) (*TurnResult, error) {
	callMsg := core.NewFunctionCallMessage(agent.Name, calls)
	if _, err := e.appender.Append(conversationID, callMsg); err != nil {
		return nil, fmt.Errorf("append function calls: %w", err)
	}

	result := &TurnResult{State: TurnActed, Usage: resp.Usage}

	for _, fc := range calls {
		out, actions, callErr := e.executeOne(ctx, agent, conversationID, fc)

		frMsg := core.NewFunctionResponseMessage(agent.Name, fc.ID, fc.Name, out, callErr)
		newLen, err := e.appender.Append(conversationID, frMsg)
		if err != nil {
			return nil, fmt.Errorf("append function response: %w", err)
		}

		if actions.SwitchedPhase != nil {
			result.SwitchedPhase = actions.SwitchedPhase
		}
		if actions.DelegatedBatchID != "" {
			if err := e.store.UpdateAgentCursor(conversationID, agent.Name, newLen); err != nil {
				return nil, fmt.Errorf("advance cursor: %w", err)
			}
			result.State = TurnSuspended
			result.BatchID = actions.DelegatedBatchID
			e.logger.Info("executor.turn.suspended",
				"conversation_id", conversationID,
				"agent", agent.Name,
				"batch_id", result.BatchID,
			)
			return result, nil
		}
	}

	return result, nil
}

// executeOne runs a single tool call, returning its result or error plus the
// orchestration actions it recorded.
func (e *Executor) executeOne(
	ctx context.Context,
	agent *Agent,
	conversationID string,
	fc core.FunctionCall,
) (any, tool.Actions, error) {
	t := agent.toolByName(fc.Name)
	if t == nil {
		return nil, tool.Actions{}, tool.NewToolError(fc.Name, "unknown tool", tool.CodeExecution)
	}

	args := map[string]any{}
	if fc.Arguments != "" {
		if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
			return nil, tool.Actions{}, tool.NewToolError(fc.Name,
				fmt.Sprintf("malformed arguments: %v", err), tool.CodeValidation)
		}
	}

	tc := tool.NewContext(ctx, conversationID, agent.Name, fc.ID, e.delegator, e.phases, e.logger)
	out, err := t.Call(tc, args)
	return out, tc.Actions, err
}

// buildInstructions combines the agent's system prompt with the current
// phase so the model always knows which workflow stage it operates in.
func (e *Executor) buildInstructions(agent *Agent, phase core.Phase) string {
	base := agent.Instruction
	if base == "" {
		base = fmt.Sprintf("You are %s, an agent collaborating with others in a shared conversation.", agent.Name)
	}
	return fmt.Sprintf("%s\n\nThe conversation is currently in the %q phase.", base, phase)
}

// buildContents renders unread history from the agent's perspective: its own
// entries stay assistant/tool roles, everything else arrives as attributed
// user content. The catch-up message, when present, is injected first and is
// never persisted, so the agent sees it exactly once.
func (e *Executor) buildContents(agentName string, unread []core.Message, catchUp *core.Message) []core.Content {
	contents := make([]core.Content, 0, len(unread)+1)

	if catchUp != nil && catchUp.Content != nil {
		contents = append(contents, *catchUp.Content)
	}

	for _, m := range unread {
		if m.Content == nil {
			continue
		}
		switch {
		case m.Author == agentName:
			// Own assistant output and tool responses pass through unchanged
			// so function call / response pairing survives.
			contents = append(contents, *m.Content)
		case m.Kind == core.MessageError || m.Kind == core.MessageTransition:
			contents = append(contents, core.Content{
				Role:  "system",
				Parts: []core.Part{core.TextPart{Text: m.Content.Text()}},
			})
		case m.Kind == core.MessageSynthesis && m.Recipient == agentName:
			contents = append(contents, core.Content{
				Role:  "user",
				Parts: []core.Part{core.TextPart{Text: "Delegation results:\n" + m.Content.Text()}},
			})
		default:
			contents = append(contents, core.Content{
				Role:  "user",
				Parts: []core.Part{core.TextPart{Text: fmt.Sprintf("[%s] %s", m.Author, m.Content.Text())}},
			})
		}
	}

	return contents
}

// functionCalls extracts the ordered function call parts from a response.
func functionCalls(c core.Content) []core.FunctionCall {
	var calls []core.FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(core.FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}
