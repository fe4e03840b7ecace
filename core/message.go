package core

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageKind categorizes a history entry for routing and rendering. The
// conversational payload always lives in Content; Kind tells the dispatcher
// and context builders what the entry means to the orchestration layer.
type MessageKind string

const (
	// MessageText is an ordinary conversational message (user or agent).
	MessageText MessageKind = "text"
	// MessageAssignment is a delegation task handed to a recipient agent.
	MessageAssignment MessageKind = "assignment"
	// MessageSynthesis is the merged delegation result delivered back to the
	// delegating agent on reactivation.
	MessageSynthesis MessageKind = "synthesis"
	// MessageTransition records an applied phase transition.
	MessageTransition MessageKind = "phase_transition"
	// MessageCatchUp summarizes phase transitions an agent missed. It is
	// injected into model context, never persisted to history.
	MessageCatchUp MessageKind = "catch_up"
	// MessageError is an error-annotated entry recording a failed model
	// invocation or tool execution so observers see the failure.
	MessageError MessageKind = "error"
)

// Well-known metadata keys attached to messages.
const (
	MetaBatchID    = "batch_id"
	MetaComplete   = "complete"
	MetaErrorCode  = "error_code"
	MetaRecipient  = "recipient"
	MetaPhaseFrom  = "phase_from"
	MetaPhaseTo    = "phase_to"
	MetaPhaseActor = "phase_actor"
)

// Message is one entry of a conversation's append-only history: a reference
// to a transport event plus its decoded conversational payload. After append
// it is treated as immutable; insertion order is meaning-bearing and never
// reordered.
type Message struct {
	ID        string            `json:"id"`
	Author    string            `json:"author"`
	Recipient string            `json:"recipient,omitempty"` // addressed agent, if any
	Kind      MessageKind       `json:"kind"`
	Content   *Content          `json:"content,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewID generates a unique identifier for messages and batches.
func NewID() string { return uuid.NewString() }

// NewMessage creates a bare message authored by author.
func NewMessage(author string, kind MessageKind) Message {
	return Message{
		ID:        NewID(),
		Author:    author,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewTextMessage creates an ordinary conversational message.
func NewTextMessage(author, role, text string) Message {
	m := NewMessage(author, MessageText)
	m.Content = NewTextContent(role, text)
	return m
}

// NewAssignmentMessage creates the delegation task entry addressed to a
// recipient agent. The batch id correlates the assignment with its batch.
func NewAssignmentMessage(batchID, delegatingAgent, recipient, prompt string) Message {
	m := NewMessage(delegatingAgent, MessageAssignment)
	m.Recipient = recipient
	m.Content = NewTextContent("user", prompt)
	m.Metadata = map[string]string{MetaBatchID: batchID, MetaRecipient: recipient}
	return m
}

// NewSynthesisMessage creates the merged delegation result addressed to the
// delegating agent. complete=false marks a partial (timed out) synthesis.
func NewSynthesisMessage(batchID, delegatingAgent string, content *Content, complete bool) Message {
	m := NewMessage("delegation", MessageSynthesis)
	m.Recipient = delegatingAgent
	m.Content = content
	m.Metadata = map[string]string{
		MetaBatchID:  batchID,
		MetaComplete: strconv.FormatBool(complete),
	}
	return m
}

// NewTransitionMessage records an applied phase transition in history.
func NewTransitionMessage(t PhaseTransition) Message {
	m := NewMessage(t.ActingAgent, MessageTransition)
	m.Content = NewTextContent("system", "phase transition: "+string(t.From)+" -> "+string(t.To))
	m.Metadata = map[string]string{
		MetaPhaseFrom:  string(t.From),
		MetaPhaseTo:    string(t.To),
		MetaPhaseActor: t.ActingAgent,
	}
	return m
}

// NewErrorMessage records a failed model or tool invocation so the failure
// stays visible in the conversation rather than silently dropping the turn.
func NewErrorMessage(author, code, text string) Message {
	m := NewMessage(author, MessageError)
	m.Content = NewTextContent("system", text)
	m.Metadata = map[string]string{MetaErrorCode: code}
	return m
}

// NewFunctionCallMessage wraps a model-requested tool call batch as an
// assistant history entry.
func NewFunctionCallMessage(author string, calls []FunctionCall) Message {
	m := NewMessage(author, MessageText)
	parts := make([]Part, 0, len(calls))
	for _, fc := range calls {
		parts = append(parts, FunctionCallPart{FunctionCall: fc})
	}
	m.Content = &Content{Role: "assistant", Parts: parts}
	return m
}

// NewFunctionResponseMessage records the completion result (or error) of a
// tool invocation.
func NewFunctionResponseMessage(author, callID, name string, result any, err error) Message {
	m := NewMessage(author, MessageText)
	fr := FunctionResponse{ID: callID, Name: name, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	m.Content = &Content{Role: "tool", Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
	return m
}

// GetFunctionCalls returns any FunctionCall parts contained within the
// message content preserving their original order.
func (m Message) GetFunctionCalls() []FunctionCall {
	if m.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range m.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns any FunctionResponse parts contained within
// the message content preserving their original order.
func (m Message) GetFunctionResponses() []FunctionResponse {
	if m.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range m.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}
