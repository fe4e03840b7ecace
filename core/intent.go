package core

import (
	"context"
	"time"
)

// Intent is a decoded domain event consumed or produced by the engine. The
// external codec translates intents to and from transport-level signed
// messages; the engine never touches the wire format. Concrete intent types
// implement the unexported isIntent marker enabling a closed set.
type Intent interface{ isIntent() }

// InboundText is an ordinary conversational message arriving on the public
// log, addressed to a conversation.
type InboundText struct {
	ID             string `json:"id"` // transport event id, used for de-duplication
	ConversationID string `json:"conversation_id"`
	Author         string `json:"author"` // agent identity or end user
	Content        string `json:"content"`
}

func (InboundText) isIntent() {}

// TaskAssignment hands a delegated sub-task to one recipient of a batch. One
// assignment is published per recipient at registration time.
type TaskAssignment struct {
	ID              string `json:"id"`
	BatchID         string `json:"batch_id"`
	ConversationID  string `json:"conversation_id"`
	DelegatingAgent string `json:"delegating_agent"`
	Recipient       string `json:"recipient"`
	Prompt          string `json:"prompt"`
}

func (TaskAssignment) isIntent() {}

// DelegationResponse is one recipient's answer to a task assignment.
type DelegationResponse struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	Recipient string `json:"recipient"`
	Payload   string `json:"payload"`
}

func (DelegationResponse) isIntent() {}

// PhaseTransitionRequest asks for a conversation phase switch. ActingAgent
// is derived by the codec from the transport signature; the controller
// enforces that only the coordinating agent may transition.
type PhaseTransitionRequest struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	NewPhase       Phase  `json:"new_phase"`
	Reason         string `json:"reason,omitempty"`
	ActingAgent    string `json:"acting_agent"`
}

func (PhaseTransitionRequest) isIntent() {}

// CompletionNotice publishes an agent's terminal turn output so other
// participants and observers of the log see it.
type CompletionNotice struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Agent          string `json:"agent"`
	Content        string `json:"content"`
}

func (CompletionNotice) isIntent() {}

// PhaseTransitionRecord publishes an applied transition for observers.
type PhaseTransitionRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           Phase     `json:"from"`
	To             Phase     `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	ActingAgent    string    `json:"acting_agent"`
	Timestamp      time.Time `json:"timestamp"`
}

func (PhaseTransitionRecord) isIntent() {}

// Codec translates between domain intents and transport-level raw messages.
// The signed wire format and its verification are external concerns; by the
// time Decode returns, authorship is trusted.
type Codec interface {
	Decode(raw []byte) (Intent, error)
	Encode(intent Intent) ([]byte, error)
}

// Transport publishes raw messages to, and subscribes to raw messages from,
// the public append-only event log. The engine never manages connection
// lifecycle; the embedding process owns it.
type Transport interface {
	Publish(ctx context.Context, raw []byte) error
	// Subscribe registers a handler for inbound raw messages and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, handler func(raw []byte)) (func() error, error)
}
