// Package codec implements the JSON wire codec translating between domain
// intents and transport raw messages. Envelopes are kind-tagged so the
// dispatcher can route without sniffing payload shapes.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/convoke-ai/convoke/core"
)

// Envelope kinds on the wire.
const (
	kindInboundText        = "inbound_text"
	kindTaskAssignment     = "task_assignment"
	kindDelegationResponse = "delegation_response"
	kindPhaseRequest       = "phase_transition_request"
	kindPhaseRecord        = "phase_transition_record"
	kindCompletionNotice   = "completion_notice"
)

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// JSONCodec is a core.Codec using kind-tagged JSON envelopes. Signature
// verification happens upstream in the transport layer; by the time bytes
// reach Decode, authorship fields are trusted.
type JSONCodec struct{}

// NewJSONCodec creates the JSON codec.
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

// Decode parses a raw message into its intent.
func (c *JSONCodec) Decode(raw []byte) (core.Intent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Kind {
	case kindInboundText:
		return decodePayload[core.InboundText](env.Payload)
	case kindTaskAssignment:
		return decodePayload[core.TaskAssignment](env.Payload)
	case kindDelegationResponse:
		return decodePayload[core.DelegationResponse](env.Payload)
	case kindPhaseRequest:
		return decodePayload[core.PhaseTransitionRequest](env.Payload)
	case kindPhaseRecord:
		return decodePayload[core.PhaseTransitionRecord](env.Payload)
	case kindCompletionNotice:
		return decodePayload[core.CompletionNotice](env.Payload)
	default:
		return nil, fmt.Errorf("unknown intent kind %q: %w", env.Kind, core.ErrInvalidArgument)
	}
}

// Encode wraps an intent in its kind-tagged envelope.
func (c *JSONCodec) Encode(intent core.Intent) ([]byte, error) {
	var kind string
	switch intent.(type) {
	case core.InboundText:
		kind = kindInboundText
	case core.TaskAssignment:
		kind = kindTaskAssignment
	case core.DelegationResponse:
		kind = kindDelegationResponse
	case core.PhaseTransitionRequest:
		kind = kindPhaseRequest
	case core.PhaseTransitionRecord:
		kind = kindPhaseRecord
	case core.CompletionNotice:
		kind = kindCompletionNotice
	default:
		return nil, fmt.Errorf("unsupported intent type %T: %w", intent, core.ErrInvalidArgument)
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: payload})
}

func decodePayload[T core.Intent](payload json.RawMessage) (core.Intent, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
