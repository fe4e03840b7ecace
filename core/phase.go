package core

import (
	"fmt"
	"time"
)

// Phase is an open-ended label describing the current stage of a
// conversation's workflow. Phases are deliberately not a closed enum: new
// phase names may appear at runtime without recompiling the engine. The only
// structural requirement is non-emptiness; whether a particular name is
// meaningful is a policy decision left to callers.
type Phase string

// Common phases used as defaults. Nothing in the engine restricts
// conversations to this set.
const (
	PhaseChat  Phase = "chat"
	PhasePlan  Phase = "plan"
	PhaseBuild Phase = "build"
)

// Validate reports whether the phase is structurally usable.
func (p Phase) Validate() error {
	if p == "" {
		return fmt.Errorf("phase must be non-empty: %w", ErrInvalidArgument)
	}
	return nil
}

func (p Phase) String() string { return string(p) }

// PhaseTransition is one entry of a conversation's transition log. The log is
// append-only and, together with per-agent cursors, drives catch-up context
// synthesis for agents that were inactive across one or more transitions.
type PhaseTransition struct {
	From        Phase     `json:"from"`
	To          Phase     `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	ActingAgent string    `json:"acting_agent"`
	Timestamp   time.Time `json:"timestamp"`

	// HistoryIndex records the conversation history length at the moment the
	// transition was applied. An agent whose cursor is <= HistoryIndex has
	// not yet acted on anything that happened after the transition.
	HistoryIndex int `json:"history_index"`
}
