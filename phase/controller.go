// Package phase validates and applies conversation phase transitions and
// computes catch-up context for agents that missed transitions while idle.
package phase

import (
	"fmt"
	"strings"
	"time"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/logging"
)

// Controller applies phase transitions against conversations. Phases are
// free-form strings; the controller enforces structure (non-empty) and
// authority (only the coordinating agent may transition), never a phase
// catalogue.
type Controller struct {
	store  core.ConversationStore
	logger logging.Logger
}

// Options configures a Controller.
type Options struct {
	Logger logging.Logger
}

// NewController creates a phase controller on top of a conversation store.
func NewController(store core.ConversationStore, optFns ...func(o *Options)) *Controller {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Controller{store: store, logger: opts.Logger}
}

// Transition moves a conversation to newPhase, recording who asked and why.
//
// Failure modes:
//   - ErrInvalidArgument for an empty phase name
//   - ErrNotFound for an unknown or archived conversation
//   - ErrUnauthorized when actingAgent is not the coordinating agent
//
// On success the transition is appended to the conversation's transition log
// and the phase updated atomically.
func (c *Controller) Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error {
	if err := newPhase.Validate(); err != nil {
		return err
	}

	conv, err := c.store.Get(conversationID)
	if err != nil {
		return err
	}
	if conv.Archived() {
		return fmt.Errorf("conversation %s is archived: %w", conversationID, core.ErrNotFound)
	}
	if coordinator := conv.Coordinator(); coordinator == "" || coordinator != actingAgent {
		return fmt.Errorf("agent %s may not transition conversation %s: %w", actingAgent, conversationID, core.ErrUnauthorized)
	}
	if conv.Phase == newPhase {
		return nil // no-op, replays are safe
	}

	t := core.PhaseTransition{
		From:        conv.Phase,
		To:          newPhase,
		Reason:      reason,
		ActingAgent: actingAgent,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.store.RecordTransition(conversationID, t); err != nil {
		return err
	}

	meta := map[string]string{
		"last_phase_reason": reason,
		"last_phase_actor":  actingAgent,
		"last_phase_at":     t.Timestamp.Format(time.RFC3339Nano),
	}
	if err := c.store.MergeMetadata(conversationID, meta); err != nil {
		return err
	}

	c.logger.Info("phase.transition.applied",
		"conversation_id", conversationID,
		"from", string(t.From),
		"to", string(newPhase),
		"acting_agent", actingAgent,
	)
	return nil
}

// CatchUp compares the phase an agent last acted under with the current
// phase and, if transitions happened in between, returns one synthesized
// message naming all of them in chronological order. It returns nil when the
// agent is up to date. The message is injected into the agent's model
// context immediately before its next reasoning step and never persisted, so
// the agent sees it exactly once: its cursor moves past the accompanying
// history during that turn.
func (c *Controller) CatchUp(conversationID, agent string) (*core.Message, error) {
	conv, err := c.store.Get(conversationID)
	if err != nil {
		return nil, err
	}

	missed := conv.TransitionsSince(conv.Cursor(agent))
	if len(missed) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("While you were inactive the conversation phase changed:\n")
	for _, t := range missed {
		sb.WriteString(fmt.Sprintf("- %s -> %s", t.From, t.To))
		if t.Reason != "" {
			sb.WriteString(" (" + t.Reason + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("The current phase is %q.", conv.Phase))

	m := core.NewMessage("system", core.MessageCatchUp)
	m.Recipient = agent
	m.Content = core.NewTextContent("system", sb.String())
	return &m, nil
}
