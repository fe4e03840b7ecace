package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/executor"
)

// handleInboundText appends the message to the conversation (creating it on
// first reference) and schedules the coordinating agent. Duplicate network
// deliveries are dropped on the message id.
func (d *Dispatcher) handleInboundText(in core.InboundText) error {
	if in.ConversationID == "" {
		return fmt.Errorf("inbound text without conversation id: %w", core.ErrInvalidArgument)
	}
	if err := d.ensureConversation(in.ConversationID); err != nil {
		return err
	}

	d.schedule(in.ConversationID, func(ctx context.Context) {
		m := core.NewTextMessage(in.Author, "user", in.Content)
		if in.ID != "" {
			m.ID = in.ID
		}
		if _, err := d.Append(in.ConversationID, m); err != nil {
			if errors.Is(err, core.ErrAlreadyExists) {
				d.logger.Debug("dispatcher.inbound.duplicate",
					"conversation_id", in.ConversationID, "message_id", m.ID)
				return
			}
			d.logger.Error("dispatcher.inbound.append_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
			return
		}
		d.persistConversation(in.ConversationID)

		conv, err := d.store.Get(in.ConversationID)
		if err != nil {
			d.logger.Error("dispatcher.inbound.lookup_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
			return
		}
		coordinator := conv.Coordinator()
		if coordinator == "" || coordinator == in.Author {
			return
		}
		d.runAgent(ctx, in.ConversationID, coordinator, nil)
	})
	return nil
}

// handleTaskAssignment appends the delegated prompt and, when the recipient
// is a local agent, schedules its turn. Assignments delegated from this
// process loop back here with the same message id and deduplicate.
func (d *Dispatcher) handleTaskAssignment(in core.TaskAssignment) error {
	if in.ConversationID == "" || in.BatchID == "" {
		return fmt.Errorf("task assignment missing ids: %w", core.ErrInvalidArgument)
	}
	if err := d.ensureConversation(in.ConversationID); err != nil {
		return err
	}

	d.schedule(in.ConversationID, func(ctx context.Context) {
		m := core.NewAssignmentMessage(in.BatchID, in.DelegatingAgent, in.Recipient, in.Prompt)
		if in.ID != "" {
			m.ID = in.ID
		}
		if _, err := d.Append(in.ConversationID, m); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
			d.logger.Error("dispatcher.assignment.append_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
			return
		}
		d.persistConversation(in.ConversationID)
		d.runAssignment(ctx, in.ConversationID, in.BatchID, in.Recipient)
	})
	return nil
}

// handleDelegationResponse records the payload; the response completing the
// batch triggers reactivation of the delegating agent. Duplicate and late
// responses are benign no-ops.
func (d *Dispatcher) handleDelegationResponse(in core.DelegationResponse) error {
	res, err := d.registry.RecordResponse(in.BatchID, in.Recipient, in.Payload)
	if err != nil {
		return err
	}
	if !res.Accepted {
		d.logger.Debug("dispatcher.response.dropped",
			"batch_id", in.BatchID, "recipient", in.Recipient)
		return nil
	}
	if res.Completed {
		d.reactivate(in.BatchID)
	}
	return nil
}

// handlePhaseRequest applies a transition requested over the log. The
// transition runs on the conversation's serial queue: applying it while a
// turn is mid-generation would let the turn's cursor advance past the
// transition message unread, losing its catch-up. Authority failures are
// logged, never retried: the requester was not the coordinator.
func (d *Dispatcher) handlePhaseRequest(in core.PhaseTransitionRequest) error {
	if err := d.ensureConversation(in.ConversationID); err != nil {
		return err
	}
	d.schedule(in.ConversationID, func(ctx context.Context) {
		if err := d.Transition(in.ConversationID, in.NewPhase, in.Reason, in.ActingAgent); err != nil {
			if errors.Is(err, core.ErrUnauthorized) {
				d.logger.Warn("dispatcher.phase.unauthorized",
					"conversation_id", in.ConversationID, "acting_agent", in.ActingAgent)
				return
			}
			d.logger.Error("dispatcher.phase.apply_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
		}
	})
	return nil
}

// handlePhaseRecord appends an applied-transition record from another
// process for visibility. Records of transitions applied locally loop back
// with the same id and deduplicate.
func (d *Dispatcher) handlePhaseRecord(in core.PhaseTransitionRecord) error {
	if err := d.ensureConversation(in.ConversationID); err != nil {
		return err
	}
	d.schedule(in.ConversationID, func(ctx context.Context) {
		m := core.NewTransitionMessage(core.PhaseTransition{
			From:        in.From,
			To:          in.To,
			Reason:      in.Reason,
			ActingAgent: in.ActingAgent,
			Timestamp:   in.Timestamp,
		})
		if in.ID != "" {
			m.ID = in.ID
		}
		if _, err := d.Append(in.ConversationID, m); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
			d.logger.Error("dispatcher.phase_record.append_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
		}
	})
	return nil
}

// handleCompletionNotice appends a remote agent's terminal output so local
// agents and observers see it. Local completions loop back with the same id
// and deduplicate.
func (d *Dispatcher) handleCompletionNotice(in core.CompletionNotice) error {
	if err := d.ensureConversation(in.ConversationID); err != nil {
		return err
	}
	d.schedule(in.ConversationID, func(ctx context.Context) {
		m := core.NewTextMessage(in.Agent, "assistant", in.Content)
		if in.ID != "" {
			m.ID = in.ID
		}
		if _, err := d.Append(in.ConversationID, m); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
			d.logger.Error("dispatcher.completion.append_failed",
				"conversation_id", in.ConversationID, "error", err.Error())
		}
	})
	return nil
}

// runAgent executes one turn for a local agent inside the conversation's
// serial section. A turn that acted on tools schedules its own follow-up so
// the model can react to the results; a completed turn publishes the output.
// onComplete, when set, receives the final output instead of the default
// completion publication (used by the assignment path).
func (d *Dispatcher) runAgent(ctx context.Context, conversationID, agentName string, onComplete func(ctx context.Context, output string, messageID string)) {
	a := d.agent(agentName)
	if a == nil {
		d.logger.Debug("dispatcher.agent.not_local",
			"conversation_id", conversationID, "agent", agentName)
		return
	}

	res, err := d.exec.Run(ctx, a, conversationID)
	if err != nil {
		d.logger.Error("dispatcher.turn.failed",
			"conversation_id", conversationID, "agent", agentName, "error", err.Error())
		d.persistConversation(conversationID)
		return
	}
	d.countTurn(res.State)

	switch res.State {
	case executor.TurnNoInput:
		return
	case executor.TurnSuspended:
		d.persistConversation(conversationID)
		d.logger.Info("dispatcher.agent.suspended",
			"conversation_id", conversationID, "agent", agentName, "batch_id", res.BatchID)
	case executor.TurnActed:
		d.persistConversation(conversationID)
		d.schedule(conversationID, func(ctx context.Context) {
			d.runAgent(ctx, conversationID, agentName, onComplete)
		})
	case executor.TurnCompleted:
		d.persistConversation(conversationID)
		if onComplete != nil {
			onComplete(ctx, res.Output, res.OutputMessageID)
			return
		}
		d.publish(core.CompletionNotice{
			ID:             res.OutputMessageID,
			ConversationID: conversationID,
			Agent:          agentName,
			Content:        res.Output,
		})
	}
}

// scheduleAssignmentRun queues a recipient's turn for a freshly registered
// batch. Called from Delegate, which already runs inside the conversation's
// serial section, so the run itself must queue rather than execute inline.
func (d *Dispatcher) scheduleAssignmentRun(conversationID, batchID, recipient string) {
	if d.agent(recipient) == nil {
		return
	}
	d.schedule(conversationID, func(ctx context.Context) {
		d.runAssignment(ctx, conversationID, batchID, recipient)
	})
}

// runAssignment executes the recipient's turn for a delegated task. The
// completed output is recorded as the batch response and published as a
// DelegationResponse; recording locally first makes the loopback delivery a
// harmless duplicate.
func (d *Dispatcher) runAssignment(ctx context.Context, conversationID, batchID, recipient string) {
	d.runAgent(ctx, conversationID, recipient, func(ctx context.Context, output, messageID string) {
		res, err := d.registry.RecordResponse(batchID, recipient, output)
		if err != nil {
			d.logger.Error("dispatcher.response.record_failed",
				"batch_id", batchID, "recipient", recipient, "error", err.Error())
			return
		}
		d.publish(core.DelegationResponse{
			ID:        messageID,
			BatchID:   batchID,
			Recipient: recipient,
			Payload:   output,
		})
		if res.Completed {
			d.reactivate(batchID)
		}
	})
}

// reactivate synthesizes a finished batch, appends the merged payload as an
// inbound message addressed to the delegating agent and schedules a fresh
// run for it. Archived conversations are never reactivated.
func (d *Dispatcher) reactivate(batchID string) {
	syn, err := d.registry.Synthesize(batchID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyConsumed) {
			return
		}
		d.logger.Error("dispatcher.reactivate.synthesize_failed",
			"batch_id", batchID, "error", err.Error())
		return
	}
	if d.metrics != nil {
		d.metrics.Reactivations.Inc()
	}

	d.schedule(syn.ConversationID, func(ctx context.Context) {
		conv, err := d.store.Get(syn.ConversationID)
		if err != nil {
			d.logger.Error("dispatcher.reactivate.lookup_failed",
				"conversation_id", syn.ConversationID, "error", err.Error())
			return
		}
		if conv.Archived() {
			d.logger.Info("dispatcher.reactivate.skipped_archived",
				"conversation_id", syn.ConversationID, "batch_id", batchID)
			return
		}

		m := core.NewSynthesisMessage(syn.BatchID, syn.DelegatingAgent, syn.Content(), syn.Complete)
		if _, err := d.Append(syn.ConversationID, m); err != nil {
			d.logger.Error("dispatcher.reactivate.append_failed",
				"conversation_id", syn.ConversationID, "error", err.Error())
			return
		}
		d.persistConversation(syn.ConversationID)

		d.logger.Info("dispatcher.agent.reactivated",
			"conversation_id", syn.ConversationID,
			"agent", syn.DelegatingAgent,
			"batch_id", batchID,
			"complete", syn.Complete,
		)
		d.runAgent(ctx, syn.ConversationID, syn.DelegatingAgent, nil)
	})
}
