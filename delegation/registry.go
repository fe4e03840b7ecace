package delegation

import (
	"fmt"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/logging"
)

// Registry is the process-wide owner of delegation batches. Access is
// exclusively through its operation set; no caller sees internal state.
// Locking is sharded by batch: the registry lock only guards the batch map,
// completion checks run under the individual batch lock, so responses to
// different batches proceed fully in parallel.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*batch

	store  BatchStore // optional write-through persistence
	logger logging.Logger
	now    func() time.Time
}

// Options configures a Registry.
type Options struct {
	// Store persists batch records on every mutation. Nil keeps the registry
	// memory-only.
	Store BatchStore
	// Logger receives structured registry events.
	Logger logging.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		batches: make(map[string]*batch),
		store:   opts.Store,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Restore rebuilds registry state from the configured store. Called once at
// process start, before any traffic.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadAll()
	if err != nil {
		return core.NewPersistenceError("reload", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		responses := make(map[string]string, len(rec.Responses))
		for k, v := range rec.Responses {
			responses[k] = v
		}
		r.batches[rec.BatchID] = &batch{
			id:              rec.BatchID,
			conversationID:  rec.ConversationID,
			delegatingAgent: rec.DelegatingAgent,
			recipients:      rec.Recipients,
			responses:       responses,
			status:          rec.Status,
			createdAt:       rec.CreatedAt,
			deadline:        rec.Deadline,
			consumed:        rec.Consumed,
		}
	}
	r.logger.Info("delegation.registry.restored", "batches", len(records))
	return nil
}

// Register creates a pending batch for the given recipients and returns its
// id. Fails with ErrInvalidArgument for an empty or duplicated recipient set.
func (r *Registry) Register(conversationID, delegatingAgent string, recipients []string, deadline *time.Time) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("recipients must be non-empty: %w", core.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(recipients))
	for _, rcpt := range recipients {
		if rcpt == "" {
			return "", fmt.Errorf("recipient must be non-empty: %w", core.ErrInvalidArgument)
		}
		if seen[rcpt] {
			return "", fmt.Errorf("duplicate recipient %s: %w", rcpt, core.ErrInvalidArgument)
		}
		seen[rcpt] = true
	}

	b := &batch{
		id:              core.NewID(),
		conversationID:  conversationID,
		delegatingAgent: delegatingAgent,
		recipients:      append([]string(nil), recipients...),
		responses:       make(map[string]string, len(recipients)),
		status:          StatusPending,
		createdAt:       r.now().UTC(),
		deadline:        deadline,
	}

	r.mu.Lock()
	r.batches[b.id] = b
	r.mu.Unlock()

	if err := r.persist(b); err != nil {
		return "", err
	}

	r.logger.Info("delegation.batch.registered",
		"batch_id", b.id,
		"conversation_id", conversationID,
		"delegating_agent", delegatingAgent,
		"recipients", len(recipients),
	)
	return b.id, nil
}

// RecordResponse records one recipient's payload.
//
// Semantics:
//   - unknown batch: ErrNotFound
//   - recipient not in the batch's recipient set: ErrInvalidArgument
//   - duplicate response for an already-recorded recipient: accepted=false,
//     the stored payload is left untouched
//   - response to a non-pending (cancelled, timed out, complete) batch:
//     accepted=false, ignored without error
//   - the response completing the set atomically flips the batch to complete
//     and is the only caller to observe completed=true
func (r *Registry) RecordResponse(batchID, recipient, payload string) (RecordResult, error) {
	b, err := r.get(batchID)
	if err != nil {
		return RecordResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	known := false
	for _, rcpt := range b.recipients {
		if rcpt == recipient {
			known = true
			break
		}
	}
	if !known {
		return RecordResult{}, fmt.Errorf("recipient %s not in batch %s: %w", recipient, batchID, core.ErrInvalidArgument)
	}

	if b.status != StatusPending {
		r.logger.Debug("delegation.response.late", "batch_id", batchID, "recipient", recipient, "status", string(b.status))
		return RecordResult{}, nil
	}
	if _, dup := b.responses[recipient]; dup {
		r.logger.Debug("delegation.response.duplicate", "batch_id", batchID, "recipient", recipient)
		return RecordResult{}, nil
	}

	b.responses[recipient] = payload
	res := RecordResult{Accepted: true}
	if len(b.responses) == len(b.recipients) {
		b.status = StatusComplete
		res.Completed = true
	}

	if err := r.persistLocked(b); err != nil {
		return RecordResult{}, err
	}

	if res.Completed {
		r.logger.Info("delegation.batch.completed", "batch_id", batchID, "recipients", len(b.recipients))
	}
	return res, nil
}

// Synthesize merges all recorded responses into one payload and marks the
// batch consumed. Callable once per batch, after it completed or timed out:
//   - pending or cancelled batch: ErrBatchNotPending
//   - second call: ErrAlreadyConsumed
//
// A timed-out batch synthesizes the partial set received so far, with
// Complete=false and the silent recipients listed in Missing.
func (r *Registry) Synthesize(batchID string) (*Synthesis, error) {
	b, err := r.get(batchID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumed {
		return nil, fmt.Errorf("batch %s: %w", batchID, core.ErrAlreadyConsumed)
	}
	if b.status != StatusComplete && b.status != StatusTimedOut {
		return nil, fmt.Errorf("batch %s has status %s: %w", batchID, b.status, core.ErrBatchNotPending)
	}

	syn := &Synthesis{
		BatchID:         b.id,
		ConversationID:  b.conversationID,
		DelegatingAgent: b.delegatingAgent,
		Complete:        b.status == StatusComplete,
	}
	for _, rcpt := range b.recipients { // registration order, deterministic
		if payload, ok := b.responses[rcpt]; ok {
			syn.Responses = append(syn.Responses, RecipientResponse{Recipient: rcpt, Payload: payload})
		} else {
			syn.Missing = append(syn.Missing, rcpt)
		}
	}

	b.consumed = true
	if err := r.persistLocked(b); err != nil {
		return nil, err
	}
	return syn, nil
}

// Cancel moves a pending batch to cancelled. Responses arriving afterwards
// are ignored; a cancelled batch never resurrects. Cancelling a non-pending
// batch is a no-op.
func (r *Registry) Cancel(batchID string) error {
	b, err := r.get(batchID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPending {
		return nil
	}
	b.status = StatusCancelled
	if err := r.persistLocked(b); err != nil {
		return err
	}
	r.logger.Info("delegation.batch.cancelled", "batch_id", batchID)
	return nil
}

// CancelConversation cancels every pending batch owned by agents in the
// given conversation, returning how many were cancelled. Used by the archive
// path.
func (r *Registry) CancelConversation(conversationID string) int {
	r.mu.RLock()
	var owned []*batch
	for _, b := range r.batches {
		if b.conversationID == conversationID {
			owned = append(owned, b)
		}
	}
	r.mu.RUnlock()

	cancelled := 0
	for _, b := range owned {
		b.mu.Lock()
		if b.status == StatusPending {
			b.status = StatusCancelled
			if err := r.persistLocked(b); err != nil {
				r.logger.Error("delegation.batch.cancel.persist", "batch_id", b.id, "error", err.Error())
			}
			cancelled++
		}
		b.mu.Unlock()
	}
	if cancelled > 0 {
		r.logger.Info("delegation.conversation.cancelled", "conversation_id", conversationID, "batches", cancelled)
	}
	return cancelled
}

// Pending returns summaries of all pending batches in a conversation.
func (r *Registry) Pending(conversationID string) []Summary {
	r.mu.RLock()
	var candidates []*batch
	for _, b := range r.batches {
		if b.conversationID == conversationID {
			candidates = append(candidates, b)
		}
	}
	r.mu.RUnlock()

	var out []Summary
	for _, b := range candidates {
		b.mu.Lock()
		if b.status == StatusPending {
			out = append(out, b.summary())
		}
		b.mu.Unlock()
	}
	return out
}

// Sweep moves every pending batch whose deadline elapsed to timedOut and
// returns their ids. The caller reactivates the delegating agents with the
// partial syntheses. Sweeps run independently of conversation activity so a
// silent recipient can never block a delegating agent indefinitely.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.RLock()
	candidates := make([]*batch, 0, len(r.batches))
	for _, b := range r.batches {
		candidates = append(candidates, b)
	}
	r.mu.RUnlock()

	var timedOut []string
	for _, b := range candidates {
		b.mu.Lock()
		if b.status == StatusPending && b.deadline != nil && b.deadline.Before(now) {
			b.status = StatusTimedOut
			if err := r.persistLocked(b); err != nil {
				r.logger.Error("delegation.batch.timeout.persist", "batch_id", b.id, "error", err.Error())
			}
			timedOut = append(timedOut, b.id)
			r.logger.Warn("delegation.batch.timed_out",
				"batch_id", b.id,
				"responded", len(b.responses),
				"recipients", len(b.recipients),
			)
		}
		b.mu.Unlock()
	}
	return timedOut
}

// Summary returns the projection of one batch or ErrNotFound.
func (r *Registry) Summary(batchID string) (Summary, error) {
	b, err := r.get(batchID)
	if err != nil {
		return Summary{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary(), nil
}

func (r *Registry) get(batchID string) (*batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, core.ErrNotFound)
	}
	return b, nil
}

func (r *Registry) persist(b *batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.persistLocked(b)
}

// persistLocked writes the batch record through the store. Caller holds b.mu.
func (r *Registry) persistLocked(b *batch) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(b.record()); err != nil {
		return core.NewPersistenceError("persist", err)
	}
	return nil
}
