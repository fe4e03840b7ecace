// Package dispatcher routes decoded intents into conversations, serializes
// agent execution per conversation, and drives delegation reactivation.
//
// Concurrency model: a pool of workers drains a shared job queue; every job
// is keyed by conversation and at most one job per conversation runs at a
// time (later jobs queue, never drop). Executors for different conversations
// run fully in parallel. Suspension holds no thread: a suspended agent is
// resumed by a fresh run scheduled when its batch completes or times out.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/delegation"
	"github.com/convoke-ai/convoke/executor"
	"github.com/convoke-ai/convoke/logging"
	"github.com/convoke-ai/convoke/phase"
)

// Options configures a Dispatcher.
type Options struct {
	// Logger receives structured dispatcher events.
	Logger logging.Logger
	// Metrics collects counters; nil disables collection.
	Metrics *Metrics
	// Workers is the size of the worker pool.
	Workers int
	// QueueSize is the shared job channel buffer.
	QueueSize int
	// RetryAttempts bounds persistence retries before a conversation is
	// flagged degraded.
	RetryAttempts int
	// RetryBaseDelay is the backoff unit; attempt n waits n*RetryBaseDelay.
	RetryBaseDelay time.Duration
	// Coordinator names the agent given phase authority on conversations this
	// dispatcher creates.
	Coordinator string
	// Codec encodes outbound intents. Nil disables publishing.
	Codec core.Codec
	// Transport publishes encoded intents to the event log. Nil disables
	// publishing.
	Transport core.Transport
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type convState struct {
	running bool
	queue   []func(ctx context.Context)
}

type job struct {
	conversationID string
	fn             func(ctx context.Context)
}

// Dispatcher is the engine entry point: it owns the worker pool, the
// per-conversation serialization and the wiring between store, registry,
// phase controller and executor. It implements tool.Delegator,
// tool.PhaseSwitcher and executor.Appender.
type Dispatcher struct {
	store    core.ConversationStore
	registry *delegation.Registry
	phases   *phase.Controller
	exec     *executor.Executor

	codec     core.Codec
	transport core.Transport
	logger    logging.Logger
	metrics   *Metrics
	now       func() time.Time

	workers        int
	queueSize      int
	retryAttempts  int
	retryBaseDelay time.Duration
	coordinator    string

	mu      sync.Mutex
	started bool
	convs   map[string]*convState
	agents  map[string]*executor.Agent

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires a dispatcher over the shared store, registry and phase
// controller. Call RegisterAgent for every local agent, then Start.
func NewDispatcher(
	store core.ConversationStore,
	registry *delegation.Registry,
	phases *phase.Controller,
	optFns ...func(o *Options),
) *Dispatcher {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		Workers:        4,
		QueueSize:      256,
		RetryAttempts:  3,
		RetryBaseDelay: 50 * time.Millisecond,
		Now:            time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	d := &Dispatcher{
		store:          store,
		registry:       registry,
		phases:         phases,
		codec:          opts.Codec,
		transport:      opts.Transport,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		workers:        opts.Workers,
		queueSize:      opts.QueueSize,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		coordinator:    opts.Coordinator,
		convs:          make(map[string]*convState),
		agents:         make(map[string]*executor.Agent),
	}

	d.exec = executor.NewExecutor(store, phases, d, d, func(o *executor.Options) {
		o.Logger = opts.Logger
		o.Appender = d
		o.Now = opts.Now
	})
	return d
}

// RegisterAgent makes an agent locally executable. Must be called before
// Start.
func (d *Dispatcher) RegisterAgent(a *executor.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.Name] = a
}

// ErrNotStarted is returned for submissions arriving before Start.
var ErrNotStarted = errors.New("dispatcher not started")

// Start launches the worker pool and, when a transport is configured,
// subscribes the dispatcher to the event log. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.jobs = make(chan job, d.queueSize)

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	if d.transport != nil {
		if _, err := d.transport.Subscribe(d.ctx, func(raw []byte) {
			if err := d.Submit(raw); err != nil {
				d.logger.Warn("dispatcher.submit.failed", "error", err.Error())
			}
		}); err != nil {
			d.cancel()
			return fmt.Errorf("subscribe transport: %w", err)
		}
	}

	d.logger.Info("dispatcher.started", "workers", d.workers)
	return nil
}

// Stop cancels the worker pool and waits for in-flight jobs to finish.
// Queued but unstarted jobs are dropped; they are rebuilt from persisted
// state on the next start.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher.stopped")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			j.fn(d.ctx)
			d.finish(j.conversationID)
		}
	}
}

// schedule enqueues fn on the conversation's serial queue. At most one job
// per conversation runs at a time; the rest wait in FIFO order.
func (d *Dispatcher) schedule(conversationID string, fn func(ctx context.Context)) {
	d.mu.Lock()
	cs, ok := d.convs[conversationID]
	if !ok {
		cs = &convState{}
		d.convs[conversationID] = cs
	}
	if cs.running {
		cs.queue = append(cs.queue, fn)
		d.mu.Unlock()
		return
	}
	cs.running = true
	d.mu.Unlock()
	d.enqueue(job{conversationID: conversationID, fn: fn})
}

// finish releases the conversation's slot, promoting the next queued job.
func (d *Dispatcher) finish(conversationID string) {
	d.mu.Lock()
	cs := d.convs[conversationID]
	if cs == nil {
		d.mu.Unlock()
		return
	}
	if len(cs.queue) > 0 {
		fn := cs.queue[0]
		cs.queue = cs.queue[1:]
		d.mu.Unlock()
		d.enqueue(job{conversationID: conversationID, fn: fn})
		return
	}
	cs.running = false
	d.mu.Unlock()
}

// enqueue hands a job to the pool. When the channel is full the send moves
// to a goroutine so a worker scheduling follow-up work never deadlocks on
// its own queue.
func (d *Dispatcher) enqueue(j job) {
	select {
	case d.jobs <- j:
	default:
		go func() {
			select {
			case d.jobs <- j:
			case <-d.ctx.Done():
			}
		}()
	}
}

// Submit decodes a raw event log message and routes the intent. Entry point
// for the transport subscription and for direct embedding.
func (d *Dispatcher) Submit(raw []byte) error {
	if d.codec == nil {
		return fmt.Errorf("no codec configured: %w", core.ErrInvalidArgument)
	}
	intent, err := d.codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode inbound: %w", err)
	}
	return d.SubmitIntent(intent)
}

// SubmitIntent routes one decoded intent.
func (d *Dispatcher) SubmitIntent(intent core.Intent) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	switch in := intent.(type) {
	case core.InboundText:
		d.countIntent("inbound_text")
		return d.handleInboundText(in)
	case core.TaskAssignment:
		d.countIntent("task_assignment")
		return d.handleTaskAssignment(in)
	case core.DelegationResponse:
		d.countIntent("delegation_response")
		return d.handleDelegationResponse(in)
	case core.PhaseTransitionRequest:
		d.countIntent("phase_transition_request")
		return d.handlePhaseRequest(in)
	case core.PhaseTransitionRecord:
		d.countIntent("phase_transition_record")
		return d.handlePhaseRecord(in)
	case core.CompletionNotice:
		d.countIntent("completion_notice")
		return d.handleCompletionNotice(in)
	default:
		return fmt.Errorf("unsupported intent %T: %w", intent, core.ErrInvalidArgument)
	}
}

// ensureConversation creates a conversation on first reference, assigning
// the configured coordinator.
func (d *Dispatcher) ensureConversation(id string) error {
	_, err := d.store.Create(id, "")
	if err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if d.coordinator != "" {
		if err := d.store.MergeMetadata(id, map[string]string{core.MetaCoordinator: d.coordinator}); err != nil {
			return err
		}
	}
	d.logger.Info("dispatcher.conversation.created", "conversation_id", id)
	return nil
}

// Archive flags a conversation terminal: pending batches are cancelled, no
// further reactivations are scheduled, the record stays readable.
func (d *Dispatcher) Archive(conversationID string) error {
	if err := d.store.MergeMetadata(conversationID, map[string]string{core.MetaArchived: "true"}); err != nil {
		return err
	}
	cancelled := d.registry.CancelConversation(conversationID)
	d.persistConversation(conversationID)
	d.logger.Info("dispatcher.conversation.archived",
		"conversation_id", conversationID,
		"cancelled_batches", cancelled,
	)
	return nil
}

// Snapshot returns the read-only projection of a conversation for external
// tooling.
func (d *Dispatcher) Snapshot(conversationID string) (core.ConversationView, error) {
	conv, err := d.store.Get(conversationID)
	if err != nil {
		return core.ConversationView{}, err
	}
	return conv.View(), nil
}

// ListPendingDelegations returns summaries of all pending batches in a
// conversation.
func (d *Dispatcher) ListPendingDelegations(conversationID string) []delegation.Summary {
	return d.registry.Pending(conversationID)
}

// SweepDeadlines times out pending batches past their deadline and
// reactivates their delegating agents with partial syntheses. Run it
// periodically, independent of conversation activity.
func (d *Dispatcher) SweepDeadlines() int {
	timedOut := d.registry.Sweep(d.now())
	for _, batchID := range timedOut {
		d.reactivate(batchID)
	}
	return len(timedOut)
}

// Append writes a message to a conversation's history, retrying persistence
// failures with bounded backoff. Exhausted retries flag the conversation
// degraded and return the error; the logical state is never advanced on a
// failed append. Implements executor.Appender.
func (d *Dispatcher) Append(conversationID string, m core.Message) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * d.retryBaseDelay)
			if d.metrics != nil {
				d.metrics.PersistenceRetries.Inc()
			}
		}
		n, err := d.store.Append(conversationID, m)
		if err == nil {
			return n, nil
		}
		var perr *core.PersistenceError
		if !errors.As(err, &perr) {
			return 0, err // NotFound / AlreadyExists are not retryable
		}
		lastErr = err
		d.logger.Warn("dispatcher.append.retry",
			"conversation_id", conversationID,
			"attempt", attempt+1,
			"error", err.Error(),
		)
	}

	if err := d.store.MergeMetadata(conversationID, map[string]string{core.MetaDegraded: "true"}); err != nil {
		d.logger.Error("dispatcher.degrade.failed", "conversation_id", conversationID, "error", err.Error())
	}
	if d.metrics != nil {
		d.metrics.DegradedConversations.Inc()
	}
	d.logger.Error("dispatcher.conversation.degraded", "conversation_id", conversationID)
	return 0, lastErr
}

// Delegate registers a delegation batch, appends and publishes one task
// assignment per recipient immediately, and schedules locally registered
// recipients. Implements tool.Delegator.
func (d *Dispatcher) Delegate(
	ctx context.Context,
	conversationID, delegatingAgent string,
	recipients []string,
	prompt string,
	timeout time.Duration,
) (string, error) {
	var deadline *time.Time
	if timeout > 0 {
		t := d.now().Add(timeout)
		deadline = &t
	}

	batchID, err := d.registry.Register(conversationID, delegatingAgent, recipients, deadline)
	if err != nil {
		return "", err
	}
	if d.metrics != nil {
		d.metrics.BatchesRegistered.Inc()
	}

	// Assignments go out at registration time so every participant sees the
	// work on the log right away; metadata follows later if needed.
	for _, recipient := range recipients {
		m := core.NewAssignmentMessage(batchID, delegatingAgent, recipient, prompt)
		if _, err := d.Append(conversationID, m); err != nil {
			return "", fmt.Errorf("append assignment for %s: %w", recipient, err)
		}
		d.publish(core.TaskAssignment{
			ID:              m.ID,
			BatchID:         batchID,
			ConversationID:  conversationID,
			DelegatingAgent: delegatingAgent,
			Recipient:       recipient,
			Prompt:          prompt,
		})
		d.scheduleAssignmentRun(conversationID, batchID, recipient)
	}
	d.persistConversation(conversationID)

	return batchID, nil
}

// Transition applies a phase switch, records it on the history and publishes
// the applied transition for observers. Implements tool.PhaseSwitcher.
func (d *Dispatcher) Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error {
	conv, err := d.store.Get(conversationID)
	if err != nil {
		return err
	}
	from := conv.Phase

	if err := d.phases.Transition(conversationID, newPhase, reason, actingAgent); err != nil {
		return err
	}
	if from == newPhase {
		return nil
	}

	t := core.PhaseTransition{
		From:        from,
		To:          newPhase,
		Reason:      reason,
		ActingAgent: actingAgent,
		Timestamp:   d.now().UTC(),
	}
	m := core.NewTransitionMessage(t)
	if _, err := d.Append(conversationID, m); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
		d.logger.Error("dispatcher.transition.append_failed",
			"conversation_id", conversationID, "error", err.Error())
	}
	d.publish(core.PhaseTransitionRecord{
		ID:             m.ID,
		ConversationID: conversationID,
		From:           from,
		To:             newPhase,
		Reason:         reason,
		ActingAgent:    actingAgent,
		Timestamp:      t.Timestamp,
	})
	d.persistConversation(conversationID)
	return nil
}

// publish encodes and publishes an intent to the event log. Publishing is
// best effort: failures are logged, never fatal to the turn that caused them.
func (d *Dispatcher) publish(intent core.Intent) {
	if d.codec == nil || d.transport == nil {
		return
	}
	raw, err := d.codec.Encode(intent)
	if err != nil {
		d.logger.Error("dispatcher.publish.encode_failed", "error", err.Error())
		return
	}
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.transport.Publish(ctx, raw); err != nil {
		d.logger.Error("dispatcher.publish.failed", "error", err.Error())
	}
}

// persistConversation snapshots a conversation with the same bounded retry
// policy as appends.
func (d *Dispatcher) persistConversation(conversationID string) {
	var lastErr error
	for attempt := 0; attempt <= d.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * d.retryBaseDelay)
			if d.metrics != nil {
				d.metrics.PersistenceRetries.Inc()
			}
		}
		if lastErr = d.store.Persist(conversationID); lastErr == nil {
			return
		}
		var perr *core.PersistenceError
		if !errors.As(lastErr, &perr) {
			break
		}
	}
	if lastErr != nil {
		d.logger.Error("dispatcher.persist.failed",
			"conversation_id", conversationID, "error", lastErr.Error())
	}
}

// WaitIdle polls until the conversation has no running or queued jobs,
// returning false on timeout. Intended for tests and synchronous embeddings.
func (d *Dispatcher) WaitIdle(conversationID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		cs := d.convs[conversationID]
		idle := cs == nil || (!cs.running && len(cs.queue) == 0)
		d.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *Dispatcher) agent(name string) *executor.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agents[name]
}

func (d *Dispatcher) countIntent(kind string) {
	if d.metrics != nil {
		d.metrics.IntentsTotal.WithLabelValues(kind).Inc()
	}
}

func (d *Dispatcher) countTurn(state executor.TurnState) {
	if d.metrics != nil {
		d.metrics.TurnsTotal.WithLabelValues(string(state)).Inc()
	}
}
