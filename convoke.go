// Package convoke provides a high-level façade over the orchestration engine
// (conversation store, phase controller, delegation registry and dispatcher)
// enabling rapid construction of collaborating agent swarms on a shared
// event log. Most applications interact with this package by:
//  1. Creating a Convoke via New() (optionally overriding the default
//     in-memory store, codec or transport)
//  2. Registering one or more agents
//  3. Starting the engine and submitting inbound messages
//
// The façade delegates orchestration to dispatcher.Dispatcher while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments supply the SQLite-backed stores, the NATS
// transport and a structured logger.
package convoke

import (
	"context"
	"time"

	"github.com/convoke-ai/convoke/conversation"
	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/delegation"
	"github.com/convoke-ai/convoke/dispatcher"
	"github.com/convoke-ai/convoke/executor"
	"github.com/convoke-ai/convoke/logging"
	"github.com/convoke-ai/convoke/phase"
)

// Options configures the Convoke instance.
type Options struct {
	// ConversationStore defaults to an in-memory implementation.
	ConversationStore core.ConversationStore
	// BatchStore persists delegation batches. Nil keeps them memory-only.
	BatchStore delegation.BatchStore
	// Codec encodes/decodes intents; nil disables transport wiring.
	Codec core.Codec
	// Transport connects the engine to the public event log; nil runs the
	// engine standalone.
	Transport core.Transport
	// Coordinator names the agent given phase authority on conversations the
	// engine creates.
	Coordinator string
	// Workers sizes the dispatcher pool.
	Workers int
	// Metrics enables Prometheus collection when set.
	Metrics *dispatcher.Metrics
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Convoke is the high-level façade aggregating the engine components.
type Convoke struct {
	opts       Options
	store      core.ConversationStore
	registry   *delegation.Registry
	phases     *phase.Controller
	dispatcher *dispatcher.Dispatcher
}

// New creates a Convoke instance with optional overrides. Any unset service
// is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Convoke {
	opts := Options{
		ConversationStore: conversation.NewInMemoryStore(),
		Workers:           4,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := delegation.NewRegistry(func(o *delegation.Options) {
		o.Store = opts.BatchStore
		o.Logger = opts.Logger
	})
	phases := phase.NewController(opts.ConversationStore, func(o *phase.Options) {
		o.Logger = opts.Logger
	})
	d := dispatcher.NewDispatcher(opts.ConversationStore, registry, phases, func(o *dispatcher.Options) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Workers = opts.Workers
		o.Coordinator = opts.Coordinator
		o.Codec = opts.Codec
		o.Transport = opts.Transport
	})

	return &Convoke{
		opts:       opts,
		store:      opts.ConversationStore,
		registry:   registry,
		phases:     phases,
		dispatcher: d,
	}
}

// RegisterAgent makes an agent locally executable.
func (c *Convoke) RegisterAgent(a *executor.Agent) { c.dispatcher.RegisterAgent(a) }

// Start launches the engine. When a transport is configured the dispatcher
// subscribes to the event log; otherwise intents arrive via Submit.
func (c *Convoke) Start(ctx context.Context) error { return c.dispatcher.Start(ctx) }

// Stop drains the engine.
func (c *Convoke) Stop() { c.dispatcher.Stop() }

// Submit routes a raw event log message through the configured codec.
func (c *Convoke) Submit(raw []byte) error { return c.dispatcher.Submit(raw) }

// SubmitIntent routes a decoded intent directly, bypassing the codec.
func (c *Convoke) SubmitIntent(intent core.Intent) error {
	return c.dispatcher.SubmitIntent(intent)
}

// SendText submits an inbound text message to a conversation, creating the
// conversation on first reference.
func (c *Convoke) SendText(conversationID, author, content string) error {
	return c.dispatcher.SubmitIntent(core.InboundText{
		ID:             core.NewID(),
		ConversationID: conversationID,
		Author:         author,
		Content:        content,
	})
}

// Snapshot returns the read-only projection of a conversation.
func (c *Convoke) Snapshot(conversationID string) (core.ConversationView, error) {
	return c.dispatcher.Snapshot(conversationID)
}

// ListPendingDelegations returns summaries of pending batches in a
// conversation.
func (c *Convoke) ListPendingDelegations(conversationID string) []delegation.Summary {
	return c.dispatcher.ListPendingDelegations(conversationID)
}

// Archive flags a conversation terminal, cancelling its pending batches.
func (c *Convoke) Archive(conversationID string) error {
	return c.dispatcher.Archive(conversationID)
}

// SweepDeadlines times out overdue delegation batches and reactivates their
// delegating agents with partial results.
func (c *Convoke) SweepDeadlines() int { return c.dispatcher.SweepDeadlines() }

// Transition applies a phase switch on behalf of actingAgent.
func (c *Convoke) Transition(conversationID string, newPhase core.Phase, reason, actingAgent string) error {
	return c.dispatcher.Transition(conversationID, newPhase, reason, actingAgent)
}

// WaitIdle polls until the conversation has no running or queued work, for
// tests and synchronous embeddings. It returns false on timeout.
func (c *Convoke) WaitIdle(conversationID string, timeout time.Duration) bool {
	return c.dispatcher.WaitIdle(conversationID, timeout)
}
