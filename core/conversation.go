package core

import (
	"fmt"
	"sync"
	"time"
)

// Conversation metadata keys interpreted by the engine. Metadata is otherwise
// an open key/value bag.
const (
	// MetaArchived marks a terminal conversation. Archived conversations
	// accept no further phase transitions but remain readable.
	MetaArchived = "archived"
	// MetaCoordinator names the one agent with phase transition authority
	// and default routing for inbound text.
	MetaCoordinator = "coordinator"
	// MetaDegraded flags a conversation whose persistence repeatedly failed
	// and which requires operator intervention.
	MetaDegraded = "degraded"
)

// AgentState tracks how far one agent has read into a conversation history.
type AgentState struct {
	// LastProcessedMessageIndex is the number of history entries the agent
	// has consumed, i.e. the index of the next unread entry.
	LastProcessedMessageIndex int `json:"last_processed_message_index"`
}

// ExecutionTime accumulates wall-clock compute time spent driving agent turns
// in a conversation. Used for quotas and telemetry.
type ExecutionTime struct {
	TotalSeconds        float64    `json:"total_seconds"`
	CurrentSessionStart *time.Time `json:"current_session_start,omitempty"`
	IsActive            bool       `json:"is_active"`
	LastUpdated         time.Time  `json:"last_updated"`
}

// Conversation is a thread of collaboration: a phase, an ordered append-only
// history of message references, per-agent read cursors and an open metadata
// bag. It is safe for concurrent access.
//
// Contract:
//   - History is append-only; insertion order is meaning-bearing.
//   - Cursors advance monotonically; replayed updates are no-ops.
//   - Clone performs deep copies for safe divergence.
type Conversation struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	Phase         Phase                 `json:"phase"`
	History       []Message             `json:"history"`
	AgentStates   map[string]AgentState `json:"agent_states"`
	Transitions   []PhaseTransition     `json:"transitions"`
	Metadata      map[string]string     `json:"metadata"`
	ExecutionTime ExecutionTime         `json:"execution_time"`
	Created       time.Time             `json:"created"`
	Updated       time.Time             `json:"updated"`

	mu sync.RWMutex
}

// NewConversation creates an empty conversation in the chat phase.
func NewConversation(id, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:            id,
		Title:         title,
		Phase:         PhaseChat,
		History:       []Message{},
		AgentStates:   map[string]AgentState{},
		Transitions:   []PhaseTransition{},
		Metadata:      map[string]string{},
		ExecutionTime: ExecutionTime{LastUpdated: now},
		Created:       now,
		Updated:       now,
	}
}

// Append adds a message to history and returns the new length. Appending a
// message whose ID already exists returns ErrAlreadyExists, which makes
// duplicated network deliveries harmless.
func (c *Conversation) Append(m Message) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.History {
		if c.History[i].ID == m.ID {
			return 0, fmt.Errorf("message %s: %w", m.ID, ErrAlreadyExists)
		}
	}
	c.History = append(c.History, m)
	c.Updated = time.Now().UTC()
	return len(c.History), nil
}

// Cursor returns the read cursor for an agent (zero for unknown agents).
func (c *Conversation) Cursor(agent string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AgentStates[agent].LastProcessedMessageIndex
}

// SetCursor advances an agent's read cursor. Updates below the stored value
// are ignored so idempotent replays are safe.
func (c *Conversation) SetCursor(agent string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index <= c.AgentStates[agent].LastProcessedMessageIndex {
		return
	}
	c.AgentStates[agent] = AgentState{LastProcessedMessageIndex: index}
	c.Updated = time.Now().UTC()
}

// HistorySince returns a copy of all history entries from index onward.
func (c *Conversation) HistorySince(index int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 {
		index = 0
	}
	if index >= len(c.History) {
		return nil
	}
	out := make([]Message, len(c.History)-index)
	copy(out, c.History[index:])
	return out
}

// Len returns the current history length.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.History)
}

// RecordTransition applies a phase transition and appends it to the
// transition log. The caller is responsible for authority checks.
func (c *Conversation) RecordTransition(t PhaseTransition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.HistoryIndex = len(c.History)
	c.Phase = t.To
	c.Transitions = append(c.Transitions, t)
	c.Updated = time.Now().UTC()
}

// TransitionsSince returns transitions not yet seen by an agent whose cursor
// is the given value, in chronological order.
func (c *Conversation) TransitionsSince(cursor int) []PhaseTransition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []PhaseTransition
	for _, t := range c.Transitions {
		if t.HistoryIndex >= cursor {
			out = append(out, t)
		}
	}
	return out
}

// MergeMetadata applies a key/value delta to the metadata bag.
func (c *Conversation) MergeMetadata(delta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.Metadata[k] = v
	}
	c.Updated = time.Now().UTC()
}

// MetadataValue returns one metadata value and its presence flag.
func (c *Conversation) MetadataValue(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Metadata[key]
	return v, ok
}

// Archived reports whether the conversation has been archived.
func (c *Conversation) Archived() bool {
	v, ok := c.MetadataValue(MetaArchived)
	return ok && v == "true"
}

// Coordinator returns the agent holding phase transition authority, if set.
func (c *Conversation) Coordinator() string {
	v, _ := c.MetadataValue(MetaCoordinator)
	return v
}

// AccrueExecution adds elapsed compute time to the running total.
func (c *Conversation) AccrueExecution(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExecutionTime.TotalSeconds += elapsed.Seconds()
	c.ExecutionTime.LastUpdated = time.Now().UTC()
}

// Clone returns a deep copy of the conversation safe for independent use.
func (c *Conversation) Clone() *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Conversation{
		ID:            c.ID,
		Title:         c.Title,
		Phase:         c.Phase,
		History:       make([]Message, len(c.History)),
		AgentStates:   make(map[string]AgentState, len(c.AgentStates)),
		Transitions:   make([]PhaseTransition, len(c.Transitions)),
		Metadata:      make(map[string]string, len(c.Metadata)),
		ExecutionTime: c.ExecutionTime,
		Created:       c.Created,
		Updated:       c.Updated,
	}
	copy(clone.History, c.History)
	copy(clone.Transitions, c.Transitions)
	for k, v := range c.AgentStates {
		clone.AgentStates[k] = v
	}
	for k, v := range c.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// View returns a read-only projection for external tooling and inspection.
func (c *Conversation) View() ConversationView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := ConversationView{
		ID:            c.ID,
		Title:         c.Title,
		Phase:         c.Phase,
		HistoryLength: len(c.History),
		AgentCursors:  make(map[string]int, len(c.AgentStates)),
		Metadata:      make(map[string]string, len(c.Metadata)),
		ExecutionTime: c.ExecutionTime,
	}
	for k, s := range c.AgentStates {
		v.AgentCursors[k] = s.LastProcessedMessageIndex
	}
	for k, val := range c.Metadata {
		v.Metadata[k] = val
	}
	return v
}

// ConversationView is a read-only projection of a conversation.
type ConversationView struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Phase         Phase             `json:"phase"`
	HistoryLength int               `json:"history_length"`
	AgentCursors  map[string]int    `json:"agent_cursors"`
	Metadata      map[string]string `json:"metadata"`
	ExecutionTime ExecutionTime     `json:"execution_time"`
}

// ConversationStore persists conversations: append-only histories, phases,
// per-agent cursors and metadata. Implementations must serialize concurrent
// appends on the same conversation and must not expose internal maps; Get
// returns an isolated copy.
type ConversationStore interface {
	// Create allocates a conversation, failing with ErrAlreadyExists if the
	// id is taken.
	Create(id, title string) (*Conversation, error)

	// Get returns a deep copy of a conversation or ErrNotFound.
	Get(id string) (*Conversation, error)

	// Append adds a message to history and returns the new length. Fails
	// with ErrNotFound if the conversation is absent and ErrAlreadyExists
	// for duplicate message ids.
	Append(id string, m Message) (int, error)

	// UpdateAgentCursor advances an agent's read cursor monotonically.
	// Updates at or below the stored index are ignored.
	UpdateAgentCursor(id, agent string, index int) error

	// RecordTransition applies a phase transition and appends it to the
	// transition log atomically.
	RecordTransition(id string, t PhaseTransition) error

	// MergeMetadata applies a metadata delta.
	MergeMetadata(id string, delta map[string]string) error

	// RecordExecution accrues wall-clock compute time.
	RecordExecution(id string, elapsed time.Duration) error

	// Persist durably snapshots the conversation.
	Persist(id string) error

	// Reload recovers the conversation from its last successful persist;
	// history, phase and agent states must round-trip exactly.
	Reload(id string) (*Conversation, error)
}
