// Package delegation tracks in-flight delegation batches: one delegating
// agent handing sub-tasks to N recipients, response collection with
// duplicate-drop semantics, exactly-once completion detection and
// deterministic synthesis of the reactivation payload.
package delegation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/core"
)

// Status is the lifecycle state of a delegation batch.
type Status string

const (
	// StatusPending means at least one recipient has not yet responded.
	StatusPending Status = "pending"
	// StatusComplete means every recipient responded. The transition
	// pending->complete fires exactly once.
	StatusComplete Status = "complete"
	// StatusTimedOut means the deadline elapsed with responses outstanding.
	// Mutually exclusive with StatusComplete; first to fire wins.
	StatusTimedOut Status = "timedOut"
	// StatusCancelled means the owning conversation was archived or the
	// delegating agent withdrew the batch. Cancelled batches never resurrect.
	StatusCancelled Status = "cancelled"
)

// batch is the registry-internal mutable state of one delegation. All field
// access happens under mu, which scopes completion checks to the batch so
// concurrent responses to different batches never contend.
type batch struct {
	mu sync.Mutex

	id              string
	conversationID  string
	delegatingAgent string
	recipients      []string // registration order, fixed at creation
	responses       map[string]string
	status          Status
	createdAt       time.Time
	deadline        *time.Time
	consumed        bool
}

// Record is the persisted form of a batch, exact enough to rebuild registry
// state after a process restart.
type Record struct {
	BatchID         string            `json:"batch_id"`
	ConversationID  string            `json:"conversation_id"`
	DelegatingAgent string            `json:"delegating_agent"`
	Recipients      []string          `json:"recipients"`
	Responses       map[string]string `json:"responses"`
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
	Consumed        bool              `json:"consumed"`
}

// BatchStore durably persists batch records. Implementations must make Save
// a full upsert keyed by BatchID.
type BatchStore interface {
	Save(r Record) error
	LoadAll() ([]Record, error)
}

// Summary is a read-only projection of a batch for external inspection.
type Summary struct {
	BatchID         string     `json:"batch_id"`
	ConversationID  string     `json:"conversation_id"`
	DelegatingAgent string     `json:"delegating_agent"`
	Recipients      []string   `json:"recipients"`
	Responded       int        `json:"responded"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// RecordResult reports the outcome of recording one response.
type RecordResult struct {
	// Accepted is false for duplicate, late or cancelled-batch responses,
	// which are dropped without error.
	Accepted bool
	// Completed is true for exactly the one response that flipped the batch
	// to complete, regardless of delivery concurrency.
	Completed bool
}

// RecipientResponse pairs a recipient with its recorded payload.
type RecipientResponse struct {
	Recipient string `json:"recipient"`
	Payload   string `json:"payload"`
}

// Synthesis is the merged reactivation payload of a finished batch.
// Responses are ordered by recipient registration order, not arrival order,
// so synthesis output is deterministic.
type Synthesis struct {
	BatchID         string              `json:"batch_id"`
	ConversationID  string              `json:"conversation_id"`
	DelegatingAgent string              `json:"delegating_agent"`
	Complete        bool                `json:"complete"` // false for a timed-out partial
	Responses       []RecipientResponse `json:"responses"`
	Missing         []string            `json:"missing,omitempty"`
}

// Content renders the synthesis as conversational content addressed to the
// delegating agent.
func (s *Synthesis) Content() *core.Content {
	var sb strings.Builder
	if s.Complete {
		sb.WriteString(fmt.Sprintf("All %d delegated tasks completed.\n", len(s.Responses)))
	} else {
		sb.WriteString(fmt.Sprintf("Delegation timed out with %d of %d responses.\n",
			len(s.Responses), len(s.Responses)+len(s.Missing)))
	}
	for _, r := range s.Responses {
		sb.WriteString(fmt.Sprintf("\n[%s]\n%s\n", r.Recipient, r.Payload))
	}
	if len(s.Missing) > 0 {
		sb.WriteString("\nNo response received from: " + strings.Join(s.Missing, ", "))
	}
	return core.NewTextContent("user", sb.String())
}

// record converts the batch to its persisted form. Caller holds b.mu.
func (b *batch) record() Record {
	recipients := make([]string, len(b.recipients))
	copy(recipients, b.recipients)
	responses := make(map[string]string, len(b.responses))
	for k, v := range b.responses {
		responses[k] = v
	}
	return Record{
		BatchID:         b.id,
		ConversationID:  b.conversationID,
		DelegatingAgent: b.delegatingAgent,
		Recipients:      recipients,
		Responses:       responses,
		Status:          b.status,
		CreatedAt:       b.createdAt,
		Deadline:        b.deadline,
		Consumed:        b.consumed,
	}
}

// summary converts the batch to its projection. Caller holds b.mu.
func (b *batch) summary() Summary {
	recipients := make([]string, len(b.recipients))
	copy(recipients, b.recipients)
	return Summary{
		BatchID:         b.id,
		ConversationID:  b.conversationID,
		DelegatingAgent: b.delegatingAgent,
		Recipients:      recipients,
		Responded:       len(b.responses),
		Status:          b.status,
		CreatedAt:       b.createdAt,
		Deadline:        b.deadline,
	}
}
