package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/core"
)

// ConversationStore is a durable core.ConversationStore. Conversations live
// in memory for fast mutation; Persist snapshots the full record as JSON
// into SQLite and Reload recovers it bit-identically. Restore repopulates
// the live set from the last persisted snapshots at process start.
type ConversationStore struct {
	db *DB

	mu            sync.RWMutex
	conversations map[string]*core.Conversation
}

// NewConversationStore creates a durable conversation store over db.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{
		db:            db,
		conversations: make(map[string]*core.Conversation),
	}
}

// Restore loads every persisted conversation into the live set. Call once at
// process start, before traffic.
func (s *ConversationStore) Restore() (int, error) {
	rows, err := s.db.SQL().Query("SELECT id, snapshot FROM conversations")
	if err != nil {
		return 0, core.NewPersistenceError("reload", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return count, core.NewPersistenceError("reload", err)
		}
		var conv core.Conversation
		if err := json.Unmarshal([]byte(snapshot), &conv); err != nil {
			return count, core.NewPersistenceError("reload", err)
		}
		s.conversations[id] = &conv
		count++
	}
	if err := rows.Err(); err != nil {
		return count, core.NewPersistenceError("reload", err)
	}
	return count, nil
}

// Create allocates a new conversation or fails with ErrAlreadyExists.
func (s *ConversationStore) Create(id, title string) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrAlreadyExists)
	}
	conv := core.NewConversation(id, title)
	s.conversations[id] = conv
	return conv.Clone(), nil
}

// Get returns a deep copy of the conversation or ErrNotFound.
func (s *ConversationStore) Get(id string) (*core.Conversation, error) {
	conv, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Append adds a message to history and returns the new length.
func (s *ConversationStore) Append(id string, m core.Message) (int, error) {
	conv, err := s.live(id)
	if err != nil {
		return 0, err
	}
	return conv.Append(m)
}

// UpdateAgentCursor advances an agent's read cursor monotonically.
func (s *ConversationStore) UpdateAgentCursor(id, agent string, index int) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.SetCursor(agent, index)
	return nil
}

// RecordTransition applies a phase transition atomically.
func (s *ConversationStore) RecordTransition(id string, t core.PhaseTransition) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.RecordTransition(t)
	return nil
}

// MergeMetadata applies a metadata delta.
func (s *ConversationStore) MergeMetadata(id string, delta map[string]string) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.MergeMetadata(delta)
	return nil
}

// RecordExecution accrues wall-clock compute time.
func (s *ConversationStore) RecordExecution(id string, elapsed time.Duration) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	conv.AccrueExecution(elapsed)
	return nil
}

// Persist durably snapshots the conversation as one JSON record.
func (s *ConversationStore) Persist(id string) error {
	conv, err := s.live(id)
	if err != nil {
		return err
	}
	clone := conv.Clone()
	data, err := json.Marshal(clone)
	if err != nil {
		return core.NewPersistenceError("persist", err)
	}

	_, err = s.db.SQL().Exec(`
		INSERT INTO conversations (id, title, phase, snapshot, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			phase      = excluded.phase,
			snapshot   = excluded.snapshot,
			updated_at = excluded.updated_at
	`, clone.ID, clone.Title, string(clone.Phase), string(data))
	if err != nil {
		return core.NewPersistenceError("persist", err)
	}
	return nil
}

// Reload recovers the conversation from its last successful Persist,
// replacing the live copy, and returns the recovered state.
func (s *ConversationStore) Reload(id string) (*core.Conversation, error) {
	var snapshot string
	err := s.db.SQL().QueryRow("SELECT snapshot FROM conversations WHERE id = ?", id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for conversation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewPersistenceError("reload", err)
	}

	var conv core.Conversation
	if err := json.Unmarshal([]byte(snapshot), &conv); err != nil {
		return nil, core.NewPersistenceError("reload", err)
	}

	s.mu.Lock()
	s.conversations[id] = &conv
	s.mu.Unlock()
	return conv.Clone(), nil
}

// live returns the mutable stored conversation. Internal helper; external
// callers only ever see clones.
func (s *ConversationStore) live(id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return conv, nil
}
