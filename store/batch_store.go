package store

import (
	"encoding/json"
	"fmt"

	"github.com/convoke-ai/convoke/delegation"
)

// BatchStore is a durable delegation.BatchStore. Every Save is a full upsert
// keyed by batch id; LoadAll rebuilds registry state after restart.
type BatchStore struct {
	db *DB
}

// NewBatchStore creates a durable batch store over db.
func NewBatchStore(db *DB) *BatchStore {
	return &BatchStore{db: db}
}

// Save upserts one batch record.
func (s *BatchStore) Save(r delegation.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", r.BatchID, err)
	}
	_, err = s.db.SQL().Exec(`
		INSERT INTO delegation_batches (batch_id, conversation_id, status, record, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(batch_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status          = excluded.status,
			record          = excluded.record,
			updated_at      = excluded.updated_at
	`, r.BatchID, r.ConversationID, string(r.Status), string(data))
	if err != nil {
		return fmt.Errorf("save batch %s: %w", r.BatchID, err)
	}
	return nil
}

// LoadAll returns every persisted batch record.
func (s *BatchStore) LoadAll() ([]delegation.Record, error) {
	rows, err := s.db.SQL().Query("SELECT record FROM delegation_batches")
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}
	defer rows.Close()

	var records []delegation.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		var r delegation.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return records, nil
}
