package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/delegation"
)

// Interface compliance (compile-time assertions)
var (
	_ core.ConversationStore = (*ConversationStore)(nil)
	_ delegation.BatchStore  = (*BatchStore)(nil)
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "convoke.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoke.db")

	db, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening the same file re-runs migrate; applied versions are skipped.
	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestConversationPersistReloadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewConversationStore(db)

	_, err := s.Create("c1", "durable")
	require.NoError(t, err)

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		_, err := s.Append("c1", core.NewTextMessage("alice", "user", text))
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordTransition("c1", core.PhaseTransition{
		From: core.PhaseChat, To: core.PhasePlan, ActingAgent: "coord",
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.UpdateAgentCursor("c1", "bob", 2))
	require.NoError(t, s.MergeMetadata("c1", map[string]string{core.MetaCoordinator: "coord"}))

	require.NoError(t, s.Persist("c1"))

	// Mutations after the snapshot are discarded by Reload.
	_, err = s.Append("c1", core.NewTextMessage("alice", "user", "not snapshotted"))
	require.NoError(t, err)

	got, err := s.Reload("c1")
	require.NoError(t, err)

	require.Equal(t, len(texts), got.Len())
	history := got.HistorySince(0)
	for i, text := range texts {
		assert.Equal(t, text, history[i].Content.Text())
	}
	assert.Equal(t, core.PhasePlan, got.Phase)
	assert.Equal(t, 2, got.Cursor("bob"))
	assert.Equal(t, "coord", got.Coordinator())

	transitions := got.TransitionsSince(0)
	require.Len(t, transitions, 1)
	assert.Equal(t, core.PhasePlan, transitions[0].To)
	assert.Equal(t, 3, transitions[0].HistoryIndex)
}

func TestReloadWithoutSnapshot(t *testing.T) {
	db := openTestDB(t)
	s := NewConversationStore(db)

	_, err := s.Create("c1", "never persisted")
	require.NoError(t, err)

	_, err = s.Reload("c1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRestoreRepopulatesLiveSet(t *testing.T) {
	db := openTestDB(t)

	s := NewConversationStore(db)
	_, err := s.Create("c1", "first")
	require.NoError(t, err)
	_, err = s.Append("c1", core.NewTextMessage("alice", "user", "survives restart"))
	require.NoError(t, err)
	require.NoError(t, s.Persist("c1"))

	// Fresh store over the same database, as after a process restart.
	restarted := NewConversationStore(db)
	count, err := restarted.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	conv, err := restarted.Get("c1")
	require.NoError(t, err)
	require.Equal(t, 1, conv.Len())
	assert.Equal(t, "survives restart", conv.HistorySince(0)[0].Content.Text())
}

func TestBatchStoreSaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewBatchStore(db)

	deadline := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	rec := delegation.Record{
		BatchID:         "batch-1",
		ConversationID:  "c1",
		DelegatingAgent: "coord",
		Recipients:      []string{"b", "c"},
		Responses:       map[string]string{"b": "from b"},
		Status:          delegation.StatusPending,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Deadline:        &deadline,
	}
	require.NoError(t, s.Save(rec))

	// Save is an upsert: updating the same batch never duplicates it.
	rec.Responses["c"] = "from c"
	rec.Status = delegation.StatusComplete
	require.NoError(t, s.Save(rec))

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec, records[0])
}

func TestBatchStoreBacksRegistryRestart(t *testing.T) {
	db := openTestDB(t)
	bs := NewBatchStore(db)

	r := delegation.NewRegistry(func(o *delegation.Options) { o.Store = bs })
	id, err := r.Register("c1", "coord", []string{"b", "c"}, nil)
	require.NoError(t, err)
	_, err = r.RecordResponse(id, "b", "from b")
	require.NoError(t, err)

	restored := delegation.NewRegistry(func(o *delegation.Options) { o.Store = bs })
	require.NoError(t, restored.Restore())

	res, err := restored.RecordResponse(id, "c", "from c")
	require.NoError(t, err)
	assert.True(t, res.Completed)

	syn, err := restored.Synthesize(id)
	require.NoError(t, err)
	assert.Equal(t, "from b", syn.Responses[0].Payload)
	assert.Equal(t, "from c", syn.Responses[1].Payload)
}
