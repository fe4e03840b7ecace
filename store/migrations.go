package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations and delegation batches",
		SQL: `
			CREATE TABLE conversations (
				id          TEXT PRIMARY KEY,
				title       TEXT NOT NULL DEFAULT '',
				phase       TEXT NOT NULL DEFAULT '',
				snapshot    TEXT NOT NULL,
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE delegation_batches (
				batch_id         TEXT PRIMARY KEY,
				conversation_id  TEXT NOT NULL,
				status           TEXT NOT NULL,
				record           TEXT NOT NULL,
				updated_at       TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_batches_conversation ON delegation_batches (conversation_id);
			CREATE INDEX idx_batches_status ON delegation_batches (status);
		`,
	},
}
