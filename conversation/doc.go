// Package conversation provides ConversationStore implementations. The
// in-memory store suits tests and ephemeral processes; durable deployments
// use the SQLite-backed store from the store package.
package conversation
