package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Callers match them
// with errors.Is; functions returning them wrap with context via fmt.Errorf.
var (
	// ErrNotFound indicates an unknown conversation, agent or batch. It is
	// returned synchronously and never retried by the engine.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists guards idempotent creation paths (duplicate
	// conversation id, duplicate message id on append).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized is returned when an agent without transition authority
	// requests a phase switch. Conversation state is left unchanged.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyConsumed is returned by a second synthesis of the same
	// delegation batch. A double synthesize is a caller bug.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrInvalidArgument covers malformed inputs such as an empty recipient
	// set or an empty phase name.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConversationArchived is returned for operations an archived
	// conversation no longer accepts (appends, phase transitions).
	ErrConversationArchived = errors.New("conversation archived")

	// ErrBatchNotPending is returned when an operation requires a pending
	// (or completed, for synthesis) batch but finds another status.
	ErrBatchNotPending = errors.New("batch not pending")
)

// PersistenceError wraps a failure to durably append or snapshot state. The
// dispatcher retries these with bounded backoff before flagging the
// conversation degraded; no logical state advances until persistence succeeds.
type PersistenceError struct {
	Op  string // operation that failed ("append", "persist", "reload")
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a PersistenceError for operation op.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}
