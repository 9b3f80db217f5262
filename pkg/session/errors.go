package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateConnection means the transport layer reused a connection id.
	// Should not occur; callers treat it as an invariant violation.
	ErrDuplicateConnection = errors.New("connection is already registered")

	// ErrUnknownConnection means the connection id is not in the registry.
	ErrUnknownConnection = errors.New("connection is not registered")

	// ErrUnknownRoom means the operation referenced a room the connection has
	// not joined. Reported to the sender only, never broadcast.
	ErrUnknownRoom = errors.New("room not joined")

	// ErrNotHolder means a lock release was attempted by a connection that is
	// not the current holder. The lock is left unchanged.
	ErrNotHolder = errors.New("not the lock holder")
)

// LockConflictError reports a failed acquire against a node someone else
// already holds. Carries the current holder so the client can display it.
type LockConflictError struct {
	NodeID       string
	HolderUserID string
	HolderConnID uuid.UUID
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("node %q is locked by user %q", e.NodeID, e.HolderUserID)
}
