package session

import (
	"time"

	"github.com/google/uuid"
)

// AcquireLock claims a node for the given connection. A node someone else
// holds yields a LockConflictError without mutating state; re-acquiring a
// node the same connection already holds is an idempotent success, since
// clients may resend on reconnect races.
func (r *Room) AcquireLock(nodeID string, c *Connection, now time.Time) (*Lock, error) {
	if existing, ok := r.Locks[nodeID]; ok {
		if existing.ConnID == c.ID {
			existing.RefreshedAt = now
			return existing, nil
		}
		return nil, &LockConflictError{
			NodeID:       nodeID,
			HolderUserID: existing.UserID,
			HolderConnID: existing.ConnID,
		}
	}

	lock := &Lock{
		NodeID:      nodeID,
		UserID:      c.UserID,
		ConnID:      c.ID,
		AcquiredAt:  now,
		RefreshedAt: now,
	}
	r.Locks[nodeID] = lock
	return lock, nil
}

// ReleaseLock removes a lock only if the caller holds it. A release against
// a node that is unlocked, or locked by someone else, fails with ErrNotHolder
// and leaves the table unchanged.
func (r *Room) ReleaseLock(nodeID string, connID uuid.UUID) error {
	lock, ok := r.Locks[nodeID]
	if !ok || lock.ConnID != connID {
		return ErrNotHolder
	}
	delete(r.Locks, nodeID)
	return nil
}

// ReleaseAllFor releases every lock held by the given connection and returns
// the affected node ids. Used by disconnect cleanup.
func (r *Room) ReleaseAllFor(connID uuid.UUID) []string {
	var released []string
	for nodeID, lock := range r.Locks {
		if lock.ConnID == connID {
			delete(r.Locks, nodeID)
			released = append(released, nodeID)
		}
	}
	return released
}

// RefreshLock bumps the idle clock on a node's lock if the connection holds
// it. Called on events that prove the holder is still working on the node.
func (r *Room) RefreshLock(nodeID string, connID uuid.UUID, now time.Time) {
	if lock, ok := r.Locks[nodeID]; ok && lock.ConnID == connID {
		lock.RefreshedAt = now
	}
}

// ExpireLocksIdleSince releases every lock whose last refresh predates the
// cutoff, returning what was released.
func (r *Room) ExpireLocksIdleSince(cutoff time.Time) []ExpiredLock {
	var expired []ExpiredLock
	for nodeID, lock := range r.Locks {
		if lock.RefreshedAt.Before(cutoff) {
			delete(r.Locks, nodeID)
			expired = append(expired, ExpiredLock{RoomID: r.ID, NodeID: nodeID, UserID: lock.UserID})
		}
	}
	return expired
}
