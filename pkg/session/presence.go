package session

import "time"

// SeedPresence creates or refreshes the presence entry for a joining
// connection's user. The cursor starts unreported; a fresh join by a second
// connection of the same user keeps the existing cursor data.
func (r *Room) SeedPresence(c *Connection, now time.Time) *PresenceEntry {
	if entry, ok := r.Presence[c.UserID]; ok {
		entry.DisplayName = c.DisplayName
		entry.UpdatedAt = now
		return entry
	}
	entry := &PresenceEntry{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		UpdatedAt:   now,
	}
	r.Presence[c.UserID] = entry
	return entry
}

// SetCursor overwrites the stored cursor for a user. Last write wins by
// arrival order; out-of-order delivery only matters for the final position.
func (r *Room) SetCursor(userID string, pos CursorPosition, now time.Time) bool {
	entry, ok := r.Presence[userID]
	if !ok {
		return false
	}
	entry.Cursor = &pos
	entry.UpdatedAt = now
	return true
}

// SetEditing records which node a user is looking at. Empty nodeID clears
// the flag. This is a soft signal distinct from locking.
func (r *Room) SetEditing(userID, nodeID string, now time.Time) bool {
	entry, ok := r.Presence[userID]
	if !ok {
		return false
	}
	entry.EditingNode = nodeID
	entry.UpdatedAt = now
	return true
}

// RemovePresence drops the entry for a user whose last connection left.
func (r *Room) RemovePresence(userID string) {
	delete(r.Presence, userID)
}
