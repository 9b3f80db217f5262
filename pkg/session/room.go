package session

import (
	"github.com/google/uuid"
)

// Room holds the session state scoped to one workflow document: the member
// connections, the presence table and the lock table. Rooms are created
// lazily on first join and destroyed when the last member leaves.
//
// A Room carries no synchronization of its own: every mutation goes through
// the Registry, which serializes access.
type Room struct {
	ID       string
	Conns    map[uuid.UUID]*Connection
	Presence map[string]*PresenceEntry
	Locks    map[string]*Lock
}

func NewRoom(id string) *Room {
	return &Room{
		ID:       id,
		Conns:    make(map[uuid.UUID]*Connection),
		Presence: make(map[string]*PresenceEntry),
		Locks:    make(map[string]*Lock),
	}
}

// UserConnCount reports how many of the room's member connections belong to
// the given user. Drives the "last connection out removes presence" rule.
func (r *Room) UserConnCount(userID string) int {
	n := 0
	for _, c := range r.Conns {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

// Snapshot builds a deep copy of the room's current state. The copy shares
// nothing with the live tables, so callers may hold it indefinitely.
func (r *Room) Snapshot() *RoomSnapshot {
	snap := &RoomSnapshot{
		RoomID:   r.ID,
		Members:  make([]MemberInfo, 0, len(r.Conns)),
		Presence: make([]PresenceEntry, 0, len(r.Presence)),
		Locks:    make([]Lock, 0, len(r.Locks)),
	}

	seen := make(map[string]struct{}, len(r.Conns))
	for _, c := range r.Conns {
		if _, dup := seen[c.UserID]; dup {
			continue
		}
		seen[c.UserID] = struct{}{}
		snap.Members = append(snap.Members, MemberInfo{UserID: c.UserID, DisplayName: c.DisplayName})
	}

	for _, p := range r.Presence {
		entry := *p
		if p.Cursor != nil {
			cursor := *p.Cursor
			entry.Cursor = &cursor
		}
		snap.Presence = append(snap.Presence, entry)
	}

	for _, l := range r.Locks {
		snap.Locks = append(snap.Locks, *l)
	}
	return snap
}
