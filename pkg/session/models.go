package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

// Connection is the registry's record of a single authenticated transport
// connection. Owned exclusively by the Registry; Rooms tracks which rooms the
// connection has joined so disconnect can clean all of them.
type Connection struct {
	ID            uuid.UUID
	UserID        string
	DisplayName   string
	IPAddress     string
	Transport     *transport.Connection
	Rooms         map[string]struct{}
	CreatedAt     time.Time
	LastHeartbeat time.Time
}

// CursorPosition is a client viewport coordinate pair.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceEntry is the live state of one user in one room. Keyed by user id:
// a user with several connections to the same room still has exactly one
// entry, and the last connection to report wins for cursor data.
type PresenceEntry struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Cursor      *CursorPosition `json:"cursor"`
	EditingNode string          `json:"editingNode,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Lock is an advisory exclusive claim on a single graph node. At most one
// Lock exists per (room, node) at any time.
type Lock struct {
	NodeID      string    `json:"nodeId"`
	UserID      string    `json:"userId"`
	ConnID      uuid.UUID `json:"-"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	RefreshedAt time.Time `json:"-"`
}

// RoomSnapshot is the read-only view handed to a newly joined client and to
// external consumers. It never aliases live registry state.
type RoomSnapshot struct {
	RoomID   string          `json:"roomId"`
	Members  []MemberInfo    `json:"members"`
	Presence []PresenceEntry `json:"presence"`
	Locks    []Lock          `json:"locks"`
}

// MemberInfo identifies one distinct user currently in a room.
type MemberInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Departure describes the cleanup performed when a connection left a room,
// so the caller can broadcast the matching events to remaining members.
type Departure struct {
	RoomID      string
	UserID      string
	DisplayName string
	// PresenceRemoved is true when the departing connection was the user's
	// last one in the room, so the presence entry itself went away.
	PresenceRemoved bool
	// ReleasedLocks lists node ids whose locks were auto-released because the
	// departing connection held them.
	ReleasedLocks []string
	// RoomDestroyed is true when the room's member set emptied out.
	RoomDestroyed bool
}

// ExpiredLock identifies a lock the idle reaper force-released.
type ExpiredLock struct {
	RoomID string
	NodeID string
	UserID string
}
