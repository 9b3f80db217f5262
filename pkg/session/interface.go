package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

// Registry owns every Connection and Room in the process. All mutation of
// room, presence and lock state goes through it; each method is atomic with
// respect to the others. External readers use Snapshot, never the live maps.
type Registry interface {
	// --- Connection Lifecycle ---
	Register(conn *transport.Connection, ipAddr, userID, displayName string) (*Connection, error)
	// Disconnect is the single cleanup path for every way a connection ends:
	// explicit close, heartbeat timeout, forced eviction. It leaves the room
	// of every joined room and destroys the connection record, returning one
	// Departure per room so the caller can broadcast them.
	Disconnect(connID uuid.UUID) []*Departure
	Connection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection
	// Touch refreshes the connection's heartbeat clock. Called for any
	// inbound event, not just explicit pings.
	Touch(connID uuid.UUID)
	StaleConnections(olderThan time.Duration) []*Connection

	// --- User fan-in (connection limiting) ---
	UserConnectionCount(userID string) int
	OldestUserConnection(userID string) (*Connection, bool)

	// --- Room Membership ---
	// Join adds the connection to the room, creating it if absent, seeds the
	// user's presence entry, and returns a snapshot of the room so the new
	// client can render existing collaborators immediately.
	Join(connID uuid.UUID, roomID string) (*RoomSnapshot, error)
	Leave(connID uuid.UUID, roomID string) (*Departure, error)
	InRoom(connID uuid.UUID, roomID string) bool
	RoomConnections(roomID string) []*transport.Connection

	// --- Presence ---
	UpdateCursor(connID uuid.UUID, roomID string, pos CursorPosition) error
	// SetEditing records the node a user is editing; empty nodeID clears it.
	SetEditing(connID uuid.UUID, roomID, nodeID string) error

	// --- Node Locks ---
	AcquireLock(connID uuid.UUID, roomID, nodeID string) (*Lock, error)
	ReleaseLock(connID uuid.UUID, roomID, nodeID string) error
	RefreshLock(connID uuid.UUID, roomID, nodeID string)
	ExpireIdleLocks(olderThan time.Duration) []ExpiredLock

	// --- Read-only access ---
	Snapshot(roomID string) (*RoomSnapshot, bool)
}
