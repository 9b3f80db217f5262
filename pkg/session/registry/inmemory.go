package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/FlowForge-sub002/pkg/session"
	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

// InMemoryRegistry is the process-resident session registry: every room,
// presence entry and lock lives in its maps. One mutex guards all of it,
// which keeps join/leave/disconnect atomic across the connection and room
// tables. State is lost on process restart.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*session.Connection
	rooms map[string]*session.Room

	logger *slog.Logger
	now    func() time.Time
}

var _ session.Registry = (*InMemoryRegistry)(nil)

func NewInMemoryRegistry(logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		conns:  make(map[uuid.UUID]*session.Connection),
		rooms:  make(map[string]*session.Room),
		logger: logger.With(slog.String("component", "session_registry")),
		now:    time.Now,
	}
}

// --- Connection Lifecycle ---

func (m *InMemoryRegistry) Register(conn *transport.Connection, ipAddr, userID, displayName string) (*session.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if old, exists := m.conns[connID]; exists {
		// Invariant violation: the transport layer reused an id. Evict the
		// stale record and carry on with the new one.
		m.logger.Error("Duplicate connection id; evicting old record",
			slog.String("connID", connID.String()),
			slog.String("oldUserID", old.UserID),
		)
		m.disconnectLocked(connID)
	}

	now := m.now()
	newConn := &session.Connection{
		ID:            connID,
		UserID:        userID,
		DisplayName:   displayName,
		IPAddress:     ipAddr,
		Transport:     conn,
		Rooms:         make(map[string]struct{}),
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("userID", userID))
	return newConn, nil
}

func (m *InMemoryRegistry) Disconnect(connID uuid.UUID) []*session.Departure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(connID)
}

func (m *InMemoryRegistry) disconnectLocked(connID uuid.UUID) []*session.Departure {
	conn, ok := m.conns[connID]
	if !ok {
		// already gone
		return nil
	}

	departures := make([]*session.Departure, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		if dep := m.leaveLocked(conn, roomID); dep != nil {
			departures = append(departures, dep)
		}
	}
	delete(m.conns, connID)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("userID", conn.UserID))
	return departures
}

func (m *InMemoryRegistry) Connection(connID uuid.UUID) (*session.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryRegistry) AllConnections() []*session.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*session.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryRegistry) Touch(connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		conn.LastHeartbeat = m.now()
	}
}

func (m *InMemoryRegistry) StaleConnections(olderThan time.Duration) []*session.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-olderThan)
	var stale []*session.Connection
	for _, c := range m.conns {
		if c.LastHeartbeat.Before(cutoff) {
			// LastHeartbeat is logged here, under the lock; callers must not
			// read it off the returned pointers while Touch may run.
			m.logger.Debug("Connection heartbeat is stale",
				slog.String("connID", c.ID.String()),
				slog.Time("lastHeartbeat", c.LastHeartbeat),
			)
			stale = append(stale, c)
		}
	}
	return stale
}

// --- User fan-in ---

func (m *InMemoryRegistry) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.conns {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (m *InMemoryRegistry) OldestUserConnection(userID string) (*session.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *session.Connection
	for _, c := range m.conns {
		if c.UserID != userID {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

// --- Room Membership ---

func (m *InMemoryRegistry) Join(connID uuid.UUID, roomID string) (*session.RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, session.ErrUnknownConnection
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = session.NewRoom(roomID)
		m.rooms[roomID] = room
		m.logger.Debug("Room created", slog.String("roomID", roomID))
	}

	room.Conns[connID] = conn
	conn.Rooms[roomID] = struct{}{}
	room.SeedPresence(conn, m.now())

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	// Snapshot taken under the same critical section, so it already contains
	// the joiner's own presence entry.
	return room.Snapshot(), nil
}

func (m *InMemoryRegistry) Leave(connID uuid.UUID, roomID string) (*session.Departure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, session.ErrUnknownConnection
	}
	if _, joined := conn.Rooms[roomID]; !joined {
		return nil, session.ErrUnknownRoom
	}
	return m.leaveLocked(conn, roomID), nil
}

func (m *InMemoryRegistry) leaveLocked(conn *session.Connection, roomID string) *session.Departure {
	room, ok := m.rooms[roomID]
	if !ok {
		delete(conn.Rooms, roomID)
		return nil
	}

	delete(room.Conns, conn.ID)
	delete(conn.Rooms, roomID)

	dep := &session.Departure{
		RoomID:        roomID,
		UserID:        conn.UserID,
		DisplayName:   conn.DisplayName,
		ReleasedLocks: room.ReleaseAllFor(conn.ID),
	}

	// Presence is keyed by user: only the user's last connection out of the
	// room takes the entry with it.
	if room.UserConnCount(conn.UserID) == 0 {
		room.RemovePresence(conn.UserID)
		dep.PresenceRemoved = true
	}

	if len(room.Conns) == 0 {
		delete(m.rooms, roomID)
		dep.RoomDestroyed = true
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}

	m.logger.Debug("Connection left room",
		slog.String("connID", conn.ID.String()),
		slog.String("roomID", roomID),
		slog.Int("releasedLocks", len(dep.ReleasedLocks)),
	)
	return dep
}

func (m *InMemoryRegistry) InRoom(connID uuid.UUID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false
	}
	_, joined := conn.Rooms[roomID]
	return joined
}

func (m *InMemoryRegistry) RoomConnections(roomID string) []*transport.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	conns := make([]*transport.Connection, 0, len(room.Conns))
	for _, c := range room.Conns {
		conns = append(conns, c.Transport)
	}
	return conns
}

// --- Presence ---

func (m *InMemoryRegistry) UpdateCursor(connID uuid.UUID, roomID string, pos session.CursorPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, room, err := m.memberLocked(connID, roomID)
	if err != nil {
		return err
	}
	room.SetCursor(conn.UserID, pos, m.now())
	return nil
}

func (m *InMemoryRegistry) SetEditing(connID uuid.UUID, roomID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, room, err := m.memberLocked(connID, roomID)
	if err != nil {
		return err
	}
	now := m.now()
	room.SetEditing(conn.UserID, nodeID, now)
	if nodeID != "" {
		// Editing a node is proof its lock is still wanted.
		room.RefreshLock(nodeID, connID, now)
	}
	return nil
}

// --- Node Locks ---

func (m *InMemoryRegistry) AcquireLock(connID uuid.UUID, roomID, nodeID string) (*session.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, room, err := m.memberLocked(connID, roomID)
	if err != nil {
		return nil, err
	}
	lock, err := room.AcquireLock(nodeID, conn, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Node locked",
		slog.String("roomID", roomID),
		slog.String("nodeID", nodeID),
		slog.String("userID", conn.UserID),
	)
	return lock, nil
}

func (m *InMemoryRegistry) ReleaseLock(connID uuid.UUID, roomID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, room, err := m.memberLocked(connID, roomID)
	if err != nil {
		return err
	}
	if err := room.ReleaseLock(nodeID, connID); err != nil {
		return err
	}
	m.logger.Debug("Node unlocked", slog.String("roomID", roomID), slog.String("nodeID", nodeID))
	return nil
}

func (m *InMemoryRegistry) RefreshLock(connID uuid.UUID, roomID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		room.RefreshLock(nodeID, connID, m.now())
	}
}

func (m *InMemoryRegistry) ExpireIdleLocks(olderThan time.Duration) []session.ExpiredLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var expired []session.ExpiredLock
	for _, room := range m.rooms {
		expired = append(expired, room.ExpireLocksIdleSince(cutoff)...)
	}
	return expired
}

// --- Read-only access ---

func (m *InMemoryRegistry) Snapshot(roomID string) (*session.RoomSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.Snapshot(), true
}

// memberLocked resolves a (connection, room) pair, requiring membership.
func (m *InMemoryRegistry) memberLocked(connID uuid.UUID, roomID string) (*session.Connection, *session.Room, error) {
	conn, ok := m.conns[connID]
	if !ok {
		return nil, nil, session.ErrUnknownConnection
	}
	if _, joined := conn.Rooms[roomID]; !joined {
		return nil, nil, session.ErrUnknownRoom
	}
	room, ok := m.rooms[roomID]
	if !ok {
		// Membership set and room map disagree; heal and report not joined.
		delete(conn.Rooms, roomID)
		return nil, nil, session.ErrUnknownRoom
	}
	return conn, room, nil
}
