package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/doublegate/FlowForge-sub002/pkg/logging"
	"github.com/doublegate/FlowForge-sub002/pkg/session"
	"github.com/doublegate/FlowForge-sub002/pkg/session/registry"
	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

// --- Test Suite Setup ---

func newTestRegistry() *registry.InMemoryRegistry {
	return registry.NewInMemoryRegistry(logging.Discard())
}

func newTransportConn() *transport.Connection {
	// The underlying websocket conn is never touched as long as the
	// connection is neither run nor closed.
	var wg sync.WaitGroup
	return transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, logging.Discard())
}

func register(t *testing.T, m *registry.InMemoryRegistry, userID string) *session.Connection {
	t.Helper()
	conn, err := m.Register(newTransportConn(), "127.0.0.1", userID, userID+"-name")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return conn
}

func join(t *testing.T, m *registry.InMemoryRegistry, conn *session.Connection, roomID string) *session.RoomSnapshot {
	t.Helper()
	snap, err := m.Join(conn.ID, roomID)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return snap
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestRegistry()
	tc := newTransportConn()

	conn, err := m.Register(tc, "127.0.0.1", "user-1", "User One")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != tc.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if conn.DisplayName != "User One" {
		t.Errorf("Expected display name 'User One', got %q", conn.DisplayName)
	}

	got, found := m.Connection(tc.ID())
	if !found || got.ID != conn.ID {
		t.Fatal("Connection lookup failed for registered connection")
	}

	m.Disconnect(tc.ID())
	if _, found = m.Connection(tc.ID()); found {
		t.Error("Found connection after disconnect")
	}
}

func TestUserConnectionCount(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	register(t, m, "user-1")
	register(t, m, "user-2")

	if count := m.UserConnectionCount("user-1"); count != 2 {
		t.Errorf("Expected 2 connections for user-1, got %d", count)
	}
	if count := m.UserConnectionCount("nobody"); count != 0 {
		t.Errorf("Expected 0 connections for unknown user, got %d", count)
	}

	m.Disconnect(c1.ID)
	if count := m.UserConnectionCount("user-1"); count != 1 {
		t.Errorf("Expected 1 connection after disconnect, got %d", count)
	}
}

func TestOldestUserConnection(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-cycle")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps differ
	register(t, m, "user-cycle")

	oldest, found := m.OldestUserConnection("user-cycle")
	if !found {
		t.Fatal("OldestUserConnection found nothing")
	}
	if oldest.ID != c1.ID {
		t.Errorf("Expected oldest connection %s, got %s", c1.ID, oldest.ID)
	}

	if _, found := m.OldestUserConnection("nobody"); found {
		t.Error("Found a connection for an unknown user")
	}
}

// --- Join / Leave / Snapshot Tests ---

func TestJoinSnapshotContainsOwnPresence(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")

	// The snapshot returned by Join must already contain the joiner: no
	// read-after-write gap.
	snap := join(t, m, conn, "wf-1")
	if len(snap.Members) != 1 || snap.Members[0].UserID != "user-1" {
		t.Fatalf("Snapshot members missing joiner: %+v", snap.Members)
	}
	if len(snap.Presence) != 1 || snap.Presence[0].UserID != "user-1" {
		t.Fatalf("Snapshot presence missing joiner: %+v", snap.Presence)
	}
	if snap.Presence[0].Cursor != nil {
		t.Error("Fresh presence entry should have no cursor yet")
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	m := newTestRegistry()
	orphan := newTransportConn()
	if _, err := m.Join(orphan.ID(), "wf-1"); !errors.Is(err, session.ErrUnknownConnection) {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

func TestLeaveRemovesPresenceAndDestroysEmptyRoom(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	join(t, m, conn, "wf-1")

	dep, err := m.Leave(conn.ID, "wf-1")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if !dep.PresenceRemoved {
		t.Error("Expected presence removal for user's last connection")
	}
	if !dep.RoomDestroyed {
		t.Error("Expected room destruction when last member leaves")
	}
	if _, ok := m.Snapshot("wf-1"); ok {
		t.Error("Snapshot still resolves a destroyed room")
	}

	// Rejoining recreates the room with fresh tables, not the prior state.
	snap := join(t, m, conn, "wf-1")
	if len(snap.Locks) != 0 || len(snap.Presence) != 1 {
		t.Errorf("Recreated room carried stale state: %+v", snap)
	}
}

func TestLeaveRoomNotJoined(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")

	if _, err := m.Leave(conn.ID, "wf-1"); !errors.Is(err, session.ErrUnknownRoom) {
		t.Errorf("Expected ErrUnknownRoom, got %v", err)
	}
}

func TestPresenceSurvivesWhileUserHasOtherConnections(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	c2 := register(t, m, "user-1")
	join(t, m, c1, "wf-1")
	join(t, m, c2, "wf-1")

	dep, err := m.Leave(c1.ID, "wf-1")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if dep.PresenceRemoved {
		t.Error("Presence removed while a sibling connection remains in the room")
	}

	snap, ok := m.Snapshot("wf-1")
	if !ok {
		t.Fatal("Room vanished while still occupied")
	}
	if len(snap.Presence) != 1 {
		t.Fatalf("Expected 1 presence entry, got %d", len(snap.Presence))
	}

	dep, err = m.Leave(c2.ID, "wf-1")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if !dep.PresenceRemoved {
		t.Error("Presence should be removed with the user's last connection")
	}
}

// --- Presence Tests ---

func TestUpdateCursorLastWriteWins(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	join(t, m, conn, "wf-1")

	if err := m.UpdateCursor(conn.ID, "wf-1", session.CursorPosition{X: 1, Y: 2}); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}
	if err := m.UpdateCursor(conn.ID, "wf-1", session.CursorPosition{X: 10, Y: 20}); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}

	snap, _ := m.Snapshot("wf-1")
	cursor := snap.Presence[0].Cursor
	if cursor == nil || cursor.X != 10 || cursor.Y != 20 {
		t.Errorf("Expected cursor (10,20), got %+v", cursor)
	}
}

func TestUpdateCursorRequiresMembership(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")

	err := m.UpdateCursor(conn.ID, "wf-1", session.CursorPosition{X: 1, Y: 1})
	if !errors.Is(err, session.ErrUnknownRoom) {
		t.Errorf("Expected ErrUnknownRoom, got %v", err)
	}
}

func TestSetEditing(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	join(t, m, conn, "wf-1")

	if err := m.SetEditing(conn.ID, "wf-1", "n1"); err != nil {
		t.Fatalf("SetEditing failed: %v", err)
	}
	snap, _ := m.Snapshot("wf-1")
	if snap.Presence[0].EditingNode != "n1" {
		t.Errorf("Expected editing node n1, got %q", snap.Presence[0].EditingNode)
	}

	if err := m.SetEditing(conn.ID, "wf-1", ""); err != nil {
		t.Fatalf("SetEditing clear failed: %v", err)
	}
	snap, _ = m.Snapshot("wf-1")
	if snap.Presence[0].EditingNode != "" {
		t.Errorf("Expected cleared editing node, got %q", snap.Presence[0].EditingNode)
	}
}

// --- Lock Tests ---

func TestLockMutualExclusion(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	c2 := register(t, m, "user-2")
	join(t, m, c1, "wf-1")
	join(t, m, c2, "wf-1")

	if _, err := m.AcquireLock(c1.ID, "wf-1", "n1"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	// A second acquire by a different connection reports the conflict and
	// leaves the holder unchanged.
	_, err := m.AcquireLock(c2.ID, "wf-1", "n1")
	var conflict *session.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected LockConflictError, got %v", err)
	}
	if conflict.HolderUserID != "user-1" {
		t.Errorf("Conflict names holder %q, want user-1", conflict.HolderUserID)
	}

	snap, _ := m.Snapshot("wf-1")
	if len(snap.Locks) != 1 || snap.Locks[0].UserID != "user-1" {
		t.Errorf("Lock table mutated by failed acquire: %+v", snap.Locks)
	}
}

func TestLockReacquireByHolderIsIdempotent(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	join(t, m, c1, "wf-1")

	first, err := m.AcquireLock(c1.ID, "wf-1", "n1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := m.AcquireLock(c1.ID, "wf-1", "n1")
	if err != nil {
		t.Fatalf("Re-acquire by holder should succeed, got %v", err)
	}
	if first.AcquiredAt != second.AcquiredAt {
		t.Error("Re-acquire must not reset the original acquisition time")
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	c2 := register(t, m, "user-2")
	join(t, m, c1, "wf-1")
	join(t, m, c2, "wf-1")

	m.AcquireLock(c1.ID, "wf-1", "n1")

	if err := m.ReleaseLock(c2.ID, "wf-1", "n1"); !errors.Is(err, session.ErrNotHolder) {
		t.Fatalf("Expected ErrNotHolder, got %v", err)
	}
	snap, _ := m.Snapshot("wf-1")
	if len(snap.Locks) != 1 || snap.Locks[0].UserID != "user-1" {
		t.Error("Failed release altered the lock table")
	}

	// Releasing an unlocked node is also a NotHolder failure.
	if err := m.ReleaseLock(c2.ID, "wf-1", "n2"); !errors.Is(err, session.ErrNotHolder) {
		t.Errorf("Expected ErrNotHolder for unlocked node, got %v", err)
	}
}

func TestDisconnectReleasesLocksForNextAcquirer(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	c2 := register(t, m, "user-2")
	join(t, m, c1, "wf-1")
	join(t, m, c2, "wf-1")

	m.AcquireLock(c1.ID, "wf-1", "n1")
	if _, err := m.AcquireLock(c2.ID, "wf-1", "n1"); err == nil {
		t.Fatal("Expected conflict while user-1 holds the lock")
	}

	deps := m.Disconnect(c1.ID)
	if len(deps) != 1 {
		t.Fatalf("Expected 1 departure, got %d", len(deps))
	}
	if len(deps[0].ReleasedLocks) != 1 || deps[0].ReleasedLocks[0] != "n1" {
		t.Fatalf("Departure should report released lock n1: %+v", deps[0].ReleasedLocks)
	}

	if _, err := m.AcquireLock(c2.ID, "wf-1", "n1"); err != nil {
		t.Fatalf("Acquire after holder disconnect failed: %v", err)
	}
}

// --- Disconnect Cleanup Tests ---

func TestDisconnectCleansEveryJoinedRoom(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	peer := register(t, m, "user-2")
	join(t, m, conn, "wf-a")
	join(t, m, conn, "wf-b")
	join(t, m, peer, "wf-a")

	m.AcquireLock(conn.ID, "wf-a", "n1")
	m.AcquireLock(conn.ID, "wf-b", "n2")

	deps := m.Disconnect(conn.ID)
	if len(deps) != 2 {
		t.Fatalf("Expected departures for both rooms, got %d", len(deps))
	}

	byRoom := make(map[string]*session.Departure)
	for _, d := range deps {
		byRoom[d.RoomID] = d
	}
	for _, roomID := range []string{"wf-a", "wf-b"} {
		d, ok := byRoom[roomID]
		if !ok {
			t.Fatalf("No departure for room %s", roomID)
		}
		if !d.PresenceRemoved || len(d.ReleasedLocks) != 1 {
			t.Errorf("Incomplete cleanup in %s: %+v", roomID, d)
		}
	}

	// wf-a still has a member; wf-b should be gone.
	if byRoom["wf-a"].RoomDestroyed {
		t.Error("wf-a destroyed while user-2 remains")
	}
	if !byRoom["wf-b"].RoomDestroyed {
		t.Error("wf-b not destroyed after last member left")
	}
	if _, found := m.Connection(conn.ID); found {
		t.Error("Connection record survived disconnect")
	}
}

func TestDisconnectUnknownConnectionIsNoop(t *testing.T) {
	m := newTestRegistry()
	if deps := m.Disconnect(newTransportConn().ID()); deps != nil {
		t.Errorf("Expected nil departures, got %+v", deps)
	}
}

// --- Heartbeat / Idle Tests ---

func TestStaleConnections(t *testing.T) {
	m := newTestRegistry()
	c1 := register(t, m, "user-1")
	time.Sleep(10 * time.Millisecond)
	c2 := register(t, m, "user-2")
	m.Touch(c2.ID)

	stale := m.StaleConnections(5 * time.Millisecond)
	if len(stale) != 1 || stale[0].ID != c1.ID {
		t.Fatalf("Expected only c1 stale, got %+v", stale)
	}

	m.Touch(c1.ID)
	if stale = m.StaleConnections(5 * time.Millisecond); len(stale) != 0 {
		t.Errorf("Touched connection still reported stale")
	}
}

func TestExpireIdleLocks(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	join(t, m, conn, "wf-1")
	m.AcquireLock(conn.ID, "wf-1", "n1")
	time.Sleep(10 * time.Millisecond)
	m.AcquireLock(conn.ID, "wf-1", "n2")

	expired := m.ExpireIdleLocks(5 * time.Millisecond)
	if len(expired) != 1 || expired[0].NodeID != "n1" {
		t.Fatalf("Expected only n1 expired, got %+v", expired)
	}
	snap, _ := m.Snapshot("wf-1")
	if len(snap.Locks) != 1 || snap.Locks[0].NodeID != "n2" {
		t.Errorf("Lock table wrong after expiry: %+v", snap.Locks)
	}
}

func TestRefreshLockDefersExpiry(t *testing.T) {
	m := newTestRegistry()
	conn := register(t, m, "user-1")
	join(t, m, conn, "wf-1")
	m.AcquireLock(conn.ID, "wf-1", "n1")
	time.Sleep(10 * time.Millisecond)
	m.RefreshLock(conn.ID, "wf-1", "n1")

	if expired := m.ExpireIdleLocks(5 * time.Millisecond); len(expired) != 0 {
		t.Errorf("Refreshed lock expired anyway: %+v", expired)
	}
}
