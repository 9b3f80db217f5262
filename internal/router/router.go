package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/doublegate/FlowForge-sub002/internal/protocol"
	"github.com/doublegate/FlowForge-sub002/pkg/docstore"
	"github.com/doublegate/FlowForge-sub002/pkg/session"
	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

const persistTimeout = 10 * time.Second

// EventRouter validates inbound envelopes, applies them to the session
// registry and fans the resulting events out to room members. Every inbound
// envelope produces exactly one outcome: applied and broadcast, or rejected
// back to the sender.
type EventRouter struct {
	logger   *slog.Logger
	registry session.Registry
	store    docstore.Store

	// send is indirect so tests can capture outbound frames.
	send func(c *transport.Connection, msg []byte)
}

func NewEventRouter(logger *slog.Logger, registry session.Registry, store docstore.Store) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		store:    store,
		send:     func(c *transport.Connection, msg []byte) { c.Send(msg) },
	}
}

// HandleMessage is the transport's inbound callback.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	// Any inbound frame proves the client is alive.
	r.registry.Touch(connID)

	conn, ok := r.registry.Connection(connID)
	if !ok {
		r.logger.Error("Message from a connection the registry does not know", slog.String("connID", connID.String()))
		return
	}

	in, err := protocol.Decode(msg)
	if err != nil {
		r.logger.Warn("Rejected inbound envelope",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		r.reject(conn, "", err)
		return
	}

	r.logger.Debug("Dispatching event",
		slog.String("event", string(in.Type)),
		slog.String("connID", connID.String()),
		slog.String("roomID", in.RoomID),
	)

	switch in.Type {
	case protocol.EventJoinWorkflow:
		r.handleJoin(conn, in)
	case protocol.EventLeaveWorkflow:
		r.handleLeave(conn, in)
	case protocol.EventCursorMove:
		r.handleCursorMove(conn, in)
	case protocol.EventStartEditing:
		r.handleEditing(conn, in, in.Node.NodeID)
	case protocol.EventStopEditing:
		r.handleEditing(conn, in, "")
	case protocol.EventLockNode:
		r.handleLockNode(conn, in)
	case protocol.EventUnlockNode:
		r.handleUnlockNode(conn, in)
	case protocol.EventWorkflowUpdate:
		r.handleWorkflowUpdate(conn, in)
	case protocol.EventTyping:
		r.handleTyping(conn, in)
	case protocol.EventActivity:
		r.handleActivity(conn, in)
	case protocol.EventPing:
		r.reply(conn, protocol.Outbound{Type: protocol.EventPong, Payload: protocol.PongPayload{At: time.Now().UTC()}})
	default:
		// server→client types echoed back by a confused client
		r.reject(conn, in.RoomID, &protocol.RejectError{
			Code:    protocol.CodeUnknownEvent,
			Message: "event is not accepted from clients",
		})
	}
}

// HandleDisconnect is the single cleanup entry point for every way a
// connection ends: transport close, heartbeat timeout, forced eviction. It
// tears down registry state and broadcasts the departures.
func (r *EventRouter) HandleDisconnect(connID uuid.UUID) {
	departures := r.registry.Disconnect(connID)
	for _, dep := range departures {
		r.broadcastDeparture(dep, protocol.UnlockReasonDisconnect)
	}
}

// BroadcastExpiredLocks announces locks the idle reaper force-released. The
// holder is included in the audience so its own UI unlocks too.
func (r *EventRouter) BroadcastExpiredLocks(expired []session.ExpiredLock) {
	for _, e := range expired {
		r.broadcast(e.RoomID, uuid.Nil, protocol.Outbound{
			Type:   protocol.EventNodeUnlocked,
			RoomID: e.RoomID,
			Payload: protocol.NodeUnlockedPayload{
				NodeID: e.NodeID,
				UserID: e.UserID,
				Reason: protocol.UnlockReasonTimeout,
			},
		})
	}
}

// --- Event handlers ---

func (r *EventRouter) handleJoin(conn *session.Connection, in *protocol.Inbound) {
	snap, err := r.registry.Join(conn.ID, in.RoomID)
	if err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}

	// Snapshot reply first, so the joiner can render the room before any
	// follow-on events arrive on the ordered stream.
	r.reply(conn, protocol.Outbound{Type: protocol.EventWorkflowJoined, RoomID: in.RoomID, Payload: snap})

	// Join confirmation is acknowledgement-style: the full room hears it.
	r.broadcast(in.RoomID, uuid.Nil, protocol.Outbound{
		Type:   protocol.EventUserJoined,
		RoomID: in.RoomID,
		Payload: protocol.UserJoinedPayload{
			UserID:      conn.UserID,
			DisplayName: conn.DisplayName,
		},
	})
}

func (r *EventRouter) handleLeave(conn *session.Connection, in *protocol.Inbound) {
	dep, err := r.registry.Leave(conn.ID, in.RoomID)
	if err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}
	if dep != nil {
		r.broadcastDeparture(dep, protocol.UnlockReasonReleased)
	}
}

func (r *EventRouter) handleCursorMove(conn *session.Connection, in *protocol.Inbound) {
	pos := session.CursorPosition{X: in.Cursor.X, Y: in.Cursor.Y}
	if err := r.registry.UpdateCursor(conn.ID, in.RoomID, pos); err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}
	// Clients render their own cursor locally; exclude the sender.
	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:    protocol.EventCursorUpdate,
		RoomID:  in.RoomID,
		Payload: protocol.CursorUpdatePayload{UserID: conn.UserID, X: pos.X, Y: pos.Y},
	})
}

func (r *EventRouter) handleEditing(conn *session.Connection, in *protocol.Inbound, nodeID string) {
	if err := r.registry.SetEditing(conn.ID, in.RoomID, nodeID); err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}
	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:    protocol.EventEditingState,
		RoomID:  in.RoomID,
		Payload: protocol.EditingStatePayload{UserID: conn.UserID, NodeID: nodeID},
	})
}

func (r *EventRouter) handleLockNode(conn *session.Connection, in *protocol.Inbound) {
	lock, err := r.registry.AcquireLock(conn.ID, in.RoomID, in.Node.NodeID)
	if err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}
	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:    protocol.EventNodeLocked,
		RoomID:  in.RoomID,
		Payload: protocol.NodeLockedPayload{NodeID: lock.NodeID, UserID: lock.UserID},
	})
}

func (r *EventRouter) handleUnlockNode(conn *session.Connection, in *protocol.Inbound) {
	if err := r.registry.ReleaseLock(conn.ID, in.RoomID, in.Node.NodeID); err != nil {
		r.reject(conn, in.RoomID, err)
		return
	}
	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:   protocol.EventNodeUnlocked,
		RoomID: in.RoomID,
		Payload: protocol.NodeUnlockedPayload{
			NodeID: in.Node.NodeID,
			UserID: conn.UserID,
			Reason: protocol.UnlockReasonReleased,
		},
	})
}

func (r *EventRouter) handleWorkflowUpdate(conn *session.Connection, in *protocol.Inbound) {
	if !r.registry.InRoom(conn.ID, in.RoomID) {
		r.reject(conn, in.RoomID, session.ErrUnknownRoom)
		return
	}

	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:    protocol.EventWorkflowChanged,
		RoomID:  in.RoomID,
		Payload: protocol.WorkflowChangedPayload{Patch: in.Update.Patch, ByUserID: conn.UserID},
	})

	// Persistence must not block lock/presence processing; it runs outside
	// every room-level exclusion. Failure is reported to the sender only and
	// does not roll back in-memory state, which caches no document content.
	go r.persistPatch(conn, in)
}

func (r *EventRouter) persistPatch(conn *session.Connection, in *protocol.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.ApplyPatch(ctx, in.RoomID, in.Update.Patch, conn.UserID); err != nil {
		r.logger.Error("Failed to persist workflow patch",
			slog.String("roomID", in.RoomID),
			slog.String("userID", conn.UserID),
			slog.Any("error", err),
		)
		r.reply(conn, protocol.Outbound{
			Type:   protocol.EventError,
			RoomID: in.RoomID,
			Payload: protocol.ErrorPayload{
				Code:    protocol.CodePersistenceFailure,
				Message: "document store rejected the patch",
			},
		})
	}
}

func (r *EventRouter) handleTyping(conn *session.Connection, in *protocol.Inbound) {
	if !r.registry.InRoom(conn.ID, in.RoomID) {
		r.reject(conn, in.RoomID, session.ErrUnknownRoom)
		return
	}
	// Pure broadcast; typing carries no durable state.
	r.broadcast(in.RoomID, conn.ID, protocol.Outbound{
		Type:    protocol.EventUserTyping,
		RoomID:  in.RoomID,
		Payload: protocol.UserTypingPayload{UserID: conn.UserID},
	})
}

func (r *EventRouter) handleActivity(conn *session.Connection, in *protocol.Inbound) {
	if !r.registry.InRoom(conn.ID, in.RoomID) {
		r.reject(conn, in.RoomID, session.ErrUnknownRoom)
		return
	}
	r.broadcast(in.RoomID, uuid.Nil, protocol.Outbound{
		Type:   protocol.EventActivityNotification,
		RoomID: in.RoomID,
		Payload: protocol.ActivityNotificationPayload{
			UserID: conn.UserID,
			Kind:   in.Activity.Kind,
			At:     time.Now().UTC(),
		},
	})
}

// --- Rejection mapping ---

// reject returns an error envelope to the sender only. The taxonomy maps
// onto protocol error codes here, in one place.
func (r *EventRouter) reject(conn *session.Connection, roomID string, err error) {
	payload := protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "internal error"}

	var rejectErr *protocol.RejectError
	var conflict *session.LockConflictError
	switch {
	case errors.As(err, &rejectErr):
		payload.Code = rejectErr.Code
		payload.Message = rejectErr.Message
	case errors.As(err, &conflict):
		payload.Code = protocol.CodeLockConflict
		payload.Message = conflict.Error()
		payload.LockedBy = conflict.HolderUserID
	case errors.Is(err, session.ErrUnknownRoom), errors.Is(err, session.ErrUnknownConnection):
		payload.Code = protocol.CodeUnknownRoom
		payload.Message = "room not joined"
	case errors.Is(err, session.ErrNotHolder):
		payload.Code = protocol.CodeNotHolder
		payload.Message = "lock is held by another connection"
	}

	r.reply(conn, protocol.Outbound{Type: protocol.EventError, RoomID: roomID, Payload: payload})
}
