package router

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/doublegate/FlowForge-sub002/internal/protocol"
	"github.com/doublegate/FlowForge-sub002/pkg/session"
)

// broadcast fans an event out to every connection in a room. Pass uuid.Nil
// as exclude to include the full room; otherwise the named connection is
// skipped. Sender exclusion is a per-event-type contract fixed at the call
// sites, not a runtime choice.
func (r *EventRouter) broadcast(roomID string, exclude uuid.UUID, out protocol.Outbound) {
	msg, err := protocol.Marshal(out)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast", slog.String("event", string(out.Type)), slog.Any("error", err))
		return
	}

	conns := r.registry.RoomConnections(roomID)
	sent := 0
	for _, tc := range conns {
		if tc.ID() == exclude {
			continue
		}
		r.send(tc, msg)
		sent++
	}
	r.logger.Debug("Broadcast event",
		slog.String("event", string(out.Type)),
		slog.String("roomID", roomID),
		slog.Int("recipients", sent),
	)
}

// reply sends an envelope to a single connection.
func (r *EventRouter) reply(conn *session.Connection, out protocol.Outbound) {
	msg, err := protocol.Marshal(out)
	if err != nil {
		r.logger.Error("Failed to marshal reply", slog.String("event", string(out.Type)), slog.Any("error", err))
		return
	}
	r.send(conn.Transport, msg)
}

// broadcastDeparture tells remaining members a connection is gone: released
// locks unlock first, then the user-left notice if the user's presence entry
// went with the departing connection.
func (r *EventRouter) broadcastDeparture(dep *session.Departure, unlockReason string) {
	for _, nodeID := range dep.ReleasedLocks {
		r.broadcast(dep.RoomID, uuid.Nil, protocol.Outbound{
			Type:   protocol.EventNodeUnlocked,
			RoomID: dep.RoomID,
			Payload: protocol.NodeUnlockedPayload{
				NodeID: nodeID,
				UserID: dep.UserID,
				Reason: unlockReason,
			},
		})
	}
	if dep.PresenceRemoved {
		r.broadcast(dep.RoomID, uuid.Nil, protocol.Outbound{
			Type:    protocol.EventUserLeft,
			RoomID:  dep.RoomID,
			Payload: protocol.UserLeftPayload{UserID: dep.UserID},
		})
	}
}
