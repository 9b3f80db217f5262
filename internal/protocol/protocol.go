// Package protocol defines the wire envelope exchanged with collaboration
// clients: a closed set of event types, each with its own typed payload.
// Adding an event means adding a constant, a payload struct and a case in
// Decode; the router's dispatch switch then fails to compile until handled.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

// Client → server events.
const (
	EventJoinWorkflow   EventType = "join-workflow"
	EventLeaveWorkflow  EventType = "leave-workflow"
	EventCursorMove     EventType = "cursor-move"
	EventStartEditing   EventType = "start-editing"
	EventStopEditing    EventType = "stop-editing"
	EventLockNode       EventType = "lock-node"
	EventUnlockNode     EventType = "unlock-node"
	EventWorkflowUpdate EventType = "workflow-update"
	EventTyping         EventType = "typing"
	EventActivity       EventType = "activity"
	EventPing           EventType = "ping"
)

// Server → client events.
const (
	EventWorkflowJoined       EventType = "workflow-joined"
	EventUserJoined           EventType = "user-joined"
	EventUserLeft             EventType = "user-left"
	EventCursorUpdate         EventType = "cursor-update"
	EventEditingState         EventType = "editing-state"
	EventNodeLocked           EventType = "node-locked"
	EventNodeUnlocked         EventType = "node-unlocked"
	EventWorkflowChanged      EventType = "workflow-changed"
	EventUserTyping           EventType = "user-typing"
	EventActivityNotification EventType = "activity-notification"
	EventPong                 EventType = "pong"
	EventError                EventType = "error"
)

// Inbound is a decoded client envelope. Exactly one payload pointer is
// non-nil, matching Type; the sender's identity is never read from here.
type Inbound struct {
	Type   EventType
	RoomID string

	Cursor   *CursorMovePayload
	Node     *NodePayload
	Update   *UpdatePayload
	Activity *ActivityPayload
}

type CursorMovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type NodePayload struct {
	NodeID string `json:"nodeId"`
}

type UpdatePayload struct {
	Patch json.RawMessage `json:"patch"`
}

type ActivityPayload struct {
	Kind string `json:"kind"`
}

// Outbound is a server envelope. RoomID lets a client joined to several
// workflows demultiplex.
type Outbound struct {
	Type    EventType `json:"type"`
	RoomID  string    `json:"roomId,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// Marshal serializes an outbound envelope for the transport.
func Marshal(o Outbound) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", o.Type, err)
	}
	return data, nil
}

// Outbound payloads.

type UserJoinedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}

type CursorUpdatePayload struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// EditingStatePayload announces which node a user is editing. An empty
// NodeID means the user stopped editing.
type EditingStatePayload struct {
	UserID string `json:"userId"`
	NodeID string `json:"nodeId,omitempty"`
}

type NodeLockedPayload struct {
	NodeID string `json:"nodeId"`
	UserID string `json:"userId"`
}

// Unlock reasons carried in NodeUnlockedPayload.
const (
	UnlockReasonReleased   = "released"
	UnlockReasonDisconnect = "disconnect"
	UnlockReasonTimeout    = "timeout"
)

type NodeUnlockedPayload struct {
	NodeID string `json:"nodeId"`
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type WorkflowChangedPayload struct {
	Patch    json.RawMessage `json:"patch"`
	ByUserID string          `json:"byUserId"`
}

type UserTypingPayload struct {
	UserID string `json:"userId"`
}

type ActivityNotificationPayload struct {
	UserID string    `json:"userId"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
}

type PongPayload struct {
	At time.Time `json:"at"`
}

// Error codes carried in ErrorPayload.
const (
	CodeMalformedEnvelope  = "malformed-envelope"
	CodeUnknownEvent       = "unknown-event"
	CodeUnknownRoom        = "unknown-room"
	CodeLockConflict       = "lock-conflict"
	CodeNotHolder          = "not-holder"
	CodePersistenceFailure = "persistence-failure"
	CodeInternal           = "internal"
)

// ErrorPayload is returned to the offending sender only; rejections never
// fan out to the room.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// LockedBy names the current holder on lock-conflict errors.
	LockedBy string `json:"lockedBy,omitempty"`
}
