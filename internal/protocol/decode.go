package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// RejectError describes why an inbound envelope was rejected. It maps
// directly onto the error envelope sent back to the sender.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func malformed(format string, args ...any) *RejectError {
	return &RejectError{Code: CodeMalformedEnvelope, Message: fmt.Sprintf(format, args...)}
}

// Decode parses and validates a raw client frame into a typed Inbound
// envelope. Every failure is a *RejectError suitable for echoing to the
// sender; nothing here mutates state.
func Decode(msg []byte) (*Inbound, error) {
	if !gjson.ValidBytes(msg) {
		return nil, malformed("envelope is not valid JSON")
	}

	typ := gjson.GetBytes(msg, "type")
	if !typ.Exists() || typ.String() == "" {
		return nil, malformed("missing 'type' field")
	}

	in := &Inbound{
		Type:   EventType(typ.String()),
		RoomID: gjson.GetBytes(msg, "roomId").String(),
	}
	payload := gjson.GetBytes(msg, "payload")

	switch in.Type {
	case EventPing:
		return in, nil

	case EventJoinWorkflow, EventLeaveWorkflow, EventTyping:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		return in, nil

	case EventCursorMove:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		x, y := payload.Get("x"), payload.Get("y")
		if x.Type != gjson.Number || y.Type != gjson.Number {
			return nil, malformed("'cursor-move' requires numeric 'x' and 'y'")
		}
		in.Cursor = &CursorMovePayload{X: x.Float(), Y: y.Float()}
		return in, nil

	case EventStartEditing, EventLockNode, EventUnlockNode:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		nodeID := payload.Get("nodeId").String()
		if nodeID == "" {
			return nil, malformed("'%s' requires 'nodeId'", in.Type)
		}
		in.Node = &NodePayload{NodeID: nodeID}
		return in, nil

	case EventStopEditing:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		// nodeId optional on stop: absent clears whatever was being edited.
		in.Node = &NodePayload{NodeID: payload.Get("nodeId").String()}
		return in, nil

	case EventWorkflowUpdate:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		patch := payload.Get("patch")
		if !patch.Exists() {
			return nil, malformed("'workflow-update' requires 'patch'")
		}
		in.Update = &UpdatePayload{Patch: json.RawMessage(patch.Raw)}
		return in, nil

	case EventActivity:
		if in.RoomID == "" {
			return nil, malformed("'%s' requires 'roomId'", in.Type)
		}
		kind := payload.Get("kind").String()
		if kind == "" {
			return nil, malformed("'activity' requires 'kind'")
		}
		in.Activity = &ActivityPayload{Kind: kind}
		return in, nil

	default:
		return nil, &RejectError{
			Code:    CodeUnknownEvent,
			Message: fmt.Sprintf("unknown event type %q", in.Type),
		}
	}
}
