package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/bytedance/sonic"
)

// Client to server events.
const (
	EventJoinBoard     = "join-board"
	EventLeaveBoard    = "leave-board"
	EventCreateObject  = "create-object"
	EventUpdateObject  = "update-object"
	EventDeleteObject  = "delete-object"
	EventCursorMove    = "cursor-move"
	EventStartEditing  = "start-editing"
	EventStopEditing   = "stop-editing"
	EventHeartbeat     = "heartbeat"
	EventRequestResync = "request-resync"
)

// Server to client events.
const (
	EventBoardState        = "board-state"
	EventObjectCreated     = "object-created"
	EventObjectUpdated     = "object-updated"
	EventObjectDeleted     = "object-deleted"
	EventCursorMoved       = "cursor-moved"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventEditWarning       = "edit-warning"
	EventEditConflict      = "edit-conflict"
	EventEditLockReclaimed = "edit-lock-reclaimed"
	EventError             = "error"
)

// Error codes carried by error events.
const (
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeProtocolError   = "protocol_error"
	CodeValidationError = "validation_error"
	CodeInternalError   = "internal_error"
)

var errMalformedMessage = errors.New("gateway: malformed message")

// inboundMessage is the union of every client event. Object and Fields stay raw so the
// schema validator sees exactly what the client sent.
type inboundMessage struct {
	Type     string          `json:"type"`
	BoardID  string          `json:"boardId"`
	ObjectID string          `json:"objectId,omitempty"`
	Object   json.RawMessage `json:"object,omitempty"`
	Fields   json.RawMessage `json:"fields,omitempty"`
	X        *float64        `json:"x,omitempty"`
	Y        *float64        `json:"y,omitempty"`
}

type memberPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

type editorPayload struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	StartedAt time.Time `json:"startedAt"`
}

type boardStateMessage struct {
	Type    string          `json:"type"`
	BoardID string          `json:"boardId"`
	Version int64           `json:"version"`
	Objects []boards.Object `json:"objects"`
	Members []memberPayload `json:"members"`
}

type objectCreatedMessage struct {
	Type    string        `json:"type"`
	BoardID string        `json:"boardId"`
	Object  boards.Object `json:"object"`
	UserID  string        `json:"userId"`
}

type objectUpdatedMessage struct {
	Type     string        `json:"type"`
	BoardID  string        `json:"boardId"`
	ObjectID string        `json:"objectId"`
	Fields   boards.Object `json:"fields"`
	UserID   string        `json:"userId"`
}

type objectDeletedMessage struct {
	Type              string   `json:"type"`
	BoardID           string   `json:"boardId"`
	ObjectID          string   `json:"objectId"`
	UserID            string   `json:"userId"`
	OrphanedObjectIDs []string `json:"orphanedObjectIds"`
}

type cursorMovedMessage struct {
	Type    string  `json:"type"`
	BoardID string  `json:"boardId"`
	UserID  string  `json:"userId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type userPresenceMessage struct {
	Type    string        `json:"type"`
	BoardID string        `json:"boardId"`
	User    memberPayload `json:"user"`
}

type editWarningMessage struct {
	Type     string          `json:"type"`
	BoardID  string          `json:"boardId"`
	ObjectID string          `json:"objectId"`
	Editors  []editorPayload `json:"editors"`
}

type editConflictMessage struct {
	Type     string        `json:"type"`
	BoardID  string        `json:"boardId"`
	ObjectID string        `json:"objectId"`
	UserID   string        `json:"userId"`
	Fields   boards.Object `json:"fields"`
}

type editLockReclaimedMessage struct {
	Type      string   `json:"type"`
	BoardID   string   `json:"boardId"`
	ObjectIDs []string `json:"objectIds"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	BoardID     string `json:"boardId,omitempty"`
	RequestType string `json:"requestType,omitempty"`
}

func decodeInbound(payload []byte) (inboundMessage, error) {
	var message inboundMessage
	if err := sonic.ConfigStd.Unmarshal(payload, &message); err != nil {
		return inboundMessage{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if message.Type == "" {
		return inboundMessage{}, fmt.Errorf("%w: missing type", errMalformedMessage)
	}
	return message, nil
}

func encodeOutbound(message any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(message)
}
