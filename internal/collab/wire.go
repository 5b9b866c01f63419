package collab

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a relay envelope. The set is closed; inbound envelopes
// with an unknown tag are logged and dropped.
type MessageType string

const (
	// Outbound
	MsgRoomJoin     MessageType = "room:join"
	MsgRoomLeave    MessageType = "room:leave"
	MsgEdit         MessageType = "collaboration:edit"
	MsgComment      MessageType = "collaboration:comment"
	MsgPresence     MessageType = "presence:update"
	MsgNotification MessageType = "collaboration:notification"
	MsgHeartbeat    MessageType = "heartbeat"

	// Inbound
	MsgEvent        MessageType = "collaboration:event"
	MsgEditConflict MessageType = "edit:conflict"
)

// Envelope is the relay wire format: a type tag plus a type-specific body.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ MessageType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// RoomChange is the body of room:join and room:leave messages.
type RoomChange struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType,omitempty"`
	TenantID string   `json:"tenantId"`
	UserID   string   `json:"userId"`
	UserName string   `json:"userName"`
}

// Heartbeat is the body of heartbeat messages in both directions.
type Heartbeat struct {
	UserID string `json:"userId"`
	SentAt int64  `json:"sentAt"`
}

// ConflictNotice is the body of an inbound edit:conflict message.
type ConflictNotice struct {
	ElementID string `json:"elementId"`
	Local     *Edit  `json:"local,omitempty"`
	Remote    *Edit  `json:"remote,omitempty"`
	Winner    string `json:"winner,omitempty"`
}
