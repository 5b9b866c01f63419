// Package collab maintains the realtime collaboration session: one duplex
// connection to the relay, room membership, presence, live edits and comments.
package collab

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of collaboration event kinds relayed between
// participants.
type EventType string

const (
	EventCursor       EventType = "cursor"
	EventEdit         EventType = "edit"
	EventComment      EventType = "comment"
	EventPresence     EventType = "presence"
	EventNotification EventType = "notification"
	EventStatus       EventType = "status"
)

// Event is the relay-level unit of collaboration traffic. Ephemeral except
// for comments, which are additionally persisted.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	TenantID  string          `json:"tenantId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Location describes where in the application a participant currently is.
type Location struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Cursor is a screen position within an element.
type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// Presence is one connected user's live state within a tenant.
type Presence struct {
	UserID       string         `json:"userId"`
	UserName     string         `json:"userName"`
	AvatarURL    string         `json:"avatarUrl,omitempty"`
	Status       PresenceStatus `json:"status"`
	Location     Location       `json:"location"`
	Cursor       *Cursor        `json:"cursor,omitempty"`
	LastActivity time.Time      `json:"lastActivity"`
}

// PresenceUpdate carries the fields of a partial presence mutation. Nil
// fields are left unchanged by the merge.
type PresenceUpdate struct {
	Status   *PresenceStatus `json:"status,omitempty"`
	Location *Location       `json:"location,omitempty"`
	Cursor   *Cursor         `json:"cursor,omitempty"`
}

// RoomType classifies a collaboration room.
type RoomType string

const (
	RoomProject  RoomType = "project"
	RoomDocument RoomType = "document"
	RoomGlobal   RoomType = "global"
)

// Room is a logical collaboration channel with its own participant set.
type Room struct {
	ID           string              `json:"id"`
	Type         RoomType            `json:"type"`
	TenantID     string              `json:"tenantId"`
	Participants map[string]Presence `json:"participants"`
	Connections  int                 `json:"connections"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// EditKind is the closed set of live edit operations.
type EditKind string

const (
	EditInsert EditKind = "insert"
	EditDelete EditKind = "delete"
	EditUpdate EditKind = "update"
	EditMove   EditKind = "move"
)

// Edit is a single mutation of a logical element, broadcast to the room and
// appended to the element's local history.
type Edit struct {
	ID         string          `json:"id"`
	Kind       EditKind        `json:"kind"`
	UserID     string          `json:"userId"`
	Timestamp  time.Time       `json:"timestamp"`
	ElementID  string          `json:"elementId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Previous   json.RawMessage `json:"previous,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
}

// Comment is an anchored discussion entry. Replies nest recursively.
// Comments are broadcast like any event and also persisted.
type Comment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Replies   []Comment `json:"replies,omitempty"`
	Resolved  bool      `json:"resolved"`
	Anchor    *Cursor   `json:"anchor,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
}

// Notification is the payload of a notification-kind event.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}
