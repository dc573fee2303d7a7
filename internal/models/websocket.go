package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventReady             EventType = "ready"
	EventRejected          EventType = "rejected"
	EventMessage           EventType = "message"
	EventMessageEdited     EventType = "message_edited"
	EventMessageDeleted    EventType = "message_deleted"
	EventTyping            EventType = "typing"
	EventPresence          EventType = "presence"
	EventAdminNotification EventType = "admin_notification"
	EventSuspended         EventType = "suspended"
	EventRoomJoined        EventType = "room_joined"
	EventRoomLeft          EventType = "room_left"
	EventError             EventType = "error"
	EventPong              EventType = "pong"
	EventHistory           EventType = "history"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Event is the server-to-client envelope.
type Event struct {
	Type      EventType      `json:"type"`
	RoomID    int            `json:"room_id,omitempty"`
	Rooms     []int          `json:"rooms,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	History   []*Message     `json:"history,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	UserID    int            `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Status    PresenceStatus `json:"status,omitempty"`
	IsTyping  *bool          `json:"is_typing,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Code      string         `json:"code,omitempty"`
	Text      string         `json:"text,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type CommandType string

const (
	CommandSend   CommandType = "send"
	CommandEdit   CommandType = "edit"
	CommandDelete CommandType = "delete"
	CommandTyping CommandType = "typing"
	CommandStatus CommandType = "status"
	CommandPing   CommandType = "ping"
)

// Command is the client-to-server envelope.
type Command struct {
	Type      CommandType    `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	RoomID    int            `json:"room_id,omitempty"`
	Body      string         `json:"body,omitempty"`
	ReplyTo   *int64         `json:"reply_to,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	IsTyping  bool           `json:"is_typing,omitempty"`
	Status    PresenceStatus `json:"status,omitempty"`
}

// Encode marshals the event, stamping Timestamp when unset.
func (e Event) Encode() ([]byte, error) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(e)
}
