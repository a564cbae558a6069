// Package roomsync is a Go client for the roomsync chat server: a REST
// client for history, rooms and uploads, a WebSocket connection, and the
// local reconciliation of optimistic sends with the server's stream.
package roomsync

import (
	"encoding/json"
	"time"
)

// Event names on the WebSocket.
const (
	EventAuthenticate     = "authenticate"
	EventAuthenticated    = "authenticated"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventSendMessage      = "send-message"
	EventMessage          = "message"
	EventMessageAck       = "message-ack"
	EventMessageUpdated   = "message-updated"
	EventMessageDeleted   = "message-deleted"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
	EventTyping           = "typing"
	EventError            = "error"
)

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the server's message record.
type Message struct {
	ID               string       `json:"_id"`
	CorrelationToken string       `json:"correlationToken,omitempty"`
	RoomID           string       `json:"roomId"`
	SenderID         string       `json:"senderId"`
	Text             string       `json:"text"`
	Attachments      []Attachment `json:"attachments"`
	CreatedAt        time.Time    `json:"createdAt"`
	EditedAt         *time.Time   `json:"editedAt,omitempty"`
	Deleted          bool         `json:"deleted"`
	DeliveredTo      []string     `json:"deliveredTo"`
	ReadBy           []string     `json:"readBy"`
}

// Room is a chat room.
type Room struct {
	ID        string    `json:"_id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"isPrivate"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type authenticatedEvent struct {
	OK     bool   `json:"ok"`
	UserID string `json:"userId"`
}

type ackEvent struct {
	CorrelationToken string  `json:"correlationToken"`
	Message          Message `json:"message"`
	Replay           bool    `json:"replay"`
}

type deletedEvent struct {
	ID     string `json:"_id"`
	RoomID string `json:"roomId"`
}

type receiptEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

type typingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ServerError is an error event sent to this connection.
type ServerError struct {
	Type             string `json:"type"`
	Code             string `json:"code"`
	Message          string `json:"message"`
	CorrelationToken string `json:"correlationToken,omitempty"`
}

func (e *ServerError) Error() string {
	return e.Type + ": " + e.Code + ": " + e.Message
}
