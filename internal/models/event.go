package models

import "encoding/json"

// Client to server events.
const (
	EventAuthenticate     = "authenticate"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventSendMessage      = "send-message"
	EventTyping           = "typing"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
)

// Server to client events. EventTyping, EventMessageDelivered and
// EventMessageRead are used in both directions.
const (
	EventAuthenticated  = "authenticated"
	EventMessage        = "message"
	EventMessageAck     = "message-ack"
	EventMessageUpdated = "message-updated"
	EventMessageDeleted = "message-deleted"
	EventError          = "error"
)

// Envelope frames every WebSocket payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthenticateRequest carries the bearer credential for a connection.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// RoomRequest is the payload of join-room and leave-room.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	RoomID           string       `json:"roomId"`
	Text             string       `json:"text"`
	Attachments      []Attachment `json:"attachments"`
	CorrelationToken string       `json:"correlationToken"`
}

// TypingRequest is the payload of an inbound typing signal.
type TypingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ReceiptRequest is the payload of inbound message-delivered and
// message-read.
type ReceiptRequest struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// AuthenticatedEvent reports the outcome of authenticate.
type AuthenticatedEvent struct {
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
}

// MessageAckEvent confirms a send to the originating connection, for both a
// first admission and a replayed token.
type MessageAckEvent struct {
	CorrelationToken string  `json:"correlationToken"`
	Message          Message `json:"message"`
	Replay           bool    `json:"replay"`
}

// MessageDeletedEvent announces a soft delete.
type MessageDeletedEvent struct {
	ID     string `json:"_id"`
	RoomID string `json:"roomId"`
}

// ReceiptEvent announces that a user received or read a message.
type ReceiptEvent struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// TypingEvent is relayed to the other subscribers of a room.
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent is sent only to the connection whose action failed.
type ErrorEvent struct {
	Type             string `json:"type"` // inbound event that failed
	Code             string `json:"code"`
	Message          string `json:"message"`
	CorrelationToken string `json:"correlationToken,omitempty"`
}
