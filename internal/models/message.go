package models

import "time"

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	FileType string `json:"fileType,omitempty"` // MIME type
	Size     int64  `json:"size,omitempty"`     // bytes
}

// Message is the authoritative record of a chat message.
type Message struct {
	ID               string       `json:"_id"`                        // ULID
	CorrelationToken string       `json:"correlationToken,omitempty"` // client token echoed on broadcast
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

// Redacted returns the copy of m that may be shown to peers. Deleted
// messages keep their metadata but lose text and attachments.
func (m Message) Redacted() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Deleted {
		out.Text = ""
		out.Attachments = nil
	}
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	if out.DeliveredTo == nil {
		out.DeliveredTo = []string{}
	}
	if out.ReadBy == nil {
		out.ReadBy = []string{}
	}
	return out
}

// ReceiptKind distinguishes delivery from read acknowledgements.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Valid reports whether k is a known receipt kind.
func (k ReceiptKind) Valid() bool {
	return k == ReceiptDelivered || k == ReceiptRead
}
