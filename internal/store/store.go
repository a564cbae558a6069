package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// ErrNotFound is returned by mutating operations when the target record does
// not exist. Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("store: not found")

const (
	// DefaultPageSize is used when a history request does not set a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single history page.
	MaxPageSize = 200
	// MaxRoomList caps ListRooms.
	MaxRoomList = 200
)

// RoomStore persists rooms and their membership.
// MemoryStore, PostgresStore and SQLiteStore implement this interface.
type RoomStore interface {
	Close()
	Ping(ctx context.Context) error

	CreateRoom(ctx context.Context, name string, isPrivate bool, members []string, createdBy string) (*models.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListRooms(ctx context.Context, limit int) ([]models.Room, error)
	RenameRoom(ctx context.Context, id uuid.UUID, name string) (*models.Room, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error
}

// MessageStore persists messages and their receipt sets.
// MemoryStore, PostgresStore, SQLiteStore and RedisStore implement this
// interface.
type MessageStore interface {
	Ping(ctx context.Context) error

	// AdmitMessage stores msg unless a message with the same sender and
	// non-empty correlation token already exists, in which case the existing
	// record is returned and created is false. The check and the insert are
	// atomic. ID and CreatedAt are assigned when empty.
	AdmitMessage(ctx context.Context, msg *models.Message) (stored *models.Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByToken(ctx context.Context, senderID, token string) (*models.Message, error)
	// ListMessages returns up to limit messages of a room created strictly
	// before the given time, oldest first.
	ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
	UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (*models.Message, error)
	// AddReceipt adds userID to the message's delivered or read set and
	// reports whether the set grew.
	AddReceipt(ctx context.Context, id string, kind models.ReceiptKind, userID string) (added bool, err error)
}

// prepareMessage fills the server-assigned fields of a message about to be
// admitted.
func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	msg.DeliveredTo = []string{}
	msg.ReadBy = []string{}
}

// clampLimit applies the history page bounds.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// pageCursor returns the exclusive upper bound for a history page.
func pageCursor(before time.Time) time.Time {
	if before.IsZero() {
		return time.Now().UTC().Add(time.Millisecond)
	}
	return before.UTC()
}

func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
