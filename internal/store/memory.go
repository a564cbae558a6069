package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// MemoryStore keeps rooms and messages in process memory. It is used by
// tests and by STORE=memory for local development.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[uuid.UUID]models.Room
	messages map[string]*memoryMessage
	byRoom   map[string][]string // room id -> message ids in admission order
	tokens   map[string]string   // sender|token -> message id
}

type memoryMessage struct {
	msg       models.Message
	delivered map[string]struct{}
	read      map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[uuid.UUID]models.Room),
		messages: make(map[string]*memoryMessage),
		byRoom:   make(map[string][]string),
		tokens:   make(map[string]string),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateRoom creates a new room.
func (s *MemoryStore) CreateRoom(ctx context.Context, name string, isPrivate bool, members []string, createdBy string) (*models.Room, error) {
	room := models.Room{
		ID:        uuid.New(),
		Name:      name,
		IsPrivate: isPrivate,
		Members:   append([]string(nil), members...),
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.rooms[room.ID] = room
	s.mu.Unlock()

	return cloneRoom(room), nil
}

// GetRoom retrieves a room by ID.
func (s *MemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	return cloneRoom(room), nil
}

// ListRooms returns the most recently created rooms first.
func (s *MemoryStore) ListRooms(ctx context.Context, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > MaxRoomList {
		limit = MaxRoomList
	}

	s.mu.RLock()
	rooms := make([]models.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, *cloneRoom(room))
	}
	s.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	if len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

// RenameRoom changes a room's display name.
func (s *MemoryStore) RenameRoom(ctx context.Context, id uuid.UUID, name string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	room.Name = name
	s.rooms[id] = room
	return cloneRoom(room), nil
}

// DeleteRoom removes a room. Its messages are kept.
func (s *MemoryStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// AdmitMessage stores msg unless its correlation token was already admitted
// for the same sender.
func (s *MemoryStore) AdmitMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokenKey := ""
	if msg.CorrelationToken != "" {
		tokenKey = msg.SenderID + "|" + msg.CorrelationToken
		if id, ok := s.tokens[tokenKey]; ok {
			return s.snapshot(s.messages[id]), false, nil
		}
	}

	stored := *msg
	prepareMessage(&stored)
	entry := &memoryMessage{
		msg:       stored,
		delivered: make(map[string]struct{}),
		read:      make(map[string]struct{}),
	}
	s.messages[stored.ID] = entry
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], stored.ID)
	if tokenKey != "" {
		s.tokens[tokenKey] = stored.ID
	}
	return s.snapshot(entry), true, nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return s.snapshot(entry), nil
}

// GetMessageByToken retrieves the message admitted for a sender's token.
func (s *MemoryStore) GetMessageByToken(ctx context.Context, senderID, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[senderID+"|"+token]
	if !ok {
		return nil, nil
	}
	return s.snapshot(s.messages[id]), nil
}

// ListMessages returns a page of a room's history, oldest first.
func (s *MemoryStore) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	limit = clampLimit(limit)
	cursor := pageCursor(before)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRoom[roomID]
	page := make([]models.Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(page) < limit; i-- {
		entry := s.messages[ids[i]]
		if !entry.msg.CreatedAt.Before(cursor) {
			continue
		}
		page = append(page, *s.snapshot(entry))
	}
	reverseMessages(page)
	return page, nil
}

// UpdateMessageText replaces a message's text and stamps the edit time.
func (s *MemoryStore) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	at := editedAt.UTC()
	entry.msg.Text = text
	entry.msg.EditedAt = &at
	return s.snapshot(entry), nil
}

// SoftDeleteMessage flags a message as deleted.
func (s *MemoryStore) SoftDeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	entry.msg.Deleted = true
	return s.snapshot(entry), nil
}

// AddReceipt adds userID to a message's delivered or read set.
func (s *MemoryStore) AddReceipt(ctx context.Context, id string, kind models.ReceiptKind, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	set := entry.delivered
	if kind == models.ReceiptRead {
		set = entry.read
	}
	if _, seen := set[userID]; seen {
		return false, nil
	}
	set[userID] = struct{}{}
	return true, nil
}

// snapshot copies an entry so callers never share slices with the store.
// Callers must hold s.mu.
func (s *MemoryStore) snapshot(entry *memoryMessage) *models.Message {
	msg := entry.msg
	msg.Attachments = append([]models.Attachment{}, entry.msg.Attachments...)
	if entry.msg.EditedAt != nil {
		at := *entry.msg.EditedAt
		msg.EditedAt = &at
	}
	msg.DeliveredTo = sortedKeys(entry.delivered)
	msg.ReadBy = sortedKeys(entry.read)
	return &msg
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cloneRoom(room models.Room) *models.Room {
	room.Members = append([]string{}, room.Members...)
	return &room
}
