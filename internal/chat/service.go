// Package chat implements message ingest, edits and receipts on top of the
// message store and the realtime broadcaster.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrTransient       = errors.New("store unavailable")
)

// Code maps an error to the code sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}

// Broadcaster fans an event out to every live subscriber of a room.
// Implementations must not block on slow subscribers.
type Broadcaster interface {
	BroadcastRoom(roomID, eventType string, data any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastRoom(string, string, any) {}

// Options configures a Service.
type Options struct {
	// ForceHTTPS rewrites http:// attachment URLs to https://.
	ForceHTTPS bool
	Logger     zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service owns the admission pipeline. Persist and broadcast are sequenced
// per room, so every subscriber sees a room's events in admission order.
type Service struct {
	rooms       store.RoomStore
	messages    store.MessageStore
	broadcaster Broadcaster
	forceHTTPS  bool
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	roomLocks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a chat service. Broadcasts are discarded until
// SetBroadcaster is called.
func NewService(rooms store.RoomStore, messages store.MessageStore, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		rooms:       rooms,
		messages:    messages,
		broadcaster: nopBroadcaster{},
		forceHTTPS:  opts.ForceHTTPS,
		logger:      opts.Logger.With().Str("component", "chat").Logger(),
		now:         now,
		roomLocks:   make(map[string]*roomLock),
	}
}

// SetBroadcaster wires the realtime fan-out. It must be called before the
// service handles traffic.
func (s *Service) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	s.broadcaster = b
}

// SubmitRequest is an inbound send.
type SubmitRequest struct {
	RoomID           string
	SenderID         string
	Text             string
	Attachments      []models.Attachment
	CorrelationToken string
}

// Submit admits a message. A correlation token the sender already used
// returns the existing message with replay set and broadcasts nothing.
// Otherwise the message is persisted and then broadcast to the room exactly
// once.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (msg *models.Message, replay bool, err error) {
	defer func() {
		if err != nil {
			metrics.IngestFailures.WithLabelValues(Code(err)).Inc()
		}
	}()

	if req.SenderID == "" {
		return nil, false, ErrUnauthenticated
	}

	room, err := s.lookupRoom(ctx, req.RoomID)
	if err != nil {
		return nil, false, err
	}
	if !room.CanJoin(req.SenderID) {
		return nil, false, ErrNotAuthorized
	}

	attachments := s.normalizeAttachments(req.Attachments)
	if strings.TrimSpace(req.Text) == "" && len(attachments) == 0 {
		return nil, false, fmt.Errorf("%w: message needs text or an attachment", ErrValidation)
	}

	roomID := room.ID.String()
	unlock := s.lockRoom(roomID)
	defer unlock()

	start := time.Now()
	stored, created, err := s.messages.AdmitMessage(ctx, &models.Message{
		CorrelationToken: req.CorrelationToken,
		RoomID:           roomID,
		SenderID:         req.SenderID,
		Text:             req.Text,
		Attachments:      attachments,
		CreatedAt:        s.now(),
	})
	metrics.StoreLatency.WithLabelValues("admit").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error().Err(err).
			Str("room_id", roomID).
			Str("user_id", req.SenderID).
			Str("correlation_token", req.CorrelationToken).
			Msg("message admission failed")
		return nil, false, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	out := stored.Redacted()
	if !created {
		metrics.MessageReplays.Inc()
		s.logger.Debug().
			Str("message_id", out.ID).
			Str("correlation_token", req.CorrelationToken).
			Msg("replayed correlation token")
		return &out, true, nil
	}

	s.broadcaster.BroadcastRoom(roomID, models.EventMessage, out)
	metrics.MessagesAdmitted.WithLabelValues(roomType(room)).Inc()

	s.logger.Debug().
		Str("room_id", roomID).
		Str("user_id", req.SenderID).
		Str("message_id", out.ID).
		Msg("message admitted")

	return &out, false, nil
}

// Edit replaces the text of the requester's own message and broadcasts
// message-updated.
func (s *Service) Edit(ctx context.Context, messageID, requesterID, text string) (*models.Message, error) {
	existing, unlock, err := s.lockOwnMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing.Deleted {
		return nil, fmt.Errorf("%w: message is deleted", ErrValidation)
	}
	if strings.TrimSpace(text) == "" && len(existing.Attachments) == 0 {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}

	updated, err := s.messages.UpdateMessageText(ctx, existing.ID, text, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	out := updated.Redacted()
	s.broadcaster.BroadcastRoom(out.RoomID, models.EventMessageUpdated, out)
	metrics.MessageEdits.WithLabelValues("edit").Inc()
	return &out, nil
}

// Delete soft-deletes the requester's own message and broadcasts
// message-deleted. Deleting an already deleted message is a no-op.
func (s *Service) Delete(ctx context.Context, messageID, requesterID string) (*models.Message, error) {
	existing, unlock, err := s.lockOwnMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing.Deleted {
		out := existing.Redacted()
		return &out, nil
	}

	deleted, err := s.messages.SoftDeleteMessage(ctx, existing.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	out := deleted.Redacted()
	s.broadcaster.BroadcastRoom(out.RoomID, models.EventMessageDeleted, models.MessageDeletedEvent{
		ID:     out.ID,
		RoomID: out.RoomID,
	})
	metrics.MessageEdits.WithLabelValues("delete").Inc()
	return &out, nil
}

// History returns a page of a room's messages, oldest first, with deleted
// messages redacted.
func (s *Service) History(ctx context.Context, roomID, requesterID string, before time.Time, limit int) ([]models.Message, error) {
	if requesterID == "" {
		return nil, ErrUnauthenticated
	}
	room, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.CanJoin(requesterID) {
		return nil, ErrNotAuthorized
	}

	start := time.Now()
	page, err := s.messages.ListMessages(ctx, room.ID.String(), before, limit)
	metrics.StoreLatency.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	out := make([]models.Message, len(page))
	for i := range page {
		out[i] = page[i].Redacted()
	}
	return out, nil
}

// Acknowledge records a delivered or read receipt from a user who may join
// the message's room. The room is notified only when the receipt is new.
func (s *Service) Acknowledge(ctx context.Context, kind models.ReceiptKind, messageID, userID string) (bool, error) {
	if userID == "" {
		return false, ErrUnauthenticated
	}
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown receipt kind %q", ErrValidation, kind)
	}
	if messageID == "" {
		return false, fmt.Errorf("%w: message id is required", ErrValidation)
	}

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if msg == nil {
		return false, ErrNotFound
	}
	room, err := s.lookupRoom(ctx, msg.RoomID)
	if err != nil {
		return false, err
	}
	if !room.CanJoin(userID) {
		return false, ErrNotAuthorized
	}

	start := time.Now()
	added, err := s.messages.AddReceipt(ctx, messageID, kind, userID)
	metrics.StoreLatency.WithLabelValues("receipt").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !added {
		return false, nil
	}

	eventType := models.EventMessageDelivered
	if kind == models.ReceiptRead {
		eventType = models.EventMessageRead
	}
	s.broadcaster.BroadcastRoom(msg.RoomID, eventType, models.ReceiptEvent{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		UserID:    userID,
	})
	metrics.ReceiptsRecorded.WithLabelValues(string(kind)).Inc()
	return true, nil
}

// ResolveRoom returns the room a user may subscribe to.
func (s *Service) ResolveRoom(ctx context.Context, roomID, userID string) (*models.Room, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	room, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.CanJoin(userID) {
		return nil, ErrNotAuthorized
	}
	return room, nil
}

func (s *Service) lookupRoom(ctx context.Context, roomID string) (*models.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id is required", ErrValidation)
	}
	id, err := uuid.Parse(roomID)
	if err != nil {
		return nil, ErrNotFound
	}
	room, err := s.rooms.GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if room == nil {
		return nil, ErrNotFound
	}
	return room, nil
}

func (s *Service) ownMessage(ctx context.Context, messageID, requesterID string) (*models.Message, error) {
	if requesterID == "" {
		return nil, ErrUnauthenticated
	}
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrValidation)
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if msg.SenderID != requesterID {
		return nil, ErrNotAuthorized
	}
	return msg, nil
}

// lockOwnMessage takes the message's room lock and re-reads the message
// under it, so state checks see every edit or delete that finished first.
func (s *Service) lockOwnMessage(ctx context.Context, messageID, requesterID string) (*models.Message, func(), error) {
	msg, err := s.ownMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.lockRoom(msg.RoomID)
	msg, err = s.ownMessage(ctx, messageID, requesterID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return msg, unlock, nil
}

func (s *Service) normalizeAttachments(in []models.Attachment) []models.Attachment {
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		a.URL = strings.TrimSpace(a.URL)
		if a.URL == "" {
			continue
		}
		if s.forceHTTPS && strings.HasPrefix(a.URL, "http://") {
			a.URL = "https://" + strings.TrimPrefix(a.URL, "http://")
		}
		out = append(out, a)
	}
	return out
}

// lockRoom serializes admission and broadcast for one room. Entries are
// dropped once no caller holds or waits on them.
func (s *Service) lockRoom(roomID string) func() {
	s.mu.Lock()
	l, ok := s.roomLocks[roomID]
	if !ok {
		l = &roomLock{}
		s.roomLocks[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.roomLocks, roomID)
		}
		s.mu.Unlock()
	}
}

func roomType(room *models.Room) string {
	if room.IsPrivate {
		return "private"
	}
	return "public"
}
