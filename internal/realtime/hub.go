// Package realtime serves the WebSocket side of the room protocol: sessions,
// live room subscriptions, online presence and event fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// DefaultQueueSize bounds each session's outbound queue.
const DefaultQueueSize = 256

// Ingest is the part of the chat service the hub drives.
type Ingest interface {
	Submit(ctx context.Context, req chat.SubmitRequest) (*models.Message, bool, error)
	Acknowledge(ctx context.Context, kind models.ReceiptKind, messageID, userID string) (bool, error)
	ResolveRoom(ctx context.Context, roomID, userID string) (*models.Room, error)
}

// Resolver turns a credential into a user id.
type Resolver interface {
	Resolve(token string) (string, error)
}

// Options configures a Hub.
type Options struct {
	QueueSize      int
	EventTimeout   time.Duration
	AllowedOrigins []string
}

// Hub owns every live session together with the registry and presence
// index. It implements chat.Broadcaster.
type Hub struct {
	ingest   Ingest
	resolver Resolver
	registry *Registry
	presence *Presence
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	queueSize    int
	eventTimeout time.Duration

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHub creates a hub.
func NewHub(ingest Ingest, resolver Resolver, logger zerolog.Logger, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 10 * time.Second
	}

	h := &Hub{
		ingest:       ingest,
		resolver:     resolver,
		registry:     NewRegistry(),
		presence:     NewPresence(),
		logger:       logger.With().Str("component", "realtime").Logger(),
		queueSize:    opts.QueueSize,
		eventTimeout: opts.EventTimeout,
		sessions:     make(map[*Session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// Registry returns the live subscription registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Presence returns the online user index.
func (h *Hub) Presence() *Presence {
	return h.presence
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(conn, h.queueSize, h.logger)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	metrics.LiveConnections.Inc()

	go s.writeLoop()
	s.readLoop(h.dispatch)

	s.Close()
	h.disconnect(s)
}

// Close ends every open session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// disconnect clears the session's subscriptions and presence entry together.
func (h *Hub) disconnect(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.registry.Drop(s)
	if userID := s.UserID(); userID != "" {
		h.presence.Remove(userID, s)
	}
	metrics.LiveConnections.Dec()
}

// BroadcastRoom sends an event to every session subscribed to roomID. The
// frame is encoded once.
func (h *Hub) BroadcastRoom(roomID, eventType string, data any) {
	h.broadcast(roomID, eventType, data, nil)
}

func (h *Hub) broadcast(roomID, eventType string, data any, except *Session) {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("failed to encode broadcast")
		return
	}
	for _, s := range h.registry.Subscribers(roomID) {
		if s == except {
			continue
		}
		s.enqueue(frame)
	}
}

func (h *Hub) dispatch(s *Session, env models.Envelope) {
	metrics.InboundEvents.WithLabelValues(eventLabel(env.Type)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), h.eventTimeout)
	defer cancel()

	switch env.Type {
	case models.EventAuthenticate:
		var req models.AuthenticateRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.authenticate(s, req)

	case models.EventJoinRoom:
		var req models.RoomRequest
		if !h.decode(s, env, &req) {
			return
		}
		room, err := h.ingest.ResolveRoom(ctx, req.RoomID, s.UserID())
		if err != nil {
			h.sendError(s, env.Type, err, "")
			return
		}
		h.registry.Join(s, room.ID.String())
		s.logger.Debug().Str("room_id", room.ID.String()).Msg("joined room")

	case models.EventLeaveRoom:
		var req models.RoomRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.registry.Leave(s, canonicalRoomID(req.RoomID))

	case models.EventSendMessage:
		var req models.SendMessageRequest
		if !h.decode(s, env, &req) {
			return
		}
		msg, replay, err := h.ingest.Submit(ctx, chat.SubmitRequest{
			RoomID:           req.RoomID,
			SenderID:         s.UserID(),
			Text:             req.Text,
			Attachments:      req.Attachments,
			CorrelationToken: req.CorrelationToken,
		})
		if err != nil {
			h.sendError(s, env.Type, err, req.CorrelationToken)
			return
		}
		s.Send(models.EventMessageAck, models.MessageAckEvent{
			CorrelationToken: req.CorrelationToken,
			Message:          *msg,
			Replay:           replay,
		})

	case models.EventTyping:
		var req models.TypingRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.relayTyping(s, req)

	case models.EventMessageDelivered, models.EventMessageRead:
		var req models.ReceiptRequest
		if !h.decode(s, env, &req) {
			return
		}
		kind := models.ReceiptDelivered
		if env.Type == models.EventMessageRead {
			kind = models.ReceiptRead
		}
		if _, err := h.ingest.Acknowledge(ctx, kind, req.MessageID, s.UserID()); err != nil {
			h.sendError(s, env.Type, err, "")
		}

	default:
		h.sendError(s, env.Type, chat.ErrValidation, "")
	}
}

func (h *Hub) authenticate(s *Session, req models.AuthenticateRequest) {
	userID, err := h.resolver.Resolve(req.Token)
	if err != nil {
		s.logger.Debug().Err(err).Msg("authentication failed")
		s.Send(models.EventAuthenticated, models.AuthenticatedEvent{OK: false})
		return
	}

	h.mu.Lock()
	if previous := s.UserID(); previous != userID {
		if previous != "" {
			// subscriptions were authorized for the previous identity
			h.presence.Remove(previous, s)
			h.registry.Drop(s)
		}
		s.setUserID(userID)
		h.presence.Add(userID, s)
	}
	h.mu.Unlock()

	s.logger.Debug().Str("user_id", userID).Msg("authenticated")
	s.Send(models.EventAuthenticated, models.AuthenticatedEvent{OK: true, UserID: userID})
}

// relayTyping forwards a typing signal to the room's other subscribers. No
// typing state is kept on the server.
func (h *Hub) relayTyping(s *Session, req models.TypingRequest) {
	userID := s.UserID()
	if userID == "" {
		h.sendError(s, models.EventTyping, chat.ErrUnauthenticated, "")
		return
	}
	roomID := canonicalRoomID(req.RoomID)
	if roomID == "" {
		h.sendError(s, models.EventTyping, chat.ErrValidation, "")
		return
	}
	if !h.registry.Joined(s, roomID) {
		h.sendError(s, models.EventTyping, chat.ErrNotAuthorized, "")
		return
	}

	h.broadcast(roomID, models.EventTyping, models.TypingEvent{
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: req.IsTyping,
	}, s)
	metrics.TypingRelays.Inc()
}

func (h *Hub) decode(s *Session, env models.Envelope, v any) bool {
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.sendError(s, env.Type, chat.ErrValidation, "")
		return false
	}
	return true
}

func (h *Hub) sendError(s *Session, eventType string, err error, token string) {
	s.logger.Debug().Err(err).Str("type", eventType).Msg("event rejected")
	s.Send(models.EventError, models.ErrorEvent{
		Type:             eventType,
		Code:             chat.Code(err),
		Message:          err.Error(),
		CorrelationToken: token,
	})
}

// canonicalRoomID lowercases UUID room ids so subscriptions and broadcasts
// agree on the key.
func canonicalRoomID(roomID string) string {
	roomID = strings.TrimSpace(roomID)
	if id, err := uuid.Parse(roomID); err == nil {
		return id.String()
	}
	return roomID
}

// eventLabel bounds the metric label set to known event names.
func eventLabel(eventType string) string {
	switch eventType {
	case models.EventAuthenticate, models.EventJoinRoom, models.EventLeaveRoom,
		models.EventSendMessage, models.EventTyping,
		models.EventMessageDelivered, models.EventMessageRead:
		return eventType
	}
	return "unknown"
}

// originChecker allows same-origin requests, requests without an Origin
// header and the configured frontends. "*" allows everything.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.TrimRight(origin, "/")]; ok {
			return true
		}
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
}
