package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Session is one live connection. Inbound events are handled one at a time
// by the read loop; everything written to the socket goes through the
// bounded send queue drained by the write loop.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	userID string

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, queueSize int, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("session_id", id).Logger(),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user, or "" before authenticate succeeds.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Close stops the session. The write loop sends a close frame and the read
// loop exits on the resulting error.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Send encodes and queues an event for this session.
func (s *Session) Send(eventType string, data any) bool {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return false
	}
	return s.enqueue(frame)
}

// enqueue queues a pre-encoded frame. A full queue means the peer is not
// keeping up; the session is closed so the client reloads history on
// reconnect instead of silently missing events.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		metrics.SlowConsumerDisconnects.Inc()
		s.logger.Warn().Str("user_id", s.UserID()).Msg("send queue full, closing slow consumer")
		s.Close()
		return false
	}
}

// readLoop decodes envelopes and hands them to handle until the socket
// fails or the session is closed.
func (s *Session) readLoop(handle func(*Session, models.Envelope)) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env models.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("read error")
			}
			if isDecodeError(err) {
				s.Send(models.EventError, models.ErrorEvent{Code: "validation_failed", Message: "malformed envelope"})
				continue
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case <-s.done:
			return
		default:
		}
		handle(s, env)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write error")
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func encodeEvent(eventType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Type: eventType, Data: payload})
}
