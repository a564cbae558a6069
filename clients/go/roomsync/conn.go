package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var (
	// ErrAuthFailed is returned by Dial when the server rejects the token.
	ErrAuthFailed = errors.New("roomsync: authentication failed")
	// ErrNotPending is returned by Resend for an id that is not an
	// optimistic entry.
	ErrNotPending = errors.New("roomsync: no pending entry")
)

// Event describes something the connection applied, for callers that
// render or log the stream.
type Event struct {
	Type      string
	RoomID    string
	Message   *Message
	MessageID string
	UserID    string
	IsTyping  bool
	Replay    bool
	Err       *ServerError
}

type roomState struct {
	timeline *Timeline
	typing   *TypingTracker
}

// Conn is an authenticated WebSocket session. It keeps one Timeline and
// one TypingTracker per room and applies server events to them while Run
// is active.
type Conn struct {
	ws     *websocket.Conn
	userID string

	writeMu sync.Mutex

	mu     sync.Mutex
	rooms  map[string]*roomState
	tlOpts []TimelineOption
	onEvt  func(Event)

	closeOnce sync.Once
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithTimelineOptions applies opts to every room timeline.
func WithTimelineOptions(opts ...TimelineOption) ConnOption {
	return func(c *Conn) { c.tlOpts = append(c.tlOpts, opts...) }
}

// WithEventHandler is called from Run after each event has been applied.
func WithEventHandler(fn func(Event)) ConnOption {
	return func(c *Conn) { c.onEvt = fn }
}

// Dial connects to wsURL and authenticates with token.
func Dial(ctx context.Context, wsURL, token string, opts ...ConnOption) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Conn{ws: ws, rooms: make(map[string]*roomState)}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.emit(EventAuthenticate, map[string]string{"token": token}); err != nil {
		ws.Close()
		return nil, err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	for {
		var env envelope
		if err := ws.ReadJSON(&env); err != nil {
			ws.Close()
			return nil, fmt.Errorf("waiting for authenticated: %w", err)
		}
		if env.Type != EventAuthenticated {
			continue
		}
		var resp authenticatedEvent
		if err := json.Unmarshal(env.Data, &resp); err != nil || !resp.OK {
			ws.Close()
			return nil, ErrAuthFailed
		}
		c.userID = resp.UserID
		break
	}
	ws.SetReadDeadline(time.Time{})
	return c, nil
}

// UserID returns the identity the server resolved for this connection.
func (c *Conn) UserID() string {
	return c.userID
}

// Close closes the socket. Run returns afterwards.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Timeline returns the local view of a room.
func (c *Conn) Timeline(roomID string) *Timeline {
	return c.room(roomID).timeline
}

// Typing returns the typing tracker of a room.
func (c *Conn) Typing(roomID string) *TypingTracker {
	return c.room(roomID).typing
}

// Join subscribes to a room's live events. Rejections arrive as error
// events.
func (c *Conn) Join(roomID string) error {
	c.room(roomID)
	return c.emit(EventJoinRoom, map[string]string{"roomId": roomID})
}

// Leave ends the live subscription. The local view is kept.
func (c *Conn) Leave(roomID string) error {
	return c.emit(EventLeaveRoom, map[string]string{"roomId": roomID})
}

// Send appends an optimistic entry and submits it. The returned temporary
// id is also the correlation token.
func (c *Conn) Send(roomID, text string, attachments []Attachment) (string, error) {
	tl := c.Timeline(roomID)
	tempID := tl.OptimisticAppend(roomID, c.userID, text, attachments)
	if err := c.Submit(roomID, tempID, text, attachments); err != nil {
		tl.Fail(tempID, err.Error())
		return tempID, err
	}
	return tempID, nil
}

// Resend submits a pending entry again with its original token. The server
// replays the admitted message if the first attempt got through.
func (c *Conn) Resend(roomID, tempID string) error {
	tl := c.Timeline(roomID)
	for _, e := range tl.Pending() {
		if e.ID != tempID {
			continue
		}
		if err := c.Submit(roomID, tempID, e.Text, e.Attachments); err != nil {
			tl.Fail(tempID, err.Error())
			return err
		}
		return nil
	}
	return ErrNotPending
}

// Submit sends a send-message event without touching the timeline.
func (c *Conn) Submit(roomID, token, text string, attachments []Attachment) error {
	if attachments == nil {
		attachments = []Attachment{}
	}
	return c.emit(EventSendMessage, map[string]any{
		"roomId":           roomID,
		"text":             text,
		"attachments":      attachments,
		"correlationToken": token,
	})
}

// SetTyping sends a typing signal.
func (c *Conn) SetTyping(roomID string, isTyping bool) error {
	return c.emit(EventTyping, map[string]any{"roomId": roomID, "isTyping": isTyping})
}

// TypingNotifier returns a notifier that signals typing in roomID.
func (c *Conn) TypingNotifier(roomID string) *TypingNotifier {
	return NewTypingNotifier(func(isTyping bool) {
		c.SetTyping(roomID, isTyping)
	}, DefaultTypingIdle)
}

// MarkRead acknowledges a message as read. The caller's own messages are
// never acknowledged.
func (c *Conn) MarkRead(roomID, messageID string) error {
	e, ok := c.Timeline(roomID).Get(messageID)
	if !ok || e.Local || e.SenderID == c.userID {
		return nil
	}
	return c.emit(EventMessageRead, receiptEvent{MessageID: messageID, RoomID: e.RoomID})
}

// LoadHistory fetches the latest page of a room into its timeline and
// acknowledges every message from other senders as delivered and read.
func (c *Conn) LoadHistory(client *Client, roomID string, limit int) error {
	msgs, err := client.History(roomID, time.Time{}, limit)
	if err != nil {
		return err
	}
	c.Timeline(roomID).LoadHistory(msgs)

	for _, m := range msgs {
		if m.SenderID == c.userID || m.Deleted {
			continue
		}
		ack := receiptEvent{MessageID: m.ID, RoomID: m.RoomID}
		if err := c.emit(EventMessageDelivered, ack); err != nil {
			return err
		}
		if err := c.emit(EventMessageRead, ack); err != nil {
			return err
		}
	}
	return nil
}

// Run reads events until the socket closes or ctx is cancelled. A normal
// close returns nil.
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return err
		}
		c.handle(env)
	}
}

func (c *Conn) handle(env envelope) {
	var evt Event
	evt.Type = env.Type

	switch env.Type {
	case EventMessage:
		var msg Message
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		c.Timeline(msg.RoomID).ApplyIncoming(msg)
		if msg.SenderID != c.userID {
			c.emit(EventMessageDelivered, receiptEvent{MessageID: msg.ID, RoomID: msg.RoomID})
		}
		evt.RoomID, evt.Message = msg.RoomID, &msg

	case EventMessageAck:
		var ack ackEvent
		if json.Unmarshal(env.Data, &ack) != nil {
			return
		}
		if ack.Message.CorrelationToken == "" {
			ack.Message.CorrelationToken = ack.CorrelationToken
		}
		c.Timeline(ack.Message.RoomID).ApplyIncoming(ack.Message)
		evt.RoomID, evt.Message, evt.Replay = ack.Message.RoomID, &ack.Message, ack.Replay

	case EventMessageUpdated:
		var msg Message
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		tl := c.Timeline(msg.RoomID)
		if msg.Deleted {
			tl.ApplyDelete(msg.ID)
		} else {
			var editedAt time.Time
			if msg.EditedAt != nil {
				editedAt = *msg.EditedAt
			}
			tl.ApplyUpdate(msg.ID, msg.Text, editedAt)
		}
		evt.RoomID, evt.Message, evt.MessageID = msg.RoomID, &msg, msg.ID

	case EventMessageDeleted:
		var del deletedEvent
		if json.Unmarshal(env.Data, &del) != nil {
			return
		}
		c.Timeline(del.RoomID).ApplyDelete(del.ID)
		evt.RoomID, evt.MessageID = del.RoomID, del.ID

	case EventMessageDelivered, EventMessageRead:
		var r receiptEvent
		if json.Unmarshal(env.Data, &r) != nil {
			return
		}
		tl := c.Timeline(r.RoomID)
		if env.Type == EventMessageRead {
			tl.ApplyReadAck(r.MessageID, r.UserID)
		} else {
			tl.ApplyDeliveryAck(r.MessageID, r.UserID)
		}
		evt.RoomID, evt.MessageID, evt.UserID = r.RoomID, r.MessageID, r.UserID

	case EventTyping:
		var te typingEvent
		if json.Unmarshal(env.Data, &te) != nil {
			return
		}
		if te.UserID != c.userID {
			c.Typing(te.RoomID).Set(te.UserID, te.IsTyping)
		}
		evt.RoomID, evt.UserID, evt.IsTyping = te.RoomID, te.UserID, te.IsTyping

	case EventError:
		var se ServerError
		if json.Unmarshal(env.Data, &se) != nil {
			return
		}
		if se.CorrelationToken != "" {
			c.failPending(se.CorrelationToken, se.Error())
		}
		evt.Err = &se

	default:
		return
	}

	if c.onEvt != nil {
		c.onEvt(evt)
	}
}

// failPending marks the optimistic entry with the given token in whichever
// room holds it.
func (c *Conn) failPending(token, reason string) {
	c.mu.Lock()
	rooms := make([]*roomState, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if r.timeline.Fail(token, reason) {
			return
		}
	}
}

func (c *Conn) room(roomID string) *roomState {
	key := strings.ToLower(strings.TrimSpace(roomID))

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[key]
	if !ok {
		r = &roomState{
			timeline: NewTimeline(c.tlOpts...),
			typing:   NewTypingTracker(DefaultTypingTTL, nil),
		}
		c.rooms[key] = r
	}
	return r
}

func (c *Conn) emit(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(envelope{Type: eventType, Data: payload})
}
