package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/identity"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

type testEnv struct {
	server   *httptest.Server
	hub      *Hub
	store    *store.MemoryStore
	resolver *identity.Resolver
	room     *models.Room
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	room, err := mem.CreateRoom(context.Background(), "General", false, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	resolver := identity.NewResolver("test-secret")
	svc := chat.NewService(mem, mem, chat.Options{Logger: zerolog.Nop()})
	hub := NewHub(svc, resolver, zerolog.Nop(), Options{})
	svc.SetBroadcaster(hub)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{server: srv, hub: hub, store: mem, resolver: resolver, room: room}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// login dials, authenticates as userID and joins the test room.
func (e *testEnv) login(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)
	token, err := e.resolver.Issue(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	send(t, conn, models.EventAuthenticate, models.AuthenticateRequest{Token: token})
	var auth models.AuthenticatedEvent
	expect(t, conn, models.EventAuthenticated, &auth)
	if !auth.OK || auth.UserID != userID {
		t.Fatalf("unexpected authenticated payload %+v", auth)
	}
	send(t, conn, models.EventJoinRoom, models.RoomRequest{RoomID: e.room.ID.String()})
	barrier(t, conn)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(models.Envelope{Type: eventType, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func next(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func expect(t *testing.T, conn *websocket.Conn, eventType string, v any) {
	t.Helper()
	env := next(t, conn)
	if env.Type != eventType {
		t.Fatalf("expected %s, got %s: %s", eventType, env.Type, env.Data)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatal(err)
		}
	}
}

// barrier waits until the server has handled every event sent before it.
// Events on one connection are handled in order, and an unknown event type
// always answers with an error.
func barrier(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, "barrier", struct{}{})
	var ev models.ErrorEvent
	expect(t, conn, models.EventError, &ev)
	if ev.Type != "barrier" {
		t.Fatalf("expected barrier error, got %+v", ev)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, models.EventAuthenticate, models.AuthenticateRequest{Token: "garbage"})
	var auth models.AuthenticatedEvent
	expect(t, conn, models.EventAuthenticated, &auth)
	if auth.OK {
		t.Fatal("expected authentication to fail")
	}
}

func TestSendRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, models.EventSendMessage, models.SendMessageRequest{
		RoomID: env.room.ID.String(), Text: "hi", CorrelationToken: "tmp-1",
	})
	var ev models.ErrorEvent
	expect(t, conn, models.EventError, &ev)
	if ev.Code != "unauthenticated" || ev.CorrelationToken != "tmp-1" {
		t.Fatalf("unexpected error %+v", ev)
	}

	page, _ := env.store.ListMessages(context.Background(), env.room.ID.String(), time.Time{}, 0)
	if len(page) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(page))
	}
}

func TestJoinRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, models.EventJoinRoom, models.RoomRequest{RoomID: env.room.ID.String()})
	var ev models.ErrorEvent
	expect(t, conn, models.EventError, &ev)
	if ev.Code != "unauthenticated" {
		t.Fatalf("unexpected error %+v", ev)
	}
}

func TestJoinValidation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.login(t, "alice")

	send(t, conn, models.EventJoinRoom, models.RoomRequest{RoomID: ""})
	var ev models.ErrorEvent
	expect(t, conn, models.EventError, &ev)
	if ev.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %+v", ev)
	}

	private, _ := env.store.CreateRoom(context.Background(), "Secret", true, []string{"bob"}, "bob")
	send(t, conn, models.EventJoinRoom, models.RoomRequest{RoomID: private.ID.String()})
	expect(t, conn, models.EventError, &ev)
	if ev.Code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %+v", ev)
	}
}

func TestMessageFanOutAndAck(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	send(t, alice, models.EventSendMessage, models.SendMessageRequest{
		RoomID: env.room.ID.String(), Text: "hi", CorrelationToken: "tmp-1",
	})

	var own models.Message
	expect(t, alice, models.EventMessage, &own)
	if own.CorrelationToken != "tmp-1" || own.Text != "hi" {
		t.Fatalf("unexpected broadcast %+v", own)
	}
	var ack models.MessageAckEvent
	expect(t, alice, models.EventMessageAck, &ack)
	if ack.Replay || ack.Message.ID != own.ID || ack.CorrelationToken != "tmp-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	var peer models.Message
	expect(t, bob, models.EventMessage, &peer)
	if peer.ID != own.ID {
		t.Fatalf("expected bob to see %s, got %s", own.ID, peer.ID)
	}
}

func TestDuplicateTokenBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	req := models.SendMessageRequest{RoomID: env.room.ID.String(), Text: "hi", CorrelationToken: "tmp-dup"}
	send(t, alice, models.EventSendMessage, req)
	send(t, alice, models.EventSendMessage, req)

	var first models.Message
	expect(t, alice, models.EventMessage, &first)
	var ack1, ack2 models.MessageAckEvent
	expect(t, alice, models.EventMessageAck, &ack1)
	expect(t, alice, models.EventMessageAck, &ack2)
	if ack1.Replay || !ack2.Replay {
		t.Fatalf("expected first ack fresh and second replayed, got %v %v", ack1.Replay, ack2.Replay)
	}
	if ack2.Message.ID != first.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, ack2.Message.ID)
	}

	var peer models.Message
	expect(t, bob, models.EventMessage, &peer)

	// a typing signal from alice is the next thing bob sees if no second
	// message was broadcast
	send(t, alice, models.EventTyping, models.TypingRequest{RoomID: env.room.ID.String(), IsTyping: true})
	var typing models.TypingEvent
	expect(t, bob, models.EventTyping, &typing)

	page, _ := env.store.ListMessages(context.Background(), env.room.ID.String(), time.Time{}, 0)
	if len(page) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(page))
	}
}

func TestTypingExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	send(t, alice, models.EventTyping, models.TypingRequest{RoomID: env.room.ID.String(), IsTyping: true})
	var ev models.TypingEvent
	expect(t, bob, models.EventTyping, &ev)
	if ev.UserID != "alice" || !ev.IsTyping {
		t.Fatalf("unexpected typing payload %+v", ev)
	}

	// alice must not hear her own typing; the barrier error is her next event
	barrier(t, alice)
}

func TestTypingOutsideJoinedRoom(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")

	send(t, alice, models.EventTyping, models.TypingRequest{RoomID: "4b1c6a8e-0000-4000-8000-000000000000", IsTyping: true})
	var ev models.ErrorEvent
	expect(t, alice, models.EventError, &ev)
	if ev.Code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %+v", ev)
	}
}

func TestReceiptsBroadcastOnlyWhenNew(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	send(t, alice, models.EventSendMessage, models.SendMessageRequest{
		RoomID: env.room.ID.String(), Text: "hi", CorrelationToken: "tmp-1",
	})
	var msg models.Message
	expect(t, alice, models.EventMessage, &msg)
	expect(t, alice, models.EventMessageAck, nil)
	expect(t, bob, models.EventMessage, nil)

	receipt := models.ReceiptRequest{MessageID: msg.ID, RoomID: env.room.ID.String()}
	send(t, bob, models.EventMessageDelivered, receipt)
	send(t, bob, models.EventMessageDelivered, receipt)
	send(t, bob, models.EventMessageRead, receipt)

	var delivered models.ReceiptEvent
	expect(t, alice, models.EventMessageDelivered, &delivered)
	if delivered.MessageID != msg.ID || delivered.UserID != "bob" {
		t.Fatalf("unexpected delivered payload %+v", delivered)
	}
	var read models.ReceiptEvent
	expect(t, alice, models.EventMessageRead, &read)
	if read.UserID != "bob" {
		t.Fatalf("unexpected read payload %+v", read)
	}
}

func TestDisconnectClearsState(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")

	if !env.hub.Presence().Online("alice") {
		t.Fatal("expected alice online")
	}
	alice.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !env.hub.Presence().Online("alice") && env.hub.Registry().RoomCount() == 0 && env.hub.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected presence and subscriptions to be cleared after disconnect")
}

func TestMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var ev models.ErrorEvent
	expect(t, conn, models.EventError, &ev)
	if ev.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %+v", ev)
	}

	// the connection survives
	barrier(t, conn)
}
