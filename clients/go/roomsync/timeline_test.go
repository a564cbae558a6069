package roomsync

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func serverMsg(id, token, sender, text string, at time.Time) Message {
	return Message{
		ID:               id,
		CorrelationToken: token,
		RoomID:           "room-1",
		SenderID:         sender,
		Text:             text,
		CreatedAt:        at,
	}
}

func ids(tl *Timeline) []string {
	var out []string
	for _, e := range tl.Entries() {
		out = append(out, e.ID)
	}
	return out
}

func TestNewTempID(t *testing.T) {
	id := NewTempID(t0)
	if !strings.HasPrefix(id, "tmp-1740830400000-") {
		t.Fatalf("unexpected temp id %q", id)
	}
	if !IsTempID(id) {
		t.Fatal("IsTempID should recognise its own ids")
	}
	if NewTempID(t0) == id {
		t.Fatal("temp ids must be unique")
	}
}

func TestOptimisticEntryReplacedInPlace(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	tl.ApplyIncoming(serverMsg("m0", "", "bob", "before", t0.Add(-time.Minute)))
	tmp := tl.OptimisticAppend("room-1", "alice", "hi", nil)
	tl.ApplyIncoming(serverMsg("m9", "", "bob", "after", t0.Add(time.Second)))

	if e, _ := tl.Get(tmp); e.Status() != StatusPending || !e.Local {
		t.Fatalf("optimistic entry should be local and pending, got %+v", e)
	}

	if !tl.ApplyIncoming(serverMsg("m1", tmp, "alice", "hi", t0)) {
		t.Fatal("confirmation should change the view")
	}

	got := ids(tl)
	want := []string{"m0", "m1", "m9"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if e, _ := tl.Get("m1"); e.Local {
		t.Fatal("confirmed entry should not be local")
	}
	if len(tl.Pending()) != 0 {
		t.Fatal("nothing should be pending")
	}
}

func TestDuplicateServerIDIgnored(t *testing.T) {
	tl := NewTimeline()
	msg := serverMsg("m1", "", "bob", "hello", t0)

	if !tl.ApplyIncoming(msg) {
		t.Fatal("first delivery should append")
	}
	for i := 0; i < 3; i++ {
		if tl.ApplyIncoming(msg) {
			t.Fatal("redelivery should be a no-op")
		}
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tl.Len())
	}
}

func TestAckAndBroadcastBothArrive(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	tmp := tl.OptimisticAppend("room-1", "alice", "hi", nil)

	// the ack replaces the entry; the broadcast then finds no temp entry
	// and is dropped by its server id
	tl.ApplyIncoming(serverMsg("m1", tmp, "alice", "hi", t0))
	tl.ApplyIncoming(serverMsg("m1", tmp, "alice", "hi", t0))

	if got := ids(tl); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("expected [m1], got %v", got)
	}
}

func TestTokenMatchDropsHistoryDuplicate(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	tmp := tl.OptimisticAppend("room-1", "alice", "hi", nil)

	// history loaded without the token still lists m1 ahead of the temp entry
	tl.PrependHistory([]Message{serverMsg("m1", "", "alice", "hi", t0)})
	tl.ApplyIncoming(serverMsg("m1", tmp, "alice", "hi", t0))

	if got := ids(tl); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("expected a single m1, got %v", got)
	}
}

func TestDistinctTokensNeverMerge(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)), WithHeuristicMerge(true))
	tmp1 := tl.OptimisticAppend("room-1", "alice", "same", nil)
	tmp2 := tl.OptimisticAppend("room-1", "alice", "same", nil)

	tl.ApplyIncoming(serverMsg("m1", tmp1, "alice", "same", t0))
	tl.ApplyIncoming(serverMsg("m2", tmp2, "alice", "same", t0.Add(500*time.Millisecond)))

	got := ids(tl)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("expected [m1 m2], got %v", got)
	}
	if tl.HeuristicMatches() != 0 {
		t.Fatalf("heuristic should not run when tokens match, got %d", tl.HeuristicMatches())
	}
}

func TestHeuristicIsDiagnosticByDefault(t *testing.T) {
	var matched []string
	tl := NewTimeline(
		WithClock(fixedClock(t0)),
		OnHeuristicMatch(func(local, incoming Message) {
			matched = append(matched, local.ID+"->"+incoming.ID)
		}),
	)
	tmp := tl.OptimisticAppend("room-1", "alice", "hi", nil)

	// token lost in transit
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0.Add(time.Second)))

	if len(matched) != 1 || matched[0] != tmp+"->m1" {
		t.Fatalf("expected one diagnostic match, got %v", matched)
	}
	got := ids(tl)
	if len(got) != 2 || got[0] != tmp || got[1] != "m1" {
		t.Fatalf("expected the temp entry to stay and m1 to append, got %v", got)
	}
}

func TestHeuristicMergeWhenEnabled(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)), WithHeuristicMerge(true))
	tl.OptimisticAppend("room-1", "alice", "hi", nil)

	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0.Add(1500*time.Millisecond)))

	if got := ids(tl); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("expected merge into m1, got %v", got)
	}
	if tl.HeuristicMatches() != 1 {
		t.Fatalf("expected 1 heuristic match, got %d", tl.HeuristicMatches())
	}
}

func TestHeuristicRequiresSenderTextAndWindow(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"other sender", serverMsg("m1", "", "bob", "hi", t0)},
		{"other text", serverMsg("m1", "", "alice", "hello", t0)},
		{"outside window", serverMsg("m1", "", "alice", "hi", t0.Add(3*time.Second))},
		{"foreign token", serverMsg("m1", "tmp-other-device", "alice", "hi", t0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline(WithClock(fixedClock(t0)), WithHeuristicMerge(true))
			tl.OptimisticAppend("room-1", "alice", "hi", nil)
			tl.ApplyIncoming(tt.msg)
			if tl.Len() != 2 {
				t.Fatalf("expected append, got %v", ids(tl))
			}
		})
	}
}

func TestHeuristicIgnoresConfirmedEntries(t *testing.T) {
	tl := NewTimeline(WithHeuristicMerge(true))
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "ok", t0))
	tl.ApplyIncoming(serverMsg("m2", "", "alice", "ok", t0.Add(time.Second)))

	if got := ids(tl); len(got) != 2 {
		t.Fatalf("repeated identical messages must both stay, got %v", got)
	}
}

func TestNoDuplicateServerIDs(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)), WithHeuristicMerge(true))
	tmp1 := tl.OptimisticAppend("room-1", "alice", "a", nil)
	tmp2 := tl.OptimisticAppend("room-1", "alice", "b", nil)

	stream := []Message{
		serverMsg("m1", tmp1, "alice", "a", t0),
		serverMsg("m1", tmp1, "alice", "a", t0),
		serverMsg("m3", "", "bob", "c", t0),
		serverMsg("m2", "", "alice", "b", t0),
		serverMsg("m2", tmp2, "alice", "b", t0),
		serverMsg("m3", "", "bob", "c", t0),
	}
	for _, m := range stream {
		tl.ApplyIncoming(m)
	}

	seen := map[string]bool{}
	for _, id := range ids(tl) {
		if seen[id] {
			t.Fatalf("duplicate id %s in %v", id, ids(tl))
		}
		seen[id] = true
	}
}

func TestApplyUpdate(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	tl.ApplyIncoming(serverMsg("m1", "", "bob", "draft", t0))
	tmp := tl.OptimisticAppend("room-1", "alice", "temp", nil)

	edited := t0.Add(time.Minute)
	if !tl.ApplyUpdate("m1", "final", edited) {
		t.Fatal("update should apply")
	}
	e, _ := tl.Get("m1")
	if e.Text != "final" || e.EditedAt == nil || !e.EditedAt.Equal(edited) {
		t.Fatalf("unexpected entry after update: %+v", e)
	}

	if tl.ApplyUpdate(tmp, "nope", edited) {
		t.Fatal("updates only apply to confirmed entries")
	}
	if tl.ApplyUpdate("missing", "nope", edited) {
		t.Fatal("unknown id should be ignored")
	}
}

func TestDeletedEntryNeverExposesContent(t *testing.T) {
	tl := NewTimeline()
	msg := serverMsg("m1", "", "bob", "secret", t0)
	msg.Attachments = []Attachment{{URL: "https://cdn.example.com/a.png"}}
	tl.ApplyIncoming(msg)

	tl.ApplyUpdate("m1", "edit one", t0)
	tl.ApplyUpdate("m1", "edit two", t0)
	if !tl.ApplyDelete("m1") {
		t.Fatal("delete should apply")
	}
	tl.ApplyUpdate("m1", "edit after delete", t0)
	tl.ApplyIncoming(msg)

	e, _ := tl.Get("m1")
	if !e.Deleted || e.Text != "" || len(e.Attachments) != 0 {
		t.Fatalf("deleted entry leaks content: %+v", e)
	}
	if tl.ApplyDelete("m1") {
		t.Fatal("second delete should be a no-op")
	}
}

func TestIncomingDeletedMessageIsRedacted(t *testing.T) {
	tl := NewTimeline()
	msg := serverMsg("m1", "", "bob", "secret", t0)
	msg.Deleted = true
	tl.ApplyIncoming(msg)

	if e, _ := tl.Get("m1"); e.Text != "" {
		t.Fatalf("expected redacted text, got %q", e.Text)
	}
}

func TestReceiptsAreIdempotent(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0))

	if !tl.ApplyDeliveryAck("m1", "bob") {
		t.Fatal("first delivery ack should apply")
	}
	if tl.ApplyDeliveryAck("m1", "bob") {
		t.Fatal("repeated delivery ack should be a no-op")
	}
	tl.ApplyReadAck("m1", "bob")
	tl.ApplyReadAck("m1", "bob")

	e, _ := tl.Get("m1")
	if len(e.DeliveredTo) != 1 || len(e.ReadBy) != 1 {
		t.Fatalf("expected one user per set, got delivered=%v read=%v", e.DeliveredTo, e.ReadBy)
	}
	if tl.ApplyReadAck("missing", "bob") {
		t.Fatal("ack for unknown message should be ignored")
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0))

	status := func() Status {
		e, _ := tl.Get("m1")
		return e.Status()
	}

	if status() != StatusPending {
		t.Fatalf("expected pending, got %s", status())
	}
	tl.ApplyDeliveryAck("m1", "bob")
	if status() != StatusDelivered {
		t.Fatalf("expected delivered, got %s", status())
	}
	tl.ApplyReadAck("m1", "bob")
	if status() != StatusRead {
		t.Fatalf("expected read, got %s", status())
	}
	tl.ApplyDeliveryAck("m1", "carol")
	if status() != StatusRead {
		t.Fatalf("a later delivery ack must not regress read, got %s", status())
	}
}

func TestReadWithoutDeliveredRendersRead(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0))
	tl.ApplyReadAck("m1", "bob")

	e, _ := tl.Get("m1")
	if e.Status() != StatusRead || len(e.DeliveredTo) != 0 {
		t.Fatalf("read must not imply delivered: %+v", e)
	}
}

func TestFailAndAbandon(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	tmp := tl.OptimisticAppend("room-1", "alice", "hi", nil)

	if !tl.Fail(tmp, "transient") {
		t.Fatal("fail should mark the entry")
	}
	if e, _ := tl.Get(tmp); e.Status() != StatusFailed {
		t.Fatalf("expected failed, got %s", e.Status())
	}
	if len(tl.Pending()) != 1 {
		t.Fatal("failed entries still count as pending")
	}

	// a late confirmation still reconciles a failed entry
	tl.ApplyIncoming(serverMsg("m1", tmp, "alice", "hi", t0))
	if e, _ := tl.Get("m1"); e.Status() != StatusPending || e.Err != "" {
		t.Fatalf("confirmed entry should be clean, got %+v", e)
	}

	tmp2 := tl.OptimisticAppend("room-1", "alice", "bye", nil)
	if !tl.Abandon(tmp2) {
		t.Fatal("abandon should remove the entry")
	}
	if tl.Abandon("m1") {
		t.Fatal("confirmed entries cannot be abandoned")
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tl.Len())
	}
}

func TestLoadHistoryKeepsUnconfirmedSends(t *testing.T) {
	tl := NewTimeline(WithClock(fixedClock(t0)))
	admitted := tl.OptimisticAppend("room-1", "alice", "made it", nil)
	lost := tl.OptimisticAppend("room-1", "alice", "still pending", nil)
	tl.ApplyIncoming(serverMsg("stale", "", "bob", "old view", t0))

	tl.LoadHistory([]Message{
		serverMsg("m1", "", "bob", "one", t0.Add(-2*time.Minute)),
		serverMsg("m2", admitted, "alice", "made it", t0),
		serverMsg("m2", admitted, "alice", "made it", t0),
	})

	got := ids(tl)
	want := []string{"m1", "m2", lost}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPrependHistory(t *testing.T) {
	tl := NewTimeline()
	tl.LoadHistory([]Message{serverMsg("m3", "", "bob", "c", t0)})

	n := tl.PrependHistory([]Message{
		serverMsg("m1", "", "bob", "a", t0.Add(-2*time.Minute)),
		serverMsg("m2", "", "bob", "b", t0.Add(-time.Minute)),
		serverMsg("m3", "", "bob", "c", t0),
	})
	if n != 2 {
		t.Fatalf("expected 2 prepended, got %d", n)
	}
	if got := ids(tl); len(got) != 3 || got[0] != "m1" || got[2] != "m3" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestEntriesAreCopies(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyIncoming(serverMsg("m1", "", "alice", "hi", t0))
	tl.ApplyDeliveryAck("m1", "bob")

	entries := tl.Entries()
	entries[0].DeliveredTo[0] = "mallory"
	entries[0].Text = "changed"

	e, _ := tl.Get("m1")
	if e.DeliveredTo[0] != "bob" || e.Text != "hi" {
		t.Fatalf("timeline state leaked through Entries: %+v", e)
	}
}
