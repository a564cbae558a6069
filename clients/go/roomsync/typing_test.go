package roomsync

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTypingTrackerExpires(t *testing.T) {
	clock := &fakeClock{now: t0}
	tr := NewTypingTracker(time.Second, clock.Now)

	tr.Set("bob", true)
	if !tr.IsTyping("bob") {
		t.Fatal("bob should be typing")
	}

	clock.Advance(900 * time.Millisecond)
	tr.Set("bob", true) // refresh
	clock.Advance(900 * time.Millisecond)
	if !tr.IsTyping("bob") {
		t.Fatal("refresh should extend the window")
	}

	clock.Advance(200 * time.Millisecond)
	if tr.IsTyping("bob") {
		t.Fatal("bob should have expired without a refresh")
	}
}

func TestTypingTrackerStopSignal(t *testing.T) {
	tr := NewTypingTracker(0, nil)
	tr.Set("bob", true)
	tr.Set("carol", true)
	tr.Set("bob", false)

	active := tr.Active()
	if len(active) != 1 || active[0] != "carol" {
		t.Fatalf("expected [carol], got %v", active)
	}
}

func TestTypingTrackerActiveSortedAndPruned(t *testing.T) {
	clock := &fakeClock{now: t0}
	tr := NewTypingTracker(time.Second, clock.Now)

	tr.Set("zoe", true)
	clock.Advance(600 * time.Millisecond)
	tr.Set("amy", true)
	tr.Set("bob", true)
	if active := tr.Active(); len(active) != 3 || active[0] != "amy" || active[2] != "zoe" {
		t.Fatalf("unexpected active set %v", active)
	}

	clock.Advance(600 * time.Millisecond)
	if active := tr.Active(); len(active) != 2 || active[0] != "amy" || active[1] != "bob" {
		t.Fatalf("zoe should have expired, got %v", active)
	}
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
	changed chan struct{}
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{changed: make(chan struct{}, 16)}
}

func (r *signalRecorder) send(isTyping bool) {
	r.mu.Lock()
	r.signals = append(r.signals, isTyping)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *signalRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func TestTypingNotifierDebounces(t *testing.T) {
	rec := newSignalRecorder()
	n := NewTypingNotifier(rec.send, 50*time.Millisecond)

	n.Keystroke()
	n.Keystroke()
	n.Keystroke()

	for i := 0; i < 2; i++ {
		select {
		case <-rec.changed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal %d, got %v", i, rec.get())
		}
	}

	got := rec.get()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected [true false], got %v", got)
	}
}

func TestTypingNotifierStop(t *testing.T) {
	rec := newSignalRecorder()
	n := NewTypingNotifier(rec.send, time.Hour)

	n.Keystroke()
	n.Stop()
	n.Stop()

	got := rec.get()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected [true false], got %v", got)
	}
}
