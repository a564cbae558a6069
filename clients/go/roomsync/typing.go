package roomsync

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTypingTTL is how long a typing signal stays visible without a
	// refresh. The server never sends a synthetic stop.
	DefaultTypingTTL = time.Second
	// DefaultTypingIdle is how long after the last keystroke the notifier
	// sends isTyping=false.
	DefaultTypingIdle = 800 * time.Millisecond
)

// TypingTracker holds who is typing in one room, expiring each sender a
// fixed time after their last signal.
type TypingTracker struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewTypingTracker creates a tracker. A zero ttl uses DefaultTypingTTL and
// a nil now uses time.Now.
func NewTypingTracker(ttl time.Duration, now func() time.Time) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{ttl: ttl, now: now, seen: make(map[string]time.Time)}
}

// Set records a typing signal from userID.
func (t *TypingTracker) Set(userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.seen[userID] = t.now()
		return
	}
	delete(t.seen, userID)
}

// IsTyping reports whether userID signalled typing within the ttl.
func (t *TypingTracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.seen[userID]
	if !ok {
		return false
	}
	if t.now().Sub(last) > t.ttl {
		delete(t.seen, userID)
		return false
	}
	return true
}

// Active returns the users currently typing, sorted.
func (t *TypingTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := make([]string, 0, len(t.seen))
	for userID, last := range t.seen {
		if now.Sub(last) > t.ttl {
			delete(t.seen, userID)
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// TypingNotifier turns keystrokes into typing signals: true on the first
// keystroke, false once input has been idle for the idle duration.
type TypingNotifier struct {
	mu     sync.Mutex
	send   func(isTyping bool)
	idle   time.Duration
	timer  *time.Timer
	gen    int
	typing bool
}

// NewTypingNotifier creates a notifier that reports through send. A zero
// idle uses DefaultTypingIdle.
func NewTypingNotifier(send func(isTyping bool), idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingNotifier{send: send, idle: idle}
}

// Keystroke notes input activity.
func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	start := !n.typing
	n.typing = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.idle, func() { n.expire(gen) })
	n.mu.Unlock()

	if start {
		n.send(true)
	}
}

// Stop ends typing immediately, for example after a send.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	was := n.typing
	n.typing = false
	n.mu.Unlock()

	if was {
		n.send(false)
	}
}

// expire ignores timers superseded by a later keystroke or Stop.
func (n *TypingNotifier) expire(gen int) {
	n.mu.Lock()
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	was := n.typing
	n.typing = false
	n.timer = nil
	n.mu.Unlock()

	if was {
		n.send(false)
	}
}
