package roomsync

import (
	"crypto/rand"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TempIDPrefix marks ids of optimistic entries. The same id is sent as the
// correlation token.
const TempIDPrefix = "tmp-"

// DefaultHeuristicWindow is how far apart an optimistic entry and an
// incoming message may be created and still be considered the same send.
const DefaultHeuristicWindow = 2 * time.Second

// Status is the rendered delivery state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Entry is one row of the local view. Optimistic entries carry a temporary
// id until the server's record replaces them.
type Entry struct {
	Message
	Local bool   // optimistic, not yet confirmed
	Err   string // last send failure, set by Fail
}

// Status reports the tick state. Read wins over delivered; both sets are
// tracked independently.
func (e Entry) Status() Status {
	switch {
	case e.Local && e.Err != "":
		return StatusFailed
	case len(e.ReadBy) > 0:
		return StatusRead
	case len(e.DeliveredTo) > 0:
		return StatusDelivered
	}
	return StatusPending
}

// Timeline is the ordered local view of one room. It is safe for
// concurrent use.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry

	now            func() time.Time
	heuristicMerge bool
	window         time.Duration
	onHeuristic    func(local, incoming Message)
	heuristicHits  int
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithHeuristicMerge lets an incoming message without a correlation token
// replace a pending optimistic entry from the same sender with the same
// text. It is off by default: identical messages sent in quick succession
// would otherwise collapse into one.
func WithHeuristicMerge(enabled bool) TimelineOption {
	return func(t *Timeline) { t.heuristicMerge = enabled }
}

// WithHeuristicWindow sets the creation time tolerance of the heuristic.
func WithHeuristicWindow(d time.Duration) TimelineOption {
	return func(t *Timeline) { t.window = d }
}

// OnHeuristicMatch is called whenever an incoming message looks like a
// pending optimistic entry but carries no matching token.
func OnHeuristicMatch(fn func(local, incoming Message)) TimelineOption {
	return func(t *Timeline) { t.onHeuristic = fn }
}

// WithClock replaces time.Now for temporary ids and optimistic timestamps.
func WithClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// NewTimeline creates an empty timeline.
func NewTimeline(opts ...TimelineOption) *Timeline {
	t := &Timeline{
		now:    time.Now,
		window: DefaultHeuristicWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTempID returns a fresh temporary id of the form tmp-<unixms>-<random>.
func NewTempID(now time.Time) string {
	var b [6]byte
	rand.Read(b[:])
	return TempIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b[:])
}

// IsTempID reports whether id belongs to an optimistic entry.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// OptimisticAppend adds a local entry at the tail before the server has
// seen it and returns its temporary id, which the caller sends as the
// correlation token.
func (t *Timeline) OptimisticAppend(roomID, senderID, text string, attachments []Attachment) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	id := NewTempID(now)
	t.entries = append(t.entries, Entry{
		Message: Message{
			ID:               id,
			CorrelationToken: id,
			RoomID:           roomID,
			SenderID:         senderID,
			Text:             text,
			Attachments:      slices.Clone(attachments),
			CreatedAt:        now,
			DeliveredTo:      []string{},
			ReadBy:           []string{},
		},
		Local: true,
	})
	return id
}

// ApplyIncoming folds a server message into the view. The rules are tried
// in order: replace the optimistic entry named by the correlation token,
// ignore an already known server id, the optional heuristic merge, append.
// It reports whether the view changed.
func (t *Timeline) ApplyIncoming(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg = normalize(msg)

	if msg.CorrelationToken != "" {
		if i := t.index(msg.CorrelationToken); i >= 0 && t.entries[i].Local {
			t.entries[i] = Entry{Message: msg}
			// history may already hold the admitted record
			if j := t.indexAfter(msg.ID, i); j >= 0 {
				t.entries = slices.Delete(t.entries, j, j+1)
			}
			return true
		}
	}

	if t.index(msg.ID) >= 0 {
		return false
	}

	if i := t.heuristicCandidate(msg); i >= 0 {
		t.heuristicHits++
		if t.onHeuristic != nil {
			t.onHeuristic(t.entries[i].Message, msg)
		}
		if t.heuristicMerge && msg.CorrelationToken == "" {
			t.entries[i] = Entry{Message: msg}
			return true
		}
	}

	t.entries = append(t.entries, Entry{Message: msg})
	return true
}

// ApplyUpdate replaces the text of a confirmed entry and marks it edited.
// Deleted entries and optimistic entries are left alone.
func (t *Timeline) ApplyUpdate(id, text string, editedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 || t.entries[i].Local || t.entries[i].Deleted {
		return false
	}
	if editedAt.IsZero() {
		editedAt = t.now().UTC()
	}
	t.entries[i].Text = text
	t.entries[i].EditedAt = &editedAt
	return true
}

// ApplyDelete marks an entry deleted in place and drops its content.
func (t *Timeline) ApplyDelete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 || t.entries[i].Deleted {
		return false
	}
	e := &t.entries[i]
	e.Deleted = true
	e.Text = ""
	e.Attachments = []Attachment{}
	return true
}

// ApplyDeliveryAck adds userID to the entry's delivered set.
func (t *Timeline) ApplyDeliveryAck(id, userID string) bool {
	return t.addReceipt(id, userID, false)
}

// ApplyReadAck adds userID to the entry's read set.
func (t *Timeline) ApplyReadAck(id, userID string) bool {
	return t.addReceipt(id, userID, true)
}

func (t *Timeline) addReceipt(id, userID string, read bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 || userID == "" {
		return false
	}
	set := &t.entries[i].DeliveredTo
	if read {
		set = &t.entries[i].ReadBy
	}
	if slices.Contains(*set, userID) {
		return false
	}
	*set = append(*set, userID)
	return true
}

// Fail records a send failure on the optimistic entry with the given
// temporary id. The entry stays in the view.
func (t *Timeline) Fail(tempID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(tempID)
	if i < 0 || !t.entries[i].Local {
		return false
	}
	t.entries[i].Err = reason
	return true
}

// Abandon removes an optimistic entry. A send already in flight may still
// be admitted and will then arrive as a new message.
func (t *Timeline) Abandon(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(tempID)
	if i < 0 || !t.entries[i].Local {
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return true
}

// Pending returns the optimistic entries still waiting for confirmation.
func (t *Timeline) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for _, e := range t.entries {
		if e.Local {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// LoadHistory replaces the confirmed part of the view with a history page
// (oldest first). Optimistic entries whose token appears in the page are
// dropped; the rest stay at the tail.
func (t *Timeline) LoadHistory(msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(msgs))
	tokens := make(map[string]struct{})
	entries := make([]Entry, 0, len(msgs)+len(t.entries))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.CorrelationToken != "" {
			tokens[m.CorrelationToken] = struct{}{}
		}
		entries = append(entries, Entry{Message: normalize(m)})
	}
	for _, e := range t.entries {
		if !e.Local {
			continue
		}
		if _, admitted := tokens[e.ID]; admitted {
			continue
		}
		entries = append(entries, e)
	}
	t.entries = entries
}

// PrependHistory inserts an older page in front of the view, skipping
// messages already present.
func (t *Timeline) PrependHistory(older []Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	head := make([]Entry, 0, len(older))
	for _, m := range older {
		if t.index(m.ID) >= 0 || slices.ContainsFunc(head, func(e Entry) bool { return e.ID == m.ID }) {
			continue
		}
		head = append(head, Entry{Message: normalize(m)})
	}
	t.entries = append(head, t.entries...)
	return len(head)
}

// Entries returns a copy of the view in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Get returns the entry with the given id.
func (t *Timeline) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 {
		return Entry{}, false
	}
	return cloneEntry(t.entries[i]), true
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// HeuristicMatches counts incoming messages that matched a pending entry
// only by sender, text and time.
func (t *Timeline) HeuristicMatches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heuristicHits
}

func (t *Timeline) index(id string) int {
	return t.indexAfter(id, -1)
}

func (t *Timeline) indexAfter(id string, skip int) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if i != skip && t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// heuristicCandidate finds a pending optimistic entry from the same sender
// with the same text created within the window of msg.
func (t *Timeline) heuristicCandidate(msg Message) int {
	if msg.SenderID == "" || msg.CreatedAt.IsZero() {
		return -1
	}
	for i, e := range t.entries {
		if !e.Local || e.SenderID != msg.SenderID || e.Text != msg.Text {
			continue
		}
		d := e.CreatedAt.Sub(msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= t.window {
			return i
		}
	}
	return -1
}

// normalize redacts deleted messages and fills nil slices.
func normalize(m Message) Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.DeliveredTo = slices.Clone(m.DeliveredTo)
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.Deleted {
		m.Text = ""
		m.Attachments = nil
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m
}

func cloneEntry(e Entry) Entry {
	e.Message = normalize(e.Message)
	if e.EditedAt != nil {
		edited := *e.EditedAt
		e.EditedAt = &edited
	}
	return e
}
