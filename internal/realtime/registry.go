package realtime

import "sync"

// Registry tracks which sessions are live-subscribed to which rooms. It is
// the only index from rooms to sessions; persisted room membership is not
// touched.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]map[string]struct{}),
	}
}

// Join subscribes s to roomID. Joining twice is a no-op.
func (r *Registry) Join(s *Session, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.rooms[roomID]
	if !ok {
		subs = make(map[*Session]struct{})
		r.rooms[roomID] = subs
	}
	subs[s] = struct{}{}

	joined, ok := r.sessions[s]
	if !ok {
		joined = make(map[string]struct{})
		r.sessions[s] = joined
	}
	joined[roomID] = struct{}{}
}

// Leave unsubscribes s from roomID.
func (r *Registry) Leave(s *Session, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s, roomID)
}

// Drop removes every subscription held by s.
func (r *Registry) Drop(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.sessions[s] {
		r.leaveLocked(s, roomID)
	}
	delete(r.sessions, s)
}

func (r *Registry) leaveLocked(s *Session, roomID string) {
	if subs, ok := r.rooms[roomID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.sessions[s]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.sessions, s)
		}
	}
}

// Subscribers returns a snapshot of the sessions subscribed to roomID.
func (r *Registry) Subscribers(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.rooms[roomID]
	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// Joined reports whether s is subscribed to roomID.
func (r *Registry) Joined(s *Session, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[s][roomID]
	return ok
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
