package realtime

import (
	"slices"
	"sync"
)

// Presence is the index of online users. A user stays online while at least
// one of their sessions is open.
type Presence struct {
	mu    sync.RWMutex
	users map[string]map[*Session]struct{}
}

// NewPresence creates an empty presence index.
func NewPresence() *Presence {
	return &Presence{users: make(map[string]map[*Session]struct{})}
}

// Add marks userID online through s.
func (p *Presence) Add(userID string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.users[userID]
	if !ok {
		set = make(map[*Session]struct{})
		p.users[userID] = set
	}
	set[s] = struct{}{}
}

// Remove clears the entry for s.
func (p *Presence) Remove(userID string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.users[userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(p.users, userID)
	}
}

// Online reports whether userID has an open session.
func (p *Presence) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

// Users returns the online user ids, sorted.
func (p *Presence) Users() []string {
	p.mu.RLock()
	users := make([]string, 0, len(p.users))
	for id := range p.users {
		users = append(users, id)
	}
	p.mu.RUnlock()
	slices.Sort(users)
	return users
}
