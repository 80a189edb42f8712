// Package session tracks which identities are behind the currently open
// connections. It is the single source of truth for presence.
package session

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Handle identifies one open connection.
type Handle string

// Session binds a live connection to a resolved user.
type Session struct {
	Handle Handle
	UserID int64
	Email  string
	Name   string
	Avatar string

	// seq orders registrations; larger is more recent.
	seq uint64
}

// Presence is the roster projection of a Session.
type Presence struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	SocketID Handle `json:"socketId"`
}

// Registry maps connection handles to sessions. A handle is either absent or
// holds exactly one session. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Handle]Session
	nextSeq  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Handle]Session)}
}

// Register inserts or replaces the session for s.Handle. A replaced session
// counts as a fresh registration for tie-breaking.
func (r *Registry) Register(s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	s.seq = r.nextSeq
	r.sessions[s.Handle] = s
	return s
}

// Unregister removes the session for h and reports whether one existed.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[h]; !ok {
		return false
	}
	delete(r.sessions, h)
	return true
}

// ResolveByHandle returns the session bound to h.
func (r *Registry) ResolveByHandle(h Handle) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[h]
	return s, ok
}

// ResolveByName returns the most recently registered session whose display
// name equals name.
func (r *Registry) ResolveByName(name string) (Session, bool) {
	return r.latest(func(s Session) bool { return s.Name == name })
}

// ResolveByUserID returns the most recently registered session of the user.
func (r *Registry) ResolveByUserID(id int64) (Session, bool) {
	return r.latest(func(s Session) bool { return s.UserID == id })
}

func (r *Registry) latest(match func(Session) bool) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  Session
		found bool
	)
	for _, s := range r.sessions {
		if match(s) && (!found || s.seq > best.seq) {
			best, found = s, true
		}
	}
	return best, found
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live roster in registration order.
func (r *Registry) Snapshot() []Presence {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })

	return lo.Map(sessions, func(s Session, _ int) Presence {
		return Presence{ID: s.UserID, Name: s.Name, Avatar: s.Avatar, SocketID: s.Handle}
	})
}
