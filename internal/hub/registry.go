// Package hub is the realtime core: the session registry that owns presence,
// the typing set layered on it, and the router that turns inbound client
// events into deliveries to the right connections.
package hub

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/identity"
)

// Registry maps live session IDs to sessions. It also keeps a per-user index
// for unicast and the set of users currently typing. A single RWMutex guards
// all three so no reader ever sees an admit or evict half applied.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	typing   map[string]identity.Identity
	seq      uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		typing:   make(map[string]identity.Identity),
	}
}

// Admit stores a new session. An ID that is already present is rejected with
// ErrDuplicateSession and the existing session is left untouched.
func (r *Registry) Admit(sessionID string, id identity.Identity, conn Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, ErrDuplicateSession
	}

	r.seq++
	session := &Session{
		ID:         sessionID,
		Identity:   id,
		Conn:       conn,
		AdmittedAt: time.Now(),
		seq:        r.seq,
	}
	r.sessions[sessionID] = session

	devices, ok := r.byUser[id.UserID]
	if !ok {
		devices = make(map[string]*Session)
		r.byUser[id.UserID] = devices
	}
	devices[sessionID] = session
	return session, nil
}

// Evict removes a session and clears its user's typing entry in the same
// critical section. Evicting an unknown ID returns ErrSessionNotFound and
// changes nothing, so racing disconnect signals are harmless.
func (r *Registry) Evict(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, sessionID)

	userID := session.Identity.UserID
	if devices, ok := r.byUser[userID]; ok {
		delete(devices, sessionID)
		if len(devices) == 0 {
			delete(r.byUser, userID)
		}
	}
	delete(r.typing, userID)
	return session, nil
}

// Lookup returns the session admitted under sessionID.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// SessionsForIdentity returns every live session of userID, oldest first.
func (r *Registry) SessionsForIdentity(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortByAdmission(lo.Values(r.byUser[userID]))
}

// Sessions is a point-in-time copy of all admitted sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortByAdmission(lo.Values(r.sessions))
}

// Snapshot lists the identity of every admitted session. A user connected
// from several devices appears once per session.
func (r *Registry) Snapshot() []identity.Identity {
	return identities(r.Sessions())
}

// Len is the number of admitted sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sortByAdmission(sessions []*Session) []*Session {
	slices.SortFunc(sessions, func(a, b *Session) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return sessions
}

func identities(sessions []*Session) []identity.Identity {
	return lo.Map(sessions, func(s *Session, _ int) identity.Identity {
		return s.Identity
	})
}
