package hub

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/identity"
)

// StartTyping marks the user behind sessionID as composing. It is a set
// insert: repeating it before a stop changes nothing.
func (r *Registry) StartTyping(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.typing[session.Identity.UserID] = session.Identity
	return session, nil
}

// StopTyping clears the typing entry of the user behind sessionID and reports
// whether there was one.
func (r *Registry) StopTyping(sessionID string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	userID := session.Identity.UserID
	if _, typing := r.typing[userID]; !typing {
		return session, false, nil
	}
	delete(r.typing, userID)
	return session, true, nil
}

// IsTyping reports whether userID is in the typing set.
func (r *Registry) IsTyping(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.typing[userID]
	return ok
}

// Typing lists the users currently composing, ordered by user ID.
func (r *Registry) Typing() []identity.Identity {
	r.mu.RLock()
	users := lo.Values(r.typing)
	r.mu.RUnlock()

	slices.SortFunc(users, func(a, b identity.Identity) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return users
}
