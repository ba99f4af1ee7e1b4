package registry

import (
	"sort"
	"sync"

	"pairline/internal/core/domain"
)

// Registry maps usernames to sessions and handles to usernames. All
// lookups the signaling and relay paths need go through here; the maps
// are guarded by one RWMutex since registrations are rare next to
// per-packet lookups.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.UserSession
	handles  map[string]string // handleID -> username
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*domain.UserSession),
		handles:  make(map[string]string),
	}
}

// Register binds username to handleID. If the username is new a fresh
// session is created (created=true). If it exists, the handle joins it
// as an additional device unless that handle already carries a
// different username.
func (r *Registry) Register(username, handleID string) (s *domain.UserSession, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[handleID]; ok {
		if existing == username {
			return r.sessions[username], false, nil
		}
		return nil, false, errAlreadyRegistered(existing)
	}

	s, ok := r.sessions[username]
	if ok {
		s.AttachHandle(handleID)
	} else {
		s = domain.NewUserSession(username, handleID)
		r.sessions[username] = s
		created = true
	}
	r.handles[handleID] = username
	return s, created, nil
}

// Lookup resolves a username to its session.
func (r *Registry) Lookup(username string) (*domain.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// ByHandle resolves a handle to its session.
func (r *Registry) ByHandle(handleID string) (*domain.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	username, ok := r.handles[handleID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[username]
	return s, ok
}

// Username returns the name bound to a handle, if any.
func (r *Registry) Username(handleID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.handles[handleID]
	return u, ok
}

// Detach removes a handle. When the last handle of a username goes,
// the session is removed and returned with lastGone=true so the caller
// can tear down any call it was in.
func (r *Registry) Detach(handleID string) (s *domain.UserSession, lastGone, wasActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.handles[handleID]
	if !ok {
		return nil, false, false
	}
	delete(r.handles, handleID)

	s, ok = r.sessions[username]
	if !ok {
		return nil, false, false
	}
	remaining, wasActive := s.DetachHandle(handleID)
	if remaining == 0 {
		delete(r.sessions, username)
		lastGone = true
	}
	return s, lastGone, wasActive
}

// Peers lists all registered usernames, sorted for stable output.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered usernames.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type registeredError struct{ username string }

func (e registeredError) Error() string { return "handle already registered as " + e.username }

// Existing returns the username a conflicting handle is bound to.
func (e registeredError) Existing() string { return e.username }

func errAlreadyRegistered(username string) error { return registeredError{username} }

// IsAlreadyRegistered reports whether err came from a handle that
// carries another username.
func IsAlreadyRegistered(err error) (string, bool) {
	if e, ok := err.(registeredError); ok {
		return e.username, true
	}
	return "", false
}
