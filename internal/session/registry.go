package session

import (
	"log/slog"
	"sync"
)

// Registry maps stream identifiers to the current Session. It only mutates
// the map: it never opens or closes sessions.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "session-registry"),
		sessions: make(map[string]*Session),
	}
}

// Register stores s under id, overwriting any existing mapping. The
// previous session, if any, is returned without being closed.
func (r *Registry) Register(id string, s *Session) (*Session, bool) {
	r.mu.Lock()
	prev, ok := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if ok {
		r.log.Info("session replaced", "stream", id, "previous", prev.InstanceID(), "current", s.InstanceID())
	} else {
		r.log.Info("session registered", "stream", id, "instance", s.InstanceID())
	}
	return prev, ok
}

// Lookup returns the current session for id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the mapping for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		r.log.Info("session removed", "stream", id)
	}
}

// Release deletes the mapping for id only if it still refers to s, so a
// replaced session cannot evict its successor. It reports whether the
// mapping was deleted.
func (r *Registry) Release(id string, s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if ok && cur == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok && cur == s {
		r.log.Info("session removed", "stream", id, "instance", s.InstanceID())
		return true
	}
	return false
}

// List returns all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
