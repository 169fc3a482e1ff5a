package websocket

import (
	"sync"

	"github.com/samber/lo"
)

// Registry is the directory of joined sessions. The room registry handles
// delivery; this one exists for stats and shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a new session registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register adds a joined session.
func (r *Registry) Register(s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if s.State() != StateJoined {
		return ErrSessionNotJoined
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicateAddress
	}
	r.sessions[s.ID] = s
	return nil
}

// Unregister removes s. It is a no-op for unknown sessions.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.sessions[s.ID]; exists && registered == s {
		delete(r.sessions, s.ID)
	}
}

// Get returns the session with the given address.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	return s, exists
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes the connection of every registered session. Sessions
// unregister themselves as they reach Closed.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	for _, s := range sessions {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	return len(sessions)
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := lo.Uniq(lo.MapToSlice(r.sessions, func(_ string, s *Session) string {
		return string(s.Room)
	}))
	users := lo.Uniq(lo.MapToSlice(r.sessions, func(_ string, s *Session) int64 {
		return s.Identity.UserID
	}))

	return map[string]int{
		"total_sessions":  len(r.sessions),
		"active_rooms":    len(rooms),
		"connected_users": len(users),
	}
}
