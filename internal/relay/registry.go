package relay

import (
	"log/slog"
	"sync"
)

// Registry maps external call ids to their live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), logger: logger}
}

// Register binds callID to s. A different session already holding the call
// (a reconnect) is shut down without closing the conversation.
func (r *Registry) Register(callID string, s *Session) {
	r.mu.Lock()
	prev := r.sessions[callID]
	r.sessions[callID] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		r.logger.Warn("call reconnected, replacing session", "call", callID)
		prev.shutdown(reasonReplaced, false)
	}
}

// Get returns the session of callID, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// Remove unregisters callID if it is still bound to s.
func (r *Registry) Remove(callID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[callID] == s {
		delete(r.sessions, callID)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll ends every live session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Close(reason)
	}
}
