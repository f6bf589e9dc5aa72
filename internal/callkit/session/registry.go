package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callkit/internal/callkit/store"
)

const (
	// ActiveSessionTTL is the backstop lifetime for registered sessions.
	// Sessions are removed explicitly at disconnect; the TTL only catches
	// sessions whose disconnect callback never arrived.
	ActiveSessionTTL = 12 * time.Hour
	// RegistryCleanupInterval is how often the eviction loop runs.
	RegistryCleanupInterval = 30 * time.Second
)

// Registry is the concurrency-safe map of live sessions keyed by call ID.
// A call ID maps to at most one session; a removed session is never
// reinserted under the same ID by the registry itself.
type Registry struct {
	sessions *store.TTLStore[string, *Session]

	mu          sync.RWMutex
	onOccupancy func(empty bool)
}

// NewRegistry creates an empty registry with its eviction loop running.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: store.NewTTLStore[string, *Session](RegistryCleanupInterval),
	}
	r.sessions.SetOnEvict(func(callID string, s *Session) {
		slog.Warn("[Registry] Evicted leaked session",
			"call_id", callID,
			"state", s.State().String(),
		)
		r.notifyOccupancy()
	})
	return r
}

// SetOnOccupancyChanged sets the callback invoked after every insert or
// removal with whether the registry is now empty. The callback must be
// idempotent; it may fire with an unchanged value.
func (r *Registry) SetOnOccupancyChanged(fn func(empty bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOccupancy = fn
}

// Put registers a session under its call ID. Fails with ErrDuplicateSession
// if a live session already holds the ID.
func (r *Registry) Put(s *Session) error {
	callID := s.CallID()
	if !r.sessions.SetIfAbsent(callID, s, ActiveSessionTTL) {
		return ErrDuplicateSession
	}
	slog.Info("[Registry] Session registered",
		"call_id", callID,
		"direction", s.Direction().String(),
	)
	r.notifyOccupancy()
	return nil
}

// Get retrieves a session by call ID.
func (r *Registry) Get(callID string) (*Session, error) {
	s, ok := r.sessions.Get(callID)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes a session by call ID. Removing an absent ID is a silent
// no-op; disconnect callbacks may race and both resolve the same entry.
func (r *Registry) Remove(callID string) bool {
	removed := r.sessions.Delete(callID)
	if removed {
		slog.Info("[Registry] Session removed", "call_id", callID)
		r.notifyOccupancy()
	}
	return removed
}

// IsEmpty reports whether no live sessions are registered.
func (r *Registry) IsEmpty() bool {
	return r.sessions.Len() == 0
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// ForEach iterates over all live sessions, stopping if fn returns false.
func (r *Registry) ForEach(fn func(s *Session) bool) {
	r.sessions.ForEach(func(_ string, s *Session) bool {
		return fn(s)
	})
}

// FirstMatching returns some session satisfying pred. When several match,
// which one is returned is unspecified; callers must not rely on a
// particular choice among ties.
func (r *Registry) FirstMatching(pred func(s *Session) bool) (*Session, error) {
	var found *Session
	r.sessions.ForEach(func(_ string, s *Session) bool {
		if pred(s) {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Close stops the eviction loop and drops all entries.
func (r *Registry) Close() {
	r.sessions.Close()
}

func (r *Registry) notifyOccupancy() {
	r.mu.RLock()
	fn := r.onOccupancy
	r.mu.RUnlock()
	if fn != nil {
		fn(r.sessions.Len() == 0)
	}
}
