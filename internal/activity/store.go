// Package activity provides the per-session ordered log of agent activities
// and the registry that maps sessions to their stores.
package activity

import (
	"encoding/json"
	"sync"
	"time"
)

// Activity types recorded in a session log.
const (
	TypeAgentMessage = "agent_message"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeFinished     = "finished"
)

// Activity is one entry in a session's activity log. ID is assigned by the
// store: a gap-free, strictly increasing integer used for tail reads.
type Activity struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"session_id"`
	ActivityType string          `json:"activity_type"`
	ActivityID   string          `json:"activity_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FinishedData is the payload of the synthetic terminal activity.
type FinishedData struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Store is the append-only activity log for one session.
type Store struct {
	mu        sync.Mutex
	sessionID string
	entries   []Activity
	nextID    int64
	finished  bool
}

// NewStore creates an empty store bound to a session.
func NewStore(sessionID string) *Store {
	return &Store{sessionID: sessionID, nextID: 1}
}

// Append assigns the next id and timestamp to the activity and stores it.
// Returns the stored copy.
func (s *Store) Append(activityType, activityID string, data json.RawMessage) Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Activity{
		ID:           s.nextID,
		SessionID:    s.sessionID,
		ActivityType: activityType,
		ActivityID:   activityID,
		Data:         data,
		CreatedAt:    time.Now().UTC(),
	}
	s.nextID++
	s.entries = append(s.entries, a)
	return a
}

// PushFinished writes the synthetic terminal record. Idempotent: a second
// call after the stream has terminated is a no-op and returns false.
func (s *Store) PushFinished(success bool, errMsg string) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	s.mu.Unlock()

	data, _ := json.Marshal(FinishedData{Success: success, Error: errMsg})
	s.Append(TypeFinished, "", data)
	return true
}

// Finished reports whether the logical stream has terminated.
func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Since returns all entries with id greater than the given id, in order.
// Used by UI subscribers resuming a tail read.
func (s *Store) Since(id int64) []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ids are gap-free starting at 1, so the slice offset is direct.
	start := int(id)
	if start < 0 {
		start = 0
	}
	if start >= len(s.entries) {
		return nil
	}
	out := make([]Activity, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// All returns a copy of every entry in order.
func (s *Store) All() []Activity {
	return s.Since(0)
}

// Registry maps session ids to activity stores.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// GetOrCreate returns the store for the session, creating it atomically if
// needed.
func (r *Registry) GetOrCreate(sessionID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[sessionID]; ok {
		return s
	}
	s := NewStore(sessionID)
	r.stores[sessionID] = s
	return s
}

// Get returns the store for the session, or nil.
func (r *Registry) Get(sessionID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[sessionID]
}

// Delete drops the store for the session. Called when the session record is
// deleted through the repository.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, sessionID)
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}
