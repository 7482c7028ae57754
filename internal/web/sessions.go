package web

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomatolab/classchat/internal/models"
)

// entry holds one browser session. mu serializes the requests of that
// session; different sessions never share a lock.
type entry struct {
	mu       sync.Mutex
	session  models.Session
	lastSeen time.Time
}

// SessionManager keeps signed-in sessions in memory, keyed by a random
// cookie value. Anonymous visitors are never stored. Nothing survives a
// restart.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*entry), now: time.Now}
}

// Acquire returns the locked entry for id, or nil when id is unknown.
// Callers must unlock a non-nil entry.
func (m *SessionManager) Acquire(id string) *entry {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.lastSeen = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	return e
}

// Create stores sess under a new random id and returns the id.
func (m *SessionManager) Create(sess models.Session) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &entry{session: sess, lastSeen: m.now()}
	m.mu.Unlock()
	return id
}

// Remove forgets id. A request holding the entry keeps its copy until it
// finishes.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep drops sessions idle for longer than idle. Sessions with a request
// in flight are kept.
func (m *SessionManager) Sweep(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idle)
	removed := 0
	for id, e := range m.sessions {
		if !e.lastSeen.Before(cutoff) || !e.mu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		e.mu.Unlock()
		removed++
	}
	return removed
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
