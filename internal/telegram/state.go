package telegram

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tomatolab/classchat/internal/models"
)

type chatSession struct {
	mu       sync.Mutex
	session  models.Session
	loggedIn atomic.Bool
}

// StateManager keeps one session per Telegram chat. A chat's updates are
// handled one at a time; other chats proceed in parallel.
type StateManager struct {
	mu       sync.Mutex
	sessions map[int64]*chatSession
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*chatSession),
	}
}

// Acquire locks and returns the session of chatID. Call the returned
// release func when done.
func (m *StateManager) Acquire(chatID int64) (*models.Session, func()) {
	m.mu.Lock()
	cs, ok := m.sessions[chatID]
	if !ok {
		cs = &chatSession{}
		m.sessions[chatID] = cs
	}
	m.mu.Unlock()

	cs.mu.Lock()
	return &cs.session, func() {
		cs.loggedIn.Store(cs.session.LoggedIn)
		cs.mu.Unlock()
	}
}

// LoggedIn lists the chats whose session was authenticated when their last
// update finished, in ascending order.
func (m *StateManager) LoggedIn() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id, cs := range m.sessions {
		if cs.loggedIn.Load() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
