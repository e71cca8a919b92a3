package peer

import "sync"

// Table indexes live sessions by remote identity. There is at most one entry
// per remote.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Get(remote string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[remote]
	return s, ok
}

// Add stores s unless a session for the same remote is already present.
func (t *Table) Add(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.Remote()]; exists {
		return false
	}
	t.sessions[s.Remote()] = s
	return true
}

// Remove deletes the entry for s.Remote() only if it still maps to s.
func (t *Table) Remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[s.Remote()]; !ok || cur != s {
		return false
	}
	delete(t.sessions, s.Remote())
	return true
}

func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
