package session

import (
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
)

type memEntry struct {
	mu sync.Mutex
	s  *Session
}

// MemoryStore keeps sessions in process. The map lock guards membership only;
// each session has its own lock, so sessions never block one another.
type MemoryStore struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*memEntry
}

// NewMemoryStore returns an empty store that reads time from now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, sessions: make(map[string]*memEntry)}
}

func (m *MemoryStore) entry(id string) (*memEntry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errorsmod.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	return e, nil
}

func (m *MemoryStore) Get(id string) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return nil, errorsmod.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	if e.s.Expired(m.now()) {
		return nil, errorsmod.Wrapf(core.ErrSessionExpired, "session %q expired at %s", id, e.s.ExpiresAt.Format(time.RFC3339))
	}
	return e.s.clone(), nil
}

func (m *MemoryStore) Set(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[s.ID]; ok {
		e.mu.Lock()
		e.s = s.clone()
		e.mu.Unlock()
		return nil
	}
	m.sessions[s.ID] = &memEntry{s: s.clone()}
	return nil
}

func (m *MemoryStore) AppendHeartbeat(id string, build BuildFunc) (cadence.Heartbeat, error) {
	e, err := m.entry(id)
	if err != nil {
		return cadence.Heartbeat{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return cadence.Heartbeat{}, errorsmod.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	if e.s.Expired(m.now()) {
		return cadence.Heartbeat{}, errorsmod.Wrapf(core.ErrSessionExpired, "session %q", id)
	}
	hb, err := build(e.s.clone())
	if err != nil {
		return cadence.Heartbeat{}, err
	}
	e.s.Heartbeats = append(e.s.Heartbeats, hb)
	return hb, nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errorsmod.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	// Holders of e may still be mid-append; mark it dead for them.
	e.mu.Lock()
	e.s = nil
	e.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		e.mu.Lock()
		if e.s == nil || e.s.Expired(now) {
			delete(m.sessions, id)
			e.s = nil
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
