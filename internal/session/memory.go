package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store for tests and single-node development.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byGuest map[string]string // guest key -> attr id
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*Session),
		byGuest: make(map[string]string),
	}
}

func (m *InMemory) CreateOrRestart(ctx context.Context, candidate Session) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byGuest[candidate.GuestKey]; ok {
		existing := m.byID[id]
		if existing.State != StateResolved {
			existing.LastActiveAt = candidate.LastActiveAt
			return copySession(existing), false, nil
		}
		delete(m.byID, id)
		delete(m.byGuest, candidate.GuestKey)
	}

	s := candidate
	m.byID[s.AttrID] = &s
	m.byGuest[s.GuestKey] = s.AttrID
	return copySession(&s), true, nil
}

func (m *InMemory) MarkAwaiting(ctx context.Context, attrID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[attrID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateCreated {
		s.State = StateAwaiting
	}
	s.LastActiveAt = now
	return nil
}

func (m *InMemory) SetResult(ctx context.Context, attrID, envelope string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[attrID]
	if !ok {
		return ErrNotFound
	}
	if s.AuthResult != nil {
		return ErrConflict
	}
	env := envelope
	s.AuthResult = &env
	s.State = StateResolved
	s.LastActiveAt = now
	return nil
}

func (m *InMemory) FindByRoom(ctx context.Context, roomID string, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.byID {
		if s.Guest.RoomID != roomID {
			continue
		}
		s.LastActiveAt = now
		out = append(out, copySession(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.byID {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byGuest, s.GuestKey)
			n++
		}
	}
	return n, nil
}

func (m *InMemory) Get(ctx context.Context, attrID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[attrID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(s), nil
}

// Len reports the number of stored sessions.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func copySession(s *Session) Session {
	out := *s
	if s.AuthResult != nil {
		env := *s.AuthResult
		out.AuthResult = &env
	}
	return out
}
