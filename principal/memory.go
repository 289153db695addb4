package principal

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Repository. Returned principals are copies.
type Memory struct {
	mu         sync.RWMutex
	byID       map[string]*Principal
	byUsername map[string]string
	byEmail    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byID:       make(map[string]*Principal),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (m *Memory) FindByUsername(_ context.Context, username string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byUsername[username])
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byEmail[strings.ToLower(email)])
}

func (m *Memory) FindByID(_ context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(id)
}

func (m *Memory) lookup(id string) (*Principal, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.byUsername[p.Username]; ok && owner != p.ID {
		return ErrConflict
	}
	email := strings.ToLower(p.Email)
	if owner, ok := m.byEmail[email]; ok && email != "" && owner != p.ID {
		return ErrConflict
	}

	if prev, ok := m.byID[p.ID]; ok {
		delete(m.byUsername, prev.Username)
		delete(m.byEmail, strings.ToLower(prev.Email))
	}

	cp := *p
	m.byID[p.ID] = &cp
	m.byUsername[p.Username] = p.ID
	if email != "" {
		m.byEmail[email] = p.ID
	}
	return nil
}
