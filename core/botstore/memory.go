package botstore

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry for development and tests.
type MemoryRegistry struct {
	mu   sync.RWMutex
	bots map[int64]Bot
}

// NewMemoryRegistry returns a registry seeded with bots.
func NewMemoryRegistry(bots ...Bot) *MemoryRegistry {
	m := &MemoryRegistry{bots: make(map[int64]Bot, len(bots))}
	for _, b := range bots {
		if b.Status == "" {
			b.Status = StatusNew
		}
		m.bots[b.ID] = b
	}
	return m
}

// GetByID returns the bot with id.
func (m *MemoryRegistry) GetByID(_ context.Context, id int64) (Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.bots[id]; ok {
		return b, nil
	}
	return Bot{}, ErrNotFound
}

// GetByToken returns the bot holding token.
func (m *MemoryRegistry) GetByToken(_ context.Context, token string) (Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.Token == token {
			return b, nil
		}
	}
	return Bot{}, ErrNotFound
}

// UpdateStatus sets the status of bot id.
func (m *MemoryRegistry) UpdateStatus(_ context.Context, id int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	m.bots[id] = b
	return nil
}

// Put adds or replaces a bot.
func (m *MemoryRegistry) Put(b Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[b.ID] = b
}
