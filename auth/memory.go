package auth

import (
	"context"
	"sync"
)

// MemoryRepository is a UserRepository backed by a map. It is populated from
// the configuration file at startup.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*User)}
}

// Add builds rec and stores it, replacing any user of the same name.
func (m *MemoryRepository) Add(rec UserRecord) error {
	u, err := rec.Build()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.users[u.Name] = u
	m.mu.Unlock()
	return nil
}

// Remove deletes a user. Removing an unknown user is a no-op.
func (m *MemoryRepository) Remove(name string) {
	m.mu.Lock()
	delete(m.users, name)
	m.mu.Unlock()
}

func (m *MemoryRepository) FindUserByName(ctx context.Context, name string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}
