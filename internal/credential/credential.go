// Package credential holds profile secrets apart from profile metadata.
package credential

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Retrieve when no secret exists for the key.
var ErrNotFound = errors.New("credential not found")

// Store is a secure key-value store for secrets keyed by profile id.
// Retrieve fails with ErrNotFound when the item is absent; any other error
// means the underlying store failed.
type Store interface {
	Store(ctx context.Context, profileID, secret string) error
	Retrieve(ctx context.Context, profileID string) (string, error)
	// Delete is idempotent: removing an absent item is not an error.
	Delete(ctx context.Context, profileID string) error
}

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (m *MemoryStore) Store(_ context.Context, profileID, secret string) error {
	if profileID == "" {
		return errors.New("credential key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[profileID] = secret
	return nil
}

func (m *MemoryStore) Retrieve(_ context.Context, profileID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[profileID]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (m *MemoryStore) Delete(_ context.Context, profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, profileID)
	return nil
}

// Len reports how many secrets are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}
