package trades

import (
	"context"
	"sync"

	"github.com/mbd888/nftswap/internal/domain"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.trades[t.ID]; exists {
		return domain.ErrAlreadyExists
	}
	m.trades[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) FindByAddress(_ context.Context, address string, role Role) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		var match bool
		switch role {
		case RoleCreator:
			match = t.CreatorAddress == address
		case RoleCounterparty:
			match = t.CounterpartyAddress == address
		}
		if match {
			result = append(result, t.clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, expected Status, tr Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	t.apply(tr)
	return true, nil
}
