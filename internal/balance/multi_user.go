package balance

import (
	"context"
	"sync"
	"time"
)

// MultiUserManager holds one cash Manager per operator connected through the
// gateway pool (internal/gateway.Manager) — each operator's book is sized
// against their own venue balance, not a shared one. It is the balance-side
// counterpart to gateway.Manager's per-connection pooling.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager // userID -> Manager
	lastSeen map[string]time.Time
	factory  ManagerFactory
}

// ManagerFactory builds the cash Manager for one user, typically wrapping
// that user's gateway connection as its ExchangeClient.
type ManagerFactory func(userID string) (*Manager, error)

// NewMultiUserManager builds a MultiUserManager that lazily constructs a
// Manager per user via factory on first use.
func NewMultiUserManager(factory ManagerFactory) *MultiUserManager {
	return &MultiUserManager{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		factory:  factory,
	}
}

// GetOrCreate returns userID's cash Manager, building one via the factory on
// first access and recording the access for CleanupIdle.
func (m *MultiUserManager) GetOrCreate(userID string) (*Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr, nil
	}

	mgr, err := m.factory(userID)
	if err != nil {
		return nil, err
	}

	m.managers[userID] = mgr
	m.lastSeen[userID] = time.Now()
	return mgr, nil
}

// Get returns the balance manager for a user, or nil if not found.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[userID]
}

// Remove removes the balance manager for a user.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, userID)
	delete(m.lastSeen, userID)
}

// StartAll starts all user managers.
func (m *MultiUserManager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mgr := range m.managers {
		mgr.Start(ctx)
	}
}

// GetAllBalances returns balances for all users.
func (m *MultiUserManager) GetAllBalances() map[string]Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Balance)
	for userID, mgr := range m.managers {
		result[userID] = mgr.GetBalance()
	}
	return result
}

// UserCount returns the number of active user managers.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// CleanupIdle removes user managers that have been idle longer than ttl.
func (m *MultiUserManager) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.managers, userID)
			delete(m.lastSeen, userID)
		}
	}
}
