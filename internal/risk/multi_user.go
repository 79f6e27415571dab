package risk

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MultiUserManager gives each operator behind the gateway pool their own
// risk.Manager, isolated the same way internal/balance.MultiUserManager
// isolates cash: one operator's daily loss limit or position cap never
// throttles another's. The single-book engine (internal/engine) talks to a
// bare *Manager directly and never touches this type.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager // userID -> Manager
	lastSeen map[string]time.Time
	db       *sql.DB
}

// NewMultiUserManager builds a MultiUserManager. db is retained for a future
// per-user config load; every manager currently starts from DefaultConfig.
func NewMultiUserManager(db *sql.DB) *MultiUserManager {
	return &MultiUserManager{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		db:       db,
	}
}

// GetOrCreate returns userID's risk manager, creating one with
// DefaultConfig on first access.
// TODO: load per-user risk limits from the db field instead of DefaultConfig.
func (m *MultiUserManager) GetOrCreate(userID string) (*Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr, nil
	}

	mgr := NewInMemory(DefaultConfig())
	m.managers[userID] = mgr
	m.lastSeen[userID] = time.Now()
	return mgr, nil
}

// Get looks up userID's risk manager without creating one, refreshing its
// idle timer on a hit.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr
	}
	return nil
}

// Remove drops userID's risk manager, e.g. when the operator disconnects
// their last gateway connection.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, userID)
	delete(m.lastSeen, userID)
}

// GetAllMetrics snapshots risk metrics across every active user, for an
// operator dashboard covering the whole pool.
func (m *MultiUserManager) GetAllMetrics() map[string]RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]RiskMetrics)
	for userID, mgr := range m.managers {
		result[userID] = mgr.GetMetrics()
	}
	return result
}

// UserCount returns the number of active user managers.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// UpdateMetricsForUser updates metrics for a specific user.
func (m *MultiUserManager) UpdateMetricsForUser(ctx context.Context, userID string, trade TradeResult) error {
	mgr, err := m.GetOrCreate(userID)
	if err != nil {
		return err
	}
	return mgr.UpdateMetrics(trade)
}

// ResetDailyForAll resets daily metrics for all users.
func (m *MultiUserManager) ResetDailyForAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mgr := range m.managers {
		mgr.ResetDailyMetrics()
	}
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

// EvaluateForUser evaluates a signal for a specific user.
func (m *MultiUserManager) EvaluateForUser(userID string, signal SignalInput, position Position, account Account, strategyID string) (RiskDecision, error) {
	mgr, err := m.GetOrCreate(userID)
	if err != nil {
		return RiskDecision{Allowed: false, Reason: "failed to get risk manager"}, err
	}
	return mgr.EvaluateSignal(signal, position, account), nil
}
