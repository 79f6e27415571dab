// Package balance tracks cash available to one book: how much is free to
// size a new order against, how much is reserved against working orders,
// and how the two move as fills land. In dry-run mode there is no exchange
// to ask, so the ledger is seeded once with SetInitialBalance and moved
// only by Lock/Unlock/Deduct/Add; in live mode Sync periodically overwrites
// the ledger with the venue's own answer.
package balance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ExchangeClient is anything that can report the account's cash position at
// the venue. A live gateway implements this by calling its account-balance
// endpoint; dry-run books never provide one.
type ExchangeClient interface {
	GetBalance(ctx context.Context) (Balance, error)
}

// Balance is a point-in-time snapshot of cash: total on the book, the slice
// still free to size orders against, and the slice reserved against orders
// that have not yet filled or been canceled.
type Balance struct {
	Total     float64
	Available float64
	Locked    float64
}

// Manager owns the cash ledger for a single book and, when an ExchangeClient
// is configured, keeps it in sync with the venue on a timer.
type Manager struct {
	exchange     ExchangeClient
	syncInterval time.Duration
	ledger       ledger
}

// ledger is the mutable cash state, split out from Manager so tests and the
// sync loop can reason about it without threading a Manager receiver.
type ledger struct {
	mu        sync.RWMutex
	total     float64
	available float64
	locked    float64
	lastSync  time.Time
}

// NewManager builds a Manager. exchange may be nil, in which case the ledger
// is never refreshed automatically and must be seeded with SetInitialBalance.
func NewManager(exchange ExchangeClient, syncInterval time.Duration) *Manager {
	return &Manager{
		exchange:     exchange,
		syncInterval: syncInterval,
	}
}

// Start runs an initial Sync and then refreshes the ledger every
// syncInterval until ctx is canceled. A no-op if no ExchangeClient was
// configured.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		log.Printf("balance: initial sync failed: %v", err)
	}
	if m.exchange == nil {
		return
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Printf("balance: sync error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync overwrites the local ledger with the venue's reported balance. In
// dry-run mode (no ExchangeClient) it is a no-op: the ledger is authoritative
// on its own.
func (m *Manager) Sync(ctx context.Context) error {
	if m.exchange == nil {
		return nil
	}

	snap, err := m.exchange.GetBalance(ctx)
	if err != nil {
		return err
	}

	m.ledger.mu.Lock()
	m.ledger.total = snap.Total
	m.ledger.available = snap.Available
	m.ledger.locked = snap.Locked
	m.ledger.lastSync = time.Now()
	m.ledger.mu.Unlock()

	log.Printf("balance: synced total=%.2f available=%.2f locked=%.2f",
		snap.Total, snap.Available, snap.Locked)
	return nil
}

// GetAvailable returns the cash currently free to size a new order against.
func (m *Manager) GetAvailable() float64 {
	m.ledger.mu.RLock()
	defer m.ledger.mu.RUnlock()
	return m.ledger.available
}

// Lock reserves amount against a pending order, moving it from available to
// locked. Returns an error without mutating the ledger if the reservation
// would overdraw available cash.
func (m *Manager) Lock(amount float64) error {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	if amount > m.ledger.available {
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f", amount, m.ledger.available)
	}
	m.ledger.available -= amount
	m.ledger.locked += amount

	log.Printf("balance: locked %.2f (available=%.2f)", amount, m.ledger.available)
	return nil
}

// Unlock releases a reservation made by Lock, moving amount from locked back
// to available. Used when an order is canceled or rejected before filling.
func (m *Manager) Unlock(amount float64) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	m.ledger.locked -= amount
	m.ledger.available += amount

	log.Printf("balance: unlocked %.2f (available=%.2f)", amount, m.ledger.available)
}

// Deduct settles a fill on a buy order: the amount previously locked is
// removed from the book entirely rather than returned to available.
func (m *Manager) Deduct(amount float64) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	m.ledger.locked -= amount
	m.ledger.total -= amount

	log.Printf("balance: deducted %.2f (total=%.2f)", amount, m.ledger.total)
}

// Add credits proceeds from a sell fill directly to available cash.
func (m *Manager) Add(amount float64) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	m.ledger.total += amount
	m.ledger.available += amount

	log.Printf("balance: added %.2f (total=%.2f)", amount, m.ledger.total)
}

// GetBalance returns a snapshot of the ledger's current state.
func (m *Manager) GetBalance() Balance {
	m.ledger.mu.RLock()
	defer m.ledger.mu.RUnlock()

	return Balance{
		Total:     m.ledger.total,
		Available: m.ledger.available,
		Locked:    m.ledger.locked,
	}
}

// SetInitialBalance seeds the ledger for a book with no ExchangeClient
// (dry-run mode). Locked is reset to zero: the book starts with nothing
// reserved against working orders.
func (m *Manager) SetInitialBalance(amount float64) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	m.ledger.total = amount
	m.ledger.available = amount
	m.ledger.locked = 0

	log.Printf("balance: initial balance set to %.2f", amount)
}
