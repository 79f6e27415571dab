// Package state keeps the in-memory book (positions and account cash) that
// the risk gate consults before allowing a signal to become an order. It is
// kept current by subscribing to fill events on the event bus and persists
// positions to the database for restart durability, same as the teacher's
// original position cache.
package state

import (
	"context"
	"log"
	"sync"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
	"bookrunner/internal/persistence"
	"bookrunner/pkg/db"
)

// Manager is the in-memory book: current positions and account cash,
// updated as fills arrive. Grounded on the teacher's position cache
// (Load/Position/Positions/RecordFill/SetPosition), generalized from
// db.Position's simplified average-cost math to domain.Position's full
// four-way ApplyFill rule, and extended with an Account so it satisfies
// risk.Book directly.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	account   domain.Account
	db        *db.Database
	trades    *persistence.BatchWriter

	fillSub *eventbus.Subscription
}

func NewManager(database *db.Database) *Manager {
	m := &Manager{
		db:        database,
		positions: make(map[string]domain.Position),
	}
	// Trade rows arrive one per fill and only ever get read back for
	// reporting, so they tolerate a short batching window; positions
	// still write synchronously above since the risk gate reads them
	// back immediately.
	if database != nil {
		m.trades = persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond)
	}
	return m
}

// Close flushes any buffered trade writes and stops the batch writer.
func (m *Manager) Close() {
	if m.fillSub != nil {
		m.fillSub.Unsubscribe()
	}
	if m.trades != nil {
		if err := m.trades.Close(); err != nil {
			log.Printf("state manager: batch writer close failed: %v", err)
		}
	}
}

// Load seeds in-memory positions from the database on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range rows {
		m.positions[p.Symbol] = domain.Position{Symbol: p.Symbol, Quantity: p.Qty, AvgPrice: p.AvgPrice}
	}
	return nil
}

// SeedAccount sets the starting cash balance, typically from config in
// paper-trading mode or from the balance manager's exchange sync in live
// mode.
func (m *Manager) SeedAccount(cash float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = domain.Account{Cash: cash, AvailableCash: cash}
}

// Attach subscribes the book to fill events, keeping it current without
// the caller having to route fills through it manually. Satisfies the
// risk.Book interface once attached.
func (m *Manager) Attach(bus *eventbus.Bus) {
	m.fillSub = bus.Subscribe(eventbus.HandlerFunc(m.onFill), domain.EventFill)
}

func (m *Manager) onFill(ev domain.Event) {
	if ev.Fill == nil {
		return
	}
	m.ApplyFill(*ev.Fill)
}

// ApplyFill updates the position and account for a fill, and persists the
// resulting position.
func (m *Manager) ApplyFill(f domain.Fill) {
	m.mu.Lock()
	pos := m.positions[f.Symbol]
	if pos.Symbol == "" {
		pos.Symbol = f.Symbol
	}
	pos.ApplyFill(f)
	if pos.Quantity == 0 {
		delete(m.positions, f.Symbol)
	} else {
		m.positions[f.Symbol] = pos
	}
	m.account.ApplyFill(f)
	acct := m.account
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.UpsertPosition(context.Background(), db.Position{
			Symbol: pos.Symbol, Qty: pos.Quantity, AvgPrice: pos.AvgPrice, UpdatedAt: pos.UpdatedAt,
		}); err != nil {
			log.Printf("state manager: persist position failed for %s: %v", f.Symbol, err)
		}
	}
	if m.trades != nil {
		m.trades.WriteQuery(`
			INSERT INTO trades (id, order_id, symbol, side, price, qty, fee, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.OrderID, f.Symbol, string(f.Side), f.Price, f.Quantity, f.Fee, f.Timestamp)
	}
	if err := acct.Validate(); err != nil {
		log.Printf("state manager: account invariant violated after fill %s: %v", f.ID, err)
	}
}

// Position returns the latest in-memory snapshot for a symbol.
func (m *Manager) Position(symbol string) domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol]
}

// Positions returns a snapshot of all positions.
func (m *Manager) Positions() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	return res
}

// Account returns the current account snapshot.
func (m *Manager) Account() domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// SetPosition directly overwrites a position, used by reconciliation to
// sync against the exchange's view.
func (m *Manager) SetPosition(ctx context.Context, symbol string, qty, avgPrice float64) error {
	m.mu.Lock()
	m.positions[symbol] = domain.Position{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice}
	m.mu.Unlock()

	if m.db != nil {
		return m.db.UpsertPosition(ctx, db.Position{Symbol: symbol, Qty: qty, AvgPrice: avgPrice})
	}
	return nil
}
