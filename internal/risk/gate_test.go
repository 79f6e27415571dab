package risk

import (
	"testing"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// fakeBook is a minimal in-memory Book for exercising Gate in isolation.
type fakeBook struct {
	positions map[string]domain.Position
	account   domain.Account
}

func (b *fakeBook) Position(symbol string) domain.Position {
	return b.positions[symbol]
}

func (b *fakeBook) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

func (b *fakeBook) Account() domain.Account {
	return b.account
}

type fakeMetrics struct {
	metrics RiskMetrics
}

func (f fakeMetrics) GetMetrics() RiskMetrics {
	return f.metrics
}

func TestGateEvaluateSignalSizesAndRoundsToLot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultPositionSize = 10000
	cfg.MaxPositionPercent = 0.05
	cfg.MaxTotalPositionPercent = 0.5
	cfg.MinOrderAmount = 1000

	book := &fakeBook{
		positions: map[string]domain.Position{},
		account:   domain.Account{Cash: 1000000, AvailableCash: 1000000},
	}
	gate := NewGate(cfg, book, fakeMetrics{}, eventbus.New(eventbus.DefaultCapacity))
	defer gate.Close()

	sig := domain.Signal{
		ID:             "sig-1",
		StrategyID:     "s1",
		Symbol:         "000001.SZ",
		Direction:      domain.SignalBuy,
		Strength:       0.8,
		ReferencePrice: 10.00,
		Priority:       5,
		GeneratedAt:    time.Now(),
	}

	order, err := gate.EvaluateSignal(sig, time.Now())
	if err != nil {
		t.Fatalf("EvaluateSignal returned error: %v", err)
	}
	if order == nil {
		t.Fatal("expected an order, got nil")
	}
	if order.Quantity != 1000 {
		t.Fatalf("Quantity=%v, expected 1000 (10000/10.00/100*100)", order.Quantity)
	}
	if order.Type != domain.OrderTypeLimit {
		t.Fatalf("Type=%v, expected LIMIT", order.Type)
	}
	if order.Price != sig.ReferencePrice {
		t.Fatalf("Price=%v, expected %v", order.Price, sig.ReferencePrice)
	}
	if order.Side != domain.SideBuy {
		t.Fatalf("Side=%v, expected BUY", order.Side)
	}

	total, passed, rejected, orders := gate.Counts()
	if total != 1 || passed != 1 || rejected != 0 || orders != 1 {
		t.Fatalf("counters = (%d,%d,%d,%d), expected (1,1,0,1)", total, passed, rejected, orders)
	}
}

func TestGateRejectsOverPositionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultPositionSize = 10000
	cfg.MaxPositionPercent = 0.05
	cfg.MaxTotalPositionPercent = 0.5

	book := &fakeBook{
		positions: map[string]domain.Position{
			"000001.SZ": {Symbol: "000001.SZ", Quantity: 6000, AvgPrice: 10.00}, // 60,000 = 6% of 1,000,000
		},
		account: domain.Account{Cash: 940000, AvailableCash: 940000},
	}
	gate := NewGate(cfg, book, fakeMetrics{}, eventbus.New(eventbus.DefaultCapacity))
	defer gate.Close()

	sig := domain.Signal{
		ID:             "sig-2",
		StrategyID:     "s1",
		Symbol:         "000001.SZ",
		Direction:      domain.SignalBuy,
		Strength:       0.8,
		ReferencePrice: 10.00,
		Priority:       5,
		GeneratedAt:    time.Now(),
	}

	order, err := gate.EvaluateSignal(sig, time.Now())
	if err == nil {
		t.Fatal("expected a rejection error, got nil")
	}
	if order != nil {
		t.Fatal("expected no order on rejection")
	}

	total, passed, rejected, orders := gate.Counts()
	if total != 1 || passed != 0 || rejected != 1 || orders != 0 {
		t.Fatalf("counters = (%d,%d,%d,%d), expected (1,0,1,0)", total, passed, rejected, orders)
	}
}

func TestGateRejectsBelowMinOrderAmount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultPositionSize = 500
	cfg.MinOrderAmount = 1000

	book := &fakeBook{
		positions: map[string]domain.Position{},
		account:   domain.Account{Cash: 1000000, AvailableCash: 1000000},
	}
	gate := NewGate(cfg, book, fakeMetrics{}, eventbus.New(eventbus.DefaultCapacity))
	defer gate.Close()

	sig := domain.Signal{
		ID:             "sig-3",
		StrategyID:     "s1",
		Symbol:         "000001.SZ",
		Direction:      domain.SignalBuy,
		Strength:       0.5,
		ReferencePrice: 10.00,
		Priority:       5,
		GeneratedAt:    time.Now(),
	}

	if _, err := gate.EvaluateSignal(sig, time.Now()); err == nil {
		t.Fatal("expected rejection for order amount below minimum")
	}
}

func TestGateBlockedSymbolRejectsSignal(t *testing.T) {
	cfg := DefaultConfig()
	book := &fakeBook{
		positions: map[string]domain.Position{},
		account:   domain.Account{Cash: 1000000, AvailableCash: 1000000},
	}
	gate := NewGate(cfg, book, fakeMetrics{}, eventbus.New(eventbus.DefaultCapacity))
	defer gate.Close()

	gate.BlockSymbol("000001.SZ", "manual review", time.Now())
	if blocked, reason := gate.IsBlocked("000001.SZ"); !blocked || reason != "manual review" {
		t.Fatalf("IsBlocked = (%v,%q), expected (true, \"manual review\")", blocked, reason)
	}

	sig := domain.Signal{
		ID:             "sig-4",
		StrategyID:     "s1",
		Symbol:         "000001.SZ",
		Direction:      domain.SignalBuy,
		Strength:       0.5,
		ReferencePrice: 10.00,
		Priority:       5,
		GeneratedAt:    time.Now(),
	}
	if _, err := gate.EvaluateSignal(sig, time.Now()); err == nil {
		t.Fatal("expected rejection for blocked symbol")
	}

	gate.UnblockSymbol("000001.SZ")
	if blocked, _ := gate.IsBlocked("000001.SZ"); blocked {
		t.Fatal("expected symbol to be unblocked")
	}
}
