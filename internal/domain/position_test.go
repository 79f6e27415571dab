package domain

import "testing"

func TestPositionApplyFillAdd(t *testing.T) {
	p := Position{Symbol: "BTCUSD"}
	p.ApplyFill(Fill{Symbol: "BTCUSD", Side: SideBuy, Quantity: 1, Price: 100})
	p.ApplyFill(Fill{Symbol: "BTCUSD", Side: SideBuy, Quantity: 1, Price: 200})

	if p.Quantity != 2 {
		t.Fatalf("quantity = %.8f, want 2", p.Quantity)
	}
	if p.AvgPrice != 150 {
		t.Fatalf("avg price = %.8f, want 150", p.AvgPrice)
	}
}

func TestPositionApplyFillReduce(t *testing.T) {
	p := Position{Symbol: "BTCUSD", Quantity: 2, AvgPrice: 100}
	p.ApplyFill(Fill{Symbol: "BTCUSD", Side: SideSell, Quantity: 1, Price: 150})

	if p.Quantity != 1 {
		t.Fatalf("quantity = %.8f, want 1", p.Quantity)
	}
	if p.AvgPrice != 100 {
		t.Fatalf("avg price should be unchanged on reduce, got %.8f", p.AvgPrice)
	}
	if p.RealizedPnL != 50 {
		t.Fatalf("realized pnl = %.8f, want 50", p.RealizedPnL)
	}
}

func TestPositionApplyFillFlatten(t *testing.T) {
	p := Position{Symbol: "BTCUSD", Quantity: 1, AvgPrice: 100}
	p.ApplyFill(Fill{Symbol: "BTCUSD", Side: SideSell, Quantity: 1, Price: 120})

	if !p.IsFlat() {
		t.Fatalf("expected flat position, got quantity %.8f", p.Quantity)
	}
	if p.AvgPrice != 0 {
		t.Fatalf("expected avg price reset to 0 on flatten, got %.8f", p.AvgPrice)
	}
	if p.RealizedPnL != 20 {
		t.Fatalf("realized pnl = %.8f, want 20", p.RealizedPnL)
	}
}

func TestPositionApplyFillReverse(t *testing.T) {
	p := Position{Symbol: "BTCUSD", Quantity: 1, AvgPrice: 100}
	p.ApplyFill(Fill{Symbol: "BTCUSD", Side: SideSell, Quantity: 3, Price: 110})

	if p.Quantity != -2 {
		t.Fatalf("quantity = %.8f, want -2", p.Quantity)
	}
	if p.AvgPrice != 110 {
		t.Fatalf("expected new short leg averaged at fill price, got %.8f", p.AvgPrice)
	}
	if p.RealizedPnL != 10 {
		t.Fatalf("realized pnl on closed leg = %.8f, want 10", p.RealizedPnL)
	}
}

func TestAccountFreezeUnfreeze(t *testing.T) {
	a := Account{ID: "a1", Cash: 100, AvailableCash: 100}
	if err := a.Freeze(40); err != nil {
		t.Fatalf("unexpected freeze error: %v", err)
	}
	if a.AvailableCash != 60 || a.FrozenCash != 40 {
		t.Fatalf("unexpected balances after freeze: available=%.8f frozen=%.8f", a.AvailableCash, a.FrozenCash)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if err := a.Freeze(1000); err == nil {
		t.Fatal("expected error freezing more than available")
	}
	if err := a.Unfreeze(40); err != nil {
		t.Fatalf("unexpected unfreeze error: %v", err)
	}
	if a.AvailableCash != 100 || a.FrozenCash != 0 {
		t.Fatalf("unexpected balances after unfreeze: available=%.8f frozen=%.8f", a.AvailableCash, a.FrozenCash)
	}
}
