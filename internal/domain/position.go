package domain

import (
	"fmt"
	"time"
)

// Position is the net holding in a single symbol.
type Position struct {
	Symbol        string
	Quantity      float64 // signed: positive long, negative short
	AvgPrice      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

func (p Position) IsFlat() bool {
	return p.Quantity == 0
}

func (p Position) IsLong() bool {
	return p.Quantity > 0
}

func (p Position) IsShort() bool {
	return p.Quantity < 0
}

// MarkToMarket recomputes UnrealizedPnL against the given mark price.
func (p *Position) MarkToMarket(price float64) {
	p.UnrealizedPnL = p.Quantity * (price - p.AvgPrice)
}

// ApplyFill folds a fill into the position, handling all four cases: add
// to an existing position, reduce it, reverse through flat, or flatten
// exactly. Grounded on original_source's PortfolioManager.updatePosition
// (buy-side avg-cost blend, sell-side pass-through) generalized to signed
// quantities so the same code path handles both long and short books.
func (p *Position) ApplyFill(f Fill) {
	signedFillQty := f.Quantity
	if f.Side == SideSell {
		signedFillQty = -signedFillQty
	}

	oldQty := p.Quantity
	newQty := oldQty + signedFillQty

	sameDirection := oldQty == 0 || (oldQty > 0) == (signedFillQty > 0)

	switch {
	case oldQty == 0:
		// Opening a new position: average price is simply the fill price.
		p.AvgPrice = f.Price

	case sameDirection:
		// Adding to an existing position: blend average cost.
		totalCost := p.AvgPrice*absF(oldQty) + f.Price*absF(signedFillQty)
		p.AvgPrice = totalCost / absF(newQty)

	case absF(signedFillQty) <= absF(oldQty):
		// Reducing (or exactly flattening) the existing position: realize
		// PnL on the closed portion, average price on the remainder is
		// unchanged.
		closedQty := absF(signedFillQty)
		if oldQty > 0 {
			p.RealizedPnL += closedQty * (f.Price - p.AvgPrice)
		} else {
			p.RealizedPnL += closedQty * (p.AvgPrice - f.Price)
		}
		if newQty == 0 {
			p.AvgPrice = 0
		}

	default:
		// Reversing through flat: realize PnL on the entire old position,
		// then open a fresh position in the opposite direction at the
		// fill price for the overshoot quantity.
		closedQty := absF(oldQty)
		if oldQty > 0 {
			p.RealizedPnL += closedQty * (f.Price - p.AvgPrice)
		} else {
			p.RealizedPnL += closedQty * (p.AvgPrice - f.Price)
		}
		p.AvgPrice = f.Price
	}

	p.Quantity = newQty
	p.UpdatedAt = f.Timestamp
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Account tracks cash and margin state. The three cash fields must always
// satisfy Cash >= AvailableCash >= 0 and FrozenCash == Cash - AvailableCash.
type Account struct {
	ID            string
	Cash          float64
	AvailableCash float64
	FrozenCash    float64
	UpdatedAt     time.Time
}

func (a Account) Validate() error {
	if a.Cash < 0 {
		return fmt.Errorf("domain: account %s has negative cash %.8f", a.ID, a.Cash)
	}
	if a.AvailableCash < 0 {
		return fmt.Errorf("domain: account %s has negative available cash %.8f", a.ID, a.AvailableCash)
	}
	if a.FrozenCash < 0 {
		return fmt.Errorf("domain: account %s has negative frozen cash %.8f", a.ID, a.FrozenCash)
	}
	if diff := a.Cash - a.AvailableCash - a.FrozenCash; diff > 1e-6 || diff < -1e-6 {
		return fmt.Errorf("domain: account %s cash %.8f does not reconcile with available %.8f + frozen %.8f",
			a.ID, a.Cash, a.AvailableCash, a.FrozenCash)
	}
	return nil
}

// ApplyFill updates cash balances for a fill's net cash flow.
func (a *Account) ApplyFill(f Fill) {
	flow := f.NetCashFlow()
	a.Cash += flow
	a.AvailableCash += flow
	a.UpdatedAt = f.Timestamp
}

// Freeze reserves amount of available cash against an open order.
func (a *Account) Freeze(amount float64) error {
	if amount > a.AvailableCash {
		return fmt.Errorf("domain: account %s cannot freeze %.8f, only %.8f available", a.ID, amount, a.AvailableCash)
	}
	a.AvailableCash -= amount
	a.FrozenCash += amount
	return nil
}

// Unfreeze releases previously frozen cash back to available.
func (a *Account) Unfreeze(amount float64) error {
	if amount > a.FrozenCash {
		return fmt.Errorf("domain: account %s cannot unfreeze %.8f, only %.8f frozen", a.ID, amount, a.FrozenCash)
	}
	a.FrozenCash -= amount
	a.AvailableCash += amount
	return nil
}

// Trade is a closed round-trip kept purely for reporting; it is not the
// authoritative P&L source (see internal/risk, which derives P&L from cash
// plus position valuation plus realized-fill history).
type Trade struct {
	ID          string
	StrategyID  string
	Symbol      string
	EntryFillID string
	ExitFillID  string
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	PnL         float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}
