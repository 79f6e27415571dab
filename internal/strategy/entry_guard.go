package strategy

import "bookrunner/internal/domain"

// entryGuard is embedded by every ENTRY strategy. It tracks whether the
// strategy currently holds a position in its traded symbol and whether
// dispatch is running, so WatchedSymbols can implement the spec's
// duplicate-open guard: a symbol already held drops out of the watch list
// until the position is flat again. Grounded on the teacher's
// StopLossPosition quantity bookkeeping (internal/risk/stoploss.go),
// generalized from a risk-side position tracker into a strategy-side one.
type entryGuard struct {
	symbol  string
	held    float64
	running bool
}

func newEntryGuard(symbol string) entryGuard {
	return entryGuard{symbol: symbol, running: true}
}

// watched returns the guarded symbol, or nil once a position is open in it.
func (g *entryGuard) watched() []string {
	if g.held != 0 {
		return nil
	}
	return []string{g.symbol}
}

func (g *entryGuard) applyFill(f domain.Fill) {
	if f.Symbol != g.symbol {
		return
	}
	switch f.Side {
	case domain.SideBuy:
		g.held += f.Quantity
	case domain.SideSell:
		g.held -= f.Quantity
	}
}

func (g *entryGuard) start() error { g.running = true; return nil }
func (g *entryGuard) stop() error  { g.running = false; return nil }
func (g *entryGuard) reset()       { g.held = 0; g.running = true }

// exitGuard is embedded by every EXIT strategy: the inverse of entryGuard,
// watching exactly the symbols currently held rather than symbols free to
// open.
type exitGuard struct {
	symbol  string
	held    float64
	running bool
}

func newExitGuard(symbol string) exitGuard {
	return exitGuard{symbol: symbol, running: true}
}

func (g *exitGuard) watched() []string {
	if g.held == 0 {
		return nil
	}
	return []string{g.symbol}
}

func (g *exitGuard) applyFill(f domain.Fill) {
	if f.Symbol != g.symbol {
		return
	}
	switch f.Side {
	case domain.SideBuy:
		g.held += f.Quantity
	case domain.SideSell:
		g.held -= f.Quantity
	}
}

func (g *exitGuard) start() error { g.running = true; return nil }
func (g *exitGuard) stop() error  { g.running = false; return nil }
func (g *exitGuard) reset()       { g.held = 0; g.running = true }
