package risk

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// Book is the view of portfolio state the gate needs to evaluate a signal.
// It is satisfied by the state package's in-memory book, kept as an
// interface here so the gate does not import package state directly.
type Book interface {
	Position(symbol string) domain.Position
	Positions() []domain.Position
	Account() domain.Account
}

// MetricsSource gives the gate read access to the running daily-risk
// metrics tracked by Manager, without importing its DB-backed internals.
type MetricsSource interface {
	GetMetrics() RiskMetrics
}

// blockStatus mirrors the original portfolio manager's per-symbol
// RiskStatus: a symbol can be blocked from new entries without touching
// the rest of the book.
type blockStatus struct {
	blocked bool
	reason  string
	since   time.Time
}

// Gate runs every signal through the position-limit, cash, and
// daily-loss/drawdown checks before it is allowed to become an order.
// Grounded on the original portfolio manager's passRiskCheck ->
// checkPositionLimits -> checkCashLimits -> checkDailyRiskLimits pipeline,
// generalized to the percent-of-total-assets rules this system's signal
// pipeline requires.
type Gate struct {
	mu      sync.RWMutex
	cfg     RiskConfig
	book    Book
	metrics MetricsSource
	bus     *eventbus.Bus
	blocks  map[string]*blockStatus

	slMgr *StopLossManager

	sweepSub  *eventbus.Subscription
	signalSub *eventbus.Subscription
	marketSub *eventbus.Subscription
	fillSub   *eventbus.Subscription

	totalSignals    atomic.Uint64
	passedSignals   atomic.Uint64
	rejectedSignals atomic.Uint64
	generatedOrders atomic.Uint64
}

// lotSize is the equities board-lot size that order quantities round down to.
const lotSize = 100.0

func NewGate(cfg RiskConfig, book Book, metrics MetricsSource, bus *eventbus.Bus) *Gate {
	g := &Gate{
		cfg:     cfg,
		book:    book,
		metrics: metrics,
		bus:     bus,
		blocks:  make(map[string]*blockStatus),
		slMgr:   NewStopLossManager(),
	}
	g.sweepSub = bus.Subscribe(eventbus.HandlerFunc(g.onTimer), domain.EventTimer)
	g.signalSub = bus.Subscribe(eventbus.HandlerFunc(g.onSignal), domain.EventSignal)
	g.marketSub = bus.Subscribe(eventbus.HandlerFunc(g.onMarket), domain.EventMarket)
	g.fillSub = bus.Subscribe(eventbus.HandlerFunc(g.onFill), domain.EventFill)
	return g
}

func (g *Gate) Close() {
	if g.sweepSub != nil {
		g.sweepSub.Unsubscribe()
	}
	if g.signalSub != nil {
		g.signalSub.Unsubscribe()
	}
	if g.marketSub != nil {
		g.marketSub.Unsubscribe()
	}
	if g.fillSub != nil {
		g.fillSub.Unsubscribe()
	}
}

// Counts returns the running total/passed/rejected signal counts and the
// number of orders generated.
func (g *Gate) Counts() (total, passed, rejected, orders uint64) {
	return g.totalSignals.Load(), g.passedSignals.Load(), g.rejectedSignals.Load(), g.generatedOrders.Load()
}

// onSignal is the event-bus entry point: every signal published by the
// strategy manager is gated here before it can become an order.
func (g *Gate) onSignal(ev domain.Event) {
	if ev.Signal == nil {
		return
	}
	order, err := g.EvaluateSignal(*ev.Signal, ev.Timestamp)
	if err != nil {
		log.Printf("risk gate: rejected signal %s: %v", ev.Signal.ID, err)
		return
	}
	if order == nil {
		return
	}
	g.bus.Publish(domain.NewOrderEvent(*order, domain.OrderActionNew, ev.Signal.ID))
}

// onMarket feeds bar closes into the stop-loss tracker; a triggered stop or
// take-profit blocks the symbol from new entries until reviewed.
func (g *Gate) onMarket(ev domain.Event) {
	if ev.Bar == nil {
		return
	}
	if decision := g.slMgr.UpdatePrice(ev.Bar.Symbol, ev.Bar.Close); decision != nil && decision.Triggered {
		g.BlockSymbol(ev.Bar.Symbol, decision.Reason, ev.Timestamp)
	}
}

// onFill keeps the stop-loss tracker's view of each position current: a
// fill that flattens a position drops its tracked stop, any other fill
// registers or refreshes it at the account's average cost.
func (g *Gate) onFill(ev domain.Event) {
	if ev.Fill == nil {
		return
	}
	f := ev.Fill
	pos := g.book.Position(f.Symbol)
	if pos.IsFlat() {
		g.slMgr.RemovePosition(f.Symbol)
		return
	}
	side := "LONG"
	if pos.IsShort() {
		side = "SHORT"
	}
	stopLoss, takeProfit := SuggestLevels(string(f.Side), pos.AvgPrice, g.cfg)
	g.slMgr.AddPosition(StopLossPosition{
		StrategyID: f.StrategyID,
		Symbol:     f.Symbol,
		Side:       side,
		EntryPrice: pos.AvgPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
}

// EvaluateSignal runs the full gating pipeline and, if the signal survives,
// returns the Order it should become. A nil order with a nil error means
// the signal was not actionable (HOLD or low-strength); an error means it
// was rejected for a stated risk reason.
func (g *Gate) EvaluateSignal(sig domain.Signal, now time.Time) (*domain.Order, error) {
	g.totalSignals.Add(1)
	reject := func(format string, args ...interface{}) (*domain.Order, error) {
		g.rejectedSignals.Add(1)
		return nil, fmt.Errorf(format, args...)
	}

	if sig.IsExpired(now) {
		return reject("signal %s expired at %s", sig.ID, sig.ExpiresAt)
	}
	if !sig.IsActionable() {
		return nil, nil
	}

	g.mu.RLock()
	cfg := g.cfg
	block, blocked := g.blocks[sig.Symbol]
	g.mu.RUnlock()

	if blocked && block.blocked {
		return reject("symbol %s blocked: %s", sig.Symbol, block.reason)
	}

	acct := g.book.Account()
	positions := g.book.Positions()
	total := g.totalAssets(sig, acct, positions)

	if sig.Direction == domain.SignalBuy {
		if err := g.checkPositionLimits(sig, positions, total, cfg); err != nil {
			return reject("%s", err.Error())
		}
	}

	amount := cfg.DefaultPositionSize
	if sig.SuggestedSize != nil && *sig.SuggestedSize > 0 {
		amount = *sig.SuggestedSize
	}

	if sig.Direction == domain.SignalBuy {
		if amount < cfg.MinOrderAmount {
			return reject("order amount %.2f below minimum %.2f", amount, cfg.MinOrderAmount)
		}
		if amount > acct.AvailableCash {
			return reject("order amount %.2f exceeds available cash %.2f", amount, acct.AvailableCash)
		}
	}

	if err := g.CheckDailyRisk(total); err != nil {
		return reject("%s", err.Error())
	}

	if sig.ReferencePrice <= 0 {
		return reject("signal %s has no reference price", sig.ID)
	}
	quantity := math.Floor(amount/sig.ReferencePrice/lotSize) * lotSize
	if quantity <= 0 {
		return reject("signal %s rounded to zero lots", sig.ID)
	}

	side := domain.SideBuy
	if sig.Direction == domain.SignalSell {
		side = domain.SideSell
	}

	order := domain.Order{
		ID:         fmt.Sprintf("ord-%s-%d", sig.Symbol, now.UnixNano()),
		StrategyID: sig.StrategyID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       domain.OrderTypeLimit,
		Price:      sig.ReferencePrice,
		TIF:        domain.TIFDay,
		Quantity:   quantity,
		Status:     domain.OrderNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	g.passedSignals.Add(1)
	g.generatedOrders.Add(1)
	return &order, nil
}

// totalAssets computes T, the account's cash plus the market value of every
// held position, marking the signal's own symbol at its reference price and
// every other position at its average cost — Account's own definition of
// total market value, applied here across the whole book.
func (g *Gate) totalAssets(sig domain.Signal, acct domain.Account, positions []domain.Position) float64 {
	total := acct.Cash
	for _, pos := range positions {
		price := pos.AvgPrice
		if pos.Symbol == sig.Symbol && sig.ReferencePrice > 0 {
			price = sig.ReferencePrice
		}
		total += math.Abs(pos.Quantity) * price
	}
	return total
}

// checkPositionLimits mirrors PortfolioManager.checkPositionLimits,
// generalized to the percent-of-total-assets caps: a BUY is rejected when
// the symbol's existing position, or the book's total position value,
// already meets or exceeds its cap as a fraction of T.
func (g *Gate) checkPositionLimits(sig domain.Signal, positions []domain.Position, total float64, cfg RiskConfig) error {
	if total <= 0 {
		return nil
	}
	var existingValue, totalPositionValue float64
	for _, pos := range positions {
		price := pos.AvgPrice
		if pos.Symbol == sig.Symbol && sig.ReferencePrice > 0 {
			price = sig.ReferencePrice
		}
		value := math.Abs(pos.Quantity) * price
		totalPositionValue += value
		if pos.Symbol == sig.Symbol {
			existingValue = value
		}
	}
	if cfg.MaxPositionPercent > 0 && existingValue/total >= cfg.MaxPositionPercent {
		return fmt.Errorf("position limit: %s is %.1f%% of total assets, cap %.1f%%",
			sig.Symbol, existingValue/total*100, cfg.MaxPositionPercent*100)
	}
	if cfg.MaxTotalPositionPercent > 0 && totalPositionValue/total >= cfg.MaxTotalPositionPercent {
		return fmt.Errorf("position limit: total positions are %.1f%% of total assets, cap %.1f%%",
			totalPositionValue/total*100, cfg.MaxTotalPositionPercent*100)
	}
	return nil
}

// CheckDailyRisk mirrors PortfolioManager.checkDailyRiskLimits: the running
// daily loss and drawdown, read from Manager's metrics, are checked as
// fractions of total assets T.
func (g *Gate) CheckDailyRisk(total float64) error {
	if total <= 0 || g.metrics == nil {
		return nil
	}
	m := g.metrics.GetMetrics()
	if g.cfg.MaxDailyLossPercent > 0 && m.DailyPnL < 0 && -m.DailyPnL/total >= g.cfg.MaxDailyLossPercent {
		return fmt.Errorf("daily loss %.2f is %.1f%% of total assets, cap %.1f%%",
			m.DailyPnL, -m.DailyPnL/total*100, g.cfg.MaxDailyLossPercent*100)
	}
	if g.cfg.MaxDrawdownPercent > 0 && m.MaxDrawdown/total >= g.cfg.MaxDrawdownPercent {
		return fmt.Errorf("drawdown %.2f is %.1f%% of total assets, cap %.1f%%",
			m.MaxDrawdown, m.MaxDrawdown/total*100, g.cfg.MaxDrawdownPercent*100)
	}
	return nil
}

// BlockSymbol marks a symbol blocked for new entries, mirroring
// RiskStatus.isBlocked/blockReason.
func (g *Gate) BlockSymbol(symbol, reason string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocks[symbol] = &blockStatus{blocked: true, reason: reason, since: now}
}

// UnblockSymbol clears a previously blocked symbol.
func (g *Gate) UnblockSymbol(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocks, symbol)
}

// IsBlocked reports whether a symbol is currently blocked.
func (g *Gate) IsBlocked(symbol string) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.blocks[symbol]
	if !ok || !b.blocked {
		return false, ""
	}
	return true, b.reason
}

// onTimer runs the periodic risk sweep on RISK_CHECK timers, mirroring
// PortfolioManager.performRiskCheck: when the book-wide daily-loss/drawdown
// check trips, every open position is blocked until reviewed. This checks
// book-wide metrics rather than a per-symbol daily P&L breakdown; per-symbol
// attribution would need fill-level P&L tracking this gate doesn't keep.
func (g *Gate) onTimer(ev domain.Event) {
	if ev.Timer == nil || ev.Timer.Type != domain.TimerRiskCheck {
		return
	}
	acct := g.book.Account()
	positions := g.book.Positions()
	total := acct.Cash
	for _, pos := range positions {
		total += math.Abs(pos.Quantity) * pos.AvgPrice
	}
	if err := g.CheckDailyRisk(total); err != nil {
		log.Printf("risk gate: sweep tripped: %v", err)
		for _, pos := range positions {
			if pos.IsFlat() {
				continue
			}
			g.BlockSymbol(pos.Symbol, "risk-limit-triggered", ev.Timestamp)
		}
	}
}
