package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
)

// GridStrategy is an ENTRY strategy: BUY near a lower price bound, SELL near
// an upper bound, debounced so it doesn't re-fire while price hovers at a
// bound.
type GridStrategy struct {
	id           string
	upperBound   float64
	lowerBound   float64
	orderSize    float64
	lastAction   domain.SignalDirection
	minStepRatio float64

	entryGuard
}

func NewGridStrategy(id, symbol string, lower, upper, size float64) *GridStrategy {
	return &GridStrategy{
		id:           id,
		upperBound:   upper,
		lowerBound:   lower,
		orderSize:    size,
		lastAction:   domain.SignalHold,
		minStepRatio: 0.002,
		entryGuard:   newEntryGuard(symbol),
	}
}

func (g *GridStrategy) StrategyID() string { return g.id }
func (g *GridStrategy) Name() string       { return "grid_" + g.symbol }
func (g *GridStrategy) Type() Type         { return TypeEntry }

// WatchedSymbols returns the traded symbol unless a position in it is
// already open, preventing the strategy from stacking duplicate opens.
func (g *GridStrategy) WatchedSymbols() []string { return g.entryGuard.watched() }

func (g *GridStrategy) Initialize(config Config) error {
	if g.lowerBound <= 0 || g.upperBound <= g.lowerBound {
		return fmt.Errorf("grid %s: bounds must satisfy 0 < lower(%.2f) < upper(%.2f)", g.id, g.lowerBound, g.upperBound)
	}
	return nil
}

func (g *GridStrategy) Start() error { return g.entryGuard.start() }
func (g *GridStrategy) Stop() error  { return g.entryGuard.stop() }

func (g *GridStrategy) Reset() error {
	g.entryGuard.reset()
	g.lastAction = domain.SignalHold
	return nil
}

func (g *GridStrategy) UpdateConfig(config Config) error {
	var p struct {
		Lower float64 `json:"lower"`
		Upper float64 `json:"upper"`
		Size  float64 `json:"size"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("grid %s: decode config: %w", g.id, err)
	}
	if p.Lower <= 0 || p.Upper <= p.Lower {
		return fmt.Errorf("grid %s: bounds must satisfy 0 < lower(%.2f) < upper(%.2f)", g.id, p.Lower, p.Upper)
	}
	g.lowerBound, g.upperBound, g.orderSize = p.Lower, p.Upper, p.Size
	return nil
}

type GridState struct {
	LastAction domain.SignalDirection `json:"last_action"`
	Held       float64                `json:"held"`
}

func (g *GridStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(GridState{LastAction: g.lastAction, Held: g.held})
}

func (g *GridStrategy) SetState(data json.RawMessage) error {
	var state GridState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	g.lastAction = state.LastAction
	g.held = state.Held
	return nil
}

func (g *GridStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	g.entryGuard.applyFill(f)
	return nil, nil
}
func (g *GridStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (g *GridStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if bar.Symbol != g.symbol || bar.Close <= 0 {
		return nil, nil
	}
	price := bar.Close
	size := g.orderSize

	if g.lastAction == domain.SignalBuy && price > g.lowerBound*(1+g.minStepRatio) {
		g.lastAction = domain.SignalHold
	}
	if g.lastAction == domain.SignalSell && price < g.upperBound*(1-g.minStepRatio) {
		g.lastAction = domain.SignalHold
	}

	if price <= g.lowerBound && g.lastAction != domain.SignalBuy {
		g.lastAction = domain.SignalBuy
		return []domain.Signal{{
			StrategyID: g.id, Symbol: g.symbol, Direction: domain.SignalBuy,
			Strength: 1, ReferencePrice: price, SuggestedSize: &size,
			Reason: fmt.Sprintf("grid buy at %.2f", price), GeneratedAt: bar.Timestamp,
		}}, nil
	}

	if price >= g.upperBound && g.lastAction != domain.SignalSell {
		g.lastAction = domain.SignalSell
		return []domain.Signal{{
			StrategyID: g.id, Symbol: g.symbol, Direction: domain.SignalSell,
			Strength: 1, ReferencePrice: price, SuggestedSize: &size,
			Reason: fmt.Sprintf("grid sell at %.2f", price), GeneratedAt: bar.Timestamp,
		}}, nil
	}

	return nil, nil
}
