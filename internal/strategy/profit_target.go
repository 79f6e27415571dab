package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
)

// ProfitTargetStrategy is a UNIVERSAL_STOP strategy: it tracks every
// position opened by a fill, regardless of which strategy generated the
// order, and issues a closing signal once a position's unrealized gain
// crosses targetPercent. Grounded on the teacher's checkProfitTarget sweep,
// generalized from its periodic-scan shape into a fill/bar-driven tracker
// since this tree has no separate position-scan timer for it to hook.
type ProfitTargetStrategy struct {
	id            string
	targetPercent float64
	running       bool

	positions map[string]*trackedPosition
}

type trackedPosition struct {
	Side     domain.SignalDirection // BUY (long) or SELL (short)
	Quantity float64
	AvgPrice float64
}

func NewProfitTargetStrategy(id string, targetPercent float64) *ProfitTargetStrategy {
	return &ProfitTargetStrategy{
		id: id, targetPercent: targetPercent, running: true, positions: make(map[string]*trackedPosition),
	}
}

func (s *ProfitTargetStrategy) StrategyID() string { return s.id }
func (s *ProfitTargetStrategy) Name() string       { return fmt.Sprintf("ProfitTarget_%.1f%%", s.targetPercent*100) }
func (s *ProfitTargetStrategy) Type() Type         { return TypeUniversalStop }

// WatchedSymbols returns nil: a UNIVERSAL_STOP strategy watches every symbol
// with an open position, not a fixed list.
func (s *ProfitTargetStrategy) WatchedSymbols() []string { return nil }

func (s *ProfitTargetStrategy) Initialize(config Config) error {
	if s.targetPercent <= 0 {
		return fmt.Errorf("profit_target %s: targetPercent must be positive, got %.4f", s.id, s.targetPercent)
	}
	return nil
}

func (s *ProfitTargetStrategy) Start() error { s.running = true; return nil }
func (s *ProfitTargetStrategy) Stop() error  { s.running = false; return nil }

// Reset drops every tracked position, matching original_source's
// checkProfitTarget which re-derives its watch set from live fills rather
// than persisting it across a restart-equivalent.
func (s *ProfitTargetStrategy) Reset() error {
	s.positions = make(map[string]*trackedPosition)
	s.running = true
	return nil
}

func (s *ProfitTargetStrategy) UpdateConfig(config Config) error {
	var p struct {
		TargetPercent float64 `json:"target_percent"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("profit_target %s: decode config: %w", s.id, err)
	}
	if p.TargetPercent <= 0 {
		return fmt.Errorf("profit_target %s: targetPercent must be positive, got %.4f", s.id, p.TargetPercent)
	}
	s.targetPercent = p.TargetPercent
	return nil
}

type ProfitTargetState struct {
	Positions map[string]*trackedPosition `json:"positions"`
}

func (s *ProfitTargetStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(ProfitTargetState{Positions: s.positions})
}

func (s *ProfitTargetStrategy) SetState(data json.RawMessage) error {
	var state ProfitTargetState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Positions != nil {
		s.positions = state.Positions
	}
	return nil
}

func (s *ProfitTargetStrategy) OnFillEvent(fill domain.Fill) ([]domain.Signal, error) {
	side := domain.SignalBuy
	if fill.Side == domain.SideSell {
		side = domain.SignalSell
	}

	pos, ok := s.positions[fill.Symbol]
	if !ok {
		s.positions[fill.Symbol] = &trackedPosition{Side: side, Quantity: fill.Quantity, AvgPrice: fill.Price}
		return nil, nil
	}

	if pos.Side == side {
		total := pos.Quantity + fill.Quantity
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + fill.Price*fill.Quantity) / total
		pos.Quantity = total
		return nil, nil
	}

	pos.Quantity -= fill.Quantity
	if pos.Quantity <= 0 {
		delete(s.positions, fill.Symbol)
	}
	return nil, nil
}

func (s *ProfitTargetStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (s *ProfitTargetStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	pos, ok := s.positions[bar.Symbol]
	if !ok || pos.Quantity <= 0 || pos.AvgPrice <= 0 {
		return nil, nil
	}

	gain := (bar.Close - pos.AvgPrice) / pos.AvgPrice
	if pos.Side == domain.SignalSell {
		gain = -gain
	}
	if gain < s.targetPercent {
		return nil, nil
	}

	closeDir := domain.SignalSell
	if pos.Side == domain.SignalSell {
		closeDir = domain.SignalBuy
	}
	notional := pos.Quantity * bar.Close
	delete(s.positions, bar.Symbol)

	return []domain.Signal{{
		StrategyID:     s.id,
		Symbol:         bar.Symbol,
		Direction:      closeDir,
		Strength:       1,
		ReferencePrice: bar.Close,
		SuggestedSize:  &notional,
		Reason:         fmt.Sprintf("profit target reached: %.2f%% gain on %s", gain*100, bar.Symbol),
		GeneratedAt:    bar.Timestamp,
	}}, nil
}
