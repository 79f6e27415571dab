package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
	"bookrunner/internal/indicators"
)

// MACrossStrategy is an ENTRY strategy: BUY on a golden cross (fast MA
// crosses above slow MA), SELL on a death cross. Grounded on the teacher's
// MACrossStrategy, rewired from OnTick to OnMarketEvent.
type MACrossStrategy struct {
	id         string
	fastPeriod int
	slowPeriod int
	size       float64

	entryGuard

	fastMA     float64
	slowMA     float64
	prices     []float64
	prevSignal domain.SignalDirection
}

func NewMACrossStrategy(id, symbol string, fastPeriod, slowPeriod int, size float64) *MACrossStrategy {
	return &MACrossStrategy{
		id:         id,
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		size:       size,
		entryGuard: newEntryGuard(symbol),
		prices:     make([]float64, 0, slowPeriod),
		prevSignal: domain.SignalHold,
	}
}

func (s *MACrossStrategy) StrategyID() string { return s.id }
func (s *MACrossStrategy) Name() string       { return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod) }
func (s *MACrossStrategy) Type() Type         { return TypeEntry }

// WatchedSymbols returns the traded symbol unless a position in it is
// already open, preventing the strategy from stacking duplicate opens.
func (s *MACrossStrategy) WatchedSymbols() []string { return s.entryGuard.watched() }

func (s *MACrossStrategy) Initialize(config Config) error {
	if s.fastPeriod <= 0 || s.slowPeriod <= 0 || s.fastPeriod >= s.slowPeriod {
		return fmt.Errorf("ma_cross %s: fastPeriod %d must be positive and less than slowPeriod %d", s.id, s.fastPeriod, s.slowPeriod)
	}
	return nil
}

func (s *MACrossStrategy) Start() error { return s.entryGuard.start() }
func (s *MACrossStrategy) Stop() error  { return s.entryGuard.stop() }

// Reset clears indicator history and the held-position guard, returning the
// strategy to its freshly-initialized state.
func (s *MACrossStrategy) Reset() error {
	s.entryGuard.reset()
	s.prices = s.prices[:0]
	s.fastMA, s.slowMA = 0, 0
	s.prevSignal = domain.SignalHold
	return nil
}

// UpdateConfig applies new period/size parameters without discarding
// accumulated indicator history.
func (s *MACrossStrategy) UpdateConfig(config Config) error {
	var p struct {
		Fast int     `json:"fast"`
		Slow int     `json:"slow"`
		Size float64 `json:"size"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("ma_cross %s: decode config: %w", s.id, err)
	}
	if p.Fast <= 0 || p.Slow <= 0 || p.Fast >= p.Slow {
		return fmt.Errorf("ma_cross %s: fastPeriod %d must be positive and less than slowPeriod %d", s.id, p.Fast, p.Slow)
	}
	s.fastPeriod, s.slowPeriod, s.size = p.Fast, p.Slow, p.Size
	if cap(s.prices) < s.slowPeriod {
		s.prices = make([]float64, 0, s.slowPeriod)
	}
	return nil
}

type MACrossState struct {
	PrevSignal domain.SignalDirection `json:"prev_signal"`
	FastMA     float64                `json:"fast_ma"`
	SlowMA     float64                `json:"slow_ma"`
	Held       float64                `json:"held"`
}

func (s *MACrossStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(MACrossState{PrevSignal: s.prevSignal, FastMA: s.fastMA, SlowMA: s.slowMA, Held: s.held})
}

func (s *MACrossStrategy) SetState(data json.RawMessage) error {
	var state MACrossState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.fastMA = state.FastMA
	s.slowMA = state.SlowMA
	s.held = state.Held
	return nil
}

func (s *MACrossStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	s.entryGuard.applyFill(f)
	return nil, nil
}
func (s *MACrossStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (s *MACrossStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if bar.Symbol != s.symbol {
		return nil, nil
	}

	s.prices = append(s.prices, bar.Close)
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.slowPeriod {
		return nil, nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices, s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices, s.slowPeriod)

	sig := s.detectCross(oldFast, oldSlow, bar)
	if sig != nil && sig.Direction != s.prevSignal {
		s.prevSignal = sig.Direction
		return []domain.Signal{*sig}, nil
	}
	return nil, nil
}

func (s *MACrossStrategy) detectCross(oldFast, oldSlow float64, bar domain.Bar) *domain.Signal {
	size := s.size
	if oldFast <= oldSlow && s.fastMA > s.slowMA {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalBuy,
			Strength: 1, ReferencePrice: bar.Close, SuggestedSize: &size,
			Reason:      fmt.Sprintf("golden cross: MA%d(%.2f) > MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA),
			GeneratedAt: bar.Timestamp,
		}
	}
	if oldFast >= oldSlow && s.fastMA < s.slowMA {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalSell,
			Strength: 1, ReferencePrice: bar.Close, SuggestedSize: &size,
			Reason:      fmt.Sprintf("death cross: MA%d(%.2f) < MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA),
			GeneratedAt: bar.Timestamp,
		}
	}
	return nil
}
