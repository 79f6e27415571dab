package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
	"bookrunner/internal/indicators"
)

// RSIStrategy is an ENTRY strategy: BUY when RSI dips below the oversold
// threshold, SELL when it rises above the overbought threshold.
type RSIStrategy struct {
	id                  string
	period              int
	oversoldThreshold   float64
	overboughtThreshold float64
	size                float64

	entryGuard

	prices     []float64
	rsi        float64
	prevSignal domain.SignalDirection
}

func NewRSIStrategy(id, symbol string, period int, oversold, overbought, size float64) *RSIStrategy {
	return &RSIStrategy{
		id:                  id,
		period:              period,
		oversoldThreshold:   oversold,
		overboughtThreshold: overbought,
		size:                size,
		entryGuard:          newEntryGuard(symbol),
		prices:              make([]float64, 0, period+1),
		prevSignal:          domain.SignalHold,
	}
}

func (s *RSIStrategy) StrategyID() string { return s.id }
func (s *RSIStrategy) Name() string       { return fmt.Sprintf("RSI_%d", s.period) }
func (s *RSIStrategy) Type() Type         { return TypeEntry }

// WatchedSymbols returns the traded symbol unless a position in it is
// already open, preventing the strategy from stacking duplicate opens.
func (s *RSIStrategy) WatchedSymbols() []string { return s.entryGuard.watched() }

func (s *RSIStrategy) Initialize(config Config) error {
	if s.period <= 0 {
		return fmt.Errorf("rsi %s: period must be positive, got %d", s.id, s.period)
	}
	if s.oversoldThreshold >= s.overboughtThreshold {
		return fmt.Errorf("rsi %s: oversold %.2f must be below overbought %.2f", s.id, s.oversoldThreshold, s.overboughtThreshold)
	}
	return nil
}

func (s *RSIStrategy) Start() error { return s.entryGuard.start() }
func (s *RSIStrategy) Stop() error  { return s.entryGuard.stop() }

func (s *RSIStrategy) Reset() error {
	s.entryGuard.reset()
	s.prices = s.prices[:0]
	s.rsi = 0
	s.prevSignal = domain.SignalHold
	return nil
}

func (s *RSIStrategy) UpdateConfig(config Config) error {
	var p struct {
		Period     int     `json:"period"`
		Oversold   float64 `json:"oversold"`
		Overbought float64 `json:"overbought"`
		Size       float64 `json:"size"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("rsi %s: decode config: %w", s.id, err)
	}
	if p.Period <= 0 {
		return fmt.Errorf("rsi %s: period must be positive, got %d", s.id, p.Period)
	}
	if p.Oversold >= p.Overbought {
		return fmt.Errorf("rsi %s: oversold %.2f must be below overbought %.2f", s.id, p.Oversold, p.Overbought)
	}
	s.period, s.oversoldThreshold, s.overboughtThreshold, s.size = p.Period, p.Oversold, p.Overbought, p.Size
	return nil
}

type RSIState struct {
	PrevSignal domain.SignalDirection `json:"prev_signal"`
	RSI        float64                `json:"rsi"`
	Held       float64                `json:"held"`
}

func (s *RSIStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(RSIState{PrevSignal: s.prevSignal, RSI: s.rsi, Held: s.held})
}

func (s *RSIStrategy) SetState(data json.RawMessage) error {
	var state RSIState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.rsi = state.RSI
	s.held = state.Held
	return nil
}

func (s *RSIStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	s.entryGuard.applyFill(f)
	return nil, nil
}
func (s *RSIStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (s *RSIStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if bar.Symbol != s.symbol {
		return nil, nil
	}

	s.prices = append(s.prices, bar.Close)
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period+1 {
		return nil, nil
	}

	s.rsi = indicators.RSI(s.prices, s.period)
	sig := s.generateSignal(bar)
	if sig != nil && sig.Direction != s.prevSignal {
		s.prevSignal = sig.Direction
		return []domain.Signal{*sig}, nil
	}
	return nil, nil
}

func (s *RSIStrategy) generateSignal(bar domain.Bar) *domain.Signal {
	size := s.size
	if s.rsi < s.oversoldThreshold {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalBuy,
			Strength: 1, ReferencePrice: bar.Close, SuggestedSize: &size,
			Reason:      fmt.Sprintf("RSI oversold: %.2f < %.2f", s.rsi, s.oversoldThreshold),
			GeneratedAt: bar.Timestamp,
		}
	}
	if s.rsi > s.overboughtThreshold {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalSell,
			Strength: 1, ReferencePrice: bar.Close, SuggestedSize: &size,
			Reason:      fmt.Sprintf("RSI overbought: %.2f > %.2f", s.rsi, s.overboughtThreshold),
			GeneratedAt: bar.Timestamp,
		}
	}
	return nil
}
