package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"bookrunner/internal/domain"
	"bookrunner/internal/indicators"
)

// BollingerStrategy is an ENTRY strategy: BUY on a lower-band breakout,
// SELL on an upper-band breakout.
type BollingerStrategy struct {
	id        string
	period    int
	numStdDev float64
	size      float64

	entryGuard

	prices     []float64
	middleBand float64
	upperBand  float64
	lowerBand  float64
	prevSignal domain.SignalDirection
}

func NewBollingerStrategy(id, symbol string, period int, numStdDev, size float64) *BollingerStrategy {
	return &BollingerStrategy{
		id:         id,
		period:     period,
		numStdDev:  numStdDev,
		size:       size,
		entryGuard: newEntryGuard(symbol),
		prices:     make([]float64, 0, period),
		prevSignal: domain.SignalHold,
	}
}

func (s *BollingerStrategy) StrategyID() string { return s.id }
func (s *BollingerStrategy) Name() string {
	return fmt.Sprintf("Bollinger_%d_%.1f", s.period, s.numStdDev)
}
func (s *BollingerStrategy) Type() Type { return TypeEntry }

// WatchedSymbols returns the traded symbol unless a position in it is
// already open, preventing the strategy from stacking duplicate opens.
func (s *BollingerStrategy) WatchedSymbols() []string { return s.entryGuard.watched() }

func (s *BollingerStrategy) Initialize(config Config) error {
	if s.period <= 0 {
		return fmt.Errorf("bollinger %s: period must be positive, got %d", s.id, s.period)
	}
	if s.numStdDev <= 0 {
		return fmt.Errorf("bollinger %s: numStdDev must be positive, got %.2f", s.id, s.numStdDev)
	}
	return nil
}

func (s *BollingerStrategy) Start() error { return s.entryGuard.start() }
func (s *BollingerStrategy) Stop() error  { return s.entryGuard.stop() }

func (s *BollingerStrategy) Reset() error {
	s.entryGuard.reset()
	s.prices = s.prices[:0]
	s.middleBand, s.upperBand, s.lowerBand = 0, 0, 0
	s.prevSignal = domain.SignalHold
	return nil
}

func (s *BollingerStrategy) UpdateConfig(config Config) error {
	var p struct {
		Period    int     `json:"period"`
		NumStdDev float64 `json:"std_dev"`
		Size      float64 `json:"size"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("bollinger %s: decode config: %w", s.id, err)
	}
	if p.Period <= 0 {
		return fmt.Errorf("bollinger %s: period must be positive, got %d", s.id, p.Period)
	}
	if p.NumStdDev <= 0 {
		return fmt.Errorf("bollinger %s: numStdDev must be positive, got %.2f", s.id, p.NumStdDev)
	}
	s.period, s.numStdDev, s.size = p.Period, p.NumStdDev, p.Size
	if cap(s.prices) < s.period {
		s.prices = make([]float64, 0, s.period)
	}
	return nil
}

type BollingerState struct {
	PrevSignal domain.SignalDirection `json:"prev_signal"`
	MiddleBand float64                `json:"middle_band"`
	UpperBand  float64                `json:"upper_band"`
	LowerBand  float64                `json:"lower_band"`
	Held       float64                `json:"held"`
}

func (s *BollingerStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(BollingerState{
		PrevSignal: s.prevSignal, MiddleBand: s.middleBand, UpperBand: s.upperBand, LowerBand: s.lowerBand, Held: s.held,
	})
}

func (s *BollingerStrategy) SetState(data json.RawMessage) error {
	var state BollingerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.middleBand = state.MiddleBand
	s.upperBand = state.UpperBand
	s.lowerBand = state.LowerBand
	s.held = state.Held
	return nil
}

func (s *BollingerStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	s.entryGuard.applyFill(f)
	return nil, nil
}
func (s *BollingerStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (s *BollingerStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if bar.Symbol != s.symbol {
		return nil, nil
	}

	s.prices = append(s.prices, bar.Close)
	if len(s.prices) > s.period {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period {
		return nil, nil
	}

	s.calculateBands()
	sig := s.generateSignal(bar)
	if sig != nil && sig.Direction != s.prevSignal {
		s.prevSignal = sig.Direction
		return []domain.Signal{*sig}, nil
	}
	return nil, nil
}

func (s *BollingerStrategy) calculateBands() {
	s.middleBand = indicators.SMA(s.prices, len(s.prices))

	variance := 0.0
	for _, p := range s.prices {
		diff := p - s.middleBand
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(s.prices)))

	s.upperBand = s.middleBand + (s.numStdDev * stdDev)
	s.lowerBand = s.middleBand - (s.numStdDev * stdDev)
}

func (s *BollingerStrategy) generateSignal(bar domain.Bar) *domain.Signal {
	size := s.size
	price := bar.Close
	if price <= s.lowerBand {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalBuy,
			Strength: 1, ReferencePrice: price, SuggestedSize: &size,
			Reason:      fmt.Sprintf("BB lower breakout: price %.2f <= lower %.2f", price, s.lowerBand),
			GeneratedAt: bar.Timestamp,
		}
	}
	if price >= s.upperBand {
		return &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalSell,
			Strength: 1, ReferencePrice: price, SuggestedSize: &size,
			Reason:      fmt.Sprintf("BB upper breakout: price %.2f >= upper %.2f", price, s.upperBand),
			GeneratedAt: bar.Timestamp,
		}
	}
	return nil
}
