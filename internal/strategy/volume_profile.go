package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
)

// VolumeProfileStrategy is an ENTRY strategy: a bar whose volume is
// materially above its trailing average and whose close moves through the
// prior close signals a breakout in the direction of the move.
type VolumeProfileStrategy struct {
	id               string
	volumeMultiplier float64
	size             float64
	volumePeriod     int

	entryGuard

	volumes    []float64
	prices     []float64
	avgVolume  float64
	lastSignal domain.SignalDirection
}

func NewVolumeProfileStrategy(id, symbol string, volumeMultiplier, size float64, volumePeriod int) *VolumeProfileStrategy {
	return &VolumeProfileStrategy{
		id:               id,
		volumeMultiplier: volumeMultiplier,
		size:             size,
		volumePeriod:     volumePeriod,
		entryGuard:       newEntryGuard(symbol),
		volumes:          make([]float64, 0, volumePeriod),
		prices:           make([]float64, 0, 2),
		lastSignal:       domain.SignalHold,
	}
}

func (s *VolumeProfileStrategy) StrategyID() string { return s.id }
func (s *VolumeProfileStrategy) Name() string       { return fmt.Sprintf("VolumeProfile_%.1fx", s.volumeMultiplier) }
func (s *VolumeProfileStrategy) Type() Type         { return TypeEntry }

// WatchedSymbols returns the traded symbol unless a position in it is
// already open, preventing the strategy from stacking duplicate opens.
func (s *VolumeProfileStrategy) WatchedSymbols() []string { return s.entryGuard.watched() }

func (s *VolumeProfileStrategy) Initialize(config Config) error {
	if s.volumePeriod <= 0 {
		return fmt.Errorf("volume_profile %s: volumePeriod must be positive, got %d", s.id, s.volumePeriod)
	}
	if s.volumeMultiplier <= 0 {
		return fmt.Errorf("volume_profile %s: volumeMultiplier must be positive, got %.2f", s.id, s.volumeMultiplier)
	}
	return nil
}

func (s *VolumeProfileStrategy) Start() error { return s.entryGuard.start() }
func (s *VolumeProfileStrategy) Stop() error  { return s.entryGuard.stop() }

func (s *VolumeProfileStrategy) Reset() error {
	s.entryGuard.reset()
	s.volumes, s.prices = s.volumes[:0], s.prices[:0]
	s.avgVolume = 0
	s.lastSignal = domain.SignalHold
	return nil
}

func (s *VolumeProfileStrategy) UpdateConfig(config Config) error {
	var p struct {
		Multiplier float64 `json:"multiplier"`
		Size       float64 `json:"size"`
		Period     int     `json:"period"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("volume_profile %s: decode config: %w", s.id, err)
	}
	if p.Period <= 0 {
		return fmt.Errorf("volume_profile %s: volumePeriod must be positive, got %d", s.id, p.Period)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("volume_profile %s: volumeMultiplier must be positive, got %.2f", s.id, p.Multiplier)
	}
	s.volumeMultiplier, s.size, s.volumePeriod = p.Multiplier, p.Size, p.Period
	if cap(s.volumes) < s.volumePeriod {
		s.volumes = make([]float64, 0, s.volumePeriod)
	}
	return nil
}

type VolumeProfileState struct {
	LastSignal domain.SignalDirection `json:"last_signal"`
	Held       float64                `json:"held"`
}

func (s *VolumeProfileStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(VolumeProfileState{LastSignal: s.lastSignal, Held: s.held})
}

func (s *VolumeProfileStrategy) SetState(data json.RawMessage) error {
	var state VolumeProfileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.lastSignal = state.LastSignal
	s.held = state.Held
	return nil
}

func (s *VolumeProfileStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	s.entryGuard.applyFill(f)
	return nil, nil
}
func (s *VolumeProfileStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (s *VolumeProfileStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if bar.Symbol != s.symbol {
		return nil, nil
	}

	s.volumes = append(s.volumes, bar.Volume)
	if len(s.volumes) > s.volumePeriod {
		s.volumes = s.volumes[1:]
	}
	s.prices = append(s.prices, bar.Close)
	if len(s.prices) > 2 {
		s.prices = s.prices[1:]
	}

	if len(s.volumes) < s.volumePeriod || len(s.prices) < 2 {
		return nil, nil
	}

	sum := 0.0
	for _, v := range s.volumes {
		sum += v
	}
	s.avgVolume = sum / float64(len(s.volumes))

	currentVolume := s.volumes[len(s.volumes)-1]
	currentPrice := s.prices[len(s.prices)-1]
	prevPrice := s.prices[len(s.prices)-2]

	if s.avgVolume == 0 || currentVolume < s.avgVolume*s.volumeMultiplier {
		return nil, nil
	}

	priceChange := currentPrice - prevPrice
	priceChangePercent := (priceChange / prevPrice) * 100
	size := s.size

	var sig *domain.Signal
	switch {
	case priceChange > 0:
		sig = &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalBuy,
			Strength: 1, ReferencePrice: currentPrice, SuggestedSize: &size,
			Reason: fmt.Sprintf("high volume breakout: vol=%.0f (%.1fx avg), price +%.2f%%",
				currentVolume, currentVolume/s.avgVolume, priceChangePercent),
			GeneratedAt: bar.Timestamp,
		}
	case priceChange < 0:
		sig = &domain.Signal{
			StrategyID: s.id, Symbol: s.symbol, Direction: domain.SignalSell,
			Strength: 1, ReferencePrice: currentPrice, SuggestedSize: &size,
			Reason: fmt.Sprintf("high volume breakdown: vol=%.0f (%.1fx avg), price %.2f%%",
				currentVolume, currentVolume/s.avgVolume, priceChangePercent),
			GeneratedAt: bar.Timestamp,
		}
	}

	if sig != nil && sig.Direction != s.lastSignal {
		s.lastSignal = sig.Direction
		return []domain.Signal{*sig}, nil
	}
	return nil, nil
}
