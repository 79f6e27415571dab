package strategy

import (
	"encoding/json"
	"fmt"

	"bookrunner/internal/domain"
)

// TrailingStopStrategy is an EXIT strategy: once a fill opens a position in
// its symbol, it tracks the position's high-water (long) or low-water
// (short) mark and closes the position if price retraces trailingPercent
// from that extreme. Grounded on the teacher's StopLossPosition trailing
// logic (internal/risk/stoploss.go's updateTrailingStop), moved from a
// risk-side price-triggered block into a strategy that emits its own
// closing signal, since EXIT strategies own the close decision here rather
// than the risk gate.
type TrailingStopStrategy struct {
	id              string
	trailingPercent float64

	exitGuard

	side     domain.SignalDirection // side of the position being protected
	entryOK  bool
	extremum float64
}

func NewTrailingStopStrategy(id, symbol string, trailingPercent float64) *TrailingStopStrategy {
	return &TrailingStopStrategy{
		id:              id,
		trailingPercent: trailingPercent,
		exitGuard:       newExitGuard(symbol),
	}
}

func (s *TrailingStopStrategy) StrategyID() string { return s.id }
func (s *TrailingStopStrategy) Name() string       { return fmt.Sprintf("TrailingStop_%.1f%%", s.trailingPercent*100) }
func (s *TrailingStopStrategy) Type() Type         { return TypeExit }

// WatchedSymbols returns exactly the symbol this strategy is protecting,
// and only while a position is open in it.
func (s *TrailingStopStrategy) WatchedSymbols() []string { return s.exitGuard.watched() }

func (s *TrailingStopStrategy) Initialize(config Config) error {
	if s.trailingPercent <= 0 {
		return fmt.Errorf("trailing_stop %s: trailingPercent must be positive, got %.4f", s.id, s.trailingPercent)
	}
	return nil
}

func (s *TrailingStopStrategy) Start() error { return s.exitGuard.start() }
func (s *TrailingStopStrategy) Stop() error  { return s.exitGuard.stop() }

func (s *TrailingStopStrategy) Reset() error {
	s.exitGuard.reset()
	s.entryOK = false
	s.extremum = 0
	return nil
}

func (s *TrailingStopStrategy) UpdateConfig(config Config) error {
	var p struct {
		TrailingPercent float64 `json:"trailing_percent"`
	}
	if err := decodeParams(config, &p); err != nil {
		return fmt.Errorf("trailing_stop %s: decode config: %w", s.id, err)
	}
	if p.TrailingPercent <= 0 {
		return fmt.Errorf("trailing_stop %s: trailingPercent must be positive, got %.4f", s.id, p.TrailingPercent)
	}
	s.trailingPercent = p.TrailingPercent
	return nil
}

type TrailingStopState struct {
	Side     domain.SignalDirection `json:"side"`
	EntryOK  bool                   `json:"entry_ok"`
	Extremum float64                `json:"extremum"`
	Held     float64                `json:"held"`
}

func (s *TrailingStopStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(TrailingStopState{Side: s.side, EntryOK: s.entryOK, Extremum: s.extremum, Held: s.held})
}

func (s *TrailingStopStrategy) SetState(data json.RawMessage) error {
	var state TrailingStopState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.side = state.Side
	s.entryOK = state.EntryOK
	s.extremum = state.Extremum
	s.held = state.Held
	return nil
}

// OnFillEvent tracks the position this strategy protects. A fill that opens
// or adds to a position records/updates its side; a fill that flattens it
// clears the tracked extremum so the next opening fill starts fresh.
func (s *TrailingStopStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	if f.Symbol != s.exitGuard.symbol {
		return nil, nil
	}
	wasFlat := s.held == 0
	s.exitGuard.applyFill(f)

	if s.held == 0 {
		s.entryOK = false
		s.extremum = 0
		return nil, nil
	}
	if wasFlat {
		s.side = domain.SignalBuy
		if f.Side == domain.SideSell {
			s.side = domain.SignalSell
		}
		s.entryOK = true
		s.extremum = f.Price
	}
	return nil, nil
}

func (s *TrailingStopStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

// OnMarketEvent updates the high/low-water mark and closes the position if
// price has retraced trailingPercent from it.
func (s *TrailingStopStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if !s.entryOK || s.held == 0 || bar.Symbol != s.exitGuard.symbol {
		return nil, nil
	}

	triggered := false
	if s.side == domain.SignalBuy {
		if bar.Close > s.extremum {
			s.extremum = bar.Close
		}
		if bar.Close <= s.extremum*(1-s.trailingPercent) {
			triggered = true
		}
	} else {
		if s.extremum == 0 || bar.Close < s.extremum {
			s.extremum = bar.Close
		}
		if bar.Close >= s.extremum*(1+s.trailingPercent) {
			triggered = true
		}
	}
	if !triggered {
		return nil, nil
	}

	closeDir := domain.SignalSell
	if s.side == domain.SignalSell {
		closeDir = domain.SignalBuy
	}
	qty := s.held
	if qty < 0 {
		qty = -qty
	}
	notional := qty * bar.Close
	s.entryOK = false

	return []domain.Signal{{
		StrategyID:     s.id,
		Symbol:         bar.Symbol,
		Direction:      closeDir,
		Strength:       1,
		ReferencePrice: bar.Close,
		SuggestedSize:  &notional,
		Reason:         fmt.Sprintf("trailing stop triggered: %.2f%% retrace from %.2f", s.trailingPercent*100, s.extremum),
		GeneratedAt:    bar.Timestamp,
	}}, nil
}
