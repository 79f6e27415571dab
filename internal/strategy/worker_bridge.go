package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"bookrunner/internal/domain"
	"bookrunner/internal/rpc"
)

// WorkerStrategy forwards market events to an external strategy worker
// process over gRPC and translates its response back into a Signal. State
// is owned by the worker process, not this proxy.
type WorkerStrategy struct {
	id     string
	name   string
	stype  Type
	symbol string
	client *rpc.WorkerClient

	held float64
}

func NewWorkerStrategy(id, name string, stype Type, symbol string, client *rpc.WorkerClient) *WorkerStrategy {
	return &WorkerStrategy{id: id, name: name, stype: stype, symbol: symbol, client: client}
}

func (w *WorkerStrategy) StrategyID() string { return w.id }
func (w *WorkerStrategy) Name() string       { return w.name }
func (w *WorkerStrategy) Type() Type         { return w.stype }

// WatchedSymbols applies the same duplicate-open/exactly-held guard as the
// built-in ENTRY/EXIT strategies, using held tracked from fills. An
// UNIVERSAL_STOP worker watches every symbol.
func (w *WorkerStrategy) WatchedSymbols() []string {
	switch w.stype {
	case TypeEntry:
		if w.held != 0 {
			return nil
		}
		return []string{w.symbol}
	case TypeExit:
		if w.held == 0 {
			return nil
		}
		return []string{w.symbol}
	default:
		return nil
	}
}

func (w *WorkerStrategy) Initialize(config Config) error {
	if w.client == nil {
		return fmt.Errorf("worker strategy %s: no rpc client configured", w.id)
	}
	return nil
}

// Start and Stop are no-ops: dispatch gating lives in the manager's instance
// status, and this proxy holds no state of its own to suspend.
func (w *WorkerStrategy) Start() error { return nil }
func (w *WorkerStrategy) Stop() error  { return nil }

// Reset drops the locally tracked held quantity; all other decision state is
// owned by the worker process, not this proxy.
func (w *WorkerStrategy) Reset() error { w.held = 0; return nil }

// UpdateConfig is a no-op: strategy parameters live in the worker process,
// which this proxy has no protocol to push a new config to.
func (w *WorkerStrategy) UpdateConfig(config Config) error { return nil }

type workerStrategyState struct {
	Held float64 `json:"held"`
}

func (w *WorkerStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(workerStrategyState{Held: w.held})
}

func (w *WorkerStrategy) SetState(data json.RawMessage) error {
	var state workerStrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	w.held = state.Held
	return nil
}

// OnFillEvent tracks held quantity in the proxy's own symbol so
// WatchedSymbols can enforce the duplicate-open/exactly-held guard without
// needing a round trip to the worker process.
func (w *WorkerStrategy) OnFillEvent(f domain.Fill) ([]domain.Signal, error) {
	if f.Symbol != w.symbol {
		return nil, nil
	}
	switch f.Side {
	case domain.SideBuy:
		w.held += f.Quantity
	case domain.SideSell:
		w.held -= f.Quantity
	}
	return nil, nil
}

func (w *WorkerStrategy) OnTimerEvent(domain.TimerEvent) ([]domain.Signal, error) { return nil, nil }

func (w *WorkerStrategy) OnMarketEvent(bar domain.Bar) ([]domain.Signal, error) {
	if w.client == nil || bar.Symbol != w.symbol {
		return nil, nil
	}

	tick := rpc.MarketTick{Symbol: bar.Symbol, Close: bar.Close, Volume: bar.Volume, Timestamp: bar.Timestamp}
	if bar.Indicators != nil {
		tick.Indicators = map[string]float64{
			"ma20": bar.Indicators.MA20, "ma50": bar.Indicators.MA50, "rsi14": bar.Indicators.RSI14,
		}
	}

	resp, err := w.client.OnMarketTick(context.Background(), tick)
	if err != nil {
		log.Printf("strategy worker call failed for %s: %v", w.id, err)
		return nil, err
	}
	if resp == nil || resp.Direction == "" || resp.Direction == string(domain.SignalHold) {
		return nil, nil
	}

	return []domain.Signal{{
		StrategyID:     w.id,
		Symbol:         bar.Symbol,
		Direction:      domain.SignalDirection(resp.Direction),
		Strength:       resp.Strength,
		ReferencePrice: resp.ReferencePrice,
		SuggestedSize:  resp.SuggestedSize,
		Reason:         resp.Reason,
		GeneratedAt:    bar.Timestamp,
	}}, nil
}
