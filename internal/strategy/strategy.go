// Package strategy defines the pluggable strategy contract and the manager
// that dispatches market, fill, and timer events to registered strategies.
package strategy

import (
	"encoding/json"

	"bookrunner/internal/domain"
)

// Type distinguishes what kind of decision a strategy is responsible for.
// Grounded on original_source's strategy/StrategyType.java, generalized
// with an explicit UNIVERSAL_STOP category for cross-cutting protective
// strategies (trailing stops, profit targets) that watch every symbol
// rather than a fixed set.
type Type string

const (
	TypeEntry         Type = "ENTRY"
	TypeExit          Type = "EXIT"
	TypeUniversalStop Type = "UNIVERSAL_STOP"
)

// Status is a strategy instance's lifecycle state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
)

// Strategy is the contract every trading strategy implements. A strategy is
// stateful but must serialize its state on demand so the manager can
// persist and restore it across restarts.
type Strategy interface {
	StrategyID() string
	Name() string
	Type() Type

	// WatchedSymbols returns the symbols this strategy wants market events
	// for. A UNIVERSAL_STOP strategy returns nil, meaning "every symbol".
	WatchedSymbols() []string

	// Initialize validates config and prepares the strategy to receive
	// events. The manager calls this once, before the strategy is
	// registered; a strategy that fails initialization is never added.
	Initialize(config Config) error

	// Start resumes event dispatch to the strategy. Stop suspends it
	// without discarding accumulated state. A freshly initialized
	// strategy starts already running, so Register does not call Start.
	Start() error
	Stop() error

	// Reset discards accumulated indicator/position state and returns the
	// strategy to the state it would be in immediately after Initialize.
	Reset() error

	// UpdateConfig applies a new parameter set to an already-registered
	// strategy without discarding its accumulated state.
	UpdateConfig(config Config) error

	OnMarketEvent(bar domain.Bar) ([]domain.Signal, error)
	OnFillEvent(fill domain.Fill) ([]domain.Signal, error)
	OnTimerEvent(timer domain.TimerEvent) ([]domain.Signal, error)

	GetState() (json.RawMessage, error)
	SetState(data json.RawMessage) error
}

// watchesSymbol reports whether a strategy's declared watch list includes
// symbol, treating a nil list as "watches everything" per UNIVERSAL_STOP
// strategies.
func watchesSymbol(s Strategy, symbol string) bool {
	watched := s.WatchedSymbols()
	if watched == nil {
		return true
	}
	for _, sym := range watched {
		if sym == symbol {
			return true
		}
	}
	return false
}
