// Package execution turns accepted orders into fills. Simulated provides a
// market microstructure model for backtests and paper accounts; Live routes
// to a real exchange gateway. Both implement the same Handler interface so
// the rest of the engine never branches on execution mode.
package execution

import (
	"context"

	"bookrunner/internal/domain"
)

// Handler accepts orders for execution and reports terminal results back
// onto the event bus as fill or rejection events. Grounded on the original
// execution handler's single abstract base with one concrete
// (SimulatedExecutionHandler) and one never-written live subclass; both
// original hierarchies collapse into this one Go interface.
type Handler interface {
	Submit(ctx context.Context, order domain.Order) error
	Cancel(ctx context.Context, orderID string) error
}

// MarketDataSource returns the latest bar seen for a symbol, or ok=false if
// none has arrived yet.
type MarketDataSource interface {
	LatestBar(symbol string) (domain.Bar, bool)
}
