// Package common holds the venue-agnostic vocabulary shared by every
// exchange adapter under pkg/exchanges and pkg/market: order/side/status
// enums, the OrderRequest/OrderResult/Fill wire shapes, and small utilities
// (RateLimiter, TimeSync) that any REST-polling or websocket-streaming
// client needs regardless of which venue it talks to. internal/gateway.Manager
// pools Gateway implementations built from these types.
package common

import "context"

// Gateway is the minimal surface internal/gateway.Manager needs from a
// venue adapter to route an order and cancel it. Adapters (pkg/exchanges/binance/...)
// implement additional venue-specific methods behind their own concrete type;
// only these two are pooled behind the interface.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}
