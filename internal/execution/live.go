package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
	exchange "bookrunner/pkg/exchanges/common"
)

// Live routes orders to a real exchange gateway. Grounded on
// order.Executor.Handle's request translation and gateway resolution
// (minus the multi-user connection pool, which belongs to the account
// layer rather than execution).
type Live struct {
	bus     *eventbus.Bus
	gateway exchange.Gateway
	venue   string

	mu      sync.Mutex
	pending map[string]domain.Order
}

func NewLive(bus *eventbus.Bus, gw exchange.Gateway, venue string) *Live {
	return &Live{bus: bus, gateway: gw, venue: venue, pending: make(map[string]domain.Order)}
}

func (l *Live) Submit(ctx context.Context, order domain.Order) error {
	req := exchange.OrderRequest{
		Symbol:      order.Symbol,
		Side:        exchange.Side(order.Side),
		Type:        exchange.OrderType(order.Type),
		Qty:         order.Quantity,
		Price:       order.Price,
		TimeInForce: exchange.TimeInForce(order.TIF),
		ClientID:    order.ID,
		Market:      exchange.MarketSpot,
	}

	result, err := l.gateway.SubmitOrder(ctx, req)
	if err != nil {
		order.Status = domain.OrderRejected
		order.RejectReason = err.Error()
		order.UpdatedAt = time.Now()
		l.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionReject, ""))
		return fmt.Errorf("execution: %s submit failed: %w", l.venue, err)
	}

	order.Status = domain.OrderAccepted
	order.UpdatedAt = time.Now()
	l.mu.Lock()
	l.pending[result.ExchangeOrderID] = order
	l.mu.Unlock()
	l.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionModify, ""))
	return nil
}

func (l *Live) Cancel(ctx context.Context, orderID string) error {
	l.mu.Lock()
	order, ok := l.pending[orderID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution: unknown order %s", orderID)
	}
	if err := l.gateway.CancelOrder(ctx, order.Symbol, orderID); err != nil {
		return fmt.Errorf("execution: %s cancel failed: %w", l.venue, err)
	}
	order.Status = domain.OrderCancelled
	order.UpdatedAt = time.Now()
	l.mu.Lock()
	delete(l.pending, orderID)
	l.mu.Unlock()
	l.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionModify, ""))
	return nil
}

// ReportFill folds an exchange-confirmed execution report (from a user-data
// stream) into the pending order it belongs to and publishes the resulting
// fill and order-modify events onto the domain bus. exchangeOrderID must
// match the ID a prior Submit registered in pending.
func (l *Live) ReportFill(exchangeOrderID string, qty, price, fee float64, isMaker bool, at time.Time) error {
	l.mu.Lock()
	order, ok := l.pending[exchangeOrderID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("execution: fill report for unknown order %s", exchangeOrderID)
	}
	order.ApplyFill(qty, price, at)
	if order.Status == domain.OrderFilled {
		delete(l.pending, exchangeOrderID)
	} else {
		l.pending[exchangeOrderID] = order
	}
	l.mu.Unlock()

	// Live fills carry an exchange-reported total fee rather than our own
	// commission/stamp-tax/transfer-fee breakdown; isMaker no longer
	// changes the rate here (the exchange already applied its own), but is
	// kept in the signature since callers still report it.
	_ = isMaker
	fill := domain.Fill{
		ID:          fmt.Sprintf("fill-%s-%d", order.ID, at.UnixNano()),
		OrderID:     order.ID,
		StrategyID:  order.StrategyID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		IsSimulated: false,
		Timestamp:   at,
	}
	if err := fill.Validate(); err != nil {
		return fmt.Errorf("execution: %s fill invalid: %w", l.venue, err)
	}
	l.bus.Publish(domain.NewFillEvent(fill))
	l.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionModify, ""))
	return nil
}
