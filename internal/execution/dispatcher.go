package execution

import (
	"context"
	"log"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// Dispatcher routes OrderEvents from the bus to a Handler, decoupling the
// risk gate (which only knows how to produce orders) from whichever
// execution mode is active.
type Dispatcher struct {
	handler Handler
	sub     *eventbus.Subscription
}

func NewDispatcher(bus *eventbus.Bus, handler Handler) *Dispatcher {
	d := &Dispatcher{handler: handler}
	d.sub = bus.Subscribe(eventbus.HandlerFunc(d.onOrder), domain.EventOrder)
	return d
}

func (d *Dispatcher) onOrder(ev domain.Event) {
	if ev.Order == nil {
		return
	}
	switch ev.Order.Action {
	case domain.OrderActionNew:
		if err := d.handler.Submit(context.Background(), ev.Order.Order); err != nil {
			log.Printf("execution dispatcher: submit failed for %s: %v", ev.Order.Order.ID, err)
		}
	case domain.OrderActionCancel:
		if err := d.handler.Cancel(context.Background(), ev.Order.Order.ID); err != nil {
			log.Printf("execution dispatcher: cancel failed for %s: %v", ev.Order.Order.ID, err)
		}
	}
}

func (d *Dispatcher) Close() {
	d.sub.Unsubscribe()
}
