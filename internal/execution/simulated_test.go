package execution

import (
	"context"
	"testing"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

type fakeMarket struct {
	bars map[string]domain.Bar
}

func (f fakeMarket) LatestBar(symbol string) (domain.Bar, bool) {
	b, ok := f.bars[symbol]
	return b, ok
}

func newTestOrder(side domain.OrderSide, typ domain.OrderType, price, qty float64) domain.Order {
	return domain.Order{
		ID:       "o1",
		Symbol:   "AAPL",
		Side:     side,
		Type:     typ,
		Price:    price,
		Quantity: qty,
		Status:   domain.OrderAccepted,
	}
}

func TestSimulatedRejectsWithoutMarketData(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultCapacity)
	defer bus.Close()

	fills := make(chan domain.Event, 4)
	bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) { fills <- ev }), domain.EventOrder)

	sim := NewSimulated(bus, fakeMarket{bars: map[string]domain.Bar{}}, DefaultSimConfig(), domain.FeeSchedule{}, 1)
	if err := sim.Submit(context.Background(), newTestOrder(domain.SideBuy, domain.OrderTypeMarket, 0, 10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case ev := <-fills:
		if ev.Order.Action != domain.OrderActionReject {
			t.Fatalf("expected reject action, got %v", ev.Order.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reject event")
	}
}

func TestSimulatedFillsMarketOrder(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultCapacity)
	defer bus.Close()

	fillCh := make(chan domain.Event, 4)
	bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) { fillCh <- ev }), domain.EventFill)

	cfg := DefaultSimConfig()
	cfg.EnableSlippage = false
	cfg.RejectionProb = 0

	bar := domain.Bar{Symbol: "AAPL", Timestamp: time.Now(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	sim := NewSimulated(bus, fakeMarket{bars: map[string]domain.Bar{"AAPL": bar}}, cfg, domain.FeeSchedule{}, 1)

	if err := sim.Submit(context.Background(), newTestOrder(domain.SideBuy, domain.OrderTypeMarket, 0, 10)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case ev := <-fillCh:
		if ev.Fill.Price != bar.High {
			t.Fatalf("expected fill at bar high %.2f, got %.2f", bar.High, ev.Fill.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fill event")
	}
}

func TestSimulatedRejectsLimitBuyBelowMarket(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultCapacity)
	defer bus.Close()

	rejectCh := make(chan domain.Event, 4)
	bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) { rejectCh <- ev }), domain.EventOrder)

	cfg := DefaultSimConfig()
	cfg.RejectionProb = 0
	bar := domain.Bar{Symbol: "AAPL", Timestamp: time.Now(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	sim := NewSimulated(bus, fakeMarket{bars: map[string]domain.Bar{"AAPL": bar}}, cfg, domain.FeeSchedule{}, 1)

	order := newTestOrder(domain.SideBuy, domain.OrderTypeLimit, 90, 10)
	if err := sim.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case ev := <-rejectCh:
		if ev.Order.Action != domain.OrderActionReject {
			t.Fatalf("expected reject action, got %v", ev.Order.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reject event")
	}
}
