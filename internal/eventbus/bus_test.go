package eventbus

import (
	"sync"
	"testing"
	"time"

	"bookrunner/internal/domain"
)

func TestPublishDeliversInPriorityOrder(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	var mu sync.Mutex
	var got []domain.EventType

	done := make(chan struct{})
	count := 0
	bus.Subscribe(HandlerFunc(func(ev domain.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		count++
		if count == 4 {
			close(done)
		}
		mu.Unlock()
	}))

	// Hold the subscriber lock so the dispatcher stalls in fan-out on a
	// first market event; everything published meanwhile queues up together.
	bus.subMu.Lock()
	bus.Publish(domain.NewMarketEvent(domain.Bar{Symbol: "BTCUSD", High: 1, Low: 1, Open: 1, Close: 1}))
	for {
		bus.mu.Lock()
		queued := len(bus.pq)
		bus.mu.Unlock()
		if queued == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Publish market first even though order/fill should dispatch ahead of
	// it once queued together.
	bus.Publish(domain.NewMarketEvent(domain.Bar{Symbol: "BTCUSD", High: 1, Low: 1, Open: 1, Close: 1}))
	bus.Publish(domain.NewFillEvent(domain.Fill{OrderID: "o1", Symbol: "BTCUSD", Quantity: 1, Price: 1, Side: domain.SideBuy}))
	bus.Publish(domain.NewOrderEvent(domain.Order{ID: "o1", Symbol: "BTCUSD", Quantity: 1, Price: 1, Type: domain.OrderTypeLimit}, domain.OrderActionNew, ""))
	bus.subMu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []domain.EventType{domain.EventMarket, domain.EventFill, domain.EventOrder, domain.EventMarket}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	received := make(chan domain.Event, 4)
	bus.Subscribe(HandlerFunc(func(ev domain.Event) {
		received <- ev
	}), domain.EventFill)

	bus.Publish(domain.NewMarketEvent(domain.Bar{Symbol: "BTCUSD", High: 1, Low: 1, Open: 1, Close: 1}))
	bus.Publish(domain.NewFillEvent(domain.Fill{OrderID: "o1", Symbol: "BTCUSD", Quantity: 1, Price: 1, Side: domain.SideBuy}))

	select {
	case ev := <-received:
		if ev.Type != domain.EventFill {
			t.Fatalf("expected fill event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fill event")
	}

	select {
	case ev := <-received:
		t.Fatalf("unexpected second event delivered: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	received := make(chan domain.Event, 4)
	sub := bus.Subscribe(HandlerFunc(func(ev domain.Event) {
		received <- ev
	}))
	sub.Unsubscribe()

	bus.Publish(domain.NewMarketEvent(domain.Bar{Symbol: "BTCUSD", High: 1, Low: 1, Open: 1, Close: 1}))

	select {
	case ev := <-received:
		t.Fatalf("unexpected event delivered after unsubscribe: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullInboxDropsRatherThanBlocksPublisher(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(HandlerFunc(func(ev domain.Event) {
		<-block // stall the worker so its inbox fills up
	}))

	for i := 0; i < DefaultCapacity/10+10; i++ {
		bus.Publish(domain.NewMarketEvent(domain.Bar{Symbol: "BTCUSD", High: 1, Low: 1, Open: 1, Close: 1}))
	}
	close(block)
}
