package timer

import (
	"context"
	"testing"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

func TestSchedulerFiresIntervalTimer(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultCapacity)
	defer bus.Close()

	events := make(chan domain.Event, 4)
	bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) { events <- ev }), domain.EventTimer)

	sched := NewScheduler(bus, Spec{Type: domain.TimerRiskCheck, Every: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer func() {
		cancel()
		sched.Stop()
	}()

	select {
	case ev := <-events:
		if ev.Timer.Type != domain.TimerRiskCheck {
			t.Fatalf("expected risk check timer, got %v", ev.Timer.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer event")
	}
}

func TestDurationUntilNextRollsToNextDay(t *testing.T) {
	now := time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC)
	clock := time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC)
	d := durationUntilNext(now, clock)
	if d <= 0 || d > 24*time.Hour {
		t.Fatalf("expected duration within next day, got %v", d)
	}
}
