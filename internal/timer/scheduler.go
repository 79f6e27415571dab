// Package timer arms the recurring housekeeping ticks the rest of the
// engine reacts to as TimerEvents: market-data updates, risk sweeps,
// strategy ticks, portfolio rebalances, heartbeats, cleanup,
// reconciliation runs and metrics flushes. It only knows how to rearm itself after firing; the
// meaning of each TimerType lives in the domain package.
package timer

import (
	"context"
	"log"
	"sync"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// Spec describes one recurring timer: fire every Every or, when ClockTime
// is set, once per day at ClockTime's wall-clock time (Every is then
// ignored).
type Spec struct {
	Type      domain.TimerType
	Every     time.Duration
	ClockTime *time.Time // hour/minute/second consulted, date ignored
}

// Scheduler owns one goroutine per Spec, grounded on the reconciliation
// service's ticker-plus-context-cancellation loop, generalized to publish
// onto the event bus instead of calling a single hardcoded method.
type Scheduler struct {
	bus   *eventbus.Bus
	specs []Spec

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(bus *eventbus.Bus, specs ...Spec) *Scheduler {
	return &Scheduler{bus: bus, specs: specs}
}

// Start arms every configured timer. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, spec := range s.specs {
		spec := spec
		s.wg.Add(1)
		if spec.ClockTime != nil {
			go s.runDaily(runCtx, spec)
		} else {
			go s.runInterval(runCtx, spec)
		}
	}
	log.Printf("timer scheduler: armed %d timers", len(s.specs))
}

func (s *Scheduler) runInterval(ctx context.Context, spec Spec) {
	defer s.wg.Done()
	if spec.Every <= 0 {
		log.Printf("timer scheduler: %s has non-positive interval, skipping", spec.Type)
		return
	}
	ticker := time.NewTicker(spec.Every)
	defer ticker.Stop()
	for {
		select {
		case fire := <-ticker.C:
			s.fire(spec.Type, fire)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, spec Spec) {
	defer s.wg.Done()
	for {
		wait := durationUntilNext(time.Now(), *spec.ClockTime)
		timer := time.NewTimer(wait)
		select {
		case fire := <-timer.C:
			s.fire(spec.Type, fire)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// durationUntilNext returns how long to wait until the next occurrence of
// clock's hour/minute/second after now, rolling over to the next day if
// that time has already passed today.
func durationUntilNext(now, clock time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

func (s *Scheduler) fire(t domain.TimerType, at time.Time) {
	s.bus.Publish(domain.NewTimerEvent(domain.TimerEvent{Type: t, Fire: at}))
}

// Stop cancels every armed timer and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
