package market

import (
	"sync"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// BarCache retains the most recent bar seen for each symbol, subscribing to
// market events on the bus. It exists so execution.Simulated (and anything
// else that needs a last-known price) can query the book without coupling
// to whichever feed happens to be running.
type BarCache struct {
	mu   sync.RWMutex
	bars map[string]domain.Bar
	sub  *eventbus.Subscription
}

func NewBarCache(bus *eventbus.Bus) *BarCache {
	c := &BarCache{bars: make(map[string]domain.Bar)}
	c.sub = bus.Subscribe(eventbus.HandlerFunc(c.onBar), domain.EventMarket)
	return c
}

func (c *BarCache) onBar(ev domain.Event) {
	if ev.Bar == nil {
		return
	}
	c.mu.Lock()
	c.bars[ev.Bar.Symbol] = *ev.Bar
	c.mu.Unlock()
}

// LatestBar satisfies execution.MarketDataSource.
func (c *BarCache) LatestBar(symbol string) (domain.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bar, ok := c.bars[symbol]
	return bar, ok
}

func (c *BarCache) Close() {
	c.sub.Unsubscribe()
}
