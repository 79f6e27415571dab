package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// MockBarFeed generates synthetic OHLCV bars for local development and
// paper trading, publishing domain.Bar events directly onto the event bus.
// Grounded on the teacher's random-walk-plus-ticker price feed, generalized
// to synthesize a full bar (open/high/low/close/volume) each tick rather
// than a bare price.
type MockBarFeed struct {
	Bus        *eventbus.Bus
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration

	rng *rand.Rand
}

func (m *MockBarFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("mock bar feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100.0
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}

	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					open := prices[sym]
					move := (m.rng.Float64()*2 - 1) * m.Step
					closePrice := open + move
					if closePrice <= 0 {
						closePrice = open
					}
					high := open
					if closePrice > high {
						high = closePrice
					}
					low := open
					if closePrice < low {
						low = closePrice
					}
					high += m.rng.Float64() * m.Step * 0.5
					low -= m.rng.Float64() * m.Step * 0.5
					if low < 0.01 {
						low = 0.01
					}
					volume := 500 + m.rng.Float64()*500

					bar := domain.Bar{
						Symbol:    sym,
						Timestamp: now,
						Open:      open,
						High:      high,
						Low:       low,
						Close:     closePrice,
						Volume:    volume,
					}
					prices[sym] = closePrice
					if err := bar.Validate(); err != nil {
						log.Printf("mock bar feed: generated invalid bar: %v", err)
						continue
					}
					m.Bus.Publish(domain.NewMarketEvent(bar))
				}
			}
		}
	}()
}
