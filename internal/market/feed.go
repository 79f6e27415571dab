package market

import (
	"context"
	"log"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
	market "bookrunner/pkg/market/binance"
	"bookrunner/pkg/cache"
)

// Feed streams real klines from Binance and publishes them onto the domain
// event bus as bars, the same contract MockBarFeed satisfies for paper
// trading. Grounded on the teacher's kline websocket + polling-fallback
// pair, retargeted from a bare price tick to a full domain.Bar so the live
// venue path feeds the same BarCache/execution.Simulated machinery the
// mock feed does.
type Feed struct {
	Client   *market.Client
	Stream   *market.StreamClient
	Bus      *eventbus.Bus
	Prices   *cache.ShardedPriceCache
	Symbols  []string
	Interval string
}

// Start begins polling + websocket streaming for configured symbols.
func (f *Feed) Start(ctx context.Context) {
	if f.Bus == nil || f.Client == nil || f.Stream == nil {
		log.Println("market feed not fully configured; skipping start")
		return
	}

	for _, sym := range f.Symbols {
		symbol := sym
		ch, stop, err := f.Stream.SubscribeKlines(ctx, symbol, f.Interval)
		if err != nil {
			log.Printf("market feed: ws subscribe %s error: %v", symbol, err)
			continue
		}

		go func() {
			defer stop()
			for k := range ch {
				f.publish(k)
			}
		}()
	}

	// Lightweight polling fallback to avoid gaps if a websocket drops.
	go f.pollSnapshots(ctx)
}

func (f *Feed) publish(k market.Kline) {
	bar := domain.Bar{
		Symbol:    k.Symbol,
		Timestamp: time.UnixMilli(k.CloseTime),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
	if err := bar.Validate(); err != nil {
		log.Printf("market feed: dropping invalid bar for %s: %v", k.Symbol, err)
		return
	}
	if f.Prices != nil {
		f.Prices.Set(bar.Symbol, bar.Close)
	}
	f.Bus.Publish(domain.NewMarketEvent(bar))
}

func (f *Feed) pollSnapshots(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range f.Symbols {
				klines, err := f.Client.GetKlines(sym, f.Interval, 2, 0, 0)
				if err != nil {
					log.Printf("market feed snapshot %s error: %v", sym, err)
					continue
				}
				if len(klines) > 0 {
					f.publish(klines[len(klines)-1])
				}
			}
		}
	}
}
