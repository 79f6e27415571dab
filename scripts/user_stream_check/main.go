package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
	"bookrunner/internal/execution"
	"bookrunner/internal/order"
	"bookrunner/pkg/config"
	"bookrunner/pkg/db"
	exfutcoin "bookrunner/pkg/exchanges/binance/futures_coin"
	exfutusdt "bookrunner/pkg/exchanges/binance/futures_usdt"
	exspot "bookrunner/pkg/exchanges/binance/spot"
)

// This script tests Spot / USDT-M / COIN-M user data streams end-to-end:
// - creates DB + domain bus
// - starts user streams (based on env/config), each backed by its own
//   execution.Live so a fill report resolves against real gateway state
// - logs every fill event the streams decode
//
// Usage (from the module root):
//   go run ./scripts/user_stream_check
//
// Make sure corresponding API keys are set in .env and enabled in config.

func main() {
	log.Println("=== User Stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(eventbus.DefaultCapacity)
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("init DB error: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations error: %v", err)
	}

	log.Printf("Config: testnet=%v dryRun=%v", cfg.BinanceTestnet, cfg.DryRun)

	// Subscribe to fill events so we can see what the stream decoders emit.
	bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) {
		if ev.Fill != nil {
			log.Printf("[EVENT] fill: order=%s symbol=%s qty=%.8f price=%.8f", ev.Fill.OrderID, ev.Fill.Symbol, ev.Fill.Quantity, ev.Fill.Price)
		}
	}), domain.EventFill)

	// Spot user stream
	if cfg.EnableBinanceTrading && cfg.BinanceAPIKey != "" && cfg.BinanceAPISecret != "" && !cfg.DryRun {
		log.Println("[SPOT] starting user stream listener...")
		spotClient := exspot.New(exspot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
		reporter := execution.NewLive(bus, spotClient, "binance-spot")
		spotStream := order.NewSpotUserStream(spotClient, reporter, cfg.BinanceTestnet)
		spotStream.Start(ctx)
	} else {
		log.Println("[SPOT] skipped (either disabled, missing key/secret, or DRY_RUN=true)")
	}

	// USDT-M futures user stream
	if cfg.EnableBinanceUSDTFutures && cfg.BinanceUSDTKey != "" && cfg.BinanceUSDTSecret != "" && !cfg.DryRun {
		log.Println("[USDT] starting futures user stream listener...")
		usdtClient := exfutusdt.NewClient(exfutusdt.Config{
			APIKey:    cfg.BinanceUSDTKey,
			APISecret: cfg.BinanceUSDTSecret,
			Testnet:   cfg.BinanceTestnet,
		})
		reporter := execution.NewLive(bus, usdtClient, "binance-usdtfut")
		usdtStream := order.NewFuturesUserStream(usdtClient, reporter, cfg.BinanceTestnet, false)
		usdtStream.Start(ctx)
	} else {
		log.Println("[USDT] skipped (either disabled, missing key/secret, or DRY_RUN=true)")
	}

	// COIN-M futures user stream
	if cfg.EnableBinanceCoinFutures && cfg.BinanceCoinKey != "" && cfg.BinanceCoinSecret != "" && !cfg.DryRun {
		log.Println("[COIN] starting futures user stream listener...")
		coinClient := exfutcoin.NewClient(exfutcoin.Config{
			APIKey:    cfg.BinanceCoinKey,
			APISecret: cfg.BinanceCoinSecret,
			Testnet:   cfg.BinanceTestnet,
		})
		reporter := execution.NewLive(bus, coinClient, "binance-coinfut")
		coinStream := order.NewFuturesUserStream(coinClient, reporter, cfg.BinanceTestnet, true)
		coinStream.Start(ctx)
	} else {
		log.Println("[COIN] skipped (either disabled, missing key/secret, or DRY_RUN=true)")
	}

	log.Println("User streams started. Place some test orders on Binance to see fill events.")

	// Wait for interrupt or timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case <-sigCh:
		log.Println("Interrupt received, shutting down user stream check...")
	case <-time.After(10 * time.Minute):
		log.Println("Timeout reached, stopping user stream check...")
	}

	cancel()
	time.Sleep(2 * time.Second)
	log.Println("=== User Stream check finished ===")
}
