// Command bookrunner runs the event-driven trading engine: a bar feed and
// strategy manager publish signals, a risk gate turns surviving signals into
// orders, and an execution handler (simulated or live) turns orders into
// fills that flow back into the book.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookrunner/internal/api"
	"bookrunner/internal/balance"
	"bookrunner/internal/domain"
	"bookrunner/internal/engine"
	"bookrunner/internal/eventbus"
	"bookrunner/internal/events"
	"bookrunner/internal/execution"
	"bookrunner/internal/gateway"
	"bookrunner/internal/market"
	"bookrunner/internal/monitor"
	"bookrunner/internal/order"
	"bookrunner/internal/reconciliation"
	"bookrunner/internal/risk"
	"bookrunner/internal/state"
	"bookrunner/internal/strategy"
	"bookrunner/internal/timer"
	"bookrunner/pkg/cache"
	"bookrunner/pkg/config"
	"bookrunner/pkg/crypto"
	"bookrunner/pkg/db"
	exfutcoin "bookrunner/pkg/exchanges/binance/futures_coin"
	exfutusdt "bookrunner/pkg/exchanges/binance/futures_usdt"
	exspot "bookrunner/pkg/exchanges/binance/spot"
	exchange "bookrunner/pkg/exchanges/common"
	"bookrunner/pkg/i18n"
	"bookrunner/pkg/license"
	marketdata "bookrunner/pkg/market/binance"
)

// futuresGateway is satisfied by both the USDT-M and COIN-M futures clients:
// order submission plus the listen-key lifecycle their user-data streams need.
type futuresGateway interface {
	exchange.Gateway
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// gatewayFactory builds a per-connection exchange.Gateway from a stored
// connection's decrypted credentials, matching the exchange_type values
// internal/api/controllers.go accepts and already validates against.
func gatewayFactory(cfg *config.Config) gateway.GatewayFactory {
	return func(conn db.Connection, apiKey, apiSecret string) (exchange.Gateway, error) {
		switch conn.ExchangeType {
		case "binance-spot":
			return exspot.New(exspot.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: cfg.BinanceTestnet}), nil
		case "binance-usdtfut":
			return exfutusdt.NewClient(exfutusdt.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: cfg.BinanceTestnet}), nil
		case "binance-coinfut":
			return exfutcoin.NewClient(exfutcoin.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: cfg.BinanceTestnet}), nil
		default:
			return nil, fmt.Errorf("gateway factory: unsupported exchange type %q", conn.ExchangeType)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))

	// License gate: skipped entirely in dev/CI where LICENSE_SECRET is
	// unset, enforced whenever an operator has configured one.
	if cfg.LicenseSecret != "" {
		if err := license.Check(cfg.LicenseSecret, cfg.LicenseToken); err != nil {
			log.Fatalf("license check failed: %v", err)
		}
		log.Println("license check passed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	// stateMgr is the book: positions and cash, kept current by fill events.
	stateMgr := state.NewManager(database)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("StateLoadFailed"), err)
	}
	stateMgr.SeedAccount(cfg.DryRunInitialBalance)

	// bus carries the domain event flow: market -> signal -> order -> fill.
	// legacyBus keeps the older pub/sub wiring the balance manager, HTTP
	// order queue, and gateway user-data streams were built against.
	bus := eventbus.New(cfg.EngineQueueCapacity)
	legacyBus := events.NewBus()

	stateMgr.Attach(bus)

	riskMgr, err := risk.NewManager(database.DB)
	if err != nil {
		log.Printf("risk manager init failed, falling back to in-memory config: %v", err)
		riskMgr = risk.NewInMemory(risk.DefaultConfig())
	}
	riskCfg := riskMgr.GetConfig()
	log.Printf(i18n.Get("RiskManagerInit"), riskCfg.DefaultStopLoss*100, riskCfg.DefaultTakeProfit*100)

	gate := risk.NewGate(riskCfg, stateMgr, riskMgr, bus)
	defer gate.Close()

	barCache := market.NewBarCache(bus)
	defer barCache.Close()

	// priceCache mirrors the last traded price per symbol for cheap REST
	// reads; priceBridge republishes each bar onto legacyBus as a price
	// tick so the /ws handler's subscribers (built against legacyBus, not
	// the domain bus) keep receiving live updates.
	priceCache := cache.NewShardedPriceCache()
	priceBridge := bus.Subscribe(eventbus.HandlerFunc(func(ev domain.Event) {
		if ev.Bar == nil {
			return
		}
		priceCache.Set(ev.Bar.Symbol, ev.Bar.Close)
		legacyBus.Publish(events.EventPriceTick, *ev.Bar)
	}), domain.EventMarket)
	defer priceBridge.Unsubscribe()

	// Exchange gateway selection, mirroring the venue switch a live deploy
	// needs; paper trading (the default) never touches it. The concrete
	// client is kept alongside the Gateway interface value so a live venue
	// can also open a user-data stream for exchange-confirmed fills.
	var venueGateway exchange.Gateway
	var spotClient *exspot.Client
	var futuresClient futuresGateway
	coinMargin := false
	venue := "none"
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	switch {
	case cfg.EnableBinanceTrading:
		venue = "binance-spot"
		spotClient = exspot.New(exspot.Config{APIKey: cfg.BinanceAPIKey, APISecret: cfg.BinanceAPISecret, Testnet: cfg.BinanceTestnet})
		venueGateway = spotClient
	case cfg.EnableBinanceUSDTFutures:
		venue = "binance-usdtfut"
		futuresClient = exfutusdt.NewClient(exfutusdt.Config{APIKey: cfg.BinanceUSDTKey, APISecret: cfg.BinanceUSDTSecret, Testnet: cfg.BinanceTestnet})
		venueGateway = futuresClient
	case cfg.EnableBinanceCoinFutures:
		venue = "binance-coinfut"
		coinMargin = true
		futuresClient = exfutcoin.NewClient(exfutcoin.Config{APIKey: cfg.BinanceCoinKey, APISecret: cfg.BinanceCoinSecret, Testnet: cfg.BinanceTestnet})
		venueGateway = futuresClient
	}

	// Execution handler: simulated fills against the bar cache in dry-run,
	// or the real gateway once one is configured and DryRun is off.
	var execHandler execution.Handler
	if cfg.DryRun || venueGateway == nil {
		simCfg := execution.DefaultSimConfig()
		simCfg.BaseSlippage = cfg.DryRunSlippageBps / 10000.0
		fees := domain.DefaultFeeSchedule()
		fees.CommissionRate = cfg.DryRunFeeRate
		execHandler = execution.NewSimulated(bus, barCache, simCfg, fees, time.Now().UnixNano())
		log.Println(i18n.Get("DryRunMode"))
	} else {
		liveExec := execution.NewLive(bus, venueGateway, venue)
		execHandler = liveExec

		// The gateway only confirms submission; fills arrive asynchronously
		// over the exchange's user-data stream and are folded back in here.
		switch {
		case spotClient != nil:
			stream := order.NewSpotUserStream(spotClient, liveExec, cfg.BinanceTestnet)
			stream.Start(ctx)
		case futuresClient != nil:
			stream := order.NewFuturesUserStream(futuresClient, liveExec, cfg.BinanceTestnet, coinMargin)
			stream.Start(ctx)
		}
	}
	dispatcher := execution.NewDispatcher(bus, execHandler)
	defer dispatcher.Close()

	// Balance manager tracks exchange-reported cash for the legacy HTTP
	// surface; in dry-run it just mirrors the configured starting balance.
	balanceMgr := balance.NewManager(nil, 30*time.Second)
	balanceMgr.SetInitialBalance(cfg.DryRunInitialBalance)
	log.Printf(i18n.Get("BalanceInitialized"), cfg.DryRunInitialBalance)

	if !cfg.DryRun && venueGateway != nil {
		if client, ok := venueGateway.(reconciliation.ExchangeClient); ok {
			reconService := reconciliation.NewService(client, stateMgr, database, 1*time.Minute)
			reconService.SetAutoSync(true)
			reconService.Start(ctx)
		}
	}

	// Legacy HTTP-facing order queue: manual order placement from the API
	// still lands here, then gets translated onto the domain bus so it
	// flows through the same execution handler as strategy-generated
	// orders.
	orderQueue := order.NewQueue(200)
	go orderQueue.Drain(ctx, func(o order.Order) {
		domainOrder, err := legacyOrderToDomain(o)
		if err != nil {
			log.Printf("bookrunner: dropping malformed queued order %s: %v", o.ID, err)
			return
		}
		bus.Publish(domain.NewOrderEvent(domainOrder, domain.OrderActionNew, ""))
	})

	sysMetrics := monitor.NewSystemMetrics()
	log.Println(i18n.Get("SystemMetricsInit"))

	stratMgr := strategy.NewManager(bus, database.DB)
	if configs, err := strategy.LoadConfig("strategies.yaml"); err == nil {
		if err := strategy.SyncConfigToDB(database.DB, configs); err != nil {
			log.Printf("bookrunner: strategy config sync failed: %v", err)
		}
	}
	if err := stratMgr.LoadStrategies(); err != nil {
		log.Printf("bookrunner: strategy load failed: %v", err)
	}

	scheduler := timer.NewScheduler(bus,
		timer.Spec{Type: domain.TimerRiskCheck, Every: 5 * time.Second},
		timer.Spec{Type: domain.TimerStrategy, Every: time.Second},
		timer.Spec{Type: domain.TimerReconcile, Every: time.Minute},
		timer.Spec{Type: domain.TimerMetricsFlush, Every: 30 * time.Second},
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.UseMockFeed {
		feed := &market.MockBarFeed{Bus: bus, Symbols: cfg.BinanceSymbols, Interval: time.Second}
		feed.Start(ctx)
	} else {
		feed := &market.Feed{
			Client:   marketdata.NewClient("", "", cfg.BinanceTestnet),
			Stream:   marketdata.NewStreamClient(cfg.BinanceTestnet),
			Bus:      bus,
			Prices:   priceCache,
			Symbols:  cfg.BinanceSymbols,
			Interval: "1m",
		}
		feed.Start(ctx)
	}

	engService := engine.NewImpl(engine.Config{
		StratMgr:   stratMgr,
		RiskMgr:    riskMgr,
		BalanceMgr: balanceMgr,
		OrderQueue: orderQueue,
		Bus:        legacyBus,
		DB:         database,
		Meta: engine.SystemStatus{
			Mode:        dryRunMode(cfg.DryRun),
			DryRun:      cfg.DryRun,
			Venue:       venue,
			Symbols:     cfg.BinanceSymbols,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion,
		},
	})
	log.Println(i18n.Get("EngineServiceInit"))

	var keyMgr api.KeyManager
	var cryptoMgr *crypto.CredentialVault
	if vault, err := crypto.NewCredentialVault(); err != nil {
		log.Printf("bookrunner: credential vault init failed, exchange credentials cannot be stored: %v", err)
	} else {
		keyMgr = vault
		cryptoMgr = vault
	}
	userBalances := balance.NewMultiUserManager(func(userID string) (*balance.Manager, error) {
		mgr := balance.NewManager(nil, 30*time.Second)
		mgr.SetInitialBalance(cfg.DryRunInitialBalance)
		return mgr, nil
	})

	// gatewayPool resolves a live exchange.Gateway per user connection, so
	// a manual order placed against connection X trades on X's own API
	// keys rather than the process-wide venue gateway above.
	gatewayPool := gateway.NewManager(database.Queries(), cryptoMgr, gatewayFactory(cfg), gateway.DefaultConfig())
	gatewayPool.Start(ctx)
	defer gatewayPool.Stop()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetGatewayPoolStats(gatewayPool.Stats())
			}
		}
	}()

	server := api.NewServer(
		legacyBus,
		database,
		engService,
		sysMetrics,
		orderQueue,
		api.SystemMeta{
			DryRun:      cfg.DryRun,
			Venue:       venue,
			Symbols:     cfg.BinanceSymbols,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion,
		},
		cfg.JWTSecret,
		keyMgr,
		userBalances,
		gatewayPool,
		priceCache,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()
	log.Printf(i18n.Get("ServerListening"), cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))
	cancel()
}

func dryRunMode(dryRun bool) string {
	if dryRun {
		return "DRY_RUN"
	}
	return "LIVE"
}

// legacyOrderToDomain bridges an order placed through the HTTP surface
// (order.Order, the pre-existing wire shape) into the domain.Order the
// execution dispatcher understands.
func legacyOrderToDomain(o order.Order) (domain.Order, error) {
	side := domain.SideBuy
	if o.Side == "SELL" {
		side = domain.SideSell
	}
	typ := domain.OrderTypeMarket
	if o.Type == "LIMIT" {
		typ = domain.OrderTypeLimit
	}
	now := time.Now()
	return domain.Order{
		ID:         o.ID,
		StrategyID: o.StrategyInstanceID,
		Symbol:     o.Symbol,
		Side:       side,
		Type:       typ,
		TIF:        domain.TIFDay,
		Price:      o.Price,
		Quantity:   o.Qty,
		Status:     domain.OrderNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
