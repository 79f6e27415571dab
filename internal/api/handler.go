package api

import (
	"net/http"
	"time"

	"bookrunner/internal/balance"
	"bookrunner/internal/data"
	"bookrunner/internal/engine"
	"bookrunner/internal/events"
	"bookrunner/internal/gateway"
	"bookrunner/internal/monitor"
	"bookrunner/internal/order"
	"bookrunner/pkg/cache"
	"bookrunner/pkg/db"

	"github.com/gin-gonic/gin"
)

// KeyManager encrypts and decrypts exchange API credentials at rest.
// Satisfied by pkg/crypto.CredentialVault in production and a stub in tests.
type KeyManager interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	CurrentVersion() int
}

// Server wires HTTP endpoints around the event bus. It only talks to the
// trading core through engine.Service, never touching risk/balance/strategy
// managers directly, so the control surface stays stable as those internals
// change.
type Server struct {
	Router       *gin.Engine
	Bus          *events.Bus
	DB           *db.Database
	Engine       engine.Service
	Metrics      *monitor.SystemMetrics
	OrderQueue   order.OrderQueue
	KeyManager   KeyManager
	UserBalances *balance.MultiUserManager
	GatewayPool  *gateway.Manager
	Prices       *cache.ShardedPriceCache
	History      *data.HistoricalDataService
	JWTSecret    string
	Meta         SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	DryRun      bool
	Venue       string
	Symbols     []string
	UseMockFeed bool
	Version     string
}

func NewServer(bus *events.Bus, database *db.Database, eng engine.Service, metrics *monitor.SystemMetrics, orderQueue order.OrderQueue, meta SystemMeta, jwtSecret string, keyMgr KeyManager, userBalances *balance.MultiUserManager, gatewayPool *gateway.Manager, prices *cache.ShardedPriceCache) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger(metrics)) // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	// Security headers handled by Nginx
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:       r,
		Bus:          bus,
		DB:           database,
		Engine:       eng,
		Metrics:      metrics,
		OrderQueue:   orderQueue,
		KeyManager:   keyMgr,
		UserBalances: userBalances,
		GatewayPool:  gatewayPool,
		Prices:       prices,
		// Historical klines are reference/charting data, always read from
		// mainnet regardless of which venue the account trades against.
		History:   data.NewHistoricalDataService(false),
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prometheus", s.getPromMetrics)
		api.GET("/queue/metrics", s.getQueueMetrics)
		api.GET("/prices", s.getPrices)
		api.GET("/market/history", s.getHistory)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.getStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/orders", s.getOrders)
			protected.POST("/orders", s.createOrder)
			protected.GET("/positions", s.getPositions)
			protected.GET("/balance", s.getBalance)
			protected.GET("/risk", s.getRiskMetrics)
			protected.GET("/strategies/:id/performance", s.getStrategyPerformance)

			// Strategy Actions
			protected.POST("/strategies/start-all", s.startAllStrategies)
			protected.POST("/strategies/stop-all", s.stopAllStrategies)
			protected.POST("/strategies/:id/start", s.startStrategy)
			protected.POST("/strategies/:id/pause", s.pauseStrategy)
			protected.POST("/strategies/:id/stop", s.stopStrategy)
			protected.POST("/strategies/:id/panic", s.panicSellStrategy)
			protected.PUT("/strategies/:id/params", s.updateStrategyParams)
			protected.PUT("/strategies/:id/binding", s.updateStrategyBinding)

			// Exchange connections (Phase 2)
			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
