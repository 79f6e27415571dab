// Package gateway pools one live venue connection per (user, connection)
// pair behind the common.Gateway interface. An operator can register
// several exchange credentials through pkg/db; this pool is what turns a
// stored, encrypted credential row into a dialed adapter on first use, and
// keeps it warm — subject to LRU eviction and a failure-based circuit
// breaker — until it goes idle. This is the multi-account surface: the
// single-book engine (internal/engine) never touches a Manager, it holds
// one venue client for its own lifetime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookrunner/pkg/crypto"
	"bookrunner/pkg/db"
	exchange "bookrunner/pkg/exchanges/common"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// GatewayFactory dials a venue adapter for a stored connection, given its
// decrypted credentials. cmd/bookrunner wires one implementation per
// supported exchange type and dispatches on conn.ExchangeType.
type GatewayFactory func(conn db.Connection, apiKey, apiSecret string) (exchange.Gateway, error)

// pooledGateway is one live adapter plus the bookkeeping the pool needs to
// evict and health-check it: when it was last touched, and how many
// consecutive health-check or trading failures it has racked up.
type pooledGateway struct {
	Gateway      exchange.Gateway
	ConnectionID string
	UserID       string
	ExchangeType string
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config bounds how many connections the pool holds open at once and how
// aggressively it evicts and health-checks them.
type Config struct {
	MaxSize          int           // cap on live connections; oldest is LRU-evicted past this
	IdleTimeout      time.Duration // a connection unused this long is closed and dropped
	HealthInterval   time.Duration // how often the background loop pings live connections
	FailureThreshold int           // consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // how long the circuit stays open before retry
}

// DefaultConfig returns the pool sizing cmd/bookrunner uses when no
// operator override is configured.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is the connection pool: an LRU-bounded map of pooledGateway plus
// two background loops (idle cleanup, health check) started by Start.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*pooledGateway // connectionID -> pooled adapter
	lruOrder []string                  // oldest first

	config  Config
	vault   *crypto.CredentialVault
	queries *db.UserQueries
	factory GatewayFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a pool that decrypts credentials with vault, looks up
// connections through queries, and dials new adapters through factory.
func NewManager(queries *db.UserQueries, vault *crypto.CredentialVault, factory GatewayFactory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*pooledGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		vault:    vault,
		queries:  queries,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// closeGateway closes gw if it implements io-style Close, ignoring the
// result — the pool is dropping the entry either way.
func closeGateway(gw exchange.Gateway) {
	if closer, ok := gw.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// Start launches the idle-eviction and health-check loops. Both stop when
// ctx is canceled or Stop is called, whichever comes first.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop halts the background loops and closes every pooled connection.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pooled := range m.gateways {
		closeGateway(pooled.Gateway)
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the pooled Gateway for a (user, connection) pair,
// dialing and caching one on first use. It returns ErrConnectionNotFound
// if connectionID belongs to a different user, and ErrGatewayUnhealthy if
// the connection's circuit breaker is currently open.
func (m *Manager) GetOrCreate(ctx context.Context, userID, connectionID string) (exchange.Gateway, error) {
	m.mu.RLock()
	if pooled, ok := m.gateways[connectionID]; ok {
		if pooled.UserID != userID {
			m.mu.RUnlock()
			return nil, ErrConnectionNotFound
		}
		if pooled.Failures >= m.config.FailureThreshold && time.Since(pooled.HealthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()

		m.touchLRU(connectionID)
		return pooled.Gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, userID, connectionID)
}

// createGateway loads a connection row, decrypts its credentials, dials an
// adapter through the factory, and caches the result.
func (m *Manager) createGateway(ctx context.Context, userID, connectionID string) (exchange.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pooled, ok := m.gateways[connectionID]; ok {
		if pooled.UserID != userID {
			return nil, ErrConnectionNotFound
		}
		m.touchLRULocked(connectionID)
		return pooled.Gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	conn, err := m.queries.GetConnectionByID(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}

	var apiKey, apiSecret string
	if conn.APIKeyEncrypted != "" && m.vault != nil {
		apiKey, err = m.vault.Decrypt(conn.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key: %w", err)
		}
		apiSecret, err = m.vault.Decrypt(conn.APISecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt api secret: %w", err)
		}
	} else {
		// Older rows predating the vault store credentials in plaintext.
		apiKey = conn.APIKey
		apiSecret = conn.APISecret
	}

	gw, err := m.factory(*conn, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[connectionID] = &pooledGateway{
		Gateway:      gw,
		ConnectionID: connectionID,
		UserID:       userID,
		ExchangeType: conn.ExchangeType,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, connectionID)

	return gw, nil
}

// Remove closes and drops one connection's pooled gateway, if present.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pooled, ok := m.gateways[connectionID]; ok {
		closeGateway(pooled.Gateway)
		delete(m.gateways, connectionID)
		m.removeLRULocked(connectionID)
	}
}

// RemoveByUser closes and drops every pooled gateway owned by userID —
// called when an operator revokes all their exchange connections at once.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, pooled := range m.gateways {
		if pooled.UserID == userID {
			closeGateway(pooled.Gateway)
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure increments connectionID's consecutive-failure count,
// eventually tripping the circuit breaker at config.FailureThreshold.
// Callers report trading-call failures here directly; healthCheck reports
// its own ping results the same way.
func (m *Manager) RecordFailure(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pooled, ok := m.gateways[connectionID]; ok {
		pooled.Failures++
	}
}

// RecordSuccess clears connectionID's failure count and closes the circuit
// breaker if it was open.
func (m *Manager) RecordSuccess(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pooled, ok := m.gateways[connectionID]; ok {
		pooled.Failures = 0
		pooled.HealthyAt = time.Now()
	}
}

// Stats reports pool occupancy and per-exchange-type breakdown, surfaced by
// internal/monitor.SystemMetrics for the operator dashboard.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}

	for _, pooled := range m.gateways {
		stats.ByExchangeType[pooled.ExchangeType]++
		if pooled.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}

	return stats
}

// PoolStats is a point-in-time snapshot of pool occupancy and health.
type PoolStats struct {
	TotalGateways  int
	MaxSize        int
	ByExchangeType map[string]int
	UnhealthyCount int
}

func (m *Manager) touchLRU(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(connectionID)
}

// touchLRULocked marks connectionID most-recently-used and moves it to the
// end of the eviction queue. Callers hold m.mu.
func (m *Manager) touchLRULocked(connectionID string) {
	if pooled, ok := m.gateways[connectionID]; ok {
		pooled.LastUsed = time.Now()
	}

	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, connectionID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(connectionID string) {
	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

// evictOldestLocked closes and drops the least-recently-used connection to
// make room for a new one. Callers hold m.mu.
func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}

	oldestID := m.lruOrder[0]
	if pooled, ok := m.gateways[oldestID]; ok {
		closeGateway(pooled.Gateway)
		delete(m.gateways, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, pooled := range m.gateways {
		if now.Sub(pooled.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		if pooled, ok := m.gateways[id]; ok {
			closeGateway(pooled.Gateway)
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

// healthCheck pings one pooled gateway if it exposes a Ping method,
// recording success or failure against its circuit breaker either way.
// Adapters that don't implement Ping are left alone — the circuit breaker
// then only reacts to trading-call failures reported via RecordFailure.
func (m *Manager) healthCheck(connectionID string) {
	m.mu.RLock()
	pooled, ok := m.gateways[connectionID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	gw := pooled.Gateway
	m.mu.RUnlock()

	if pinger, ok := gw.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := pinger.Ping(ctx)
		cancel()

		if err != nil {
			m.RecordFailure(connectionID)
		} else {
			m.RecordSuccess(connectionID)
		}
	}
}
