package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// instance wraps a Strategy with the lifecycle state and counters the
// manager tracks per instance.
type instance struct {
	strategy Strategy
	status   Status

	signalsEmitted  atomic.Uint64
	eventsHandled   atomic.Uint64
	errorCount      atomic.Uint64
}

// Manager dispatches market, fill, and timer events to registered
// strategies and publishes the signals they emit onto the event bus.
// Grounded on the teacher's strategy.Engine (Add/LoadStrategies/handleTick/
// pause-map/lifecycle) generalized to the ENTRY/EXIT/UNIVERSAL_STOP
// taxonomy and per-instance counters.
type Manager struct {
	mu            sync.RWMutex
	instances     map[string]*instance
	bus           *eventbus.Bus
	db            *sql.DB
	maxStrategies int

	marketSub *eventbus.Subscription
	fillSub   *eventbus.Subscription
	timerSub  *eventbus.Subscription
}

// defaultMaxStrategies bounds the number of concurrently registered
// strategies when the operator hasn't set an explicit limit.
const defaultMaxStrategies = 100

func NewManager(bus *eventbus.Bus, db *sql.DB) *Manager {
	m := &Manager{
		instances:     make(map[string]*instance),
		bus:           bus,
		db:            db,
		maxStrategies: defaultMaxStrategies,
	}
	m.marketSub = bus.Subscribe(eventbus.HandlerFunc(m.onMarket), domain.EventMarket)
	m.fillSub = bus.Subscribe(eventbus.HandlerFunc(m.onFill), domain.EventFill)
	m.timerSub = bus.Subscribe(eventbus.HandlerFunc(m.onTimer), domain.EventTimer)
	return m
}

// SetMaxStrategies overrides the default cap on registered strategies. Must
// be called before Register/LoadStrategies push the count past the new limit.
func (m *Manager) SetMaxStrategies(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxStrategies = n
}

// Register adds a strategy in ACTIVE status. It rejects a strategy whose ID
// is already registered, rejects once the registered count would exceed
// maxStrategies, and calls the strategy's Initialize(config) before it goes
// live; a strategy that fails to initialize is never added.
func (m *Manager) Register(s Strategy, config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.StrategyID()
	if _, exists := m.instances[id]; exists {
		return fmt.Errorf("strategy manager: strategy %s already registered", id)
	}
	if len(m.instances) >= m.maxStrategies {
		return fmt.Errorf("strategy manager: at capacity (%d/%d strategies)", len(m.instances), m.maxStrategies)
	}
	if err := s.Initialize(config); err != nil {
		return fmt.Errorf("strategy manager: %s failed to initialize: %w", id, err)
	}

	m.instances[id] = &instance{strategy: s, status: StatusActive}
	return nil
}

// Unregister removes a strategy from memory entirely and marks it stopped
// in the database. Unlike StopStrategy, the instance cannot be resumed
// without Register-ing it again.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if ok {
		if err := inst.strategy.Stop(); err != nil {
			log.Printf("strategy manager: %s.Stop() during unregister: %v", id, err)
		}
	}

	_, err := m.db.Exec("UPDATE strategy_instances SET status = 'STOPPED', is_active = 0 WHERE id = ?", id)
	return err
}

// LoadStrategies loads ACTIVE or PAUSED strategy instances from the
// database, replacing whatever is currently registered.
func (m *Manager) LoadStrategies() error {
	rows, err := m.db.Query(`
		SELECT id, kind, symbol, parameters, status
		FROM strategy_instances
		WHERE status IN ('ACTIVE', 'PAUSED')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	m.mu.RLock()
	limit := m.maxStrategies
	m.mu.RUnlock()

	fresh := make(map[string]*instance)
	for rows.Next() {
		var id, kind, symbol, paramsJSON, status string
		if err := rows.Scan(&id, &kind, &symbol, &paramsJSON, &status); err != nil {
			return err
		}
		if _, dup := fresh[id]; dup {
			log.Printf("strategy manager: skipping %s: duplicate strategy id", id)
			continue
		}
		if len(fresh) >= limit {
			log.Printf("strategy manager: skipping %s: at capacity (%d/%d strategies)", id, len(fresh), limit)
			continue
		}
		s, err := buildFromRow(id, kind, symbol, paramsJSON)
		if err != nil {
			log.Printf("strategy manager: skipping %s: %v", id, err)
			continue
		}
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			log.Printf("strategy manager: skipping %s: decode parameters: %v", id, err)
			continue
		}
		cfg := Config{ID: id, Kind: kind, Symbol: symbol, Parameters: params, IsActive: status == string(StatusActive)}
		if err := s.Initialize(cfg); err != nil {
			log.Printf("strategy manager: skipping %s: failed to initialize: %v", id, err)
			continue
		}
		inst := &instance{strategy: s, status: StatusActive}
		if status == string(StatusPaused) {
			inst.status = StatusPaused
		}
		m.restoreState(inst)
		fresh[id] = inst
	}

	m.mu.Lock()
	m.instances = fresh
	m.mu.Unlock()
	return nil
}

func (m *Manager) restoreState(inst *instance) {
	var stateData string
	err := m.db.QueryRow("SELECT state_data FROM strategy_states WHERE strategy_instance_id = ?", inst.strategy.StrategyID()).Scan(&stateData)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		log.Printf("strategy manager: state load error for %s: %v", inst.strategy.StrategyID(), err)
		return
	}
	if err := inst.strategy.SetState(json.RawMessage(stateData)); err != nil {
		log.Printf("strategy manager: state restore failed for %s: %v", inst.strategy.StrategyID(), err)
	}
}

// SaveAllStates persists every registered strategy's serialized state.
func (m *Manager) SaveAllStates() {
	m.mu.RLock()
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		state, err := inst.strategy.GetState()
		if err != nil {
			log.Printf("strategy manager: GetState failed for %s: %v", inst.strategy.StrategyID(), err)
			continue
		}
		if state == nil {
			continue
		}
		_, err = m.db.Exec(`
			INSERT INTO strategy_states (strategy_instance_id, state_data, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(strategy_instance_id) DO UPDATE SET
				state_data = excluded.state_data, updated_at = CURRENT_TIMESTAMP
		`, inst.strategy.StrategyID(), string(state))
		if err != nil {
			log.Printf("strategy manager: state save failed for %s: %v", inst.strategy.StrategyID(), err)
		}
	}
}

func (m *Manager) onMarket(ev domain.Event) {
	if ev.Bar == nil {
		return
	}
	bar := *ev.Bar

	m.mu.RLock()
	instances := m.activeInstancesLocked()
	m.mu.RUnlock()

	for _, inst := range instances {
		if !watchesSymbol(inst.strategy, bar.Symbol) {
			continue
		}
		inst.eventsHandled.Add(1)
		signals, err := inst.strategy.OnMarketEvent(bar)
		m.emit(inst, signals, err)
	}
}

func (m *Manager) onFill(ev domain.Event) {
	if ev.Fill == nil {
		return
	}
	fill := *ev.Fill

	m.mu.RLock()
	instances := m.activeInstancesLocked()
	m.mu.RUnlock()

	for _, inst := range instances {
		if inst.strategy.StrategyID() != fill.StrategyID && inst.strategy.Type() != TypeUniversalStop {
			continue
		}
		inst.eventsHandled.Add(1)
		signals, err := inst.strategy.OnFillEvent(fill)
		m.emit(inst, signals, err)
	}
}

func (m *Manager) onTimer(ev domain.Event) {
	if ev.Timer == nil {
		return
	}
	timer := *ev.Timer

	m.mu.RLock()
	instances := m.activeInstancesLocked()
	m.mu.RUnlock()

	for _, inst := range instances {
		if timer.Type == domain.TimerStrategy && inst.strategy.Type() != TypeUniversalStop {
			continue
		}
		inst.eventsHandled.Add(1)
		signals, err := inst.strategy.OnTimerEvent(timer)
		m.emit(inst, signals, err)
	}
}

func (m *Manager) activeInstancesLocked() []*instance {
	out := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.status == StatusActive {
			out = append(out, inst)
		}
	}
	return out
}

func (m *Manager) emit(inst *instance, signals []domain.Signal, err error) {
	if err != nil {
		inst.errorCount.Add(1)
		log.Printf("strategy %s error: %v", inst.strategy.StrategyID(), err)
		return
	}
	for _, sig := range signals {
		sig.Clamp()
		if verr := sig.Validate(); verr != nil {
			log.Printf("strategy %s produced invalid signal: %v", inst.strategy.StrategyID(), verr)
			continue
		}
		inst.signalsEmitted.Add(1)
		m.bus.Publish(domain.NewSignalEvent(sig))
	}
}

// StartStrategy resumes dispatch to a previously stopped strategy without
// re-registering it, calling the strategy's own Start hook.
func (m *Manager) StartStrategy(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		inst.status = StatusActive
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := inst.strategy.Start(); err != nil {
		return fmt.Errorf("strategy manager: %s failed to start: %w", id, err)
	}
	_, err := m.db.Exec("UPDATE strategy_instances SET status = 'ACTIVE' WHERE id = ?", id)
	return err
}

// StopStrategy suspends dispatch to id without unloading it, calling the
// strategy's own Stop hook. Use Unregister to remove it from memory
// entirely.
func (m *Manager) StopStrategy(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		inst.status = StatusPaused
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := inst.strategy.Stop(); err != nil {
		return fmt.Errorf("strategy manager: %s failed to stop: %w", id, err)
	}
	_, err := m.db.Exec("UPDATE strategy_instances SET status = 'PAUSED' WHERE id = ?", id)
	return err
}

// StartAll calls StartStrategy for every registered strategy, continuing
// past individual failures and returning the last error seen, if any.
func (m *Manager) StartAll() error {
	var lastErr error
	for _, id := range m.registeredIDs() {
		if err := m.StartStrategy(id); err != nil {
			log.Printf("strategy manager: StartAll: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// StopAll calls StopStrategy for every registered strategy, continuing past
// individual failures and returning the last error seen, if any.
func (m *Manager) StopAll() error {
	var lastErr error
	for _, id := range m.registeredIDs() {
		if err := m.StopStrategy(id); err != nil {
			log.Printf("strategy manager: StopAll: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) registeredIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// UpdateStrategyConfig persists newConfig's parameters and hot-applies them
// to the live instance via UpdateConfig, so a running strategy picks up new
// thresholds without losing its accumulated indicator/position state.
// Grounded on the teacher's Engine.UpdateParams, adapted from a
// remove-and-rebuild reload into an in-place update now that the Strategy
// interface exposes UpdateConfig directly.
func (m *Manager) UpdateStrategyConfig(id string, newConfig Config) error {
	paramsJSON, err := json.Marshal(newConfig.Parameters)
	if err != nil {
		return fmt.Errorf("strategy manager: marshal config for %s: %w", id, err)
	}
	if _, err := m.db.Exec("UPDATE strategy_instances SET parameters = ? WHERE id = ?", string(paramsJSON), id); err != nil {
		return fmt.Errorf("strategy manager: persist config for %s: %w", id, err)
	}

	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := inst.strategy.UpdateConfig(newConfig); err != nil {
		return fmt.Errorf("strategy manager: %s rejected config update: %w", id, err)
	}
	return nil
}

// Stats is a snapshot of a strategy instance's dispatch counters.
type Stats struct {
	ID             string
	Status         Status
	SignalsEmitted uint64
	EventsHandled  uint64
	ErrorCount     uint64
}

// StatsFor returns the current counters for id, or ok=false if unknown.
func (m *Manager) StatsFor(id string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		ID:             id,
		Status:         inst.status,
		SignalsEmitted: inst.signalsEmitted.Load(),
		EventsHandled:  inst.eventsHandled.Load(),
		ErrorCount:     inst.errorCount.Load(),
	}, true
}

// Close unsubscribes from the event bus.
func (m *Manager) Close() {
	m.marketSub.Unsubscribe()
	m.fillSub.Unsubscribe()
	m.timerSub.Unsubscribe()
}
