package strategy

import (
	"database/sql"
	"testing"

	"bookrunner/internal/eventbus"

	_ "modernc.org/sqlite"
)

// newTestManagerDB opens an in-memory database with just enough schema for
// Manager's own queries (strategy_instances, strategy_states). The full
// application schema lives in pkg/db and is not importable here; this
// mirrors only the columns Manager touches.
func newTestManagerDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE strategy_instances (
			id TEXT PRIMARY KEY,
			name TEXT,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL,
			parameters TEXT NOT NULL,
			is_active BOOLEAN DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE strategy_states (
			strategy_instance_id TEXT PRIMARY KEY,
			state_data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := newTestManagerDB(t)
	bus := eventbus.New(16)
	t.Cleanup(func() { bus.Close() })
	return NewManager(bus, db)
}

func TestManagerRegisterRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)

	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err == nil {
		t.Fatal("expected error registering a duplicate id")
	}
}

func TestManagerRegisterRejectsAtCapacity(t *testing.T) {
	m := newTestManager(t)
	m.SetMaxStrategies(1)

	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(NewProfitTargetStrategy("pt-2", 0.05), Config{ID: "pt-2"}); err == nil {
		t.Fatal("expected error registering beyond maxStrategies")
	}
}

func TestManagerRegisterRejectsFailedInitialize(t *testing.T) {
	m := newTestManager(t)

	// A trailing-stop strategy with a non-positive percent fails Initialize.
	s := NewTrailingStopStrategy("ts-1", "AAPL", 0)
	if err := m.Register(s, Config{ID: "ts-1"}); err == nil {
		t.Fatal("expected Register to surface a failing Initialize")
	}
}

func TestManagerStartStopStrategy(t *testing.T) {
	m := newTestManager(t)
	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.StopStrategy("pt-1"); err != nil {
		t.Fatalf("StopStrategy: %v", err)
	}
	m.mu.RLock()
	status := m.instances["pt-1"].status
	m.mu.RUnlock()
	if status != StatusPaused {
		t.Fatalf("expected StatusPaused, got %s", status)
	}

	if err := m.StartStrategy("pt-1"); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	m.mu.RLock()
	status = m.instances["pt-1"].status
	m.mu.RUnlock()
	if status != StatusActive {
		t.Fatalf("expected StatusActive, got %s", status)
	}
}

func TestManagerStartAllStopAll(t *testing.T) {
	m := newTestManager(t)
	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("Register pt-1: %v", err)
	}
	if err := m.Register(NewProfitTargetStrategy("pt-2", 0.05), Config{ID: "pt-2"}); err != nil {
		t.Fatalf("Register pt-2: %v", err)
	}

	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	m.mu.RLock()
	for id, inst := range m.instances {
		if inst.status != StatusPaused {
			t.Fatalf("strategy %s expected StatusPaused, got %s", id, inst.status)
		}
	}
	m.mu.RUnlock()

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	m.mu.RLock()
	for id, inst := range m.instances {
		if inst.status != StatusActive {
			t.Fatalf("strategy %s expected StatusActive, got %s", id, inst.status)
		}
	}
	m.mu.RUnlock()
}

func TestManagerUnregisterRemovesInstance(t *testing.T) {
	m := newTestManager(t)
	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.Unregister("pt-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	m.mu.RLock()
	_, ok := m.instances["pt-1"]
	m.mu.RUnlock()
	if ok {
		t.Fatal("expected instance to be removed after Unregister")
	}

	// Re-registering after Unregister must succeed.
	if err := m.Register(NewProfitTargetStrategy("pt-1", 0.05), Config{ID: "pt-1"}); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}

func TestManagerUpdateStrategyConfigHotApplies(t *testing.T) {
	m := newTestManager(t)
	s := NewMACrossStrategy("mc-1", "AAPL", 5, 20, 1.0)
	if err := m.Register(s, Config{ID: "mc-1", Parameters: map[string]interface{}{
		"fast": 5, "slow": 20, "size": 1.0,
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// UpdateStrategyConfig persists to the row LoadStrategies would have
	// populated; Register itself only tracks the instance in memory.
	if _, err := m.db.Exec(`INSERT INTO strategy_instances (id, kind, symbol, parameters, status) VALUES (?, 'ma_cross', 'AAPL', '{}', 'ACTIVE')`, "mc-1"); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	newConfig := Config{
		ID: "mc-1",
		Parameters: map[string]interface{}{
			"fast": 10, "slow": 30, "size": 2.0,
		},
	}
	if err := m.UpdateStrategyConfig("mc-1", newConfig); err != nil {
		t.Fatalf("UpdateStrategyConfig: %v", err)
	}
	if s.fastPeriod != 10 || s.slowPeriod != 30 || s.size != 2.0 {
		t.Fatalf("expected hot-applied config, got fast=%d slow=%d size=%.1f", s.fastPeriod, s.slowPeriod, s.size)
	}

	var stored string
	if err := m.db.QueryRow("SELECT parameters FROM strategy_instances WHERE id = ?", "mc-1").Scan(&stored); err != nil {
		t.Fatalf("expected UpdateStrategyConfig to persist parameters: %v", err)
	}
}

func TestManagerUpdateStrategyConfigRejectsInvalid(t *testing.T) {
	m := newTestManager(t)
	s := NewMACrossStrategy("mc-1", "AAPL", 5, 20, 1.0)
	if err := m.Register(s, Config{ID: "mc-1", Parameters: map[string]interface{}{
		"fast": 5, "slow": 20, "size": 1.0,
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	badConfig := Config{ID: "mc-1", Parameters: map[string]interface{}{
		"fast": 30, "slow": 10, "size": 1.0,
	}}
	if err := m.UpdateStrategyConfig("mc-1", badConfig); err == nil {
		t.Fatal("expected UpdateStrategyConfig to reject fast >= slow")
	}
}
