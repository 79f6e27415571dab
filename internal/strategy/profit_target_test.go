package strategy

import (
	"testing"
	"time"

	"bookrunner/internal/domain"
)

func TestProfitTargetStrategyClosesOnGain(t *testing.T) {
	s := NewProfitTargetStrategy("pt-1", 0.05)
	if err := s.Initialize(Config{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := s.OnFillEvent(domain.Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, Price: 10}); err != nil {
		t.Fatalf("OnFillEvent: %v", err)
	}

	signals, err := s.OnMarketEvent(domain.Bar{Symbol: "AAPL", Close: 10.40, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("OnMarketEvent: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected no signal below target, got %d", len(signals))
	}

	signals, err = s.OnMarketEvent(domain.Bar{Symbol: "AAPL", Close: 10.60, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("OnMarketEvent: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one closing signal, got %d", len(signals))
	}
	if signals[0].Direction != domain.SignalSell {
		t.Fatalf("expected SELL to close a long, got %s", signals[0].Direction)
	}
	if _, tracked := s.positions["AAPL"]; tracked {
		t.Fatalf("position should be cleared after closing signal")
	}
}

func TestProfitTargetStrategyIgnoresOtherSymbols(t *testing.T) {
	s := NewProfitTargetStrategy("pt-1", 0.05)
	if _, err := s.OnFillEvent(domain.Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, Price: 10}); err != nil {
		t.Fatalf("OnFillEvent: %v", err)
	}
	signals, err := s.OnMarketEvent(domain.Bar{Symbol: "MSFT", Close: 999, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("OnMarketEvent: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected no signal for an untracked symbol, got %d", len(signals))
	}
}

func TestProfitTargetStrategyInitializeRejectsNonPositiveTarget(t *testing.T) {
	s := NewProfitTargetStrategy("pt-1", 0)
	if err := s.Initialize(Config{}); err == nil {
		t.Fatal("expected error for non-positive targetPercent")
	}
}

func TestProfitTargetStrategyClosesShort(t *testing.T) {
	s := NewProfitTargetStrategy("pt-1", 0.05)
	if _, err := s.OnFillEvent(domain.Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 100, Price: 10}); err != nil {
		t.Fatalf("OnFillEvent: %v", err)
	}
	signals, err := s.OnMarketEvent(domain.Bar{Symbol: "AAPL", Close: 9.40, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("OnMarketEvent: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected one closing signal, got %d", len(signals))
	}
	if signals[0].Direction != domain.SignalBuy {
		t.Fatalf("expected BUY to close a short, got %s", signals[0].Direction)
	}
}
