package domain

import (
	"fmt"
	"time"
)

// Bar is a single OHLCV sample for a symbol, with optional precomputed
// indicators attached by the market data layer.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	Indicators *Indicators
}

// Indicators holds precomputed technical indicators for a bar. Any field
// left at its zero value is treated as "not computed" by strategies that
// consume it.
type Indicators struct {
	MA20  float64
	MA50  float64
	MA200 float64

	MACD       float64
	MACDSignal float64
	MACDHist   float64

	RSI14 float64

	BollUpper float64
	BollMid   float64
	BollLower float64
}

// Validate checks the OHLC ordering invariant: Low <= {Open, Close} <= High,
// and that Volume is non-negative.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("domain: bar has empty symbol")
	}
	if b.Low > b.High {
		return fmt.Errorf("domain: bar %s low %.8f exceeds high %.8f", b.Symbol, b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("domain: bar %s open %.8f outside [%.8f, %.8f]", b.Symbol, b.Open, b.Low, b.High)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("domain: bar %s close %.8f outside [%.8f, %.8f]", b.Symbol, b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("domain: bar %s has negative volume %.8f", b.Symbol, b.Volume)
	}
	return nil
}
