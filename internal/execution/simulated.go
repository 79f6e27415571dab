package execution

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"bookrunner/internal/domain"
	"bookrunner/internal/eventbus"
)

// SimConfig mirrors SimulatedExecutionHandler.SimulationConfig: every knob
// that shapes the fictional market microstructure the simulator applies to
// an order.
type SimConfig struct {
	BaseSlippage      float64 // fraction, e.g. 0.0001 = 1bp
	MaxSlippage       float64
	RejectionProb     float64 // fraction of orders rejected outright
	EnableSlippage    bool
	EnablePartialFill bool
	PartialFillProb   float64
	MinPartialFillPct float64
	ExecutionDelay    time.Duration // 0 disables delayed execution
}

// DefaultSimConfig matches the original defaults.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		BaseSlippage:      0.0001,
		MaxSlippage:       0.002,
		RejectionProb:     0.001,
		EnableSlippage:    true,
		EnablePartialFill: false,
		PartialFillProb:   0.1,
		MinPartialFillPct: 0.3,
	}
}

// Simulated fills orders against the last known bar for a symbol instead of
// a real exchange. Grounded on SimulatedExecutionHandler.java's
// doExecuteOrder/calculateExecutionPrice/calculateSlippage/
// calculateFillQuantity pipeline, with the missing-bar rejection and
// LIMIT-below-market rejection carried over verbatim, and on
// order.DryRunExecutor for how the teacher wired a mock executor into the
// wider order pipeline.
type Simulated struct {
	bus    *eventbus.Bus
	market MarketDataSource
	cfg    SimConfig
	fees   domain.FeeSchedule

	mu    sync.Mutex
	rng   *rand.Rand
	timer func(time.Duration, func())
}

func NewSimulated(bus *eventbus.Bus, market MarketDataSource, cfg SimConfig, fees domain.FeeSchedule, seed int64) *Simulated {
	return &Simulated{
		bus:    bus,
		market: market,
		cfg:    cfg,
		fees:   fees,
		rng:    rand.New(rand.NewSource(seed)),
		timer:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

func (s *Simulated) Submit(ctx context.Context, order domain.Order) error {
	bar, ok := s.market.LatestBar(order.Symbol)
	if !ok {
		return s.reject(order, fmt.Sprintf("no market data for %s", order.Symbol))
	}

	s.mu.Lock()
	rejected := s.cfg.RejectionProb > 0 && s.rng.Float64() < s.cfg.RejectionProb
	s.mu.Unlock()
	if rejected {
		return s.reject(order, "simulated market rejection")
	}

	run := func() { s.executeAgainst(order, bar) }
	if s.cfg.ExecutionDelay > 0 {
		s.timer(s.cfg.ExecutionDelay, run)
		return nil
	}
	run()
	return nil
}

func (s *Simulated) executeAgainst(order domain.Order, bar domain.Bar) {
	price, err := s.executionPrice(order, bar)
	if err != nil {
		if rejErr := s.reject(order, err.Error()); rejErr != nil {
			log.Printf("execution: simulated reject publish failed: %v", rejErr)
		}
		return
	}

	fillQty := s.fillQuantity(order)
	if fillQty <= 0 {
		return
	}

	fees := s.fees.Calculate(price*fillQty, order.Side)
	fill := domain.Fill{
		ID:          fmt.Sprintf("fill-%s-%d", order.ID, time.Now().UnixNano()),
		OrderID:     order.ID,
		StrategyID:  order.StrategyID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    fillQty,
		Price:       price,
		Commission:  fees.Commission,
		StampTax:    fees.StampTax,
		TransferFee: fees.TransferFee,
		Fee:         fees.Total(),
		IsSimulated: true,
		Timestamp:   bar.Timestamp,
	}
	if err := fill.Validate(); err != nil {
		log.Printf("execution: simulated fill invalid: %v", err)
		return
	}

	order.ApplyFill(fillQty, price, bar.Timestamp)
	s.bus.Publish(domain.NewFillEvent(fill))
	s.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionModify, ""))
}

// executionPrice mirrors calculateExecutionPrice: MARKET orders trade
// through the adverse side of the bar's range, LIMIT orders must be
// marketable against that same range or are rejected, and slippage is
// applied afterward in the direction unfavorable to the order.
func (s *Simulated) executionPrice(order domain.Order, bar domain.Bar) (float64, error) {
	var ref float64
	switch order.Type {
	case domain.OrderTypeMarket:
		if order.Side == domain.SideBuy {
			ref = bar.High
		} else {
			ref = bar.Low
		}
	case domain.OrderTypeLimit:
		ref = order.Price
		if order.Side == domain.SideBuy {
			if ref < bar.Low {
				return 0, fmt.Errorf("limit below market")
			}
			ref = math.Min(ref, bar.High)
		} else {
			if ref > bar.High {
				return 0, fmt.Errorf("limit sell %.4f above market high %.4f", ref, bar.High)
			}
			ref = math.Max(ref, bar.Low)
		}
	default:
		return 0, fmt.Errorf("unsupported order type %s", order.Type)
	}

	if s.cfg.EnableSlippage {
		slip := s.slippage(order, bar)
		if order.Side == domain.SideBuy {
			ref += ref * slip
		} else {
			ref -= ref * slip
		}
	}
	if ref < 0.01 {
		ref = 0.01
	}
	return ref, nil
}

// slippage mirrors calculateSlippage: a base rate, a volume-impact term
// scaled by how much of the bar's volume the order represents, and a
// gaussian noise component, clamped into [0, MaxSlippage].
func (s *Simulated) slippage(order domain.Order, bar domain.Bar) float64 {
	slip := s.cfg.BaseSlippage
	if bar.Volume > 0 {
		impact := order.RemainingQuantity() / bar.Volume
		slip += impact * 0.001
	}

	s.mu.Lock()
	noise := s.rng.NormFloat64() * s.cfg.BaseSlippage * 0.5
	s.mu.Unlock()
	slip += noise

	if slip < 0 {
		slip = 0
	}
	if slip > s.cfg.MaxSlippage {
		slip = s.cfg.MaxSlippage
	}
	return slip
}

// fillQuantity mirrors calculateFillQuantity: usually the whole remaining
// quantity, occasionally a partial fill when enabled.
func (s *Simulated) fillQuantity(order domain.Order) float64 {
	remaining := order.RemainingQuantity()
	if !s.cfg.EnablePartialFill {
		return remaining
	}

	s.mu.Lock()
	partial := s.rng.Float64() < s.cfg.PartialFillProb
	ratio := s.cfg.MinPartialFillPct + s.rng.Float64()*(1-s.cfg.MinPartialFillPct)
	s.mu.Unlock()

	if !partial {
		return remaining
	}
	qty := math.Floor(remaining * ratio)
	if qty < 1 {
		qty = 1
	}
	return math.Min(qty, remaining)
}

func (s *Simulated) reject(order domain.Order, reason string) error {
	order.Status = domain.OrderRejected
	order.RejectReason = reason
	order.UpdatedAt = time.Now()
	s.bus.Publish(domain.NewOrderEvent(order, domain.OrderActionReject, ""))
	return nil
}

// Cancel always succeeds against the simulator, matching doCancelOrder.
func (s *Simulated) Cancel(ctx context.Context, orderID string) error {
	log.Printf("execution: simulated cancel of %s", orderID)
	return nil
}
