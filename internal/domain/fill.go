package domain

import (
	"fmt"
	"time"
)

// FeeSchedule computes the three-part equities fee break-down: commission,
// stamp tax, and transfer fee. Grounded on original_source's
// Fill.getNetAmount(), which sums exactly these three components rather
// than a maker/taker split. Rates and floors are domain defaults and must
// stay tunable, per config.
type FeeSchedule struct {
	CommissionRate  float64 // applied to gross amount, both sides
	CommissionFloor float64 // minimum commission charged when > 0
	StampTaxRate    float64 // applied to gross amount, SELL only
	TransferFeeRate float64 // applied to gross amount, both sides
	TransferFeeFloor float64 // minimum transfer fee charged when > 0
}

// DefaultFeeSchedule mirrors the A-share defaults original_source hardcodes:
// commission 0.03% (floor 5), stamp tax 0.1% on sells, transfer fee 0.002%
// (floor 1).
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		CommissionRate:   0.0003,
		CommissionFloor:  5,
		StampTaxRate:     0.001,
		TransferFeeRate:  0.00002,
		TransferFeeFloor: 1,
	}
}

// FeeBreakdown is the three-part fee owed on one fill.
type FeeBreakdown struct {
	Commission  float64
	StampTax    float64
	TransferFee float64
}

// Total sums the three fee components.
func (b FeeBreakdown) Total() float64 {
	return b.Commission + b.StampTax + b.TransferFee
}

// Calculate returns the fee breakdown for a fill of the given gross amount
// and side. Stamp tax applies to SELL fills only; commission and the
// transfer fee apply to both sides and are each floored independently.
func (f FeeSchedule) Calculate(grossAmount float64, side OrderSide) FeeBreakdown {
	commission := grossAmount * f.CommissionRate
	if f.CommissionFloor > 0 && commission < f.CommissionFloor {
		commission = f.CommissionFloor
	}

	var stampTax float64
	if side == SideSell {
		stampTax = grossAmount * f.StampTaxRate
	}

	transferFee := grossAmount * f.TransferFeeRate
	if f.TransferFeeFloor > 0 && transferFee < f.TransferFeeFloor {
		transferFee = f.TransferFeeFloor
	}

	return FeeBreakdown{Commission: commission, StampTax: stampTax, TransferFee: transferFee}
}

// Fill is an execution report against an Order.
type Fill struct {
	ID          string
	OrderID     string
	StrategyID  string
	Symbol      string
	Side        OrderSide
	Quantity    float64
	Price       float64
	Commission  float64
	StampTax    float64
	TransferFee float64
	Fee         float64 // Commission + StampTax + TransferFee
	IsSimulated bool
	Timestamp   time.Time
}

// Notional is the gross traded value before fees.
func (f Fill) Notional() float64 {
	return f.Quantity * f.Price
}

// NetCashFlow is the signed cash impact of this fill: negative for a buy
// (cash leaves the account), positive for a sell, in both cases net of the
// total fee.
func (f Fill) NetCashFlow() float64 {
	gross := f.Notional()
	if f.Side == SideBuy {
		return -(gross + f.Fee)
	}
	return gross - f.Fee
}

func (f Fill) Validate() error {
	if f.OrderID == "" {
		return fmt.Errorf("domain: fill has empty order id")
	}
	if f.Quantity <= 0 {
		return fmt.Errorf("domain: fill %s has non-positive quantity %.8f", f.ID, f.Quantity)
	}
	if f.Price <= 0 {
		return fmt.Errorf("domain: fill %s has non-positive price %.8f", f.ID, f.Price)
	}
	if f.Fee < 0 {
		return fmt.Errorf("domain: fill %s has negative fee %.8f", f.ID, f.Fee)
	}
	return nil
}
