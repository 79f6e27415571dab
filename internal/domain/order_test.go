package domain

import (
	"testing"
	"time"
)

func TestOrderApplyFillReconciles(t *testing.T) {
	o := Order{ID: "o1", Symbol: "BTCUSD", Quantity: 1.0, Type: OrderTypeLimit, Price: 100}

	o.ApplyFill(0.4, 100, time.Now())
	if o.Status != OrderPartiallyFilled {
		t.Fatalf("expected partially filled, got %s", o.Status)
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	o.ApplyFill(0.6, 102, time.Now())
	if o.Status != OrderFilled {
		t.Fatalf("expected filled, got %s", o.Status)
	}
	if o.RemainingQuantity() != 0 {
		t.Fatalf("expected zero remaining, got %.8f", o.RemainingQuantity())
	}
	want := (100*0.4 + 102*0.6) / 1.0
	if diff := o.AvgFillPrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg fill price = %.8f, want %.8f", o.AvgFillPrice, want)
	}
}

func TestOrderValidateRejectsInconsistentFill(t *testing.T) {
	o := Order{ID: "o1", Symbol: "BTCUSD", Quantity: 1.0, FilledQuantity: 2.0, Type: OrderTypeMarket}
	if err := o.Validate(); err == nil {
		t.Fatal("expected validation error for over-filled order")
	}
}

func TestOrderValidateRejectsNonPositiveLimitPrice(t *testing.T) {
	o := Order{ID: "o1", Symbol: "BTCUSD", Quantity: 1.0, Type: OrderTypeLimit, Price: 0}
	if err := o.Validate(); err == nil {
		t.Fatal("expected validation error for zero limit price")
	}
}
