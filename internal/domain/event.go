package domain

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventMarket EventType = "MARKET"
	EventSignal EventType = "SIGNAL"
	EventOrder  EventType = "ORDER"
	EventFill   EventType = "FILL"
	EventTimer  EventType = "TIMER"
	EventSystem EventType = "SYSTEM"
)

// Priority ordering: lower value dispatches first within the event bus's
// heap, default 5. These literal values match the ones named directly in
// the timer priority table and the execution/portfolio sections: fills are
// the single highest-urgency event, orders are next, market data sits at 3
// alongside MARKET_DATA_UPDATE timers. Signal events don't use a fixed
// constant — NewSignalEvent derives dispatch priority from the wrapped
// Signal's own [1,10] priority field, so a strategy's own urgency call
// carries through to the bus.
const (
	PriorityFill   = 1
	PriorityOrder  = 2
	PriorityMarket = 3
	PriorityTimer  = 5 // overridden per-type by timerPriority
	PrioritySystem = 5
)

// Event is the envelope every subscriber receives from the event bus.
// Exactly one of the payload fields is populated, matching Type.
type Event struct {
	Type      EventType
	Symbol    string
	Timestamp time.Time
	Priority  int
	Seq       uint64 // assigned by the bus; breaks ties within a priority

	Bar    *Bar
	Signal *Signal
	Order  *OrderEvent
	Fill   *Fill
	Timer  *TimerEvent
	System *SystemEvent
}

// OrderEvent carries an Order plus the action requested of the execution
// handler. TriggerSignalID traces the order back to the signal that
// produced it, when applicable.
type OrderEvent struct {
	Order           Order
	Action          OrderAction
	TriggerSignalID string
}

// TimerType enumerates the fixed set of scheduled housekeeping ticks. The
// first six are the mandated set, each with its own literal dispatch
// priority; TimerReconcile and TimerMetricsFlush are supplemental additions
// this deployment wires (broker reconciliation, metrics persistence) that
// have no mandated priority of their own and are slotted alongside their
// nearest mandated neighbor.
type TimerType string

const (
	TimerMarketDataUpdate   TimerType = "MARKET_DATA_UPDATE"
	TimerRiskCheck          TimerType = "RISK_CHECK"
	TimerStrategy           TimerType = "STRATEGY_TIMER"
	TimerPortfolioRebalance TimerType = "PORTFOLIO_REBALANCE"
	TimerHeartbeat          TimerType = "HEARTBEAT"
	TimerCleanup            TimerType = "CLEANUP"

	// Supplemental; see the TimerType doc above.
	TimerReconcile    TimerType = "RECONCILE"
	TimerMetricsFlush TimerType = "METRICS_FLUSH"
)

// timerPriority derives the dispatch priority for each timer type from the
// literal table: MARKET_DATA_UPDATE=3, RISK_CHECK=4, STRATEGY_TIMER=5,
// PORTFOLIO_REBALANCE=6, HEARTBEAT=8, CLEANUP=9. Reconcile rides with
// risk-check urgency since it corrects account state the risk gate reads;
// metrics-flush rides with cleanup as pure bookkeeping.
func timerPriority(t TimerType) int {
	switch t {
	case TimerMarketDataUpdate:
		return 3
	case TimerRiskCheck, TimerReconcile:
		return 4
	case TimerStrategy:
		return 5
	case TimerPortfolioRebalance:
		return 6
	case TimerHeartbeat:
		return 8
	case TimerCleanup, TimerMetricsFlush:
		return 9
	default:
		return 5
	}
}

// TimerEvent is a scheduled housekeeping tick.
type TimerEvent struct {
	Type TimerType
	Fire time.Time
}

// Priority returns this timer's dispatch priority.
func (t TimerEvent) Priority() int {
	return timerPriority(t.Type)
}

// SystemEvent carries operational notices (startup, shutdown, error,
// reconciliation results) that don't fit the trading-domain event types.
type SystemEvent struct {
	Kind    string
	Message string
	Err     error
}

// NewMarketEvent wraps a Bar.
func NewMarketEvent(b Bar) Event {
	return Event{Type: EventMarket, Symbol: b.Symbol, Timestamp: b.Timestamp, Priority: PriorityMarket, Bar: &b}
}

// NewSignalEvent wraps a Signal. Dispatch priority is the signal's own
// [1,10] urgency rather than a fixed constant, so a strategy that marks a
// signal urgent doesn't queue behind routine ones.
func NewSignalEvent(s Signal) Event {
	return Event{Type: EventSignal, Symbol: s.Symbol, Timestamp: s.GeneratedAt, Priority: s.Priority, Signal: &s}
}

// NewOrderEvent wraps an Order with the requested action. This merges
// original_source's two independent OrderEvent classes (one carrying an
// action field and an optional triggering signal id, one a bare order
// wrapper) into a single event shape.
func NewOrderEvent(o Order, action OrderAction, triggerSignalID string) Event {
	return Event{
		Type:      EventOrder,
		Symbol:    o.Symbol,
		Timestamp: o.UpdatedAt,
		Priority:  PriorityOrder,
		Order:     &OrderEvent{Order: o, Action: action, TriggerSignalID: triggerSignalID},
	}
}

// NewFillEvent wraps a Fill.
func NewFillEvent(f Fill) Event {
	return Event{Type: EventFill, Symbol: f.Symbol, Timestamp: f.Timestamp, Priority: PriorityFill, Fill: &f}
}

// NewTimerEvent wraps a TimerEvent.
func NewTimerEvent(t TimerEvent) Event {
	return Event{Type: EventTimer, Timestamp: t.Fire, Priority: t.Priority(), Timer: &t}
}

// NewSystemEvent wraps a SystemEvent.
func NewSystemEvent(s SystemEvent) Event {
	return Event{Type: EventSystem, Timestamp: time.Now(), Priority: PrioritySystem, System: &s}
}
