package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags domain events on the bus.
type EventType string

const (
	EventTradeOpened        EventType = "trade_opened"
	EventTradeClosed        EventType = "trade_closed"
	EventTradeRejected      EventType = "trade_rejected"
	EventTradeFailed        EventType = "trade_failed"
	EventRollbackDone       EventType = "rollback_done"
	EventRollbackFailed     EventType = "rollback_failed"
	EventBrokenHedge        EventType = "broken_hedge_detected"
	EventHedgeHealed        EventType = "hedge_healed"
	EventTradingPaused      EventType = "trading_paused"
	EventTradingResumed     EventType = "trading_resumed"
	EventFundingReconciled  EventType = "funding_reconciled"
	EventOrphanPosition     EventType = "orphan_position"
	EventZombieOrder        EventType = "zombie_order"
	EventExecutionAttempted EventType = "execution_attempted"
)

// Event is a domain event published on the in-process bus.
type Event struct {
	Type      EventType
	TradeID   string
	Symbol    string
	Venue     Venue
	Reason    string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(t EventType, symbol, reason string) Event {
	return Event{Type: t, Symbol: symbol, Reason: reason, Timestamp: time.Now().UTC()}
}
