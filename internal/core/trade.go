package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the aggregate lifecycle status of a two-leg trade.
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "PENDING"
	TradeStatusOpening  TradeStatus = "OPENING"
	TradeStatusOpen     TradeStatus = "OPEN"
	TradeStatusClosing  TradeStatus = "CLOSING"
	TradeStatusRollback TradeStatus = "ROLLBACK"
	TradeStatusFailed   TradeStatus = "FAILED"
	TradeStatusClosed   TradeStatus = "CLOSED"
	TradeStatusRejected TradeStatus = "REJECTED"
)

// IsActive reports whether the trade still occupies its symbol slot.
func (s TradeStatus) IsActive() bool {
	switch s {
	case TradeStatusPending, TradeStatusOpening, TradeStatusOpen, TradeStatusClosing, TradeStatusRollback:
		return true
	}
	return false
}

// tradeTransitions is the permitted status DAG. After CLOSED no further
// status mutations are allowed.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:  {TradeStatusOpening, TradeStatusRejected},
	TradeStatusOpening:  {TradeStatusOpen, TradeStatusRollback, TradeStatusFailed, TradeStatusRejected},
	TradeStatusOpen:     {TradeStatusClosing},
	TradeStatusClosing:  {TradeStatusClosed, TradeStatusFailed},
	TradeStatusRollback: {TradeStatusFailed},
}

// CanTransition reports whether from -> to is a permitted status edge.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range tradeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionState tracks the fine-grained entry state machine of a trade.
type ExecutionState string

const (
	ExecStatePending            ExecutionState = "PENDING"
	ExecStateLegOneInProgress   ExecutionState = "LEG1_IN_PROGRESS"
	ExecStateLegOneFilled       ExecutionState = "LEG1_FILLED"
	ExecStateLegTwoInProgress   ExecutionState = "LEG2_IN_PROGRESS"
	ExecStateOpened             ExecutionState = "OPENED"
	ExecStateAborted            ExecutionState = "ABORTED"
	ExecStateRollbackQueued     ExecutionState = "ROLLBACK_QUEUED"
	ExecStateRollbackInProgress ExecutionState = "ROLLBACK_IN_PROGRESS"
	ExecStateRollbackDone       ExecutionState = "ROLLBACK_DONE"
	ExecStateRollbackFailed     ExecutionState = "ROLLBACK_FAILED"
	ExecStateFailed             ExecutionState = "FAILED"
)

// TradeLeg is one side of a delta-neutral pair. Legs never point back at
// their trade; the Trade owns them by value.
type TradeLeg struct {
	Venue      Venue
	Side       Side
	OrderID    string
	Qty        decimal.Decimal
	FilledQty  decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Fees       decimal.Decimal
}

// Notional returns filled qty times entry price.
func (l TradeLeg) Notional() decimal.Decimal {
	return l.FilledQty.Mul(l.EntryPrice)
}

// TradeEvent is an append-only audit entry attached to a trade.
type TradeEvent struct {
	Type      string
	Detail    string
	Timestamp time.Time
}

// Trade is the aggregate of two opposite legs on the two venues.
type Trade struct {
	ID             string
	Symbol         string
	LighterLeg     TradeLeg
	X10Leg         TradeLeg
	TargetQty      decimal.Decimal
	TargetNotional decimal.Decimal
	EntryAPY       decimal.Decimal
	EntrySpread    decimal.Decimal
	Status         TradeStatus
	ExecState      ExecutionState

	FundingCollected  decimal.Decimal
	LastFundingUpdate time.Time
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	HighWaterMark     decimal.Decimal
	CloseReason       string

	CreatedAt time.Time
	OpenedAt  time.Time
	ClosedAt  time.Time

	Events []TradeEvent
}

// Leg returns the leg held on the given venue.
func (t *Trade) Leg(v Venue) *TradeLeg {
	if v == VenueLighter {
		return &t.LighterLeg
	}
	return &t.X10Leg
}

// Legs returns both legs in a fixed order (lighter first).
func (t *Trade) Legs() []*TradeLeg {
	return []*TradeLeg{&t.LighterLeg, &t.X10Leg}
}

// Transition moves the trade to the next status, enforcing the DAG.
func (t *Trade) Transition(to TradeStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal trade status transition %s -> %s (trade %s)", t.Status, to, t.ID)
	}
	t.Status = to
	switch to {
	case TradeStatusOpen:
		t.OpenedAt = time.Now().UTC()
	case TradeStatusClosed:
		t.ClosedAt = time.Now().UTC()
	}
	return nil
}

// AppendEvent records an audit event on the trade.
func (t *Trade) AppendEvent(typ, detail string) {
	t.Events = append(t.Events, TradeEvent{Type: typ, Detail: detail, Timestamp: time.Now().UTC()})
}

// Age returns how long the trade has been open. Falls back to CreatedAt
// when the trade never reached OPEN.
func (t *Trade) Age(now time.Time) time.Duration {
	ref := t.OpenedAt
	if ref.IsZero() {
		ref = t.CreatedAt
	}
	return now.Sub(ref)
}

// FundingEvent is one recorded funding delta for a trade on a venue.
// Venue "NET" is the legacy aggregate form kept only for trades recorded
// before per-venue tracking existed.
type FundingEvent struct {
	ID      int64
	TradeID string
	Venue   Venue
	Amount  decimal.Decimal
	At      time.Time
}

// VenueNet is the legacy aggregate funding venue marker.
const VenueNet Venue = "NET"

// ExecMode distinguishes live order submission from paper simulation.
type ExecMode string

const (
	ModeLive  ExecMode = "LIVE"
	ModePaper ExecMode = "PAPER"
)

// AttemptStatus is the outcome class of an execution attempt.
type AttemptStatus string

const (
	AttemptStarted  AttemptStatus = "STARTED"
	AttemptOpened   AttemptStatus = "OPENED"
	AttemptRejected AttemptStatus = "REJECTED"
	AttemptFailed   AttemptStatus = "FAILED"
	AttemptClosed   AttemptStatus = "CLOSED"
)

// ExecutionAttempt is the append-only KPI/decision log row written for every
// entry attempt, including preflight rejections that never create a trade.
type ExecutionAttempt struct {
	AttemptID string
	TradeID   string // empty when rejected before persistence
	Symbol    string
	Mode      ExecMode
	Status    AttemptStatus
	Stage     string
	Reason    string

	EntrySpread     decimal.Decimal
	APY             decimal.Decimal
	ExpectedValue   decimal.Decimal
	BreakevenHours  decimal.Decimal
	SlippageBps     decimal.Decimal
	Leg1FillSeconds decimal.Decimal
	HedgeSubmitMs   int64
	HedgeAckMs      int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FundingCandle is an hourly-normalized historical funding observation,
// unique on (symbol, venue, timestamp).
type FundingCandle struct {
	Symbol     string
	Venue      Venue
	HourlyRate decimal.Decimal
	APY        decimal.Decimal
	Timestamp  time.Time
}
