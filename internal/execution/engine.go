// Package execution opens and rolls back the two-leg delta-neutral
// trades: maker leg-1 on the cheaper venue, taker IOC hedge on the
// other, with post-entry verification and broken-hedge signaling.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/marketdata"
	"fundarb/pkg/apperrors"
	"fundarb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errFillTimeout = errors.New("fill wait timed out")

// qtyTolerance absorbs venue step-size rounding when comparing fills
// against position deltas.
var qtyTolerance = decimal.NewFromFloat(1e-9)

// Engine executes trade entries.
type Engine struct {
	ports     map[core.Venue]core.ExchangePort
	notifiers map[core.Venue]*orderNotifier
	store     core.TradeStorePort
	bus       core.EventBusPort
	md        *marketdata.Service
	cfg       config.ExecutionConfig
	tcfg      config.TradingConfig
	fees      map[core.Venue]core.FeeSchedule
	mode      core.ExecMode
	locks     *symbolLocks
	logger    core.ILogger
}

// NewEngine wires the execution engine. It subscribes an order notifier
// per venue so fill waits can use WS push.
func NewEngine(ports []core.ExchangePort, store core.TradeStorePort, bus core.EventBusPort,
	md *marketdata.Service, cfg config.ExecutionConfig, tcfg config.TradingConfig,
	fees map[core.Venue]core.FeeSchedule, mode core.ExecMode, logger core.ILogger) (*Engine, error) {

	e := &Engine{
		ports:     make(map[core.Venue]core.ExchangePort, len(ports)),
		notifiers: make(map[core.Venue]*orderNotifier, len(ports)),
		store:     store,
		bus:       bus,
		md:        md,
		cfg:       cfg,
		tcfg:      tcfg,
		fees:      fees,
		mode:      mode,
		locks:     newSymbolLocks(),
		logger:    logger.WithField("component", "execution"),
	}
	for _, p := range ports {
		e.ports[p.Venue()] = p
		n := newOrderNotifier()
		if err := p.SubscribeOrders(n.OnOrder); err != nil {
			return nil, fmt.Errorf("failed to subscribe orders on %s: %w", p.Venue(), err)
		}
		e.notifiers[p.Venue()] = n
	}
	return e, nil
}

// legPlan fixes which venue makes and which hedges for one entry.
type legPlan struct {
	makerVenue core.Venue
	makerSide  core.Side
	hedgeVenue core.Venue
	hedgeSide  core.Side
}

// planLegs picks the maker venue by cheaper maker fee; ties go to the
// lighter venue.
func (e *Engine) planLegs(opp core.Opportunity) legPlan {
	sides := map[core.Venue]core.Side{
		opp.LongVenue:  core.SideBuy,
		opp.ShortVenue: core.SideSell,
	}
	maker, hedge := core.VenueLighter, core.VenueX10
	if e.fees[core.VenueX10].MakerFee.LessThan(e.fees[core.VenueLighter].MakerFee) {
		maker, hedge = core.VenueX10, core.VenueLighter
	}
	return legPlan{
		makerVenue: maker, makerSide: sides[maker],
		hedgeVenue: hedge, hedgeSide: sides[hedge],
	}
}

// OpenTrade runs the full entry pipeline for one opportunity. A nil
// trade with a nil error means the entry was rejected in preflight.
func (e *Engine) OpenTrade(ctx context.Context, opp core.Opportunity) (*core.Trade, error) {
	if !e.locks.TryAcquire(opp.Symbol) {
		e.logger.Debug("Symbol lock busy, backing off", "symbol", opp.Symbol)
		return nil, nil
	}
	defer e.locks.Release(opp.Symbol)

	attempt := &core.ExecutionAttempt{
		AttemptID:   uuid.NewString(),
		Symbol:      opp.Symbol,
		Mode:        e.mode,
		Status:      core.AttemptStarted,
		EntrySpread: opp.Spread,
		APY:         opp.APY,
		ExpectedValue:  opp.ExpectedValueUSD,
		BreakevenHours: opp.BreakevenHours,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	plan := e.planLegs(opp)

	if stage, err := e.preflight(ctx, opp, plan); err != nil {
		attempt.Status = core.AttemptRejected
		attempt.Stage = stage
		attempt.Reason = err.Error()
		attempt.UpdatedAt = time.Now().UTC()
		e.store.RecordAttempt(attempt)
		e.bus.Publish(core.NewEvent(core.EventTradeRejected, opp.Symbol, stage))
		telemetry.GetGlobalMetrics().IncTradesRejected()
		e.logger.Info("Entry rejected in preflight",
			"symbol", opp.Symbol, "stage", stage, "reason", err.Error())
		return nil, nil
	}

	trade := e.buildTrade(opp, plan)
	attempt.TradeID = trade.ID

	// Synchronous persistence boundary: the row must be durable before
	// any order can reach an exchange.
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		attempt.Status = core.AttemptFailed
		attempt.Stage = "persist"
		attempt.Reason = err.Error()
		e.store.RecordAttempt(attempt)
		return nil, fmt.Errorf("failed to persist trade: %w", err)
	}

	trade.Transition(core.TradeStatusOpening)
	trade.ExecState = core.ExecStateLegOneInProgress
	e.store.UpdateTrade(trade)

	leg1Start := time.Now()
	if err := e.executeLeg1(ctx, trade, plan, attempt); err != nil {
		return trade, e.failEntry(ctx, trade, plan, attempt, err)
	}
	trade.ExecState = core.ExecStateLegOneFilled
	attempt.Leg1FillSeconds = decimal.NewFromFloat(time.Since(leg1Start).Seconds())
	e.store.UpdateTrade(trade)
	telemetry.GetGlobalMetrics().ObserveLeg1FillSeconds(time.Since(leg1Start).Seconds())

	trade.ExecState = core.ExecStateLegTwoInProgress
	e.store.UpdateTrade(trade)
	if err := e.executeLeg2(ctx, trade, plan, attempt); err != nil {
		return trade, e.failEntry(ctx, trade, plan, attempt, err)
	}

	if err := e.verifyPostEntry(ctx, trade, plan); err != nil {
		e.handleBrokenHedge(ctx, trade, plan)
		attempt.Status = core.AttemptFailed
		attempt.Stage = "post_entry_verification"
		attempt.Reason = err.Error()
		attempt.UpdatedAt = time.Now().UTC()
		e.store.RecordAttempt(attempt)
		return trade, nil
	}

	trade.ExecState = core.ExecStateOpened
	if err := trade.Transition(core.TradeStatusOpen); err != nil {
		return trade, err
	}
	trade.AppendEvent("opened", fmt.Sprintf("apy=%s spread=%s", opp.APY.String(), opp.Spread.String()))
	e.store.UpdateTrade(trade)

	attempt.Status = core.AttemptOpened
	attempt.UpdatedAt = time.Now().UTC()
	e.store.RecordAttempt(attempt)
	e.bus.Publish(core.Event{
		Type: core.EventTradeOpened, TradeID: trade.ID, Symbol: trade.Symbol,
		Timestamp: time.Now().UTC(),
	})
	telemetry.GetGlobalMetrics().IncTradesOpened()
	e.logger.Info("Trade opened", "trade_id", trade.ID, "symbol", trade.Symbol,
		"qty", trade.TargetQty.String(), "apy", trade.EntryAPY.String())
	return trade, nil
}

func (e *Engine) buildTrade(opp core.Opportunity, plan legPlan) *core.Trade {
	sides := map[core.Venue]core.Side{
		opp.LongVenue:  core.SideBuy,
		opp.ShortVenue: core.SideSell,
	}
	return &core.Trade{
		ID:     uuid.NewString(),
		Symbol: opp.Symbol,
		LighterLeg: core.TradeLeg{
			Venue: core.VenueLighter, Side: sides[core.VenueLighter], Qty: opp.SuggestedQty,
		},
		X10Leg: core.TradeLeg{
			Venue: core.VenueX10, Side: sides[core.VenueX10], Qty: opp.SuggestedQty,
		},
		TargetQty:      opp.SuggestedQty,
		TargetNotional: opp.SuggestedNotional,
		EntryAPY:       opp.APY,
		EntrySpread:    opp.Spread,
		Status:         core.TradeStatusPending,
		ExecState:      core.ExecStatePending,
		CreatedAt:      time.Now().UTC(),
	}
}

// failEntry routes an entry failure: rollback when leg-1 has fills,
// plain failure otherwise.
func (e *Engine) failEntry(ctx context.Context, trade *core.Trade, plan legPlan,
	attempt *core.ExecutionAttempt, cause error) error {

	attempt.Status = core.AttemptFailed
	attempt.Reason = cause.Error()
	attempt.UpdatedAt = time.Now().UTC()

	makerLeg := trade.Leg(plan.makerVenue)
	if makerLeg.FilledQty.IsPositive() {
		attempt.Stage = "rollback"
		e.store.RecordAttempt(attempt)
		e.rollback(ctx, trade, plan)
		if errors.Is(cause, apperrors.ErrHedgeEvaporated) ||
			errors.Is(cause, apperrors.ErrInsufficientBalance) {
			// Expected domain outcomes: swallowed after KPI + rollback.
			return nil
		}
		return cause
	}

	attempt.Stage = "leg1"
	e.store.RecordAttempt(attempt)
	trade.ExecState = core.ExecStateAborted
	if trade.Status == core.TradeStatusOpening {
		trade.Transition(core.TradeStatusFailed)
	}
	trade.CloseReason = "entry_failed"
	trade.AppendEvent("entry_failed", cause.Error())
	e.store.UpdateTrade(trade)
	e.bus.Publish(core.Event{
		Type: core.EventTradeFailed, TradeID: trade.ID, Symbol: trade.Symbol,
		Reason: cause.Error(), Timestamp: time.Now().UTC(),
	})

	if errors.Is(cause, apperrors.ErrInsufficientBalance) ||
		errors.Is(cause, apperrors.ErrHedgeEvaporated) {
		return nil
	}
	return cause
}

// verifyPostEntry confirms both venues report the legs within a few
// seconds of leg-2 filling. Both legs must show qty at or above the
// filled amount minus tolerance.
func (e *Engine) verifyPostEntry(ctx context.Context, trade *core.Trade, plan legPlan) error {
	retries := e.cfg.PostEntryVerifyRetries
	if retries <= 0 {
		retries = 3
	}
	delay := time.Duration(e.cfg.PostEntryVerifyDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		ok := true
		for _, venue := range []core.Venue{plan.makerVenue, plan.hedgeVenue} {
			leg := trade.Leg(venue)
			pos, err := e.ports[venue].GetPosition(ctx, trade.Symbol)
			if err != nil {
				lastErr = err
				ok = false
				break
			}
			if pos == nil || pos.Qty.LessThan(leg.FilledQty.Sub(qtyTolerance)) {
				lastErr = fmt.Errorf("leg on %s not visible: expected %s", venue, leg.FilledQty.String())
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("post-entry verification failed: %w", lastErr)
}

// handleBrokenHedge publishes the safety event, emergency-closes the
// surviving leg and moves the trade to Closing.
func (e *Engine) handleBrokenHedge(ctx context.Context, trade *core.Trade, plan legPlan) {
	e.logger.Error("Broken hedge detected after entry", "trade_id", trade.ID, "symbol", trade.Symbol)
	e.bus.Publish(core.Event{
		Type: core.EventBrokenHedge, TradeID: trade.ID, Symbol: trade.Symbol,
		Reason: "post_entry_verification_failed", Timestamp: time.Now().UTC(),
	})

	// Close whatever is still on the books, reduce-only IOC.
	for _, venue := range []core.Venue{plan.makerVenue, plan.hedgeVenue} {
		pos, err := e.ports[venue].GetPosition(ctx, trade.Symbol)
		if err != nil || pos == nil {
			continue
		}
		req := core.OrderRequest{
			Symbol:      trade.Symbol,
			Venue:       venue,
			Side:        pos.Side.Opposite(),
			Qty:         pos.Qty,
			Type:        core.OrderTypeMarket,
			TimeInForce: core.TIFIOC,
			ReduceOnly:  true,
		}
		if _, err := e.ports[venue].PlaceOrder(ctx, req); err != nil {
			e.logger.Error("Emergency close failed", "venue", string(venue), "error", err)
		}
	}

	trade.CloseReason = "post_entry_broken_hedge"
	if trade.Status == core.TradeStatusOpening {
		// Must pass through OPEN to reach CLOSING on the status DAG.
		trade.Transition(core.TradeStatusOpen)
	}
	trade.Transition(core.TradeStatusClosing)
	trade.AppendEvent("broken_hedge", "post-entry verification failed")
	e.store.UpdateTrade(trade)
}
