package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/depth"
	"fundarb/internal/marketdata"
	"fundarb/internal/risk"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var qtyTolerance = decimal.NewFromFloat(1e-9)

// AltScanner surfaces the best candidate APY elsewhere in the universe,
// feeding the opportunity-cost exit rule.
type AltScanner interface {
	BestAlternativeAPY(ctx context.Context, symbols []string, exclude string) (decimal.Decimal, bool)
}

// symbolRisk bundles the per-symbol rolling statistics.
type symbolRisk struct {
	atr *risk.ATR
	z   *risk.ZScoreHistory
	vel *risk.FundingVelocity
}

// Manager evaluates open trades every tick: refreshes pnl and the
// high-water mark, feeds the risk trackers, runs the exit-rule ladder
// and drives closes and rebalances.
type Manager struct {
	ports  map[core.Venue]core.ExchangePort
	store  core.TradeStorePort
	bus    core.EventBusPort
	md     *marketdata.Service
	tcfg   config.TradingConfig
	ecfg   config.ExecutionConfig
	fees   map[core.Venue]core.FeeSchedule
	alt    AltScanner
	logger core.ILogger

	// skip inhibits evaluation per symbol (broken-hedge cooldowns).
	skipMu sync.RWMutex
	skip   func(symbol string) bool

	riskMu    sync.Mutex
	riskState map[string]*symbolRisk
}

// NewManager wires the position manager. alt may be nil, in which case
// the opportunity-cost rule never fires.
func NewManager(ports []core.ExchangePort, store core.TradeStorePort, bus core.EventBusPort,
	md *marketdata.Service, tcfg config.TradingConfig, ecfg config.ExecutionConfig,
	fees map[core.Venue]core.FeeSchedule, alt AltScanner, logger core.ILogger) *Manager {

	m := &Manager{
		ports:     make(map[core.Venue]core.ExchangePort, len(ports)),
		store:     store,
		bus:       bus,
		md:        md,
		tcfg:      tcfg,
		ecfg:      ecfg,
		fees:      fees,
		alt:       alt,
		logger:    logger.WithField("component", "position"),
		riskState: make(map[string]*symbolRisk),
	}
	for _, p := range ports {
		m.ports[p.Venue()] = p
	}
	return m
}

// SetSkipFunc installs the supervisor's per-symbol inhibit check.
func (m *Manager) SetSkipFunc(fn func(symbol string) bool) {
	m.skipMu.Lock()
	m.skip = fn
	m.skipMu.Unlock()
}

func (m *Manager) skipped(symbol string) bool {
	m.skipMu.RLock()
	fn := m.skip
	m.skipMu.RUnlock()
	return fn != nil && fn(symbol)
}

// Run evaluates on a fixed interval until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateTick(ctx)
		}
	}
}

// EvaluateTick runs one evaluation pass over all active trades and
// returns the trades that reached CLOSED during the pass.
func (m *Manager) EvaluateTick(ctx context.Context) []*core.Trade {
	var closed []*core.Trade
	for _, trade := range m.store.ListOpenTrades() {
		if m.skipped(trade.Symbol) {
			continue
		}
		switch trade.Status {
		case core.TradeStatusClosing:
			// A close left residuals on a previous pass; finish it.
			if m.completeClose(ctx, trade) {
				closed = append(closed, trade)
			}
		case core.TradeStatusOpen:
			if m.evaluateTrade(ctx, trade) {
				closed = append(closed, trade)
			}
		}
	}
	return closed
}

// evaluateTrade refreshes one trade and acts on the rule verdict.
// Returns true when the trade reached CLOSED.
func (m *Manager) evaluateTrade(ctx context.Context, trade *core.Trade) bool {
	ec, err := m.buildContext(ctx, trade)
	if err != nil {
		m.logger.Warn("Skipping trade evaluation", "trade_id", trade.ID,
			"symbol", trade.Symbol, "error", err)
		return false
	}

	trade.UnrealizedPnL = ec.unrealized
	if ec.unrealized.GreaterThan(trade.HighWaterMark) {
		trade.HighWaterMark = ec.unrealized
	}
	m.store.UpdateTrade(trade)

	pnl, _ := ec.unrealized.Float64()
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(trade.Symbol, pnl)
	neutrality, _ := decimal.NewFromInt(1).
		Sub(ec.deltaPct.Div(decimal.NewFromInt(100))).Float64()
	telemetry.GetGlobalMetrics().SetDeltaNeutrality(trade.Symbol, neutrality)

	decision := evaluateExitRules(m.tcfg, ec)
	if !decision.ShouldExit {
		return false
	}
	if decision.Rebalance {
		m.rebalance(ctx, trade, ec)
		return false
	}

	m.logger.Info("Exit rule fired", "trade_id", trade.ID, "symbol", trade.Symbol,
		"rule", decision.Rule, "reason", decision.Reason, "fast", decision.FastClose)
	return m.closeTrade(ctx, trade, decision)
}

// buildContext gathers every input the exit rules need. Any missing
// mandatory input aborts the evaluation for this tick; optional inputs
// (liquidation prices, statistics warm-up) degrade to has* = false.
func (m *Manager) buildContext(ctx context.Context, trade *core.Trade) (*evalContext, error) {
	now := time.Now().UTC()
	marks := make(map[core.Venue]decimal.Decimal, 2)
	for _, leg := range trade.Legs() {
		mark, err := m.md.FreshMarkPrice(ctx, trade.Symbol, leg.Venue)
		if err != nil {
			return nil, fmt.Errorf("mark price on %s: %w", leg.Venue, err)
		}
		marks[leg.Venue] = mark
	}

	netHourly, err := m.md.NetHourly(ctx, trade.Symbol)
	if err != nil {
		return nil, err
	}
	// Positive net rate pays the lighter short. Sign it for this trade's
	// actual direction.
	tradeNet := netHourly
	if trade.LighterLeg.Side == core.SideBuy {
		tradeNet = netHourly.Neg()
	}
	currentAPY := tradeNet.Mul(hoursPerYear)

	pricePnL := decimal.Zero
	feesPaid := decimal.Zero
	for _, leg := range trade.Legs() {
		pricePnL = pricePnL.Add(marks[leg.Venue].Sub(leg.EntryPrice).Mul(leg.FilledQty).Mul(leg.Side.Sign()))
		feesPaid = feesPaid.Add(leg.Fees)
	}
	unrealized := pricePnL.Sub(feesPaid)

	estExitCost, err := m.estimateExitCost(ctx, trade, marks)
	if err != nil {
		return nil, err
	}

	ec := &evalContext{
		trade:          trade,
		now:            now,
		tradeNetHourly: tradeNet,
		currentAPY:     currentAPY,
		pricePnL:       pricePnL,
		unrealized:     unrealized,
		estExitCost:    estExitCost,
	}

	ec.spread = m.currentSpread(ctx, trade.Symbol, marks)
	ec.deltaPct = deltaPct(trade, marks)
	ec.liqDistancePct, ec.hasLiqData = m.liquidationDistance(ctx, trade, marks)

	rs := m.riskFor(trade.Symbol)
	rs.atr.Observe(marks[core.VenueLighter].Add(marks[core.VenueX10]).Div(decimal.NewFromInt(2)))
	rs.z.Observe(currentAPY)
	rs.vel.Observe(tradeNet, now)

	ec.atr, ec.hasATR = rs.atr.Value()
	ec.zScore, ec.hasZScore = rs.z.Score(currentAPY, m.tcfg.ZScoreMinSamples)
	ec.velocity, ec.hasVelocity = rs.vel.Velocity()
	ec.acceleration, ec.hasAcceleration = rs.vel.Acceleration()

	if m.alt != nil {
		ec.bestAltAPY, ec.hasBestAlt = m.alt.BestAlternativeAPY(ctx, m.tcfg.Symbols, trade.Symbol)
	}
	return ec, nil
}

func (m *Manager) riskFor(symbol string) *symbolRisk {
	m.riskMu.Lock()
	defer m.riskMu.Unlock()
	rs := m.riskState[symbol]
	if rs == nil {
		rs = &symbolRisk{
			atr: risk.NewATR(m.tcfg.ATRPeriod),
			z:   risk.NewZScoreHistory(0),
			vel: risk.NewFundingVelocity(time.Duration(m.tcfg.VelocityLookbackHours * float64(time.Hour))),
		}
		m.riskState[symbol] = rs
	}
	return rs
}

// estimateExitCost prices a full taker unwind: both legs' taker fees
// plus the cost of walking each closing side of the book.
func (m *Manager) estimateExitCost(ctx context.Context, trade *core.Trade,
	marks map[core.Venue]decimal.Decimal) (decimal.Decimal, error) {

	cost := decimal.Zero
	for _, leg := range trade.Legs() {
		if !leg.FilledQty.IsPositive() {
			continue
		}
		notional := leg.FilledQty.Mul(marks[leg.Venue])
		cost = cost.Add(notional.Mul(m.fees[leg.Venue].TakerFee))

		snap, err := m.ports[leg.Venue].GetOrderbookDepth(ctx, trade.Symbol, m.tcfg.DepthGateLevels)
		if err != nil {
			return decimal.Zero, fmt.Errorf("depth on %s: %w", leg.Venue, err)
		}
		// Closing consumes the opposite side of the entry.
		levels := snap.Bids
		if leg.Side == core.SideSell {
			levels = snap.Asks
		}
		cost = cost.Add(depth.SlippageEstimate(levels, leg.FilledQty))
	}
	return cost, nil
}

// currentSpread returns |lighterMid - x10Mid| / mid as a fraction,
// falling back to mark prices when an L1 book is unavailable.
func (m *Manager) currentSpread(ctx context.Context, symbol string, marks map[core.Venue]decimal.Decimal) decimal.Decimal {
	mids := make(map[core.Venue]decimal.Decimal, 2)
	for venue, mark := range marks {
		mids[venue] = mark
		if l1, err := m.md.FreshL1(ctx, symbol, venue); err == nil {
			if mid := l1.Mid(); mid.IsPositive() {
				mids[venue] = mid
			}
		}
	}
	lm, xm := mids[core.VenueLighter], mids[core.VenueX10]
	mid := lm.Add(xm).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return lm.Sub(xm).Abs().Div(mid)
}

// deltaPct is |sum of signed notionals| over total absolute notional at
// current marks, in percent. Zero exposure reports zero delta.
func deltaPct(trade *core.Trade, marks map[core.Venue]decimal.Decimal) decimal.Decimal {
	net := decimal.Zero
	gross := decimal.Zero
	for _, leg := range trade.Legs() {
		n := leg.FilledQty.Mul(marks[leg.Venue]).Mul(leg.Side.Sign())
		net = net.Add(n)
		gross = gross.Add(n.Abs())
	}
	if !gross.IsPositive() {
		return decimal.Zero
	}
	return net.Abs().Div(gross).Mul(decimal.NewFromInt(100))
}

// liquidationDistance returns the smaller of the two legs' distances to
// liquidation as a percent of mark. Missing data on either leg reports
// ok = false so the rule stays silent rather than guessing.
func (m *Manager) liquidationDistance(ctx context.Context, trade *core.Trade,
	marks map[core.Venue]decimal.Decimal) (decimal.Decimal, bool) {

	minDist := decimal.Zero
	have := false
	for _, leg := range trade.Legs() {
		pos, err := m.ports[leg.Venue].GetPosition(ctx, trade.Symbol)
		if err != nil || pos == nil || !pos.LiquidationPrice.IsPositive() {
			return decimal.Zero, false
		}
		mark := marks[leg.Venue]
		if !mark.IsPositive() {
			return decimal.Zero, false
		}
		dist := mark.Sub(pos.LiquidationPrice).Abs().Div(mark).Mul(decimal.NewFromInt(100))
		if !have || dist.LessThan(minDist) {
			minDist = dist
			have = true
		}
	}
	return minDist, have
}

// rebalance trims the overweight leg reduce-only so the notionals line
// up again. The trade stays OPEN throughout.
func (m *Manager) rebalance(ctx context.Context, trade *core.Trade, ec *evalContext) {
	marks := make(map[core.Venue]decimal.Decimal, 2)
	var heavy *core.TradeLeg
	heavyNotional := decimal.Zero
	lightNotional := decimal.Zero
	for _, leg := range trade.Legs() {
		mark, err := m.md.FreshMarkPrice(ctx, trade.Symbol, leg.Venue)
		if err != nil {
			m.logger.Warn("Rebalance skipped, mark unavailable", "trade_id", trade.ID,
				"venue", string(leg.Venue), "error", err)
			return
		}
		marks[leg.Venue] = mark
		n := leg.FilledQty.Mul(mark)
		if heavy == nil || n.GreaterThan(heavyNotional) {
			if heavy != nil {
				lightNotional = heavyNotional
			}
			heavy = leg
			heavyNotional = n
		} else {
			lightNotional = n
		}
	}

	excess := heavyNotional.Sub(lightNotional)
	trimQty := excess.Div(marks[heavy.Venue])

	info, ok := m.ports[heavy.Venue].GetMarketInfo(trade.Symbol)
	if ok {
		trimQty = core.RoundToStep(trimQty, info.StepSize)
		if trimQty.LessThan(info.MinOrderSize) {
			m.logger.Debug("Rebalance below min order size", "trade_id", trade.ID,
				"trim_qty", trimQty.String())
			return
		}
	}
	if !trimQty.IsPositive() {
		return
	}

	o, err := m.ports[heavy.Venue].PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       heavy.Venue,
		Side:        heavy.Side.Opposite(),
		Qty:         trimQty,
		Type:        core.OrderTypeMarket,
		TimeInForce: core.TIFIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		m.logger.Error("Rebalance order failed", "trade_id", trade.ID,
			"venue", string(heavy.Venue), "error", err)
		return
	}

	heavy.FilledQty = heavy.FilledQty.Sub(o.FilledQty)
	heavy.Fees = heavy.Fees.Add(o.Fee)
	trade.AppendEvent("rebalanced", fmt.Sprintf("trimmed %s on %s (delta was %s%%)",
		o.FilledQty.String(), heavy.Venue, ec.deltaPct.StringFixed(2)))
	m.store.UpdateTrade(trade)
	m.logger.Info("Rebalanced delta", "trade_id", trade.ID, "symbol", trade.Symbol,
		"venue", string(heavy.Venue), "trimmed", o.FilledQty.String())
}
