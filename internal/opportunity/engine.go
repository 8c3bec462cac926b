// Package opportunity scans the funding spread across venues and ranks
// entry candidates.
package opportunity

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/depth"
	"fundarb/internal/marketdata"
	"fundarb/internal/risk"
	"fundarb/pkg/concurrency"

	"github.com/shopspring/decimal"
)

var (
	hoursPerYear = decimal.NewFromInt(24 * 365)
)

// History gating kicks in once enough hourly candles exist; a symbol
// whose funding flipped sign on more than half its recent samples is
// churning too much to harvest.
const (
	historyLookback     = 24 * time.Hour
	historyMinSamples   = 6
	historyMaxFlipRatio = 0.5
)

// Engine produces ranked Opportunity candidates.
type Engine struct {
	md        *marketdata.Service
	ports     map[core.Venue]core.ExchangePort
	store     core.TradeStorePort
	cfg       config.TradingConfig
	fees      map[core.Venue]core.FeeSchedule
	blacklist map[string]struct{}
	pool      *concurrency.WorkerPool
	logger    core.ILogger
}

// NewEngine creates the opportunity engine. fees is the process-wide fee
// schedule cache loaded at startup.
func NewEngine(md *marketdata.Service, ports []core.ExchangePort, store core.TradeStorePort,
	cfg config.TradingConfig, fees map[core.Venue]core.FeeSchedule, logger core.ILogger) *Engine {

	pm := make(map[core.Venue]core.ExchangePort, len(ports))
	for _, p := range ports {
		pm[p.Venue()] = p
	}
	bl := make(map[string]struct{}, len(cfg.BlacklistSymbols))
	for _, s := range cfg.BlacklistSymbols {
		bl[s] = struct{}{}
	}
	return &Engine{
		md:        md,
		ports:     pm,
		store:     store,
		cfg:       cfg,
		fees:      fees,
		blacklist: bl,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "opportunity_scan",
			MaxWorkers: 4,
		}, logger),
		logger: logger.WithField("component", "opportunity"),
	}
}

// Scan evaluates all symbols and returns passing candidates ranked by
// APY descending.
func (e *Engine) Scan(ctx context.Context, symbols []string) []core.Opportunity {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []core.Opportunity
	)
	for _, symbol := range symbols {
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			if opp, ok := e.evaluate(ctx, symbol); ok {
				mu.Lock()
				out = append(out, opp)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool {
		return out[i].APY.GreaterThan(out[j].APY)
	})
	return out
}

// BestAlternativeAPY returns the highest passing APY excluding the given
// symbol; used by the opportunity-cost exit rule.
func (e *Engine) BestAlternativeAPY(ctx context.Context, symbols []string, exclude string) (decimal.Decimal, bool) {
	best := decimal.Zero
	found := false
	for _, symbol := range symbols {
		if symbol == exclude {
			continue
		}
		if opp, ok := e.evaluate(ctx, symbol); ok && opp.APY.GreaterThan(best) {
			best = opp.APY
			found = true
		}
	}
	return best, found
}

func (e *Engine) evaluate(ctx context.Context, symbol string) (core.Opportunity, bool) {
	if _, banned := e.blacklist[symbol]; banned {
		return core.Opportunity{}, false
	}
	if _, open := e.store.GetOpenTradeBySymbol(symbol); open {
		return core.Opportunity{}, false
	}
	if !e.md.IsFresh(symbol) {
		return core.Opportunity{}, false
	}

	netHourly, err := e.md.NetHourly(ctx, symbol)
	if err != nil {
		return core.Opportunity{}, false
	}

	apy := netHourly.Abs().Mul(hoursPerYear)
	if apy.LessThan(decimal.NewFromFloat(e.cfg.MinAPYFilter)) {
		return core.Opportunity{}, false
	}

	if !e.fundingSteady(ctx, symbol) {
		return core.Opportunity{}, false
	}

	lighterL1, err := e.md.FreshL1(ctx, symbol, core.VenueLighter)
	if err != nil {
		return core.Opportunity{}, false
	}
	x10L1, err := e.md.FreshL1(ctx, symbol, core.VenueX10)
	if err != nil {
		return core.Opportunity{}, false
	}
	lighterMid := lighterL1.Mid()
	x10Mid := x10L1.Mid()
	if lighterMid.IsZero() || x10Mid.IsZero() {
		return core.Opportunity{}, false
	}

	mid := lighterMid.Add(x10Mid).Div(decimal.NewFromInt(2))
	spread := lighterMid.Sub(x10Mid).Abs().Div(mid)
	if spread.GreaterThan(decimal.NewFromFloat(e.cfg.MaxEntrySpread)) {
		return core.Opportunity{}, false
	}

	// Positive funding accrues to the short side, so the venue with the
	// higher rate is shorted.
	longVenue, shortVenue := core.VenueLighter, core.VenueX10
	if netHourly.IsPositive() {
		longVenue, shortVenue = core.VenueX10, core.VenueLighter
	}

	notional := decimal.NewFromFloat(e.cfg.NotionalPerTrade)
	qty, ok := e.sizeQty(symbol, notional, mid)
	if !ok {
		return core.Opportunity{}, false
	}

	if err := e.checkDepth(ctx, symbol, longVenue, core.SideBuy, qty); err != nil {
		e.logger.Debug("Depth gate failed", "symbol", symbol, "error", err)
		return core.Opportunity{}, false
	}
	if err := e.checkDepth(ctx, symbol, shortVenue, core.SideSell, qty); err != nil {
		e.logger.Debug("Depth gate failed", "symbol", symbol, "error", err)
		return core.Opportunity{}, false
	}

	estFees := e.estimateEntryFees(notional)
	estExit := e.estimateExitCost(ctx, symbol, qty, notional)

	horizon := decimal.NewFromFloat(e.cfg.ExitEVHorizonHours)
	ev := netHourly.Abs().Mul(notional).Mul(horizon).Sub(estExit).Sub(estFees)
	if ev.LessThanOrEqual(decimal.Zero) || ev.LessThan(decimal.NewFromFloat(e.cfg.MinExpectedValue)) {
		return core.Opportunity{}, false
	}

	hourlyIncome := netHourly.Abs().Mul(notional)
	breakeven := decimal.Zero
	if hourlyIncome.IsPositive() {
		breakeven = estFees.Add(estExit).Div(hourlyIncome)
	}

	return core.Opportunity{
		Symbol:            symbol,
		LongVenue:         longVenue,
		ShortVenue:        shortVenue,
		NetHourlyRate:     netHourly,
		APY:               apy,
		Spread:            spread,
		MidPrice:          mid,
		SuggestedQty:      qty,
		SuggestedNotional: qty.Mul(mid),
		BreakevenHours:    breakeven,
		ExpectedValueUSD:  ev,
		ScannedAt:         time.Now().UTC(),
	}, true
}

// fundingSteady checks recent funding history on both venues and rejects
// symbols whose rate keeps flipping sign. Thin history passes; the APY
// and EV filters still apply.
func (e *Engine) fundingSteady(ctx context.Context, symbol string) bool {
	since := time.Now().UTC().Add(-historyLookback)
	for venue := range e.ports {
		candles, err := e.store.ListFundingCandles(ctx, symbol, venue, since)
		if err != nil {
			e.logger.Debug("Funding history unavailable",
				"symbol", symbol, "venue", string(venue), "error", err)
			continue
		}
		stats := risk.AnalyzeFunding(candles)
		if stats.Samples < historyMinSamples {
			continue
		}
		flipRatio := float64(stats.SignFlips) / float64(stats.Samples-1)
		if flipRatio > historyMaxFlipRatio {
			e.logger.Debug("Funding history too unstable",
				"symbol", symbol, "venue", string(venue),
				"sign_flips", stats.SignFlips, "samples", stats.Samples,
				"stability", stats.Stability.StringFixed(3))
			return false
		}
	}
	return true
}

// sizeQty converts target notional to a quantity rounded to the tighter
// step size of the two venues; fails when below either minimum.
func (e *Engine) sizeQty(symbol string, notional, mid decimal.Decimal) (decimal.Decimal, bool) {
	qty := notional.Div(mid)

	step := decimal.Zero
	var minOrder decimal.Decimal
	for _, port := range e.ports {
		info, ok := port.GetMarketInfo(symbol)
		if !ok {
			return decimal.Zero, false
		}
		if step.IsZero() || info.StepSize.GreaterThan(step) {
			step = info.StepSize
		}
		if info.MinOrderSize.GreaterThan(minOrder) {
			minOrder = info.MinOrderSize
		}
	}

	qty = core.RoundToStep(qty, step)
	if qty.IsZero() || qty.LessThan(minOrder) {
		return decimal.Zero, false
	}
	return qty, true
}

func (e *Engine) checkDepth(ctx context.Context, symbol string, venue core.Venue, side core.Side, qty decimal.Decimal) error {
	snap, err := e.ports[venue].GetOrderbookDepth(ctx, symbol, e.cfg.DepthGateLevels)
	if err != nil {
		return err
	}
	return depth.Check(e.gateConfig(), snap, side, qty)
}

func (e *Engine) gateConfig() depth.GateConfig {
	return depth.GateConfig{
		Mode:             depth.ParseGateMode(e.cfg.DepthGateMode),
		Levels:           e.cfg.DepthGateLevels,
		MaxImpactPct:     decimal.NewFromFloat(e.cfg.DepthGateMaxImpactPct),
		MaxL1Utilization: decimal.NewFromFloat(e.cfg.MaxL1QtyUtilization),
	}
}

// estimateEntryFees sums maker (leg-1) and taker (leg-2) fees.
func (e *Engine) estimateEntryFees(notional decimal.Decimal) decimal.Decimal {
	maker := e.fees[core.VenueLighter].MakerFee
	taker := e.fees[core.VenueX10].TakerFee
	return notional.Mul(maker.Add(taker))
}

// estimateExitCost is taker fees on both legs plus walk-through slippage
// at current depth.
func (e *Engine) estimateExitCost(ctx context.Context, symbol string, qty, notional decimal.Decimal) decimal.Decimal {
	takerBoth := e.fees[core.VenueLighter].TakerFee.Add(e.fees[core.VenueX10].TakerFee)
	cost := notional.Mul(takerBoth)

	for _, port := range e.ports {
		snap, err := port.GetOrderbookDepth(ctx, symbol, e.cfg.DepthGateLevels)
		if err != nil {
			continue
		}
		// Closing crosses the book on both venues; charge the worse of
		// the two sides per venue.
		bidSlip := depth.SlippageEstimate(snap.Bids, qty)
		askSlip := depth.SlippageEstimate(snap.Asks, qty)
		cost = cost.Add(decimal.Max(bidSlip, askSlip))
	}
	return cost
}
