// Package supervisor owns process-wide safety state: the trading-pause
// window, consecutive-failure tracking, account guards, the broken-hedge
// kill switch with self-healing resume, and shutdown ordering.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var qtyTolerance = decimal.NewFromFloat(1e-9)

// Supervisor gates trade entries. Position management and close paths
// never consult it except for per-symbol broken-hedge flags.
type Supervisor struct {
	ports  map[core.Venue]core.ExchangePort
	store  core.TradeStorePort
	bus    core.EventBusPort
	alerts core.AlertSink
	rcfg   config.RiskConfig
	logger core.ILogger

	mu          sync.Mutex
	pausedUntil time.Time
	pauseReason string
	indefinite  bool

	consecutiveFailures int
	peakEquity          decimal.Decimal

	// brokenSymbols maps a symbol to its cooldown expiry. While present
	// the symbol is excluded from evaluation and entries stay paused.
	brokenSymbols map[string]time.Time
}

// NewSupervisor wires the supervisor. alerts may be nil.
func NewSupervisor(ports []core.ExchangePort, store core.TradeStorePort, bus core.EventBusPort,
	alerts core.AlertSink, rcfg config.RiskConfig, logger core.ILogger) *Supervisor {

	s := &Supervisor{
		ports:         make(map[core.Venue]core.ExchangePort, len(ports)),
		store:         store,
		bus:           bus,
		alerts:        alerts,
		rcfg:          rcfg,
		logger:        logger.WithField("component", "supervisor"),
		brokenSymbols: make(map[string]time.Time),
	}
	for _, p := range ports {
		s.ports[p.Venue()] = p
	}
	return s
}

// Run consumes safety events and runs the periodic guard checks until
// the context ends.
func (s *Supervisor) Run(ctx context.Context, guardInterval time.Duration) {
	events := s.bus.Subscribe(
		core.EventTradeOpened,
		core.EventTradeFailed,
		core.EventRollbackFailed,
		core.EventBrokenHedge,
	)
	ticker := time.NewTicker(guardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.CheckAccountGuards(ctx)
			s.tryHealBrokenHedges(ctx)
		}
	}
}

func (s *Supervisor) handleEvent(ev core.Event) {
	switch ev.Type {
	case core.EventTradeOpened:
		s.mu.Lock()
		s.consecutiveFailures = 0
		s.mu.Unlock()
	case core.EventTradeFailed, core.EventRollbackFailed:
		s.recordFailure(ev)
	case core.EventBrokenHedge:
		s.handleBrokenHedge(ev)
	}
}

func (s *Supervisor) recordFailure(ev core.Event) {
	s.mu.Lock()
	s.consecutiveFailures++
	n := s.consecutiveFailures
	s.mu.Unlock()

	s.logger.Warn("Execution failure recorded", "symbol", ev.Symbol,
		"consecutive", n, "reason", ev.Reason)
	if n >= s.rcfg.MaxConsecutiveFailures {
		s.Pause(fmt.Sprintf("%d consecutive execution failures", n),
			time.Duration(s.rcfg.FailurePauseMinutes)*time.Minute)
	}
}

func (s *Supervisor) handleBrokenHedge(ev core.Event) {
	cooldown := time.Duration(s.rcfg.BrokenHedgeCooldownSecs) * time.Second
	s.mu.Lock()
	s.brokenSymbols[ev.Symbol] = time.Now().Add(cooldown)
	s.mu.Unlock()

	s.Pause(fmt.Sprintf("broken hedge on %s", ev.Symbol), cooldown)
	if s.alerts != nil {
		s.alerts.Alert(context.Background(), "Broken hedge",
			fmt.Sprintf("trade %s on %s: %s", ev.TradeID, ev.Symbol, ev.Reason),
			"error", map[string]string{"symbol": ev.Symbol})
	}
}

// CanTrade reports whether new entries are permitted. An expired timed
// pause auto-resumes here.
func (s *Supervisor) CanTrade() bool {
	s.mu.Lock()
	paused := !s.pausedUntil.IsZero()
	expired := paused && !s.indefinite && time.Now().After(s.pausedUntil)
	blocked := len(s.brokenSymbols) > 0
	s.mu.Unlock()

	if expired && !blocked {
		s.Resume("pause window elapsed")
		return true
	}
	return !paused && !blocked
}

// SkipSymbol reports whether a symbol is under a broken-hedge flag and
// must be left to the supervisor's healing loop.
func (s *Supervisor) SkipSymbol(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.brokenSymbols[symbol]
	return ok
}

// Status returns the current pause state.
func (s *Supervisor) Status() (paused bool, reason string, until time.Time, indefinite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pausedUntil.IsZero(), s.pauseReason, s.pausedUntil, s.indefinite
}

// Pause inhibits new entries for the given window. A longer or
// indefinite pause is never shortened by a later weaker one.
func (s *Supervisor) Pause(reason string, d time.Duration) {
	until := time.Now().Add(d)
	s.mu.Lock()
	if s.indefinite || until.Before(s.pausedUntil) {
		s.mu.Unlock()
		return
	}
	s.pausedUntil = until
	s.pauseReason = reason
	s.mu.Unlock()

	telemetry.GetGlobalMetrics().SetTradingPaused(true)
	s.bus.Publish(core.Event{
		Type: core.EventTradingPaused, Reason: reason, Timestamp: time.Now().UTC(),
	})
	s.logger.Warn("Trading paused", "reason", reason, "until", until.Format(time.RFC3339))
}

// PauseIndefinitely is the kill switch: only an explicit Resume lifts it.
func (s *Supervisor) PauseIndefinitely(reason string) {
	s.mu.Lock()
	s.pausedUntil = time.Now().Add(100 * 365 * 24 * time.Hour)
	s.pauseReason = reason
	s.indefinite = true
	s.mu.Unlock()

	telemetry.GetGlobalMetrics().SetTradingPaused(true)
	s.bus.Publish(core.Event{
		Type: core.EventTradingPaused, Reason: reason, Timestamp: time.Now().UTC(),
	})
	s.logger.Error("Trading paused indefinitely", "reason", reason)
	if s.alerts != nil {
		s.alerts.Alert(context.Background(), "Kill switch", reason, "critical", nil)
	}
}

// Resume lifts the pause window.
func (s *Supervisor) Resume(reason string) {
	s.mu.Lock()
	s.pausedUntil = time.Time{}
	s.pauseReason = ""
	s.indefinite = false
	s.mu.Unlock()

	telemetry.GetGlobalMetrics().SetTradingPaused(false)
	s.bus.Publish(core.Event{
		Type: core.EventTradingResumed, Reason: reason, Timestamp: time.Now().UTC(),
	})
	s.logger.Info("Trading resumed", "reason", reason)
}

// CheckAccountGuards refreshes balances and applies the free-margin and
// drawdown guards.
func (s *Supervisor) CheckAccountGuards(ctx context.Context) {
	total := decimal.Zero
	available := decimal.Zero
	for venue, port := range s.ports {
		bal, err := port.GetAvailableBalance(ctx)
		if err != nil {
			s.logger.Warn("Balance refresh failed", "venue", string(venue), "error", err)
			return
		}
		total = total.Add(bal.Total)
		available = available.Add(bal.Available)
	}
	if !total.IsPositive() {
		return
	}

	s.mu.Lock()
	if total.GreaterThan(s.peakEquity) {
		s.peakEquity = total
	}
	peak := s.peakEquity
	s.mu.Unlock()

	drawdownPct := peak.Sub(total).Div(peak).Mul(decimal.NewFromInt(100))
	if drawdownPct.GreaterThanOrEqual(decimal.NewFromFloat(s.rcfg.MaxDrawdownPct)) {
		s.PauseIndefinitely(fmt.Sprintf("drawdown %s%% from peak equity %s",
			drawdownPct.StringFixed(2), peak.String()))
		return
	}

	freePct := available.Div(total).Mul(decimal.NewFromInt(100))
	if freePct.LessThan(decimal.NewFromFloat(s.rcfg.MinFreeMarginPct)) {
		s.Pause(fmt.Sprintf("free margin %s%% below %.1f%%",
			freePct.StringFixed(2), s.rcfg.MinFreeMarginPct),
			time.Duration(s.rcfg.FailurePauseMinutes)*time.Minute)
	}
}

// tryHealBrokenHedges re-checks flagged symbols whose cooldown elapsed.
// A balanced book clears the flag and resumes; an unbalanced one extends
// the cooldown. No manual step is ever required.
func (s *Supervisor) tryHealBrokenHedges(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var due []string
	for symbol, expiry := range s.brokenSymbols {
		if now.After(expiry) {
			due = append(due, symbol)
		}
	}
	s.mu.Unlock()

	for _, symbol := range due {
		if !s.symbolBalanced(ctx, symbol) {
			cooldown := time.Duration(s.rcfg.BrokenHedgeCooldownSecs) * time.Second
			s.mu.Lock()
			s.brokenSymbols[symbol] = now.Add(cooldown)
			s.mu.Unlock()
			s.logger.Warn("Hedge still unbalanced, extending cooldown", "symbol", symbol)
			continue
		}

		s.mu.Lock()
		delete(s.brokenSymbols, symbol)
		empty := len(s.brokenSymbols) == 0
		s.mu.Unlock()

		s.bus.Publish(core.Event{
			Type: core.EventHedgeHealed, Symbol: symbol, Timestamp: time.Now().UTC(),
		})
		s.logger.Info("Broken hedge healed", "symbol", symbol)
		if empty {
			s.Resume(fmt.Sprintf("hedge on %s balanced", symbol))
		}
	}
}

// symbolBalanced reports whether the venues' signed exposure on the
// symbol nets to zero (both flat counts as balanced).
func (s *Supervisor) symbolBalanced(ctx context.Context, symbol string) bool {
	net := decimal.Zero
	for venue, port := range s.ports {
		pos, err := port.GetPosition(ctx, symbol)
		if err != nil {
			s.logger.Warn("Position fetch failed during heal check",
				"symbol", symbol, "venue", string(venue), "error", err)
			return false
		}
		if pos != nil {
			net = net.Add(pos.SignedQty())
		}
	}
	return net.Abs().LessThanOrEqual(qtyTolerance)
}

// Shutdown runs the ordered teardown: stop entries, cancel every open
// order, optionally flatten all positions reduce-only, verify flat, then
// close adapters and the store.
func (s *Supervisor) Shutdown(ctx context.Context, closePositions bool) error {
	s.Pause("shutting down", time.Hour)

	for venue, port := range s.ports {
		if err := port.CancelAllOrders(ctx, ""); err != nil {
			s.logger.Error("Cancel-all failed during shutdown", "venue", string(venue), "error", err)
		}
	}

	if closePositions {
		if err := s.flattenAll(ctx); err != nil {
			return err
		}
	}

	for venue, port := range s.ports {
		if err := port.Close(ctx); err != nil {
			s.logger.Warn("Adapter close failed", "venue", string(venue), "error", err)
		}
	}
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	s.logger.Info("Shutdown complete")
	return nil
}

func (s *Supervisor) flattenAll(ctx context.Context) error {
	for venue, port := range s.ports {
		positions, err := port.ListPositions(ctx)
		if err != nil {
			return fmt.Errorf("list positions on %s: %w", venue, err)
		}
		for _, pos := range positions {
			if pos.Qty.LessThanOrEqual(qtyTolerance) {
				continue
			}
			_, err := port.PlaceOrder(ctx, core.OrderRequest{
				Symbol:      pos.Symbol,
				Venue:       venue,
				Side:        pos.Side.Opposite(),
				Qty:         pos.Qty,
				Type:        core.OrderTypeMarket,
				TimeInForce: core.TIFIOC,
				ReduceOnly:  true,
			})
			if err != nil {
				s.logger.Error("Emergency close failed during shutdown",
					"symbol", pos.Symbol, "venue", string(venue), "error", err)
			}
		}
	}

	for venue, port := range s.ports {
		positions, err := port.ListPositions(ctx)
		if err != nil {
			return fmt.Errorf("verify flat on %s: %w", venue, err)
		}
		for _, pos := range positions {
			if pos.Qty.GreaterThan(qtyTolerance) {
				return fmt.Errorf("position %s on %s not flat after shutdown close", pos.Symbol, venue)
			}
		}
	}
	return nil
}
