// Package bootstrap wires every component and owns the process
// lifecycle: startup order, the scan loop, and ordered shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/alert"
	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/eventbus"
	"fundarb/internal/exchange"
	"fundarb/internal/execution"
	"fundarb/internal/funding"
	"fundarb/internal/infrastructure/health"
	"fundarb/internal/infrastructure/metrics"
	"fundarb/internal/infrastructure/server"
	"fundarb/internal/marketdata"
	"fundarb/internal/opportunity"
	"fundarb/internal/position"
	"fundarb/internal/reconcile"
	"fundarb/internal/store"
	"fundarb/internal/supervisor"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// App holds the wired engine.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	tel    *telemetry.Telemetry
	store  *store.Store
	bus    *eventbus.Bus
	ports  []core.ExchangePort
	md     *marketdata.Service
	fees   map[core.Venue]core.FeeSchedule
	alerts *alert.Manager

	opp  *opportunity.Engine
	exec *execution.Engine
	pos  *position.Manager
	fund *funding.Tracker
	rec  *reconcile.Reconciler
	sup  *supervisor.Supervisor

	health     *health.Manager
	httpSrv    *server.Server
	metricsSrv *metrics.Server

	startedAt time.Time
}

// NewApp builds the dependency graph. Nothing talks to a venue yet;
// that happens in Run.
func NewApp(cfg *config.Config, logger core.ILogger) (*App, error) {
	tel, err := telemetry.Setup("fundarb")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.NewStore(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	telemetry.GetGlobalMetrics().SetQueueDepthFunc(func() int64 {
		return int64(st.QueueDepth())
	})

	app := &App{
		cfg:    cfg,
		logger: logger.WithField("component", "app"),
		tel:    tel,
		store:  st,
		bus:    eventbus.NewBus(logger),
		ports:  exchange.NewPorts(cfg, logger),
		alerts: alert.NewFromConfig(cfg.Alerts, logger),
		health: health.NewManager(logger),
	}
	app.md = marketdata.NewService(app.ports,
		time.Duration(cfg.Trading.PriceStalenessSecs)*time.Second, logger)
	return app, nil
}

// Run starts the engine and blocks until ctx is cancelled, then runs
// the ordered shutdown.
func (a *App) Run(ctx context.Context) error {
	a.startedAt = time.Now()
	a.logger.Info("Starting", "mode", a.cfg.Mode(), "symbols", a.cfg.Trading.Symbols)

	for _, port := range a.ports {
		if err := port.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", port.Venue(), err)
		}
	}
	a.fees = a.loadFees(ctx)

	mode := core.ModePaper
	if a.cfg.LiveTrading {
		mode = core.ModeLive
	}

	a.opp = opportunity.NewEngine(a.md, a.ports, a.store, a.cfg.Trading, a.fees, a.logger)
	exec, err := execution.NewEngine(a.ports, a.store, a.bus, a.md,
		a.cfg.Execution, a.cfg.Trading, a.fees, mode, a.logger)
	if err != nil {
		return fmt.Errorf("execution engine: %w", err)
	}
	a.exec = exec
	a.pos = position.NewManager(a.ports, a.store, a.bus, a.md,
		a.cfg.Trading, a.cfg.Execution, a.fees, a.opp, a.logger)
	a.fund = funding.NewTracker(a.ports, a.store, a.bus, a.md, a.cfg.Trading.Symbols, a.logger)
	a.rec = reconcile.NewReconciler(a.ports, a.store, a.bus, a.alerts, a.cfg.Risk, a.logger)
	a.sup = supervisor.NewSupervisor(a.ports, a.store, a.bus, a.alerts, a.cfg.Risk, a.logger)
	a.pos.SetSkipFunc(a.sup.SkipSymbol)

	for _, port := range a.ports {
		p := port
		a.health.Register("exchange_"+string(p.Venue()), func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.CheckHealth(hctx)
		})
	}

	a.metricsSrv = metrics.NewServer(a.cfg.Telemetry.MetricsPort, a.logger)
	a.metricsSrv.Start()
	a.httpSrv = server.NewServer(a.cfg.Telemetry.ServerPort, a, a.health, a.logger)
	a.httpSrv.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pos.Run(gctx, time.Duration(a.cfg.System.EvalIntervalSeconds)*time.Second)
		return nil
	})
	g.Go(func() error { a.fund.Run(gctx, time.Minute); return nil })
	g.Go(func() error { a.rec.Run(gctx); return nil })
	g.Go(func() error { a.sup.Run(gctx, 30*time.Second); return nil })
	g.Go(func() error { a.alerts.Watch(gctx, a.bus); return nil })
	g.Go(func() error { a.scanLoop(gctx); return nil })

	<-gctx.Done()
	a.logger.Info("Shutdown signal received")
	if err := g.Wait(); err != nil {
		a.logger.Error("Component loop failed", "error", err)
	}
	return a.shutdown()
}

// loadFees asks each venue for its schedule and falls back to the
// configured overrides when a venue does not answer.
func (a *App) loadFees(ctx context.Context) map[core.Venue]core.FeeSchedule {
	fallback := map[core.Venue]core.FeeSchedule{
		core.VenueLighter: {
			Venue:    core.VenueLighter,
			MakerFee: decimal.NewFromFloat(a.cfg.Trading.MakerFeeLighter),
			TakerFee: decimal.NewFromFloat(a.cfg.Trading.TakerFeeLighter),
		},
		core.VenueX10: {
			Venue:    core.VenueX10,
			MakerFee: decimal.NewFromFloat(a.cfg.Trading.MakerFeeX10),
			TakerFee: decimal.NewFromFloat(a.cfg.Trading.TakerFeeX10),
		},
	}

	fees := make(map[core.Venue]core.FeeSchedule, len(a.ports))
	for _, port := range a.ports {
		venue := port.Venue()
		fees[venue] = fallback[venue]
		if len(a.cfg.Trading.Symbols) == 0 {
			continue
		}
		fs, err := port.GetFeeSchedule(ctx, a.cfg.Trading.Symbols[0])
		if err != nil {
			a.logger.Warn("Fee schedule unavailable, using configured fees",
				"venue", string(venue), "error", err)
			continue
		}
		if fs.MakerFee.IsZero() && fs.TakerFee.IsZero() {
			continue
		}
		fs.Venue = venue
		fees[venue] = fs
	}
	return fees
}

// scanLoop refreshes market data and feeds ranked opportunities into
// the execution engine, subject to the supervisor's gates.
func (a *App) scanLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.System.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanOnce(ctx)
		}
	}
}

func (a *App) scanOnce(ctx context.Context) {
	if err := a.md.Refresh(ctx, a.cfg.Trading.Symbols); err != nil {
		a.logger.Warn("Market data refresh failed", "error", err)
		return
	}
	if !a.sup.CanTrade() {
		return
	}

	opps := a.opp.Scan(ctx, a.cfg.Trading.Symbols)
	for _, opp := range opps {
		if len(a.store.ListOpenTrades()) >= a.cfg.Trading.MaxOpenTrades {
			return
		}
		if a.sup.SkipSymbol(opp.Symbol) {
			continue
		}
		trade, err := a.exec.OpenTrade(ctx, opp)
		if err != nil {
			a.logger.Error("Entry failed", "symbol", opp.Symbol, "error", err)
			continue
		}
		if trade != nil {
			a.logger.Info("Trade opened", "trade_id", trade.ID, "symbol", trade.Symbol,
				"apy", trade.EntryAPY.StringFixed(4))
		}
		// One entry per scan keeps balance checks honest between fills.
		return
	}
}

// shutdown runs after every loop has stopped: observability servers
// first, then orders and adapters through the supervisor, then the bus
// and telemetry.
func (a *App) shutdown() error {
	timeout := time.Duration(a.cfg.System.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpSrv != nil {
		if err := a.httpSrv.Stop(ctx); err != nil {
			a.logger.Warn("HTTP server stop failed", "error", err)
		}
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}

	var firstErr error
	if err := a.sup.Shutdown(ctx, false); err != nil {
		a.logger.Error("Supervisor shutdown failed", "error", err)
		firstErr = err
	}
	if err := a.bus.Drain(ctx); err != nil {
		a.logger.Warn("Event bus drain failed", "error", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", "error", err)
	}
	a.logger.Info("Stopped")
	return firstErr
}

// StatusSnapshot implements server.SnapshotSource.
func (a *App) StatusSnapshot() server.StatusSnapshot {
	paused, reason, _, _ := a.sup.Status()
	venues := make(map[string]string, len(a.ports))
	for _, p := range a.ports {
		state := "polling"
		if p.WSReady() {
			state = "ws"
		}
		venues[string(p.Venue())] = state
	}
	return server.StatusSnapshot{
		Uptime:        time.Since(a.startedAt).Round(time.Second).String(),
		Mode:          a.cfg.Mode(),
		TradingPaused: paused,
		PauseReason:   reason,
		OpenTrades:    len(a.store.ListOpenTrades()),
		QueueDepth:    a.store.QueueDepth(),
		Venues:        venues,
		UpdatedAt:     time.Now().UTC(),
	}
}

// PositionViews implements server.SnapshotSource.
func (a *App) PositionViews() []server.PositionView {
	trades := a.store.ListOpenTrades()
	out := make([]server.PositionView, 0, len(trades))
	for _, t := range trades {
		v := server.PositionView{
			TradeID:    t.ID,
			Symbol:     t.Symbol,
			Status:     string(t.Status),
			LighterQty: t.LighterLeg.FilledQty.Mul(t.LighterLeg.Side.Sign()).String(),
			X10Qty:     t.X10Leg.FilledQty.Mul(t.X10Leg.Side.Sign()).String(),
			EntryAPY:   t.EntryAPY.StringFixed(4),
		}
		if !t.OpenedAt.IsZero() {
			v.OpenedAt = t.OpenedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	return out
}

// PnLSnapshot implements server.SnapshotSource.
func (a *App) PnLSnapshot() server.PnLSnapshot {
	realized := decimal.Zero
	unrealized := decimal.Zero
	fundingTotal := decimal.Zero

	recent, err := a.store.ListTrades(context.Background(), 500)
	if err != nil {
		a.logger.Warn("PnL snapshot query failed", "error", err)
	}
	for _, t := range recent {
		realized = realized.Add(t.RealizedPnL)
		fundingTotal = fundingTotal.Add(t.FundingCollected)
	}
	for _, t := range a.store.ListOpenTrades() {
		unrealized = unrealized.Add(t.UnrealizedPnL)
	}
	return server.PnLSnapshot{
		RealizedUSD:      realized.StringFixed(2),
		UnrealizedUSD:    unrealized.StringFixed(2),
		FundingCollected: fundingTotal.StringFixed(2),
		UpdatedAt:        time.Now().UTC(),
	}
}
