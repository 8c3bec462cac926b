package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recStore struct {
	mu     sync.Mutex
	trades map[string]*core.Trade
}

func newRecStore() *recStore { return &recStore{trades: make(map[string]*core.Trade)} }

func (s *recStore) CreateTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = t
	return nil
}
func (s *recStore) UpdateTrade(t *core.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = t
}
func (s *recStore) GetTrade(id string) (*core.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	return t, ok
}
func (s *recStore) GetOpenTradeBySymbol(string) (*core.Trade, bool) { return nil, false }
func (s *recStore) ListOpenTrades() []*core.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Trade
	for _, t := range s.trades {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	return out
}
func (s *recStore) ListTrades(context.Context, int) ([]*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Trade
	for _, t := range s.trades {
		out = append(out, t)
	}
	return out, nil
}
func (s *recStore) RecordAttempt(*core.ExecutionAttempt)             {}
func (s *recStore) RecordFundingEvent(*core.FundingEvent)            {}
func (s *recStore) ReplaceFundingEvents(string, []core.FundingEvent) {}
func (s *recStore) RecordFundingCandle(*core.FundingCandle)          {}
func (s *recStore) ListFundingEvents(context.Context, string) ([]core.FundingEvent, error) {
	return nil, nil
}
func (s *recStore) ListFundingCandles(context.Context, string, core.Venue, time.Time) ([]core.FundingCandle, error) {
	return nil, nil
}
func (s *recStore) QueueDepth() int             { return 0 }
func (s *recStore) Close(context.Context) error { return nil }

type recBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *recBus) Publish(ev core.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}
func (b *recBus) Subscribe(...core.EventType) <-chan core.Event {
	ch := make(chan core.Event)
	close(ch)
	return ch
}
func (b *recBus) Drain(context.Context) error { return nil }
func (b *recBus) byType(t core.EventType) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recAlerts struct {
	mu     sync.Mutex
	titles []string
}

func (a *recAlerts) Alert(_ context.Context, title, _, _ string, _ map[string]string) {
	a.mu.Lock()
	a.titles = append(a.titles, title)
	a.mu.Unlock()
}

type recEnv struct {
	lighter *mock.Exchange
	x10     *mock.Exchange
	store   *recStore
	bus     *recBus
	alerts  *recAlerts
	rec     *Reconciler
}

func newRecEnv(t *testing.T) *recEnv {
	t.Helper()
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	store := newRecStore()
	bus := &recBus{}
	alerts := &recAlerts{}
	rec := NewReconciler([]core.ExchangePort{lighter, x10}, store, bus, alerts,
		config.Default().Risk, logging.NewNop())
	return &recEnv{lighter: lighter, x10: x10, store: store, bus: bus, alerts: alerts, rec: rec}
}

func (e *recEnv) openTrade(id string) *core.Trade {
	trade := &core.Trade{
		ID:     id,
		Symbol: "ETH-USD",
		LighterLeg: core.TradeLeg{
			Venue: core.VenueLighter, Side: core.SideSell,
			FilledQty: d("0.2"), EntryPrice: d("2000"),
		},
		X10Leg: core.TradeLeg{
			Venue: core.VenueX10, Side: core.SideBuy,
			FilledQty: d("0.2"), EntryPrice: d("2000"),
		},
		Status:    core.TradeStatusOpen,
		CreatedAt: time.Now().Add(-time.Hour),
		OpenedAt:  time.Now().Add(-time.Hour),
	}
	e.store.trades[trade.ID] = trade
	e.lighter.SetPosition("ETH-USD", core.SideSell, d("0.2"), d("2000"))
	e.x10.SetPosition("ETH-USD", core.SideBuy, d("0.2"), d("2000"))
	return trade
}

func TestOrphanPositionIsSurfacedNotClosed(t *testing.T) {
	env := newRecEnv(t)
	env.lighter.SetPosition("BTC-USD", core.SideBuy, d("0.01"), d("60000"))

	require.NoError(t, env.rec.RunOnce(context.Background()))

	orphans := env.bus.byType(core.EventOrphanPosition)
	require.Len(t, orphans, 1)
	assert.Equal(t, "BTC-USD", orphans[0].Symbol)
	assert.Contains(t, env.alerts.titles, "Orphan position")
	// Surfacing only: the reconciler never touches the position itself.
	assert.Empty(t, env.lighter.PlacedOrders)
}

func TestBalancedTradePassesClean(t *testing.T) {
	env := newRecEnv(t)
	env.openTrade("t1")

	require.NoError(t, env.rec.RunOnce(context.Background()))

	assert.Empty(t, env.bus.events)
	assert.Empty(t, env.alerts.titles)
}

func TestSmallDriftAutoCorrectsLegQty(t *testing.T) {
	env := newRecEnv(t)
	trade := env.openTrade("t1")
	// 1% under the recorded fill, inside the 5% auto-correct bound.
	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.198"), d("2000"))

	require.NoError(t, env.rec.RunOnce(context.Background()))

	assert.True(t, trade.LighterLeg.FilledQty.Equal(d("0.198")),
		"leg qty %s", trade.LighterLeg.FilledQty)
	assert.Empty(t, env.bus.byType(core.EventBrokenHedge))
	found := false
	for _, ev := range trade.Events {
		if ev.Type == "qty_reconciled" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLargeDriftRaisesBrokenHedge(t *testing.T) {
	env := newRecEnv(t)
	trade := env.openTrade("t1")
	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.1"), d("2000"))

	require.NoError(t, env.rec.RunOnce(context.Background()))

	events := env.bus.byType(core.EventBrokenHedge)
	require.Len(t, events, 1)
	assert.Equal(t, trade.ID, events[0].TradeID)
	// The record is left for the supervisor; no silent adoption.
	assert.True(t, trade.LighterLeg.FilledQty.Equal(d("0.2")))
	assert.Contains(t, env.alerts.titles, "Trade divergence")
}

func TestMissingLegRaisesBrokenHedge(t *testing.T) {
	env := newRecEnv(t)
	trade := env.openTrade("t1")
	env.x10.SetPosition("ETH-USD", core.SideBuy, decimal.Zero, decimal.Zero)

	require.NoError(t, env.rec.RunOnce(context.Background()))

	events := env.bus.byType(core.EventBrokenHedge)
	require.Len(t, events, 1)
	assert.Equal(t, trade.ID, events[0].TradeID)
}

func TestZombieOrderIsCancelled(t *testing.T) {
	env := newRecEnv(t)

	// A failed trade whose maker order is somehow still resting.
	resting := core.Order{
		OrderRequest: core.OrderRequest{
			Symbol: "ETH-USD", Venue: core.VenueLighter,
			Side: core.SideSell, Qty: d("0.2"), Price: d("2000.1"),
		},
		OrderID: "stale-1",
		Status:  core.OrderStatusOpen,
	}
	env.lighter.Orders["stale-1"] = resting
	env.store.trades["t1"] = &core.Trade{
		ID:     "t1",
		Symbol: "ETH-USD",
		LighterLeg: core.TradeLeg{
			Venue: core.VenueLighter, Side: core.SideSell, OrderID: "stale-1",
		},
		X10Leg: core.TradeLeg{Venue: core.VenueX10, Side: core.SideBuy},
		Status: core.TradeStatusFailed,
	}

	require.NoError(t, env.rec.RunOnce(context.Background()))

	assert.Contains(t, env.lighter.CanceledOrders, "stale-1")
	events := env.bus.byType(core.EventZombieOrder)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TradeID)

	// Second pass is quiet: the order is now terminal.
	env.bus.events = nil
	require.NoError(t, env.rec.RunOnce(context.Background()))
	assert.Empty(t, env.bus.byType(core.EventZombieOrder))
}
