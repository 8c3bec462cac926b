package supervisor

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

type supStore struct{}

func (supStore) CreateTrade(context.Context, *core.Trade) error      { return nil }
func (supStore) UpdateTrade(*core.Trade)                             {}
func (supStore) GetTrade(string) (*core.Trade, bool)                 { return nil, false }
func (supStore) GetOpenTradeBySymbol(string) (*core.Trade, bool)     { return nil, false }
func (supStore) ListOpenTrades() []*core.Trade                       { return nil }
func (supStore) ListTrades(context.Context, int) ([]*core.Trade, error) {
	return nil, nil
}
func (supStore) RecordAttempt(*core.ExecutionAttempt)             {}
func (supStore) RecordFundingEvent(*core.FundingEvent)            {}
func (supStore) ReplaceFundingEvents(string, []core.FundingEvent) {}
func (supStore) RecordFundingCandle(*core.FundingCandle)          {}
func (supStore) ListFundingEvents(context.Context, string) ([]core.FundingEvent, error) {
	return nil, nil
}
func (supStore) ListFundingCandles(context.Context, string, core.Venue, time.Time) ([]core.FundingCandle, error) {
	return nil, nil
}
func (supStore) QueueDepth() int             { return 0 }
func (supStore) Close(context.Context) error { return nil }

type supBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *supBus) Publish(ev core.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}
func (b *supBus) Subscribe(...core.EventType) <-chan core.Event {
	ch := make(chan core.Event)
	close(ch)
	return ch
}
func (b *supBus) Drain(context.Context) error { return nil }
func (b *supBus) byType(t core.EventType) []core.Event {
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

type supEnv struct {
	lighter *mock.Exchange
	x10     *mock.Exchange
	bus     *supBus
	sup     *Supervisor
}

func newSupEnv(t *testing.T, mutate func(*config.RiskConfig)) *supEnv {
	t.Helper()
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	lighter.AddMarket("ETH-USD", "0.1", "0.1", "0.1")
	x10.AddMarket("ETH-USD", "0.1", "0.1", "0.1")
	bus := &supBus{}
	rcfg := config.Default().Risk
	if mutate != nil {
		mutate(&rcfg)
	}
	sup := NewSupervisor([]core.ExchangePort{lighter, x10}, supStore{}, bus, nil,
		rcfg, logging.NewNop())
	return &supEnv{lighter: lighter, x10: x10, bus: bus, sup: sup}
}

func TestConsecutiveFailuresTriggerTimedPause(t *testing.T) {
	env := newSupEnv(t, nil)

	fail := core.Event{Type: core.EventTradeFailed, Symbol: "ETH-USD", Reason: "hedge timeout"}
	env.sup.handleEvent(fail)
	env.sup.handleEvent(fail)
	assert.True(t, env.sup.CanTrade(), "two failures stay under the limit")

	env.sup.handleEvent(fail)
	assert.False(t, env.sup.CanTrade())

	paused, reason, _, indefinite := env.sup.Status()
	assert.True(t, paused)
	assert.Contains(t, reason, "consecutive")
	assert.False(t, indefinite)
	require.Len(t, env.bus.byType(core.EventTradingPaused), 1)
}

func TestSuccessfulOpenResetsFailureStreak(t *testing.T) {
	env := newSupEnv(t, nil)

	fail := core.Event{Type: core.EventTradeFailed, Symbol: "ETH-USD"}
	env.sup.handleEvent(fail)
	env.sup.handleEvent(fail)
	env.sup.handleEvent(core.Event{Type: core.EventTradeOpened, Symbol: "ETH-USD"})
	env.sup.handleEvent(fail)
	env.sup.handleEvent(fail)

	assert.True(t, env.sup.CanTrade())
	assert.Empty(t, env.bus.byType(core.EventTradingPaused))
}

func TestTimedPauseAutoResumes(t *testing.T) {
	env := newSupEnv(t, nil)

	env.sup.Pause("maintenance", 5*time.Millisecond)
	assert.False(t, env.sup.CanTrade())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, env.sup.CanTrade())
	require.Len(t, env.bus.byType(core.EventTradingResumed), 1)
}

func TestFreeMarginGuardPausesTrading(t *testing.T) {
	env := newSupEnv(t, nil)

	env.lighter.Balance = core.Balance{Venue: core.VenueLighter, Available: d("1000"), Total: d("10000")}
	env.x10.Balance = core.Balance{Venue: core.VenueX10, Available: d("1000"), Total: d("10000")}
	env.sup.CheckAccountGuards(context.Background())

	assert.False(t, env.sup.CanTrade())
	paused, reason, _, indefinite := env.sup.Status()
	assert.True(t, paused)
	assert.Contains(t, reason, "free margin")
	assert.False(t, indefinite, "low margin is a timed pause, not a kill switch")
}

func TestDrawdownKillSwitchIsIndefinite(t *testing.T) {
	env := newSupEnv(t, nil)

	// First pass establishes the peak at 20000 combined.
	env.sup.CheckAccountGuards(context.Background())
	assert.True(t, env.sup.CanTrade())

	env.lighter.Balance = core.Balance{Venue: core.VenueLighter, Available: d("8000"), Total: d("8000")}
	env.x10.Balance = core.Balance{Venue: core.VenueX10, Available: d("8000"), Total: d("8000")}
	env.sup.CheckAccountGuards(context.Background())

	assert.False(t, env.sup.CanTrade())
	paused, reason, _, indefinite := env.sup.Status()
	assert.True(t, paused)
	assert.True(t, indefinite)
	assert.Contains(t, reason, "drawdown")

	// Time passing never lifts a kill switch.
	time.Sleep(5 * time.Millisecond)
	assert.False(t, env.sup.CanTrade())
}

func TestBrokenHedgeFlagsSymbolAndSelfHeals(t *testing.T) {
	env := newSupEnv(t, func(rcfg *config.RiskConfig) {
		rcfg.BrokenHedgeCooldownSecs = 0
	})

	// An unbalanced book: short on lighter with no offsetting x10 leg.
	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.2"), d("2000"))
	env.sup.handleEvent(core.Event{
		Type: core.EventBrokenHedge, TradeID: "t1", Symbol: "ETH-USD", Reason: "leg missing",
	})

	assert.True(t, env.sup.SkipSymbol("ETH-USD"))
	assert.False(t, env.sup.SkipSymbol("BTC-USD"))
	assert.False(t, env.sup.CanTrade())

	// Cooldown elapsed but the book is still lopsided: flag stays.
	time.Sleep(5 * time.Millisecond)
	env.sup.tryHealBrokenHedges(context.Background())
	assert.True(t, env.sup.SkipSymbol("ETH-USD"))
	assert.False(t, env.sup.CanTrade())
	assert.Empty(t, env.bus.byType(core.EventHedgeHealed))

	// Flat on both venues counts as balanced; the flag clears and
	// trading resumes without any manual step.
	env.lighter.SetPosition("ETH-USD", core.SideSell, decimal.Zero, decimal.Zero)
	time.Sleep(5 * time.Millisecond)
	env.sup.tryHealBrokenHedges(context.Background())

	assert.False(t, env.sup.SkipSymbol("ETH-USD"))
	assert.True(t, env.sup.CanTrade())
	healed := env.bus.byType(core.EventHedgeHealed)
	require.Len(t, healed, 1)
	assert.Equal(t, "ETH-USD", healed[0].Symbol)
	require.NotEmpty(t, env.bus.byType(core.EventTradingResumed))
}

func TestBalancedHedgeCountsAsHealed(t *testing.T) {
	env := newSupEnv(t, func(rcfg *config.RiskConfig) {
		rcfg.BrokenHedgeCooldownSecs = 0
	})

	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.2"), d("2000"))
	env.x10.SetPosition("ETH-USD", core.SideBuy, d("0.2"), d("2000"))
	env.sup.handleEvent(core.Event{Type: core.EventBrokenHedge, TradeID: "t1", Symbol: "ETH-USD"})

	time.Sleep(5 * time.Millisecond)
	env.sup.tryHealBrokenHedges(context.Background())

	assert.False(t, env.sup.SkipSymbol("ETH-USD"))
	assert.True(t, env.sup.CanTrade())
}

func TestShutdownCancelsOrdersAndFlattens(t *testing.T) {
	env := newSupEnv(t, nil)

	env.lighter.Orders["resting-1"] = core.Order{
		OrderRequest: core.OrderRequest{
			Symbol: "ETH-USD", Venue: core.VenueLighter,
			Side: core.SideSell, Qty: d("0.2"), Price: d("2000.1"),
		},
		OrderID: "resting-1",
		Status:  core.OrderStatusOpen,
	}
	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.2"), d("2000"))
	env.x10.SetPosition("ETH-USD", core.SideBuy, d("0.2"), d("2000"))

	require.NoError(t, env.sup.Shutdown(context.Background(), true))

	assert.Equal(t, core.OrderStatusCancelled, env.lighter.Orders["resting-1"].Status)
	assert.Empty(t, env.lighter.Positions)
	assert.Empty(t, env.x10.Positions)
	for _, req := range append(env.lighter.PlacedOrders, env.x10.PlacedOrders...) {
		assert.True(t, req.ReduceOnly)
		assert.Equal(t, core.OrderTypeMarket, req.Type)
	}
	assert.False(t, env.sup.CanTrade())
}

func TestShutdownLeavesPositionsWhenNotAsked(t *testing.T) {
	env := newSupEnv(t, nil)
	env.lighter.SetPosition("ETH-USD", core.SideSell, d("0.2"), d("2000"))

	require.NoError(t, env.sup.Shutdown(context.Background(), false))

	assert.Len(t, env.lighter.Positions, 1)
	assert.Empty(t, env.lighter.PlacedOrders)
}
