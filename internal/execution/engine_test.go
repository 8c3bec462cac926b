package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/marketdata"
	"fundarb/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSymbol = "ETH-USD"

// memStore is an in-memory TradeStorePort for execution tests.
type memStore struct {
	mu       sync.Mutex
	trades   map[string]*core.Trade
	attempts []*core.ExecutionAttempt
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[string]*core.Trade)}
}

func (s *memStore) CreateTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.trades[t.ID] = &c
	return nil
}

func (s *memStore) UpdateTrade(t *core.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.trades[t.ID] = &c
}

func (s *memStore) GetTrade(id string) (*core.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	return t, ok
}

func (s *memStore) GetOpenTradeBySymbol(symbol string) (*core.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.Symbol == symbol && t.Status.IsActive() {
			return t, true
		}
	}
	return nil, false
}

func (s *memStore) ListOpenTrades() []*core.Trade {
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

func (s *memStore) ListTrades(context.Context, int) ([]*core.Trade, error) { return nil, nil }

func (s *memStore) RecordAttempt(a *core.ExecutionAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.attempts = append(s.attempts, &c)
}

func (s *memStore) lastAttempt() *core.ExecutionAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return nil
	}
	return s.attempts[len(s.attempts)-1]
}

func (s *memStore) RecordFundingEvent(*core.FundingEvent)  {}
func (s *memStore) ReplaceFundingEvents(string, []core.FundingEvent) {}
func (s *memStore) RecordFundingCandle(*core.FundingCandle) {}
func (s *memStore) ListFundingEvents(context.Context, string) ([]core.FundingEvent, error) {
	return nil, nil
}
func (s *memStore) ListFundingCandles(context.Context, string, core.Venue, time.Time) ([]core.FundingCandle, error) {
	return nil, nil
}
func (s *memStore) QueueDepth() int              { return 0 }
func (s *memStore) Close(context.Context) error { return nil }

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *recordingBus) Publish(ev core.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(...core.EventType) <-chan core.Event {
	ch := make(chan core.Event)
	close(ch)
	return ch
}

func (b *recordingBus) Drain(context.Context) error { return nil }

func (b *recordingBus) saw(t core.EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// vanishingPositions wraps a port and returns no position after the
// first N GetPosition calls.
type vanishingPositions struct {
	core.ExchangePort
	mu       sync.Mutex
	calls    int
	nilAfter int
}

func (v *vanishingPositions) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	v.mu.Lock()
	v.calls++
	gone := v.calls > v.nilAfter
	v.mu.Unlock()
	if gone {
		return nil, nil
	}
	return v.ExchangePort.GetPosition(ctx, symbol)
}

type testEnv struct {
	lighter *mock.Exchange
	x10     *mock.Exchange
	store   *memStore
	bus     *recordingBus
	md      *marketdata.Service
	eng     *Engine
}

func seedVenue(m *mock.Exchange, hourlyRate string) {
	m.AddMarket(testSymbol, "0.1", "0.1", "0.1")
	m.MarkPrices[testSymbol] = decimal.NewFromInt(2000)
	m.FundingRates[testSymbol] = core.FundingRate{
		Symbol: testSymbol, Venue: m.Venue(),
		HourlyRate: decimal.RequireFromString(hourlyRate),
		UpdatedAt:  time.Now(),
	}
	m.L1[testSymbol] = core.OrderbookSnapshot{
		Symbol: testSymbol, Venue: m.Venue(),
		Bid:       core.PriceLevel{Price: decimal.RequireFromString("1999.9"), Qty: decimal.NewFromInt(5)},
		Ask:       core.PriceLevel{Price: decimal.RequireFromString("2000.1"), Qty: decimal.NewFromInt(5)},
		UpdatedAt: time.Now(),
	}
	m.DepthBook[testSymbol] = core.OrderbookDepthSnapshot{
		Symbol: testSymbol, Venue: m.Venue(),
		Bids: []core.PriceLevel{
			{Price: decimal.RequireFromString("1999.9"), Qty: decimal.NewFromInt(5)},
			{Price: decimal.RequireFromString("1999.8"), Qty: decimal.NewFromInt(5)},
		},
		Asks: []core.PriceLevel{
			{Price: decimal.RequireFromString("2000.1"), Qty: decimal.NewFromInt(5)},
			{Price: decimal.RequireFromString("2000.2"), Qty: decimal.NewFromInt(5)},
		},
		UpdatedAt: time.Now(),
	}
}

func testConfigs() (config.ExecutionConfig, config.TradingConfig) {
	c := config.Default()
	ec := c.Execution
	ec.MakerTimeoutSeconds = 2
	ec.MakerRepriceSeconds = 1
	ec.HedgeIOCFillTimeoutSeconds = 1
	ec.HedgeDepthPreflightChecks = 1
	ec.PostEntryVerifyRetries = 1
	ec.PostEntryVerifyDelaySeconds = 1
	return ec, c.Trading
}

func newTestEnv(t *testing.T, ports ...core.ExchangePort) *testEnv {
	t.Helper()

	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	seedVenue(lighter, "0.00005")
	seedVenue(x10, "-0.00005")

	portList := []core.ExchangePort{lighter, x10}
	if len(ports) == 2 {
		portList = ports
	}

	logger := logging.NewNop()
	md := marketdata.NewService(portList, 30*time.Second, logger)
	require.NoError(t, md.Refresh(context.Background(), []string{testSymbol}))

	store := newMemStore()
	bus := &recordingBus{}
	ec, tc := testConfigs()

	fees := map[core.Venue]core.FeeSchedule{
		core.VenueLighter: {Venue: core.VenueLighter, MakerFee: decimal.Zero, TakerFee: decimal.Zero},
		core.VenueX10: {
			Venue:    core.VenueX10,
			MakerFee: decimal.RequireFromString("0.0002"),
			TakerFee: decimal.RequireFromString("0.0005"),
		},
	}

	eng, err := NewEngine(portList, store, bus, md, ec, tc, fees, core.ModePaper, logger)
	require.NoError(t, err)

	return &testEnv{lighter: lighter, x10: x10, store: store, bus: bus, md: md, eng: eng}
}

// testOpportunity is the canonical positive-spread candidate: lighter
// pays, x10 charges, so the book shorts lighter and longs x10.
func testOpportunity() core.Opportunity {
	return core.Opportunity{
		Symbol:            testSymbol,
		LongVenue:         core.VenueX10,
		ShortVenue:        core.VenueLighter,
		NetHourlyRate:     decimal.RequireFromString("0.0001"),
		APY:               decimal.RequireFromString("0.876"),
		Spread:            decimal.Zero,
		MidPrice:          decimal.NewFromInt(2000),
		SuggestedQty:      decimal.RequireFromString("0.2"),
		SuggestedNotional: decimal.NewFromInt(400),
		ScannedAt:         time.Now(),
	}
}

func TestPlanLegsPrefersCheaperMakerFee(t *testing.T) {
	env := newTestEnv(t)

	plan := env.eng.planLegs(testOpportunity())
	assert.Equal(t, core.VenueLighter, plan.makerVenue)
	assert.Equal(t, core.SideSell, plan.makerSide)
	assert.Equal(t, core.VenueX10, plan.hedgeVenue)
	assert.Equal(t, core.SideBuy, plan.hedgeSide)

	// Flip the fee advantage and the maker venue follows.
	env.eng.fees[core.VenueX10] = core.FeeSchedule{Venue: core.VenueX10, MakerFee: decimal.RequireFromString("-0.0001")}
	plan = env.eng.planLegs(testOpportunity())
	assert.Equal(t, core.VenueX10, plan.makerVenue)
	assert.Equal(t, core.SideBuy, plan.makerSide)
	assert.Equal(t, core.VenueLighter, plan.hedgeVenue)
}

func TestOpenTradeHappyPath(t *testing.T) {
	env := newTestEnv(t)

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, core.TradeStatusOpen, trade.Status)
	assert.Equal(t, core.ExecStateOpened, trade.ExecState)
	assert.True(t, trade.LighterLeg.FilledQty.Equal(decimal.RequireFromString("0.2")),
		"lighter leg filled %s", trade.LighterLeg.FilledQty)
	assert.True(t, trade.X10Leg.FilledQty.Equal(decimal.RequireFromString("0.2")),
		"x10 leg filled %s", trade.X10Leg.FilledQty)
	assert.False(t, trade.LighterLeg.EntryPrice.IsZero())
	assert.False(t, trade.X10Leg.EntryPrice.IsZero())

	// Maker leg rests post-only, hedge goes out IOC.
	require.NotEmpty(t, env.lighter.PlacedOrders)
	assert.Equal(t, core.TIFPostOnly, env.lighter.PlacedOrders[0].TimeInForce)
	require.NotEmpty(t, env.x10.PlacedOrders)
	assert.Equal(t, core.TIFIOC, env.x10.PlacedOrders[0].TimeInForce)

	stored, ok := env.store.GetTrade(trade.ID)
	require.True(t, ok)
	assert.Equal(t, core.TradeStatusOpen, stored.Status)

	attempt := env.store.lastAttempt()
	require.NotNil(t, attempt)
	assert.Equal(t, core.AttemptOpened, attempt.Status)
	assert.Equal(t, trade.ID, attempt.TradeID)
	assert.True(t, env.bus.saw(core.EventTradeOpened))
}

func TestOpenTradeRejectedOnInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.x10.Balance = core.Balance{Venue: core.VenueX10, Available: decimal.NewFromInt(100)}

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.Nil(t, trade)

	assert.Empty(t, env.lighter.PlacedOrders)
	assert.Empty(t, env.x10.PlacedOrders)

	attempt := env.store.lastAttempt()
	require.NotNil(t, attempt)
	assert.Equal(t, core.AttemptRejected, attempt.Status)
	assert.Equal(t, "preflight_balance", attempt.Stage)
	assert.True(t, env.bus.saw(core.EventTradeRejected))
}

func TestOpenTradeSymbolLockBacksOff(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.eng.locks.TryAcquire(testSymbol))
	defer env.eng.locks.Release(testSymbol)

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Empty(t, env.lighter.PlacedOrders)
}

func TestOpenTradeHedgeFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)

	// Every x10 order comes back an unfilled IOC cancel; the maker fill
	// is stranded and must be unwound.
	env.x10.PlaceOrderFn = func(req core.OrderRequest) (core.Order, error) {
		o := core.Order{
			OrderRequest: req,
			OrderID:      "x10-ioc",
			Status:       core.OrderStatusCancelled,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		env.x10.EmitOrder(o)
		return o, nil
	}

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err, "hedge evaporation is a handled outcome")
	require.NotNil(t, trade)

	assert.Equal(t, core.TradeStatusFailed, trade.Status)
	assert.Equal(t, core.ExecStateRollbackDone, trade.ExecState)
	assert.Equal(t, "rolled_back", trade.CloseReason)
	assert.True(t, env.bus.saw(core.EventRollbackDone))

	// Both venues flat after the unwind.
	pos, perr := env.lighter.GetPosition(context.Background(), testSymbol)
	require.NoError(t, perr)
	assert.Nil(t, pos)

	attempt := env.store.lastAttempt()
	require.NotNil(t, attempt)
	assert.Equal(t, core.AttemptFailed, attempt.Status)
	assert.Equal(t, "rollback", attempt.Stage)
}

func TestOpenTradeBrokenHedgeAfterEntry(t *testing.T) {
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	seedVenue(lighter, "0.00005")
	seedVenue(x10, "-0.00005")

	// The hedge position is visible while leg2 settles, then vanishes
	// before post-entry verification.
	flaky := &vanishingPositions{ExchangePort: x10, nilAfter: 2}
	env := newTestEnv(t, lighter, flaky)
	env.lighter, env.x10 = lighter, x10

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, core.TradeStatusClosing, trade.Status)
	assert.Equal(t, "post_entry_broken_hedge", trade.CloseReason)
	assert.True(t, env.bus.saw(core.EventBrokenHedge))

	// The surviving lighter leg was emergency-closed reduce-only.
	var sawReduceClose bool
	for _, req := range lighter.PlacedOrders {
		if req.ReduceOnly && req.Side == core.SideBuy {
			sawReduceClose = true
		}
	}
	assert.True(t, sawReduceClose)
}

func TestLeg1CancelReplaceAssimilatesRacedFill(t *testing.T) {
	env := newTestEnv(t)
	env.lighter.ModifySupported = false
	env.lighter.FillImmediately = false
	// Finer tick so the second reprice cycle actually moves the price.
	env.lighter.AddMarket(testSymbol, "0.01", "0.1", "0.1")

	// The cancel races a full fill: by the time it lands the order is
	// already done and the position moved.
	env.lighter.CancelOrderFn = func(symbol, orderID string) error {
		o, err := env.lighter.GetOrder(context.Background(), symbol, orderID)
		if err != nil {
			return err
		}
		o.Status = core.OrderStatusFilled
		o.FilledQty = o.Qty
		o.AvgFillPrice = o.Price
		env.lighter.EmitOrder(o)
		env.lighter.SetPosition(symbol, o.Side, o.Qty, o.Price)
		return nil
	}

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, core.TradeStatusOpen, trade.Status)
	assert.True(t, trade.LighterLeg.FilledQty.Equal(decimal.RequireFromString("0.2")),
		"assimilated fill %s", trade.LighterLeg.FilledQty)
	assert.Contains(t, env.lighter.CanceledOrders, trade.LighterLeg.OrderID)
}

func TestLeg1AssimilatesGhostFillFromPosition(t *testing.T) {
	env := newTestEnv(t)
	env.lighter.FillImmediately = false

	// The order stream never reports a fill, but the position moves
	// mid-wait. The maker window expires and teardown must adopt the
	// position as the fill of record.
	go func() {
		time.Sleep(500 * time.Millisecond)
		env.lighter.SetPosition(testSymbol, core.SideSell,
			decimal.RequireFromString("0.2"), decimal.RequireFromString("2000.1"))
	}()

	trade, err := env.eng.OpenTrade(context.Background(), testOpportunity())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, core.TradeStatusOpen, trade.Status)
	assert.True(t, trade.LighterLeg.FilledQty.Equal(decimal.RequireFromString("0.2")),
		"ghost fill %s", trade.LighterLeg.FilledQty)
	assert.False(t, trade.LighterLeg.EntryPrice.IsZero())
}

func TestHedgeIntegrityAbortsWhenDepthEvaporates(t *testing.T) {
	env := newTestEnv(t)
	env.lighter.FillImmediately = false

	trade := &core.Trade{
		ID: "t1", Symbol: testSymbol,
		TargetQty: decimal.RequireFromString("0.2"),
	}
	plan := legPlan{
		makerVenue: core.VenueLighter, makerSide: core.SideSell,
		hedgeVenue: core.VenueX10, hedgeSide: core.SideBuy,
	}

	check := env.eng.hedgeIntegrityCheck(trade, plan, newFillAcc())
	require.NoError(t, check(context.Background()))

	// Drain the hedge-side asks below the minimum fill ratio.
	book := env.x10.DepthBook[testSymbol]
	book.Asks = []core.PriceLevel{
		{Price: decimal.RequireFromString("2000.1"), Qty: decimal.RequireFromString("0.05")},
	}
	env.x10.DepthBook[testSymbol] = book

	// Fresh closure so the one-second throttle does not mask the change.
	check = env.eng.hedgeIntegrityCheck(trade, plan, newFillAcc())
	err := check(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "hedge depth")
}

func TestVerifyPostEntryToleratesStepRounding(t *testing.T) {
	env := newTestEnv(t)

	trade := testTradeWithFills("0.2", "0.2")
	env.lighter.SetPosition(testSymbol, core.SideSell, decimal.RequireFromString("0.2"), decimal.NewFromInt(2000))
	env.x10.SetPosition(testSymbol, core.SideBuy, decimal.RequireFromString("0.2"), decimal.NewFromInt(2000))

	plan := legPlan{
		makerVenue: core.VenueLighter, makerSide: core.SideSell,
		hedgeVenue: core.VenueX10, hedgeSide: core.SideBuy,
	}
	require.NoError(t, env.eng.verifyPostEntry(context.Background(), trade, plan))

	// Short position on one venue fails verification.
	env.x10.SetPosition(testSymbol, core.SideBuy, decimal.RequireFromString("0.1"), decimal.NewFromInt(2000))
	assert.Error(t, env.eng.verifyPostEntry(context.Background(), trade, plan))
}

func testTradeWithFills(lighterQty, x10Qty string) *core.Trade {
	return &core.Trade{
		ID:     "t-verify",
		Symbol: testSymbol,
		LighterLeg: core.TradeLeg{
			Venue: core.VenueLighter, Side: core.SideSell,
			FilledQty: decimal.RequireFromString(lighterQty),
		},
		X10Leg: core.TradeLeg{
			Venue: core.VenueX10, Side: core.SideBuy,
			FilledQty: decimal.RequireFromString(x10Qty),
		},
		TargetQty: decimal.RequireFromString(lighterQty),
		Status:    core.TradeStatusOpening,
	}
}
