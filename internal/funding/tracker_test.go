package funding

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/marketdata"
	"fundarb/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fundStore struct {
	mu      sync.Mutex
	trades  map[string]*core.Trade
	events  map[string][]core.FundingEvent
	candles []core.FundingCandle

	replacedCalls int
}

func newFundStore() *fundStore {
	return &fundStore{
		trades: make(map[string]*core.Trade),
		events: make(map[string][]core.FundingEvent),
	}
}

func (s *fundStore) CreateTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = t
	return nil
}
func (s *fundStore) UpdateTrade(t *core.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = t
}
func (s *fundStore) GetTrade(id string) (*core.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	return t, ok
}
func (s *fundStore) GetOpenTradeBySymbol(string) (*core.Trade, bool) { return nil, false }
func (s *fundStore) ListOpenTrades() []*core.Trade {
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
func (s *fundStore) ListTrades(context.Context, int) ([]*core.Trade, error) { return nil, nil }
func (s *fundStore) RecordAttempt(*core.ExecutionAttempt)                   {}
func (s *fundStore) RecordFundingEvent(e *core.FundingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.TradeID] = append(s.events[e.TradeID], *e)
}
func (s *fundStore) ListFundingEvents(_ context.Context, tradeID string) ([]core.FundingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.FundingEvent{}, s.events[tradeID]...), nil
}
func (s *fundStore) ReplaceFundingEvents(tradeID string, events []core.FundingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacedCalls++
	s.events[tradeID] = append([]core.FundingEvent{}, events...)
}
func (s *fundStore) RecordFundingCandle(c *core.FundingCandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, *c)
}
func (s *fundStore) ListFundingCandles(context.Context, string, core.Venue, time.Time) ([]core.FundingCandle, error) {
	return nil, nil
}
func (s *fundStore) QueueDepth() int             { return 0 }
func (s *fundStore) Close(context.Context) error { return nil }

type nopBus struct{}

func (nopBus) Publish(core.Event) {}
func (nopBus) Subscribe(...core.EventType) <-chan core.Event {
	ch := make(chan core.Event)
	close(ch)
	return ch
}
func (nopBus) Drain(context.Context) error { return nil }

type fundEnv struct {
	lighter *mock.Exchange
	x10     *mock.Exchange
	store   *fundStore
	md      *marketdata.Service
	tracker *Tracker
}

func newFundEnv(t *testing.T) *fundEnv {
	t.Helper()
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	for _, m := range []*mock.Exchange{lighter, x10} {
		m.AddMarket("ETH-USD", "0.1", "0.1", "0.1")
		m.MarkPrices["ETH-USD"] = decimal.NewFromInt(2000)
		m.L1["ETH-USD"] = core.OrderbookSnapshot{
			Symbol: "ETH-USD", Venue: m.Venue(),
			Bid: core.PriceLevel{Price: d("1999.9"), Qty: decimal.NewFromInt(5)},
			Ask: core.PriceLevel{Price: d("2000.1"), Qty: decimal.NewFromInt(5)},
		}
	}
	lighter.FundingRates["ETH-USD"] = core.FundingRate{
		Symbol: "ETH-USD", Venue: core.VenueLighter, HourlyRate: d("0.00005"), UpdatedAt: time.Now(),
	}
	x10.FundingRates["ETH-USD"] = core.FundingRate{
		Symbol: "ETH-USD", Venue: core.VenueX10, HourlyRate: d("-0.00005"), UpdatedAt: time.Now(),
	}

	md := marketdata.NewService([]core.ExchangePort{lighter, x10}, 30*time.Second, logging.NewNop())
	require.NoError(t, md.Refresh(context.Background(), []string{"ETH-USD"}))

	store := newFundStore()
	tracker := NewTracker([]core.ExchangePort{lighter, x10}, store, nopBus{}, md,
		[]string{"ETH-USD"}, logging.NewNop())
	return &fundEnv{lighter: lighter, x10: x10, store: store, md: md, tracker: tracker}
}

func (e *fundEnv) openTrade() *core.Trade {
	trade := &core.Trade{
		ID:     "trade-1",
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
		CreatedAt: time.Now().Add(-2 * time.Hour),
		OpenedAt:  time.Now().Add(-2 * time.Hour),
	}
	e.store.trades[trade.ID] = trade
	return trade
}

func eventSum(events []core.FundingEvent) decimal.Decimal {
	sum := decimal.Zero
	for _, ev := range events {
		sum = sum.Add(ev.Amount)
	}
	return sum
}

func TestReconcileRecordsPerVenueDeltas(t *testing.T) {
	env := newFundEnv(t)
	trade := env.openTrade()
	env.lighter.Funding = d("0.30")
	env.x10.Funding = d("-0.10")

	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))

	events, _ := env.store.ListFundingEvents(context.Background(), trade.ID)
	require.Len(t, events, 2)
	assert.True(t, trade.FundingCollected.Equal(d("0.2")), "collected %s", trade.FundingCollected)
	assert.True(t, eventSum(events).Equal(trade.FundingCollected))
	assert.False(t, trade.LastFundingUpdate.IsZero())

	// Only the lighter side accrued since; one delta event for it.
	env.lighter.Funding = d("0.50")
	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))

	events, _ = env.store.ListFundingEvents(context.Background(), trade.ID)
	require.Len(t, events, 3)
	assert.True(t, trade.FundingCollected.Equal(d("0.4")), "collected %s", trade.FundingCollected)
	assert.True(t, eventSum(events).Equal(trade.FundingCollected))
}

func TestReconcileIsIdempotentWithoutNewFunding(t *testing.T) {
	env := newFundEnv(t)
	trade := env.openTrade()
	env.lighter.Funding = d("0.30")

	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))
	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))

	events, _ := env.store.ListFundingEvents(context.Background(), trade.ID)
	assert.Len(t, events, 1)
	assert.True(t, trade.FundingCollected.Equal(d("0.3")))
}

func TestLegacyNetEventsMigrateToPerVenueSnapshots(t *testing.T) {
	env := newFundEnv(t)
	trade := env.openTrade()
	trade.FundingCollected = d("0.15")
	env.store.events[trade.ID] = []core.FundingEvent{
		{TradeID: trade.ID, Venue: core.VenueNet, Amount: d("0.15"), At: time.Now().Add(-time.Hour)},
	}
	env.lighter.Funding = d("0.30")
	env.x10.Funding = d("-0.10")

	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))

	// The NET row is gone; one snapshot per venue carries the realized
	// totals, and the trade total matches them, not the legacy sum.
	events, _ := env.store.ListFundingEvents(context.Background(), trade.ID)
	require.Len(t, events, 2)
	byVenue := map[core.Venue]decimal.Decimal{}
	for _, ev := range events {
		require.NotEqual(t, core.VenueNet, ev.Venue)
		byVenue[ev.Venue] = ev.Amount
	}
	assert.True(t, byVenue[core.VenueLighter].Equal(d("0.30")))
	assert.True(t, byVenue[core.VenueX10].Equal(d("-0.10")))
	assert.True(t, trade.FundingCollected.Equal(d("0.2")), "collected %s", trade.FundingCollected)
	assert.Equal(t, 1, env.store.replacedCalls)

	// The next pass accrues deltas against the per-venue baselines.
	env.lighter.Funding = d("0.45")
	require.NoError(t, env.tracker.ReconcileTrade(context.Background(), trade))

	events, _ = env.store.ListFundingEvents(context.Background(), trade.ID)
	require.Len(t, events, 3)
	assert.True(t, trade.FundingCollected.Equal(d("0.35")), "collected %s", trade.FundingCollected)
	assert.True(t, eventSum(events).Equal(trade.FundingCollected))
	assert.Equal(t, 1, env.store.replacedCalls, "migration must be one-shot")
}

func TestReconcileAllSkipsTerminalTrades(t *testing.T) {
	env := newFundEnv(t)
	trade := env.openTrade()
	trade.Status = core.TradeStatusClosed
	trade.ClosedAt = time.Now()
	env.lighter.Funding = d("0.30")

	env.tracker.ReconcileAll(context.Background())

	events, _ := env.store.ListFundingEvents(context.Background(), trade.ID)
	assert.Empty(t, events)
	assert.True(t, trade.FundingCollected.IsZero())
}

func TestRecordCandlesWritesHourlyNormalizedRates(t *testing.T) {
	env := newFundEnv(t)

	env.tracker.RecordCandles(context.Background())

	require.Len(t, env.store.candles, 2)
	for _, c := range env.store.candles {
		assert.Equal(t, "ETH-USD", c.Symbol)
		assert.True(t, c.APY.Equal(c.HourlyRate.Mul(decimal.NewFromInt(8760))))
		assert.Equal(t, c.Timestamp, c.Timestamp.Truncate(time.Hour))
	}
}
