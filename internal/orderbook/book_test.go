package orderbook

import (
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, size string) core.PriceLevel {
	return core.PriceLevel{Price: d(price), Qty: d(size)}
}

func newSyncedBook(t *testing.T) *Book {
	t.Helper()
	b := NewBook("BTC-USD", core.VenueLighter, logging.NewNop())
	b.MarkConnected()
	b.ApplySnapshot(
		[]core.PriceLevel{lvl("100", "2"), lvl("99", "5")},
		[]core.PriceLevel{lvl("101", "3"), lvl("102", "4")},
		10, 100,
	)
	return b
}

func TestSnapshotInstallsBook(t *testing.T) {
	b := newSyncedBook(t)
	require.True(t, b.IsSynced())

	snap, ok := b.L1()
	require.True(t, ok)
	assert.True(t, snap.Bid.Price.Equal(d("100")))
	assert.True(t, snap.Ask.Price.Equal(d("101")))
}

func TestIncrementalAppliesAndRemovesLevels(t *testing.T) {
	b := newSyncedBook(t)

	ok := b.ApplyIncremental([]Update{
		{Price: d("100"), Size: decimal.Zero, IsBid: true}, // remove best bid
		{Price: d("100.5"), Size: d("1"), IsBid: false},    // tighter ask
	}, 10, 11, 101)
	require.True(t, ok)

	snap, ok := b.L1()
	require.True(t, ok)
	assert.True(t, snap.Bid.Price.Equal(d("99")))
	assert.True(t, snap.Ask.Price.Equal(d("100.5")))
}

func TestNonceGapMarksNotSynced(t *testing.T) {
	b := NewBook("BTC-USD", core.VenueLighter, logging.NewNop())
	b.ApplySnapshot(
		[]core.PriceLevel{lvl("100", "2")},
		[]core.PriceLevel{lvl("101", "3")},
		10, 100,
	)
	// connectedAt is zero so the grace window has long expired.

	ok := b.ApplyIncremental([]Update{
		{Price: d("100.5"), Size: d("1"), IsBid: false},
	}, 99, 100, 101)
	assert.False(t, ok)
	assert.False(t, b.IsSynced())
	assert.True(t, b.ResyncNeeded())
}

func TestNonceMismatchAcceptedDuringGrace(t *testing.T) {
	b := newSyncedBook(t) // MarkConnected just ran, inside grace

	ok := b.ApplyIncremental([]Update{
		{Price: d("100.5"), Size: d("1"), IsBid: false},
	}, 99, 100, 101)
	require.True(t, ok)
	assert.True(t, b.IsSynced())

	// Chain continues from the reset point.
	ok = b.ApplyIncremental([]Update{
		{Price: d("100.6"), Size: d("1"), IsBid: false},
	}, 100, 101, 102)
	assert.True(t, ok)
}

func TestStaleOffsetDiscardedAsDuplicate(t *testing.T) {
	b := newSyncedBook(t)

	ok := b.ApplyIncremental([]Update{
		{Price: d("100"), Size: decimal.Zero, IsBid: true},
	}, 10, 11, 100) // offset == lastOffset
	require.True(t, ok)

	// The best bid must be untouched.
	snap, ok := b.L1()
	require.True(t, ok)
	assert.True(t, snap.Bid.Price.Equal(d("100")))
}

func TestOffsetJumpAccepted(t *testing.T) {
	b := newSyncedBook(t)

	ok := b.ApplyIncremental([]Update{
		{Price: d("100.5"), Size: d("1"), IsBid: false},
	}, 10, 11, 150)
	require.True(t, ok)
	assert.True(t, b.IsSynced())
}

func TestCrossedBookTriggersResync(t *testing.T) {
	b := newSyncedBook(t)

	// Bid through the ask.
	ok := b.ApplyIncremental([]Update{
		{Price: d("103"), Size: d("1"), IsBid: true},
	}, 10, 11, 101)
	assert.False(t, ok)
	assert.False(t, b.IsSynced())
	assert.True(t, b.ResyncNeeded())
}

func TestSnapshotAfterResyncRestoresBook(t *testing.T) {
	b := newSyncedBook(t)
	b.ApplyIncremental([]Update{{Price: d("103"), Size: d("1"), IsBid: true}}, 10, 11, 101)
	require.False(t, b.IsSynced())

	b.ApplySnapshot(
		[]core.PriceLevel{lvl("100", "2")},
		[]core.PriceLevel{lvl("101", "3")},
		20, 200,
	)
	assert.True(t, b.IsSynced())
	assert.False(t, b.ResyncNeeded())
}

func TestLevelCapEvictsWorstPriced(t *testing.T) {
	b := newSyncedBook(t)

	updates := make([]Update, 0, MaxLevels+10)
	for i := 0; i < MaxLevels+10; i++ {
		updates = append(updates, Update{
			Price: d("98").Sub(decimal.NewFromInt(int64(i)).Div(d("100"))),
			Size:  d("1"),
			IsBid: true,
		})
	}
	ok := b.ApplyIncremental(updates, 10, 11, 101)
	require.True(t, ok)

	depth, ok := b.Depth(MaxLevels)
	require.True(t, ok)
	assert.LessOrEqual(t, len(depth.Bids), MaxLevels)

	// Best bid survives eviction.
	snap, ok := b.L1()
	require.True(t, ok)
	assert.True(t, snap.Bid.Price.Equal(d("100")))
}

func TestEffectiveL1SkipsDustLevels(t *testing.T) {
	b := NewBook("BTC-USD", core.VenueLighter, logging.NewNop())
	b.MarkConnected()
	b.ApplySnapshot(
		[]core.PriceLevel{lvl("100", "0.0001"), lvl("99", "5")}, // best bid is $0.01 notional
		[]core.PriceLevel{lvl("101", "0.0001"), lvl("102", "4")},
		10, 100,
	)

	eff, ok := b.EffectiveL1(d("50"))
	require.True(t, ok)
	assert.True(t, eff.Bid.Price.Equal(d("99")))
	assert.True(t, eff.Ask.Price.Equal(d("102")))

	// Raw L1 still reports the dust levels.
	raw, ok := b.L1()
	require.True(t, ok)
	assert.True(t, raw.Bid.Price.Equal(d("100")))
}

func TestEffectiveL1FallsBackWhenAllDust(t *testing.T) {
	b := NewBook("BTC-USD", core.VenueLighter, logging.NewNop())
	b.MarkConnected()
	b.ApplySnapshot(
		[]core.PriceLevel{lvl("100", "0.0001")},
		[]core.PriceLevel{lvl("101", "0.0001")},
		10, 100,
	)

	eff, ok := b.EffectiveL1(d("50"))
	require.True(t, ok)
	assert.True(t, eff.Bid.Price.Equal(d("100")))
	assert.True(t, eff.Ask.Price.Equal(d("101")))
}

func TestDepthSorted(t *testing.T) {
	b := newSyncedBook(t)
	depth, ok := b.Depth(10)
	require.True(t, ok)

	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Bids[0].Price.GreaterThan(depth.Bids[1].Price))
	assert.True(t, depth.Asks[0].Price.LessThan(depth.Asks[1].Price))
}

func TestUpdatedAtAdvances(t *testing.T) {
	b := newSyncedBook(t)
	before := b.UpdatedAt()
	time.Sleep(2 * time.Millisecond)

	require.True(t, b.ApplyIncremental([]Update{
		{Price: d("100.5"), Size: d("1"), IsBid: false},
	}, 10, 11, 101))
	assert.True(t, b.UpdatedAt().After(before))
}
