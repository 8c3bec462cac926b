package marketdata

import (
	"context"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/internal/mock"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedVenue(m *mock.Exchange, symbol, hourlyRate, mid string) {
	midD := decimal.RequireFromString(mid)
	halfTick := decimal.RequireFromString("0.1")
	m.MarkPrices[symbol] = midD
	m.FundingRates[symbol] = core.FundingRate{
		Symbol: symbol, Venue: m.Venue(),
		HourlyRate: decimal.RequireFromString(hourlyRate),
		UpdatedAt:  time.Now(),
	}
	m.L1[symbol] = core.OrderbookSnapshot{
		Symbol: symbol, Venue: m.Venue(),
		Bid:       core.PriceLevel{Price: midD.Sub(halfTick), Qty: decimal.NewFromInt(5)},
		Ask:       core.PriceLevel{Price: midD.Add(halfTick), Qty: decimal.NewFromInt(5)},
		UpdatedAt: time.Now(),
	}
}

func newTestService(t *testing.T, staleness time.Duration) (*Service, *mock.Exchange, *mock.Exchange) {
	t.Helper()
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	seedVenue(lighter, "ETH-USD", "0.00005", "2000")
	seedVenue(x10, "ETH-USD", "-0.00005", "2000")
	md := NewService([]core.ExchangePort{lighter, x10}, staleness, logging.NewNop())
	require.NoError(t, md.Refresh(context.Background(), []string{"ETH-USD"}))
	return md, lighter, x10
}

func TestFreshFundingRateServesCachedWithinBound(t *testing.T) {
	md, _, _ := newTestService(t, 30*time.Second)

	rate, err := md.FreshFundingRate(context.Background(), "ETH-USD", core.VenueLighter)
	require.NoError(t, err)
	assert.Equal(t, "0.00005", rate.HourlyRate.String())
}

func TestFreshAccessorsRefetchStaleEntry(t *testing.T) {
	md, lighter, _ := newTestService(t, 40*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	// The venue moved while the cache aged out. The accessor must pull
	// the current values, not fail on the stale entry.
	lighter.FundingRates["ETH-USD"] = core.FundingRate{
		Symbol: "ETH-USD", Venue: core.VenueLighter,
		HourlyRate: decimal.RequireFromString("0.0001"),
		UpdatedAt:  time.Now(),
	}
	lighter.MarkPrices["ETH-USD"] = decimal.RequireFromString("2100")

	rate, err := md.FreshFundingRate(context.Background(), "ETH-USD", core.VenueLighter)
	require.NoError(t, err)
	assert.Equal(t, "0.0001", rate.HourlyRate.String())

	mark, err := md.FreshMarkPrice(context.Background(), "ETH-USD", core.VenueLighter)
	require.NoError(t, err)
	assert.Equal(t, "2100", mark.String())
}

func TestFreshAccessorsFetchUnseenSymbol(t *testing.T) {
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	seedVenue(lighter, "SOL-USD", "0.00002", "150")
	seedVenue(x10, "SOL-USD", "-0.00001", "150")
	md := NewService([]core.ExchangePort{lighter, x10}, 30*time.Second, logging.NewNop())

	// No Refresh has run for this symbol; the accessor fetches it.
	net, err := md.NetHourly(context.Background(), "SOL-USD")
	require.NoError(t, err)
	assert.Equal(t, "0.00003", net.String())
}

func TestStreamedL1DoesNotRenewFundingOrMark(t *testing.T) {
	md, lighter, _ := newTestService(t, 40*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	// Take the venue's REST surface away so any refetch fails, then keep
	// the book alive over the stream. Funding and mark must report stale
	// rather than ride the book's clock.
	delete(lighter.FundingRates, "ETH-USD")
	delete(lighter.MarkPrices, "ETH-USD")
	md.OnL1(core.OrderbookSnapshot{
		Symbol: "ETH-USD", Venue: core.VenueLighter,
		Bid:       core.PriceLevel{Price: decimal.RequireFromString("1999"), Qty: decimal.NewFromInt(3)},
		Ask:       core.PriceLevel{Price: decimal.RequireFromString("2001"), Qty: decimal.NewFromInt(3)},
		UpdatedAt: time.Now(),
	})

	l1, err := md.FreshL1(context.Background(), "ETH-USD", core.VenueLighter)
	require.NoError(t, err)
	assert.Equal(t, "1999", l1.Bid.Price.String())

	_, err = md.FreshFundingRate(context.Background(), "ETH-USD", core.VenueLighter)
	assert.ErrorIs(t, err, apperrors.ErrNotSynced)

	_, err = md.FreshMarkPrice(context.Background(), "ETH-USD", core.VenueLighter)
	assert.ErrorIs(t, err, apperrors.ErrNotSynced)

	assert.False(t, md.IsFresh("ETH-USD"))
}

func TestFreshAccessorErrorsWhenVenueUnreachable(t *testing.T) {
	lighter := mock.NewExchange(core.VenueLighter)
	x10 := mock.NewExchange(core.VenueX10)
	md := NewService([]core.ExchangePort{lighter, x10}, 30*time.Second, logging.NewNop())

	_, err := md.FreshFundingRate(context.Background(), "ETH-USD", core.VenueLighter)
	assert.ErrorIs(t, err, apperrors.ErrNotSynced)
}

func TestOnL1KeepsBookFreshBetweenPolls(t *testing.T) {
	md, _, _ := newTestService(t, 40*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	md.OnL1(core.OrderbookSnapshot{
		Symbol: "ETH-USD", Venue: core.VenueX10,
		Bid:       core.PriceLevel{Price: decimal.RequireFromString("1998"), Qty: decimal.NewFromInt(2)},
		Ask:       core.PriceLevel{Price: decimal.RequireFromString("2002"), Qty: decimal.NewFromInt(2)},
		UpdatedAt: time.Now(),
	})

	l1, err := md.FreshL1(context.Background(), "ETH-USD", core.VenueX10)
	require.NoError(t, err)
	assert.Equal(t, "1998", l1.Bid.Price.String())
	assert.Equal(t, "2002", l1.Ask.Price.String())
}
