package lighter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/logging"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const marketsJSON = `{"markets":[{
	"symbol":"ETH-USD","base_asset":"ETH","quote_asset":"USD",
	"tick_size":"0.1","step_size":"0.01","min_order_size":"0.01","max_leverage":"20"
}]}`

func newTestExchange(t *testing.T, handler http.HandlerFunc) (*Exchange, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.LighterConfig{
		PrivateKey:   "test-key",
		AccountIndex: 7,
		BaseURL:      srv.URL,
	}
	return NewExchange(cfg, []string{"ETH-USD"}, logging.NewNop()), srv
}

func TestLoadMarketsParsesMetadata(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/markets", r.URL.Path)
		w.Write([]byte(marketsJSON))
	})

	markets, err := e.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)

	mi, ok := e.GetMarketInfo("ETH-USD")
	require.True(t, ok)
	assert.Equal(t, core.VenueLighter, mi.Venue)
	assert.True(t, mi.TickSize.Equal(d("0.1")))
	assert.True(t, mi.StepSize.Equal(d("0.01")))
	assert.True(t, mi.MinOrderSize.Equal(d("0.01")))
}

func TestPlaceOrderMapsRequestAndResponse(t *testing.T) {
	var got map[string]interface{}
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Lighter-Signature"))
		assert.Equal(t, "7", r.Header.Get("X-Lighter-Account"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"order":{
			"order_id":"ord-1","symbol":"ETH-USD","side":"sell","type":"limit",
			"price":"2000.1","size":"0.2","filled_size":"0.05","avg_fill_price":"2000.1",
			"fee":"0","status":"partially_filled","time_in_force":"post_only",
			"created_at":1700000000000,"updated_at":1700000001000
		}}`))
	})

	o, err := e.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol:      "ETH-USD",
		Venue:       core.VenueLighter,
		Side:        core.SideSell,
		Qty:         d("0.2"),
		Type:        core.OrderTypeLimit,
		Price:       d("2000.1"),
		TimeInForce: core.TIFPostOnly,
	})
	require.NoError(t, err)

	assert.Equal(t, "sell", got["side"])
	assert.Equal(t, "post_only", got["time_in_force"])
	assert.Equal(t, "2000.1", got["price"])

	assert.Equal(t, "ord-1", o.OrderID)
	assert.Equal(t, core.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, core.TIFPostOnly, o.TimeInForce)
	assert.True(t, o.FilledQty.Equal(d("0.05")))
	assert.True(t, o.AvgFillPrice.Equal(d("2000.1")))
}

func TestMarketOrderOmitsPrice(t *testing.T) {
	var got map[string]interface{}
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"order":{"order_id":"ord-2","symbol":"ETH-USD","side":"buy","type":"market","size":"0.2","status":"filled","filled_size":"0.2","avg_fill_price":"2001"}}`))
	})

	_, err := e.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "ETH-USD", Side: core.SideBuy, Qty: d("0.2"),
		Type: core.OrderTypeMarket, TimeInForce: core.TIFIOC, ReduceOnly: true,
	})
	require.NoError(t, err)
	_, hasPrice := got["price"]
	assert.False(t, hasPrice)
	assert.Equal(t, true, got["reduce_only"])
	assert.Equal(t, "ioc", got["time_in_force"])
}

func TestErrorEnvelopeTranslation(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{10003, apperrors.ErrInsufficientBalance},
		{10007, apperrors.ErrOrderNotFound},
		{10001, apperrors.ErrOrderRejected},
		{10013, apperrors.ErrOrderRejected},
	}
	for _, tc := range cases {
		e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": tc.code, "message": "nope",
			})
		})
		_, err := e.PlaceOrder(context.Background(), core.OrderRequest{
			Symbol: "ETH-USD", Side: core.SideBuy, Qty: d("0.1"),
			Type: core.OrderTypeLimit, Price: d("2000"),
		})
		assert.ErrorIs(t, err, tc.want, "code %d", tc.code)
	}
}

func TestGetRealizedFundingSumsPayments(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/account/funding", r.URL.Path)
		assert.Equal(t, "ETH-USD", r.URL.Query().Get("symbol"))
		assert.NotEmpty(t, r.URL.Query().Get("since"))
		w.Write([]byte(`{"payments":[{"amount":"0.30"},{"amount":"-0.12"}]}`))
	})

	total, err := e.GetRealizedFunding(context.Background(), "ETH-USD", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, total.Equal(d("0.18")), "total %s", total)
}

func TestListPositionsFiltersFlat(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[
			{"symbol":"ETH-USD","side":"short","size":"0.2","entry_price":"2000","mark_price":"2001","liquidation_price":"2400"},
			{"symbol":"BTC-USD","side":"long","size":"0","entry_price":"0","mark_price":"60000"}
		]}`))
	})

	positions, err := e.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, core.SideSell, positions[0].Side)
	assert.True(t, positions[0].LiquidationPrice.Equal(d("2400")))
}

func TestModifyOrderIsNotSupported(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := e.ModifyOrder(context.Background(), "ETH-USD", "ord-1", d("2000"), d("0.2"))
	assert.ErrorIs(t, err, apperrors.ErrNotSupported)
}

func TestStreamBookSnapshotAndDelta(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(marketsJSON))
	})
	_, err := e.LoadMarkets(context.Background())
	require.NoError(t, err)

	snaps := make(chan core.OrderbookSnapshot, 8)
	require.NoError(t, e.SubscribeOrderbookL1([]string{"ETH-USD"}, func(s core.OrderbookSnapshot) {
		snaps <- s
	}))

	e.handleMessage([]byte(`{
		"type":"subscribed/order_book","channel":"order_book/ETH-USD",
		"order_book":{"bids":[["1999.9","5"]],"asks":[["2000.1","5"]],"nonce":1,"offset":10}
	}`))
	e.handleMessage([]byte(`{
		"type":"update/order_book","channel":"order_book/ETH-USD",
		"order_book":{"bids":[["1999.9","0"],["1999.8","3"]],"asks":[],"begin_nonce":2,"end_nonce":2,"offset":11}
	}`))

	var last core.OrderbookSnapshot
	for i := 0; i < 2; i++ {
		select {
		case last = <-snaps:
		case <-time.After(2 * time.Second):
			t.Fatal("missing L1 emission")
		}
	}
	assert.True(t, last.Bid.Price.Equal(d("1999.8")), "bid %s", last.Bid.Price)
	assert.True(t, last.Ask.Price.Equal(d("2000.1")))

	// The synced local book now serves L1 without touching REST.
	snap, err := e.GetOrderbookL1(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.True(t, snap.Bid.Price.Equal(d("1999.8")))
}

func TestStreamAccountOrderUpdates(t *testing.T) {
	e, _ := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(marketsJSON))
	})
	_, err := e.LoadMarkets(context.Background())
	require.NoError(t, err)

	orders := make(chan core.Order, 1)
	require.NoError(t, e.SubscribeOrders(func(o core.Order) { orders <- o }))

	e.handleMessage([]byte(`{"type":"update/account_orders","orders":[{
		"order_id":"ord-9","symbol":"ETH-USD","side":"buy","type":"limit",
		"price":"1999.9","size":"0.2","filled_size":"0.2","avg_fill_price":"1999.9",
		"fee":"0.04","status":"filled"
	}]}`))

	select {
	case o := <-orders:
		assert.Equal(t, "ord-9", o.OrderID)
		assert.Equal(t, core.OrderStatusFilled, o.Status)
		assert.True(t, o.Fee.Equal(d("0.04")))
	case <-time.After(2 * time.Second):
		t.Fatal("order update not delivered")
	}
}
