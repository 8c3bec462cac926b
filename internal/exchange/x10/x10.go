// Package x10 implements the ExchangePort for the X10 venue.
//
// X10 wraps every REST response in a status envelope and streams full
// top-of-book snapshots rather than incremental deltas, so the local
// book is refreshed with ApplySnapshot on every depth message.
package x10

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/exchange/base"
	vhttp "fundarb/internal/infrastructure/http"
	"fundarb/internal/infrastructure/websocket"
	"fundarb/internal/orderbook"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.x10.exchange"
	defaultWSURL   = "wss://api.x10.exchange/stream.x10.exchange/v1"
)

type Exchange struct {
	*base.Adapter
	cfg     config.X10Config
	rest    *vhttp.Client
	ws      *websocket.Client
	symbols []string

	booksMu sync.RWMutex
	books   map[string]*orderbook.Book
}

type signer struct {
	apiKey     string
	privateKey string
	vaultID    string
}

func (s *signer) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.privateKey))
	mac.Write([]byte(ts + req.Method + req.URL.RequestURI()))

	req.Header.Set("X-Api-Key", s.apiKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Vault", s.vaultID)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

func NewExchange(cfg config.X10Config, symbols []string, logger core.ILogger) *Exchange {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}

	clientCfg := vhttp.DefaultClientConfig()
	if cfg.RequestsPerMinute > 0 {
		clientCfg.RequestsPerMinute = cfg.RequestsPerMinute
	}
	rest := vhttp.NewClient(cfg.BaseURL, "x10", clientCfg,
		&signer{apiKey: cfg.APIKey, privateKey: cfg.PrivateKey, vaultID: cfg.VaultID})

	return &Exchange{
		Adapter: base.NewAdapter(core.VenueX10, logger),
		cfg:     cfg,
		rest:    rest,
		symbols: symbols,
		books:   make(map[string]*orderbook.Book),
	}
}

func (e *Exchange) Initialize(ctx context.Context) error {
	if _, err := e.LoadMarkets(ctx); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	e.ws = websocket.NewClient(websocket.Config{
		URL:  e.cfg.WSURL,
		Name: "x10",
	}, e.Logger, e.onConnected)
	if err := e.ws.Start(ctx); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	go e.consume(ctx)
	return nil
}

func (e *Exchange) Close(_ context.Context) error {
	if e.ws != nil {
		e.ws.Stop()
	}
	e.StopDispatch()
	return nil
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	if _, err := e.get(ctx, "/api/v1/info/time", nil, &struct{}{}); err != nil {
		return err
	}
	if e.ws != nil && !e.ws.IsConnected() {
		return fmt.Errorf("%w: x10 stream down", apperrors.ErrNetwork)
	}
	return nil
}

func (e *Exchange) WSReady() bool {
	return e.ws != nil && e.ws.IsConnected()
}

func (e *Exchange) onConnected(_ context.Context) error {
	e.booksMu.RLock()
	for _, book := range e.books {
		book.MarkConnected()
	}
	e.booksMu.RUnlock()

	return e.ws.Send(map[string]interface{}{
		"op": "subscribe",
		"args": append(bookChannels(e.symbols),
			"account.orders", "account.positions", "account.funding"),
	})
}

func bookChannels(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, "orderbook."+s)
	}
	return out
}

// envelope is the X10 response wrapper.
type envelope struct {
	Status string          `json:"status"` // OK | ERROR
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// get unwraps the envelope into out and translates venue errors.
func (e *Exchange) get(ctx context.Context, path string, params map[string]string, out interface{}) (json.RawMessage, error) {
	body, err := e.rest.Get(ctx, path, params)
	return e.unwrap(body, err, out)
}

func (e *Exchange) post(ctx context.Context, path string, payload, out interface{}) (json.RawMessage, error) {
	body, err := e.rest.Post(ctx, path, payload)
	return e.unwrap(body, err, out)
}

func (e *Exchange) unwrap(body []byte, err error, out interface{}) (json.RawMessage, error) {
	if err != nil {
		var apiErr *vhttp.APIError
		if errors.As(err, &apiErr) {
			body = apiErr.Body
		} else {
			return nil, err
		}
	}
	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decode envelope: %w", jsonErr)
	}
	if env.Status != "OK" {
		return nil, e.mapError(env, err)
	}
	if out != nil && len(env.Data) > 0 {
		if jsonErr := json.Unmarshal(env.Data, out); jsonErr != nil {
			return nil, fmt.Errorf("decode data: %w", jsonErr)
		}
	}
	return env.Data, nil
}

func (e *Exchange) mapError(env envelope, httpErr error) error {
	if env.Error == nil {
		if httpErr != nil {
			return httpErr
		}
		return fmt.Errorf("x10 error without detail")
	}
	switch env.Error.Code {
	case 1120:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientBalance, env.Error.Message)
	case 1142:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, env.Error.Message)
	case 1429:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, env.Error.Message)
	case 1101, 1134:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, env.Error.Message)
	}
	return fmt.Errorf("x10 error %d: %s", env.Error.Code, env.Error.Message)
}

type wireMarket struct {
	Name        string `json:"name"`
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
	PriceStep   string `json:"priceStep"`
	QtyStep     string `json:"qtyStep"`
	MinOrderQty string `json:"minOrderQty"`
	MaxLeverage string `json:"maxLeverage"`
}

func (e *Exchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	var wire []wireMarket
	if _, err := e.get(ctx, "/api/v1/info/markets", nil, &wire); err != nil {
		return nil, err
	}

	markets := make(map[string]core.MarketInfo, len(wire))
	for _, m := range wire {
		markets[m.Name] = core.MarketInfo{
			Symbol:       m.Name,
			Venue:        core.VenueX10,
			BaseAsset:    m.BaseAsset,
			QuoteAsset:   m.QuoteAsset,
			TickSize:     e.ParseDecimal(m.PriceStep),
			StepSize:     e.ParseDecimal(m.QtyStep),
			MinOrderSize: e.ParseDecimal(m.MinOrderQty),
			MaxLeverage:  e.ParseDecimal(m.MaxLeverage),
		}
	}
	e.SetMarkets(markets)

	e.booksMu.Lock()
	for _, symbol := range e.symbols {
		if _, ok := e.books[symbol]; !ok {
			e.books[symbol] = orderbook.NewBook(symbol, core.VenueX10, e.Logger)
		}
	}
	e.booksMu.Unlock()
	return markets, nil
}

func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var stats struct {
		MarkPrice string `json:"markPrice"`
	}
	if _, err := e.get(ctx, "/api/v1/info/markets/"+symbol+"/stats", nil, &stats); err != nil {
		return decimal.Zero, err
	}
	return e.ParseDecimal(stats.MarkPrice), nil
}

func (e *Exchange) GetFundingRate(ctx context.Context, symbol string) (core.FundingRate, error) {
	var stats struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if _, err := e.get(ctx, "/api/v1/info/markets/"+symbol+"/stats", nil, &stats); err != nil {
		return core.FundingRate{}, err
	}
	return core.FundingRate{
		Symbol:          symbol,
		Venue:           core.VenueX10,
		HourlyRate:      e.ParseDecimal(stats.FundingRate),
		NextFundingTime: e.ParseTimestamp(stats.NextFundingTime),
		UpdatedAt:       time.Now(),
	}, nil
}

func (e *Exchange) book(symbol string) *orderbook.Book {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	return e.books[symbol]
}

type wireLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

func (e *Exchange) parseLevels(raw []wireLevel) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, core.PriceLevel{
			Price: e.ParseDecimal(lvl.Price),
			Qty:   e.ParseDecimal(lvl.Qty),
		})
	}
	return out
}

func (e *Exchange) GetOrderbookL1(ctx context.Context, symbol string) (core.OrderbookSnapshot, error) {
	if b := e.book(symbol); b != nil && b.IsSynced() {
		if snap, ok := b.L1(); ok {
			return snap, nil
		}
	}
	depth, err := e.fetchDepth(ctx, symbol, 1)
	if err != nil {
		return core.OrderbookSnapshot{}, err
	}
	snap := core.OrderbookSnapshot{Symbol: symbol, Venue: core.VenueX10, UpdatedAt: depth.UpdatedAt}
	if len(depth.Bids) > 0 {
		snap.Bid = depth.Bids[0]
	}
	if len(depth.Asks) > 0 {
		snap.Ask = depth.Asks[0]
	}
	return snap, nil
}

func (e *Exchange) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (core.OrderbookDepthSnapshot, error) {
	if b := e.book(symbol); b != nil && b.IsSynced() {
		if snap, ok := b.Depth(levels); ok {
			return snap, nil
		}
	}
	return e.fetchDepth(ctx, symbol, levels)
}

func (e *Exchange) fetchDepth(ctx context.Context, symbol string, levels int) (core.OrderbookDepthSnapshot, error) {
	var wire struct {
		Bids []wireLevel `json:"bids"`
		Asks []wireLevel `json:"asks"`
	}
	_, err := e.get(ctx, "/api/v1/info/markets/"+symbol+"/orderbook",
		map[string]string{"limit": strconv.Itoa(levels)}, &wire)
	if err != nil {
		return core.OrderbookDepthSnapshot{}, err
	}
	return core.OrderbookDepthSnapshot{
		Symbol:    symbol,
		Venue:     core.VenueX10,
		Bids:      e.parseLevels(wire.Bids),
		Asks:      e.parseLevels(wire.Asks),
		UpdatedAt: time.Now(),
	}, nil
}

func (e *Exchange) GetAvailableBalance(ctx context.Context) (core.Balance, error) {
	var wire struct {
		AvailableForTrade string `json:"availableForTrade"`
		Equity            string `json:"equity"`
	}
	if _, err := e.get(ctx, "/api/v1/user/balance", nil, &wire); err != nil {
		return core.Balance{}, err
	}
	return core.Balance{
		Venue:     core.VenueX10,
		Available: e.ParseDecimal(wire.AvailableForTrade),
		Total:     e.ParseDecimal(wire.Equity),
		UpdatedAt: time.Now(),
	}, nil
}

func (e *Exchange) GetFeeSchedule(ctx context.Context, symbol string) (core.FeeSchedule, error) {
	var wire struct {
		MakerFeeRate string `json:"makerFeeRate"`
		TakerFeeRate string `json:"takerFeeRate"`
	}
	if _, err := e.get(ctx, "/api/v1/user/fees", map[string]string{"market": symbol}, &wire); err != nil {
		return core.FeeSchedule{}, err
	}
	return core.FeeSchedule{
		Venue:    core.VenueX10,
		MakerFee: e.ParseDecimal(wire.MakerFeeRate),
		TakerFee: e.ParseDecimal(wire.TakerFeeRate),
	}, nil
}

type wirePosition struct {
	Market           string `json:"market"`
	Side             string `json:"side"` // LONG | SHORT
	Size             string `json:"size"`
	OpenPrice        string `json:"openPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
}

func (e *Exchange) mapPosition(p wirePosition) core.Position {
	side := core.SideBuy
	if p.Side == "SHORT" {
		side = core.SideSell
	}
	return core.Position{
		Symbol:           p.Market,
		Venue:            core.VenueX10,
		Side:             side,
		Qty:              e.ParseDecimal(p.Size),
		EntryPrice:       e.ParseDecimal(p.OpenPrice),
		MarkPrice:        e.ParseDecimal(p.MarkPrice),
		LiquidationPrice: e.ParseDecimal(p.LiquidationPrice),
	}
}

func (e *Exchange) ListPositions(ctx context.Context) ([]core.Position, error) {
	var wire []wirePosition
	if _, err := e.get(ctx, "/api/v1/user/positions", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0, len(wire))
	for _, p := range wire {
		pos := e.mapPosition(p)
		if pos.Qty.IsPositive() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	var wire []wirePosition
	_, err := e.get(ctx, "/api/v1/user/positions", map[string]string{"market": symbol}, &wire)
	if err != nil {
		return nil, err
	}
	for _, p := range wire {
		pos := e.mapPosition(p)
		if pos.Symbol == symbol && pos.Qty.IsPositive() {
			return &pos, nil
		}
	}
	return nil, nil
}

func (e *Exchange) GetRealizedFunding(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	var wire []struct {
		Amount string `json:"fundingFee"`
	}
	_, err := e.get(ctx, "/api/v1/user/funding/history", map[string]string{
		"market":   symbol,
		"fromTime": strconv.FormatInt(since.UnixMilli(), 10),
	}, &wire)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range wire {
		// X10 reports the fee from the account's perspective: positive
		// means paid. Flip so positive means received, like Lighter.
		total = total.Sub(e.ParseDecimal(p.Amount))
	}
	return total, nil
}

type wireOrder struct {
	ID          int64  `json:"id"`
	ExternalID  string `json:"externalId"`
	Market      string `json:"market"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	FilledQty   string `json:"filledQty"`
	AvgPrice    string `json:"averagePrice"`
	Fee         string `json:"payedFee"`
	Status      string `json:"status"`
	ReduceOnly  bool   `json:"reduceOnly"`
	TimeInForce string `json:"timeInForce"`
	CreatedTime int64  `json:"createdTime"`
	UpdatedTime int64  `json:"updatedTime"`
}

func (e *Exchange) mapOrder(o wireOrder) core.Order {
	side := core.SideBuy
	if o.Side == "SELL" {
		side = core.SideSell
	}
	typ := core.OrderTypeLimit
	if o.Type == "MARKET" {
		typ = core.OrderTypeMarket
	}
	return core.Order{
		OrderRequest: core.OrderRequest{
			Symbol:        o.Market,
			Venue:         core.VenueX10,
			Side:          side,
			Qty:           e.ParseDecimal(o.Qty),
			Type:          typ,
			Price:         e.ParseDecimal(o.Price),
			TimeInForce:   mapTIF(o.TimeInForce),
			ReduceOnly:    o.ReduceOnly,
			ClientOrderID: o.ExternalID,
		},
		OrderID:      strconv.FormatInt(o.ID, 10),
		Status:       mapStatus(o.Status),
		FilledQty:    e.ParseDecimal(o.FilledQty),
		AvgFillPrice: e.ParseDecimal(o.AvgPrice),
		Fee:          e.ParseDecimal(o.Fee),
		CreatedAt:    e.ParseTimestamp(o.CreatedTime),
		UpdatedAt:    e.ParseTimestamp(o.UpdatedTime),
	}
}

func mapTIF(raw string) core.TimeInForce {
	switch raw {
	case "IOC":
		return core.TIFIOC
	case "POST_ONLY":
		return core.TIFPostOnly
	default:
		return core.TIFGTC
	}
}

func mapStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW", "UNTRIGGERED":
		return core.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELLED":
		return core.OrderStatusCancelled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusPending
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	payload := map[string]interface{}{
		"market":      req.Symbol,
		"side":        string(req.Side),
		"type":        string(req.Type),
		"qty":         req.Qty.String(),
		"timeInForce": strings.ToUpper(string(req.TimeInForce)),
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Type == core.OrderTypeLimit {
		payload["price"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		payload["externalId"] = req.ClientOrderID
	}

	var wire wireOrder
	if _, err := e.post(ctx, "/api/v1/user/order", payload, &wire); err != nil {
		return core.Order{}, err
	}
	return e.mapOrder(wire), nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	var wire wireOrder
	_, err := e.get(ctx, "/api/v1/user/order/"+orderID, map[string]string{"market": symbol}, &wire)
	if err != nil {
		return core.Order{}, err
	}
	return e.mapOrder(wire), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := e.rest.Delete(ctx, "/api/v1/user/order/"+orderID, map[string]string{"market": symbol})
	_, err = e.unwrap(body, err, nil)
	return err
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{}
	if symbol != "" {
		params["market"] = symbol
	}
	body, err := e.rest.Delete(ctx, "/api/v1/user/orders", params)
	_, err = e.unwrap(body, err, nil)
	return err
}

// ModifyOrder reprices in place; the venue keeps the order id.
func (e *Exchange) ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (core.Order, error) {
	payload := map[string]interface{}{
		"market": symbol,
		"price":  price.String(),
		"qty":    qty.String(),
	}
	var wire wireOrder
	if _, err := e.post(ctx, "/api/v1/user/order/"+orderID+"/modify", payload, &wire); err != nil {
		return core.Order{}, err
	}
	return e.mapOrder(wire), nil
}

func (e *Exchange) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.ws.Messages():
			if !ok {
				return
			}
			e.handleMessage(msg)
		}
	}
}

type streamMessage struct {
	Topic string          `json:"topic"`
	Seq   int64           `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

func (e *Exchange) handleMessage(raw []byte) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.Logger.Warn("Undecodable stream message", "error", err)
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		e.handleBook(strings.TrimPrefix(msg.Topic, "orderbook."), msg)
	case msg.Topic == "account.orders":
		var wire []wireOrder
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			e.Logger.Warn("Undecodable order update", "error", err)
			return
		}
		for _, o := range wire {
			e.EmitOrder(e.mapOrder(o))
		}
	case msg.Topic == "account.positions":
		var wire []wirePosition
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			e.Logger.Warn("Undecodable position update", "error", err)
			return
		}
		for _, p := range wire {
			e.EmitPosition(e.mapPosition(p))
		}
	case msg.Topic == "account.funding":
		var wire []struct {
			Market     string `json:"market"`
			FundingFee string `json:"fundingFee"`
			Time       int64  `json:"time"`
		}
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			e.Logger.Warn("Undecodable funding update", "error", err)
			return
		}
		for _, p := range wire {
			e.EmitFunding(core.FundingPayment{
				Symbol:    p.Market,
				Venue:     core.VenueX10,
				Amount:    e.ParseDecimal(p.FundingFee).Neg(),
				Timestamp: e.ParseTimestamp(p.Time),
			})
		}
	}
}

// handleBook applies a full top-of-book snapshot; each message replaces
// the previous state.
func (e *Exchange) handleBook(symbol string, msg streamMessage) {
	b := e.book(symbol)
	if b == nil {
		return
	}
	var wire struct {
		Bids []wireLevel `json:"bids"`
		Asks []wireLevel `json:"asks"`
	}
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		e.Logger.Warn("Undecodable book snapshot", "symbol", symbol, "error", err)
		return
	}
	b.ApplySnapshot(e.parseLevels(wire.Bids), e.parseLevels(wire.Asks), msg.Seq, msg.Seq)
	if snap, ok := b.L1(); ok {
		e.EmitL1(snap)
	}
}
