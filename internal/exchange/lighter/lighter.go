// Package lighter implements the ExchangePort for the Lighter venue.
package lighter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
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
	defaultBaseURL = "https://mainnet.zklighter.elliot.ai"
	defaultWSURL   = "wss://mainnet.zklighter.elliot.ai/stream"
)

// Exchange is the Lighter adapter: REST through the resilient client,
// account and orderbook state through one multiplexed stream.
type Exchange struct {
	*base.Adapter
	cfg     config.LighterConfig
	rest    *vhttp.Client
	ws      *websocket.Client
	symbols []string

	booksMu sync.RWMutex
	books   map[string]*orderbook.Book
}

type signer struct {
	privateKey   string
	accountIndex int
}

// SignRequest signs timestamp, method, path+query and body with the
// account key.
func (s *signer) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + req.Method + req.URL.Path
	if req.URL.RawQuery != "" {
		payload += "?" + req.URL.RawQuery
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		payload += string(raw)
	}

	mac := hmac.New(sha256.New, []byte(s.privateKey))
	mac.Write([]byte(payload))

	req.Header.Set("X-Lighter-Timestamp", ts)
	req.Header.Set("X-Lighter-Account", strconv.Itoa(s.accountIndex))
	req.Header.Set("X-Lighter-Signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// NewExchange creates the Lighter adapter. symbols is the universe to
// keep local books for.
func NewExchange(cfg config.LighterConfig, symbols []string, logger core.ILogger) *Exchange {
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
	rest := vhttp.NewClient(cfg.BaseURL, "lighter", clientCfg,
		&signer{privateKey: cfg.PrivateKey, accountIndex: cfg.AccountIndex})

	return &Exchange{
		Adapter: base.NewAdapter(core.VenueLighter, logger),
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
		Name: "lighter",
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
	if _, err := e.rest.Get(ctx, "/api/v1/status", nil); err != nil {
		return e.translate(err)
	}
	if e.ws != nil && !e.ws.IsConnected() {
		return fmt.Errorf("%w: lighter stream down", apperrors.ErrNetwork)
	}
	return nil
}

func (e *Exchange) WSReady() bool {
	return e.ws != nil && e.ws.IsConnected()
}

// onConnected resubscribes every channel; runs after each reconnect.
func (e *Exchange) onConnected(_ context.Context) error {
	e.booksMu.RLock()
	for _, book := range e.books {
		book.MarkConnected()
	}
	e.booksMu.RUnlock()

	for _, symbol := range e.symbols {
		if err := e.ws.Send(map[string]string{
			"type":    "subscribe",
			"channel": "order_book/" + symbol,
		}); err != nil {
			return err
		}
	}
	return e.ws.Send(map[string]string{
		"type":    "subscribe",
		"channel": "account_all/" + strconv.Itoa(e.cfg.AccountIndex),
	})
}

type wireMarket struct {
	Symbol       string `json:"symbol"`
	BaseAsset    string `json:"base_asset"`
	QuoteAsset   string `json:"quote_asset"`
	TickSize     string `json:"tick_size"`
	StepSize     string `json:"step_size"`
	MinOrderSize string `json:"min_order_size"`
	MaxLeverage  string `json:"max_leverage"`
}

func (e *Exchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	body, err := e.rest.Get(ctx, "/api/v1/markets", nil)
	if err != nil {
		return nil, e.translate(err)
	}
	var resp struct {
		Markets []wireMarket `json:"markets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	markets := make(map[string]core.MarketInfo, len(resp.Markets))
	for _, m := range resp.Markets {
		markets[m.Symbol] = core.MarketInfo{
			Symbol:       m.Symbol,
			Venue:        core.VenueLighter,
			BaseAsset:    m.BaseAsset,
			QuoteAsset:   m.QuoteAsset,
			TickSize:     e.ParseDecimal(m.TickSize),
			StepSize:     e.ParseDecimal(m.StepSize),
			MinOrderSize: e.ParseDecimal(m.MinOrderSize),
			MaxLeverage:  e.ParseDecimal(m.MaxLeverage),
		}
	}
	e.SetMarkets(markets)

	e.booksMu.Lock()
	for _, symbol := range e.symbols {
		if _, ok := e.books[symbol]; !ok {
			e.books[symbol] = orderbook.NewBook(symbol, core.VenueLighter, e.Logger)
		}
	}
	e.booksMu.Unlock()
	return markets, nil
}

func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.rest.Get(ctx, "/api/v1/mark-price", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, e.translate(err)
	}
	var resp struct {
		MarkPrice string `json:"mark_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode mark price: %w", err)
	}
	return e.ParseDecimal(resp.MarkPrice), nil
}

func (e *Exchange) GetFundingRate(ctx context.Context, symbol string) (core.FundingRate, error) {
	body, err := e.rest.Get(ctx, "/api/v1/funding-rate", map[string]string{"symbol": symbol})
	if err != nil {
		return core.FundingRate{}, e.translate(err)
	}
	var resp struct {
		HourlyRate      string `json:"hourly_rate"`
		NextFundingTime int64  `json:"next_funding_time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.FundingRate{}, fmt.Errorf("decode funding rate: %w", err)
	}
	return core.FundingRate{
		Symbol:          symbol,
		Venue:           core.VenueLighter,
		HourlyRate:      e.ParseDecimal(resp.HourlyRate),
		NextFundingTime: e.ParseTimestamp(resp.NextFundingTime),
		UpdatedAt:       time.Now(),
	}, nil
}

func (e *Exchange) book(symbol string) *orderbook.Book {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	return e.books[symbol]
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
	snap := core.OrderbookSnapshot{Symbol: symbol, Venue: core.VenueLighter, UpdatedAt: depth.UpdatedAt}
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
	body, err := e.rest.Get(ctx, "/api/v1/orderbook", map[string]string{
		"symbol": symbol,
		"depth":  strconv.Itoa(levels),
	})
	if err != nil {
		return core.OrderbookDepthSnapshot{}, e.translate(err)
	}
	var resp struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderbookDepthSnapshot{}, fmt.Errorf("decode orderbook: %w", err)
	}
	return core.OrderbookDepthSnapshot{
		Symbol:    symbol,
		Venue:     core.VenueLighter,
		Bids:      e.parseLevels(resp.Bids),
		Asks:      e.parseLevels(resp.Asks),
		UpdatedAt: time.Now(),
	}, nil
}

func (e *Exchange) parseLevels(raw [][2]string) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, core.PriceLevel{
			Price: e.ParseDecimal(lvl[0]),
			Qty:   e.ParseDecimal(lvl[1]),
		})
	}
	return out
}

func (e *Exchange) GetAvailableBalance(ctx context.Context) (core.Balance, error) {
	body, err := e.rest.Get(ctx, "/api/v1/account/balance", nil)
	if err != nil {
		return core.Balance{}, e.translate(err)
	}
	var resp struct {
		Available string `json:"available"`
		Total     string `json:"total"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	return core.Balance{
		Venue:     core.VenueLighter,
		Available: e.ParseDecimal(resp.Available),
		Total:     e.ParseDecimal(resp.Total),
		UpdatedAt: time.Now(),
	}, nil
}

func (e *Exchange) GetFeeSchedule(ctx context.Context, symbol string) (core.FeeSchedule, error) {
	body, err := e.rest.Get(ctx, "/api/v1/account/fees", map[string]string{"symbol": symbol})
	if err != nil {
		return core.FeeSchedule{}, e.translate(err)
	}
	var resp struct {
		MakerFee string `json:"maker_fee"`
		TakerFee string `json:"taker_fee"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.FeeSchedule{}, fmt.Errorf("decode fees: %w", err)
	}
	return core.FeeSchedule{
		Venue:    core.VenueLighter,
		MakerFee: e.ParseDecimal(resp.MakerFee),
		TakerFee: e.ParseDecimal(resp.TakerFee),
	}, nil
}

type wirePosition struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"` // long | short
	Size             string `json:"size"`
	EntryPrice       string `json:"entry_price"`
	MarkPrice        string `json:"mark_price"`
	LiquidationPrice string `json:"liquidation_price"`
}

func (e *Exchange) mapPosition(p wirePosition) core.Position {
	side := core.SideBuy
	if p.Side == "short" {
		side = core.SideSell
	}
	return core.Position{
		Symbol:           p.Symbol,
		Venue:            core.VenueLighter,
		Side:             side,
		Qty:              e.ParseDecimal(p.Size),
		EntryPrice:       e.ParseDecimal(p.EntryPrice),
		MarkPrice:        e.ParseDecimal(p.MarkPrice),
		LiquidationPrice: e.ParseDecimal(p.LiquidationPrice),
	}
}

func (e *Exchange) ListPositions(ctx context.Context) ([]core.Position, error) {
	body, err := e.rest.Get(ctx, "/api/v1/account/positions", nil)
	if err != nil {
		return nil, e.translate(err)
	}
	var resp struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]core.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		pos := e.mapPosition(p)
		if pos.Qty.IsPositive() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	positions, err := e.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (e *Exchange) GetRealizedFunding(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	body, err := e.rest.Get(ctx, "/api/v1/account/funding", map[string]string{
		"symbol": symbol,
		"since":  strconv.FormatInt(since.UnixMilli(), 10),
	})
	if err != nil {
		return decimal.Zero, e.translate(err)
	}
	var resp struct {
		Payments []struct {
			Amount string `json:"amount"`
		} `json:"payments"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode funding payments: %w", err)
	}
	total := decimal.Zero
	for _, p := range resp.Payments {
		total = total.Add(e.ParseDecimal(p.Amount))
	}
	return total, nil
}

type wireOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	FilledSize    string `json:"filled_size"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Fee           string `json:"fee"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduce_only"`
	TimeInForce   string `json:"time_in_force"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

func (e *Exchange) mapOrder(o wireOrder) core.Order {
	side := core.SideBuy
	if o.Side == "sell" {
		side = core.SideSell
	}
	typ := core.OrderTypeLimit
	if o.Type == "market" {
		typ = core.OrderTypeMarket
	}
	return core.Order{
		OrderRequest: core.OrderRequest{
			Symbol:        o.Symbol,
			Venue:         core.VenueLighter,
			Side:          side,
			Qty:           e.ParseDecimal(o.Size),
			Type:          typ,
			Price:         e.ParseDecimal(o.Price),
			TimeInForce:   mapTIF(o.TimeInForce),
			ReduceOnly:    o.ReduceOnly,
			ClientOrderID: o.ClientOrderID,
		},
		OrderID:      o.OrderID,
		Status:       mapStatus(o.Status),
		FilledQty:    e.ParseDecimal(o.FilledSize),
		AvgFillPrice: e.ParseDecimal(o.AvgFillPrice),
		Fee:          e.ParseDecimal(o.Fee),
		CreatedAt:    e.ParseTimestamp(o.CreatedAt),
		UpdatedAt:    e.ParseTimestamp(o.UpdatedAt),
	}
}

func mapTIF(raw string) core.TimeInForce {
	switch raw {
	case "ioc":
		return core.TIFIOC
	case "post_only":
		return core.TIFPostOnly
	default:
		return core.TIFGTC
	}
}

func mapStatus(raw string) core.OrderStatus {
	switch raw {
	case "pending":
		return core.OrderStatusPending
	case "open":
		return core.OrderStatusOpen
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "canceled":
		return core.OrderStatusCancelled
	case "rejected":
		return core.OrderStatusRejected
	case "expired":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusPending
	}
}

func wireTIF(tif core.TimeInForce) string {
	switch tif {
	case core.TIFIOC:
		return "ioc"
	case core.TIFPostOnly:
		return "post_only"
	default:
		return "gtc"
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	payload := map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          map[core.Side]string{core.SideBuy: "buy", core.SideSell: "sell"}[req.Side],
		"type":          map[core.OrderType]string{core.OrderTypeLimit: "limit", core.OrderTypeMarket: "market"}[req.Type],
		"size":          req.Qty.String(),
		"time_in_force": wireTIF(req.TimeInForce),
		"reduce_only":   req.ReduceOnly,
	}
	if req.Type == core.OrderTypeLimit {
		payload["price"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		payload["client_order_id"] = req.ClientOrderID
	}

	body, err := e.rest.Post(ctx, "/api/v1/orders", payload)
	if err != nil {
		return core.Order{}, e.translate(err)
	}
	var resp struct {
		Order wireOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return e.mapOrder(resp.Order), nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	body, err := e.rest.Get(ctx, "/api/v1/orders/"+orderID, map[string]string{"symbol": symbol})
	if err != nil {
		return core.Order{}, e.translate(err)
	}
	var resp struct {
		Order wireOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return e.mapOrder(resp.Order), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := e.rest.Delete(ctx, "/api/v1/orders/"+orderID, map[string]string{"symbol": symbol})
	if err != nil {
		return e.translate(err)
	}
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if _, err := e.rest.Delete(ctx, "/api/v1/orders", params); err != nil {
		return e.translate(err)
	}
	return nil
}

// ModifyOrder is not offered by the venue; callers fall back to
// cancel+place.
func (e *Exchange) ModifyOrder(_ context.Context, _, _ string, _, _ decimal.Decimal) (core.Order, error) {
	return core.Order{}, apperrors.ErrNotSupported
}

// translate maps venue error envelopes onto the apperrors taxonomy.
func (e *Exchange) translate(err error) error {
	var apiErr *vhttp.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if jsonErr := json.Unmarshal(apiErr.Body, &envelope); jsonErr != nil {
		return err
	}
	switch envelope.Code {
	case 10003:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientBalance, envelope.Message)
	case 10007:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, envelope.Message)
	case 10009:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, envelope.Message)
	case 10001, 10013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, envelope.Message)
	}
	return err
}

// consume routes stream messages; it is the only goroutine touching the
// local books.
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

type streamEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`

	OrderBook *struct {
		Bids       [][2]string `json:"bids"`
		Asks       [][2]string `json:"asks"`
		Nonce      int64       `json:"nonce"`
		BeginNonce int64       `json:"begin_nonce"`
		EndNonce   int64       `json:"end_nonce"`
		Offset     int64       `json:"offset"`
	} `json:"order_book"`

	Orders    []wireOrder    `json:"orders"`
	Positions []wirePosition `json:"positions"`
	Payments  []struct {
		Symbol    string `json:"symbol"`
		Amount    string `json:"amount"`
		Timestamp int64  `json:"timestamp"`
	} `json:"payments"`
}

func (e *Exchange) handleMessage(raw []byte) {
	var msg streamEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.Logger.Warn("Undecodable stream message", "error", err)
		return
	}

	switch msg.Type {
	case "subscribed/order_book":
		e.handleBookSnapshot(msg)
	case "update/order_book":
		e.handleBookUpdate(msg)
	case "update/account_orders":
		for _, o := range msg.Orders {
			e.EmitOrder(e.mapOrder(o))
		}
	case "update/account_positions":
		for _, p := range msg.Positions {
			e.EmitPosition(e.mapPosition(p))
		}
	case "update/account_funding":
		for _, p := range msg.Payments {
			e.EmitFunding(core.FundingPayment{
				Symbol:    p.Symbol,
				Venue:     core.VenueLighter,
				Amount:    e.ParseDecimal(p.Amount),
				Timestamp: e.ParseTimestamp(p.Timestamp),
			})
		}
	}
}

func bookSymbol(channel string) string {
	const prefix = "order_book/"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return ""
}

func (e *Exchange) handleBookSnapshot(msg streamEnvelope) {
	symbol := bookSymbol(msg.Channel)
	b := e.book(symbol)
	if b == nil || msg.OrderBook == nil {
		return
	}
	b.ApplySnapshot(e.parseLevels(msg.OrderBook.Bids), e.parseLevels(msg.OrderBook.Asks),
		msg.OrderBook.Nonce, msg.OrderBook.Offset)
	if snap, ok := b.L1(); ok {
		e.EmitL1(snap)
	}
}

func (e *Exchange) handleBookUpdate(msg streamEnvelope) {
	symbol := bookSymbol(msg.Channel)
	b := e.book(symbol)
	if b == nil || msg.OrderBook == nil {
		return
	}

	updates := make([]orderbook.Update, 0, len(msg.OrderBook.Bids)+len(msg.OrderBook.Asks))
	for _, lvl := range msg.OrderBook.Bids {
		updates = append(updates, orderbook.Update{
			Price: e.ParseDecimal(lvl[0]), Size: e.ParseDecimal(lvl[1]), IsBid: true,
		})
	}
	for _, lvl := range msg.OrderBook.Asks {
		updates = append(updates, orderbook.Update{
			Price: e.ParseDecimal(lvl[0]), Size: e.ParseDecimal(lvl[1]), IsBid: false,
		})
	}

	ok := b.ApplyIncremental(updates, msg.OrderBook.BeginNonce, msg.OrderBook.EndNonce, msg.OrderBook.Offset)
	if !ok && b.ResyncNeeded() {
		e.Logger.Warn("Book out of sync, resubscribing", "symbol", symbol)
		if err := e.ws.Send(map[string]string{
			"type":    "subscribe",
			"channel": "order_book/" + symbol,
		}); err != nil {
			e.Logger.Error("Resubscribe failed", "symbol", symbol, "error", err)
		}
		return
	}
	if snap, snapOK := b.L1(); snapOK {
		e.EmitL1(snap)
	}
}
