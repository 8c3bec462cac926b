package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fundarb/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schemaVersion = 3

// Fixed-width fraction so lexicographic order on the stored text matches
// time order. RFC3339Nano drops trailing zeros, which breaks ORDER BY on
// the timestamp columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteBackend owns the database handle and the raw SQL. All writes go
// through the Store's writer loop; reads may come from any goroutine
// (database/sql pools connections).
type sqliteBackend struct {
	db *sql.DB
}

func openBackend(path string, walMode bool) (*sqliteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	if walMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// migrate applies additive migrations up to schemaVersion.
func (b *sqliteBackend) migrate() error {
	if _, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	err := b.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := b.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}

	migrations := []string{
		// v1: core tables
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			exec_state TEXT NOT NULL,
			target_qty TEXT NOT NULL,
			target_notional TEXT NOT NULL,
			entry_apy TEXT NOT NULL,
			entry_spread TEXT NOT NULL,
			lighter_side TEXT, lighter_order_id TEXT, lighter_qty TEXT,
			lighter_filled_qty TEXT, lighter_entry_price TEXT, lighter_exit_price TEXT, lighter_fees TEXT,
			x10_side TEXT, x10_order_id TEXT, x10_qty TEXT,
			x10_filled_qty TEXT, x10_entry_price TEXT, x10_exit_price TEXT, x10_fees TEXT,
			funding_collected TEXT NOT NULL DEFAULT '0',
			last_funding_update TEXT,
			realized_pnl TEXT NOT NULL DEFAULT '0',
			unrealized_pnl TEXT NOT NULL DEFAULT '0',
			high_water_mark TEXT NOT NULL DEFAULT '0',
			close_reason TEXT,
			events_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			opened_at TEXT,
			closed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);
		CREATE TABLE IF NOT EXISTS execution_attempts (
			attempt_id TEXT PRIMARY KEY,
			trade_id TEXT,
			symbol TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT,
			reason TEXT,
			entry_spread TEXT, apy TEXT, expected_value TEXT, breakeven_hours TEXT,
			slippage_bps TEXT, leg1_fill_seconds TEXT,
			hedge_submit_ms INTEGER, hedge_ack_ms INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		// v2: funding history
		`CREATE TABLE IF NOT EXISTS funding_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			amount TEXT NOT NULL,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_funding_events_trade ON funding_events(trade_id);`,
		// v3: minute funding candles
		`CREATE TABLE IF NOT EXISTS funding_candles_minute (
			symbol TEXT NOT NULL,
			venue TEXT NOT NULL,
			hourly_rate TEXT NOT NULL,
			apy TEXT NOT NULL,
			ts TEXT NOT NULL,
			PRIMARY KEY (symbol, venue, ts)
		);`,
	}

	for v := current; v < len(migrations); v++ {
		if _, err := b.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := b.db.Exec(`UPDATE schema_version SET version = ?`, v+1); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}

func encodeTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	// RFC3339Nano parsing accepts any fraction width, covering rows
	// written before the layout was fixed.
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeDecimal(s sql.NullString) decimal.Decimal {
	if !s.Valid {
		return decimal.Zero
	}
	return core.ParseDecimal(s.String, decimal.Zero)
}

const tradeColumns = `id, symbol, status, exec_state, target_qty, target_notional, entry_apy, entry_spread,
	lighter_side, lighter_order_id, lighter_qty, lighter_filled_qty, lighter_entry_price, lighter_exit_price, lighter_fees,
	x10_side, x10_order_id, x10_qty, x10_filled_qty, x10_entry_price, x10_exit_price, x10_fees,
	funding_collected, last_funding_update, realized_pnl, unrealized_pnl, high_water_mark, close_reason,
	events_json, created_at, opened_at, closed_at`

func tradeArgs(t *core.Trade) []interface{} {
	events, _ := json.Marshal(t.Events)
	return []interface{}{
		t.ID, t.Symbol, string(t.Status), string(t.ExecState),
		t.TargetQty.String(), t.TargetNotional.String(), t.EntryAPY.String(), t.EntrySpread.String(),
		string(t.LighterLeg.Side), t.LighterLeg.OrderID, t.LighterLeg.Qty.String(),
		t.LighterLeg.FilledQty.String(), t.LighterLeg.EntryPrice.String(), t.LighterLeg.ExitPrice.String(), t.LighterLeg.Fees.String(),
		string(t.X10Leg.Side), t.X10Leg.OrderID, t.X10Leg.Qty.String(),
		t.X10Leg.FilledQty.String(), t.X10Leg.EntryPrice.String(), t.X10Leg.ExitPrice.String(), t.X10Leg.Fees.String(),
		t.FundingCollected.String(), encodeTime(t.LastFundingUpdate),
		t.RealizedPnL.String(), t.UnrealizedPnL.String(), t.HighWaterMark.String(), t.CloseReason,
		string(events), encodeTime(t.CreatedAt), encodeTime(t.OpenedAt), encodeTime(t.ClosedAt),
	}
}

func (b *sqliteBackend) upsertTrade(tx *sql.Tx, t *core.Trade) error {
	query := `INSERT INTO trades (` + tradeColumns + `) VALUES (` + placeholders(32) + `)
		ON CONFLICT(id) DO UPDATE SET
		symbol=excluded.symbol, status=excluded.status, exec_state=excluded.exec_state,
		target_qty=excluded.target_qty, target_notional=excluded.target_notional,
		entry_apy=excluded.entry_apy, entry_spread=excluded.entry_spread,
		lighter_side=excluded.lighter_side, lighter_order_id=excluded.lighter_order_id,
		lighter_qty=excluded.lighter_qty, lighter_filled_qty=excluded.lighter_filled_qty,
		lighter_entry_price=excluded.lighter_entry_price, lighter_exit_price=excluded.lighter_exit_price,
		lighter_fees=excluded.lighter_fees,
		x10_side=excluded.x10_side, x10_order_id=excluded.x10_order_id,
		x10_qty=excluded.x10_qty, x10_filled_qty=excluded.x10_filled_qty,
		x10_entry_price=excluded.x10_entry_price, x10_exit_price=excluded.x10_exit_price,
		x10_fees=excluded.x10_fees,
		funding_collected=excluded.funding_collected, last_funding_update=excluded.last_funding_update,
		realized_pnl=excluded.realized_pnl, unrealized_pnl=excluded.unrealized_pnl,
		high_water_mark=excluded.high_water_mark, close_reason=excluded.close_reason,
		events_json=excluded.events_json, opened_at=excluded.opened_at, closed_at=excluded.closed_at`
	if tx != nil {
		_, err := tx.Exec(query, tradeArgs(t)...)
		return err
	}
	_, err := b.db.Exec(query, tradeArgs(t)...)
	return err
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func scanTrade(rows *sql.Rows) (*core.Trade, error) {
	var (
		t                              core.Trade
		status, execState              string
		targetQty, targetNotional      sql.NullString
		entryAPY, entrySpread          sql.NullString
		lSide, lOrderID                sql.NullString
		lQty, lFilled, lEntry, lExit   sql.NullString
		lFees                          sql.NullString
		xSide, xOrderID                sql.NullString
		xQty, xFilled, xEntry, xExit   sql.NullString
		xFees                          sql.NullString
		fundingCollected               sql.NullString
		lastFunding                    sql.NullString
		realized, unrealized, hwm      sql.NullString
		closeReason, eventsJSON        sql.NullString
		createdAt, openedAt, closedAt  sql.NullString
	)

	if err := rows.Scan(&t.ID, &t.Symbol, &status, &execState, &targetQty, &targetNotional, &entryAPY, &entrySpread,
		&lSide, &lOrderID, &lQty, &lFilled, &lEntry, &lExit, &lFees,
		&xSide, &xOrderID, &xQty, &xFilled, &xEntry, &xExit, &xFees,
		&fundingCollected, &lastFunding, &realized, &unrealized, &hwm, &closeReason,
		&eventsJSON, &createdAt, &openedAt, &closedAt); err != nil {
		return nil, err
	}

	t.Status = core.TradeStatus(status)
	t.ExecState = core.ExecutionState(execState)
	t.TargetQty = decodeDecimal(targetQty)
	t.TargetNotional = decodeDecimal(targetNotional)
	t.EntryAPY = decodeDecimal(entryAPY)
	t.EntrySpread = decodeDecimal(entrySpread)
	t.LighterLeg = core.TradeLeg{
		Venue: core.VenueLighter, Side: core.Side(lSide.String), OrderID: lOrderID.String,
		Qty: decodeDecimal(lQty), FilledQty: decodeDecimal(lFilled),
		EntryPrice: decodeDecimal(lEntry), ExitPrice: decodeDecimal(lExit), Fees: decodeDecimal(lFees),
	}
	t.X10Leg = core.TradeLeg{
		Venue: core.VenueX10, Side: core.Side(xSide.String), OrderID: xOrderID.String,
		Qty: decodeDecimal(xQty), FilledQty: decodeDecimal(xFilled),
		EntryPrice: decodeDecimal(xEntry), ExitPrice: decodeDecimal(xExit), Fees: decodeDecimal(xFees),
	}
	t.FundingCollected = decodeDecimal(fundingCollected)
	t.LastFundingUpdate = decodeTime(lastFunding)
	t.RealizedPnL = decodeDecimal(realized)
	t.UnrealizedPnL = decodeDecimal(unrealized)
	t.HighWaterMark = decodeDecimal(hwm)
	t.CloseReason = closeReason.String
	if eventsJSON.Valid && eventsJSON.String != "" {
		json.Unmarshal([]byte(eventsJSON.String), &t.Events)
	}
	t.CreatedAt = decodeTime(createdAt)
	t.OpenedAt = decodeTime(openedAt)
	t.ClosedAt = decodeTime(closedAt)
	return &t, nil
}

func (b *sqliteBackend) listTrades(ctx context.Context, limit int, activeOnly bool) ([]*core.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades`
	if activeOnly {
		query += ` WHERE status IN ('PENDING','OPENING','OPEN','CLOSING','ROLLBACK')`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (b *sqliteBackend) insertAttempt(tx *sql.Tx, a *core.ExecutionAttempt) error {
	query := `INSERT INTO execution_attempts
		(attempt_id, trade_id, symbol, mode, status, stage, reason,
		 entry_spread, apy, expected_value, breakeven_hours, slippage_bps, leg1_fill_seconds,
		 hedge_submit_ms, hedge_ack_ms, created_at, updated_at)
		VALUES (` + placeholders(17) + `)
		ON CONFLICT(attempt_id) DO UPDATE SET
		trade_id=excluded.trade_id, status=excluded.status, stage=excluded.stage, reason=excluded.reason,
		entry_spread=excluded.entry_spread, apy=excluded.apy, expected_value=excluded.expected_value,
		breakeven_hours=excluded.breakeven_hours, slippage_bps=excluded.slippage_bps,
		leg1_fill_seconds=excluded.leg1_fill_seconds,
		hedge_submit_ms=excluded.hedge_submit_ms, hedge_ack_ms=excluded.hedge_ack_ms,
		updated_at=excluded.updated_at`
	args := []interface{}{
		a.AttemptID, a.TradeID, a.Symbol, string(a.Mode), string(a.Status), a.Stage, a.Reason,
		a.EntrySpread.String(), a.APY.String(), a.ExpectedValue.String(), a.BreakevenHours.String(),
		a.SlippageBps.String(), a.Leg1FillSeconds.String(),
		a.HedgeSubmitMs, a.HedgeAckMs, encodeTime(a.CreatedAt), encodeTime(a.UpdatedAt),
	}
	if tx != nil {
		_, err := tx.Exec(query, args...)
		return err
	}
	_, err := b.db.Exec(query, args...)
	return err
}

func (b *sqliteBackend) insertFundingEvent(tx *sql.Tx, e *core.FundingEvent) error {
	query := `INSERT INTO funding_events (trade_id, venue, amount, at) VALUES (?, ?, ?, ?)`
	args := []interface{}{e.TradeID, string(e.Venue), e.Amount.String(), encodeTime(e.At)}
	if tx != nil {
		_, err := tx.Exec(query, args...)
		return err
	}
	_, err := b.db.Exec(query, args...)
	return err
}

func (b *sqliteBackend) replaceFundingEvents(tx *sql.Tx, tradeID string, events []core.FundingEvent) error {
	exec := b.db.Exec
	if tx != nil {
		exec = tx.Exec
	}
	if _, err := exec(`DELETE FROM funding_events WHERE trade_id = ?`, tradeID); err != nil {
		return err
	}
	for i := range events {
		e := events[i]
		if _, err := exec(`INSERT INTO funding_events (trade_id, venue, amount, at) VALUES (?, ?, ?, ?)`,
			tradeID, string(e.Venue), e.Amount.String(), encodeTime(e.At)); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBackend) listFundingEvents(ctx context.Context, tradeID string) ([]core.FundingEvent, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, trade_id, venue, amount, at FROM funding_events WHERE trade_id = ? ORDER BY at ASC, id ASC`,
		tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funding events: %w", err)
	}
	defer rows.Close()

	var events []core.FundingEvent
	for rows.Next() {
		var (
			e          core.FundingEvent
			venue      string
			amount, at sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TradeID, &venue, &amount, &at); err != nil {
			return nil, err
		}
		e.Venue = core.Venue(venue)
		e.Amount = decodeDecimal(amount)
		e.At = decodeTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (b *sqliteBackend) insertFundingCandle(tx *sql.Tx, c *core.FundingCandle) error {
	query := `INSERT INTO funding_candles_minute (symbol, venue, hourly_rate, apy, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, venue, ts) DO UPDATE SET
		hourly_rate=excluded.hourly_rate, apy=excluded.apy`
	args := []interface{}{c.Symbol, string(c.Venue), c.HourlyRate.String(), c.APY.String(), encodeTime(c.Timestamp)}
	if tx != nil {
		_, err := tx.Exec(query, args...)
		return err
	}
	_, err := b.db.Exec(query, args...)
	return err
}

func (b *sqliteBackend) listFundingCandles(ctx context.Context, symbol string, venue core.Venue, since time.Time) ([]core.FundingCandle, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT symbol, venue, hourly_rate, apy, ts FROM funding_candles_minute
		 WHERE symbol = ? AND venue = ? AND ts >= ? ORDER BY ts ASC`,
		symbol, string(venue), encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list funding candles: %w", err)
	}
	defer rows.Close()

	var candles []core.FundingCandle
	for rows.Next() {
		var (
			c               core.FundingCandle
			venueStr        string
			rate, apy, ts   sql.NullString
		)
		if err := rows.Scan(&c.Symbol, &venueStr, &rate, &apy, &ts); err != nil {
			return nil, err
		}
		c.Venue = core.Venue(venueStr)
		c.HourlyRate = decodeDecimal(rate)
		c.APY = decodeDecimal(apy)
		c.Timestamp = decodeTime(ts)
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
