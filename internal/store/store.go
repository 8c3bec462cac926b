// Package store implements the durable trade record: an in-memory cache
// of active trades in front of SQLite, with write-behind batching.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/pkg/telemetry"
)

type opKind int

const (
	opUpdateTrade opKind = iota
	opAttempt
	opFundingEvent
	opReplaceFunding
	opFundingCandle
	opSentinel
)

type writeOp struct {
	kind    opKind
	trade   *core.Trade
	attempt *core.ExecutionAttempt
	event   *core.FundingEvent
	candle  *core.FundingCandle

	replaceTradeID string
	replaceEvents  []core.FundingEvent

	done chan struct{} // sentinel only
}

// Store implements core.TradeStorePort.
//
// Reads are served from the cache. Writes are queued to a single writer
// goroutine that coalesces them into transactions; only CreateTrade
// commits synchronously so an exchange order can never exist without a
// matching DB row.
type Store struct {
	backend *sqliteBackend
	logger  core.ILogger

	mu     sync.RWMutex
	active map[string]*core.Trade // id -> trade, active statuses only

	openCache    []*core.Trade
	openCachedAt time.Time
	cacheTTL     time.Duration

	queue     chan writeOp
	batchSize int
	writerWg  sync.WaitGroup
	closeOnce sync.Once
}

// NewStore opens the database, loads active trades into the cache and
// starts the writer loop.
func NewStore(cfg config.DatabaseConfig, logger core.ILogger) (*Store, error) {
	backend, err := openBackend(cfg.Path, cfg.WALMode)
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend:   backend,
		logger:    logger.WithField("component", "trade_store"),
		active:    make(map[string]*core.Trade),
		cacheTTL:  cfg.OpenTradesCacheTTL,
		queue:     make(chan writeOp, cfg.WriteQueueMaxSize),
		batchSize: cfg.WriteBatchSize,
	}

	trades, err := backend.listTrades(context.Background(), 0, true)
	if err != nil {
		backend.close()
		return nil, fmt.Errorf("failed to load active trades: %w", err)
	}
	for _, t := range trades {
		s.active[t.ID] = t
	}
	if len(trades) > 0 {
		s.logger.Info("Recovered active trades from database", "count", len(trades))
	}

	telemetry.GetGlobalMetrics().SetQueueDepthFunc(func() int64 { return int64(len(s.queue)) })

	s.writerWg.Add(1)
	go s.writerLoop()
	return s, nil
}

// CreateTrade commits the trade synchronously before returning. Callers
// place exchange orders only after this succeeds.
func (s *Store) CreateTrade(ctx context.Context, t *core.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.upsertTrade(nil, t); err != nil {
		return fmt.Errorf("failed to create trade %s: %w", t.ID, err)
	}

	s.mu.Lock()
	s.active[t.ID] = cloneTrade(t)
	s.invalidateOpenCacheLocked()
	s.mu.Unlock()
	return nil
}

// UpdateTrade refreshes the cache and queues the durable write. When the
// queue is full the caller blocks (backpressure) and the incident is
// counted.
func (s *Store) UpdateTrade(t *core.Trade) {
	c := cloneTrade(t)

	s.mu.Lock()
	if c.Status.IsActive() {
		s.active[c.ID] = c
	} else {
		delete(s.active, c.ID)
	}
	s.invalidateOpenCacheLocked()
	s.mu.Unlock()

	s.enqueue(writeOp{kind: opUpdateTrade, trade: c})
}

// RecordAttempt queues an execution attempt row.
func (s *Store) RecordAttempt(a *core.ExecutionAttempt) {
	c := *a
	s.enqueue(writeOp{kind: opAttempt, attempt: &c})
}

// RecordFundingEvent queues one funding delta row.
func (s *Store) RecordFundingEvent(e *core.FundingEvent) {
	c := *e
	s.enqueue(writeOp{kind: opFundingEvent, event: &c})
}

// ReplaceFundingEvents queues an atomic rewrite of a trade's funding
// history (used by the legacy NET migration).
func (s *Store) ReplaceFundingEvents(tradeID string, events []core.FundingEvent) {
	cp := make([]core.FundingEvent, len(events))
	copy(cp, events)
	s.enqueue(writeOp{kind: opReplaceFunding, replaceTradeID: tradeID, replaceEvents: cp})
}

// RecordFundingCandle queues a funding-rate candle upsert keyed on the
// candle's truncated timestamp.
func (s *Store) RecordFundingCandle(c *core.FundingCandle) {
	cp := *c
	s.enqueue(writeOp{kind: opFundingCandle, candle: &cp})
}

// GetTrade returns a copy of a cached active trade.
func (s *Store) GetTrade(id string) (*core.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return cloneTrade(t), true
}

// GetOpenTradeBySymbol returns the active trade on a symbol, if any.
func (s *Store) GetOpenTradeBySymbol(symbol string) (*core.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.active {
		if t.Symbol == symbol {
			return cloneTrade(t), true
		}
	}
	return nil, false
}

// ListOpenTrades returns copies of all active trades, TTL-cached to keep
// the heartbeat cheap. The cache is invalidated on any write.
func (s *Store) ListOpenTrades() []*core.Trade {
	s.mu.RLock()
	if s.openCache != nil && time.Since(s.openCachedAt) < s.cacheTTL {
		out := make([]*core.Trade, len(s.openCache))
		copy(out, s.openCache)
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cached := make([]*core.Trade, 0, len(s.active))
	for _, t := range s.active {
		cached = append(cached, cloneTrade(t))
	}
	s.openCache = cached
	s.openCachedAt = time.Now()

	out := make([]*core.Trade, len(cached))
	copy(out, cached)
	return out
}

// ListTrades returns trades from the database, most recent first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]*core.Trade, error) {
	return s.backend.listTrades(ctx, limit, false)
}

// ListFundingEvents reads a trade's funding history from the database.
func (s *Store) ListFundingEvents(ctx context.Context, tradeID string) ([]core.FundingEvent, error) {
	return s.backend.listFundingEvents(ctx, tradeID)
}

// ListFundingCandles reads historical funding-rate candles.
func (s *Store) ListFundingCandles(ctx context.Context, symbol string, venue core.Venue, since time.Time) ([]core.FundingCandle, error) {
	return s.backend.listFundingCandles(ctx, symbol, venue, since)
}

// QueueDepth returns the number of pending write operations.
func (s *Store) QueueDepth() int {
	return len(s.queue)
}

// Close drains the queue and closes the database. A sentinel marks the
// drain point; if the writer does not confirm within the context
// deadline the remaining items are flushed synchronously. Queued writes
// are never dropped.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		sentinel := writeOp{kind: opSentinel, done: make(chan struct{})}
		s.queue <- sentinel

		select {
		case <-sentinel.done:
		case <-ctx.Done():
			s.logger.Warn("Writer drain timed out, flushing synchronously",
				"remaining", len(s.queue))
			s.flushRemaining()
		}

		close(s.queue)
		s.writerWg.Wait()
		err = s.backend.close()
	})
	return err
}

func (s *Store) enqueue(op writeOp) {
	select {
	case s.queue <- op:
	default:
		// Queue full: block and count the incident.
		telemetry.GetGlobalMetrics().IncWriteQueueBlocked()
		s.logger.Warn("Write queue full, blocking producer", "depth", len(s.queue))
		s.queue <- op
	}
}

// writerLoop consumes the queue, coalescing ops into one transaction per
// batch (bounded by batchSize or a 1s window).
func (s *Store) writerLoop() {
	defer s.writerWg.Done()

	flushTimer := time.NewTicker(time.Second)
	defer flushTimer.Stop()

	batch := make([]writeOp, 0, s.batchSize)
	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.applyBatch(batch)
				return
			}
			if op.kind == opSentinel {
				s.applyBatch(batch)
				batch = batch[:0]
				close(op.done)
				continue
			}
			batch = append(batch, op)
			if len(batch) >= s.batchSize {
				s.applyBatch(batch)
				batch = batch[:0]
			}
		case <-flushTimer.C:
			if len(batch) > 0 {
				s.applyBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// applyBatch writes a batch in one transaction. Trade updates are
// coalesced: only the last update per trade id is written. Errors never
// propagate through the queue; they are logged and counted.
func (s *Store) applyBatch(batch []writeOp) {
	if len(batch) == 0 {
		return
	}

	lastTradeOp := make(map[string]int)
	for i, op := range batch {
		if op.kind == opUpdateTrade {
			lastTradeOp[op.trade.ID] = i
		}
	}

	tx, err := s.backend.db.Begin()
	if err != nil {
		s.logger.Error("Failed to begin write transaction", "error", err)
		return
	}

	for i, op := range batch {
		var opErr error
		switch op.kind {
		case opUpdateTrade:
			if lastTradeOp[op.trade.ID] != i {
				continue // superseded by a later update in this batch
			}
			opErr = s.backend.upsertTrade(tx, op.trade)
		case opAttempt:
			opErr = s.backend.insertAttempt(tx, op.attempt)
		case opFundingEvent:
			opErr = s.backend.insertFundingEvent(tx, op.event)
		case opReplaceFunding:
			opErr = s.backend.replaceFundingEvents(tx, op.replaceTradeID, op.replaceEvents)
		case opFundingCandle:
			opErr = s.backend.insertFundingCandle(tx, op.candle)
		}
		if opErr != nil {
			s.logger.Error("Write operation failed", "kind", int(op.kind), "error", opErr)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit write batch", "size", len(batch), "error", err)
		tx.Rollback()
	}
}

// flushRemaining empties the queue synchronously during a forced close.
func (s *Store) flushRemaining() {
	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				return
			}
			if op.kind == opSentinel {
				close(op.done)
				continue
			}
			s.applyBatch([]writeOp{op})
		default:
			return
		}
	}
}

func (s *Store) invalidateOpenCacheLocked() {
	s.openCache = nil
}

func cloneTrade(t *core.Trade) *core.Trade {
	c := *t
	if len(t.Events) > 0 {
		c.Events = make([]core.TradeEvent, len(t.Events))
		copy(c.Events, t.Events)
	}
	return &c
}
