// Package marketdata aggregates prices and funding rates from both
// venues and enforces freshness before anyone trades on them.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// venueData carries two freshness clocks. restAt covers the funding
// rate and mark price, which only a REST poll can renew; l1At covers
// the top of book, which streamed updates renew as well.
type venueData struct {
	fundingRate core.FundingRate
	markPrice   decimal.Decimal
	l1          core.OrderbookSnapshot
	restAt      time.Time
	l1At        time.Time
}

func restClock(vd venueData) time.Time { return vd.restAt }
func l1Clock(vd venueData) time.Time   { return vd.l1At }

// Service caches per-(symbol, venue) market data with freshness checks.
// The Fresh* accessors refetch an entry whose clock has aged past the
// staleness bound, so callers always act on data within it.
type Service struct {
	mu        sync.RWMutex
	data      map[string]map[core.Venue]venueData // symbol -> venue
	ports     map[core.Venue]core.ExchangePort
	staleness time.Duration
	flight    singleflight.Group
	logger    core.ILogger
}

// NewService creates the market data service.
func NewService(ports []core.ExchangePort, staleness time.Duration, logger core.ILogger) *Service {
	m := make(map[core.Venue]core.ExchangePort, len(ports))
	for _, p := range ports {
		m[p.Venue()] = p
	}
	return &Service{
		data:      make(map[string]map[core.Venue]venueData),
		ports:     m,
		staleness: staleness,
		logger:    logger.WithField("component", "marketdata"),
	}
}

// Refresh fetches funding rate, mark price and L1 for every symbol on
// every venue concurrently. Individual failures are logged and leave
// the previous (possibly stale) entry in place.
func (s *Service) Refresh(ctx context.Context, symbols []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, symbol := range symbols {
		for venue, port := range s.ports {
			symbol, venue, port := symbol, venue, port
			g.Go(func() error {
				if err := s.refreshOne(gctx, symbol, venue, port); err != nil {
					s.logger.Warn("Market data refresh failed",
						"symbol", symbol, "venue", string(venue), "error", err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (s *Service) refreshOne(ctx context.Context, symbol string, venue core.Venue, port core.ExchangePort) error {
	rate, err := port.GetFundingRate(ctx, symbol)
	if err != nil {
		return fmt.Errorf("funding rate: %w", err)
	}
	mark, err := port.GetMarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	l1, err := port.GetOrderbookL1(ctx, symbol)
	if err != nil {
		return fmt.Errorf("orderbook L1: %w", err)
	}

	rate.HourlyRate = core.CheckFundingRateBounds(s.logger, symbol, venue, rate.HourlyRate)

	now := time.Now()
	s.mu.Lock()
	if s.data[symbol] == nil {
		s.data[symbol] = make(map[core.Venue]venueData)
	}
	s.data[symbol][venue] = venueData{
		fundingRate: rate,
		markPrice:   mark,
		l1:          l1,
		restAt:      now,
		l1At:        now,
	}
	s.mu.Unlock()
	return nil
}

// OnL1 ingests a streamed L1 update, keeping WS-fed books fresh between
// REST refreshes. Only the book clock advances; the funding rate and
// mark price stay on the REST clock.
func (s *Service) OnL1(snap core.OrderbookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[snap.Symbol] == nil {
		s.data[snap.Symbol] = make(map[core.Venue]venueData)
	}
	vd := s.data[snap.Symbol][snap.Venue]
	vd.l1 = snap
	vd.l1At = time.Now()
	s.data[snap.Symbol][snap.Venue] = vd
}

func (s *Service) lookup(symbol string, venue core.Venue) (venueData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vd, ok := s.data[symbol][venue]
	return vd, ok
}

// fresh serves the cached entry when the selected clock is within the
// staleness bound and refetches it otherwise.
func (s *Service) fresh(ctx context.Context, symbol string, venue core.Venue,
	clock func(venueData) time.Time) (venueData, error) {

	if vd, ok := s.lookup(symbol, venue); ok && time.Since(clock(vd)) <= s.staleness {
		return vd, nil
	}
	if err := s.fetch(ctx, symbol, venue); err != nil {
		return venueData{}, fmt.Errorf("%w: refetch %s on %s: %v",
			apperrors.ErrNotSynced, symbol, venue, err)
	}
	vd, ok := s.lookup(symbol, venue)
	if !ok || time.Since(clock(vd)) > s.staleness {
		return venueData{}, fmt.Errorf("%w: %s on %s still stale after refetch",
			apperrors.ErrNotSynced, symbol, venue)
	}
	return vd, nil
}

// fetch refetches one (symbol, venue) entry, collapsing concurrent
// stale readers into a single round trip per venue.
func (s *Service) fetch(ctx context.Context, symbol string, venue core.Venue) error {
	port, ok := s.ports[venue]
	if !ok {
		return fmt.Errorf("no port for venue %s", venue)
	}
	_, err, _ := s.flight.Do(symbol+"|"+string(venue), func() (interface{}, error) {
		return nil, s.refreshOne(ctx, symbol, venue, port)
	})
	return err
}

// FreshFundingRate returns the funding rate, refetching it first when
// the cached REST data has aged past the staleness bound.
func (s *Service) FreshFundingRate(ctx context.Context, symbol string, venue core.Venue) (core.FundingRate, error) {
	vd, err := s.fresh(ctx, symbol, venue, restClock)
	if err != nil {
		return core.FundingRate{}, err
	}
	return vd.fundingRate, nil
}

// FreshMarkPrice returns the mark price, refetching it first when the
// cached REST data has aged past the staleness bound.
func (s *Service) FreshMarkPrice(ctx context.Context, symbol string, venue core.Venue) (decimal.Decimal, error) {
	vd, err := s.fresh(ctx, symbol, venue, restClock)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return vd.markPrice, nil
}

// FreshL1 returns the top of book, refetching it first when neither a
// stream nor a REST poll has renewed it within the staleness bound.
func (s *Service) FreshL1(ctx context.Context, symbol string, venue core.Venue) (core.OrderbookSnapshot, error) {
	vd, err := s.fresh(ctx, symbol, venue, l1Clock)
	if err != nil {
		return core.OrderbookSnapshot{}, err
	}
	return vd.l1, nil
}

// IsFresh reports whether both venues hold data within the bound. It is
// a passive check and never triggers a refetch.
func (s *Service) IsFresh(symbol string) bool {
	for venue := range s.ports {
		vd, ok := s.lookup(symbol, venue)
		if !ok || time.Since(vd.restAt) > s.staleness || time.Since(vd.l1At) > s.staleness {
			return false
		}
	}
	return true
}

// NetHourly returns lighterRate - x10Rate for the symbol, fresh only.
func (s *Service) NetHourly(ctx context.Context, symbol string) (decimal.Decimal, error) {
	lr, err := s.FreshFundingRate(ctx, symbol, core.VenueLighter)
	if err != nil {
		return decimal.Decimal{}, err
	}
	xr, err := s.FreshFundingRate(ctx, symbol, core.VenueX10)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return lr.HourlyRate.Sub(xr.HourlyRate), nil
}
