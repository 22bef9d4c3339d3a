// Package marketdata is the Market Data Cache (spec.md §2, ~6% share): a
// fingerprinted normalisation layer in front of the Exchange Adapter for
// rates, marks, depth, and funding schedule, refreshed by the Strategy
// Engine each tick and kept current by stream events. Grounded on
// gregtusar-Basis/pkg/trader/basis_trader.go's MarketDataManager
// (tickers/orderBooks maps behind an RWMutex), generalized from
// per-symbol ticker snapshots to full Instrument Snapshots.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

// priceHistoryWindow bounds how long a priceSample is kept before it is
// pruned from an entry's history, independent of whatever window a caller
// of PriceRange asks for.
const priceHistoryWindow = time.Hour

// priceSample is one observed price point used to derive a recent
// high-low range for the Risk Controller's volatility check.
type priceSample struct {
	price float64
	at    time.Time
}

// entry is one cached Instrument Snapshot plus the fingerprint of its
// trading fields. The fingerprint is recomputed and stored on every refresh
// and stream event; nothing in this package reads it back, and Refresh
// always rebuilds the snapshot.
type entry struct {
	snapshot    models.Instrument
	depthSpot   models.BookDepth
	depthFutures models.BookDepth
	fingerprint uint64
	history     []priceSample
}

// appendPriceSample records a price observation, pruning samples older
// than priceHistoryWindow so history never grows unbounded.
func (e *entry) appendPriceSample(price float64, at time.Time) {
	e.history = append(e.history, priceSample{price: price, at: at})
	cutoff := at.Add(-priceHistoryWindow)
	i := 0
	for ; i < len(e.history); i++ {
		if e.history[i].at.After(cutoff) {
			break
		}
	}
	e.history = e.history[i:]
}

// Cache holds one normalised Instrument Snapshot per symbol, refreshed
// wholesale from the REST surface each tick and incrementally from stream
// push events in between.
type Cache struct {
	adapter exchange.Adapter
	logger  *logrus.Entry

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(adapter exchange.Adapter, logger *logrus.Entry) *Cache {
	return &Cache{
		adapter: adapter,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// RefreshAll rebuilds the Instrument Snapshot for every symbol named,
// fetching each concurrently. A per-symbol error is logged and that symbol
// is skipped rather than failing the whole refresh.
func (c *Cache) RefreshAll(ctx context.Context, symbols []string) {
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			if err := c.refreshOne(ctx, sym); err != nil {
				c.logger.WithError(err).WithField("symbol", sym).Warn("failed to refresh instrument snapshot")
			}
		}(symbol)
	}
	wg.Wait()
}

func (c *Cache) refreshOne(ctx context.Context, symbol string) error {
	spot, err := c.adapter.GetSpotPrice(ctx, symbol)
	if err != nil {
		return err
	}
	mark, err := c.adapter.GetMarkPrice(ctx, symbol)
	if err != nil {
		return err
	}
	fundingRate, err := c.adapter.GetFundingRate(ctx, symbol)
	if err != nil {
		return err
	}
	nextFunding, err := c.adapter.GetNextFundingTime(ctx, symbol)
	if err != nil {
		return err
	}
	volume, err := c.adapter.Get24hVolume(ctx, symbol)
	if err != nil {
		return err
	}
	bid, ask, err := c.adapter.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return err
	}
	depthSpot, err := c.adapter.GetOrderBookDepth(ctx, symbol, true)
	if err != nil {
		return err
	}
	depthFutures, err := c.adapter.GetOrderBookDepth(ctx, symbol, false)
	if err != nil {
		return err
	}

	snap := models.Instrument{
		Symbol:          symbol,
		SpotPrice:       spot,
		FuturesPrice:    mark,
		FundingRate:     fundingRate,
		NextFundingTime: nextFunding,
		Volume24h:       volume,
		BestBid:         bid,
		BestAsk:         ask,
		LiquidityScore:  liquidityScore(depthSpot, depthFutures, spot),
		ComputedAt:      time.Now(),
	}

	c.mu.Lock()
	e, ok := c.entries[symbol]
	if !ok {
		e = &entry{}
		c.entries[symbol] = e
	}
	e.snapshot = snap
	e.depthSpot = depthSpot
	e.depthFutures = depthFutures
	e.fingerprint = fingerprint(snap)
	e.appendPriceSample(spot, snap.ComputedAt)
	c.mu.Unlock()
	return nil
}

// liquidityScore derives the [0,1] score spec.md §3 requires from how deep
// each book is relative to a reference notional, clamped to 1.
func liquidityScore(spotDepth, futuresDepth models.BookDepth, spotPrice float64) float64 {
	if spotPrice <= 0 {
		return 0
	}
	reference := 10000.0
	spotCovered, _ := spotDepth.Bids.NotionalCovered(reference)
	futuresCovered, _ := futuresDepth.Bids.NotionalCovered(reference)
	score := (spotCovered + futuresCovered) / (2 * reference)
	if score > 1 {
		score = 1
	}
	return score
}

// fingerprint is a cheap hash over the fields that matter for trading
// decisions; it is stored on each entry but not compared anywhere.
func fingerprint(i models.Instrument) uint64 {
	h := uint64(14695981039346656037)
	mix := func(f float64) {
		bits := uint64(f * 1e8)
		h ^= bits
		h *= 1099511628211
	}
	mix(i.SpotPrice)
	mix(i.FuturesPrice)
	mix(i.FundingRate)
	mix(float64(i.NextFundingTime.Unix()))
	mix(i.Volume24h)
	mix(i.BestBid)
	mix(i.BestAsk)
	return h
}

// Get returns the cached snapshot for symbol, if any.
func (c *Cache) Get(symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return models.Instrument{}, false
	}
	return e.snapshot, true
}

// All returns a snapshot copy of every cached instrument.
func (c *Cache) All() []models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Instrument, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot)
	}
	return out
}

// Depth returns the cached order book depth for symbol (spot or futures
// side), if any.
func (c *Cache) Depth(symbol string, isSpot bool) (models.BookDepth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return models.BookDepth{}, false
	}
	if isSpot {
		return e.depthSpot, true
	}
	return e.depthFutures, true
}

// PriceRange returns the high-low range and mean of spot price samples
// observed for symbol within window before the snapshot's ComputedAt time
// (its last refresh or stream update), for the Risk Controller's
// volatility check (spec.md §4.7). ok is false when no samples fall in the
// window, e.g. right after the symbol is first seeded.
func (c *Cache) PriceRange(symbol string, window time.Duration) (rangeVal, mean float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, present := c.entries[symbol]
	if !present || len(e.history) == 0 {
		return 0, 0, false
	}

	cutoff := e.snapshot.ComputedAt.Add(-window)
	var lo, hi, sum float64
	var n int
	for _, s := range e.history {
		if s.at.Before(cutoff) {
			continue
		}
		if n == 0 || s.price < lo {
			lo = s.price
		}
		if n == 0 || s.price > hi {
			hi = s.price
		}
		sum += s.price
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	return hi - lo, sum / float64(n), true
}

// ApplyEvent incrementally updates a cached snapshot from a stream push
// event (MARK_PRICE, FUNDING_RATE, BOOK_TICKER), per spec.md §2's "stream
// events fan back out" and §4.2's subscribe/push surface. Events for a
// symbol not yet cached are dropped; the next RefreshAll will seed it.
func (c *Cache) ApplyEvent(evt exchange.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[evt.Symbol]
	if !ok {
		return
	}

	switch evt.Type {
	case exchange.EventMarkPrice:
		e.snapshot.FuturesPrice = evt.MarkPrice
		e.snapshot.NextFundingTime = evt.NextFundingTime
	case exchange.EventFundingRate:
		e.snapshot.FundingRate = evt.FundingRate
	case exchange.EventBookTicker:
		e.snapshot.BestBid = evt.BestBid
		e.snapshot.BestAsk = evt.BestAsk
		if evt.BestBid > 0 && evt.BestAsk > 0 {
			e.appendPriceSample((evt.BestBid+evt.BestAsk)/2, evt.At)
		}
	}
	e.snapshot.ComputedAt = evt.At
	e.fingerprint = fingerprint(e.snapshot)
}
