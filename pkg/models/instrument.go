package models

import "time"

// Instrument is a snapshot of a single trading-pair symbol taken fresh on
// every Strategy Engine tick. It is never mutated after construction.
type Instrument struct {
	Symbol          string
	SpotPrice       float64
	FuturesPrice    float64
	FundingRate     float64
	NextFundingTime time.Time
	Volume24h       float64
	BestBid         float64
	BestAsk         float64
	LiquidityScore  float64
	ComputedAt      time.Time
}

// Basis is (futures - spot) / spot.
func (i Instrument) Basis() float64 {
	if i.SpotPrice == 0 {
		return 0
	}
	return (i.FuturesPrice - i.SpotPrice) / i.SpotPrice
}

// SpreadRatio is bid_ask_spread / spot_price.
func (i Instrument) SpreadRatio() float64 {
	if i.SpotPrice == 0 {
		return 0
	}
	return (i.BestAsk - i.BestBid) / i.SpotPrice
}

// TimeToFunding returns the duration until NextFundingTime as observed at
// `now`. A negative duration means funding has already settled.
func (i Instrument) TimeToFunding(now time.Time) time.Duration {
	return i.NextFundingTime.Sub(now)
}

// InWindow reports whether the instrument is inside the pre-funding window
// of the given length: 0 < time_to_funding <= window.
func (i Instrument) InWindow(now time.Time, window time.Duration) bool {
	ttf := i.TimeToFunding(now)
	return ttf > 0 && ttf <= window
}

// DepthLevel is one price/quantity rung of an order book, best-inward.
type DepthLevel struct {
	Price float64
	Qty   float64
}

// Depth is an ordered sequence of DepthLevel, best-of-book first.
type Depth []DepthLevel

// NotionalCovered sums price*qty until it reaches target, returning the
// cumulative notional actually reached (which may be less than target if
// the book is thin) and whether target was reached.
func (d Depth) NotionalCovered(target float64) (covered float64, reached bool) {
	for _, lvl := range d {
		covered += lvl.Price * lvl.Qty
		if covered >= target {
			return covered, true
		}
	}
	return covered, false
}

// BookDepth holds both sides of an order book, best-of-book first. A
// resting order consumes the side opposite its own direction: a buy walks
// the asks, a sell walks the bids.
type BookDepth struct {
	Bids Depth
	Asks Depth
}

// Side returns the Depth a resting order of the given direction would
// consume.
func (b BookDepth) Side(side OrderSide) Depth {
	if side == OrderSideBuy {
		return b.Asks
	}
	return b.Bids
}
