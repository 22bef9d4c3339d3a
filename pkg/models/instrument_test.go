package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasis(t *testing.T) {
	i := Instrument{SpotPrice: 50000, FuturesPrice: 50050}
	assert.InDelta(t, 0.001, i.Basis(), 1e-9)
}

func TestBasisZeroSpotPrice(t *testing.T) {
	i := Instrument{SpotPrice: 0, FuturesPrice: 50050}
	assert.Equal(t, 0.0, i.Basis())
}

func TestSpreadRatio(t *testing.T) {
	i := Instrument{SpotPrice: 50000, BestBid: 49995, BestAsk: 50000}
	assert.InDelta(t, 0.0001, i.SpreadRatio(), 1e-9)
}

func TestInWindowBoundaries(t *testing.T) {
	now := time.Now()
	window := 60 * time.Minute

	atBoundary := Instrument{NextFundingTime: now.Add(60 * time.Minute)}
	assert.True(t, atBoundary.InWindow(now, window))

	justOutside := Instrument{NextFundingTime: now.Add(61 * time.Minute)}
	assert.False(t, justOutside.InWindow(now, window))

	atZero := Instrument{NextFundingTime: now}
	assert.False(t, atZero.InWindow(now, window))

	inside := Instrument{NextFundingTime: now.Add(59 * time.Minute)}
	assert.True(t, inside.InWindow(now, window))
}

func TestNotionalCovered(t *testing.T) {
	depth := Depth{
		{Price: 100, Qty: 1},
		{Price: 99, Qty: 1},
		{Price: 98, Qty: 1},
	}
	covered, reached := depth.NotionalCovered(150)
	assert.True(t, reached)
	assert.Equal(t, 199.0, covered)

	covered, reached = depth.NotionalCovered(1000)
	assert.False(t, reached)
	assert.Equal(t, 297.0, covered)
}
