package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarginRatio(t *testing.T) {
	p := Position{Size: 1, MarkPrice: 100, Margin: 10}
	assert.InDelta(t, 0.1, p.MarginRatio(), 1e-9)
}

func TestMarginRatioZeroNotional(t *testing.T) {
	p := Position{Size: 0, MarkPrice: 100, Margin: 10}
	assert.Equal(t, 0.0, p.MarginRatio())
}

func TestLiquidationDistance(t *testing.T) {
	p := Position{MarkPrice: 100, LiquidationPrice: 95}
	assert.InDelta(t, 0.05, p.LiquidationDistance(), 1e-9)
}

func TestPairStateImbalance(t *testing.T) {
	p := PairState{SpotSize: 0.01, FuturesSize: -0.007}
	assert.InDelta(t, 0.003, p.Imbalance(), 1e-9)

	balanced := PairState{SpotSize: 0.01, FuturesSize: -0.01}
	assert.InDelta(t, 0, balanced.Imbalance(), 1e-9)
}
