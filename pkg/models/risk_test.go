package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHourlyPnLSeriesDrawdown(t *testing.T) {
	s := NewHourlyPnLSeries()
	for _, v := range []float64{100, 90, 80, 70, 60, 50} {
		s.Append(v)
	}
	assert.Equal(t, 100.0, s.Peak())
	assert.Equal(t, 50.0, s.Current())
	assert.InDelta(t, 0.5, s.Drawdown(), 1e-9)
}

func TestHourlyPnLSeriesEvictsOldest(t *testing.T) {
	s := NewHourlyPnLSeries()
	for i := 0; i < 30; i++ {
		s.Append(float64(i))
	}
	assert.Equal(t, 24, s.Len())
	assert.Equal(t, 29.0, s.Current())
}

func TestHourlyPnLSeriesEmptyDrawdown(t *testing.T) {
	s := NewHourlyPnLSeries()
	assert.Equal(t, 0.0, s.Drawdown())
	assert.Equal(t, 0.0, s.Current())
}
