package models

import "time"

type RiskEventType string

const (
	RiskEventMarginCall           RiskEventType = "MARGIN_CALL"
	RiskEventLiquidationWarning   RiskEventType = "LIQUIDATION_WARNING"
	RiskEventDrawdownBreach       RiskEventType = "DRAWDOWN_LIMIT_BREACH"
	RiskEventDailyLossBreach      RiskEventType = "DAILY_LOSS_LIMIT_BREACH"
	RiskEventPositionLimitBreach  RiskEventType = "POSITION_LIMIT_BREACH"
	RiskEventHighVolatility       RiskEventType = "HIGH_VOLATILITY"
	RiskEventFundingRateWarning   RiskEventType = "FUNDING_RATE_WARNING"
	RiskEventTradeFrequencyWarn   RiskEventType = "TRADE_FREQUENCY_WARNING"
)

// RiskEvent is a tagged variant recording a single limit breach.
type RiskEvent struct {
	Type      RiskEventType
	Symbol    string
	Value     float64
	Threshold float64
	Message   string
	At        time.Time
}

// Metrics is the Risk Controller's rolling aggregate state.
type Metrics struct {
	TotalExposure      float64
	LargestPosition    float64
	HourlyPnL          float64
	DailyPnL           float64
	CurrentDrawdown    float64
	MaxDrawdown        float64
	PeakEquity         float64
	TradeCountLastHour int
	LastUpdate         time.Time
}

// HourlyPnLSeries is a rolling window of at most 24 hourly PnL samples,
// oldest first. Append evicts the oldest entry once the window is full.
type HourlyPnLSeries struct {
	samples []float64
	max     int
}

func NewHourlyPnLSeries() *HourlyPnLSeries {
	return &HourlyPnLSeries{max: 24}
}

func (h *HourlyPnLSeries) Append(pnl float64) {
	h.samples = append(h.samples, pnl)
	if len(h.samples) > h.max {
		h.samples = h.samples[len(h.samples)-h.max:]
	}
}

// Peak returns the maximum sample in the series, or 0 if empty.
func (h *HourlyPnLSeries) Peak() float64 {
	peak := 0.0
	for i, v := range h.samples {
		if i == 0 || v > peak {
			peak = v
		}
	}
	return peak
}

// Current returns the most recently appended sample, or 0 if empty.
func (h *HourlyPnLSeries) Current() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	return h.samples[len(h.samples)-1]
}

// Drawdown computes (peak-current)/peak, or 0 when peak <= 0.
func (h *HourlyPnLSeries) Drawdown() float64 {
	peak := h.Peak()
	if peak <= 0 {
		return 0
	}
	return (peak - h.Current()) / peak
}

func (h *HourlyPnLSeries) Len() int { return len(h.samples) }
