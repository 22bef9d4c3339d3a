// Package risk is the Risk Controller (spec.md §4.7-§4.8): pre-trade
// conjunctive checks, continuous metric monitoring, drawdown tracking, and
// automated emergency de-risking, guarded by metrics_mutex per spec.md
// §5's fixed lock order. Grounded on
// original_source/src/trading/risk/risk_manager.cpp's Limits/ControlSettings
// struct pair and its checkNewPosition/updateMetrics/executeEmergencyActions
// flow.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/sirupsen/logrus"
)

// Limits is the risk.limits.* configuration subtree (spec.md §4.7).
type Limits struct {
	MaxPositionSize         float64
	MaxTotalPositions       float64
	MaxLeverage             float64
	MaxDrawdown             float64
	MaxDailyLoss            float64
	MaxHourlyLoss           float64
	MinMarginRatio          float64
	MaxFundingExposure      float64
	MaxTradesPerHour        int
	PriceDeviationThreshold float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize: 1.0, MaxTotalPositions: 3.0, MaxLeverage: 20.0,
		MaxDrawdown: 0.1, MaxDailyLoss: 0.05, MaxHourlyLoss: 0.02,
		MinMarginRatio: 0.05, MaxFundingExposure: 0.01, MaxTradesPerHour: 30,
		PriceDeviationThreshold: 0.003,
	}
}

// Control is the risk.control.* configuration subtree.
type Control struct {
	AutoReducePosition       bool
	AutoAdjustLeverage       bool
	AutoReduceThreshold      float64
	PositionReductionRatio   float64
	MaxRetries               int
	RetryDelay               time.Duration
	MaxErrorsBeforeUnhealthy int
}

func DefaultControl() Control {
	return Control{
		AutoReducePosition: true, AutoAdjustLeverage: true,
		AutoReduceThreshold: 0.8, PositionReductionRatio: 0.5,
		MaxRetries: 3, RetryDelay: time.Second, MaxErrorsBeforeUnhealthy: 3,
	}
}

// Report is the supplemented read-only diagnostic view (SPEC_FULL.md §4),
// grounded on risk_manager.cpp's generateRiskReport/generateRiskRecommendations.
type Report struct {
	Metrics         models.Metrics
	RecentEvents    []models.RiskEvent
	Warnings        []string
	Recommendations []string
}

// Controller owns Risk Metrics and Risk Events (spec.md §3). It never
// mutates Pair State, Order Records, or Position Records directly; it
// issues reduce-only orders through the Position Manager, per spec.md §5's
// locking discipline (state_mutex -> positions_mutex -> orders_mutex ->
// metrics_mutex — the Risk Controller sits last in the chain and never
// calls back up it).
type Controller struct {
	limits  Limits
	control Control

	positions *position.Manager
	logger    *logrus.Entry

	metricsMu     sync.Mutex
	metrics       models.Metrics
	events        []models.RiskEvent
	hourlyPnL     *models.HourlyPnLSeries
	tradeTimes    []time.Time
	emergencyMode bool
	errorCount    int
}

func New(limits Limits, control Control, positions *position.Manager, logger *logrus.Entry) *Controller {
	return &Controller{
		limits:    limits,
		control:   control,
		positions: positions,
		logger:    logger,
		hourlyPnL: models.NewHourlyPnLSeries(),
	}
}

// ApproveNewPosition implements spec.md §4.7's conjunctive pre-trade check.
func (c *Controller) ApproveNewPosition(symbol string, size, fundingRate, requiredMargin, availableBalance, recentPriceRange, recentPriceMean float64) bool {
	positions := c.positions.All()

	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	if c.emergencyMode {
		return false
	}

	if absF(size) > c.limits.MaxPositionSize {
		c.recordEventLocked(models.RiskEventPositionLimitBreach, symbol, absF(size), c.limits.MaxPositionSize, "position size exceeds max_position_size")
		return false
	}

	totalOther := 0.0
	for _, p := range positions {
		if p.Symbol != symbol {
			totalOther += absF(p.Size)
		}
	}
	if absF(size)+totalOther > c.limits.MaxTotalPositions {
		c.recordEventLocked(models.RiskEventPositionLimitBreach, symbol, absF(size)+totalOther, c.limits.MaxTotalPositions, "aggregate position exceeds max_total_positions")
		return false
	}

	if requiredMargin > availableBalance {
		return false
	}

	if absF(fundingRate)*absF(size) > c.limits.MaxFundingExposure {
		return false
	}

	if recentPriceMean != 0 && (recentPriceRange/recentPriceMean) > c.limits.PriceDeviationThreshold {
		c.recordEventLocked(models.RiskEventHighVolatility, symbol, recentPriceRange/recentPriceMean, c.limits.PriceDeviationThreshold, "recent price range exceeds volatility threshold")
		return false
	}

	if c.tradeCountLastHourLocked() >= c.limits.MaxTradesPerHour {
		c.recordEventLocked(models.RiskEventTradeFrequencyWarn, symbol, float64(c.tradeCountLastHourLocked()), float64(c.limits.MaxTradesPerHour), "trade frequency exceeds max_trades_per_hour")
		return false
	}

	c.tradeTimes = append(c.tradeTimes, time.Now())
	return true
}

func (c *Controller) tradeCountLastHourLocked() int {
	cutoff := time.Now().Add(-time.Hour)
	count := 0
	kept := c.tradeTimes[:0]
	for _, t := range c.tradeTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	c.tradeTimes = kept
	return count
}

// UpdateMetrics recomputes Risk Metrics from the current position set and
// records Risk Events for every breached limit, per spec.md §4.7's
// "Continuous monitoring" and §4.8's drawdown tracking. Every call appends
// equity as one sample of the 24-sample drawdown series; calls are not
// spaced to hourly intervals here, so the series covers the last 24 calls.
func (c *Controller) UpdateMetrics(equity float64) []models.RiskEvent {
	positions := c.positions.All()

	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	var totalExposure, largest, hourlyPnL float64
	for _, p := range positions {
		notional := absF(p.Size) * p.MarkPrice
		totalExposure += notional
		if notional > largest {
			largest = notional
		}
		hourlyPnL += p.UnrealizedPnL

		marginRatio := p.MarginRatio()
		if marginRatio > 0 && marginRatio < c.limits.MinMarginRatio {
			c.recordEventLocked(models.RiskEventMarginCall, p.Symbol, marginRatio, c.limits.MinMarginRatio, "margin ratio below min_margin_ratio")
		}
		if dist := p.LiquidationDistance(); dist < 0.05 {
			c.recordEventLocked(models.RiskEventLiquidationWarning, p.Symbol, dist, 0.05, "price within 5% of liquidation")
			c.executeEmergencyActionsLocked(p)
		}
	}

	c.metrics.TotalExposure = totalExposure
	c.metrics.LargestPosition = largest
	c.metrics.HourlyPnL = hourlyPnL
	c.metrics.DailyPnL += hourlyPnL
	c.metrics.TradeCountLastHour = c.tradeCountLastHourLocked()
	c.metrics.LastUpdate = time.Now()

	c.hourlyPnL.Append(equity)
	drawdown := c.hourlyPnL.Drawdown()
	c.metrics.CurrentDrawdown = drawdown
	if drawdown > c.metrics.MaxDrawdown {
		c.metrics.MaxDrawdown = drawdown
	}
	c.metrics.PeakEquity = c.hourlyPnL.Peak()

	if drawdown > c.limits.MaxDrawdown {
		c.recordEventLocked(models.RiskEventDrawdownBreach, "", drawdown, c.limits.MaxDrawdown, "current drawdown exceeds max_drawdown")
		for _, p := range positions {
			c.executeEmergencyActionsLocked(p)
		}
	}
	if c.metrics.HourlyPnL < -c.limits.MaxHourlyLoss || c.metrics.DailyPnL < -c.limits.MaxDailyLoss {
		c.recordEventLocked(models.RiskEventDailyLossBreach, "", c.metrics.DailyPnL, -c.limits.MaxDailyLoss, "loss exceeds hourly or daily limit")
	}

	return append([]models.RiskEvent(nil), c.events...)
}

// executeEmergencyActionsLocked implements spec.md §4.7's automated
// de-risking. Callers must hold metricsMu.
func (c *Controller) executeEmergencyActionsLocked(p models.Position) {
	if c.control.AutoReducePosition {
		target := p.Size * (1 - c.control.PositionReductionRatio)
		go func() {
			if _, err := c.positions.Adjust(context.Background(), p.Symbol, target); err != nil {
				c.logger.WithError(err).WithField("symbol", p.Symbol).Error("emergency position reduction failed")
			}
		}()
	}
	if c.control.AutoAdjustLeverage && p.Leverage > 1 {
		newLeverage := p.Leverage / 2
		if newLeverage < 1 {
			newLeverage = 1
		}
		go func() {
			if err := c.positions.SetLeverage(context.Background(), p.Symbol, newLeverage); err != nil {
				c.logger.WithError(err).WithField("symbol", p.Symbol).Error("emergency leverage reduction failed")
			}
		}()
	}
}

// recordEventLocked appends a Risk Event and evicts anything older than 24
// hours, per spec.md §3. Callers must hold metricsMu.
func (c *Controller) recordEventLocked(t models.RiskEventType, symbol string, value, threshold float64, message string) {
	c.events = append(c.events, models.RiskEvent{
		Type: t, Symbol: symbol, Value: value, Threshold: threshold, Message: message, At: time.Now(),
	})
	c.cleanupOldEventsLocked()

	c.errorCount++
	if c.errorCount >= c.control.MaxErrorsBeforeUnhealthy {
		c.emergencyMode = true
		c.logger.WithField("error_count", c.errorCount).Error("engaging emergency mode after repeated risk breaches")
	}
}

func (c *Controller) cleanupOldEventsLocked() {
	cutoff := time.Now().Add(-24 * time.Hour)
	kept := c.events[:0]
	for _, e := range c.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.events = kept
}

// SetEmergencyMode is the only operator-facing mutator of the persistent
// emergency flag (spec.md §4.7 "cleared only by operator intervention").
func (c *Controller) SetEmergencyMode(on bool) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	c.emergencyMode = on
	if !on {
		c.errorCount = 0
	}
}

func (c *Controller) EmergencyMode() bool {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.emergencyMode
}

func (c *Controller) Metrics() models.Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// Report builds the supplemented risk report: metrics, recent events, and
// derived recommendations. Never mutates state.
func (c *Controller) Report() Report {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	r := Report{
		Metrics:      c.metrics,
		RecentEvents: append([]models.RiskEvent(nil), c.events...),
	}

	if c.metrics.MaxDrawdown > 0 && c.metrics.CurrentDrawdown/c.limits.MaxDrawdown > c.control.AutoReduceThreshold {
		r.Warnings = append(r.Warnings, "drawdown approaching max_drawdown limit")
		r.Recommendations = append(r.Recommendations, "consider reducing exposure before the drawdown limit is breached")
	}
	if c.metrics.TotalExposure > 0 && c.limits.MaxTotalPositions > 0 {
		exposureRatio := c.metrics.LargestPosition / c.limits.MaxTotalPositions
		if exposureRatio > c.control.AutoReduceThreshold {
			r.Warnings = append(r.Warnings, "largest position size approaching max_total_positions")
			r.Recommendations = append(r.Recommendations, "diversify or trim the largest open position")
		}
	}
	if c.emergencyMode {
		r.Warnings = append(r.Warnings, "emergency mode is engaged: no new positions will be approved")
	}
	return r
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
