// Package strategy is the Strategy Engine (spec.md §4.5-§4.6): the heart
// of the core. It runs the fixed-period control loop, selects candidate
// instruments, detects the pre-funding window, sizes and executes pair
// trades, rebalances imbalanced legs, and monitors/closes open pairs.
// Grounded on gregtusar-Basis/pkg/trader/basis_trader.go's goroutine-per-
// concern tick loop (collectMarketData/executeStrategies/monitorPositions)
// and original_source/src/strategy/engine/arbitrage_engine.cpp's
// selectInstruments/validateInstrument/calculateOptimalSize/
// executeTwapOrder/balancePositions/closePositions algorithms, which this
// package keeps under its own names rather than the source's.
package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/execution"
	"github.com/kestrel-quant/fundingarb/pkg/marketdata"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/kestrel-quant/fundingarb/pkg/risk"
	"github.com/sirupsen/logrus"
)

// Config is the strategy.funding_arbitrage.* configuration subtree
// (spec.md §6).
type Config struct {
	TickInterval            time.Duration
	TopNInstruments         int
	MinFundingRate          float64
	MinBasisRatio           float64
	MaxSpreadRatio          float64
	MinVolumeUSD            float64
	MinMarketImpactMinutes  time.Duration
	PreFundingWindow        time.Duration
	PositionSizeUSD         float64
	MaxPositionPerSymbol    float64
	UseTWAP                 bool
	TWAPIntervals           int
	TWAPSliceInterval       time.Duration
	ExecutionTimeout        time.Duration
	TradingFee              float64
	ProfitTakeRatio         float64
	StopLossRatio           float64
	ImbalanceTolerance      float64
	TickErrorBackoff        time.Duration
	MaxDrawdown             float64
	MaxTotalPosition        float64
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second, TopNInstruments: 5,
		MinFundingRate: 1e-4, MinBasisRatio: 8e-4, MaxSpreadRatio: 1e-3,
		MinVolumeUSD: 1e6, MinMarketImpactMinutes: 5 * time.Minute,
		PreFundingWindow: 60 * time.Minute, PositionSizeUSD: 1000,
		MaxPositionPerSymbol: 0.1, UseTWAP: true, TWAPIntervals: 3,
		TWAPSliceInterval: 2 * time.Second, ExecutionTimeout: 30 * time.Second,
		TradingFee: 4e-4, ProfitTakeRatio: 0.003, StopLossRatio: 0.005,
		ImbalanceTolerance: 0.01, TickErrorBackoff: 5 * time.Second,
		MaxDrawdown: 0.1, MaxTotalPosition: 0.5,
	}
}

// TradeRecorder receives closed-pair events for the cumulative metrics
// spec.md §6's trading_cumulative_metrics requires. pkg/monitor.Monitor
// implements this; it is injected via SetTradeRecorder rather than
// imported directly to avoid a circular import (monitor already imports
// strategy for *Engine).
type TradeRecorder interface {
	RecordTrade()
	RecordFundingEarned(amount float64)
}

// recentTrade is a sample for the market-impact check (spec.md §4.5);
// populated through RecordFill, which executePairTrade calls with each pair
// trade's requested size.
type recentTrade struct {
	size float64
	at   time.Time
}

// Engine owns Pair State exclusively (spec.md §3), guarded by stateMutex,
// the outermost lock in the §5 acquisition order.
type Engine struct {
	cfg Config

	adapter  exchange.Adapter
	cache    *marketdata.Cache
	orders   *execution.Manager
	positions *position.Manager
	riskCtl  *risk.Controller
	logger   *logrus.Entry
	recorder TradeRecorder

	stateMu     sync.Mutex
	pairs       map[string]*models.PairState
	totalEquity float64

	tradesMu     sync.Mutex
	recentTrades map[string][]recentTrade

	stopped chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, adapter exchange.Adapter, cache *marketdata.Cache, orders *execution.Manager,
	positions *position.Manager, riskCtl *risk.Controller, logger *logrus.Entry) *Engine {
	return &Engine{
		cfg: cfg, adapter: adapter, cache: cache, orders: orders,
		positions: positions, riskCtl: riskCtl, logger: logger,
		pairs:        make(map[string]*models.PairState),
		recentTrades: make(map[string][]recentTrade),
		stopped:      make(chan struct{}),
	}
}

// Run drives the control loop at cfg.TickInterval until ctx is cancelled or
// Stop is called, per spec.md §4.5's "Tick cadence".
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopped:
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.WithError(err).Error("tick failed, backing off")
				select {
				case <-time.After(e.cfg.TickErrorBackoff):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Stop sets the atomic cancellation flag spec.md §5 requires. In-flight
// orders are not cancelled and positions are not closed unless the caller
// separately invokes position.Manager.CloseAll.
func (e *Engine) Stop() {
	close(e.stopped)
}

// SetTradeRecorder wires a TradeRecorder (the Monitor, in production) to
// receive closed-pair events. Safe to leave unset; closePositions becomes
// a no-op on the cumulative-metrics front when it is nil.
func (e *Engine) SetTradeRecorder(r TradeRecorder) {
	e.recorder = r
}

// tick implements the three-step cadence of spec.md §4.5: refresh state,
// then either select/execute or monitor/close.
func (e *Engine) tick(ctx context.Context) error {
	if err := e.refreshState(ctx); err != nil {
		return err
	}

	instruments := e.selectInstruments()
	e.riskCtl.UpdateMetrics(e.totalEquity)

	e.checkRiskLimits(ctx)

	if e.inWindow(instruments) {
		for _, inst := range instruments {
			if !inst.InWindow(time.Now(), e.cfg.PreFundingWindow) {
				continue
			}
			if err := e.validateInstrument(inst); err != nil {
				e.logger.WithField("symbol", inst.Symbol).WithError(err).Info("instrument rejected")
				continue
			}
			size := e.calculateOptimalSize(inst)
			if size <= 0 {
				continue
			}
			priceRange, priceMean, ok := e.cache.PriceRange(inst.Symbol, e.cfg.MinMarketImpactMinutes)
			if !ok {
				priceRange, priceMean = 0, inst.SpotPrice
			}
			if !e.riskCtl.ApproveNewPosition(inst.Symbol, size, inst.FundingRate, size*inst.SpotPrice*0.05, e.totalEquity, priceRange, priceMean) {
				e.logger.WithField("symbol", inst.Symbol).Info("risk controller rejected new position")
				continue
			}
			e.executePairTrade(ctx, inst, size)
		}
	} else {
		e.monitorPositions(ctx)
	}

	return nil
}

func (e *Engine) refreshState(ctx context.Context) error {
	symbols, err := e.adapter.Tradable(ctx)
	if err != nil {
		return err
	}
	e.cache.RefreshAll(ctx, symbols)
	if err := e.positions.Refresh(ctx); err != nil {
		return err
	}

	balance, err := e.adapter.GetBalance(ctx, "USDT")
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.totalEquity = balance
	e.stateMu.Unlock()
	return nil
}

// selectInstruments implements spec.md §4.5: sort descending by
// |funding_rate|, stable tie-break lexicographic by symbol, truncate to
// top_n.
func (e *Engine) selectInstruments() []models.Instrument {
	all := e.cache.All()
	sort.SliceStable(all, func(i, j int) bool {
		fi, fj := absF(all[i].FundingRate), absF(all[j].FundingRate)
		if fi != fj {
			return fi > fj
		}
		return all[i].Symbol < all[j].Symbol
	})
	n := e.cfg.TopNInstruments
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// inWindow reports whether the engine is in window iff >=1 instrument is
// in window, per spec.md §4.5.
func (e *Engine) inWindow(instruments []models.Instrument) bool {
	now := time.Now()
	for _, inst := range instruments {
		if inst.InWindow(now, e.cfg.PreFundingWindow) {
			return true
		}
	}
	return false
}

// validateInstrument implements spec.md §4.5's conjunctive validation.
func (e *Engine) validateInstrument(inst models.Instrument) error {
	if absF(inst.FundingRate) < e.cfg.MinFundingRate {
		return newValidationError("funding_rate below min_funding_rate")
	}
	if absF(inst.Basis()) < e.cfg.MinBasisRatio {
		return newValidationError("basis below min_basis_ratio")
	}
	if inst.SpreadRatio() > e.cfg.MaxSpreadRatio {
		return newValidationError("spread ratio exceeds max_spread_ratio")
	}
	if inst.Volume24h*inst.SpotPrice < e.cfg.MinVolumeUSD {
		return newValidationError("24h volume below min_volume_usd")
	}
	if !e.checkLiquidity(inst) {
		return newValidationError("insufficient order book depth")
	}
	if !e.checkMarketImpact(inst, e.cfg.PositionSizeUSD/inst.SpotPrice) {
		return newValidationError("order size exceeds market impact threshold")
	}
	return nil
}

// legDirection derives the side each leg of a pair trade takes: spot is
// bought and futures sold when futures trades above spot (basis positive),
// and vice versa, per spec.md §4.5.
func legDirection(inst models.Instrument) (spotSide, futuresSide models.OrderSide) {
	if inst.FuturesPrice > inst.SpotPrice {
		return models.OrderSideBuy, models.OrderSideSell
	}
	return models.OrderSideSell, models.OrderSideBuy
}

// checkLiquidity implements spec.md §4.5: both books must cover >= 3x
// target notional from best-of-book inward, on the side each leg would
// actually walk.
func (e *Engine) checkLiquidity(inst models.Instrument) bool {
	target := 3 * e.cfg.PositionSizeUSD
	spotSide, futuresSide := legDirection(inst)

	spotDepth, ok := e.cache.Depth(inst.Symbol, true)
	if !ok {
		return false
	}
	futuresDepth, ok := e.cache.Depth(inst.Symbol, false)
	if !ok {
		return false
	}
	_, spotOK := spotDepth.Side(spotSide).NotionalCovered(target)
	_, futuresOK := futuresDepth.Side(futuresSide).NotionalCovered(target)
	return spotOK && futuresOK
}

// checkMarketImpact implements spec.md §4.5: proposed size <= 3x mean
// recent trade size over min_market_impact_minutes.
func (e *Engine) checkMarketImpact(inst models.Instrument, size float64) bool {
	e.tradesMu.Lock()
	defer e.tradesMu.Unlock()

	trades := e.recentTrades[inst.Symbol]
	cutoff := time.Now().Add(-e.cfg.MinMarketImpactMinutes)
	var sum float64
	var count int
	for _, t := range trades {
		if t.at.After(cutoff) {
			sum += t.size
			count++
		}
	}
	if count == 0 {
		return true
	}
	mean := sum / float64(count)
	return size <= 3*mean
}

// RecordFill adds a trade size to the market-impact sample window.
func (e *Engine) RecordFill(symbol string, size float64) {
	e.tradesMu.Lock()
	defer e.tradesMu.Unlock()
	e.recentTrades[symbol] = append(e.recentTrades[symbol], recentTrade{size: size, at: time.Now()})
}

// calculateOptimalSize implements spec.md §4.5's sizing/clamping logic.
func (e *Engine) calculateOptimalSize(inst models.Instrument) float64 {
	base := e.cfg.PositionSizeUSD / inst.SpotPrice

	spotSide, _ := legDirection(inst)
	spotDepth, _ := e.cache.Depth(inst.Symbol, true)
	liquidityMax := liquidityConstrainedSize(spotDepth.Side(spotSide), inst.SpotPrice)
	if liquidityMax > 0 && base > liquidityMax {
		base = liquidityMax
	}

	e.stateMu.Lock()
	equity := e.totalEquity
	e.stateMu.Unlock()
	maxBySymbol := e.cfg.MaxPositionPerSymbol * equity / inst.SpotPrice
	if maxBySymbol > 0 && base > maxBySymbol {
		base = maxBySymbol
	}

	size := base
	for !e.checkMarketImpact(inst, size) && size >= base*0.1 {
		size /= 2
	}
	if size < base*0.1 {
		return 0
	}

	notional := size * inst.SpotPrice
	if notional < 100 {
		return 0
	}
	return size
}

func liquidityConstrainedSize(depth models.Depth, spotPrice float64) float64 {
	if spotPrice <= 0 || len(depth) == 0 {
		return 0
	}
	var qty float64
	for _, lvl := range depth {
		qty += lvl.Qty
	}
	return qty
}

// executePairTrade implements spec.md §4.5's leg-direction, profitability
// gate, and concurrent-leg execution.
func (e *Engine) executePairTrade(ctx context.Context, inst models.Instrument, size float64) {
	estimatedProfit := absF(inst.Basis()) * size * inst.SpotPrice
	totalFees := 2 * e.cfg.TradingFee * size * inst.SpotPrice
	if estimatedProfit <= totalFees {
		e.logger.WithField("symbol", inst.Symbol).Info("pair trade aborted: profit does not exceed fees")
		return
	}

	spotSide, futuresSide := legDirection(inst)
	longSpot := spotSide == models.OrderSideBuy

	spotReq := models.OrderRequest{Symbol: inst.Symbol, IsSpot: true, Quantity: size, Type: models.OrderTypeLimit, LimitPrice: inst.SpotPrice, Side: spotSide}
	futuresReq := models.OrderRequest{Symbol: inst.Symbol, IsSpot: false, Quantity: size, Type: models.OrderTypeLimit, LimitPrice: inst.FuturesPrice, Side: futuresSide}

	var wg sync.WaitGroup
	var spotFilled, futuresFilled float64
	wg.Add(2)
	go func() {
		defer wg.Done()
		spotFilled = e.executeLeg(ctx, spotReq)
	}()
	go func() {
		defer wg.Done()
		futuresFilled = e.executeLeg(ctx, futuresReq)
	}()
	wg.Wait()

	spotSize := spotFilled
	futuresSize := futuresFilled
	if !longSpot {
		spotSize = -spotSize
	} else {
		futuresSize = -futuresSize
	}

	e.stateMu.Lock()
	e.pairs[inst.Symbol] = &models.PairState{
		Symbol: inst.Symbol, SpotSize: spotSize, FuturesSize: futuresSize,
		EntryBasis: inst.Basis(), OpenedAt: time.Now(), TargetFundingTime: inst.NextFundingTime,
		Entry: models.EntryPrice{Spot: inst.SpotPrice, Futures: inst.FuturesPrice},
	}
	e.stateMu.Unlock()

	e.RecordFill(inst.Symbol, size)
	e.balancePositions(ctx, inst.Symbol)
}

// executeLeg places one leg, sliced under TWAP if enabled, and waits for
// each slice to fill within the per-slice execution timeout. It returns
// the total quantity actually filled.
func (e *Engine) executeLeg(ctx context.Context, req models.OrderRequest) float64 {
	n := 1
	if e.cfg.UseTWAP {
		n = e.cfg.TWAPIntervals
	}

	slices := execution.Slice(req, n)
	var filled float64
	for i, slice := range slices {
		orderID, err := e.orders.Place(ctx, slice)
		if err != nil {
			e.logger.WithError(err).WithField("symbol", req.Symbol).Error("slice placement failed")
			return filled
		}

		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		order, err := e.orders.WaitForFill(waitCtx, orderID, e.cfg.ExecutionTimeout)
		cancel()
		if err != nil {
			e.logger.WithError(err).WithField("symbol", req.Symbol).Warn("slice timed out, cancelling remaining slices")
			_ = e.orders.Cancel(ctx, req.Symbol, orderID)
			return filled
		}
		filled += order.ExecutedQty

		if i < len(slices)-1 {
			select {
			case <-ctx.Done():
				return filled
			case <-time.After(e.cfg.TWAPSliceInterval):
			}
		}
	}
	return filled
}

// balancePositions implements spec.md §4.6's rebalancing: issue an
// order for imbalance/2 on the over-weighted side if the pair drifted
// beyond tolerance. Rebalancing never recurses into itself.
func (e *Engine) balancePositions(ctx context.Context, symbol string) {
	e.stateMu.Lock()
	pair, ok := e.pairs[symbol]
	e.stateMu.Unlock()
	if !ok {
		return
	}

	imbalance := pair.Imbalance()
	if imbalance <= e.cfg.ImbalanceTolerance {
		return
	}

	adjustment := imbalance / 2
	side := models.OrderSideSell
	isSpot := true
	if pair.SpotSize+pair.FuturesSize < 0 {
		side = models.OrderSideBuy
	}
	if absF(pair.SpotSize) < absF(pair.FuturesSize) {
		isSpot = false
	}

	req := models.OrderRequest{
		Symbol: symbol, IsSpot: isSpot, Side: side, Type: models.OrderTypeMarket,
		Quantity: adjustment, ReduceOnly: true,
	}
	if _, err := e.orders.Place(ctx, req); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Error("rebalance order failed")
		return
	}

	e.stateMu.Lock()
	if isSpot {
		if side == models.OrderSideSell {
			pair.SpotSize -= adjustment
		} else {
			pair.SpotSize += adjustment
		}
	} else {
		if side == models.OrderSideSell {
			pair.FuturesSize -= adjustment
		} else {
			pair.FuturesSize += adjustment
		}
	}
	e.stateMu.Unlock()
}

// monitorPositions implements spec.md §4.5's close conditions, run when
// the engine is not in window.
func (e *Engine) monitorPositions(ctx context.Context) {
	now := time.Now()
	e.stateMu.Lock()
	symbols := make([]string, 0, len(e.pairs))
	for s := range e.pairs {
		symbols = append(symbols, s)
	}
	e.stateMu.Unlock()

	for _, symbol := range symbols {
		e.stateMu.Lock()
		pair, ok := e.pairs[symbol]
		e.stateMu.Unlock()
		if !ok {
			continue
		}

		inst, ok := e.cache.Get(symbol)
		if !ok {
			continue
		}

		pnl := e.unrealizedPnL(pair, inst)
		shouldClose := now.After(pair.TargetFundingTime) ||
			pnl/e.cfg.PositionSizeUSD >= e.cfg.ProfitTakeRatio ||
			pnl/e.cfg.PositionSizeUSD <= -e.cfg.StopLossRatio

		if shouldClose {
			e.closePositions(ctx, symbol)
		}
	}
}

func (e *Engine) unrealizedPnL(pair *models.PairState, inst models.Instrument) float64 {
	spotPnL := (inst.SpotPrice - pair.Entry.Spot) * pair.SpotSize
	futuresPnL := (inst.FuturesPrice - pair.Entry.Futures) * pair.FuturesSize
	return spotPnL + futuresPnL
}

// closePositions implements spec.md §4.5's closing: reduce-only orders
// sized to current absolute leg size, TWAP'd if enabled, then the Pair
// State entry is deleted.
func (e *Engine) closePositions(ctx context.Context, symbol string) {
	e.stateMu.Lock()
	pair, ok := e.pairs[symbol]
	e.stateMu.Unlock()
	if !ok {
		return
	}

	spotSide := models.OrderSideSell
	if pair.SpotSize < 0 {
		spotSide = models.OrderSideBuy
	}
	futuresSide := models.OrderSideSell
	if pair.FuturesSize < 0 {
		futuresSide = models.OrderSideBuy
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.executeLeg(ctx, models.OrderRequest{
			Symbol: symbol, IsSpot: true, Side: spotSide, Type: models.OrderTypeMarket,
			Quantity: absF(pair.SpotSize), ReduceOnly: true,
		})
	}()
	go func() {
		defer wg.Done()
		e.executeLeg(ctx, models.OrderRequest{
			Symbol: symbol, IsSpot: false, Side: futuresSide, Type: models.OrderTypeMarket,
			Quantity: absF(pair.FuturesSize), ReduceOnly: true,
		})
	}()
	wg.Wait()

	e.stateMu.Lock()
	delete(e.pairs, symbol)
	e.stateMu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordTrade()
		if inst, ok := e.cache.Get(symbol); ok {
			e.recorder.RecordFundingEarned(absF(pair.FuturesSize) * absF(inst.FundingRate) * inst.SpotPrice)
		}
	}
}

// checkRiskLimits implements the supplemented progressive de-risking pass
// (SPEC_FULL.md §4): on drawdown or total-exposure breach, halve every
// open pair's legs. This is independent from the Risk Controller's own
// emergency actions.
func (e *Engine) checkRiskLimits(ctx context.Context) {
	metrics := e.riskCtl.Metrics()

	e.stateMu.Lock()
	equity := e.totalEquity
	e.stateMu.Unlock()

	drawdownBreached := e.cfg.MaxDrawdown > 0 && metrics.CurrentDrawdown > e.cfg.MaxDrawdown
	exposureBreached := e.cfg.MaxTotalPosition > 0 && equity > 0 && metrics.TotalExposure > e.cfg.MaxTotalPosition*equity
	if !drawdownBreached && !exposureBreached {
		return
	}

	e.stateMu.Lock()
	symbols := make([]string, 0, len(e.pairs))
	for s := range e.pairs {
		symbols = append(symbols, s)
	}
	e.stateMu.Unlock()

	for _, symbol := range symbols {
		e.closePartialPosition(ctx, symbol, 0.5)
	}
}

// closePartialPosition reduces both legs of a pair by ratio, per
// arbitrage_engine.cpp's closePartialPosition.
func (e *Engine) closePartialPosition(ctx context.Context, symbol string, ratio float64) {
	e.stateMu.Lock()
	pair, ok := e.pairs[symbol]
	e.stateMu.Unlock()
	if !ok {
		return
	}

	spotReduction := absF(pair.SpotSize) * ratio
	futuresReduction := absF(pair.FuturesSize) * ratio

	spotSide := models.OrderSideSell
	if pair.SpotSize < 0 {
		spotSide = models.OrderSideBuy
	}
	futuresSide := models.OrderSideSell
	if pair.FuturesSize < 0 {
		futuresSide = models.OrderSideBuy
	}

	if _, err := e.orders.Place(ctx, models.OrderRequest{
		Symbol: symbol, IsSpot: true, Side: spotSide, Type: models.OrderTypeMarket,
		Quantity: spotReduction, ReduceOnly: true,
	}); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Error("partial close spot leg failed")
	}
	if _, err := e.orders.Place(ctx, models.OrderRequest{
		Symbol: symbol, IsSpot: false, Side: futuresSide, Type: models.OrderTypeMarket,
		Quantity: futuresReduction, ReduceOnly: true,
	}); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Error("partial close futures leg failed")
	}
}

// Pairs returns a snapshot of every open Pair State.
func (e *Engine) Pairs() []models.PairState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make([]models.PairState, 0, len(e.pairs))
	for _, p := range e.pairs {
		out = append(out, *p)
	}
	return out
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func newValidationError(msg string) error { return &validationError{msg: msg} }
