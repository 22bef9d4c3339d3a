package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/alerts"
	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/execution"
	"github.com/kestrel-quant/fundingarb/pkg/marketdata"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/kestrel-quant/fundingarb/pkg/risk"
	"github.com/kestrel-quant/fundingarb/pkg/strategy"
	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	positions []models.Position
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	return "order-1", nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) { return 0, nil }
func (f *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error)    { return 0, nil }
func (f *fakeAdapter) GetSpotPrice(ctx context.Context, symbol string) (float64, error)    { return 0, nil }
func (f *fakeAdapter) GetLastPrice(ctx context.Context, symbol string) (float64, error)    { return 0, nil }
func (f *fakeAdapter) GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeAdapter) Get24hVolume(ctx context.Context, symbol string) (float64, error) { return 0, nil }
func (f *fakeAdapter) GetBestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	return 0, 0, nil
}
func (f *fakeAdapter) GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) (models.BookDepth, error) {
	return models.BookDepth{}, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context, asset string) (float64, error) { return 0, nil }
func (f *fakeAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeAdapter) SetMarginType(ctx context.Context, symbol string, mode models.MarginType) error {
	return nil
}
func (f *fakeAdapter) Subscribe(ctx context.Context, channel string, handler exchange.EventHandler) (func() error, error) {
	return func() error { return nil }, nil
}
func (f *fakeAdapter) Tradable(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) Close() error                                   { return nil }

type fakeDispatcher struct {
	alerts []alerts.Alert
}

func (d *fakeDispatcher) Notify(a alerts.Alert) { d.alerts = append(d.alerts, a) }

func newTestMonitor(adapter *fakeAdapter, dispatcher alerts.Dispatcher) *Monitor {
	logger := logrus.NewEntry(logrus.New())
	orders := execution.New(adapter, execution.DefaultConfig(), logger)
	pm := position.New(adapter, orders, logger)
	rc := risk.New(risk.DefaultLimits(), risk.DefaultControl(), pm, logger)
	cache := marketdata.New(adapter, logger)
	engine := strategy.New(strategy.DefaultConfig(), adapter, cache, orders, pm, rc, logger)

	cfg := DefaultConfig()
	cfg.PrometheusEnabled = false
	cfg.SnapshotInterval = time.Millisecond
	return New(cfg, pm, engine, rc, dispatcher, logger)
}

func TestCollectPositionMetricsSetsGaugesPerSymbol(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 0.5, UnrealizedPnL: 12.5}}}
	m := newTestMonitor(adapter, &fakeDispatcher{})
	require.NoError(t, m.positions.Refresh(context.Background()))

	m.collectPositionMetrics()

	value := gaugeValue(t, m.positionGauges, "position_size", "BTCUSDT")
	assert.InDelta(t, 0.5, value, 1e-9)
	value = gaugeValue(t, m.positionGauges, "unrealized_pnl", "BTCUSDT")
	assert.InDelta(t, 12.5, value, 1e-9)
}

func TestCheckThresholdsFiresAlertOnBreach(t *testing.T) {
	adapter := &fakeAdapter{}
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(adapter, dispatcher)

	SetResourceUsage("memory", 0.95)
	defer SetResourceUsage("memory", 0)

	m.checkThresholds()

	assert.False(t, m.Healthy())
	require.Len(t, dispatcher.alerts, 1)
	assert.Equal(t, alerts.SeverityWarning, dispatcher.alerts[0].Severity)
}

func TestCheckThresholdsHealthyWhenWithinLimits(t *testing.T) {
	adapter := &fakeAdapter{}
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(adapter, dispatcher)

	SetResourceUsage("memory", 0.1)
	SetResourceUsage("cpu", 0.1)

	m.checkThresholds()

	assert.True(t, m.Healthy())
	assert.Empty(t, dispatcher.alerts)
}

func TestRecordTradeAndFundingEarnedIncrementCounters(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestMonitor(adapter, &fakeDispatcher{})

	m.RecordTrade()
	m.RecordFundingEarned(42.0)

	assert.Equal(t, float64(1), m.totalTrades)
	assert.Equal(t, 42.0, m.fundingEarned)
}

func gaugeValue(t *testing.T, gv *prom.GaugeVec, labels ...string) float64 {
	t.Helper()
	metric, err := gv.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	pb := &dto.Metric{}
	require.NoError(t, metric.Write(pb))
	return pb.GetGauge().GetValue()
}
