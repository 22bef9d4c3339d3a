package position

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/execution"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	positions []models.Position
	placed    []models.OrderRequest
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	f.placed = append(f.placed, req)
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

func newManager(adapter *fakeAdapter) *Manager {
	orders := execution.New(adapter, execution.DefaultConfig(), logrus.NewEntry(logrus.New()))
	return New(adapter, orders, logrus.NewEntry(logrus.New()))
}

func TestRefreshPopulatesPositions(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 1}}}
	m := newManager(adapter)

	require.NoError(t, m.Refresh(context.Background()))
	p, ok := m.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Size)
}

func TestCloseIsNoOpWhenFlat(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newManager(adapter)

	id, err := m.Close(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, adapter.placed)
}

func TestCloseIssuesReduceOnlyOrder(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 2}}}
	m := newManager(adapter)
	require.NoError(t, m.Refresh(context.Background()))

	_, err := m.Close(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, adapter.placed, 1)
	assert.True(t, adapter.placed[0].ReduceOnly)
	assert.Equal(t, models.OrderSideSell, adapter.placed[0].Side)
	assert.Equal(t, 2.0, adapter.placed[0].Quantity)
}

func TestCloseAllTwiceIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 1}}}
	m := newManager(adapter)
	require.NoError(t, m.Refresh(context.Background()))

	require.NoError(t, m.CloseAll(context.Background()))
	firstCount := len(adapter.placed)
	require.NoError(t, m.CloseAll(context.Background()))
	assert.Equal(t, firstCount, len(adapter.placed))
}

func TestAdjustComputesDelta(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 1}}}
	m := newManager(adapter)
	require.NoError(t, m.Refresh(context.Background()))

	_, err := m.Adjust(context.Background(), "BTCUSDT", 1.5)
	require.NoError(t, err)
	require.Len(t, adapter.placed, 1)
	assert.InDelta(t, 0.5, adapter.placed[0].Quantity, 1e-9)
	assert.Equal(t, models.OrderSideBuy, adapter.placed[0].Side)
}

func TestApplyEventRemovesFlatPosition(t *testing.T) {
	adapter := &fakeAdapter{positions: []models.Position{{Symbol: "BTCUSDT", Size: 1}}}
	m := newManager(adapter)
	require.NoError(t, m.Refresh(context.Background()))

	m.ApplyEvent(exchange.Event{Type: exchange.EventPositionUpdate, Symbol: "BTCUSDT", Position: models.Position{Symbol: "BTCUSDT", Size: 0}})
	_, ok := m.Get("BTCUSDT")
	assert.False(t, ok)
}
