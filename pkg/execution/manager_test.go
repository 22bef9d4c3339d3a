package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu        sync.Mutex
	nextID    int64
	placed    []models.OrderRequest
	placeErr  error
	cancelled []string
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	f.placed = append(f.placed, req)
	return string(rune('A' + f.nextID)), nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakeAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	return models.Order{OrderID: orderID, Status: models.OrderStatusFilled}, nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error)     { return 0, nil }
func (f *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error)        { return 0, nil }
func (f *fakeAdapter) GetSpotPrice(ctx context.Context, symbol string) (float64, error)        { return 0, nil }
func (f *fakeAdapter) GetLastPrice(ctx context.Context, symbol string) (float64, error)        { return 0, nil }
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
	return nil, nil
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

func TestPlaceRejectsInvalidRequest(t *testing.T) {
	m := New(&fakeAdapter{}, DefaultConfig(), logrus.NewEntry(logrus.New()))
	_, err := m.Place(context.Background(), models.OrderRequest{Symbol: "", Quantity: 1, Type: models.OrderTypeMarket})
	assert.Error(t, err)
}

func TestPlaceAppliesSlippageAndPostOnly(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, DefaultConfig(), logrus.NewEntry(logrus.New()))

	_, err := m.Place(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Quantity: 1, Type: models.OrderTypeLimit,
		Side: models.OrderSideBuy, LimitPrice: 100,
	})
	require.NoError(t, err)

	require.Len(t, adapter.placed, 1)
	assert.Equal(t, models.OrderTypePostOnly, adapter.placed[0].Type)
	assert.InDelta(t, 100.1, adapter.placed[0].LimitPrice, 1e-9)
}

func TestSlippagePriceDirection(t *testing.T) {
	assert.InDelta(t, 100.1, slippagePrice(models.OrderSideBuy, 100, 0.001), 1e-9)
	assert.InDelta(t, 99.9, slippagePrice(models.OrderSideSell, 100, 0.001), 1e-9)
}

func TestSliceSplitsEvenlyAndSumsToOriginal(t *testing.T) {
	req := models.OrderRequest{Quantity: 1.0}
	slices := Slice(req, 3)
	require.Len(t, slices, 3)

	sum := 0.0
	for _, s := range slices {
		sum += s.Quantity
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestSliceSingleIntervalReturnsOriginal(t *testing.T) {
	req := models.OrderRequest{Quantity: 1.0}
	slices := Slice(req, 1)
	require.Len(t, slices, 1)
	assert.Equal(t, 1.0, slices[0].Quantity)
}

func TestHandleOrderUpdateEvictsOnTerminalAndNotifiesWaiter(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, DefaultConfig(), logrus.NewEntry(logrus.New()))

	orderID, err := m.Place(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Quantity: 1, Type: models.OrderTypeMarket, Side: models.OrderSideBuy,
	})
	require.NoError(t, err)

	var filled int32
	go func() {
		o, err := m.WaitForFill(context.Background(), orderID, time.Second)
		if err == nil && o.Status == models.OrderStatusFilled {
			atomic.AddInt32(&filled, 1)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	m.HandleOrderUpdate(models.Order{OrderID: orderID, Status: models.OrderStatusFilled})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&filled))
	assert.Empty(t, m.OpenOrders(""))
}

func TestWaitForFillTimesOut(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, DefaultConfig(), logrus.NewEntry(logrus.New()))

	orderID, err := m.Place(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Quantity: 1, Type: models.OrderTypeMarket, Side: models.OrderSideBuy,
	})
	require.NoError(t, err)

	_, err = m.WaitForFill(context.Background(), orderID, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestPlaceSlicedPlacesEverySliceAndReturnsFirstID(t *testing.T) {
	adapter := &fakeAdapter{}
	m := New(adapter, DefaultConfig(), logrus.NewEntry(logrus.New()))

	req := models.OrderRequest{Symbol: "BTCUSDT", Quantity: 0.03, Type: models.OrderTypeMarket, Side: models.OrderSideBuy}
	first, ids, err := m.PlaceSliced(context.Background(), req, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, ids[0], first)
}
