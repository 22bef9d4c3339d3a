package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	spot, mark, funding, volume, bid, ask float64
	nextFunding                           time.Time
	depth                                 models.BookDepth
}

func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) { return f.funding, nil }
func (f *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error)    { return f.mark, nil }
func (f *fakeAdapter) GetSpotPrice(ctx context.Context, symbol string) (float64, error)    { return f.spot, nil }
func (f *fakeAdapter) GetLastPrice(ctx context.Context, symbol string) (float64, error)    { return f.mark, nil }
func (f *fakeAdapter) GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error) {
	return f.nextFunding, nil
}
func (f *fakeAdapter) Get24hVolume(ctx context.Context, symbol string) (float64, error) { return f.volume, nil }
func (f *fakeAdapter) GetBestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	return f.bid, f.ask, nil
}
func (f *fakeAdapter) GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) (models.BookDepth, error) {
	return f.depth, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context, asset string) (float64, error) { return 0, nil }
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	return "", nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	return models.Order{}, nil
}
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
func (f *fakeAdapter) Tradable(ctx context.Context) ([]string, error) { return []string{"BTCUSDT"}, nil }
func (f *fakeAdapter) Close() error                                   { return nil }

func TestRefreshAllPopulatesCache(t *testing.T) {
	adapter := &fakeAdapter{
		spot: 50000, mark: 50050, funding: 0.001, volume: 1e7,
		bid: 49995, ask: 50000, nextFunding: time.Now().Add(30 * time.Minute),
		depth: models.BookDepth{
			Bids: models.Depth{{Price: 49995, Qty: 1}},
			Asks: models.Depth{{Price: 50000, Qty: 1}},
		},
	}
	c := New(adapter, logrus.NewEntry(logrus.New()))
	c.RefreshAll(context.Background(), []string{"BTCUSDT"})

	snap, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, snap.SpotPrice)
	assert.Equal(t, 50050.0, snap.FuturesPrice)

	depth, ok := c.Depth("BTCUSDT", true)
	require.True(t, ok)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, depth.Asks, 1)
}

func TestApplyEventUpdatesCachedSnapshot(t *testing.T) {
	adapter := &fakeAdapter{spot: 50000, mark: 50050, nextFunding: time.Now().Add(time.Hour)}
	c := New(adapter, logrus.NewEntry(logrus.New()))
	c.RefreshAll(context.Background(), []string{"BTCUSDT"})

	c.ApplyEvent(exchange.Event{Type: exchange.EventMarkPrice, Symbol: "BTCUSDT", MarkPrice: 50100, At: time.Now()})

	snap, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50100.0, snap.FuturesPrice)
}

func TestApplyEventDropsUnknownSymbol(t *testing.T) {
	adapter := &fakeAdapter{}
	c := New(adapter, logrus.NewEntry(logrus.New()))
	c.ApplyEvent(exchange.Event{Type: exchange.EventMarkPrice, Symbol: "ETHUSDT", MarkPrice: 3000})

	_, ok := c.Get("ETHUSDT")
	assert.False(t, ok)
}

func TestPriceRangeTracksBookTickerSamples(t *testing.T) {
	adapter := &fakeAdapter{spot: 50000, mark: 50050, nextFunding: time.Now().Add(time.Hour)}
	c := New(adapter, logrus.NewEntry(logrus.New()))
	c.RefreshAll(context.Background(), []string{"BTCUSDT"})

	now := time.Now()
	c.ApplyEvent(exchange.Event{Type: exchange.EventBookTicker, Symbol: "BTCUSDT", BestBid: 49900, BestAsk: 49910, At: now})
	c.ApplyEvent(exchange.Event{Type: exchange.EventBookTicker, Symbol: "BTCUSDT", BestBid: 50090, BestAsk: 50110, At: now})

	rangeVal, mean, ok := c.PriceRange("BTCUSDT", time.Hour)
	require.True(t, ok)
	assert.Greater(t, rangeVal, 0.0)
	assert.Greater(t, mean, 0.0)
}

func TestPriceRangeMissingSymbol(t *testing.T) {
	adapter := &fakeAdapter{}
	c := New(adapter, logrus.NewEntry(logrus.New()))
	_, _, ok := c.PriceRange("ETHUSDT", time.Hour)
	assert.False(t, ok)
}
