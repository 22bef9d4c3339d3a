// Package exchange declares the Exchange Adapter contract the core
// consumes (spec.md §4.2): a request/reply REST surface plus a
// subscribe/push streaming surface. It is an interface only — concrete
// adapters (pkg/exchange/binance) are swapped in without the core ever
// importing them, following the capability-set shape of
// tommy-ca-opensqt_market_maker/exchange/interface.go generalized from a
// single-venue order-routing interface to the narrower read/write surface
// the arbitrage core actually calls.
package exchange

import (
	"context"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/models"
)

// Adapter is the full surface the core requires from one exchange
// connection. Every method is atomic from the caller's view: retries,
// signing, and rate limiting happen beneath it (spec.md §4.2).
type Adapter interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetSpotPrice(ctx context.Context, symbol string) (float64, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error)
	Get24hVolume(ctx context.Context, symbol string) (float64, error)
	GetBestBidAsk(ctx context.Context, symbol string) (bid, ask float64, err error)
	GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) (models.BookDepth, error)
	GetBalance(ctx context.Context, asset string) (float64, error)

	PlaceOrder(ctx context.Context, req models.OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOpenPositions(ctx context.Context) ([]models.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, mode models.MarginType) error

	// Subscribe registers handler for the given channel (e.g.
	// "btcusdt@markPrice") and returns an unsubscribe func. Delivery is
	// synchronous on the adapter's stream receiver thread (spec.md §5).
	Subscribe(ctx context.Context, channel string, handler EventHandler) (unsubscribe func() error, err error)

	// Tradable lists every symbol the Strategy Engine may consider this
	// tick (spec.md §4.5 "fetch all tradable symbols").
	Tradable(ctx context.Context) ([]string, error)

	Close() error
}

// EventType enumerates the typed stream push events spec.md §4.2 requires.
type EventType string

const (
	EventMarkPrice      EventType = "MARK_PRICE"
	EventFundingRate    EventType = "FUNDING_RATE"
	EventBookTicker     EventType = "BOOK_TICKER"
	EventOrderUpdate    EventType = "ORDER_UPDATE"
	EventAccountUpdate  EventType = "ACCOUNT_UPDATE"
	EventPositionUpdate EventType = "POSITION_UPDATE"
)

// Event is the single envelope carrying every push event type. Only the
// payload fields belonging to Type are populated (MarkPrice and
// NextFundingTime for MARK_PRICE, BestBid and BestAsk for BOOK_TICKER). This
// collapses the source's MarketDataEventHandler duality (lambda vs virtual
// override) into one observer-subscription shape, per spec.md §9.
type Event struct {
	Type      EventType
	Symbol    string
	At        time.Time
	MarkPrice float64
	FundingRate float64
	NextFundingTime time.Time
	BestBid   float64
	BestAsk   float64
	Order     models.Order
	Position  models.Position
}

// EventHandler receives Events as a direct callback: stream events are
// deserialised on the receiver goroutine and the handler is called
// synchronously there, with no intermediate channel or queue. A handler
// must never block the dispatch loop for long.
type EventHandler func(Event)
