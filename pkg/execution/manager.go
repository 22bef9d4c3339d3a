// Package execution is the Order Manager (spec.md §4.3): validates and
// prices requests, drives the Exchange Adapter, caches active orders under
// orders_mutex, and tracks fills from stream events. Grounded on
// original_source/src/trading/execution/order_manager.h's cache/config
// shape and gregtusar-Basis/pkg/trader/basis_trader.go's no-rollback-on-
// partial-failure idiom (enterBasisTrade): PlaceSliced keeps the fills of
// slices placed before a failure and never unwinds them.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-quant/fundingarb/internal/errs"
	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

// Config is the execution-tuning subset of strategy.funding_arbitrage.*
// and risk.control.* that cmd/fundingarb wires in.
type Config struct {
	PriceDeviationThreshold float64
	UsePostOnly             bool
	OrderTimeout            time.Duration
	MaxRetryTimes           int
	RetryDelay              time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceDeviationThreshold: 0.001,
		UsePostOnly:             true,
		OrderTimeout:            5 * time.Second,
		MaxRetryTimes:           3,
		RetryDelay:              200 * time.Millisecond,
	}
}

// Manager owns every Order Record in the active-orders index (spec.md §3
// ownership rule). Terminal statuses evict the record and notify any
// registered waiter.
type Manager struct {
	adapter exchange.Adapter
	cfg     Config
	logger  *logrus.Entry

	ordersMu sync.Mutex
	active   map[string]*models.Order // orderID -> record
	waiters  map[string][]chan models.Order
}

func New(adapter exchange.Adapter, cfg Config, logger *logrus.Entry) *Manager {
	return &Manager{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger,
		active:  make(map[string]*models.Order),
		waiters: make(map[string][]chan models.Order),
	}
}

// Place validates, prices, and places req, caching the resulting record.
// Implements spec.md §4.3's contract.
func (m *Manager) Place(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	req = m.applyPricingPolicy(req)

	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	orderID, err := m.adapter.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}

	now := time.Now()
	m.ordersMu.Lock()
	m.active[orderID] = &models.Order{
		OrderRequest: req,
		OrderID:      orderID,
		Status:       models.OrderStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.ordersMu.Unlock()

	return orderID, nil
}

// applyPricingPolicy implements spec.md §4.3's slippage-adjusted pricing
// and POST_ONLY promotion. Market orders pass through unchanged.
func (m *Manager) applyPricingPolicy(req models.OrderRequest) models.OrderRequest {
	if req.Type == models.OrderTypeMarket {
		return req
	}
	if req.LimitPrice > 0 {
		req.LimitPrice = slippagePrice(req.Side, req.LimitPrice, m.cfg.PriceDeviationThreshold)
	}
	if m.cfg.UsePostOnly && req.Type == models.OrderTypeLimit {
		req.Type = models.OrderTypePostOnly
	}
	return req
}

// slippagePrice implements spec.md §4.3: p*(1+delta) for BUY, p*(1-delta)
// for SELL.
func slippagePrice(side models.OrderSide, reference, delta float64) float64 {
	if side == models.OrderSideBuy {
		return reference * (1 + delta)
	}
	return reference * (1 - delta)
}

// Cancel cancels orderID via the adapter, then marks its cached record
// CANCELED, evicts it from the active index and notifies any waiter.
func (m *Manager) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := m.adapter.CancelOrder(ctx, symbol, orderID); err != nil {
		return err
	}
	m.ordersMu.Lock()
	if o, ok := m.active[orderID]; ok {
		o.Status = models.OrderStatusCanceled
		o.UpdatedAt = time.Now()
		canceled := *o
		delete(m.active, orderID)
		for _, ch := range m.waiters[orderID] {
			select {
			case ch <- canceled:
			default:
			}
		}
		delete(m.waiters, orderID)
	}
	m.ordersMu.Unlock()
	return nil
}

// Status returns the cached record if present, else queries the adapter.
func (m *Manager) Status(ctx context.Context, symbol, orderID string) (models.Order, error) {
	m.ordersMu.Lock()
	o, ok := m.active[orderID]
	m.ordersMu.Unlock()
	if ok {
		return *o, nil
	}
	return m.adapter.GetOrderStatus(ctx, symbol, orderID)
}

// WaitForFill blocks until orderID reaches FILLED or another terminal
// status, or timeout elapses, per spec.md §4.3.
func (m *Manager) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (models.Order, error) {
	m.ordersMu.Lock()
	if o, ok := m.active[orderID]; ok && o.Status.IsTerminal() {
		result := *o
		m.ordersMu.Unlock()
		return result, nil
	}
	ch := make(chan models.Order, 1)
	m.waiters[orderID] = append(m.waiters[orderID], ch)
	m.ordersMu.Unlock()

	select {
	case o := <-ch:
		return o, nil
	case <-time.After(timeout):
		return models.Order{}, errs.New(errs.Transport, "wait_for_fill", orderID, nil, "timed out waiting for fill after %s", timeout)
	case <-ctx.Done():
		return models.Order{}, ctx.Err()
	}
}

// HandleOrderUpdate applies an ORDER_UPDATE stream event to the cached
// record in place (spec.md §4.3 "Fill tracking"). Once the update reaches
// a terminal status, the record is evicted and every registered waiter is
// notified.
func (m *Manager) HandleOrderUpdate(update models.Order) {
	m.ordersMu.Lock()
	defer m.ordersMu.Unlock()

	m.active[update.OrderID] = &update

	if !update.Status.IsTerminal() {
		return
	}

	delete(m.active, update.OrderID)
	for _, ch := range m.waiters[update.OrderID] {
		select {
		case ch <- update:
		default:
		}
	}
	delete(m.waiters, update.OrderID)
}

// OpenOrders returns a snapshot of every non-terminal cached record for
// symbol, or all symbols if empty.
func (m *Manager) OpenOrders(symbol string) []models.Order {
	m.ordersMu.Lock()
	defer m.ordersMu.Unlock()
	out := make([]models.Order, 0, len(m.active))
	for _, o := range m.active {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// Slice splits a target quantity into n equal TWAP sub-requests, per
// spec.md §4.5's "sliced into twap_intervals equal sub-orders". The last
// slice absorbs any rounding remainder so slices sum exactly to qty.
func Slice(req models.OrderRequest, n int) []models.OrderRequest {
	if n <= 1 {
		return []models.OrderRequest{req}
	}
	perSlice := req.Quantity / float64(n)
	out := make([]models.OrderRequest, n)
	sum := 0.0
	for i := 0; i < n-1; i++ {
		sliced := req
		sliced.Quantity = perSlice
		sliced.ClientOrderID = ""
		out[i] = sliced
		sum += perSlice
	}
	last := req
	last.Quantity = req.Quantity - sum
	last.ClientOrderID = ""
	out[n-1] = last
	return out
}

// PlaceSliced places each slice of a TWAP-sliced request sequentially,
// waiting sliceInterval between slices (spec.md §4.5's "2s" default). If a
// sub-request fails after placement, prior fills are preserved and the
// caller receives the id of the first sub-order; the Order Manager does
// not roll back fills (spec.md §4.3 "Splitting").
func (m *Manager) PlaceSliced(ctx context.Context, req models.OrderRequest, n int, sliceInterval time.Duration) (firstOrderID string, orderIDs []string, err error) {
	slices := Slice(req, n)
	orderIDs = make([]string, 0, len(slices))

	for i, s := range slices {
		id, placeErr := m.Place(ctx, s)
		if placeErr != nil {
			if len(orderIDs) == 0 {
				return "", orderIDs, placeErr
			}
			return orderIDs[0], orderIDs, placeErr
		}
		orderIDs = append(orderIDs, id)

		if i < len(slices)-1 {
			select {
			case <-ctx.Done():
				return orderIDs[0], orderIDs, ctx.Err()
			case <-time.After(sliceInterval):
			}
		}
	}
	return orderIDs[0], orderIDs, nil
}
