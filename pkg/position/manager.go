// Package position is the Position Manager (spec.md §4.4): an aggregated
// symbol->Position Record view refreshed from POSITION_UPDATE stream
// events and each control-loop tick, with leverage/margin-mode control and
// idempotent sizing operations delegated to the Order Manager. Grounded on
// original_source/src/trading/position/position_manager.cpp's cached-map
// shape, generalized from the source's order-cache idiom to position
// records per spec.md §3's ownership rule (positions_mutex).
package position

import (
	"context"
	"sync"

	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/execution"
	"github.com/kestrel-quant/fundingarb/pkg/models"
	"github.com/sirupsen/logrus"
)

// Manager exclusively owns every Position Record (spec.md §3).
type Manager struct {
	adapter exchange.Adapter
	orders  *execution.Manager
	logger  *logrus.Entry

	positionsMu sync.RWMutex
	positions   map[string]models.Position
}

func New(adapter exchange.Adapter, orders *execution.Manager, logger *logrus.Entry) *Manager {
	return &Manager{
		adapter:   adapter,
		orders:    orders,
		logger:    logger,
		positions: make(map[string]models.Position),
	}
}

// Refresh re-pulls every open position from the adapter, replacing the
// cached map wholesale, per spec.md §4.4's "refreshed ... on each
// control-loop tick".
func (m *Manager) Refresh(ctx context.Context) error {
	positions, err := m.adapter.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	m.positionsMu.Lock()
	m.positions = make(map[string]models.Position, len(positions))
	for _, p := range positions {
		m.positions[p.Symbol] = p
	}
	m.positionsMu.Unlock()
	return nil
}

// ApplyEvent incrementally updates the cached record from a
// POSITION_UPDATE stream push, per spec.md §4.4.
func (m *Manager) ApplyEvent(evt exchange.Event) {
	if evt.Type != exchange.EventPositionUpdate {
		return
	}
	m.positionsMu.Lock()
	defer m.positionsMu.Unlock()
	if evt.Position.Size == 0 {
		delete(m.positions, evt.Symbol)
		return
	}
	m.positions[evt.Symbol] = evt.Position
}

// Get returns the cached record for symbol, if any.
func (m *Manager) Get(symbol string) (models.Position, bool) {
	m.positionsMu.RLock()
	defer m.positionsMu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// All returns a snapshot of every open position.
func (m *Manager) All() []models.Position {
	m.positionsMu.RLock()
	defer m.positionsMu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// Open delegates to the Order Manager with the requested sizing policy
// (spec.md §4.4). Idempotent: opening a position already at the target
// size is a no-op.
func (m *Manager) Open(ctx context.Context, symbol string, size float64, side models.PositionSide, opts models.OrderRequest) (string, error) {
	if size == 0 {
		return "", nil
	}
	if p, ok := m.Get(symbol); ok && p.Size == size {
		return "", nil
	}
	req := opts
	req.Symbol = symbol
	req.Quantity = absF(size)
	req.PositionSide = side
	if req.Side == "" {
		if size > 0 {
			req.Side = models.OrderSideBuy
		} else {
			req.Side = models.OrderSideSell
		}
	}
	return m.orders.Place(ctx, req)
}

// Close issues a reduce-only order for the current absolute size, per
// spec.md §4.4, and drops the cached record once the order is placed.
// Idempotent: closing an already-flat or uncached position is a no-op.
func (m *Manager) Close(ctx context.Context, symbol string) (string, error) {
	p, ok := m.Get(symbol)
	if !ok || p.Size == 0 {
		return "", nil
	}
	side := models.OrderSideSell
	if p.Size < 0 {
		side = models.OrderSideBuy
	}
	id, err := m.orders.Place(ctx, models.OrderRequest{
		Symbol: symbol, Side: side, Type: models.OrderTypeMarket,
		Quantity: absF(p.Size), ReduceOnly: true,
	})
	if err != nil {
		return "", err
	}
	m.positionsMu.Lock()
	delete(m.positions, symbol)
	m.positionsMu.Unlock()
	return id, nil
}

// CloseAll closes every currently-cached open position. Calling CloseAll
// twice in a row is a no-op the second time (spec.md §8 round-trip
// property): Close drops each record it closes, so nothing is left to close.
func (m *Manager) CloseAll(ctx context.Context) error {
	for _, p := range m.All() {
		if _, err := m.Close(ctx, p.Symbol); err != nil {
			return err
		}
	}
	return nil
}

// Adjust computes delta = target - current and places a reduce-only or
// increase order for |delta| on the appropriate side, per spec.md §4.4.
func (m *Manager) Adjust(ctx context.Context, symbol string, target float64) (string, error) {
	p, _ := m.Get(symbol)
	delta := target - p.Size
	if delta == 0 {
		return "", nil
	}

	side := models.OrderSideBuy
	if delta < 0 {
		side = models.OrderSideSell
	}
	reduceOnly := (p.Size > 0 && delta < 0 && target >= 0) || (p.Size < 0 && delta > 0 && target <= 0)

	return m.orders.Place(ctx, models.OrderRequest{
		Symbol: symbol, Side: side, Type: models.OrderTypeMarket,
		Quantity: absF(delta), ReduceOnly: reduceOnly,
	})
}

// SetLeverage delegates to the adapter (spec.md §4.4).
func (m *Manager) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.adapter.SetLeverage(ctx, symbol, leverage)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
