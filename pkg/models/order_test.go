package models

import (
	"testing"

	"github.com/kestrel-quant/fundingarb/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderSideRoundTrip(t *testing.T) {
	for _, v := range []OrderSide{OrderSideBuy, OrderSideSell} {
		got, err := ParseOrderSide(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseOrderSide("SIDEWAYS")
	assert.True(t, errs.OfKind(err, errs.InvalidReq))
}

func TestOrderTypeRoundTrip(t *testing.T) {
	all := []OrderType{
		OrderTypeMarket, OrderTypeLimit, OrderTypePostOnly, OrderTypeStopMarket,
		OrderTypeStopLimit, OrderTypeTakeProfit, OrderTypeLiquidation,
	}
	for _, v := range all {
		got, err := ParseOrderType(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseOrderType("BOGUS")
	assert.Error(t, err)
}

func TestTimeInForceRoundTrip(t *testing.T) {
	for _, v := range []TimeInForce{TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceGTX} {
		got, err := ParseTimeInForce(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseTimeInForce("BOGUS")
	assert.Error(t, err)
}

func TestPositionSideRoundTrip(t *testing.T) {
	for _, v := range []PositionSide{PositionSideLong, PositionSideShort, PositionSideBoth} {
		got, err := ParsePositionSide(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParsePositionSide("BOGUS")
	assert.Error(t, err)
}

func TestMarginTypeRoundTrip(t *testing.T) {
	for _, v := range []MarginType{MarginTypeIsolated, MarginTypeCross} {
		got, err := ParseMarginType(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseMarginType("BOGUS")
	assert.Error(t, err)
}

func TestOrderStatusRoundTripAndTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		OrderStatusNew:             false,
		OrderStatusPartiallyFilled: false,
		OrderStatusFilled:          true,
		OrderStatusCanceled:        true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
		OrderStatusPendingCancel:   false,
	}
	for status, terminal := range cases {
		got, err := ParseOrderStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, got)
		assert.Equal(t, terminal, got.IsTerminal())
	}
	_, err := ParseOrderStatus("BOGUS")
	assert.Error(t, err)
}

func TestOrderRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     OrderRequest
		wantErr bool
	}{
		{"valid market", OrderRequest{Symbol: "BTCUSDT", Quantity: 1, Type: OrderTypeMarket}, false},
		{"empty symbol", OrderRequest{Symbol: "", Quantity: 1, Type: OrderTypeMarket}, true},
		{"zero quantity", OrderRequest{Symbol: "BTCUSDT", Quantity: 0, Type: OrderTypeMarket}, true},
		{"negative quantity", OrderRequest{Symbol: "BTCUSDT", Quantity: -1, Type: OrderTypeMarket}, true},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Quantity: 1, Type: OrderTypeLimit, LimitPrice: 0}, true},
		{"limit with price", OrderRequest{Symbol: "BTCUSDT", Quantity: 1, Type: OrderTypeLimit, LimitPrice: 100}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderRemainingInvariant(t *testing.T) {
	o := Order{OrderRequest: OrderRequest{Quantity: 10}, ExecutedQty: 4}
	assert.Equal(t, 6.0, o.Remaining())

	full := Order{OrderRequest: OrderRequest{Quantity: 10}, ExecutedQty: 10}
	assert.Equal(t, 0.0, full.Remaining())

	over := Order{OrderRequest: OrderRequest{Quantity: 10}, ExecutedQty: 12}
	assert.Equal(t, 0.0, over.Remaining())
}
