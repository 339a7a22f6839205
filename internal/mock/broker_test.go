package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"
)

func placeReq(orderType core.OrderType, quantity int) *core.BrokerRequest {
	return &core.BrokerRequest{
		Instrument: "NSE:RELIANCE",
		Side:       core.SideBuy,
		Quantity:   quantity,
		OrderType:  orderType,
	}
}

func TestBrokerMarketOrderFillsImmediately(t *testing.T) {
	b := NewBroker(ScenarioSuccess, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeMarket, 100))
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusComplete, resp.Status)
	assert.Equal(t, 100, resp.FilledQuantity)
	assert.Equal(t, 0, resp.PendingQuantity)
	assert.True(t, resp.AveragePrice.Decimal.Equal(decimal.RequireFromString("1250.00")))
	assert.Regexp(t, `^ZH\d{6}[0-9a-f]{8}$`, resp.BrokerOrderID)
}

func TestBrokerLimitOrderProgression(t *testing.T) {
	b := NewBroker(ScenarioSuccess, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeLimit, 100))
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusOpen, resp.Status)
	assert.Equal(t, 0, resp.FilledQuantity)

	// Poll 1: half fill slightly below the reference price.
	poll, err := b.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusOpen, poll.Status)
	assert.Equal(t, 50, poll.FilledQuantity)
	assert.Equal(t, 50, poll.PendingQuantity)
	assert.True(t, poll.AveragePrice.Decimal.Equal(decimal.RequireFromString("1249.80")))

	// Poll 2: unchanged.
	poll, err = b.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusOpen, poll.Status)
	assert.Equal(t, 50, poll.FilledQuantity)

	// Poll 3: complete.
	poll, err = b.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusComplete, poll.Status)
	assert.Equal(t, 100, poll.FilledQuantity)
	assert.Equal(t, 0, poll.PendingQuantity)
	assert.True(t, poll.AveragePrice.Decimal.Equal(decimal.RequireFromString("1249.75")))
}

func TestBrokerPartialFillNeverProgresses(t *testing.T) {
	b := NewBroker(ScenarioPartialFill, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeLimit, 100))
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusOpen, resp.Status)
	assert.Equal(t, 50, resp.FilledQuantity)

	for i := 0; i < 5; i++ {
		poll, err := b.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
		require.NoError(t, err)
		assert.Equal(t, core.BrokerStatusOpen, poll.Status)
		assert.Equal(t, 50, poll.FilledQuantity)
	}
}

func TestBrokerTimeoutScenarioStaysOpen(t *testing.T) {
	b := NewBroker(ScenarioTimeout, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeLimit, 100))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		poll, err := b.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
		require.NoError(t, err)
		assert.Equal(t, core.BrokerStatusOpen, poll.Status)
		assert.Equal(t, 0, poll.FilledQuantity)
	}
}

func TestBrokerRejectionScenario(t *testing.T) {
	b := NewBroker(ScenarioRejection, NewLogger())

	_, err := b.PlaceOrder(context.Background(), reqctx.NewWorker("test"), placeReq(core.OrderTypeMarket, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBrokerRejected)
	assert.False(t, apperrors.IsNetwork(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
}

func TestBrokerNetworkErrorScenario(t *testing.T) {
	b := NewBroker(ScenarioNetworkError, NewLogger())

	_, err := b.PlaceOrder(context.Background(), reqctx.NewWorker("test"), placeReq(core.OrderTypeMarket, 100))
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
}

func TestBrokerCancelIsIdempotent(t *testing.T) {
	b := NewBroker(ScenarioTimeout, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeLimit, 100))
	require.NoError(t, err)

	cancelled, err := b.CancelOrder(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.PendingQuantity)

	again, err := b.CancelOrder(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusCancelled, again.Status)
}

func TestBrokerCancelAfterCompleteKeepsState(t *testing.T) {
	b := NewBroker(ScenarioSuccess, NewLogger())
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	resp, err := b.PlaceOrder(ctx, rctx, placeReq(core.OrderTypeMarket, 100))
	require.NoError(t, err)

	cancelled, err := b.CancelOrder(ctx, rctx, resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusComplete, cancelled.Status)
	assert.Equal(t, 100, cancelled.FilledQuantity)
}

func TestBrokerDefaultScenario(t *testing.T) {
	b := NewBroker("", NewLogger())
	assert.Equal(t, "zerodha-mock", b.GetName())
	assert.NoError(t, b.CheckHealth(context.Background()))

	resp, err := b.PlaceOrder(context.Background(), reqctx.NewWorker("test"), placeReq(core.OrderTypeMarket, 10))
	require.NoError(t, err)
	assert.Equal(t, core.BrokerStatusComplete, resp.Status)
}
