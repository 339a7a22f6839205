package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/core"
	"pulse/internal/mock"
	"pulse/internal/worker"
	"pulse/pkg/apperrors"
	"pulse/pkg/reqctx"
)

func newTestService() (*OrderService, *mock.Store) {
	st := mock.NewStore()
	br := mock.NewBroker(mock.ScenarioSuccess, mock.NewLogger())
	cancellation := worker.NewCancellationHandler(st, br, mock.NewLogger())
	return NewOrderService(st, cancellation, mock.NewLogger()), st
}

func validRequest() *SubmitRequest {
	return &SubmitRequest{
		OrderUniqueKey:  "client-ref-001",
		Instrument:      "NSE:RELIANCE",
		Side:            core.SideBuy,
		TotalQuantity:   100,
		NumSplits:       5,
		DurationMinutes: 60,
	}
}

func TestSubmitAcceptsValidOrder(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	rctx := reqctx.New("API")

	order, err := svc.Submit(ctx, rctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, core.QueuePending, order.QueueStatus)

	got, err := st.GetOrderByUniqueKey(ctx, rctx, "client-ref-001")
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, rctx.TraceID, got.OriginTraceID)
	assert.Equal(t, rctx.RequestID, got.OriginRequestID)
}

func TestSubmitDuplicateKeyIsRejected(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	rctx := reqctx.New("API")

	first, err := svc.Submit(ctx, rctx, validRequest())
	require.NoError(t, err)

	// Same key, different parameters: still a duplicate, nothing created.
	dup := validRequest()
	dup.TotalQuantity = 500
	_, err = svc.Submit(ctx, rctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrderKey)

	pending, err := st.ListPendingOrders(ctx, rctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, 100, pending[0].TotalQuantity)
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *SubmitRequest)
	}{
		{"empty key", func(r *SubmitRequest) { r.OrderUniqueKey = "" }},
		{"bad instrument", func(r *SubmitRequest) { r.Instrument = "RELIANCE" }},
		{"lowercase instrument", func(r *SubmitRequest) { r.Instrument = "nse:reliance" }},
		{"bad side", func(r *SubmitRequest) { r.Side = "HOLD" }},
		{"one split", func(r *SubmitRequest) { r.NumSplits = 1 }},
		{"too many splits", func(r *SubmitRequest) { r.NumSplits = 101 }},
		{"quantity below splits", func(r *SubmitRequest) { r.TotalQuantity = 3 }},
		{"zero duration", func(r *SubmitRequest) { r.DurationMinutes = 0 }},
		{"duration over a day", func(r *SubmitRequest) { r.DurationMinutes = 1441 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService()
			req := validRequest()
			tc.mutate(req)
			_, err := svc.Submit(context.Background(), reqctx.New("API"), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Cancel(context.Background(), reqctx.New("API"), "ord_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestCancelSkipsPendingSlices(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	rctx := reqctx.New("API")

	order, err := svc.Submit(ctx, rctx, validRequest())
	require.NoError(t, err)

	// Materialize slices scheduled in the future so they stay PENDING.
	_, err = st.SplitOrder(ctx, rctx, order.ID, func(o *core.Order) ([]*core.OrderSlice, error) {
		var out []*core.OrderSlice
		for i := 0; i < o.NumSplits; i++ {
			out = append(out, &core.OrderSlice{
				OrderID:        o.ID,
				Instrument:     o.Instrument,
				Side:           o.Side,
				Quantity:       o.TotalQuantity / o.NumSplits,
				SequenceNumber: i + 1,
				ScheduledAt:    time.Now().UTC().Add(time.Hour),
				OrderType:      core.OrderTypeMarket,
			})
		}
		return out, nil
	})
	require.NoError(t, err)

	skipped, err := svc.Cancel(ctx, rctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, skipped)

	slices, err := st.ListSlicesByOrder(ctx, rctx, order.ID)
	require.NoError(t, err)
	for _, slice := range slices {
		assert.Equal(t, core.SliceSkipped, slice.Status)
	}
}
