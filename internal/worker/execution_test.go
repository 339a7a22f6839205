package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/internal/mock"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
)

func testExecutionConfig() config.ExecutionWorkerConfig {
	return config.ExecutionWorkerConfig{
		PollIntervalSeconds:     5,
		BatchSize:               10,
		ExecutorTimeoutMinutes:  5,
		ExecutionTimeoutMinutes: 30,
		MaxPlacementAttempts:    3,
	}
}

// newTestWorker builds an execution worker against the in-memory store and
// the scenario mock broker, with sleeps shrunk so tests run fast.
func newTestWorker(scenario string) (*ExecutionWorker, *mock.Store, *mock.Broker) {
	st := mock.NewStore()
	br := mock.NewBroker(scenario, mock.NewLogger())
	w := NewExecutionWorker(st, br, testExecutionConfig(), mock.NewLogger())
	w.pollInterval = time.Millisecond
	w.retryDelay = time.Millisecond
	return w, st, br
}

var testKeySeq int

// seedSlices creates an order with one due slice per quantity and returns
// the slices in sequence order.
func seedSlices(t *testing.T, st *mock.Store, orderType core.OrderType, quantities ...int) []*core.OrderSlice {
	t.Helper()
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	total := 0
	for _, q := range quantities {
		total += q
	}
	testKeySeq++
	order := &core.Order{
		ID:              ids.NewOrderID(),
		Instrument:      "NSE:RELIANCE",
		Side:            core.SideBuy,
		TotalQuantity:   total,
		NumSplits:       len(quantities),
		DurationMinutes: 60,
		OrderUniqueKey:  fmt.Sprintf("key-%d-%d", time.Now().UnixNano(), testKeySeq),
		OriginTraceID:   rctx.TraceID,
		RequestID:       rctx.RequestID,
	}
	require.NoError(t, st.CreateOrder(ctx, rctx, order))

	_, err := st.SplitOrder(ctx, rctx, order.ID, func(o *core.Order) ([]*core.OrderSlice, error) {
		var out []*core.OrderSlice
		for i, q := range quantities {
			slice := &core.OrderSlice{
				ID:             ids.NewSliceID(),
				OrderID:        o.ID,
				Instrument:     o.Instrument,
				Side:           o.Side,
				Quantity:       q,
				SequenceNumber: i + 1,
				ScheduledAt:    time.Now().UTC().Add(-time.Minute),
				OrderType:      orderType,
				ProductType:    "CNC",
				Validity:       "DAY",
				RequestID:      ids.NewRequestID(),
			}
			if orderType == core.OrderTypeLimit {
				slice.LimitPrice = decimal.NewNullDecimal(decimal.RequireFromString("1240.00"))
			}
			out = append(out, slice)
		}
		return out, nil
	})
	require.NoError(t, err)

	slices, err := st.ListSlicesByOrder(ctx, rctx, order.ID)
	require.NoError(t, err)
	require.Len(t, slices, len(quantities))
	return slices
}

func TestExecutionWorkerMarketOrderSuccess(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioSuccess)
	slices := seedSlices(t, st, core.OrderTypeMarket, 20)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.ExecutionStatus)
	assert.Equal(t, core.ResultSuccess, exec.ExecutionResult)
	assert.Equal(t, core.BrokerStatusComplete, exec.BrokerOrderStatus)
	assert.Equal(t, 20, exec.FilledQuantity)
	assert.Equal(t, 1, exec.PlacementAttempts)
	assert.NotEmpty(t, exec.BrokerOrderID)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SliceCompleted, slice.Status)
	assert.Equal(t, 20, slice.FilledQuantity)
	assert.True(t, slice.AveragePrice.Valid)
	assert.True(t, slice.AveragePrice.Decimal.Equal(decimal.RequireFromString("1250.00")))

	// Market orders complete at placement: one PLACE_ORDER event, no polls.
	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventPlaceOrder, events[0].EventType)
	assert.True(t, events[0].IsSuccess)
	assert.Equal(t, 1, events[0].EventSequence)
}

func TestExecutionWorkerLimitOrderPollsToComplete(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioSuccess)
	slices := seedSlices(t, st, core.OrderTypeLimit, 100)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.ExecutionStatus)
	assert.Equal(t, core.ResultSuccess, exec.ExecutionResult)
	assert.Equal(t, 100, exec.FilledQuantity)
	assert.True(t, exec.AveragePrice.Decimal.Equal(decimal.RequireFromString("1249.75")))

	// One placement plus three polls, gap-free sequence.
	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, i+1, e.EventSequence)
		assert.True(t, e.IsSuccess)
	}
	assert.Equal(t, core.EventPlaceOrder, events[0].EventType)
	assert.Equal(t, core.EventStatusPoll, events[1].EventType)

	// The first poll saw the half fill.
	assert.Equal(t, 50, events[1].FilledQuantity)
	assert.True(t, events[1].AveragePrice.Decimal.Equal(decimal.RequireFromString("1249.80")))
}

func TestExecutionWorkerBrokerRejection(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioRejection)
	slices := seedSlices(t, st, core.OrderTypeMarket, 50)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.ExecutionStatus)
	assert.Equal(t, core.ResultBrokerRejected, exec.ExecutionResult)
	assert.Equal(t, 0, exec.FilledQuantity)
	assert.Equal(t, errCodeBrokerRejected, exec.ErrorCode)
	assert.Contains(t, exec.ErrorMessage, "INSUFFICIENT_FUNDS")

	// No retry on rejection: exactly one failed placement event, no polls.
	assert.Equal(t, 1, exec.PlacementAttempts)
	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].IsSuccess)
	assert.Equal(t, errCodePlacementFailed, events[0].ErrorCode)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SliceCompleted, slice.Status)
	assert.Equal(t, 0, slice.FilledQuantity)
}

func TestExecutionWorkerNetworkErrorRetriesThenFails(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioNetworkError)
	slices := seedSlices(t, st, core.OrderTypeMarket, 50)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ResultBrokerRejected, exec.ExecutionResult)
	assert.Equal(t, errCodeNetworkFailure, exec.ErrorCode)
	assert.Equal(t, 3, exec.PlacementAttempts)

	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.False(t, e.IsSuccess)
		assert.Equal(t, errCodeNetworkFailure, e.ErrorCode)
		assert.Equal(t, i+1, e.AttemptNumber)
	}
}

func TestExecutionWorkerMonitoringTimeout(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioPartialFill)
	w.executionTimeout = 0 // expire the monitoring window immediately
	slices := seedSlices(t, st, core.OrderTypeLimit, 100)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.ExecutionStatus)
	assert.Equal(t, core.ResultPartialSuccess, exec.ExecutionResult)
	assert.Equal(t, 50, exec.FilledQuantity)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SliceCompleted, slice.Status)
	assert.Equal(t, 50, slice.FilledQuantity)

	// The expiry path cancelled at the broker.
	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	var cancels int
	for _, e := range events {
		if e.EventType == core.EventCancelRequest {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestExecutionWorkerTimeoutScenarioNeverFills(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioTimeout)
	w.executionTimeout = 10 * time.Millisecond
	slices := seedSlices(t, st, core.OrderTypeLimit, 100)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	exec, err := st.GetExecutionBySlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ResultPartialSuccess, exec.ExecutionResult)
	assert.Equal(t, 0, exec.FilledQuantity)
}

func TestExecutionWorkerAbandonsOnLeaseLoss(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioSuccess)
	slices := seedSlices(t, st, core.OrderTypeMarket, 20)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	claims, err := st.ClaimDueSlices(ctx, rctx, w.executorID, 10, w.lease)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// Expire the lease before the worker gets to act.
	expired := time.Now().UTC().Add(w.lease + time.Minute)
	st.SetClock(func() time.Time { return expired })

	w.processClaim(ctx, claims[0])

	// Silent abandonment: no terminal write, no broker interaction.
	exec, err := st.GetExecution(ctx, rctx, claims[0].Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionClaimed, exec.ExecutionStatus)
	assert.Empty(t, exec.BrokerOrderID)

	events, err := st.ListBrokerEvents(ctx, rctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SliceExecuting, slice.Status)
}

func TestExecutionWorkerClaimRace(t *testing.T) {
	_, st, _ := newTestWorker(mock.ScenarioSuccess)
	seedSlices(t, st, core.OrderTypeMarket, 20)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	claimsA, err := st.ClaimDueSlices(ctx, rctx, "exec-worker-aaaaaaaa", 10, 5*time.Minute)
	require.NoError(t, err)
	claimsB, err := st.ClaimDueSlices(ctx, rctx, "exec-worker-bbbbbbbb", 10, 5*time.Minute)
	require.NoError(t, err)

	// Exactly one worker wins the slice.
	assert.Len(t, claimsA, 1)
	assert.Empty(t, claimsB)
}

func TestExecutionWorkerNothingDue(t *testing.T) {
	w, st, _ := newTestWorker(mock.ScenarioSuccess)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	// Slice scheduled in the future is not claimable.
	slices := seedSlices(t, st, core.OrderTypeMarket, 20)
	future := time.Now().UTC().Add(-2 * time.Minute)
	st.SetClock(func() time.Time { return future })

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SlicePending, slice.Status)
}

func TestMapExecutionResult(t *testing.T) {
	cases := []struct {
		name     string
		status   core.BrokerOrderStatus
		filled   int
		want     core.ExecutionResult
		timedOut bool
	}{
		{"complete full", core.BrokerStatusComplete, 100, core.ResultSuccess, false},
		{"complete partial", core.BrokerStatusComplete, 60, core.ResultPartialSuccess, false},
		{"rejected", core.BrokerStatusRejected, 0, core.ResultBrokerRejected, false},
		{"cancelled", core.BrokerStatusCancelled, 30, core.ResultPartialSuccess, false},
		{"expired", core.BrokerStatusExpired, 50, core.ResultPartialSuccess, false},
		{"monitor timeout", core.BrokerStatusOpen, 50, core.ResultPartialSuccess, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapExecutionResult(tc.status, tc.filled, 100, tc.timedOut)
			assert.Equal(t, tc.want, got)
		})
	}
}
