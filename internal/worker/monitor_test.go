package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/internal/mock"
	"pulse/pkg/reqctx"
)

func newTestMonitor(st *mock.Store) *TimeoutMonitor {
	return NewTimeoutMonitor(st, config.TimeoutMonitorConfig{CheckIntervalSeconds: 60}, mock.NewLogger())
}

func TestTimeoutMonitorRecoversCrashedExecutor(t *testing.T) {
	st := mock.NewStore()
	monitor := newTestMonitor(st)
	slices := seedSlices(t, st, core.OrderTypeLimit, 100)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	// A worker claims the slice, gets a partial fill recorded, then dies.
	claims, err := st.ClaimDueSlices(ctx, rctx, "exec-worker-deadbeef", 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	exec := claims[0].Execution

	require.NoError(t, st.MarkExecutionPlaced(ctx, rctx, exec.ID, &core.BrokerResponse{
		BrokerOrderID:   "ZH260824AAAAAAAA",
		Status:          core.BrokerStatusOpen,
		FilledQuantity:  40,
		PendingQuantity: 60,
		AveragePrice:    decimal.NewNullDecimal(decimal.RequireFromString("1249.80")),
	}))

	// Nothing to recover while the lease is live.
	n, err := monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	expired := time.Now().UTC().Add(6 * time.Minute)
	st.SetClock(func() time.Time { return expired })

	n, err = monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetExecution(ctx, rctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, got.ExecutionStatus)
	assert.Equal(t, core.ResultExecutorTimeout, got.ExecutionResult)
	assert.Equal(t, "EXECUTOR_TIMEOUT", got.ErrorCode)
	assert.Contains(t, got.ErrorMessage, "exec-worker-deadbeef")

	// The partial fill recorded before the crash is carried forward.
	assert.Equal(t, 40, got.FilledQuantity)
	assert.True(t, got.AveragePrice.Valid)

	slice, err := st.GetSlice(ctx, rctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.SliceCompleted, slice.Status)
	assert.Equal(t, 40, slice.FilledQuantity)
}

func TestTimeoutMonitorIsIdempotent(t *testing.T) {
	st := mock.NewStore()
	monitor := newTestMonitor(st)
	seedSlices(t, st, core.OrderTypeMarket, 50)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	_, err := st.ClaimDueSlices(ctx, rctx, "exec-worker-deadbeef", 10, 5*time.Minute)
	require.NoError(t, err)

	expired := time.Now().UTC().Add(10 * time.Minute)
	st.SetClock(func() time.Time { return expired })

	n, err := monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The failed-over execution is terminal; a second pass finds nothing.
	n, err = monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTimeoutMonitorIgnoresCompletedExecutions(t *testing.T) {
	st := mock.NewStore()
	monitor := newTestMonitor(st)
	seedSlices(t, st, core.OrderTypeMarket, 50)
	ctx := context.Background()
	rctx := reqctx.NewWorker("test")

	claims, err := st.ClaimDueSlices(ctx, rctx, "exec-worker-deadbeef", 10, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	exec := claims[0].Execution

	require.NoError(t, st.FinalizeExecution(ctx, rctx, exec.ID, core.ExecutionFinal{
		Result:            core.ResultSuccess,
		BrokerOrderStatus: core.BrokerStatusComplete,
		FilledQuantity:    50,
	}))

	expired := time.Now().UTC().Add(10 * time.Minute)
	st.SetClock(func() time.Time { return expired })

	n, err := monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.GetExecution(ctx, rctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ResultSuccess, got.ExecutionResult)
}
