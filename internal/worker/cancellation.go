package worker

import (
	"context"
	"encoding/json"
	"time"

	"pulse/internal/core"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
	"pulse/pkg/telemetry"
)

// CancellationHandler skips an order's remaining work: PENDING slices are
// skipped outright, EXECUTING slices get a best-effort broker cancel before
// their execution and slice are skipped. It is invoked externally (not a
// polling loop) and is safe to call repeatedly: the PENDING/EXECUTING filter
// means a second pass finds nothing.
type CancellationHandler struct {
	store  core.IStore
	broker core.IBroker
	logger core.ILogger
}

// NewCancellationHandler creates a cancellation handler.
func NewCancellationHandler(store core.IStore, broker core.IBroker, logger core.ILogger) *CancellationHandler {
	return &CancellationHandler{
		store:  store,
		broker: broker,
		logger: logger.WithField("component", "cancellation_handler"),
	}
}

// CancelOrder cancels all remaining slices of an order. Returns the number
// of slices skipped.
func (h *CancellationHandler) CancelOrder(ctx context.Context, rctx reqctx.Context, orderID string) (int, error) {
	slices, err := h.store.ListCancellableSlices(ctx, rctx, orderID)
	if err != nil {
		return 0, err
	}
	if len(slices) == 0 {
		h.logger.Info("No cancellable slices", append(rctx.Fields(), "order_id", orderID)...)
		return 0, nil
	}

	h.logger.Info("Cancelling order slices",
		append(rctx.Fields(), "order_id", orderID, "count", len(slices))...)

	skipped := 0
	for _, slice := range slices {
		switch slice.Status {
		case core.SlicePending:
			if err := h.store.SkipSlice(ctx, rctx, slice.ID); err != nil {
				h.logger.Error("Failed to skip pending slice",
					append(rctx.Fields(), "slice_id", slice.ID, "error", err)...)
				continue
			}
			skipped++

		case core.SliceExecuting:
			if err := h.cancelExecuting(ctx, rctx, slice); err != nil {
				h.logger.Error("Failed to cancel executing slice",
					append(rctx.Fields(), "slice_id", slice.ID, "error", err)...)
				continue
			}
			skipped++
		}
	}

	telemetry.GetGlobalMetrics().SlicesSkippedTotal.Add(ctx, int64(skipped))
	return skipped, nil
}

// cancelExecuting cancels one in-flight slice. The broker cancel is
// best-effort and its outcome is recorded either way; the execution and
// slice are skipped regardless.
func (h *CancellationHandler) cancelExecuting(ctx context.Context, rctx reqctx.Context, slice *core.OrderSlice) error {
	exec, err := h.store.GetExecutionBySlice(ctx, rctx, slice.ID)
	if err != nil {
		return err
	}

	if exec.BrokerOrderID != "" {
		start := time.Now()
		resp, cancelErr := h.broker.CancelOrder(ctx, rctx, exec.BrokerOrderID)
		elapsed := time.Since(start)

		event := &core.BrokerEvent{
			ID:             ids.NewEventID(),
			ExecutionID:    exec.ID,
			SliceID:        slice.ID,
			EventType:      core.EventCancelRequest,
			AttemptNumber:  maxInt(exec.PlacementAttempts, 1),
			AttemptID:      exec.AttemptID,
			ExecutorID:     exec.ExecutorID,
			BrokerName:     h.broker.GetName(),
			BrokerOrderID:  exec.BrokerOrderID,
			ResponseTimeMs: int(elapsed.Milliseconds()),
			IsSuccess:      cancelErr == nil,
			RequestID:      rctx.RequestID,
		}
		if cancelErr != nil {
			event.ErrorCode = errCodeCancelFailed
			event.ErrorMessage = cancelErr.Error()
			h.logger.Warn("Broker cancel failed, skipping anyway",
				append(rctx.Fields(), "slice_id", slice.ID, "error", cancelErr)...)
		} else {
			event.BrokerStatus = resp.Status
			event.BrokerMessage = resp.Message
			event.FilledQuantity = resp.FilledQuantity
			event.PendingQuantity = resp.PendingQuantity
			event.AveragePrice = resp.AveragePrice
			event.ResponseBody, _ = json.Marshal(resp)
		}
		if err := h.store.AppendBrokerEvent(ctx, rctx, event); err != nil {
			h.logger.Error("Failed to append cancel event",
				append(rctx.Fields(), "execution_id", exec.ID, "error", err)...)
		}
	}

	if err := h.store.SkipExecution(ctx, rctx, exec.ID); err != nil {
		return err
	}
	return h.store.SkipSlice(ctx, rctx, slice.ID)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
