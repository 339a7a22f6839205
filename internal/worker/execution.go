package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/pkg/apperrors"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
	"pulse/pkg/telemetry"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Error codes written to executions and broker events.
const (
	errCodeNetworkFailure   = "NETWORK_FAILURE"
	errCodePlacementFailed  = "PLACEMENT_FAILED"
	errCodeBrokerRejected   = "BROKER_REJECTED"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeCancelFailed     = "CANCEL_FAILED"
)

// ExecutionWorker drives due slices from PENDING to COMPLETED: claim a
// lease, place at the broker, poll until terminal, finalize. Safety across a
// fleet of workers rests on the store: SKIP LOCKED claims, UNIQUE(slice_id),
// and conditional lease extension before every side-effect.
type ExecutionWorker struct {
	store  core.IStore
	broker core.IBroker
	logger core.ILogger

	executorID string
	batchSize  int

	pollInterval     time.Duration
	lease            time.Duration
	executionTimeout time.Duration
	retryDelay       time.Duration
	maxAttempts      int

	pool *pond.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutionWorker creates an execution worker with a fresh executor
// identity.
func NewExecutionWorker(store core.IStore, broker core.IBroker, cfg config.ExecutionWorkerConfig, logger core.ILogger) *ExecutionWorker {
	executorID := ids.NewExecutorID()
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionWorker{
		store:            store,
		broker:           broker,
		logger:           logger.WithFields(map[string]interface{}{"component": "execution_worker", "executor_id": executorID}),
		executorID:       executorID,
		batchSize:        cfg.BatchSize,
		pollInterval:     time.Duration(cfg.PollIntervalSeconds) * time.Second,
		lease:            time.Duration(cfg.ExecutorTimeoutMinutes) * time.Minute,
		executionTimeout: time.Duration(cfg.ExecutionTimeoutMinutes) * time.Minute,
		retryDelay:       5 * time.Second,
		maxAttempts:      cfg.MaxPlacementAttempts,
		pool:             pond.New(cfg.BatchSize, cfg.BatchSize*2),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// ExecutorID returns the worker's identity.
func (w *ExecutionWorker) ExecutorID() string {
	return w.executorID
}

// Start begins the execution loop.
func (w *ExecutionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting execution worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"lease", w.lease)
	w.wg.Add(1)
	go w.runLoop()
	return nil
}

// Stop stops the worker and drains in-flight slices.
func (w *ExecutionWorker) Stop() error {
	w.logger.Info("Stopping execution worker")
	w.cancel()
	w.wg.Wait()
	w.pool.StopAndWait()
	return nil
}

func (w *ExecutionWorker) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(w.ctx); err != nil {
				w.logger.Error("Execution pass failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due slices and processes them concurrently.
// Returns the number of slices claimed.
func (w *ExecutionWorker) RunOnce(ctx context.Context) (int, error) {
	rctx := reqctx.NewWorker("execution_worker")

	claims, err := w.store.ClaimDueSlices(ctx, rctx, w.executorID, w.batchSize, w.lease)
	if err != nil {
		return 0, err
	}
	if len(claims) == 0 {
		return 0, nil
	}

	w.logger.Info("Claimed due slices", append(rctx.Fields(), "count", len(claims))...)
	metrics := telemetry.GetGlobalMetrics()
	metrics.SlicesClaimedTotal.Add(ctx, int64(len(claims)))
	metrics.SetActiveExecutions(w.executorID, int64(len(claims)))

	group := w.pool.Group()
	for _, claim := range claims {
		c := claim
		group.Submit(func() {
			w.processClaim(ctx, c)
		})
	}
	group.Wait()

	metrics.SetActiveExecutions(w.executorID, 0)
	return len(claims), nil
}

// processClaim takes one claimed slice through validation, placement,
// monitoring, and finalization.
func (w *ExecutionWorker) processClaim(ctx context.Context, claim *core.Claim) {
	slice := claim.Slice
	exec := claim.Execution

	// The execution trace uses the slice's request_id so the async hop is
	// joinable to the parent order's audit trail.
	rctx := reqctx.NewWorker("execution_worker").WithRequestID(slice.RequestID)
	logger := w.logger.WithFields(map[string]interface{}{
		"execution_id": exec.ID,
		"slice_id":     slice.ID,
		"attempt_id":   exec.AttemptID,
	})

	logger.Info("Execution claimed", rctx.Fields()...)

	if err := validateSlice(slice); err != nil {
		logger.Warn("Slice validation failed", append(rctx.Fields(), "error", err)...)
		w.finalize(ctx, rctx, logger, exec, core.ExecutionFinal{
			Result:       core.ResultValidationFailed,
			ErrorCode:    errCodeValidationFailed,
			ErrorMessage: err.Error(),
		})
		return
	}

	resp, attempts, err := w.placeWithRetry(ctx, rctx, slice, exec)
	if err != nil {
		if errors.Is(err, apperrors.ErrOwnershipLost) {
			w.abandon(ctx, logger, rctx, "placement")
			return
		}
		errCode := errCodeBrokerRejected
		if apperrors.IsNetwork(err) {
			errCode = errCodeNetworkFailure
		}
		logger.Error("Order placement failed", append(rctx.Fields(), "error", err, "attempts", attempts)...)
		w.finalize(ctx, rctx, logger, exec, core.ExecutionFinal{
			Result:       core.ResultBrokerRejected,
			ErrorCode:    errCode,
			ErrorMessage: err.Error(),
		})
		return
	}

	if err := w.store.MarkExecutionPlaced(ctx, rctx, exec.ID, resp); err != nil {
		logger.Error("Failed to record placement", append(rctx.Fields(), "error", err)...)
		return
	}
	logger.Info("Order placed with broker",
		append(rctx.Fields(), "broker_order_id", resp.BrokerOrderID, "status", resp.Status)...)

	final, timedOut, err := w.monitor(ctx, rctx, logger, slice, exec, resp, attempts)
	if err != nil {
		if errors.Is(err, apperrors.ErrOwnershipLost) {
			w.abandon(ctx, logger, rctx, "monitoring")
		}
		return
	}

	result := mapExecutionResult(final.Status, final.FilledQuantity, slice.Quantity, timedOut)
	fin := core.ExecutionFinal{
		Result:            result,
		BrokerOrderStatus: final.Status,
		FilledQuantity:    final.FilledQuantity,
		AveragePrice:      final.AveragePrice,
	}
	if result == core.ResultBrokerRejected {
		fin.ErrorCode = errCodeBrokerRejected
		fin.ErrorMessage = final.Message
	}
	w.finalize(ctx, rctx, logger, exec, fin)
}

// placeWithRetry places the order, retrying network-shaped failures with a
// fixed delay. Ownership is re-verified before every attempt; a lost lease
// aborts immediately and is never retried.
func (w *ExecutionWorker) placeWithRetry(ctx context.Context, rctx reqctx.Context,
	slice *core.OrderSlice, exec *core.Execution) (*core.BrokerResponse, int, error) {

	req := &core.BrokerRequest{
		Instrument:  slice.Instrument,
		Side:        slice.Side,
		Quantity:    slice.Quantity,
		OrderType:   slice.OrderType,
		LimitPrice:  slice.LimitPrice,
		ProductType: slice.ProductType,
		Validity:    slice.Validity,
	}

	policy := retrypolicy.NewBuilder[*core.BrokerResponse]().
		HandleIf(func(_ *core.BrokerResponse, err error) bool {
			return apperrors.IsNetwork(err)
		}).
		WithDelay(w.retryDelay).
		WithMaxAttempts(w.maxAttempts).
		ReturnLastFailure().
		Build()

	attempts := 0
	resp, err := failsafe.With[*core.BrokerResponse](policy).
		WithContext(ctx).
		Get(func() (*core.BrokerResponse, error) {
			if err := w.store.VerifyAndExtendLease(ctx, rctx, exec.ID, w.executorID, w.lease); err != nil {
				return nil, err
			}
			attempts++

			start := time.Now()
			resp, err := w.broker.PlaceOrder(ctx, rctx, req)
			elapsed := time.Since(start)
			w.observeBrokerCall(ctx, "place", elapsed, err == nil)

			if err != nil {
				errCode := errCodePlacementFailed
				if apperrors.IsNetwork(err) {
					errCode = errCodeNetworkFailure
				}
				w.recordEvent(ctx, rctx, exec, slice, core.EventPlaceOrder, attempts, nil, req, elapsed, errCode, err)
				_ = w.store.RecordPlacementAttempt(ctx, rctx, exec.ID, attempts, err.Error())
				return nil, err
			}

			w.recordEvent(ctx, rctx, exec, slice, core.EventPlaceOrder, attempts, resp, req, elapsed, "", nil)
			_ = w.store.RecordPlacementAttempt(ctx, rctx, exec.ID, attempts, "")
			return resp, nil
		})
	return resp, attempts, err
}

// monitor polls the broker until the order reaches a terminal status or the
// monitoring wall-clock expires. Returns the last known response and whether
// the timeout path fired. An ownership error means silent abandonment.
func (w *ExecutionWorker) monitor(ctx context.Context, rctx reqctx.Context, logger core.ILogger,
	slice *core.OrderSlice, exec *core.Execution, placed *core.BrokerResponse, attempts int) (*core.BrokerResponse, bool, error) {

	resp := placed
	deadline := time.Now().Add(w.executionTimeout)

	for !resp.Status.IsTerminal() {
		if !time.Now().Before(deadline) {
			logger.Warn("Monitoring timeout reached, cancelling at broker",
				append(rctx.Fields(), "broker_order_id", resp.BrokerOrderID)...)
			w.cancelBestEffort(ctx, rctx, exec, slice, resp.BrokerOrderID, attempts)
			return resp, true, nil
		}

		select {
		case <-ctx.Done():
			return resp, false, ctx.Err()
		case <-time.After(w.pollInterval):
		}

		if err := w.store.VerifyAndExtendLease(ctx, rctx, exec.ID, w.executorID, w.lease); err != nil {
			return resp, false, err
		}

		start := time.Now()
		polled, err := w.broker.GetOrderStatus(ctx, rctx, resp.BrokerOrderID)
		elapsed := time.Since(start)
		w.observeBrokerCall(ctx, "poll", elapsed, err == nil)

		if err != nil {
			// A single poll failure is not terminal; try again next interval.
			w.recordEvent(ctx, rctx, exec, slice, core.EventStatusPoll, attempts, nil, nil, elapsed, errCodeNetworkFailure, err)
			logger.Warn("Status poll failed", append(rctx.Fields(), "error", err)...)
			continue
		}

		w.recordEvent(ctx, rctx, exec, slice, core.EventStatusPoll, attempts, polled, nil, elapsed, "", nil)
		if err := w.store.UpdateExecutionBrokerState(ctx, rctx, exec.ID, polled); err != nil {
			logger.Error("Failed to update broker state", append(rctx.Fields(), "error", err)...)
		}
		resp = polled
	}
	return resp, false, nil
}

// cancelBestEffort cancels an order whose monitoring window expired. The
// cancel outcome is recorded either way and never blocks finalization.
func (w *ExecutionWorker) cancelBestEffort(ctx context.Context, rctx reqctx.Context,
	exec *core.Execution, slice *core.OrderSlice, brokerOrderID string, attempts int) {

	start := time.Now()
	resp, err := w.broker.CancelOrder(ctx, rctx, brokerOrderID)
	elapsed := time.Since(start)
	w.observeBrokerCall(ctx, "cancel", elapsed, err == nil)

	if err != nil {
		w.recordEvent(ctx, rctx, exec, slice, core.EventCancelRequest, attempts, nil, nil, elapsed, errCodeCancelFailed, err)
		return
	}
	w.recordEvent(ctx, rctx, exec, slice, core.EventCancelRequest, attempts, resp, nil, elapsed, "", nil)
}

// abandon is the lost-ownership path: no store or broker writes after loss.
func (w *ExecutionWorker) abandon(ctx context.Context, logger core.ILogger, rctx reqctx.Context, phase string) {
	logger.Warn("Ownership lost, abandoning slice", append(rctx.Fields(), "phase", phase)...)
	telemetry.GetGlobalMetrics().SlicesAbandonedTotal.Add(ctx, 1)
}

func (w *ExecutionWorker) finalize(ctx context.Context, rctx reqctx.Context, logger core.ILogger,
	exec *core.Execution, fin core.ExecutionFinal) {

	if err := w.store.FinalizeExecution(ctx, rctx, exec.ID, fin); err != nil {
		logger.Error("Failed to finalize execution", append(rctx.Fields(), "error", err)...)
		return
	}
	telemetry.GetGlobalMetrics().ExecutionsCompletedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", string(fin.Result))))
	logger.Info("Slice execution completed",
		append(rctx.Fields(),
			"result", fin.Result,
			"filled_quantity", fin.FilledQuantity)...)
}

// recordEvent appends one broker audit row; failures to write audit are
// logged, not propagated.
func (w *ExecutionWorker) recordEvent(ctx context.Context, rctx reqctx.Context,
	exec *core.Execution, slice *core.OrderSlice, eventType core.EventType, attemptNumber int,
	resp *core.BrokerResponse, req *core.BrokerRequest, elapsed time.Duration, errCode string, callErr error) {

	event := &core.BrokerEvent{
		ID:             ids.NewEventID(),
		ExecutionID:    exec.ID,
		SliceID:        slice.ID,
		EventType:      eventType,
		AttemptNumber:  attemptNumber,
		AttemptID:      exec.AttemptID,
		ExecutorID:     w.executorID,
		BrokerName:     w.broker.GetName(),
		ResponseTimeMs: int(elapsed.Milliseconds()),
		IsSuccess:      callErr == nil,
		RequestID:      rctx.RequestID,
	}
	if req != nil {
		event.RequestPayload, _ = json.Marshal(req)
	}
	if resp != nil {
		event.BrokerOrderID = resp.BrokerOrderID
		event.BrokerStatus = resp.Status
		event.BrokerMessage = resp.Message
		event.FilledQuantity = resp.FilledQuantity
		event.PendingQuantity = resp.PendingQuantity
		event.AveragePrice = resp.AveragePrice
		event.ResponseBody, _ = json.Marshal(resp)
	}
	if callErr != nil {
		event.ErrorCode = errCode
		event.ErrorMessage = callErr.Error()
	}

	if err := w.store.AppendBrokerEvent(ctx, rctx, event); err != nil {
		w.logger.Error("Failed to append broker event",
			append(rctx.Fields(), "execution_id", exec.ID, "error", err)...)
	}
}

func (w *ExecutionWorker) observeBrokerCall(ctx context.Context, op string, elapsed time.Duration, success bool) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.BrokerCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", success)))
	metrics.BrokerLatency.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
}

// validateSlice checks slice parameters before any broker interaction.
func validateSlice(slice *core.OrderSlice) error {
	if slice.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0, got %d", apperrors.ErrValidation, slice.Quantity)
	}
	if slice.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", apperrors.ErrValidation)
	}
	if slice.OrderType == core.OrderTypeLimit && !slice.LimitPrice.Valid {
		return fmt.Errorf("%w: limit orders require a limit price", apperrors.ErrValidation)
	}
	return nil
}

// mapExecutionResult is the normative terminal-status mapping.
func mapExecutionResult(status core.BrokerOrderStatus, filled, requested int, monitorTimedOut bool) core.ExecutionResult {
	if monitorTimedOut {
		return core.ResultPartialSuccess
	}
	switch status {
	case core.BrokerStatusComplete:
		if filled >= requested {
			return core.ResultSuccess
		}
		return core.ResultPartialSuccess
	case core.BrokerStatusRejected:
		return core.ResultBrokerRejected
	case core.BrokerStatusCancelled, core.BrokerStatusExpired:
		return core.ResultPartialSuccess
	default:
		return core.ResultPartialSuccess
	}
}
