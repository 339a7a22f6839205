// Package worker contains the background workers of the split-order
// pipeline: splitting, execution, timeout monitoring, and cancellation.
package worker

import (
	"context"
	"sync"
	"time"

	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/internal/planner"
	"pulse/pkg/ids"
	"pulse/pkg/reqctx"
	"pulse/pkg/telemetry"
)

// SplittingWorker drains PENDING orders into fully materialized slice sets.
type SplittingWorker struct {
	store   core.IStore
	planner *planner.Planner
	logger  core.ILogger

	pollInterval time.Duration
	batchSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSplittingWorker creates a splitting worker.
func NewSplittingWorker(store core.IStore, pl *planner.Planner, cfg config.SplittingWorkerConfig, logger core.ILogger) *SplittingWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &SplittingWorker{
		store:        store,
		planner:      pl,
		logger:       logger.WithField("component", "splitting_worker"),
		pollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		batchSize:    cfg.BatchSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the splitting loop.
func (w *SplittingWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting splitting worker", "poll_interval", w.pollInterval, "batch_size", w.batchSize)
	w.wg.Add(1)
	go w.runLoop()
	return nil
}

// Stop stops the worker and waits for the loop to exit.
func (w *SplittingWorker) Stop() error {
	w.logger.Info("Stopping splitting worker")
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *SplittingWorker) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(w.ctx); err != nil {
				w.logger.Error("Splitting pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single splitting pass and returns the number of orders
// split.
func (w *SplittingWorker) RunOnce(ctx context.Context) (int, error) {
	rctx := reqctx.NewWorker("splitting_worker")

	orders, err := w.store.ListPendingOrders(ctx, rctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	w.logger.Info("Found pending orders", append(rctx.Fields(), "count", len(orders))...)

	split := 0
	for _, order := range orders {
		ok, err := w.splitOne(ctx, rctx, order.ID)
		if err != nil {
			w.logger.Error("Order splitting failed",
				append(rctx.Fields(), "order_id", order.ID, "error", err)...)
			telemetry.GetGlobalMetrics().OrdersSplitFailedTotal.Add(ctx, 1)
			// The split transaction rolled back; record the failure so the
			// order is not retried forever.
			if markErr := w.store.MarkOrderFailed(ctx, rctx, order.ID, err.Error()); markErr != nil {
				w.logger.Error("Failed to mark order failed",
					append(rctx.Fields(), "order_id", order.ID, "error", markErr)...)
			}
			continue
		}
		if ok {
			split++
			telemetry.GetGlobalMetrics().OrdersSplitTotal.Add(ctx, 1)
		}
	}
	return split, nil
}

// splitOne runs the planner inside the store's split transaction for one
// order. Returns false when a peer worker holds or already split the order.
func (w *SplittingWorker) splitOne(ctx context.Context, rctx reqctx.Context, orderID string) (bool, error) {
	ok, err := w.store.SplitOrder(ctx, rctx, orderID, func(order *core.Order) ([]*core.OrderSlice, error) {
		planned, err := w.planner.Plan(order.CreatedAt, order.TotalQuantity, order.NumSplits,
			order.DurationMinutes, order.Randomize)
		if err != nil {
			return nil, err
		}

		slices := make([]*core.OrderSlice, 0, len(planned))
		for _, p := range planned {
			slices = append(slices, &core.OrderSlice{
				ID:             ids.NewSliceID(),
				OrderID:        order.ID,
				Instrument:     order.Instrument,
				Side:           order.Side,
				Quantity:       p.Quantity,
				SequenceNumber: p.SequenceNumber,
				Status:         core.SlicePending,
				ScheduledAt:    p.ScheduledAt,
				OrderType:      core.OrderTypeMarket,
				ProductType:    "CNC",
				Validity:       "DAY",
				RequestID:      ids.NewRequestID(),
			})
		}
		return slices, nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		w.logger.Info("Order split into slices", append(rctx.Fields(), "order_id", orderID)...)
	}
	return ok, nil
}
