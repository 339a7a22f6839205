package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/pkg/reqctx"
	"pulse/pkg/telemetry"
)

// TimeoutMonitor recovers executions whose lease expired: the owning worker
// is presumed dead and the execution is terminated with EXECUTOR_TIMEOUT.
// The UNIQUE(slice_id) interlock means nobody else can touch these slices,
// so the monitor is the only recovery path.
type TimeoutMonitor struct {
	store  core.IStore
	logger core.ILogger

	checkInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTimeoutMonitor creates a timeout monitor.
func NewTimeoutMonitor(store core.IStore, cfg config.TimeoutMonitorConfig, logger core.ILogger) *TimeoutMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimeoutMonitor{
		store:         store,
		logger:        logger.WithField("component", "timeout_monitor"),
		checkInterval: time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the monitor loop.
func (m *TimeoutMonitor) Start(ctx context.Context) error {
	m.logger.Info("Starting timeout monitor", "check_interval", m.checkInterval)
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

// Stop stops the monitor.
func (m *TimeoutMonitor) Stop() error {
	m.logger.Info("Stopping timeout monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *TimeoutMonitor) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil {
				m.logger.Error("Timeout check failed", "error", err)
			}
		}
	}
}

// RunOnce fails over all expired executions, oldest lease first. Returns the
// number recovered. FinalizeExecution ignores already-terminal rows, so
// running twice in succession finalizes each execution exactly once.
func (m *TimeoutMonitor) RunOnce(ctx context.Context) (int, error) {
	rctx := reqctx.NewWorker("timeout_monitor")

	expired, err := m.store.ListExpiredExecutions(ctx, rctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	m.logger.Warn("Found expired executions", append(rctx.Fields(), "count", len(expired))...)

	recovered := 0
	for _, exec := range expired {
		fin := core.ExecutionFinal{
			Result:            core.ResultExecutorTimeout,
			BrokerOrderStatus: exec.BrokerOrderStatus,
			// Carry forward any partial fill recorded before the worker died.
			FilledQuantity: exec.FilledQuantity,
			AveragePrice:   exec.AveragePrice,
			ErrorCode:      "EXECUTOR_TIMEOUT",
			ErrorMessage:   fmt.Sprintf("Executor %s timed out", exec.ExecutorID),
		}
		if err := m.store.FinalizeExecution(ctx, rctx, exec.ID, fin); err != nil {
			m.logger.Error("Failed to fail over execution",
				append(rctx.Fields(), "execution_id", exec.ID, "error", err)...)
			continue
		}
		recovered++
		telemetry.GetGlobalMetrics().ExecutionsRecoveredTotal.Add(ctx, 1)
		m.logger.Warn("Execution failed over",
			append(rctx.Fields(),
				"execution_id", exec.ID,
				"slice_id", exec.SliceID,
				"executor_id", exec.ExecutorID,
				"filled_quantity", exec.FilledQuantity)...)
	}
	return recovered, nil
}
