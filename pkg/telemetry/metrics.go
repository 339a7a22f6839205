package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal     = "pulse_orders_submitted_total"
	MetricOrdersSplitTotal         = "pulse_orders_split_total"
	MetricOrdersSplitFailedTotal   = "pulse_orders_split_failed_total"
	MetricSlicesClaimedTotal       = "pulse_slices_claimed_total"
	MetricSlicesAbandonedTotal     = "pulse_slices_abandoned_total"
	MetricExecutionsCompletedTotal = "pulse_executions_completed_total"
	MetricExecutionsRecoveredTotal = "pulse_executions_recovered_total"
	MetricSlicesSkippedTotal       = "pulse_slices_skipped_total"
	MetricBrokerCallsTotal         = "pulse_broker_calls_total"
	MetricBrokerLatency            = "pulse_broker_latency_ms"
	MetricExecutionsActive         = "pulse_executions_active"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal     metric.Int64Counter
	OrdersSplitTotal         metric.Int64Counter
	OrdersSplitFailedTotal   metric.Int64Counter
	SlicesClaimedTotal       metric.Int64Counter
	SlicesAbandonedTotal     metric.Int64Counter
	ExecutionsCompletedTotal metric.Int64Counter
	ExecutionsRecoveredTotal metric.Int64Counter
	SlicesSkippedTotal       metric.Int64Counter
	BrokerCallsTotal         metric.Int64Counter
	BrokerLatency            metric.Float64Histogram
	ExecutionsActive         metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	activeExecMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments start
// on the default (no-op) meter provider; Setup re-initializes them against
// the real one.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeExecMap: make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("pulse"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total parent orders accepted"))
	if err != nil {
		return err
	}

	m.OrdersSplitTotal, err = meter.Int64Counter(MetricOrdersSplitTotal, metric.WithDescription("Total orders split into slices"))
	if err != nil {
		return err
	}

	m.OrdersSplitFailedTotal, err = meter.Int64Counter(MetricOrdersSplitFailedTotal, metric.WithDescription("Total orders that failed splitting"))
	if err != nil {
		return err
	}

	m.SlicesClaimedTotal, err = meter.Int64Counter(MetricSlicesClaimedTotal, metric.WithDescription("Total slices claimed by execution workers"))
	if err != nil {
		return err
	}

	m.SlicesAbandonedTotal, err = meter.Int64Counter(MetricSlicesAbandonedTotal, metric.WithDescription("Total slices abandoned after ownership loss"))
	if err != nil {
		return err
	}

	m.ExecutionsCompletedTotal, err = meter.Int64Counter(MetricExecutionsCompletedTotal, metric.WithDescription("Total executions finalized"))
	if err != nil {
		return err
	}

	m.ExecutionsRecoveredTotal, err = meter.Int64Counter(MetricExecutionsRecoveredTotal, metric.WithDescription("Total executions recovered by the timeout monitor"))
	if err != nil {
		return err
	}

	m.SlicesSkippedTotal, err = meter.Int64Counter(MetricSlicesSkippedTotal, metric.WithDescription("Total slices skipped by cancellation"))
	if err != nil {
		return err
	}

	m.BrokerCallsTotal, err = meter.Int64Counter(MetricBrokerCallsTotal, metric.WithDescription("Total broker wire calls"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ExecutionsActive, err = meter.Int64ObservableGauge(MetricExecutionsActive, metric.WithDescription("Executions currently held under lease"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			var total int64
			for _, v := range m.activeExecMap {
				total += v
			}
			obs.Observe(total)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetActiveExecutions records the number of executions an executor holds.
func (m *MetricsHolder) SetActiveExecutions(executorID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeExecMap[executorID] = count
}
