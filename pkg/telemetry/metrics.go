// Package telemetry exposes the engine's Prometheus metrics.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHolder holds every instrument the engine registers against the
// default Prometheus registry. Instruments are created once via
// GetGlobalMetrics and are safe for concurrent use.
type MetricsHolder struct {
	TickDuration       *prometheus.HistogramVec
	OrdersPlacedTotal  *prometheus.CounterVec
	OrdersFilledTotal  *prometheus.CounterVec
	OrdersErrorTotal   *prometheus.CounterVec
	ReconciledTotal    *prometheus.CounterVec
	RateLimiterUsage   *prometheus.GaugeVec
	RateLimiterBackoff *prometheus.GaugeVec
	PositionSize       *prometheus.GaugeVec
	DataSyncLagSeconds *prometheus.GaugeVec
	DataGapsDetected   *prometheus.CounterVec
	PrecomputeQueue    *prometheus.GaugeVec
	EmergencyExitState prometheus.Gauge
	AIModelUpdates     prometheus.Counter
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder, registering
// every instrument against the default registry on first use.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "trading_engine_tick_duration_seconds",
				Help:    "Duration of a strategy engine tick, per symbol.",
				Buckets: prometheus.DefBuckets,
			}, []string{"exchange", "symbol"}),
			OrdersPlacedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trading_engine_orders_placed_total",
				Help: "Total orders submitted to an exchange.",
			}, []string{"exchange", "symbol", "side"}),
			OrdersFilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trading_engine_orders_filled_total",
				Help: "Total orders that reached FILLED.",
			}, []string{"exchange", "symbol", "side"}),
			OrdersErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trading_engine_orders_error_total",
				Help: "Total order attempts that ended in ERROR.",
			}, []string{"exchange", "symbol", "reason"}),
			ReconciledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trading_engine_orders_reconciled_total",
				Help: "Total stuck orders resolved by the reconciliation pass.",
			}, []string{"exchange", "symbol"}),
			RateLimiterUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "trading_engine_rate_limiter_usage_ratio",
				Help: "Fraction of a rate-limit budget consumed in the current window.",
			}, []string{"exchange", "budget"}),
			RateLimiterBackoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "trading_engine_rate_limiter_backoff_stage",
				Help: "Current exponential backoff stage for a rate-limit budget.",
			}, []string{"exchange", "budget"}),
			PositionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "trading_engine_position_size",
				Help: "Current position quantity, signed positive for long.",
			}, []string{"exchange", "symbol"}),
			DataSyncLagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "trading_engine_data_sync_lag_seconds",
				Help: "Seconds between now and the latest synced bar's open time.",
			}, []string{"exchange", "symbol"}),
			DataGapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "trading_engine_data_gaps_detected_total",
				Help: "Gaps observed inside fetched kline batches.",
			}, []string{"exchange", "symbol"}),
			PrecomputeQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "trading_engine_precompute_queue_depth",
				Help: "Pending precompute_tasks rows per symbol.",
			}, []string{"exchange", "symbol"}),
			EmergencyExitState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "trading_engine_emergency_exit_active",
				Help: "1 when EMERGENCY_EXIT is set, 0 otherwise.",
			}),
			AIModelUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "trading_engine_ai_model_updates_total",
				Help: "Total partial_fit updates applied to the online model.",
			}),
		}
		prometheus.MustRegister(
			globalMetrics.TickDuration,
			globalMetrics.OrdersPlacedTotal,
			globalMetrics.OrdersFilledTotal,
			globalMetrics.OrdersErrorTotal,
			globalMetrics.ReconciledTotal,
			globalMetrics.RateLimiterUsage,
			globalMetrics.RateLimiterBackoff,
			globalMetrics.PositionSize,
			globalMetrics.DataSyncLagSeconds,
			globalMetrics.DataGapsDetected,
			globalMetrics.PrecomputeQueue,
			globalMetrics.EmergencyExitState,
			globalMetrics.AIModelUpdates,
		)
	})
	return globalMetrics
}
