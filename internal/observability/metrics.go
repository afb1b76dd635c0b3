package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault daemon.
type Metrics struct {
	// --- Oracle ---
	PriceUpdatesAdmitted  prometheus.Counter
	PriceUpdatesRejected  *prometheus.CounterVec
	ObservationCount      prometheus.Gauge
	TWAPQueries           *prometheus.CounterVec
	TWAPDuration          prometheus.Histogram
	StalePriceRejections  prometheus.Counter

	// --- Operations ---
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	EventSequence      prometheus.Gauge

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationShortfall prometheus.Counter

	// --- Invariants ---
	InvariantChecks     prometheus.Counter
	InvariantViolations *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Oracle
		PriceUpdatesAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_price_updates_admitted_total",
			Help: "Price observations admitted by the update guard",
		}),

		PriceUpdatesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_updates_rejected_total",
			Help: "Price observations rejected (zero_price, too_frequent, change_too_large, out_of_order)",
		}, []string{"reason"}),

		ObservationCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_observation_count",
			Help: "Observations currently in the oracle log",
		}),

		TWAPQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_twap_queries_total",
			Help: "TWAP reads by outcome",
		}, []string{"status"}),

		TWAPDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_twap_duration_seconds",
			Help:    "Time to compute a TWAP over the observation log",
			Buckets: latencyBuckets,
		}),

		StalePriceRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_stale_price_rejections_total",
			Help: "Reads rejected because the newest observation exceeded max age",
		}),

		// Operations
		OperationsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_applied_total",
			Help: "Position operations applied",
		}, []string{"op"}),

		OperationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_rejected_total",
			Help: "Position operations rejected",
		}, []string{"op", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Time to process a position operation in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_event_sequence",
			Help: "Last emitted event sequence number",
		}),

		// Liquidation
		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_liquidations_executed_total",
			Help: "Liquidations executed (full/partial)",
		}, []string{"outcome"}),

		LiquidationShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidation_shortfall_total",
			Help: "Liquidations rejected because the seizure exceeded recorded collateral",
		}),

		// Invariants
		InvariantChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_invariant_checks_total",
			Help: "System invariant sweeps performed",
		}),

		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_invariant_violations_total",
			Help: "Invariant violations detected",
		}, []string{"invariant"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "method", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route", "method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
