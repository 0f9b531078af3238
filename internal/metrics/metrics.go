// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the relay registers.
type Metrics struct {
	BlocksProcessed prometheus.Counter
	BlocksFailed    prometheus.Counter
	ProcessingTime  prometheus.Histogram

	ReorgsDetected   prometheus.Counter
	ReorgsHandled    prometheus.Counter
	DeepReorgsFatal  prometheus.Counter
	RollbackDepth    prometheus.Histogram
	OracleDesyncWait prometheus.Counter

	BufferSize prometheus.Gauge

	OracleRequestsTotal  *prometheus.CounterVec
	OracleRequestsFailed *prometheus.CounterVec
	OracleLatency        *prometheus.HistogramVec

	SinkCommitsTotal  *prometheus.CounterVec
	SinkCommitsFailed *prometheus.CounterVec

	CurrentSyncHeight prometheus.Gauge
	CurrentTipHeight  prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide Metrics singleton, creating it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newWith(prometheus.DefaultRegisterer)
	})
	return instance
}

// New builds a fresh Metrics instance registered against its own private
// Prometheus registry, so repeated calls (one per test, say) never
// collide on duplicate collector names. Production wiring should prefer
// Get(), which is registered against the default registry exactly once.
func New() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(r prometheus.Registerer) *Metrics {
	reg := promauto.With(r)
	return &Metrics{
		BlocksProcessed: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_blocks_processed_total",
			Help: "Total number of blocks successfully run through the transform.",
		}),
		BlocksFailed: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_blocks_failed_total",
			Help: "Total number of blocks for which process_block failed fatally.",
		}),
		ProcessingTime: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_block_processing_duration_seconds",
			Help:    "Time taken to run process_block for one block.",
			Buckets: prometheus.DefBuckets,
		}),
		ReorgsDetected: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_reorgs_detected_total",
			Help: "Total number of forks detected against the oracle.",
		}),
		ReorgsHandled: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_reorgs_handled_total",
			Help: "Total number of forks successfully rolled back and replayed.",
		}),
		DeepReorgsFatal: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_deep_reorgs_fatal_total",
			Help: "Total number of reorgs deeper than the historical buffer.",
		}),
		RollbackDepth: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_rollback_depth_blocks",
			Help:    "Number of blocks inverted per rollback.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		OracleDesyncWait: reg.NewCounter(prometheus.CounterOpts{
			Name: "relay_oracle_desync_wait_total",
			Help: "Total number of times the loop waited on tip-ahead-of-hash-availability.",
		}),
		BufferSize: reg.NewGauge(prometheus.GaugeOpts{
			Name: "relay_historical_buffer_size",
			Help: "Current number of entries held in the historical buffer.",
		}),
		OracleRequestsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_oracle_requests_total",
			Help: "Total oracle RPC requests by method.",
		}, []string{"method"}),
		OracleRequestsFailed: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_oracle_requests_failed_total",
			Help: "Total failed oracle RPC requests by method.",
		}, []string{"method"}),
		OracleLatency: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_oracle_request_duration_seconds",
			Help:    "Oracle RPC latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		SinkCommitsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sink_commits_total",
			Help: "Total sink commits by direction (forward/rollback).",
		}, []string{"direction"}),
		SinkCommitsFailed: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sink_commits_failed_total",
			Help: "Total failed sink commits by direction.",
		}, []string{"direction"}),
		CurrentSyncHeight: reg.NewGauge(prometheus.GaugeOpts{
			Name: "relay_current_sync_height",
			Help: "Height of the last block committed to the sink.",
		}),
		CurrentTipHeight: reg.NewGauge(prometheus.GaugeOpts{
			Name: "relay_current_tip_height",
			Help: "Last oracle tip height observed.",
		}),
	}
}
