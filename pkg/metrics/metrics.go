package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Barrier metrics
	BarrierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "freshet_barrier_latency_seconds",
			Help:    "Time from barrier injection to epoch commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	BarrierInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freshet_barrier_inflight",
			Help: "Number of injected but uncommitted barriers",
		},
	)

	EpochsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freshet_epochs_committed_total",
			Help: "Total number of committed epochs",
		},
	)

	RecoveryCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freshet_recovery_total",
			Help: "Total number of recovery rounds triggered by meta",
		},
	)

	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freshet_workers_total",
			Help: "Total number of registered workers by type and status",
		},
		[]string{"type", "status"},
	)

	ActorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freshet_actors_total",
			Help: "Number of actors running on this node",
		},
	)

	// Exchange metrics
	ExchangeChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshet_exchange_chunks_total",
			Help: "Stream chunks forwarded by dispatchers, by dispatcher type",
		},
		[]string{"dispatcher"},
	)

	// Hummock metrics
	SharedBufferBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freshet_shared_buffer_bytes",
			Help: "Bytes currently staged in the shared buffer",
		},
	)

	BlockCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshet_block_cache_hits_total",
			Help: "Block cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	SstablesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freshet_sstables_uploaded_total",
			Help: "SST objects uploaded to object storage",
		},
	)

	SstableUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "freshet_sstable_upload_duration_seconds",
			Help:    "SST upload duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Compaction metrics
	CompactionTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshet_compaction_tasks_total",
			Help: "Compaction tasks by outcome",
		},
		[]string{"outcome"},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "freshet_compaction_duration_seconds",
			Help:    "Compaction task duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Sink metrics
	SinkCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freshet_sink_commits_total",
			Help: "External sink commits issued",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() error {
	collectors := []prometheus.Collector{
		BarrierLatency,
		BarrierInflight,
		EpochsCommitted,
		RecoveryCount,
		WorkersTotal,
		ActorsTotal,
		ExchangeChunksTotal,
		SharedBufferBytes,
		BlockCacheHits,
		SstablesUploaded,
		SstableUploadDuration,
		CompactionTasks,
		CompactionDuration,
		SinkCommitsTotal,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore duplicate registration (tests re-register)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Serve starts the metrics HTTP server on the given port
func Serve(port int) error {
	if err := Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}

// ObserveBarrier records a completed barrier round
func ObserveBarrier(start time.Time) {
	BarrierLatency.Observe(time.Since(start).Seconds())
	EpochsCommitted.Inc()
}
