package writer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// writerMetricsOnce ensures metrics are only registered once.
var writerMetricsOnce sync.Once

// writerMetricsInstance is the singleton instance of writer metrics.
var writerMetricsInstance *Metrics

// Metrics holds the Prometheus metrics for the write pipeline.
type Metrics struct {
	WritesTotal        prometheus.Counter     // chunkfs_writer_writes_total
	WriteBytesTotal    prometheus.Counter     // chunkfs_writer_write_bytes_total
	OpsWriteTotal      prometheus.Counter     // chunkfs_writer_ops_write_total
	OpsWriteBytes      prometheus.Counter     // chunkfs_writer_ops_write_bytes_total
	ChunkAllocsTotal   prometheus.Counter     // chunkfs_writer_chunk_allocs_total
	RetriesTotal       *prometheus.CounterVec // chunkfs_writer_retries_total{op}
	CompactionsTotal   prometheus.Counter     // chunkfs_writer_buffer_compactions_total
	InvalidationsTotal prometheus.Counter     // chunkfs_writer_stripe_invalidations_total
	SleepSecondsTotal  prometheus.Counter     // chunkfs_writer_sleep_seconds_total
	PendingBytes       prometheus.Gauge       // chunkfs_writer_pending_bytes
	OpenWorkers        prometheus.Gauge       // chunkfs_writer_open_workers
}

// InitMetrics initializes the writer metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	writerMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		writerMetricsInstance = &Metrics{
			WritesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_writes_total",
				Help: "Write ranges offered to chunk worker queues",
			}),
			WriteBytesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_write_bytes_total",
				Help: "Bytes offered to chunk worker queues",
			}),
			OpsWriteTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_ops_write_total",
				Help: "Write prepare RPCs sent to chunk servers",
			}),
			OpsWriteBytes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_ops_write_bytes_total",
				Help: "Payload bytes sent in write prepare RPCs",
			}),
			ChunkAllocsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_chunk_allocs_total",
				Help: "Chunk allocate ops sent to the meta server",
			}),
			RetriesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "chunkfs_writer_retries_total",
				Help: "Retries by failed operation kind",
			}, []string{"op"}),
			CompactionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_buffer_compactions_total",
				Help: "Staging buffer compactions after partial-buffer moves",
			}),
			InvalidationsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_stripe_invalidations_total",
				Help: "Striper-directed stripe invalidations",
			}),
			SleepSecondsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "chunkfs_writer_sleep_seconds_total",
				Help: "Seconds spent in retry/lease sleeps",
			}),
			PendingBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "chunkfs_writer_pending_bytes",
				Help: "Bytes accepted but not yet acknowledged",
			}),
			OpenWorkers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "chunkfs_writer_open_workers",
				Help: "Live chunk workers",
			}),
		}
	})
	return writerMetricsInstance
}
