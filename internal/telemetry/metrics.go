package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OperationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_operations_enqueued_total", Help: "Operations accepted into the durable queue"})
	ReplaySuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_replay_success_total", Help: "Queued operations delivered and deleted"})
	ReplayFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_replay_failures_total", Help: "Delivery attempts that failed and will retry"})
	ReplayDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_replay_dead_letter_total", Help: "Operations parked for explicit user action"})
	ReplayQuarantined  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_replay_quarantined_total", Help: "Stored records that failed to decode"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_queue_depth", Help: "Pending operations in the durable queue"})

	CacheHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_cache_hits_total", Help: "Reads served from the local response cache"})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_cache_misses_total", Help: "Reads that found no cached copy"})
	CacheWrites = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_cache_writes_total", Help: "Responses written into a cache bucket"})

	TransitionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_transitions_accepted_total", Help: "Job status transitions applied"})
	TransitionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_transitions_rejected_total", Help: "Job status transitions rejected as illegal or conflicting"})
	PhotoUploads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_photo_uploads_total", Help: "Photos attached to jobs"})
	PhotoDedupHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_photo_dedup_hits_total", Help: "Replayed uploads deduplicated by operation id"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OperationsEnqueued,
			ReplaySuccess,
			ReplayFailures,
			ReplayDeadLetter,
			ReplayQuarantined,
			QueueDepthGauge,
			CacheHits,
			CacheMisses,
			CacheWrites,
			TransitionsAccepted,
			TransitionsRejected,
			PhotoUploads,
			PhotoDedupHits,
		)
	})
	return promhttp.Handler()
}
