package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RevsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_revs_pushed_total",
			Help: "Total number of revisions successfully pushed, by collection",
		},
		[]string{"collection"},
	)

	RevsPulledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_revs_pulled_total",
			Help: "Total number of revisions successfully pulled, by collection",
		},
		[]string{"collection"},
	)

	RevsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_revs_rejected_total",
			Help: "Total number of revisions rejected by the peer, by collection",
		},
		[]string{"collection"},
	)

	RevsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revsync_revs_in_flight",
			Help: "Revisions currently awaiting a reply, by collection and direction",
		},
		[]string{"collection", "direction"},
	)

	ChangesQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revsync_changes_queue_depth",
			Help: "Number of queued changes awaiting processing, by collection",
		},
		[]string{"collection"},
	)

	DeltaBytesSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_delta_bytes_saved_total",
			Help: "Estimated bytes saved by sending deltas instead of full bodies",
		},
		[]string{"collection"},
	)

	DeltasSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_deltas_sent_total",
			Help: "Total number of revisions sent as deltas rather than full bodies",
		},
		[]string{"collection"},
	)

	BlobBytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_blob_bytes_transferred_total",
			Help: "Total attachment/blob bytes transferred, by direction",
		},
		[]string{"direction"},
	)

	CheckpointLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revsync_checkpoint_lag_seconds",
			Help: "Seconds since the last successful checkpoint save, by collection",
		},
		[]string{"collection"},
	)

	CheckpointSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_checkpoint_saves_total",
			Help: "Total number of checkpoints saved, by collection",
		},
		[]string{"collection"},
	)

	RevFinderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revsync_revfinder_latency_seconds",
			Help:    "Time taken to resolve ancestors for a batch of proposed revisions",
			Buckets: prometheus.DefBuckets,
		},
	)

	InserterBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revsync_inserter_batch_duration_seconds",
			Help:    "Time taken to insert a batch of incoming revisions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicatorStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revsync_replicator_status",
			Help: "Current replicator activity level (0=stopped,1=connecting,2=busy,3=idle), by collection and direction",
		},
		[]string{"collection", "direction"},
	)

	DeltaBaseUnknownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revsync_delta_base_unknown_total",
			Help: "Total number of incoming revisions re-requested without a delta after DeltaBaseUnknown, by collection",
		},
		[]string{"collection"},
	)
)

func init() {
	prometheus.MustRegister(RevsPushedTotal)
	prometheus.MustRegister(RevsPulledTotal)
	prometheus.MustRegister(RevsRejectedTotal)
	prometheus.MustRegister(RevsInFlight)
	prometheus.MustRegister(ChangesQueueDepth)
	prometheus.MustRegister(DeltaBytesSaved)
	prometheus.MustRegister(DeltasSentTotal)
	prometheus.MustRegister(BlobBytesTransferredTotal)
	prometheus.MustRegister(CheckpointLagSeconds)
	prometheus.MustRegister(CheckpointSavesTotal)
	prometheus.MustRegister(RevFinderLatency)
	prometheus.MustRegister(InserterBatchDuration)
	prometheus.MustRegister(ReplicatorStatus)
	prometheus.MustRegister(DeltaBaseUnknownTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
