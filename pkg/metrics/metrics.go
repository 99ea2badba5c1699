// Package metrics exposes Prometheus instrumentation for the capsule
// engine: counters/gauges for capsule, memory, upload, and ACL
// operations, plus a Timer helper for histogram observation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capsule metrics
	CapsulesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsulekit_capsules_total",
			Help: "Total number of capsules currently stored",
		},
	)

	MemoriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsulekit_memories_total",
			Help: "Total number of memories currently stored",
		},
	)

	InlineBytesUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsulekit_inline_bytes_used",
			Help: "Total inline asset bytes currently accounted for across all capsules",
		},
	)

	// Capsule/memory operation metrics
	CapsuleOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulekit_capsule_operations_total",
			Help: "Total number of capsule operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	CapsuleOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsulekit_capsule_operation_duration_seconds",
			Help:    "Capsule operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Upload pipeline metrics
	UploadSessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsulekit_upload_sessions_total",
			Help: "Number of upload sessions by status",
		},
		[]string{"status"},
	)

	ChunksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_chunks_received_total",
			Help: "Total number of chunks accepted by put_chunk",
		},
	)

	UploadFinishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsulekit_upload_finish_duration_seconds",
			Help:    "Time taken to finish and materialize an upload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_upload_bytes_total",
			Help: "Total bytes accepted across all finished uploads",
		},
	)

	SessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_sessions_expired_total",
			Help: "Total number of upload sessions expired by the janitor",
		},
	)

	// Blob store metrics
	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsulekit_blobs_total",
			Help: "Total number of distinct blobs currently stored",
		},
	)

	BlobDedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_blob_dedup_hits_total",
			Help: "Total number of finish_upload calls that matched an existing blob by content hash",
		},
	)

	BlobsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulekit_blobs_deleted_total",
			Help: "Total number of blobs deleted by reason",
		},
		[]string{"reason"},
	)

	// ACL metrics
	ACLDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulekit_acl_decisions_total",
			Help: "Total number of ACL evaluations by reason and outcome",
		},
		[]string{"reason", "outcome"},
	)

	// Token metrics
	TokensMintedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_tokens_minted_total",
			Help: "Total number of asset-serving tokens minted",
		},
	)

	TokenVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulekit_token_verify_total",
			Help: "Total number of token verifications by outcome",
		},
		[]string{"outcome"},
	)

	KeyRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsulekit_key_rotations_total",
			Help: "Total number of signing-key rotations performed",
		},
	)

	// Bulk operation metrics
	BulkDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsulekit_bulk_delete_duration_seconds",
			Help:    "Time taken to complete a bulk memory delete in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BulkDeleteItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsulekit_bulk_delete_items_total",
			Help: "Total number of memories processed by bulk delete, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(CapsulesTotal)
	prometheus.MustRegister(MemoriesTotal)
	prometheus.MustRegister(InlineBytesUsed)
	prometheus.MustRegister(CapsuleOpsTotal)
	prometheus.MustRegister(CapsuleOpDuration)

	prometheus.MustRegister(UploadSessionsTotal)
	prometheus.MustRegister(ChunksReceivedTotal)
	prometheus.MustRegister(UploadFinishDuration)
	prometheus.MustRegister(UploadBytesTotal)
	prometheus.MustRegister(SessionsExpiredTotal)

	prometheus.MustRegister(BlobsTotal)
	prometheus.MustRegister(BlobDedupHitsTotal)
	prometheus.MustRegister(BlobsDeletedTotal)

	prometheus.MustRegister(ACLDecisionsTotal)

	prometheus.MustRegister(TokensMintedTotal)
	prometheus.MustRegister(TokenVerifyTotal)
	prometheus.MustRegister(KeyRotationsTotal)

	prometheus.MustRegister(BulkDeleteDuration)
	prometheus.MustRegister(BulkDeleteItemsTotal)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing the elapsed
// duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec
// with the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
