package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Source
	EventsTailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_events_tailed_total",
		Help: "The total number of change events read from the source",
	}, []string{"river", "kind"})

	SnapshotDocuments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_snapshot_documents_total",
		Help: "The total number of documents read by snapshots",
	}, []string{"river"})

	MalformedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_malformed_entries_total",
		Help: "The total number of oplog entries skipped as malformed",
	}, []string{"river"})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_source_reconnects_total",
		Help: "The total number of source reconnect attempts",
	}, []string{"river"})

	ReplicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mongoriver_replication_lag_seconds",
		Help: "Seconds between the last tailed event and now",
	}, []string{"river"})

	GapsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_gaps_detected_total",
		Help: "The total number of gaps detected",
	}, []string{"river"})

	// Transform
	EvaluatorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_evaluator_failures_total",
		Help: "The total number of events suppressed because the transform failed",
	}, []string{"river", "reason"})

	EventsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_events_suppressed_total",
		Help: "The total number of events the transform marked as ignored",
	}, []string{"river"})

	EvaluationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mongoriver_evaluation_latency_seconds",
		Help:    "The latency of one transform evaluation",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"river"})

	// Writer
	ItemsIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_items_indexed_total",
		Help: "The total number of items applied to the index",
	}, []string{"river", "op"})

	ItemsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_items_rejected_total",
		Help: "The total number of items the index rejected",
	}, []string{"river"})

	BulkRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_bulk_requests_total",
		Help: "The total number of bulk requests by result",
	}, []string{"river", "result"})

	BulkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "mongoriver_bulk_latency_seconds",
		Help: "The latency of bulk requests",
	}, []string{"river"})

	BatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_batch_failures_total",
		Help: "The total number of batches that exhausted their retries",
	}, []string{"river"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mongoriver_queue_depth",
		Help: "The current depth of the queue between tailer and writer",
	}, []string{"river"})

	// Controller
	CursorsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_cursors_saved_total",
		Help: "The total number of cursor saves",
	}, []string{"river"})

	CursorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_cursor_errors_total",
		Help: "The total number of cursor load or save errors",
	}, []string{"river"})

	RiverState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mongoriver_state",
		Help: "1 for the river's current state, 0 for the others",
	}, []string{"river", "state"})

	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mongoriver_snapshots_total",
		Help: "The total number of snapshot phases started",
	}, []string{"river"})
)

func init() {
	prometheus.MustRegister(EventsTailed)
	prometheus.MustRegister(SnapshotDocuments)
	prometheus.MustRegister(MalformedEntries)
	prometheus.MustRegister(Reconnects)
	prometheus.MustRegister(ReplicationLag)
	prometheus.MustRegister(GapsDetected)
	prometheus.MustRegister(EvaluatorFailures)
	prometheus.MustRegister(EventsSuppressed)
	prometheus.MustRegister(EvaluationLatency)
	prometheus.MustRegister(ItemsIndexed)
	prometheus.MustRegister(ItemsRejected)
	prometheus.MustRegister(BulkRequests)
	prometheus.MustRegister(BulkLatency)
	prometheus.MustRegister(BatchFailures)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CursorsSaved)
	prometheus.MustRegister(CursorErrors)
	prometheus.MustRegister(RiverState)
	prometheus.MustRegister(Snapshots)
}
