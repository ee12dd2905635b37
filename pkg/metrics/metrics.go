// Package metrics exposes the prometheus counters and gauges produced by
// the remote timeline client and the wal-redo coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Task kinds tracked by InProgressTasks, matching the upload queue's Op
// values.
const (
	TaskLayerUpload   = "layer_upload"
	TaskIndexUpload   = "index_upload"
	TaskLayerDeletion = "layer_deletion"
)

// Wal-redo record flavors tracked by WalRedoInvocations/WalRedoDuration.
const (
	RedoFlavorNative  = "native"
	RedoFlavorForeign = "foreign"
)

var (
	// BytesStarted counts bytes handed to the remote store for upload,
	// labeled by timeline id, before the call returns.
	BytesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageserver",
		Subsystem: "remote",
		Name:      "bytes_started_total",
		Help:      "Total bytes for which an upload to the remote store has been started.",
	}, []string{"timeline_id"})

	// BytesFinished counts bytes for which the remote store confirmed
	// completion, labeled by timeline id.
	BytesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageserver",
		Subsystem: "remote",
		Name:      "bytes_finished_total",
		Help:      "Total bytes for which an upload to the remote store has completed.",
	}, []string{"timeline_id"})

	// InProgressTasks is the number of tasks currently in flight, by kind.
	InProgressTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pageserver",
		Subsystem: "remote",
		Name:      "in_progress_tasks",
		Help:      "Number of upload-queue tasks currently in flight, by kind.",
	}, []string{"timeline_id", "kind"})

	// RemotePhysicalSize is the sum of file_size over a timeline's latest
	// accepted index, recomputed every time UploadMetadata completes.
	RemotePhysicalSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pageserver",
		Subsystem: "remote",
		Name:      "physical_size_bytes",
		Help:      "Sum of layer file sizes in the latest accepted index for a timeline.",
	}, []string{"timeline_id"})

	// WalRedoInvocations counts wal-redo requests served, by record flavor.
	WalRedoInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pageserver",
		Subsystem: "walredo",
		Name:      "invocations_total",
		Help:      "Number of wal-redo requests served, by record flavor.",
	}, []string{"flavor"})

	// WalRedoDuration observes the time spent servicing a wal-redo
	// request, by record flavor.
	WalRedoDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pageserver",
		Subsystem: "walredo",
		Name:      "duration_seconds",
		Help:      "Time spent servicing a wal-redo request, by record flavor.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"flavor"})
)

// Register adds every metric in this package to reg. Call once at process
// start with a prometheus.Registerer (e.g. prometheus.DefaultRegisterer).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BytesStarted,
		BytesFinished,
		InProgressTasks,
		RemotePhysicalSize,
		WalRedoInvocations,
		WalRedoDuration,
	)
}
