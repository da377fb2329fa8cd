package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Placement / Lifecycle Metrics
var (
	PlacementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "scheduler",
		Name:      "placements_total",
		Help:      "Total number of successful instance placements",
	})

	PlacementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "scheduler",
		Name:      "placement_failures_total",
		Help:      "Total number of failed placements (capacity or runtime errors)",
	})

	InstancesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "controller",
		Name:      "instances_running",
		Help:      "Instances currently observed as starting or running",
	})
)

// Health Loop Metrics
var (
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "health",
		Name:      "reconcile_runs_total",
		Help:      "Total number of reconciliation ticks",
	})

	ReconcileRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "health",
		Name:      "restarts_total",
		Help:      "Total number of auto-restarts attempted by the health loop",
	})

	ReconcileEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "health",
		Name:      "escalations_total",
		Help:      "Instances escalated to failed after exhausting the retry threshold",
	})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "health",
		Name:      "reconcile_latency_seconds",
		Help:      "Latency of one full reconciliation pass",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Streaming Hub Metrics
var (
	ActiveAttachments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "stream",
		Name:      "active_attachments",
		Help:      "Number of currently attached instance streams",
	})

	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "stream",
		Name:      "dropped_subscribers_total",
		Help:      "Subscribers disconnected for not keeping up with the stream",
	})
)

// Upload Metrics
var (
	UploadChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "upload",
		Name:      "chunks_received_total",
		Help:      "Total number of upload chunks accepted",
	})

	UploadsAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "upload",
		Name:      "assembled_total",
		Help:      "Total number of uploads assembled into complete files",
	})
)
