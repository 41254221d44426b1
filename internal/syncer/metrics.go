package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("fieldsync/syncer")

var (
	// passTotal counts passes by trigger and outcome
	// (completed, skipped_offline, shared, error).
	passTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_passes_total",
		Help: "Total sync passes by trigger and outcome",
	}, []string{"trigger", "outcome"})

	// passDuration tracks how long passes run.
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_sync_pass_duration_seconds",
		Help:    "Sync pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// deliveryTotal counts delivery attempts by result (synced, failed).
	deliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_deliveries_total",
		Help: "Total record delivery attempts by result",
	}, []string{"result"})

	// deliveryDuration tracks remote submit latency.
	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_delivery_duration_seconds",
		Help:    "Remote submit duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// storeErrorTotal counts outcome write-backs that failed.
	storeErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_store_update_errors_total",
		Help: "Delivery outcomes that could not be written to the local store",
	})

	// pendingGauge is the size of the snapshot taken by the last pass.
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_pending_snapshot_records",
		Help: "Pending records found at the start of the last pass",
	})
)
