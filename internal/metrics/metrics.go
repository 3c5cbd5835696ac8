// Package metrics exposes Prometheus counters, histograms and gauges
// for the batch/upload/restore/GC pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one replicator instance.
type Collector struct {
	batchesFlushed  prometheus.Counter
	batchesFailed   prometheus.Counter
	framesFlushed   prometheus.Counter
	flushLatency    prometheus.Histogram

	uploadsSucceeded prometheus.Counter
	uploadsFailed    prometheus.Counter
	uploadQueueDepth prometheus.Gauge

	snapshotsCompleted prometheus.Counter
	snapshotsFailed    prometheus.Counter

	restoresCompleted prometheus.Counter
	restoresFailed    prometheus.Counter
	restoreDuration   prometheus.Histogram
	framesReplayed    prometheus.Counter

	generationsDeleted prometheus.Counter
}

// NewCollector constructs and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_batches_flushed_total",
			Help: "Total number of batch objects successfully staged",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_batches_failed_total",
			Help: "Total number of flush attempts that failed",
		}),
		framesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_frames_flushed_total",
			Help: "Total number of WAL frames successfully staged",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "walreplica_flush_latency_seconds",
			Help:    "Time to copy and stage one flush range",
			Buckets: prometheus.DefBuckets,
		}),
		uploadsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_uploads_succeeded_total",
			Help: "Total number of staging files uploaded successfully",
		}),
		uploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_uploads_failed_total",
			Help: "Total number of staging file uploads that failed",
		}),
		uploadQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walreplica_upload_queue_depth",
			Help: "Current number of items queued for upload",
		}),
		snapshotsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_snapshots_completed_total",
			Help: "Total number of completed database snapshots",
		}),
		snapshotsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_snapshots_failed_total",
			Help: "Total number of failed database snapshots",
		}),
		restoresCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_restores_completed_total",
			Help: "Total number of completed restores",
		}),
		restoresFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_restores_failed_total",
			Help: "Total number of failed restores",
		}),
		restoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "walreplica_restore_duration_seconds",
			Help:    "Wall-clock time spent in a full restore",
			Buckets: prometheus.DefBuckets,
		}),
		framesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_frames_replayed_total",
			Help: "Total number of WAL frames replayed during restore",
		}),
		generationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walreplica_generations_deleted_total",
			Help: "Total number of generations hard-deleted by GC",
		}),
	}

	prometheus.MustRegister(
		c.batchesFlushed, c.batchesFailed, c.framesFlushed, c.flushLatency,
		c.uploadsSucceeded, c.uploadsFailed, c.uploadQueueDepth,
		c.snapshotsCompleted, c.snapshotsFailed,
		c.restoresCompleted, c.restoresFailed, c.restoreDuration, c.framesReplayed,
		c.generationsDeleted,
	)
	return c
}

func (c *Collector) RecordFlushSuccess(frameCount int, latencySeconds float64) {
	c.batchesFlushed.Inc()
	c.framesFlushed.Add(float64(frameCount))
	c.flushLatency.Observe(latencySeconds)
}

func (c *Collector) RecordFlushFailure() {
	c.batchesFailed.Inc()
}

func (c *Collector) RecordUploadSuccess() {
	c.uploadsSucceeded.Inc()
}

func (c *Collector) RecordUploadFailure() {
	c.uploadsFailed.Inc()
}

func (c *Collector) SetUploadQueueDepth(n int) {
	c.uploadQueueDepth.Set(float64(n))
}

func (c *Collector) RecordSnapshotCompleted() {
	c.snapshotsCompleted.Inc()
}

func (c *Collector) RecordSnapshotFailed() {
	c.snapshotsFailed.Inc()
}

func (c *Collector) RecordRestore(durationSeconds float64, framesReplayed int, err error) {
	if err != nil {
		c.restoresFailed.Inc()
		return
	}
	c.restoresCompleted.Inc()
	c.restoreDuration.Observe(durationSeconds)
	c.framesReplayed.Add(float64(framesReplayed))
}

func (c *Collector) RecordGenerationsDeleted(n int) {
	c.generationsDeleted.Add(float64(n))
}

// StartServer starts a Prometheus metrics HTTP server on port. It blocks
// until the server exits.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
