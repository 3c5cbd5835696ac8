package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.batchesFlushed)
	assert.NotNil(t, collector.batchesFailed)
	assert.NotNil(t, collector.framesFlushed)
	assert.NotNil(t, collector.flushLatency)
	assert.NotNil(t, collector.uploadsSucceeded)
	assert.NotNil(t, collector.uploadsFailed)
	assert.NotNil(t, collector.uploadQueueDepth)
	assert.NotNil(t, collector.snapshotsCompleted)
	assert.NotNil(t, collector.snapshotsFailed)
	assert.NotNil(t, collector.restoresCompleted)
	assert.NotNil(t, collector.restoresFailed)
	assert.NotNil(t, collector.restoreDuration)
	assert.NotNil(t, collector.framesReplayed)
	assert.NotNil(t, collector.generationsDeleted)
}

func TestRecordFlushSuccess(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFlushSuccess(128, 0.05)
	})

	for i := 0; i < 5; i++ {
		collector.RecordFlushSuccess(10, 0.01)
	}
}

func TestRecordFlushFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFlushFailure()
	})
}

func TestUploadAccounting(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordUploadSuccess()
		collector.RecordUploadFailure()
		collector.SetUploadQueueDepth(7)
		collector.SetUploadQueueDepth(0)
	})
}

func TestSnapshotAccounting(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSnapshotCompleted()
		collector.RecordSnapshotFailed()
	})
}

func TestRecordRestoreSuccessAndFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRestore(1.25, 4096, nil)
		collector.RecordRestore(0, 0, errors.New("restore failed"))
	})
}

func TestRecordGenerationsDeleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name string
		n    int
	}{
		{"zero", 0},
		{"one generation", 1},
		{"several generations", 12},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.RecordGenerationsDeleted(tc.n)
			})
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordFlushSuccess(10, 0.02)
			collector.RecordUploadSuccess()
			collector.SetUploadQueueDepth(3)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector on the same registry panics on duplicate
	// registration: a process should construct exactly one Collector.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestFlushThenUploadThenSnapshotSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFlushSuccess(500, 0.2)
		collector.SetUploadQueueDepth(1)
		collector.RecordUploadSuccess()
		collector.SetUploadQueueDepth(0)
		collector.RecordSnapshotCompleted()
	})
}

func TestZeroAndBoundaryValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFlushSuccess(0, 0.0)
		collector.SetUploadQueueDepth(0)
		collector.RecordRestore(0, 0, nil)
	})
}
