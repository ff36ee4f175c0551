// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"

	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	eventsEmittedCounter     *prometheus.CounterVec
	oversizeWarningsCounter  prometheus.Counter
	batchFlushesCounter      *prometheus.CounterVec
	batchFlushSizeMetric     prometheus.Histogram
	bufferedEventsGauge      prometheus.Gauge
	liveSubscribersGauge     prometheus.Gauge
	droppedDeliveriesCounter prometheus.Counter
	gcSweepsCounter          *prometheus.CounterVec
	retentionDeletedCounter  prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsEmittedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_emitted_total",
				Help: "Total number of pipeline events emitted by level.",
			},
			[]string{"level"},
		)

		oversizeWarningsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_oversize_warnings_total",
				Help: "Total number of synthetic oversize-payload warnings emitted.",
			},
		)

		batchFlushesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batch_flushes_total",
				Help: "Total number of durable batch flushes by result.",
			},
			[]string{"result"},
		)

		batchFlushSizeMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_batch_flush_size",
				Help:    "Number of entries per durable batch flush.",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		)

		bufferedEventsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_buffered_events",
				Help: "Current number of events held in the live buffer across all runs.",
			},
		)

		liveSubscribersGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_live_subscribers",
				Help: "Current number of live feed subscribers across all runs.",
			},
		)

		droppedDeliveriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_dropped_deliveries_total",
				Help: "Total number of live deliveries dropped because a subscriber was slow.",
			},
		)

		gcSweepsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_gc_sweeps_total",
				Help: "Total number of garbage-collector sweeps by kind.",
			},
			[]string{"kind"},
		)

		retentionDeletedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_retention_deleted_total",
				Help: "Total number of durable event records deleted by retention sweeps.",
			},
		)

		prometheus.MustRegister(
			eventsEmittedCounter,
			oversizeWarningsCounter,
			batchFlushesCounter,
			batchFlushSizeMetric,
			bufferedEventsGauge,
			liveSubscribersGauge,
			droppedDeliveriesCounter,
			gcSweepsCounter,
			retentionDeletedCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, level := range []string{
			domain.LevelDebug,
			domain.LevelInfo,
			domain.LevelWarn,
			domain.LevelError,
		} {
			eventsEmittedCounter.WithLabelValues(level)
		}
		for _, result := range []string{"ok", "error"} {
			batchFlushesCounter.WithLabelValues(result)
		}
		for _, kind := range []string{"buffer", "eviction"} {
			gcSweepsCounter.WithLabelValues(kind)
		}
	})
}

func IncEventEmitted(level string) {
	Init()
	eventsEmittedCounter.WithLabelValues(level).Inc()
}

func IncOversizeWarning() {
	Init()
	oversizeWarningsCounter.Inc()
}

func IncBatchFlush(result string) {
	Init()
	batchFlushesCounter.WithLabelValues(result).Inc()
}

func ObserveBatchFlushSize(n int) {
	Init()
	batchFlushSizeMetric.Observe(float64(n))
}

func SetBufferedEvents(n int) {
	Init()
	bufferedEventsGauge.Set(float64(n))
}

func AddLiveSubscribers(delta int) {
	Init()
	liveSubscribersGauge.Add(float64(delta))
}

func IncDroppedDeliveries() {
	Init()
	droppedDeliveriesCounter.Inc()
}

func IncGCSweep(kind string) {
	Init()
	gcSweepsCounter.WithLabelValues(kind).Inc()
}

func AddRetentionDeleted(n int64) {
	Init()
	retentionDeletedCounter.Add(float64(n))
}
