package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "tracklane_"

var flushDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "buffer_flush_duration_seconds",
		Help:    "Time taken to flush a buffer",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"buffer"},
)

var flushedItemsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "buffer_flushed_items_total",
		Help: "Number of buffered items written and removed from a buffer",
	},
	[]string{"buffer"},
)

var droppedItemsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "buffer_dropped_items_total",
		Help: "Number of buffered items that could not be decoded",
	},
	[]string{"buffer"},
)

var failedFlushesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "buffer_failed_flushes_total",
		Help: "Number of flushes whose batch was moved to the dead letter record",
	},
	[]string{"buffer"},
)

var jobsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "jobs_processed_total",
		Help: "Number of jobs processed by queue, job name and outcome",
	},
	[]string{"queue", "name", "outcome"},
)

func RecordFlush(buffer string, items int, duration time.Duration) {
	flushDurationHist.WithLabelValues(buffer).Observe(duration.Seconds())
	flushedItemsCounter.WithLabelValues(buffer).Add(float64(items))
}

func RecordDroppedItems(buffer string, n int) {
	droppedItemsCounter.WithLabelValues(buffer).Add(float64(n))
}

func RecordFailedFlush(buffer string) {
	failedFlushesCounter.WithLabelValues(buffer).Inc()
}

func RecordJob(queue, name string, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	jobsCounter.WithLabelValues(queue, name, outcome).Inc()
}
