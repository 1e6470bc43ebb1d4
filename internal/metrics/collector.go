// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dearrow/thumbnail-cache/internal/queue"
)

// Queue label values. The default queue is exported as "low" to match
// the dashboards that predate the rename.
var queueLabels = map[string]string{
	queue.High:    "high",
	queue.Default: "low",
}

var (
	workersDesc     = prometheus.NewDesc("dearrow_workers", "Number of registered workers.", nil, nil)
	currentTimeDesc = prometheus.NewDesc("dearrow_current_time", "Current unix time on the scraping process.", nil, nil)
	workerBusyDesc  = prometheus.NewDesc("dearrow_worker_busy", "Whether the worker is executing a job.", []string{"worker_name"}, nil)

	queueDescs = map[string]*prometheus.Desc{
		"queued":    prometheus.NewDesc("dearrow_queue_queued", "Jobs waiting in the queue.", []string{"queue"}, nil),
		"started":   prometheus.NewDesc("dearrow_queue_started", "Jobs currently executing.", []string{"queue"}, nil),
		"finished":  prometheus.NewDesc("dearrow_queue_finished", "Recently finished jobs still retained.", []string{"queue"}, nil),
		"failed":    prometheus.NewDesc("dearrow_queue_failed", "Recently failed jobs still retained.", []string{"queue"}, nil),
		"scheduled": prometheus.NewDesc("dearrow_queue_scheduled", "Jobs scheduled for later execution.", []string{"queue"}, nil),
		"deferred":  prometheus.NewDesc("dearrow_queue_deferred", "Jobs deferred on a dependency.", []string{"queue"}, nil),
		"cancelled": prometheus.NewDesc("dearrow_queue_cancelled", "Recently cancelled jobs still retained.", []string{"queue"}, nil),
	}
)

// QueueCollector exports queue and worker gauges at scrape time instead
// of tracking them incrementally; the store is the source of truth and
// several processes mutate it.
type QueueCollector struct {
	queues *queue.Queues
	logger zerolog.Logger
}

// NewQueueCollector builds the collector. Callers register it on the
// default registry.
func NewQueueCollector(queues *queue.Queues, logger zerolog.Logger) *QueueCollector {
	return &QueueCollector{queues: queues, logger: logger}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- workersDesc
	ch <- currentTimeDesc
	ch <- workerBusyDesc
	for _, d := range queueDescs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(currentTimeDesc, prometheus.GaugeValue, float64(time.Now().UnixMilli())/1000)

	for name, label := range queueLabels {
		counts, err := c.queues.Counts(ctx, name)
		if err != nil {
			c.logger.Warn().Err(err).Str("queue", name).Msg("failed to collect queue counts")
			continue
		}
		for class, value := range map[string]int64{
			"queued":    counts.Queued,
			"started":   counts.Started,
			"finished":  counts.Finished,
			"failed":    counts.Failed,
			"scheduled": counts.Scheduled,
			"deferred":  counts.Deferred,
			"cancelled": counts.Cancelled,
		} {
			ch <- prometheus.MustNewConstMetric(queueDescs[class], prometheus.GaugeValue, float64(value), label)
		}
	}

	workers, err := c.queues.Workers(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect worker registry")
		return
	}
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(len(workers)))
	for _, w := range workers {
		busy := 0.0
		if w.State == queue.WorkerBusy {
			busy = 1
		}
		ch <- prometheus.MustNewConstMetric(workerBusyDesc, prometheus.GaugeValue, busy, w.Name)
	}
}
