package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/tagforge/tagforge/internal/jobs"
)

const MetricPrefix = "tagforge_"

var (
	jobQueueSizeDesc = prometheus.NewDesc(
		MetricPrefix+"job_queue_size",
		"Number of pending step items in a job's queue",
		[]string{"tenantId", "jobId"},
		nil,
	)
	jobStateDesc = prometheus.NewDesc(
		MetricPrefix+"job_state",
		"Current state of a job, as the numeric state-machine value",
		[]string{"tenantId", "jobId"},
		nil,
	)
	jobItemsProcessedDesc = prometheus.NewDesc(
		MetricPrefix+"job_items_processed_total",
		"Items processed by a job",
		[]string{"tenantId", "jobId"},
		nil,
	)
	jobItemsFailedDesc = prometheus.NewDesc(
		MetricPrefix+"job_items_failed_total",
		"Items that failed processing",
		[]string{"tenantId", "jobId"},
		nil,
	)
	jobItemsRequeuedDesc = prometheus.NewDesc(
		MetricPrefix+"job_items_requeued_total",
		"Items put back on the queue after a failed batch",
		[]string{"tenantId", "jobId"},
		nil,
	)
	jobExceptionsDesc = prometheus.NewDesc(
		MetricPrefix+"job_exceptions_total",
		"Exceptions recorded for a job",
		[]string{"tenantId", "jobId"},
		nil,
	)
)

// ExposeJobMetrics registers a collector that walks every runnable job in
// the store on each scrape.
func ExposeJobMetrics(store jobs.JobStore, queue jobs.JobQueue) *JobInfoCollector {
	collector := &JobInfoCollector{store: store, queue: queue}
	prometheus.MustRegister(collector)
	return collector
}

type JobInfoCollector struct {
	store jobs.JobStore
	queue jobs.JobQueue
}

func (c *JobInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- jobQueueSizeDesc
	desc <- jobStateDesc
	desc <- jobItemsProcessedDesc
	desc <- jobItemsFailedDesc
	desc <- jobItemsRequeuedDesc
	desc <- jobExceptionsDesc
}

func (c *JobInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	refs, err := c.store.LoadAllRunnableIds()
	if err != nil {
		log.WithError(err).Error("could not list jobs for metrics collection")
		return
	}
	for _, ref := range refs {
		status, err := c.store.LoadStatus(ref.TenantId, ref.JobId)
		if err != nil {
			log.WithError(err).WithField("jobId", ref.JobId).Debug("skipping job in metrics collection")
			continue
		}
		length, err := c.queue.GetQueueLength(ref.JobId)
		if err == nil {
			metrics <- prometheus.MustNewConstMetric(
				jobQueueSizeDesc, prometheus.GaugeValue, float64(length), ref.TenantId, ref.JobId)
		}
		metrics <- prometheus.MustNewConstMetric(
			jobStateDesc, prometheus.GaugeValue, float64(status.State), ref.TenantId, ref.JobId)
		metrics <- prometheus.MustNewConstMetric(
			jobItemsProcessedDesc, prometheus.CounterValue, float64(status.ItemsProcessed), ref.TenantId, ref.JobId)
		metrics <- prometheus.MustNewConstMetric(
			jobItemsFailedDesc, prometheus.CounterValue, float64(status.ItemsFailed), ref.TenantId, ref.JobId)
		metrics <- prometheus.MustNewConstMetric(
			jobItemsRequeuedDesc, prometheus.CounterValue, float64(status.ItemsRequeued), ref.TenantId, ref.JobId)
		metrics <- prometheus.MustNewConstMetric(
			jobExceptionsDesc, prometheus.CounterValue, float64(status.ExceptionCount), ref.TenantId, ref.JobId)
	}
}
