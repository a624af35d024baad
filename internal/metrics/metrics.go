// Package metrics exposes the pipeline's Prometheus instrumentation.
//
// Counters follow the RED shape (rate/errors/duration) per queue; gauges track
// saturation (queue depth per state, live hub connections). Scraped via the
// ops server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_jobs_enqueued_total",
		Help: "Jobs accepted per queue (deduped enqueues not counted).",
	}, []string{"queue"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_jobs_completed_total",
		Help: "Jobs finished successfully per queue.",
	}, []string{"queue"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_jobs_failed_total",
		Help: "Jobs that exhausted attempts or failed terminally per queue.",
	}, []string{"queue"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_jobs_retried_total",
		Help: "Job executions rescheduled with backoff per queue.",
	}, []string{"queue"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayhub_job_duration_seconds",
		Help:    "Handler execution time per queue.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayhub_queue_depth",
		Help: "Jobs per queue and state.",
	}, []string{"queue", "state"})

	RateLimitDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayhub_rate_limit_denied_total",
		Help: "Outbound sends deferred by the per-tenant limiter.",
	})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayhub_hub_connections",
		Help: "Live authenticated realtime connections.",
	})

	HubEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_hub_events_total",
		Help: "Events delivered to rooms/tenants by wire event name.",
	}, []string{"event"})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayhub_bus_dropped_total",
		Help: "Bus events lost to a full subscriber buffer, by event type.",
	}, []string{"event"})
)
