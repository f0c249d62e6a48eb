// Package metrics holds the Prometheus collectors of the generation service.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	jobsQueued        *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	creditsSpent      prometheus.Counter
	creditsGranted    *prometheus.CounterVec
	pageImageFailures prometheus.Counter
	coverFallbacks    prometheus.Counter
	stageDuration     *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "storyforge"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.jobsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queued_total",
			Help:      "Jobs accepted into the queue",
		},
		[]string{"kind"},
	)

	c.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status, or were abandoned after leaving the active states",
		},
		[]string{"kind", "status"},
	)

	c.creditsSpent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "spent_total",
			Help:      "Credits debited from user balances",
		},
	)

	c.creditsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "granted_total",
			Help:      "Credits added to user balances",
		},
		[]string{"reason"},
	)

	c.pageImageFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "page_image_failures_total",
			Help:      "Story pages left without an illustration",
		},
	)

	c.coverFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cover_fallbacks_total",
			Help:      "Covers that reused the first page illustration",
		},
	)

	c.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of generation pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"kind", "stage"},
	)

	c.registry.MustRegister(
		c.jobsQueued,
		c.jobsFinished,
		c.creditsSpent,
		c.creditsGranted,
		c.pageImageFailures,
		c.coverFallbacks,
		c.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobQueued(kind string) {
	if c == nil {
		return
	}
	c.jobsQueued.WithLabelValues(kind).Inc()
}

func (c *Collector) JobFinished(kind, status string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(kind, status).Inc()
}

func (c *Collector) CreditsSpent(amount int) {
	if c == nil || amount <= 0 {
		return
	}
	c.creditsSpent.Add(float64(amount))
}

func (c *Collector) CreditsGranted(reason string, amount int) {
	if c == nil || amount <= 0 {
		return
	}
	c.creditsGranted.WithLabelValues(reason).Add(float64(amount))
}

func (c *Collector) PageImageFailed() {
	if c == nil {
		return
	}
	c.pageImageFailures.Inc()
}

func (c *Collector) CoverFallback() {
	if c == nil {
		return
	}
	c.coverFallbacks.Inc()
}

// ObserveStage records how long a pipeline stage took since start.
func (c *Collector) ObserveStage(kind, stage string, start time.Time) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(kind, stage).Observe(time.Since(start).Seconds())
}
