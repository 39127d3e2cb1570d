package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns the worker's Prometheus series on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	engineState      *prometheus.GaugeVec
	engineLoad       prometheus.Gauge
	artifactFetches  *prometheus.CounterVec
	artifactBytes    prometheus.Counter
	queueWaitSeconds prometheus.Histogram
}

// EngineStates are the label values of kontext_engine_state.
var EngineStates = []string{"unloaded", "loading", "ready", "failed"}

// NewCollector registers all series plus Go and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_jobs_total",
				Help: "Jobs handled, by outcome.",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kontext_job_duration_seconds",
				Help:    "Wall time per job, including engine load on cold start.",
				Buckets: []float64{0.1, 1, 5, 10, 20, 40, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		engineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kontext_engine_state",
				Help: "1 for the engine's current lifecycle state, 0 otherwise.",
			},
			[]string{"state"},
		),
		engineLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kontext_engine_load_seconds",
			Help: "Time spent constructing the engine.",
		}),
		artifactFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_artifact_fetches_total",
				Help: "Artifact ensure calls, by kind (weight, pipeline, other) and result (cached, downloaded, failed).",
			},
			[]string{"kind", "result"},
		),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kontext_artifact_bytes_total",
			Help: "Bytes downloaded from the model hub.",
		}),
		queueWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kontext_queue_wait_seconds",
			Help:    "Time a job waited for the single worker slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	c.registry.MustRegister(
		c.jobsTotal,
		c.jobDuration,
		c.engineState,
		c.engineLoad,
		c.artifactFetches,
		c.artifactBytes,
		c.queueWaitSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.SetEngineState("unloaded")
	return c
}

// Registry is served by the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveJob records a finished job.
func (c *Collector) ObserveJob(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(outcome).Inc()
	c.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetEngineState flips the one-hot state gauge.
func (c *Collector) SetEngineState(state string) {
	if c == nil {
		return
	}
	for _, s := range EngineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.engineState.WithLabelValues(s).Set(v)
	}
}

// ObserveEngineLoad records construction time.
func (c *Collector) ObserveEngineLoad(d time.Duration) {
	if c == nil {
		return
	}
	c.engineLoad.Set(d.Seconds())
}

// ObserveArtifact records one ensure call and the bytes it downloaded.
func (c *Collector) ObserveArtifact(kind, result string, bytes int64) {
	if c == nil {
		return
	}
	c.artifactFetches.WithLabelValues(kind, result).Inc()
	if bytes > 0 {
		c.artifactBytes.Add(float64(bytes))
	}
}

// ObserveQueueWait records how long a job waited for admission.
func (c *Collector) ObserveQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWaitSeconds.Observe(d.Seconds())
}
