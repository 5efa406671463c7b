package telemetry

import (
	"net/http"
	"sync"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "pushwatch"

var (
	registry   *prometheus.Registry
	registryMu sync.Mutex
)

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Vec types for labeled metrics
type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}

type noopCounterVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ vec *prometheus.CounterVec }

func (c counterVec) With(labelValues ...string) Counter {
	return c.vec.WithLabelValues(labelValues...)
}

type histogramVec struct{ vec *prometheus.HistogramVec }

func (h histogramVec) With(labelValues ...string) Histogram {
	return h.vec.WithLabelValues(labelValues...)
}

func constLabels() prometheus.Labels {
	return prometheus.Labels{"harness_id": cfg.Config.HarnessID}
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	})
	registry.MustRegister(c)
	return c
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	})
	registry.MustRegister(g)
	return g
}

func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: constLabels(),
	})
	registry.MustRegister(h)
	return h
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(v)
	return counterVec{vec: v}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(v)
	return histogramVec{vec: v}
}

// InitializeTelemetry creates the registry and registers all metrics. Metrics
// stay noop when Prometheus is disabled. Safe to call more than once.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	InitMetrics()

	log.Info().Msg("Prometheus metrics enabled - served by the admin server at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics.
// Returns nil if Prometheus is not enabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
