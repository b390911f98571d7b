package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing proxied job runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	polls    prometheus.Histogram
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus registry.
// Collectors are created once so repeated construction never panics on
// duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers a fresh set of collectors on reg. Tests pass their
// own registry to keep names unique.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flow_proxy",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Proxied job runs by terminal outcome.",
		},
		[]string{"kind", "outcome"},
	)
	polls := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flow_proxy",
			Subsystem: "jobs",
			Name:      "polls_per_run",
			Help:      "Status polls issued before a run terminated.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flow_proxy",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Wall time from submission to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flow_proxy",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Job runs currently submitting or polling.",
		},
	)

	for _, c := range []prometheus.Collector{runs, polls, duration, inFlight} {
		err := reg.Register(c)
		if err == nil {
			continue
		}
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		// reuse whatever an earlier registration installed
		switch c {
		case prometheus.Collector(runs):
			runs = already.ExistingCollector.(*prometheus.CounterVec)
		case prometheus.Collector(polls):
			polls = already.ExistingCollector.(prometheus.Histogram)
		case prometheus.Collector(duration):
			duration = already.ExistingCollector.(*prometheus.HistogramVec)
		case prometheus.Collector(inFlight):
			inFlight = already.ExistingCollector.(prometheus.Gauge)
		}
	}

	return &Metrics{runs: runs, polls: polls, duration: duration, inFlight: inFlight}
}

// RunStarted marks a run in flight and returns the func that records its end.
func (m *Metrics) RunStarted(kind string) func(outcome string, polls int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(outcome string, polls int) {
		m.inFlight.Dec()
		m.runs.WithLabelValues(kind, outcome).Inc()
		m.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		if polls > 0 {
			m.polls.Observe(float64(polls))
		}
	}
}
