// Package metrics exposes controller metrics for Prometheus.
//
// A nil *Metrics is valid and records nothing, so collaborators can run
// without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/solar-ems/internal/logic"
)

const namespace = "ems"

// Metrics holds the controller's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	loadOn        *prometheus.GaugeVec
	decisions     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	runtime       *prometheus.GaugeVec
	telemetryAge  *prometheus.GaugeVec
	fetchFailures prometheus.Counter
	fetchDuration prometheus.Histogram
	breakerState  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loadOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_on",
			Help:      "1 when the load's relay is commanded on.",
		}, []string{"load"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Evaluations by load, command and reason.",
		}, []string{"load", "command", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "On/off transitions by load and reason.",
		}, []string{"load", "reason"}),
		runtime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_today_seconds",
			Help:      "Accumulated on-time since the daily reset.",
		}, []string{"load"}),
		telemetryAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_age_seconds",
			Help:      "Age of the newest sample per source at evaluation time.",
		}, []string{"source"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Telemetry fetches that returned an error.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Telemetry fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_breaker_state",
			Help:      "Telemetry circuit breaker (0 closed, 1 half-open, 2 open).",
		}),
	}

	m.registry.MustRegister(
		m.loadOn,
		m.decisions,
		m.transitions,
		m.runtime,
		m.telemetryAge,
		m.fetchFailures,
		m.fetchDuration,
		m.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Decision records one evaluation and the resulting relay state.
func (m *Metrics) Decision(load string, d logic.Decision, st logic.LoadState, now time.Time) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(load, string(d.Command), string(d.Reason)).Inc()
	if d.Transition {
		m.transitions.WithLabelValues(load, string(d.Reason)).Inc()
	}
	on := 0.0
	if st.On {
		on = 1
	}
	m.loadOn.WithLabelValues(load).Set(on)
	m.runtime.WithLabelValues(load).Set(st.RuntimeAt(now).Seconds())
}

// Snapshot records the age of each telemetry source.
func (m *Metrics) Snapshot(snap logic.Snapshot, now time.Time) {
	if m == nil {
		return
	}
	m.telemetryAge.WithLabelValues("battery").Set(now.Sub(snap.BatteryAt).Seconds())
	m.telemetryAge.WithLabelValues("pv").Set(now.Sub(snap.PVAt).Seconds())
	m.telemetryAge.WithLabelValues("out").Set(now.Sub(snap.OutAt).Seconds())
}

// Fetch records a telemetry fetch.
func (m *Metrics) Fetch(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
	if err != nil {
		m.fetchFailures.Inc()
	}
}

// BreakerState records the breaker state by name.
func (m *Metrics) BreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "half-open":
		m.breakerState.Set(1)
	case "open":
		m.breakerState.Set(2)
	default:
		m.breakerState.Set(0)
	}
}
