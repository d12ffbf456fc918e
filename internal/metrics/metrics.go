// Package metrics exports driver activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mudclock/internal/driver"
)

const namespace = "mudclock"

// Observer implements driver.Observer on its own registry.
type Observer struct {
	reg *prometheus.Registry

	episodes  *prometheus.CounterVec
	cost      *prometheus.HistogramVec
	seconds   *prometheus.HistogramVec
	passes    prometheus.Counter
	chained   prometheus.Counter
	passTime  prometheus.Histogram
	pending   prometheus.Gauge
	heartbeat prometheus.Gauge
}

var _ driver.Observer = (*Observer)(nil)

// New builds the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Observer {
	o := &Observer{
		reg: prometheus.NewRegistry(),
		episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Episodes run, by kind and outcome (ok, failed, aborted).",
		}, []string{"kind", "outcome"}),
		cost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_cost",
			Help:      "Evaluation cost charged per episode.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10), // 1 .. ~262k
		}, []string{"kind"}),
		seconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_seconds",
			Help:      "Wall time per episode in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us .. ~26s
		}, []string{"kind"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Scheduling passes run.",
		}),
		chained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callouts_chained_total",
			Help:      "Loop-protected call-outs fired in the pass that created them.",
		}),
		passTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_seconds",
			Help:      "Wall time per scheduling pass in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "callouts_pending",
			Help:      "Call-outs queued after the last pass.",
		}),
		heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeats_enabled",
			Help:      "Entities in the heartbeat set after the last pass.",
		}),
	}
	o.reg.MustRegister(
		o.episodes, o.cost, o.seconds,
		o.passes, o.chained, o.passTime, o.pending, o.heartbeat,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return o
}

func (o *Observer) EpisodeDone(s driver.EpisodeStats) {
	kind := s.Kind.String()
	o.episodes.WithLabelValues(kind, string(s.Outcome)).Inc()
	o.cost.WithLabelValues(kind).Observe(float64(s.Cost))
	o.seconds.WithLabelValues(kind).Observe(s.Elapsed.Seconds())
}

func (o *Observer) PassDone(s driver.PassStats) {
	o.passes.Inc()
	o.chained.Add(float64(s.Chained))
	o.passTime.Observe(s.Elapsed.Seconds())
	o.pending.Set(float64(s.Pending))
	o.heartbeat.Set(float64(s.Members))
}

// Registerer lets other components add their own collectors.
func (o *Observer) Registerer() prometheus.Registerer { return o.reg }

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{Registry: o.reg})
}
