// Package metrics defines the Prometheus collectors the engine reports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several engines (and tests) can coexist in
// one process.
type Metrics struct {
	Registry *prometheus.Registry

	Enqueued         prometheus.Counter
	Superseded       prometheus.Counter
	SendAttempts     prometheus.Counter
	SendOutcomes     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	DrainRuns        *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	CacheStoreErrors prometheus.Counter
	CacheEvictions   prometheus.Counter
	PrefetchRuns     *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_outbox_enqueued_total",
			Help: "Mutating requests accepted into the outbox.",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_outbox_superseded_total",
			Help: "Queued envelopes removed because a newer envelope had the same intent.",
		}),
		SendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_send_attempts_total",
			Help: "Individual upstream attempts made while replaying envelopes.",
		}),
		SendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_send_outcomes_total",
			Help: "Replay outcomes by classification.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaysync_outbox_depth",
			Help: "Envelopes currently waiting in the outbox.",
		}),
		DrainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_drain_runs_total",
			Help: "Drain passes by how they ended.",
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_cache_lookups_total",
			Help: "Session cache lookups by result.",
		}, []string{"result"}),
		CacheStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_cache_store_errors_total",
			Help: "Best-effort cache writes that failed and were swallowed.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_cache_evictions_total",
			Help: "Cache entries removed by invalidation or generation turnover.",
		}),
		PrefetchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_prefetch_runs_total",
			Help: "Prefetch invocations by result.",
		}, []string{"result"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaysync_broadcast_dropped_total",
			Help: "Messages an observer missed because its buffer was full.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Enqueued,
		m.Superseded,
		m.SendAttempts,
		m.SendOutcomes,
		m.QueueDepth,
		m.DrainRuns,
		m.CacheLookups,
		m.CacheStoreErrors,
		m.CacheEvictions,
		m.PrefetchRuns,
		m.BroadcastDropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
