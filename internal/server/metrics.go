package server

import (
	"net/http"

	"github.com/nevindra/atelier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes engine counters as a prometheus registry. Gauges read
// live engine state at scrape time, so there is nothing to pump.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics builds the registry over the engine components. gateway may
// be nil when the process runs without an LLM gateway.
func NewMetrics(manager *atelier.Manager, bus *atelier.Bus, gateway *atelier.Gateway) *Metrics {
	reg := prometheus.NewRegistry()

	for _, status := range []atelier.JobStatus{
		atelier.StatusPending, atelier.StatusRunning, atelier.StatusPaused,
		atelier.StatusRetrying, atelier.StatusCompleted, atelier.StatusFailed,
		atelier.StatusCancelled, atelier.StatusArchived,
	} {
		st := status
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "atelier_jobs",
			Help:        "Number of jobs by status.",
			ConstLabels: prometheus.Labels{"status": string(st)},
		}, func() float64 {
			return float64(len(manager.List(atelier.JobFilter{Status: st, IncludeArchived: true})))
		}))
	}

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "atelier_events_dropped_total",
		Help: "Events dropped across all subscriber queues.",
	}, func() float64 { return float64(bus.TotalDropped()) }))

	if gateway != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atelier_llm_cache_hits_total",
			Help: "Gateway generations served from the content cache.",
		}, func() float64 { return float64(gateway.CacheHits()) }))
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "atelier_llm_calls_total",
			Help: "Gateway generate calls.",
		}, func() float64 { return float64(gateway.Calls()) }))
	}

	return &Metrics{registry: reg}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
