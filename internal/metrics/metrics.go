// Package metrics exposes Prometheus counters for history loads and
// realtime push decisions.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/nutapi"
	"github.com/alexjbarnes/chat-sync/internal/pending"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Load results.
const (
	resultComplete = "complete"
	resultPartial  = "partial"
	resultError    = "error"
)

// Metrics owns a private registry so several instances can coexist in
// tests.
type Metrics struct {
	registry *prometheus.Registry

	loads         *prometheus.CounterVec
	loadedTotal   prometheus.Gauge
	pages         prometheus.Counter
	rateLimited   prometheus.Counter
	pushDecisions *prometheus.CounterVec
}

// New creates and registers the collectors, including the Go runtime
// collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "History loads by result.",
		}, []string{"result"}),
		loadedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_messages",
			Help:      "Messages fetched by the most recent successful load.",
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_pages_total",
			Help:      "History pages fetched.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_rate_limited_total",
			Help:      "Page requests answered with HTTP 429.",
		}),
		pushDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_decisions_total",
			Help:      "Realtime pushes by gate reason and outcome.",
		}, []string{"reason", "applied"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.loads,
		m.loadedTotal,
		m.pages,
		m.rateLimited,
		m.pushDecisions,
	)

	return m
}

// ObserveProgress counts pages and rate limited attempts. It is meant to
// be chained into nutapi.LoadOptions.OnProgress.
func (m *Metrics) ObserveProgress(p nutapi.Progress) {
	if p.IsRateLimited {
		m.rateLimited.Inc()
		return
	}

	m.pages.Inc()
}

// ObserveLoad implements chatsync.Observer.
func (m *Metrics) ObserveLoad(summary *chatsync.LoadSummary, err error) {
	switch {
	case err != nil || summary == nil:
		m.loads.WithLabelValues(resultError).Inc()
	case summary.Partial:
		m.loads.WithLabelValues(resultPartial).Inc()
		m.loadedTotal.Set(float64(summary.Loaded))
	default:
		m.loads.WithLabelValues(resultComplete).Inc()
		m.loadedTotal.Set(float64(summary.Loaded))
	}
}

// ObservePush implements chatsync.Observer.
func (m *Metrics) ObservePush(d realtime.Decision) {
	m.pushDecisions.WithLabelValues(string(d.Reason), strconv.FormatBool(d.Apply)).Inc()
}

// RegisterStatus exports the pending count and an error flag read from
// status at scrape time.
func (m *Metrics) RegisterStatus(status func() pending.SyncStatus) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Local messages not yet confirmed by the server.",
		}, func() float64 {
			return float64(status().PendingCount)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_error",
			Help:      "1 when the conversation has an unresolved sync error.",
		}, func() float64 {
			if status().State == pending.StateError {
				return 1
			}

			return 0
		}),
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
