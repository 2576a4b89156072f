// Package metrics exposes the proxy's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dcmproxy"

// Metrics holds every collector of the process.
type Metrics struct {
	registry *prometheus.Registry

	associations    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	objectsReceived *prometheus.CounterVec
	objectsStaged   *prometheus.CounterVec
	noRule          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	spoolItems      *prometheus.GaugeVec
	tickDuration    prometheus.Histogram
	orphansSwept    prometheus.Counter
	auditEvents     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		associations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "associations_total",
			Help:      "Inbound associations by negotiation decision",
		}, []string{"ae", "mode"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "active_sessions",
			Help:      "Inbound associations currently open",
		}),
		objectsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_received_total",
			Help:      "DIMSE requests received from inbound associations and HTTP ingest",
		}, []string{"ae", "command"}),
		objectsStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "staged_total",
			Help:      "Objects written to the spool per destination",
		}, []string{"ae", "destination"}),
		noRule: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "no_applicable_rule_total",
			Help:      "Objects refused because no forward rule applied",
		}, []string{"ae"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "deliveries_total",
			Help:      "Delivery attempts from the spool by result",
		}, []string{"ae", "destination", "result"}),
		spoolItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "items",
			Help:      "Spooled items seen by the last retry tick",
		}, []string{"ae", "state"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "tick_duration_seconds",
			Help:      "Duration of retry scheduler ticks",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		orphansSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "orphans_swept_total",
			Help:      "Stale partial files deleted",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events emitted by type",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.associations, m.activeSessions, m.objectsReceived, m.objectsStaged, m.noRule,
		m.deliveries, m.spoolItems, m.tickDuration, m.orphansSwept, m.auditEvents,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Association(ae, mode string) {
	if m == nil {
		return
	}
	m.associations.WithLabelValues(ae, mode).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RequestReceived(ae, command string) {
	if m == nil {
		return
	}
	m.objectsReceived.WithLabelValues(ae, command).Inc()
}

func (m *Metrics) Staged(ae, destination string) {
	if m == nil {
		return
	}
	m.objectsStaged.WithLabelValues(ae, destination).Inc()
}

func (m *Metrics) NoApplicableRule(ae string) {
	if m == nil {
		return
	}
	m.noRule.WithLabelValues(ae).Inc()
}

func (m *Metrics) Delivery(ae, destination, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(ae, destination, result).Inc()
}

// SpoolItems sets the item gauges of one AE.
func (m *Metrics) SpoolItems(ae string, pending, claimed, failed int) {
	if m == nil {
		return
	}
	m.spoolItems.WithLabelValues(ae, "pending").Set(float64(pending))
	m.spoolItems.WithLabelValues(ae, "claimed").Set(float64(claimed))
	m.spoolItems.WithLabelValues(ae, "failed").Set(float64(failed))
}

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) OrphansSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansSwept.Add(float64(n))
}

func (m *Metrics) AuditEvent(eventType string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(eventType).Inc()
}
