// Package metrics holds the Prometheus collectors of the credit engine.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry, so tests can build as many as they like. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/credit-engine/inventory"
)

const namespace = "credit_engine"

// Metrics is the set of collectors.
type Metrics struct {
	provisions         *prometheus.CounterVec
	provisionDuration  *prometheus.HistogramVec
	fallthroughs       *prometheus.CounterVec
	compensations      *prometheus.CounterVec
	creditPostings     *prometheus.CounterVec
	inventoryAvailable *prometheus.GaugeVec
	inventoryTotal     *prometheus.GaugeVec
	inventoryStatus    *prometheus.GaugeVec
	breakerState       prometheus.Gauge
	notifications      *prometheus.CounterVec
	sweeps             *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. When reg is also a Gatherer, Handler
// serves it.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		provisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "redemptions_total",
			Help:      "Provision attempts by outcome and winning source.",
		}, []string{"outcome", "source"}),
		provisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "duration_seconds",
			Help:      "Provision latency by outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		fallthroughs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "source_fallthrough_total",
			Help:      "Waterfall steps that yielded no card, by source and reason.",
		}, []string{"source", "reason"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "compensations_total",
			Help:      "Compensating actions taken after a failed step.",
		}, []string{"action"}),
		creditPostings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credit",
			Name:      "postings_total",
			Help:      "Credit transactions written by type.",
		}, []string{"type"}),
		inventoryAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "available_cards",
			Help:      "Available cards per bucket at the last health refresh.",
		}, []string{"pool", "brand", "denomination"}),
		inventoryTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "total_cards",
			Help:      "Non-expired cards per bucket at the last health refresh.",
		}, []string{"pool", "brand", "denomination"}),
		inventoryStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "health_status",
			Help:      "1 for the current health status of a bucket, 0 otherwise.",
		}, []string{"pool", "brand", "denomination", "status"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "circuit_state",
			Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Notification hand-offs by outcome.",
		}, []string{"outcome"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "jobs_total",
			Help:      "Maintenance job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Provision records one Provision outcome.
func (m *Metrics) Provision(outcome string, source inventory.Pool, d time.Duration) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(outcome, string(source)).Inc()
	m.provisionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Fallthrough records a waterfall step that produced no card.
func (m *Metrics) Fallthrough(source inventory.Pool, reason string) {
	if m == nil {
		return
	}
	m.fallthroughs.WithLabelValues(string(source), reason).Inc()
}

// Compensation records a compensating action (release, refund, fail).
func (m *Metrics) Compensation(action string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(action).Inc()
}

// Posting records a credit transaction.
func (m *Metrics) Posting(txType string) {
	if m == nil {
		return
	}
	m.creditPostings.WithLabelValues(txType).Inc()
}

var healthStatuses = []inventory.HealthStatus{
	inventory.HealthEmpty,
	inventory.HealthCritical,
	inventory.HealthLow,
	inventory.HealthMedium,
	inventory.HealthHealthy,
}

// ObserveHealth publishes one bucket of a health refresh.
func (m *Metrics) ObserveHealth(h inventory.Health) {
	if m == nil {
		return
	}
	pool := string(h.Pool)
	if pool == "" {
		pool = "stock"
	}
	denom := inventory.DenominationKey(h.Denomination)
	m.inventoryAvailable.WithLabelValues(pool, h.BrandID, denom).Set(float64(h.Available))
	m.inventoryTotal.WithLabelValues(pool, h.BrandID, denom).Set(float64(h.Total))
	for _, s := range healthStatuses {
		v := 0.0
		if s == h.Status {
			v = 1
		}
		m.inventoryStatus.WithLabelValues(pool, h.BrandID, denom, string(s)).Set(v)
	}
}

// BreakerState publishes the provider circuit position.
func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// Notification records a notification hand-off outcome.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Job records a maintenance job run.
func (m *Metrics) Job(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(job, outcome).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
