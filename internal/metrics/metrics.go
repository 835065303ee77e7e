// Package metrics defines the counters and gauges the lifecycle engine
// updates and exposes them in Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Sqew instrumentation. Create one per process with
// New and share it between the engine, the reaper and the API server.
type Metrics struct {
	registry *prometheus.Registry

	enqueued     *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	leased       *prometheus.CounterVec
	acked        *prometheus.CounterVec
	nacked       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	fenced       *prometheus.CounterVec
	extended     *prometheus.CounterVec
	expired      *prometheus.CounterVec

	ready      *prometheus.GaugeVec
	leasedNow  *prometheus.GaugeVec
	total      *prometheus.GaugeVec
	reapErrors prometheus.Counter

	requestDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry so tests can run in
// parallel without collisions.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	counter := func(name, help string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqew", Name: name, Help: help,
		}, []string{"queue"})
		m.registry.MustRegister(v)
		return v
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqew", Name: name, Help: help,
		}, []string{"queue"})
		m.registry.MustRegister(v)
		return v
	}

	m.enqueued = counter("messages_enqueued_total", "Messages accepted by enqueue.")
	m.deduplicated = counter("messages_deduplicated_total", "Enqueues answered from an existing idempotency key.")
	m.leased = counter("messages_leased_total", "Messages claimed by lease calls.")
	m.acked = counter("messages_acked_total", "Messages acknowledged and deleted.")
	m.nacked = counter("messages_nacked_total", "Messages rescheduled by nack.")
	m.dropped = counter("messages_dropped_total", "Messages dropped at the attempts cap.")
	m.fenced = counter("operations_fenced_total", "Ack/nack/extend attempts rejected by lease fencing.")
	m.extended = counter("leases_extended_total", "Successful lease extensions.")
	m.expired = counter("messages_expired_total", "Messages deleted by TTL reaping.")

	m.ready = gauge("queue_ready", "Messages ready for the next poll.")
	m.leasedNow = gauge("queue_leased", "Messages under an unexpired lease.")
	m.total = gauge("queue_total", "Messages in the queue.")

	m.reapErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sqew", Name: "reaper_errors_total",
		Help: "Reaper ticks that failed and will be retried.",
	})
	m.registry.MustRegister(m.reapErrors)

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sqew", Name: "http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
	m.registry.MustRegister(m.requestDuration)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) Enqueued(queue string)     { m.enqueued.WithLabelValues(queue).Inc() }
func (m *Metrics) Deduplicated(queue string) { m.deduplicated.WithLabelValues(queue).Inc() }
func (m *Metrics) Leased(queue string, n int) {
	m.leased.WithLabelValues(queue).Add(float64(n))
}
func (m *Metrics) Acked(queue string)    { m.acked.WithLabelValues(queue).Inc() }
func (m *Metrics) Nacked(queue string)   { m.nacked.WithLabelValues(queue).Inc() }
func (m *Metrics) Dropped(queue string)  { m.dropped.WithLabelValues(queue).Inc() }
func (m *Metrics) Fenced(queue string)   { m.fenced.WithLabelValues(queue).Inc() }
func (m *Metrics) Extended(queue string) { m.extended.WithLabelValues(queue).Inc() }
func (m *Metrics) Expired(queue string, n int) {
	m.expired.WithLabelValues(queue).Add(float64(n))
}
func (m *Metrics) ReapError() { m.reapErrors.Inc() }

// SetQueueDepths records the per-queue gauges; the reaper refreshes
// them each tick.
func (m *Metrics) SetQueueDepths(queue string, ready, leased, total int64) {
	m.ready.WithLabelValues(queue).Set(float64(ready))
	m.leasedNow.WithLabelValues(queue).Set(float64(leased))
	m.total.WithLabelValues(queue).Set(float64(total))
}

// ForgetQueue drops the gauge series of a deleted queue.
func (m *Metrics) ForgetQueue(queue string) {
	labels := prometheus.Labels{"queue": queue}
	m.ready.Delete(labels)
	m.leasedNow.Delete(labels)
	m.total.Delete(labels)
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	m.requestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
