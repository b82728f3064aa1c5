// Package metrics wraps the prometheus collectors this service exposes at
// /metrics. Every counter/gauge is created once at construction and held as
// a field so call sites never touch the registry directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	BroadcastsCreated   prometheus.Counter
	BroadcastsActivated prometheus.Counter
	BroadcastsExpired   prometheus.Counter
	BroadcastsCancelled prometheus.Counter

	DeliveriesSent   *prometheus.CounterVec
	ReadReceipts     prometheus.Counter
	DispatchFailures *prometheus.CounterVec

	DltIngested *prometheus.CounterVec
	DltRedriven prometheus.Counter
	DltPurged   prometheus.Counter

	ConnectionsOpen    prometheus.Gauge
	OutboxBacklog      prometheus.Gauge
	LifecycleJobRuns   *prometheus.CounterVec
}

// New builds and registers every collector under namespace. One instance is
// constructed per process and shared by every service that reports to it.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		BroadcastsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_created_total", Help: "Broadcasts created.",
		}),
		BroadcastsActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_activated_total", Help: "Broadcasts that became ACTIVE, at creation or from SCHEDULED.",
		}),
		BroadcastsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_expired_total", Help: "Broadcasts moved ACTIVE -> EXPIRED.",
		}),
		BroadcastsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_cancelled_total", Help: "Broadcasts cancelled by an operator.",
		}),

		DeliveriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total", Help: "Per-user deliveries, by path.",
		}, []string{"path"}), // "live" or "staged"

		ReadReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_receipts_total", Help: "Read receipts recorded.",
		}),

		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_failures_total", Help: "Dispatcher handler failures, by event type.",
		}, []string{"event_type"}),

		DltIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlt_ingested_total", Help: "Records ingested into the dead-letter table, by original topic.",
		}, []string{"topic"}),
		DltRedriven: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlt_redriven_total", Help: "Dead-letter records redriven by an operator.",
		}),
		DltPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlt_purged_total", Help: "Dead-letter records purged by an operator.",
		}),

		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open", Help: "Live SSE sessions held by this pod.",
		}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_backlog", Help: "Outbox rows observed at the start of the last drain poll.",
		}),
		LifecycleJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lifecycle_job_runs_total", Help: "Lifecycle job leases won and executed, by job name.",
		}, []string{"job"}),
	}

	registry.MustRegister(
		m.BroadcastsCreated, m.BroadcastsActivated, m.BroadcastsExpired, m.BroadcastsCancelled,
		m.DeliveriesSent, m.ReadReceipts, m.DispatchFailures,
		m.DltIngested, m.DltRedriven, m.DltPurged,
		m.ConnectionsOpen, m.OutboxBacklog, m.LifecycleJobRuns,
	)
	return m
}

// Handler serves the registered collectors in the Prometheus exposition
// format, mounted at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The methods below give each internal package a narrow metrics interface
// to depend on, the same way they depend on narrow Repository interfaces,
// without importing this package's types directly.

func (m *Metrics) IncBroadcastCreated()   { m.BroadcastsCreated.Inc() }
func (m *Metrics) IncBroadcastActivated() { m.BroadcastsActivated.Inc() }
func (m *Metrics) IncBroadcastExpired()   { m.BroadcastsExpired.Inc() }
func (m *Metrics) IncBroadcastCancelled() { m.BroadcastsCancelled.Inc() }

func (m *Metrics) IncDelivery(path string) { m.DeliveriesSent.WithLabelValues(path).Inc() }
func (m *Metrics) IncReadReceipt()         { m.ReadReceipts.Inc() }

func (m *Metrics) IncDispatchFailure(eventType string) {
	m.DispatchFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDltIngested(topic string) { m.DltIngested.WithLabelValues(topic).Inc() }
func (m *Metrics) IncDltRedriven()              { m.DltRedriven.Inc() }
func (m *Metrics) AddDltPurged(n int)           { m.DltPurged.Add(float64(n)) }

func (m *Metrics) IncLifecycleJobRun(job string) { m.LifecycleJobRuns.WithLabelValues(job).Inc() }

func (m *Metrics) ConnectionOpened()        { m.ConnectionsOpen.Inc() }
func (m *Metrics) ConnectionClosed()        { m.ConnectionsOpen.Dec() }
func (m *Metrics) SetOutboxBacklog(n int64) { m.OutboxBacklog.Set(float64(n)) }
