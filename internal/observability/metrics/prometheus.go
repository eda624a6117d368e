// Package metrics provides Prometheus metrics for the admission and billing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AdmissionsTotal     *prometheus.CounterVec
	TransfersTotal      prometheus.Counter
	DischargesTotal     *prometheus.CounterVec
	BedConflicts        prometheus.Counter
	LedgerEntries       *prometheus.CounterVec
	LedgerEntriesBilled prometheus.Counter
	PaymentsTotal       prometheus.Counter
	PaymentAmount       prometheus.Counter
	RequestDuration     *prometheus.HistogramVec
	OutboxPending       prometheus.Gauge
	OutboxRelayed       prometheus.Counter
	IngestMessages      *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_admissions_total",
			Help: "Total admissions by admission type",
		}, []string{"type"}),
		TransfersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_transfers_total",
			Help: "Total bed transfers",
		}),
		DischargesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_discharges_total",
			Help: "Total discharges by outcome",
		}, []string{"outcome"}),
		BedConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_bed_conflicts_total",
			Help: "Bed allocations refused because the bed was taken",
		}),
		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_ledger_entries_total",
			Help: "Ledger entries recorded by source type",
		}, []string{"source_type", "created"}),
		LedgerEntriesBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_ledger_entries_billed_total",
			Help: "Ledger entries attached to an invoice",
		}),
		PaymentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_payments_total",
			Help: "Total payments applied",
		}),
		PaymentAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_payment_amount_total",
			Help: "Sum of applied payment amounts",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ipd_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "method", "status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipd_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipd_outbox_relayed_total",
			Help: "Outbox entries published to the broker",
		}),
		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_ingest_messages_total",
			Help: "Billable messages consumed by topic and result",
		}, []string{"topic", "result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.TransfersTotal,
		m.DischargesTotal,
		m.BedConflicts,
		m.LedgerEntries,
		m.LedgerEntriesBilled,
		m.PaymentsTotal,
		m.PaymentAmount,
		m.RequestDuration,
		m.OutboxPending,
		m.OutboxRelayed,
		m.IngestMessages,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler returns the Prometheus HTTP handler for the registry the
// metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
