package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provenance"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without metrics in tests.
type Metrics struct {
	// Fetch client
	FetchRequests *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec

	// Backward tracer
	TraceDuration prometheus.Histogram
	TraceSize     prometheus.Histogram
	TraceNodes    *prometheus.CounterVec

	// Forward tracer
	BatchesProcessed    prometheus.Counter
	BatchDuration       prometheus.Histogram
	TransactionsSkipped prometheus.Counter
	FundingEvents       *prometheus.CounterVec
	OffspringCreated    prometheus.Counter
	TrackedAddresses    prometheus.Gauge

	// Alerts
	AlertsEmitted     *prometheus.CounterVec
	AlertSinkFailures *prometheus.CounterVec

	// Enrichment
	Enrichments        *prometheus.CounterVec
	EnrichmentDuration prometheus.Histogram

	// Ingestion
	WebhookRequests *prometheus.CounterVec
	MalformedEvents prometheus.Counter

	// Metadata
	MetadataLookups *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "requests_total",
			Help: "Provider requests by operation and outcome",
		}, []string{"op", "status"}),
		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "latency_seconds",
			Help:    "Provider request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		TraceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trace", Name: "duration_seconds",
			Help:    "Wall-clock time of backward traces",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		TraceSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trace", Name: "nodes",
			Help:    "Node count of backward traces",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		TraceNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trace", Name: "nodes_total",
			Help: "Trace nodes by source type",
		}, []string{"source_type"}),

		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "batches_total",
			Help: "Transaction batches processed",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "batch_duration_seconds",
			Help:    "Batch processing time",
			Buckets: prometheus.DefBuckets,
		}),
		TransactionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "transactions_skipped_total",
			Help: "Transactions skipped for missing fee payer",
		}),
		FundingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "funding_events_total",
			Help: "Funding events by result (applied, duplicate)",
		}, []string{"result"}),
		OffspringCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "created_total",
			Help: "Offspring wallets created",
		}),
		TrackedAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "offspring", Name: "tracked_addresses",
			Help: "Addresses in the tracked index",
		}),

		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "emitted_total",
			Help: "Alerts emitted by type",
		}, []string{"type"}),
		AlertSinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "sink_failures_total",
			Help: "Alert delivery failures by sink",
		}, []string{"sink"}),

		Enrichments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "entity", Name: "enrichments_total",
			Help: "Enrichment runs by final status",
		}, []string{"status"}),
		EnrichmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "entity", Name: "enrichment_duration_seconds",
			Help:    "Enrichment run time",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "webhook_requests_total",
			Help: "Webhook requests by outcome",
		}, []string{"status"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "malformed_events_total",
			Help: "Transactions rejected at the ingestion boundary",
		}),

		MetadataLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "metadata", Name: "lookups_total",
			Help: "Token metadata lookups by source",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FetchRequests, m.FetchLatency,
			m.TraceDuration, m.TraceSize, m.TraceNodes,
			m.BatchesProcessed, m.BatchDuration, m.TransactionsSkipped, m.FundingEvents,
			m.OffspringCreated, m.TrackedAddresses,
			m.AlertsEmitted, m.AlertSinkFailures,
			m.Enrichments, m.EnrichmentDuration,
			m.WebhookRequests, m.MalformedEvents,
			m.MetadataLookups,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchRequests.WithLabelValues(op, status).Inc()
	m.FetchLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveTrace(d time.Duration, nodes int) {
	if m == nil {
		return
	}
	m.TraceDuration.Observe(d.Seconds())
	m.TraceSize.Observe(float64(nodes))
}

func (m *Metrics) IncTraceNode(sourceType string) {
	if m == nil {
		return
	}
	m.TraceNodes.WithLabelValues(sourceType).Inc()
}

func (m *Metrics) ObserveBatch(d time.Duration, skipped int) {
	if m == nil {
		return
	}
	m.BatchesProcessed.Inc()
	m.BatchDuration.Observe(d.Seconds())
	m.TransactionsSkipped.Add(float64(skipped))
}

func (m *Metrics) IncFundingEvent(applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "duplicate"
	}
	m.FundingEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOffspring() {
	if m == nil {
		return
	}
	m.OffspringCreated.Inc()
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedAddresses.Set(float64(n))
}

func (m *Metrics) IncAlert(alertType string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(alertType).Inc()
}

func (m *Metrics) IncAlertFailure(sink string) {
	if m == nil {
		return
	}
	m.AlertSinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveEnrichment(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Enrichments.WithLabelValues(status).Inc()
	m.EnrichmentDuration.Observe(d.Seconds())
}

func (m *Metrics) IncWebhook(status string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) AddMalformed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedEvents.Add(float64(n))
}

func (m *Metrics) IncMetadata(source string) {
	if m == nil {
		return
	}
	m.MetadataLookups.WithLabelValues(source).Inc()
}
