// Package metrics holds the Prometheus instruments shared by the
// pipeline, the ingestion surfaces and the privacy services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles all domain instruments. Components receive it via
// constructor injection so tests can register against a private
// prometheus.Registry.
type Registry struct {
	// Producer side.
	EventsProduced *prometheus.CounterVec
	ProduceErrors  *prometheus.CounterVec

	// Stream processor.
	EventsProcessed    *prometheus.CounterVec
	EventsDeduplicated prometheus.Counter
	ProcessingLatency  prometheus.Histogram
	DLQTotal           *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec

	// Identity resolution.
	ResolutionMatches *prometheus.CounterVec

	// Consent and erasure.
	ConsentChecks       *prometheus.CounterVec
	ErasureStoreDeletes *prometheus.CounterVec
}

// NewRegistry creates and registers all instruments on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		EventsProduced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdp_events_produced_total",
				Help: "Events successfully produced to Kafka, by topic",
			},
			[]string{"topic"},
		),
		ProduceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdp_produce_errors_total",
				Help: "Failed produce attempts, by topic",
			},
			[]string{"topic"},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdp_events_processed_total",
				Help: "Canonical events fully processed by the stream pipeline, by source",
			},
			[]string{"source"},
		),
		EventsDeduplicated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cdp_events_deduplicated_total",
				Help: "Redelivered events skipped by the dedup set",
			},
		),
		ProcessingLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cdp_processing_latency_seconds",
				Help:    "End-to-end per-event processing latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
		),
		DLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdp_dlq_total",
				Help: "Events routed to the dead letter queue, by reason",
			},
			[]string{"reason"},
		),
		ConsumerLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_consumer_lag",
				Help: "Consumer group lag in messages, by topic and group",
			},
			[]string{"topic", "group"},
		),
		ResolutionMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_resolution_matches",
				Help: "Identity resolution outcomes, by match type",
			},
			[]string{"match_type"},
		),
		ConsentChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_checks_total",
				Help: "Consent gate decisions, by channel and result",
			},
			[]string{"channel", "result"},
		),
		ErasureStoreDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erasure_store_deletes_total",
				Help: "Per-store erasure outcomes",
			},
			[]string{"store", "outcome"},
		),
	}
}

// NewNopRegistry returns a registry whose instruments are not attached
// to any exporter. Intended for tests and tooling.
func NewNopRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Match type label values for ResolutionMatches.
const (
	MatchDeterministic = "deterministic"
	MatchProbabilistic = "probabilistic"
	MatchNewProfile    = "new_profile"
	MatchReviewFlagged = "review_flagged"
)

// Result label values for ConsentChecks.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
)

// Outcome label values for ErasureStoreDeletes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
