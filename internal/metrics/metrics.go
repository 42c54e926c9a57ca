package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors, labelled by source.
type Metrics struct {
	LogsFetched          *prometheus.CounterVec
	EventsEmitted        *prometheus.CounterVec
	EventsBuffered       *prometheus.CounterVec
	InvalidConfirmations *prometheus.CounterVec
	RowsPurged           *prometheus.CounterVec
	FetchErrors          *prometheus.CounterVec
	PendingEvents        *prometheus.GaugeVec
	LastProcessedBlock   *prometheus.GaugeVec
	ChainHeadBlock       prometheus.Gauge
}

// New registers the collectors on reg. A nil reg creates an isolated registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		LogsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_logs_fetched_total",
				Help: "Total number of contract logs fetched from the chain",
			},
			[]string{"source"},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_events_emitted_total",
				Help: "Total number of confirmed events delivered to consumers",
			},
			[]string{"source"},
		),
		EventsBuffered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_events_buffered_total",
				Help: "Total number of events inserted into the confirmation buffer",
			},
			[]string{"source"},
		),
		InvalidConfirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_invalid_confirmations_total",
				Help: "Total number of buffered events that failed validation or were dropped",
			},
			[]string{"source", "reason"},
		),
		RowsPurged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_rows_purged_total",
				Help: "Total number of emitted rows garbage collected",
			},
			[]string{"source"},
		),
		FetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcache_fetch_errors_total",
				Help: "Total number of failed chain queries",
			},
			[]string{"source", "operation"},
		),
		PendingEvents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventcache_pending_events",
				Help: "Buffered events waiting for confirmations",
			},
			[]string{"source"},
		),
		LastProcessedBlock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventcache_last_processed_block",
				Help: "Last block whose events were confirmed and emitted",
			},
			[]string{"source"},
		),
		ChainHeadBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventcache_chain_head_block",
				Help: "Latest block reported by the block source",
			},
		),
	}
}
