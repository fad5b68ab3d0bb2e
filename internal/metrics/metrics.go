// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine updates. A single instance is
// constructed in the composition root and injected into each component.
type Metrics struct {
	RPCRequests        *prometheus.CounterVec // endpoint, outcome
	RPCLatency         *prometheus.HistogramVec
	ProviderScore      *prometheus.GaugeVec
	StreamGaps         prometheus.Counter
	EventsDeduped      prometheus.Counter
	EventsDropped      prometheus.Counter
	EventsEmitted      *prometheus.CounterVec // source
	UnparseableEvents  *prometheus.CounterVec // source
	HeuristicTimeouts  *prometheus.CounterVec // heuristic
	ReportsGenerated   prometheus.Counter
	SignalsVetoed      prometheus.Counter
	IntentsEmitted     *prometheus.CounterVec // action
	TradesExecuted     *prometheus.CounterVec // action, outcome
	ExitRetries        prometheus.Counter
	PositionsOpen      prometheus.Gauge
	CapitalAvailable   prometheus.Gauge
	CommandsRejected   prometheus.Counter
	SignaturesIssued   prometheus.Counter
	SignaturesThrottled prometheus.Counter
}

// New builds and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rpc_requests_total",
			Help: "RPC requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_rpc_latency_seconds",
			Help:    "RPC request latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"endpoint"}),
		ProviderScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_provider_score",
			Help: "Health score per RPC endpoint.",
		}, []string{"endpoint"}),
		StreamGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_stream_gaps_total",
			Help: "Subscription gaps surfaced to downstream components.",
		}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_listener_deduped_total",
			Help: "Token events suppressed by the dedup window.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_listener_dropped_total",
			Help: "Token events dropped because the fan-in channel was full.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_listener_emitted_total",
			Help: "Token events emitted downstream, by source.",
		}, []string{"source"}),
		UnparseableEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_listener_unparseable_total",
			Help: "Payloads that did not match the expected shape, by source.",
		}, []string{"source"}),
		HeuristicTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_threat_heuristic_timeouts_total",
			Help: "Heuristics that missed the scoring deadline.",
		}, []string{"heuristic"}),
		ReportsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_threat_reports_total",
			Help: "Threat reports generated (cache misses).",
		}),
		SignalsVetoed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_signals_vetoed_total",
			Help: "BUY signals dropped by the risk veto.",
		}),
		IntentsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_intents_total",
			Help: "Trade intents emitted by the combinator.",
		}, []string{"action"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_trades_total",
			Help: "Executed trades by action and outcome.",
		}, []string{"action", "outcome"}),
		ExitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_exit_retries_total",
			Help: "Sell retries while a position was stuck in closing.",
		}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_positions_open",
			Help: "Positions currently in a non-closed state.",
		}),
		CapitalAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_capital_available_base",
			Help: "Uncommitted capital in base units.",
		}),
		CommandsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_override_rejected_total",
			Help: "Override commands rejected because the channel was full.",
		}),
		SignaturesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_signatures_total",
			Help: "Messages signed by the wallet task.",
		}),
		SignaturesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_signatures_throttled_total",
			Help: "Sign requests delayed or rejected by the rate cap.",
		}),
	}

	reg.MustRegister(
		m.RPCRequests, m.RPCLatency, m.ProviderScore, m.StreamGaps,
		m.EventsDeduped, m.EventsDropped, m.EventsEmitted, m.UnparseableEvents,
		m.HeuristicTimeouts, m.ReportsGenerated, m.SignalsVetoed,
		m.IntentsEmitted, m.TradesExecuted, m.ExitRetries, m.PositionsOpen,
		m.CapitalAvailable, m.CommandsRejected, m.SignaturesIssued,
		m.SignaturesThrottled,
	)
	return m
}

// NewNop returns metrics backed by a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
