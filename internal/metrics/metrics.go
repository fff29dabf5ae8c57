package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms partitioned by chain/exchange or network.

var (
	// Price inference
	InferenceBatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "batches_processed_total",
		Help:      "Total inference batches fully processed and checkpointed",
	}, []string{"chain", "exchange"})

	InferenceEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "events_processed_total",
		Help:      "Total trade events examined by the inference pipeline",
	}, []string{"chain", "exchange"})

	InferencePricesUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "prices_updated_total",
		Help:      "Total price rows written (history appends, fan-out included)",
	}, []string{"chain", "exchange"})

	InferenceEventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "events_skipped_total",
		Help:      "Trade events skipped without a price write, by reason",
	}, []string{"chain", "exchange", "reason"})

	InferenceBatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "batch_duration_seconds",
		Help:      "Inference batch processing duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"chain", "exchange"})

	InferenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "inference",
		Name:      "errors_total",
		Help:      "Total inference batch failures (checkpoint not advanced)",
	}, []string{"chain", "exchange"})

	// Checkpoints
	CheckpointHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pricer",
		Subsystem: "checkpoint",
		Name:      "height",
		Help:      "Last successfully checkpointed height per task",
	}, []string{"task"})

	// Token discovery
	DiscoveryTokensIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "discovery",
		Name:      "tokens_ingested_total",
		Help:      "Total newly discovered tokens stored",
	}, []string{"network"})

	DiscoveryWindowHalvings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "discovery",
		Name:      "window_halvings_total",
		Help:      "Times the discovery time window was halved to stay under the pagination cap",
	}, []string{"network"})

	DiscoveryRunErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "discovery",
		Name:      "run_errors_total",
		Help:      "Total discovery runs aborted by provider or store failure",
	}, []string{"network"})

	DiscoveryRunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricer",
		Subsystem: "discovery",
		Name:      "run_duration_seconds",
		Help:      "Discovery run duration",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"network"})

	// Quote resolver
	QuoteResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "quote",
		Name:      "resolutions_total",
		Help:      "Quote resolutions by the tier that answered",
	}, []string{"chain", "tier"})

	QuoteResolutionMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "quote",
		Name:      "misses_total",
		Help:      "Quote requests no tier could answer",
	}, []string{"chain"})

	// External providers
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "External provider calls by provider, method and status",
	}, []string{"provider", "method", "status"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricer",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "External provider call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider", "method"})

	ProviderRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "provider",
		Name:      "rate_limit_waits_total",
		Help:      "Times a provider call waited on the local rate limiter",
	}, []string{"provider"})

	ProviderBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pricer",
		Subsystem: "provider",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
	}, []string{"provider"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the per-key cooldown",
	}, []string{"channel", "type"})
)
