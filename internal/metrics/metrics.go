package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "instance_guard"

var (
	// EventsParsed counts join/leave events extracted from the log.
	EventsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_parsed_total",
		Help:      "Join/leave events extracted from the instance log.",
	}, []string{"type"})

	// LinesIgnored counts log lines matching neither grammar.
	LinesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_ignored_total",
		Help:      "Log lines that matched neither join nor leave grammar.",
	})

	// RotationsDetected counts active-file switches.
	RotationsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotations_detected_total",
		Help:      "Log file rotations detected by the tailer.",
	})

	// EvaluationsTotal counts subject evaluations by outcome.
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Subject evaluations by outcome.",
	}, []string{"outcome"})

	// MatchesTotal counts individual matches by type and severity.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_total",
		Help:      "Individual matches by type and severity.",
	}, []string{"type", "severity"})

	// DedupeSuppressed counts joins suppressed by the dedupe window.
	DedupeSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedupe_suppressed_total",
		Help:      "Join events suppressed as repeats within the dedupe window.",
	})

	// StoreRefreshes counts rule store refresh attempts by outcome.
	StoreRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_refreshes_total",
		Help:      "Rule store refresh attempts by outcome.",
	}, []string{"outcome"})

	// StoreEntries is the blocked+whitelist row count of the live generation.
	StoreEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_entries",
		Help:      "Blocked and whitelist rows in the live rule store generation.",
	})

	// StoreKeywords is the compiled keyword rule count of the live generation.
	StoreKeywords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_keywords",
		Help:      "Compiled keyword rules in the live rule store generation.",
	})

	// KeywordsRejected counts patterns dropped at load time.
	KeywordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keywords_rejected_total",
		Help:      "Keyword patterns dropped at load time.",
	}, []string{"reason"})

	// APICalls counts raw upstream API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw upstream API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records upstream API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Upstream API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// CacheHits counts upstream responses served from cache.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Upstream responses served from the local cache.",
	}, []string{"endpoint"})

	// RateGateWaits counts calls delayed by the sliding-window budget.
	RateGateWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_gate_waits_total",
		Help:      "Upstream calls delayed by the sliding-window budget.",
	})

	// AuthErrors counts re-auth calls that failed.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "Re-auth calls that failed.",
	})

	// ReauthTotal counts successful re-auth events.
	ReauthTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reauth_total",
		Help:      "Successful re-auth events.",
	})

	// WebhookDeliveries counts webhook sends by final status.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by final status.",
	}, []string{"status"})

	// WebhookDropped counts messages discarded without delivery.
	WebhookDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_dropped_total",
		Help:      "Webhook messages discarded without delivery.",
	}, []string{"reason"})

	// WebhookQueueDepth tracks the current webhook queue length.
	WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "webhook_queue_depth",
		Help:      "Current webhook queue buffer depth.",
	})

	// NotifySuppressed counts channel notifications skipped by cooldown.
	NotifySuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_suppressed_total",
		Help:      "Channel notifications skipped by the cooldown window.",
	}, []string{"channel"})

	// NotifyErrors counts channel delivery failures.
	NotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_errors_total",
		Help:      "Channel delivery failures.",
	}, []string{"channel"})

	// DBSizeBytes tracks the local state db on-disk size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Local state db on-disk file size in bytes.",
	})
)
