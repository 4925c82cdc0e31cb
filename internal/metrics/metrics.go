package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Quota Metrics
	QuotaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbot_quota_requests_total",
			Help: "Total number of metered operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	QuotaTokensSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_quota_tokens_spent_total",
			Help: "Total tokens debited from user balances",
		},
	)

	QuotaImagesSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_quota_images_spent_total",
			Help: "Total image generation credits debited from user balances",
		},
	)

	QuotaCriticalSectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgbot_quota_critical_section_duration_seconds",
			Help:    "Time spent inside the per-user quota critical section",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BalanceClampsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_balance_clamps_total",
			Help: "Times a debit would have driven a balance below zero",
		},
	)

	// Lock Metrics
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbot_lock_acquisitions_total",
			Help: "Lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	// Rate Limit Metrics
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbot_rate_limit_rejections_total",
			Help: "Requests rejected by the fixed-window rate limiter",
		},
		[]string{"category"},
	)

	// Payment Metrics
	PaymentsAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_payments_applied_total",
			Help: "Payments whose credits were applied to a balance",
		},
	)

	PaymentsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_payments_duplicate_total",
			Help: "Replayed payment confirmations skipped by the dedup check",
		},
	)

	ReconciliationAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_reconciliation_alerts_total",
			Help: "Store write failures after a paid external call",
		},
	)

	CacheDriftRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbot_cache_drift_repairs_total",
			Help: "Cache mirrors re-seeded from the store by the sweep",
		},
	)

	// Telegram Metrics
	UpdatesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbot_updates_received_total",
			Help: "Telegram updates received by type",
		},
		[]string{"type"},
	)
)

// RecordQuotaRequest records the outcome of one metered operation.
func RecordQuotaRequest(kind, outcome string) {
	QuotaRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSpend records a committed debit.
func RecordSpend(kind string, cost int64) {
	if kind == "image" {
		QuotaImagesSpentTotal.Add(float64(cost))
		return
	}
	QuotaTokensSpentTotal.Add(float64(cost))
}

// RecordLockAcquisition records a lock acquisition attempt result.
func RecordLockAcquisition(result string) {
	LockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records an admission rejection.
func RecordRateLimitRejection(category string) {
	RateLimitRejectionsTotal.WithLabelValues(category).Inc()
}

// ObserveCriticalSection records time spent holding a user's quota lock.
func ObserveCriticalSection(kind string, seconds float64) {
	QuotaCriticalSectionDuration.WithLabelValues(kind).Observe(seconds)
}
