package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors.
// Each instance registers on its own registerer so tests can build as many as they like.
type Metrics struct {
	AuditRecorded       *prometheus.CounterVec
	AuditDiverted       *prometheus.CounterVec
	AuditQueueDepth     prometheus.Gauge
	AuditWriteDuration  prometheus.Histogram
	RateLimitDecisions  *prometheus.CounterVec
	RateLimitStoreError *prometheus.CounterVec
	AlertsRaised        *prometheus.CounterVec
	NotifierFailures    *prometheus.CounterVec
	AlertsDropped       prometheus.Counter
	SessionEvents       *prometheus.CounterVec
	APIKeyChecks        *prometheus.CounterVec
	IntegrityFailures   prometheus.Counter
	ArchivalRemoved     *prometheus.CounterVec
	ArchivalDuration    prometheus.Histogram
}

// New creates and registers all collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuditRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_audit_entries_total",
			Help: "Audit entries persisted, by event category and outcome",
		}, []string{"category", "outcome"}),
		AuditDiverted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_audit_fallback_total",
			Help: "Audit entries written to the fallback sink, by reason",
		}, []string{"reason"}),
		AuditQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "guard_audit_queue_depth",
			Help: "Audit entries waiting to be persisted",
		}),
		AuditWriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_audit_write_duration_seconds",
			Help:    "Duration of audit persistence writes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_ratelimit_decisions_total",
			Help: "Rate limit decisions, by category and result",
		}, []string{"category", "result"}),
		RateLimitStoreError: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_ratelimit_store_errors_total",
			Help: "Counter store failures that were allowed through",
		}, []string{"category"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_alerts_raised_total",
			Help: "Security alerts raised, by rule and severity",
		}, []string{"rule", "severity"}),
		NotifierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_alert_notifier_failures_total",
			Help: "Alert notifications that could not be delivered, by notifier",
		}, []string{"notifier"}),
		AlertsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "guard_alerts_dropped_total",
			Help: "Raised alerts discarded because the delivery queue was full or closed",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_session_events_total",
			Help: "Session lifecycle events, by event",
		}, []string{"event"}),
		APIKeyChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_apikey_checks_total",
			Help: "API key verifications, by result",
		}, []string{"result"}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "guard_encryption_integrity_failures_total",
			Help: "Decryptions rejected by the integrity check",
		}),
		ArchivalRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_archival_rows_removed_total",
			Help: "Rows removed by retention sweeps, by entity",
		}, []string{"entity"}),
		ArchivalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_archival_duration_seconds",
			Help:    "Duration of retention sweeps",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// NewNop returns metrics registered on a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveAuditWrite records the duration of an audit write.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveAuditWrite(start time.Time) {
	m.AuditWriteDuration.Observe(time.Since(start).Seconds())
}

// ObserveArchival records the duration of a retention sweep
func (m *Metrics) ObserveArchival(start time.Time) {
	m.ArchivalDuration.Observe(time.Since(start).Seconds())
}
