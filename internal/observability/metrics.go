package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guildtools/triggerd/internal/domain"
)

// MetricsCollector holds all Prometheus metrics for triggerd.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	MessagesTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Matcher metrics.
	MatcherScansTotal   *prometheus.CounterVec
	RegistryErrorsTotal prometheus.Counter

	// Rate limiter metrics.
	RateLimitedTotal *prometheus.CounterVec
	CooldownEntries  prometheus.Gauge

	// Validator metrics.
	RejectionsTotal *prometheus.CounterVec

	// Sandbox metrics.
	SandboxTimeoutsTotal  *prometheus.CounterVec
	SandboxTruncatedTotal *prometheus.CounterVec

	// Audit metrics.
	AuditFailuresTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveMessages prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "engine",
			Name:      "messages_total",
			Help:      "Inbound messages processed, by match outcome.",
		}, []string{"outcome"}), // "matched", "no_match", "registry_error"

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Execution attempts by language and terminal status.",
		}, []string{"language", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "triggerd",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"language"}),

		MatcherScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "matcher",
			Name:      "scans_total",
			Help:      "Trigger matcher scans by result.",
		}, []string{"result"}), // "hit", "miss"

		RegistryErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "registry",
			Name:      "errors_total",
			Help:      "Command registry read failures.",
		}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "cooldown",
			Name:      "rate_limited_total",
			Help:      "Executions denied by the cooldown limiter, by tenant.",
		}, []string{"tenant_id"}),

		CooldownEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "triggerd",
			Subsystem: "cooldown",
			Name:      "entries",
			Help:      "Tracked (author, command) cooldown pairs.",
		}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "validator",
			Name:      "rejections_total",
			Help:      "Static validation rejections by language and category.",
		}, []string{"language", "category"}),

		SandboxTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "sandbox",
			Name:      "timeouts_total",
			Help:      "Sandbox executions killed at the deadline.",
		}, []string{"language"}),

		SandboxTruncatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "sandbox",
			Name:      "output_truncated_total",
			Help:      "Executions whose output hit the byte ceiling.",
		}, []string{"language"}),

		AuditFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "audit",
			Name:      "append_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triggerd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "triggerd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "triggerd",
			Name:      "active_messages",
			Help:      "Messages currently in the pipeline.",
		}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.MatcherScansTotal,
		m.RegistryErrorsTotal,
		m.RateLimitedTotal,
		m.CooldownEntries,
		m.RejectionsTotal,
		m.SandboxTimeoutsTotal,
		m.SandboxTruncatedTotal,
		m.AuditFailuresTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveMessages,
	)

	return m
}

// RecordExecution records one terminal pipeline state. Nil-safe.
func (m *MetricsCollector) RecordExecution(lang domain.Language, status domain.Status, d time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(string(lang), string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(lang)).Observe(d.Seconds())
	if status == domain.StatusTimeout {
		m.SandboxTimeoutsTotal.WithLabelValues(string(lang)).Inc()
	}
	if truncated {
		m.SandboxTruncatedTotal.WithLabelValues(string(lang)).Inc()
	}
}

// RecordMessage records a message-level outcome. Nil-safe.
func (m *MetricsCollector) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordScan records a matcher scan result. Nil-safe.
func (m *MetricsCollector) RecordScan(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.MatcherScansTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited records a cooldown denial. Nil-safe.
func (m *MetricsCollector) RecordRateLimited(tenantID string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(tenantID).Inc()
}

// RecordRejection records a validator rejection. Nil-safe.
func (m *MetricsCollector) RecordRejection(lang domain.Language, category string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(string(lang), category).Inc()
}

// RecordRegistryError records a failed registry read. Nil-safe.
func (m *MetricsCollector) RecordRegistryError() {
	if m == nil {
		return
	}
	m.RegistryErrorsTotal.Inc()
}

// RecordAuditFailure records a failed audit append. Nil-safe.
func (m *MetricsCollector) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.Inc()
}

// MessageInFlight tracks pipeline concurrency; the returned func must be
// deferred. Nil-safe.
func (m *MetricsCollector) MessageInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveMessages.Inc()
	return m.ActiveMessages.Dec
}
