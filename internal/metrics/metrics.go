package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for wablast
type Metrics struct {
	// Broadcast lifecycle
	BroadcastTransitionsTotal *prometheus.CounterVec
	BroadcastsByStatus        *prometheus.GaugeVec

	// Per-target dispatch
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	DispatchActive      prometheus.Gauge

	// Scheduling
	CampaignFiresTotal     *prometheus.CounterVec
	CampaignsActive        prometheus.Gauge
	PlansTotal             *prometheus.CounterVec
	TriggerDurationSeconds prometheus.Histogram

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BroadcastTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_broadcast_transitions_total",
				Help: "Total number of broadcast status transitions",
			},
			[]string{"from", "to"},
		),
		BroadcastsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wablast_broadcasts",
				Help: "Number of stored broadcasts by status",
			},
			[]string{"status"},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_messages_sent_total",
				Help: "Total number of messages accepted by the gateway",
			},
			[]string{"device"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_messages_failed_total",
				Help: "Total number of messages the gateway rejected",
			},
			[]string{"device"},
		),
		DispatchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_dispatch_active",
				Help: "Number of broadcasts currently being dispatched",
			},
		),

		CampaignFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_campaign_fires_total",
				Help: "Total number of recurring campaign fires by result",
			},
			[]string{"result"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_campaigns_active",
				Help: "Number of active recurring campaigns",
			},
		),
		PlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_plans_total",
				Help: "Total number of pacing plans locked onto broadcasts",
			},
			[]string{"delay_type", "risk"},
		),
		TriggerDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wablast_trigger_duration_seconds",
				Help:    "Duration of one campaign trigger pass",
				Buckets: prometheus.DefBuckets,
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_api_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wablast_api_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_api_errors_total",
				Help: "Total number of HTTP API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_ratelimit_exceeded_total",
				Help: "Total number of sends held back by a quota",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.BroadcastTransitionsTotal,
		m.BroadcastsByStatus,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.DispatchActive,
		m.CampaignFiresTotal,
		m.CampaignsActive,
		m.PlansTotal,
		m.TriggerDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(device string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(device).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(device string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(device).Inc()
	}
}

// IncPlans counts a plan locked onto a broadcast
func IncPlans(delayType, risk string) {
	if m := Global(); m != nil {
		m.PlansTotal.WithLabelValues(delayType, risk).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// DispatchStarted and DispatchFinished bracket one broadcast run
func DispatchStarted() {
	if m := Global(); m != nil {
		m.DispatchActive.Inc()
	}
}

func DispatchFinished() {
	if m := Global(); m != nil {
		m.DispatchActive.Dec()
	}
}

// ObserveTrigger records the duration of a trigger pass
func ObserveTrigger(d time.Duration) {
	if m := Global(); m != nil {
		m.TriggerDurationSeconds.Observe(d.Seconds())
	}
}
