package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	securityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_security_events_total",
		Help: "Security events recorded, by event type",
	}, []string{"event_type"})
	rateLimitDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_ratelimit_decisions_total",
		Help: "Rate-limit checks by limit type and decision (allowed, blocked, error)",
	}, []string{"limit_type", "decision"})
	ipBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bookguard_ip_blocks_total",
		Help: "IP blocks applied",
	})
	captchaValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_captcha_validations_total",
		Help: "CAPTCHA validations by result code",
	}, []string{"result"})
	anomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_anomalies_total",
		Help: "Anomalies detected by type and severity",
	}, []string{"type", "severity"})
	incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_incidents_total",
		Help: "Incidents created by type and severity",
	}, []string{"type", "severity"})
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_notifications_total",
		Help: "Incident notifications by delivery status",
	}, []string{"status"})
	storeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_store_failures_total",
		Help: "Store errors absorbed by fail-open paths, by component",
	}, []string{"component"})
	ingestMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookguard_ingest_messages_total",
		Help: "Events consumed from the message bus, by outcome (ok, invalid, error)",
	}, []string{"outcome"})
	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bookguard_pipeline_stage_seconds",
		Help:    "Latency of each detection pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"stage"})
)

// Register registers Prometheus collectors. Call once per registry at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		securityEventsTotal,
		rateLimitDecisionsTotal,
		ipBlocksTotal,
		captchaValidationsTotal,
		anomaliesTotal,
		incidentsTotal,
		notificationsTotal,
		storeFailuresTotal,
		ingestMessagesTotal,
		stageDuration,
	)
}

func IncSecurityEvent(eventType string) { securityEventsTotal.WithLabelValues(eventType).Inc() }

func IncRateLimitDecision(limitType, decision string) {
	rateLimitDecisionsTotal.WithLabelValues(limitType, decision).Inc()
}

func IncIPBlock() { ipBlocksTotal.Inc() }

func IncCaptchaValidation(result string) { captchaValidationsTotal.WithLabelValues(result).Inc() }

func IncAnomaly(kind, severity string) { anomaliesTotal.WithLabelValues(kind, severity).Inc() }

func IncIncident(kind, severity string) { incidentsTotal.WithLabelValues(kind, severity).Inc() }

func IncNotification(status string) { notificationsTotal.WithLabelValues(status).Inc() }

// IncStoreFailure counts a store error that a component absorbed by failing open.
func IncStoreFailure(component string) { storeFailuresTotal.WithLabelValues(component).Inc() }

func IncIngestMessage(outcome string) { ingestMessagesTotal.WithLabelValues(outcome).Inc() }

// ObserveStage records how long a pipeline stage took since start.
func ObserveStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
