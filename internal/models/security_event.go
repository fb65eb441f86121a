package models

import (
	"strconv"
	"strings"
	"time"
)

// EventType classifies a SecurityEvent.
type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailed         EventType = "login_failed"
	EventLogout              EventType = "logout"
	EventSessionEnd          EventType = "session_end"
	EventPasswordReset       EventType = "password_reset"
	EventMFAAttempt          EventType = "mfa_attempt"
	EventMFAFailed           EventType = "mfa_failed"
	EventFileUpload          EventType = "file_upload"
	EventDataAccess          EventType = "data_access"
	EventBulkDownload        EventType = "bulk_download"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventAPIRequest          EventType = "api_request"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventRateLimitAdjusted   EventType = "rate_limit_adjusted"
	EventEmergencyOverride   EventType = "emergency_override"
	EventIPBlocked           EventType = "ip_blocked"
	EventIPUnblocked         EventType = "ip_unblocked"
	EventCaptchaRequired     EventType = "captcha_required"
	EventCaptchaPassed       EventType = "captcha_passed"
	EventCaptchaFailed       EventType = "captcha_failed"
)

// Severity is the coarse impact tier shared by events, anomalies and incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the four known tiers.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Identity is who (or what) an event is attributed to.
type Identity struct {
	UserID    string `json:"user_id,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SecurityEvent is an immutable record of a security-relevant action.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Identity  Identity               `json:"identity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// GroupValue returns the identity attribute named by field (ip, userId, userAgent).
func (e *SecurityEvent) GroupValue(field string) string {
	switch strings.ToLower(field) {
	case "ip":
		return e.Identity.IP
	case "userid", "user_id", "user":
		return e.Identity.UserID
	case "useragent", "user_agent":
		return e.Identity.UserAgent
	}
	return ""
}

// DetailFloat reads a numeric detail, accepting numbers and numeric strings.
func (e *SecurityEvent) DetailFloat(key string) (float64, bool) {
	v, ok := e.Details[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// DetailBool reads a boolean detail; "true" strings count as true.
func (e *SecurityEvent) DetailBool(key string) bool {
	switch b := e.Details[key].(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

// DetailString reads a string detail.
func (e *SecurityEvent) DetailString(key string) string {
	if s, ok := e.Details[key].(string); ok {
		return s
	}
	return ""
}
