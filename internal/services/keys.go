package services

import "github.com/Wikid82/bookguard/internal/models"

// Key namespaces shared by every process using the same store.
const (
	emergencyOverrideKey = "rate_limit:emergency_override"
	eventTimelineKey     = "security_events"
	eventIndexSetKey     = "security_event_indexes"
	baselineIndexKey     = "behavior_baselines:keys"
	incidentTimelineKey  = "security_incidents"
)

func rateLimitKey(lt models.LimitType, id string) string { return "rate_limit:" + string(lt) + ":" + id }

func adjustmentKey(endpoint string) string { return "rate_limit:adjustment:" + endpoint }

func reputationKey(ip string) string { return "ip_reputation:" + ip }

func blockKey(ip string) string { return "ip_reputation:block:" + ip }

func blockLevelKey(ip string) string { return "ip_reputation:block_level:" + ip }

func delayKey(id string) string { return "progressive_delay:" + id }

func captchaRequiredKey(context, id string) string { return "captcha_required:" + context + ":" + id }

func captchaActivityKey(activity, id string) string { return "captcha_activity:" + activity + ":" + id }

func eventKey(id string) string { return "security_event:" + id }

// eventIndexKey orders event ids for one identity attribute value, e.g. security_event_index:ip:10.0.0.1.
func eventIndexKey(field, value string) string { return "security_event_index:" + field + ":" + value }

// eventTypeIndexKey is eventIndexKey narrowed to one event type, counted with ZCOUNT.
func eventTypeIndexKey(field, value string, t models.EventType) string {
	return "security_event_index:" + field + ":" + value + ":" + string(t)
}

func baselineKey(entityType, entity string) string {
	return "behavior_baseline:" + entityType + ":" + entity
}

func incidentKey(id string) string { return "security_incident:" + id }

func incidentCorrelationKey(t models.IncidentType, actor string) string {
	return "security_incident:correlation:" + string(t) + ":" + actor
}

// incidentLockKey holds the short lease taken while an incident record is rewritten.
func incidentLockKey(id string) string { return "security_incident:" + id + ":lock" }
