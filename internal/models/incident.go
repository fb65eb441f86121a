package models

import "time"

// Anomaly is a single deviation reported by the anomaly detector.
type Anomaly struct {
	Type       string                 `json:"type"`
	Rule       string                 `json:"rule"`
	Severity   Severity               `json:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// IncidentType names a classified security occurrence.
type IncidentType string

const (
	IncidentDataBreach          IncidentType = "data_breach"
	IncidentBruteForce          IncidentType = "brute_force_attack"
	IncidentPrivilegeEscalation IncidentType = "privilege_escalation"
	IncidentAccountTakeover     IncidentType = "account_takeover"
	IncidentDataExfiltration    IncidentType = "data_exfiltration"
)

// IncidentStatus is a lifecycle state.
type IncidentStatus string

const (
	StatusDetected      IncidentStatus = "detected"
	StatusInvestigating IncidentStatus = "investigating"
	StatusContained     IncidentStatus = "contained"
	StatusResolved      IncidentStatus = "resolved"
	StatusCancelled     IncidentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s IncidentStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// IncidentNote is an operator note attached on a status transition.
type IncidentNote struct {
	At     time.Time      `json:"at"`
	Status IncidentStatus `json:"status"`
	Text   string         `json:"text"`
}

// StatusChange records one lifecycle transition.
type StatusChange struct {
	From IncidentStatus `json:"from"`
	To   IncidentStatus `json:"to"`
	At   time.Time      `json:"at"`
}

// NotificationReceipt is what a notifier reported back for one channel.
type NotificationReceipt struct {
	Channel string    `json:"channel"`
	Status  string    `json:"status"`
	SentAt  time.Time `json:"sent_at"`
	Error   string    `json:"error,omitempty"`
}

// Incident aggregates one or more events under a named classification.
type Incident struct {
	ID             string                 `json:"id"`
	Type           IncidentType           `json:"type"`
	Severity       Severity               `json:"severity"`
	Status         IncidentStatus         `json:"status"`
	CorrelationKey string                 `json:"correlation_key"`
	Details        map[string]interface{} `json:"details"`
	EventIDs       []string               `json:"event_ids"`
	Notes          []IncidentNote         `json:"notes"`
	History        []StatusChange         `json:"history"`
	Notifications  []NotificationReceipt  `json:"notifications,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// RequiresNotification reads the requires_notification detail.
func (i *Incident) RequiresNotification() bool {
	b, _ := i.Details["requires_notification"].(bool)
	return b
}
