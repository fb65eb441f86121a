package models

import "time"

// LimitType names a rate-limit bucket family.
type LimitType string

const (
	LimitGeneral       LimitType = "general"
	LimitAuth          LimitType = "auth"
	LimitPasswordReset LimitType = "password_reset"
	LimitFileUpload    LimitType = "file_upload"
	LimitMFA           LimitType = "mfa"
)

// ThreatLevel scales rate-limit strictness.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatMultipliers maps each threat level to the fraction of the base limit that stays allowed.
var ThreatMultipliers = map[ThreatLevel]float64{
	ThreatLow:      1.0,
	ThreatMedium:   0.5,
	ThreatHigh:     0.25,
	ThreatCritical: 0.1,
}

// ThreatAdjustment tightens the limit for one endpoint until ExpiresAt.
type ThreatAdjustment struct {
	Endpoint    string      `json:"endpoint"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Multiplier  float64     `json:"multiplier"`
	Reason      string      `json:"reason,omitempty"`
	AdjustedAt  time.Time   `json:"adjusted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// OverrideAction is what an emergency override does to rate limiting.
type OverrideAction string

const (
	OverrideDisable OverrideAction = "disable"
	OverrideEnable  OverrideAction = "enable"
	OverrideAdjust  OverrideAction = "adjust"
)

// OverrideOptions carries the operator-supplied parameters of an override.
type OverrideOptions struct {
	GlobalMultiplier float64 `json:"global_multiplier,omitempty"`
	DurationMs       int64   `json:"duration_ms"`
}

// EmergencyOverride is the single global rate-limit override slot.
type EmergencyOverride struct {
	Action      OverrideAction  `json:"action"`
	Options     OverrideOptions `json:"options"`
	ActivatedBy string          `json:"activated_by"`
	Reason      string          `json:"reason,omitempty"`
	ActivatedAt time.Time       `json:"activated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// RateLimitResult is the outcome of one sliding-window admission check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Count      int64     `json:"count"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	Multiplier float64   `json:"multiplier"`
	Source     string    `json:"source,omitempty"` // default, adjustment, override
	Error      string    `json:"error,omitempty"`
}
