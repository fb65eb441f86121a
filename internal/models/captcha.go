package models

import "time"

// CaptchaRequirement marks an identifier as needing a CAPTCHA in one context.
type CaptchaRequirement struct {
	Identifier   string    `json:"identifier"`
	Context      string    `json:"context"`
	Reason       string    `json:"reason"`
	TriggeredAt  time.Time `json:"triggered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	TriggerCount int       `json:"trigger_count"`
}

// CaptchaStatus is the read view of a requirement.
type CaptchaStatus struct {
	Required     bool       `json:"required"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TriggerCount int        `json:"trigger_count,omitempty"`
}

// CaptchaValidation is the outcome of validating a token.
type CaptchaValidation struct {
	Success   bool     `json:"success"`
	Score     *float64 `json:"score,omitempty"`
	Message   string   `json:"message"`
	ErrorCode string   `json:"error_code,omitempty"`
}
