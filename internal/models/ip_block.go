package models

import "time"

// IPBlock is a temporary deny decision for one address.
type IPBlock struct {
	IP         string        `json:"ip"`
	Reason     string        `json:"reason"`
	BlockedAt  time.Time     `json:"blocked_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	BlockLevel int           `json:"block_level"`
	Duration   time.Duration `json:"duration"`
	BlockedBy  string        `json:"blocked_by,omitempty"`
}

// IPBlockStatus answers "is this address blocked right now".
type IPBlockStatus struct {
	Blocked       bool          `json:"blocked"`
	Reason        string        `json:"reason,omitempty"`
	RemainingTime time.Duration `json:"remaining_time,omitempty"`
	BlockLevel    int           `json:"block_level,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// ProgressiveDelay is an advisory back-off for a caller that keeps failing.
type ProgressiveDelay struct {
	Identifier    string        `json:"identifier"`
	AttemptCount  int           `json:"attempt_count"`
	Delay         time.Duration `json:"delay"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
}
