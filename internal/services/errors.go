package services

import "errors"

var (
	ErrMissingIdentifier       = errors.New("identifier is required")
	ErrInvalidThreatLevel      = errors.New("invalid threat level")
	ErrInvalidOverrideAction   = errors.New("invalid emergency override action")
	ErrInvalidMultiplier       = errors.New("override multiplier must be greater than zero")
	ErrEventNotFound           = errors.New("security event not found")
	ErrIncidentNotFound        = errors.New("incident not found")
	ErrInvalidStatus           = errors.New("invalid incident status")
	ErrInvalidStatusTransition = errors.New("invalid incident status transition")
	ErrNotificationNotRequired = errors.New("incident does not require notification")
	ErrIncidentBusy            = errors.New("incident is locked by another writer")
	ErrBaselineNotFound        = errors.New("behavior baseline not found")
	ErrInvalidRule             = errors.New("invalid detection rule")
)
