package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/captcha"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/util"
)

// Activity types counted towards a CAPTCHA requirement.
const (
	ActivityFailedLogins        = "failed_logins"
	ActivityRateLimitViolations = "rate_limit_violations"
	ActivityFailedMFA           = "failed_mfa"
	ActivitySuspicious          = "suspicious_activity"
)

// Validation error codes.
const (
	CaptchaMissingToken            = "missing_token"
	CaptchaVerificationTimeout     = "verification_timeout"
	CaptchaVerificationUnavailable = "verification_unavailable"
	CaptchaVerificationRejected    = "verification_rejected"
	CaptchaScoreTooLow             = "score_too_low"
)

// CaptchaVerifier checks a token with the external provider.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*captcha.Response, error)
}

// ValidateOptions parameterises ValidateCaptcha.
type ValidateOptions struct {
	MinScore float64
	Force    bool
	RemoteIP string
}

// CaptchaService decides when a caller must solve a CAPTCHA and validates tokens.
// Unlike the rest of the pipeline it fails closed on verification problems.
type CaptchaService struct {
	store    store.Store
	clock    clock.Clock
	events   EventRecorder
	verifier CaptchaVerifier
	cfg      config.CaptchaConfig
}

func NewCaptchaService(st store.Store, clk clock.Clock, events EventRecorder, verifier CaptchaVerifier, cfg config.CaptchaConfig) *CaptchaService {
	return &CaptchaService{store: st, clock: clk, events: events, verifier: verifier, cfg: cfg}
}

// Threshold returns the trigger threshold for an activity type.
func (s *CaptchaService) Threshold(activityType string) int {
	if t, ok := s.cfg.Thresholds[activityType]; ok {
		return t
	}
	return s.cfg.DefaultThreshold
}

// ShouldTriggerCaptcha counts one suspicious activity for identifier and, once the
// running count reaches the activity threshold, requires a CAPTCHA in scope.
func (s *CaptchaService) ShouldTriggerCaptcha(ctx context.Context, identifier, activityType, scope string) (bool, error) {
	if identifier == "" {
		return false, ErrMissingIdentifier
	}
	key := captchaActivityKey(activityType, identifier)
	res, err := s.store.Exec(ctx,
		store.IncrBy(key, 1),
		store.Expire(key, s.cfg.ActivityWindow),
	)
	if err != nil {
		metrics.IncStoreFailure("captcha")
		return false, fmt.Errorf("count captcha activity: %w", err)
	}
	count := res[0].Int
	if count < int64(s.Threshold(activityType)) {
		return false, nil
	}
	reason := fmt.Sprintf("%s threshold reached (%d)", activityType, count)
	if _, err := s.TriggerCaptchaRequirement(ctx, identifier, reason, scope, 0); err != nil {
		return true, err
	}
	return true, nil
}

// TriggerCaptchaRequirement requires a CAPTCHA for identifier in scope. A requirement
// that is already active keeps its TriggeredAt, gains one TriggerCount and has its
// expiry pushed out.
func (s *CaptchaService) TriggerCaptchaRequirement(ctx context.Context, identifier, reason, scope string, duration time.Duration) (*models.CaptchaRequirement, error) {
	if identifier == "" {
		return nil, ErrMissingIdentifier
	}
	if scope == "" {
		scope = "general"
	}
	if duration <= 0 {
		duration = s.cfg.RequirementDuration
	}
	key := captchaRequiredKey(scope, identifier)
	now := s.clock.Now()

	req, err := store.ReadWithLazyExpiry(ctx, s.store, key, now,
		func(r *models.CaptchaRequirement) time.Time { return r.ExpiresAt })
	if err != nil {
		return nil, fmt.Errorf("read captcha requirement: %w", err)
	}
	if req == nil {
		req = &models.CaptchaRequirement{
			Identifier:  identifier,
			Context:     scope,
			TriggeredAt: now,
		}
	}
	req.Reason = reason
	req.TriggerCount++
	req.ExpiresAt = now.Add(duration)

	if err := store.PutJSON(ctx, s.store, key, req, duration); err != nil {
		return nil, fmt.Errorf("store captcha requirement: %w", err)
	}

	logger.Component("captcha").WithFields(logrus.Fields{
		"identifier":    util.SanitizeForLog(identifier),
		"context":       scope,
		"trigger_count": req.TriggerCount,
	}).Info("captcha required")
	ev := &models.SecurityEvent{
		EventType: models.EventCaptchaRequired,
		Severity:  models.SeverityMedium,
		Details: map[string]interface{}{
			"identifier":    identifier,
			"context":       scope,
			"reason":        reason,
			"trigger_count": req.TriggerCount,
		},
		Timestamp: now,
	}
	if util.IsIP(identifier) {
		ev.Identity.IP = identifier
	}
	emit(ctx, s.events, "captcha", ev)
	return req, nil
}

// IsCaptchaRequired reports whether identifier must solve a CAPTCHA in scope.
func (s *CaptchaService) IsCaptchaRequired(ctx context.Context, identifier, scope string) (models.CaptchaStatus, error) {
	if scope == "" {
		scope = "general"
	}
	req, err := store.ReadWithLazyExpiry(ctx, s.store, captchaRequiredKey(scope, identifier), s.clock.Now(),
		func(r *models.CaptchaRequirement) time.Time { return r.ExpiresAt })
	if err != nil || req == nil {
		return models.CaptchaStatus{}, err
	}
	exp := req.ExpiresAt
	return models.CaptchaStatus{
		Required:     true,
		Reason:       req.Reason,
		ExpiresAt:    &exp,
		TriggerCount: req.TriggerCount,
	}, nil
}

// ClearCaptchaRequirement drops the requirement for identifier in scope.
func (s *CaptchaService) ClearCaptchaRequirement(ctx context.Context, identifier, scope string) error {
	if scope == "" {
		scope = "general"
	}
	return s.store.Delete(ctx, captchaRequiredKey(scope, identifier))
}

// ValidateCaptcha checks token for identifier. When no CAPTCHA is required (and
// force is unset) it succeeds without calling the provider. A store error while
// checking the requirement counts as required. Provider errors, rejections and
// low scores all fail with a distinct error code; success clears the requirement.
func (s *CaptchaService) ValidateCaptcha(ctx context.Context, token, identifier, scope string, opts ValidateOptions) models.CaptchaValidation {
	status, err := s.IsCaptchaRequired(ctx, identifier, scope)
	if err != nil {
		metrics.IncStoreFailure("captcha")
		logger.Component("captcha").WithError(err).Warn("captcha requirement unreadable, requiring verification")
		status.Required = true
	}
	if !status.Required && !opts.Force {
		metrics.IncCaptchaValidation("not_required")
		return models.CaptchaValidation{Success: true, Message: "captcha not required"}
	}

	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.cfg.MinScore
	}

	result := s.verify(ctx, token, opts.RemoteIP, minScore)
	s.record(ctx, identifier, scope, result)
	if result.Success {
		if err := s.ClearCaptchaRequirement(ctx, identifier, scope); err != nil {
			logger.Component("captcha").WithError(err).Warn("failed to clear captcha requirement")
		}
	}
	return result
}

func (s *CaptchaService) verify(ctx context.Context, token, remoteIP string, minScore float64) models.CaptchaValidation {
	if strings.TrimSpace(token) == "" {
		return models.CaptchaValidation{Message: "captcha token is required", ErrorCode: CaptchaMissingToken}
	}
	if s.verifier == nil {
		return models.CaptchaValidation{Message: "captcha verification is not configured", ErrorCode: CaptchaVerificationUnavailable}
	}
	resp, err := s.verifier.Verify(ctx, token, remoteIP)
	switch {
	case errors.Is(err, captcha.ErrVerificationTimeout):
		return models.CaptchaValidation{Message: "captcha verification timed out", ErrorCode: CaptchaVerificationTimeout}
	case err != nil:
		logger.Component("captcha").WithError(err).Warn("captcha verification failed")
		return models.CaptchaValidation{Message: "captcha verification unavailable", ErrorCode: CaptchaVerificationUnavailable}
	case resp == nil || !resp.Success:
		msg := "captcha rejected"
		if resp != nil && len(resp.ErrorCodes) > 0 {
			msg += ": " + strings.Join(resp.ErrorCodes, ",")
		}
		return models.CaptchaValidation{Message: msg, ErrorCode: CaptchaVerificationRejected}
	}
	if resp.Score != nil && *resp.Score < minScore {
		return models.CaptchaValidation{
			Score:     resp.Score,
			Message:   fmt.Sprintf("captcha score %.2f below minimum %.2f", *resp.Score, minScore),
			ErrorCode: CaptchaScoreTooLow,
		}
	}
	return models.CaptchaValidation{Success: true, Score: resp.Score, Message: "captcha verified"}
}

func (s *CaptchaService) record(ctx context.Context, identifier, scope string, result models.CaptchaValidation) {
	code := result.ErrorCode
	ev := &models.SecurityEvent{
		EventType: models.EventCaptchaPassed,
		Severity:  models.SeverityLow,
		Details:   map[string]interface{}{"identifier": identifier, "context": scope},
		Timestamp: s.clock.Now(),
	}
	if result.Success {
		code = "success"
	} else {
		ev.EventType = models.EventCaptchaFailed
		ev.Severity = models.SeverityMedium
		ev.Details["error_code"] = result.ErrorCode
	}
	if util.IsIP(identifier) {
		ev.Identity.IP = identifier
	}
	metrics.IncCaptchaValidation(code)
	emit(ctx, s.events, "captcha", ev)
}
