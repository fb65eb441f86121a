package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/util"
)

// Multiplier sources reported in RateLimitResult.Source.
const (
	SourceDefault    = "default"
	SourceAdjustment = "adjustment"
	SourceOverride   = "override"
)

// RateLimitContext describes the request being admitted.
type RateLimitContext struct {
	Endpoint  string
	IP        string
	UserID    string
	UserAgent string
}

// AdjustOptions parameterises AdjustRateLimits.
type AdjustOptions struct {
	Reason     string
	Duration   time.Duration
	AdjustedBy string
}

// OverrideRequest parameterises EmergencyOverride.
type OverrideRequest struct {
	AdminID          string
	Reason           string
	Duration         time.Duration
	GlobalMultiplier float64
}

// RateLimitService is a sliding-window limiter whose thresholds are scaled by
// per-endpoint threat adjustments and a single global emergency override.
type RateLimitService struct {
	store  store.Store
	clock  clock.Clock
	events EventRecorder
	cfg    config.RateLimitConfig
}

func NewRateLimitService(st store.Store, clk clock.Clock, events EventRecorder, cfg config.RateLimitConfig) *RateLimitService {
	return &RateLimitService{store: st, clock: clk, events: events, cfg: cfg}
}

// Limit returns the configured window for lt, falling back to the general limit.
func (s *RateLimitService) Limit(lt models.LimitType) config.LimitConfig {
	if l, ok := s.cfg.Limits[string(lt)]; ok {
		return l
	}
	return s.cfg.Limits[string(models.LimitGeneral)]
}

type limitPolicy struct {
	multiplier float64
	source     string
	bypass     bool
}

// policy resolves override > adjustment > default. Read failures fall back to default.
func (s *RateLimitService) policy(ctx context.Context, lt models.LimitType, rc RateLimitContext) limitPolicy {
	log := logger.Component("ratelimit")

	ov, err := s.GetEmergencyOverride(ctx)
	if err != nil {
		metrics.IncStoreFailure("ratelimit")
		log.WithError(err).Warn("emergency override unreadable, ignoring")
	}
	if ov != nil {
		switch ov.Action {
		case models.OverrideDisable:
			return limitPolicy{multiplier: 1, source: SourceOverride, bypass: true}
		case models.OverrideEnable:
			return limitPolicy{multiplier: 1, source: SourceOverride}
		case models.OverrideAdjust:
			return limitPolicy{multiplier: ov.Options.GlobalMultiplier, source: SourceOverride}
		}
	}

	for _, endpoint := range []string{rc.Endpoint, string(lt)} {
		if endpoint == "" {
			continue
		}
		adj, err := s.GetRateLimitAdjustment(ctx, endpoint)
		if err != nil {
			metrics.IncStoreFailure("ratelimit")
			log.WithError(err).WithField("endpoint", util.SanitizeForLog(endpoint)).Warn("threat adjustment unreadable, ignoring")
			break
		}
		if adj != nil {
			return limitPolicy{multiplier: adj.Multiplier, source: SourceAdjustment}
		}
	}
	return limitPolicy{multiplier: 1, source: SourceDefault}
}

func effectiveMax(base int, multiplier float64) int {
	n := int(math.Floor(float64(base) * multiplier))
	if n < 1 {
		return 1
	}
	return n
}

// CheckRateLimit records one request for (identifier, lt) and reports whether it is
// within the effective limit. Prune, insert, count and TTL refresh run as one batch.
// Store failures fail open: Allowed is true and Error is set.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, identifier string, lt models.LimitType, rc RateLimitContext) models.RateLimitResult {
	now := s.clock.Now()
	limit := s.Limit(lt)
	pol := s.policy(ctx, lt, rc)
	ceiling := effectiveMax(limit.Max, pol.multiplier)
	result := models.RateLimitResult{
		Allowed:    true,
		Limit:      ceiling,
		Remaining:  ceiling,
		ResetTime:  now.Add(limit.Window),
		Multiplier: pol.multiplier,
		Source:     pol.source,
	}
	if pol.bypass {
		metrics.IncRateLimitDecision(string(lt), "bypassed")
		return result
	}

	key := rateLimitKey(lt, identifier)
	nowScore := store.Score(now)
	windowStart := nowScore - float64(limit.Window.Milliseconds())
	res, err := s.store.Exec(ctx,
		store.ZRemRangeByScore(key, store.NegInf, windowStart-1),
		store.ZAdd(key, fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()), nowScore),
		store.ZCount(key, windowStart, nowScore),
		store.Expire(key, limit.Window),
	)
	if err != nil {
		metrics.IncStoreFailure("ratelimit")
		metrics.IncRateLimitDecision(string(lt), "error")
		logger.Component("ratelimit").WithError(err).WithFields(logrus.Fields{
			"key": util.SanitizeForLog(key),
		}).Warn("rate limit store unavailable, allowing request")
		result.Error = err.Error()
		return result
	}

	result.Count = res[2].Int
	result.Remaining = ceiling - int(result.Count)
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if result.Count <= int64(ceiling) {
		metrics.IncRateLimitDecision(string(lt), "allowed")
		return result
	}

	result.Allowed = false
	metrics.IncRateLimitDecision(string(lt), "blocked")
	emit(ctx, s.events, "ratelimit", &models.SecurityEvent{
		EventType: models.EventRateLimitExceeded,
		Severity:  models.SeverityMedium,
		Identity:  models.Identity{IP: rc.IP, UserID: rc.UserID, UserAgent: rc.UserAgent},
		Details: map[string]interface{}{
			"identifier": identifier,
			"limit_type": string(lt),
			"endpoint":   rc.Endpoint,
			"count":      result.Count,
			"limit":      ceiling,
			"multiplier": pol.multiplier,
			"source":     pol.source,
		},
		Timestamp: now,
	})
	return result
}

// PeekRateLimit counts the current window without recording a request.
func (s *RateLimitService) PeekRateLimit(ctx context.Context, identifier string, lt models.LimitType) (models.RateLimitResult, error) {
	now := s.clock.Now()
	limit := s.Limit(lt)
	pol := s.policy(ctx, lt, RateLimitContext{})
	ceiling := effectiveMax(limit.Max, pol.multiplier)
	nowScore := store.Score(now)
	res, err := s.store.Exec(ctx, store.ZCount(rateLimitKey(lt, identifier), nowScore-float64(limit.Window.Milliseconds()), nowScore))
	if err != nil {
		return models.RateLimitResult{}, err
	}
	remaining := ceiling - int(res[0].Int)
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitResult{
		Allowed:    pol.bypass || res[0].Int < int64(ceiling),
		Count:      res[0].Int,
		Limit:      ceiling,
		Remaining:  remaining,
		ResetTime:  now.Add(limit.Window),
		Multiplier: pol.multiplier,
		Source:     pol.source,
	}, nil
}

// ResetRateLimit forgets the window for (identifier, lt).
func (s *RateLimitService) ResetRateLimit(ctx context.Context, identifier string, lt models.LimitType) error {
	if identifier == "" {
		return ErrMissingIdentifier
	}
	return s.store.Delete(ctx, rateLimitKey(lt, identifier))
}

// AdjustRateLimits tightens the limit for endpoint according to level, replacing
// any adjustment already active for it.
func (s *RateLimitService) AdjustRateLimits(ctx context.Context, endpoint string, level models.ThreatLevel, opts AdjustOptions) (*models.ThreatAdjustment, error) {
	if endpoint == "" {
		return nil, ErrMissingIdentifier
	}
	mult, ok := models.ThreatMultipliers[level]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidThreatLevel, level)
	}
	dur := opts.Duration
	if dur <= 0 {
		dur = s.cfg.DefaultAdjustmentDuration
	}
	now := s.clock.Now()
	adj := &models.ThreatAdjustment{
		Endpoint:    endpoint,
		ThreatLevel: level,
		Multiplier:  mult,
		Reason:      opts.Reason,
		AdjustedAt:  now,
		ExpiresAt:   now.Add(dur),
	}
	if err := store.PutJSON(ctx, s.store, adjustmentKey(endpoint), adj, dur); err != nil {
		return nil, fmt.Errorf("store threat adjustment: %w", err)
	}

	logger.Component("ratelimit").WithFields(logrus.Fields{
		"endpoint":     util.SanitizeForLog(endpoint),
		"threat_level": level,
		"multiplier":   mult,
		"expires_at":   adj.ExpiresAt,
	}).Info("rate limits adjusted")
	emit(ctx, s.events, "ratelimit", &models.SecurityEvent{
		EventType: models.EventRateLimitAdjusted,
		Severity:  models.SeverityMedium,
		Identity:  models.Identity{UserID: opts.AdjustedBy},
		Details: map[string]interface{}{
			"endpoint":     endpoint,
			"threat_level": string(level),
			"multiplier":   mult,
			"reason":       opts.Reason,
			"duration_ms":  dur.Milliseconds(),
		},
		Timestamp: now,
	})
	return adj, nil
}

// GetRateLimitAdjustment returns the active adjustment for endpoint, or nil.
func (s *RateLimitService) GetRateLimitAdjustment(ctx context.Context, endpoint string) (*models.ThreatAdjustment, error) {
	return store.ReadWithLazyExpiry(ctx, s.store, adjustmentKey(endpoint), s.clock.Now(),
		func(a *models.ThreatAdjustment) time.Time { return a.ExpiresAt })
}

// ClearRateLimitAdjustment removes the adjustment for endpoint.
func (s *RateLimitService) ClearRateLimitAdjustment(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return ErrMissingIdentifier
	}
	return s.store.Delete(ctx, adjustmentKey(endpoint))
}

// EmergencyOverride replaces the global override slot.
func (s *RateLimitService) EmergencyOverride(ctx context.Context, action models.OverrideAction, req OverrideRequest) (*models.EmergencyOverride, error) {
	switch action {
	case models.OverrideDisable, models.OverrideEnable:
	case models.OverrideAdjust:
		if req.GlobalMultiplier <= 0 {
			return nil, ErrInvalidMultiplier
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOverrideAction, action)
	}
	dur := req.Duration
	if dur <= 0 {
		dur = s.cfg.DefaultOverrideDuration
	}
	now := s.clock.Now()
	ov := &models.EmergencyOverride{
		Action:      action,
		Options:     models.OverrideOptions{GlobalMultiplier: req.GlobalMultiplier, DurationMs: dur.Milliseconds()},
		ActivatedBy: req.AdminID,
		Reason:      req.Reason,
		ActivatedAt: now,
		ExpiresAt:   now.Add(dur),
	}
	if err := store.PutJSON(ctx, s.store, emergencyOverrideKey, ov, dur); err != nil {
		return nil, fmt.Errorf("store emergency override: %w", err)
	}

	logger.Component("ratelimit").WithFields(logrus.Fields{
		"action":       action,
		"activated_by": util.SanitizeForLog(req.AdminID),
		"expires_at":   ov.ExpiresAt,
	}).Warn("emergency rate limit override activated")
	emit(ctx, s.events, "ratelimit", &models.SecurityEvent{
		EventType: models.EventEmergencyOverride,
		Severity:  models.SeverityCritical,
		Identity:  models.Identity{UserID: req.AdminID},
		Details: map[string]interface{}{
			"action":            string(action),
			"reason":            req.Reason,
			"global_multiplier": req.GlobalMultiplier,
			"duration_ms":       dur.Milliseconds(),
		},
		Timestamp: now,
	})
	return ov, nil
}

// GetEmergencyOverride returns the active override, or nil.
func (s *RateLimitService) GetEmergencyOverride(ctx context.Context) (*models.EmergencyOverride, error) {
	return store.ReadWithLazyExpiry(ctx, s.store, emergencyOverrideKey, s.clock.Now(),
		func(o *models.EmergencyOverride) time.Time { return o.ExpiresAt })
}

// ClearEmergencyOverride empties the override slot.
func (s *RateLimitService) ClearEmergencyOverride(ctx context.Context) error {
	return s.store.Delete(ctx, emergencyOverrideKey)
}
