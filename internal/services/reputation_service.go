package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/util"
)

// maxBackoffExponent keeps base * 2^(level-1) from overflowing.
const maxBackoffExponent = 30

// BlockOptions parameterises BlockIP. Zero values use the configured defaults.
type BlockOptions struct {
	Duration           time.Duration
	ExponentialBackoff *bool
	BlockedBy          string
}

// DelayOptions parameterises ApplyProgressiveDelay.
type DelayOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ReputationService tracks a score per IP and applies escalating temporary blocks.
type ReputationService struct {
	store  store.Store
	clock  clock.Clock
	events EventRecorder
	cfg    config.ReputationConfig
}

func NewReputationService(st store.Store, clk clock.Clock, events EventRecorder, cfg config.ReputationConfig) *ReputationService {
	return &ReputationService{store: st, clock: clk, events: events, cfg: cfg}
}

// UpdateIPReputation adds delta to the score of ip and blocks the address once the
// score reaches -BlockThreshold, unless it is already blocked.
func (s *ReputationService) UpdateIPReputation(ctx context.Context, ip string, delta float64) (float64, error) {
	if ip == "" {
		return 0, ErrMissingIdentifier
	}
	res, err := s.store.Exec(ctx, store.IncrByFloat(reputationKey(ip), delta))
	if err != nil {
		return 0, fmt.Errorf("update reputation: %w", err)
	}
	score := res[0].Float
	if score > -s.cfg.BlockThreshold {
		return score, nil
	}

	status, err := s.CheckIPBlock(ctx, ip)
	if err != nil {
		return score, err
	}
	if status.Blocked {
		return score, nil
	}
	if _, err := s.BlockIP(ctx, ip, "reputation threshold exceeded", BlockOptions{BlockedBy: "reputation"}); err != nil {
		return score, err
	}
	return score, nil
}

// GetIPReputation returns the current score of ip (zero when unknown).
func (s *ReputationService) GetIPReputation(ctx context.Context, ip string) (float64, error) {
	raw, err := s.store.Get(ctx, reputationKey(ip))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		logger.Component("reputation").WithField("ip", util.SanitizeForLog(ip)).Warn("malformed reputation score")
		return 0, nil
	}
	return score, nil
}

// BlockDuration is the block length at level with exponential backoff: base * 2^(level-1),
// capped at MaxBlockDuration.
func (s *ReputationService) BlockDuration(base time.Duration, level int) time.Duration {
	exp := level - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	factor := time.Duration(int64(1) << uint(exp))
	if base > math.MaxInt64/factor {
		if s.cfg.MaxBlockDuration > 0 {
			return s.cfg.MaxBlockDuration
		}
		return time.Duration(math.MaxInt64)
	}
	d := base * factor
	if s.cfg.MaxBlockDuration > 0 && d > s.cfg.MaxBlockDuration {
		d = s.cfg.MaxBlockDuration
	}
	return d
}

// BlockIP blocks ip. The block level comes from an atomic counter that outlives
// each block by BlockHistoryWindow, so re-blocking a blocked or recently blocked
// address escalates exactly one level even under concurrent callers.
func (s *ReputationService) BlockIP(ctx context.Context, ip, reason string, opts BlockOptions) (*models.IPBlock, error) {
	if ip == "" {
		return nil, ErrMissingIdentifier
	}
	res, err := s.store.Exec(ctx, store.IncrBy(blockLevelKey(ip), 1))
	if err != nil {
		return nil, fmt.Errorf("increment block level: %w", err)
	}
	level := int(res[0].Int)

	base := opts.Duration
	if base <= 0 {
		base = s.cfg.BaseBlockDuration
	}
	backoff := s.cfg.ExponentialBackoff
	if opts.ExponentialBackoff != nil {
		backoff = *opts.ExponentialBackoff
	}
	dur := base
	if backoff {
		dur = s.BlockDuration(base, level)
	}

	now := s.clock.Now()
	block := &models.IPBlock{
		IP:         ip,
		Reason:     reason,
		BlockedAt:  now,
		ExpiresAt:  now.Add(dur),
		BlockLevel: level,
		Duration:   dur,
		BlockedBy:  opts.BlockedBy,
	}
	raw, err := store.Encode(block)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Exec(ctx,
		store.Set(blockKey(ip), raw, dur),
		store.Expire(blockLevelKey(ip), dur+s.cfg.BlockHistoryWindow),
	); err != nil {
		return nil, fmt.Errorf("store ip block: %w", err)
	}

	metrics.IncIPBlock()
	logger.Component("reputation").WithFields(logrus.Fields{
		"ip":          util.SanitizeForLog(ip),
		"reason":      util.SanitizeForLog(reason),
		"block_level": level,
		"duration":    dur.String(),
	}).Warn("ip blocked")
	emit(ctx, s.events, "reputation", &models.SecurityEvent{
		EventType: models.EventIPBlocked,
		Severity:  models.SeverityHigh,
		Identity:  models.Identity{IP: ip},
		Details: map[string]interface{}{
			"reason":      reason,
			"block_level": level,
			"duration_ms": dur.Milliseconds(),
			"blocked_by":  opts.BlockedBy,
		},
		Timestamp: now,
	})
	return block, nil
}

// CheckIPBlock reports whether ip is blocked right now.
func (s *ReputationService) CheckIPBlock(ctx context.Context, ip string) (models.IPBlockStatus, error) {
	now := s.clock.Now()
	block, err := store.ReadWithLazyExpiry(ctx, s.store, blockKey(ip), now,
		func(b *models.IPBlock) time.Time { return b.ExpiresAt })
	if err != nil || block == nil {
		return models.IPBlockStatus{}, err
	}
	exp := block.ExpiresAt
	return models.IPBlockStatus{
		Blocked:       true,
		Reason:        block.Reason,
		RemainingTime: exp.Sub(now),
		BlockLevel:    block.BlockLevel,
		ExpiresAt:     &exp,
	}, nil
}

// UnblockIP lifts an active block. The level history is kept so a quick re-block still escalates.
func (s *ReputationService) UnblockIP(ctx context.Context, ip, by string) (bool, error) {
	if ip == "" {
		return false, ErrMissingIdentifier
	}
	res, err := s.store.Exec(ctx, store.Del(blockKey(ip)))
	if err != nil {
		return false, fmt.Errorf("unblock ip: %w", err)
	}
	if res[0].Int == 0 {
		return false, nil
	}
	emit(ctx, s.events, "reputation", &models.SecurityEvent{
		EventType: models.EventIPUnblocked,
		Severity:  models.SeverityLow,
		Identity:  models.Identity{IP: ip, UserID: by},
		Details:   map[string]interface{}{"unblocked_by": by},
		Timestamp: s.clock.Now(),
	})
	return true, nil
}

// ProgressiveDelayFor computes min(base * 2^min(attempts-1, 5), ceiling).
func ProgressiveDelayFor(attempts int, base, ceiling time.Duration) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 5 {
		exp = 5
	}
	d := base * time.Duration(int64(1)<<uint(exp))
	if d > ceiling {
		d = ceiling
	}
	return d
}

// ApplyProgressiveDelay computes an advisory back-off for identifier and records it.
// The caller decides whether to wait or reject until NextAttemptAt. When identifier
// is an IP address its reputation is lowered by one. The computed delay is always
// returned; a store failure is reported alongside it.
func (s *ReputationService) ApplyProgressiveDelay(ctx context.Context, identifier string, attemptCount int, opts DelayOptions) (*models.ProgressiveDelay, error) {
	if identifier == "" {
		return nil, ErrMissingIdentifier
	}
	base, ceiling := opts.BaseDelay, opts.MaxDelay
	if base <= 0 {
		base = s.cfg.BaseDelay
	}
	if ceiling <= 0 {
		ceiling = s.cfg.MaxDelay
	}
	if attemptCount < 1 {
		attemptCount = 1
	}
	now := s.clock.Now()
	delay := ProgressiveDelayFor(attemptCount, base, ceiling)
	rec := &models.ProgressiveDelay{
		Identifier:    identifier,
		AttemptCount:  attemptCount,
		Delay:         delay,
		NextAttemptAt: now.Add(delay),
	}

	var errs []error
	if err := store.PutJSON(ctx, s.store, delayKey(identifier), rec, delay); err != nil {
		errs = append(errs, fmt.Errorf("store progressive delay: %w", err))
	}
	if util.IsIP(identifier) {
		if _, err := s.UpdateIPReputation(ctx, identifier, -1); err != nil {
			errs = append(errs, err)
		}
	}
	return rec, errors.Join(errs...)
}

// GetProgressiveDelay returns the active delay for identifier, or nil.
func (s *ReputationService) GetProgressiveDelay(ctx context.Context, identifier string) (*models.ProgressiveDelay, error) {
	return store.ReadWithLazyExpiry(ctx, s.store, delayKey(identifier), s.clock.Now(),
		func(d *models.ProgressiveDelay) time.Time { return d.NextAttemptAt })
}
