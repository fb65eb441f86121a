package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
	"github.com/Wikid82/bookguard/internal/util"
)

// Baseline entity types.
const (
	EntityUser = "user"
	EntityIP   = "ip"
)

const (
	maxKnownIPs        = 10
	maxKnownUserAgents = 5
	maxRecentRequests  = 1000
	recentRequestSpan  = time.Hour
	smoothing          = 0.1
)

// EventCounter counts indexed events; EventService implements it.
type EventCounter interface {
	Count(ctx context.Context, field, value string, since, until time.Time, types ...models.EventType) (int64, error)
}

type baselineEntry struct {
	mu     sync.Mutex
	b      *models.BehaviorBaseline
	loaded bool
}

// AnomalyService evaluates detection rules and fixed behavioral heuristics
// against each event and maintains per-entity baselines.
//
// Baselines live in the store; an LRU of recently used entities sits in front
// of it. Each cached entry carries its own mutex so updates to one entity are
// serialized within this process.
type AnomalyService struct {
	store   store.Store
	clock   clock.Clock
	counter EventCounter
	cfg     config.AnomalyConfig

	mu    sync.RWMutex
	rules []Rule

	cache *lru.Cache[string, *baselineEntry]
}

// NewAnomalyService builds the detector with the default rules, replaced by the
// contents of cfg.RulesFile when one is configured.
func NewAnomalyService(st store.Store, clk clock.Clock, counter EventCounter, cfg config.AnomalyConfig) (*AnomalyService, error) {
	cache, err := lru.New[string, *baselineEntry](cfg.BaselineCacheSize)
	if err != nil {
		return nil, fmt.Errorf("baseline cache: %w", err)
	}
	rules := DefaultRules(cfg)
	if cfg.RulesFile != "" {
		loaded, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
		logger.Component("anomaly").WithFields(logrus.Fields{
			"file":  cfg.RulesFile,
			"rules": len(rules),
		}).Info("loaded detection rules")
	}
	return &AnomalyService{store: st, clock: clk, counter: counter, cfg: cfg, rules: rules, cache: cache}, nil
}

// RegisterRule adds rule, replacing any rule with the same name.
func (s *AnomalyService) RegisterRule(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := rule.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.RuleName() == rule.RuleName() {
			s.rules[i] = rule
			return nil
		}
	}
	s.rules = append(s.rules, rule)
	return nil
}

// Rules returns a snapshot of the registered rules.
func (s *AnomalyService) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.rules...)
}

// Analyze returns the anomalies ev exhibits. It never fails: a rule that errors
// or panics is logged and skipped, and an unreachable store yields no findings.
func (s *AnomalyService) Analyze(ctx context.Context, ev *models.SecurityEvent) []models.Anomaly {
	if ev == nil {
		return nil
	}
	defer metrics.ObserveStage("anomaly", time.Now())
	now := s.clock.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var found []models.Anomaly
	rules := s.Rules()
	for _, r := range rules {
		if tr, ok := r.(ThresholdRule); ok {
			found = append(found, s.guard(tr.Name, func() []models.Anomaly {
				return s.evalThreshold(ctx, tr, ev, now)
			})...)
		}
	}

	entityType, entity := baselineEntity(ev)
	if entity != "" {
		found = append(found, s.withBaseline(ctx, entityType, entity, ev, rules, now)...)
	}

	for _, a := range found {
		metrics.IncAnomaly(a.Type, string(a.Severity))
	}
	if len(found) > 0 {
		logger.Component("anomaly").WithFields(logrus.Fields{
			"event_id":  ev.ID,
			"anomalies": len(found),
			"ip":        util.SanitizeForLog(ev.Identity.IP),
		}).Info("anomalies detected")
	}
	return found
}

func (s *AnomalyService) guard(name string, fn func() []models.Anomaly) (out []models.Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("anomaly").WithField("rule", name).Errorf("rule panicked: %v", r)
			out = nil
		}
	}()
	return fn()
}

func (s *AnomalyService) evalThreshold(ctx context.Context, r ThresholdRule, ev *models.SecurityEvent, now time.Time) []models.Anomaly {
	if ev.EventType != r.EventType {
		return nil
	}
	value := ev.GroupValue(r.GroupBy)
	if value == "" {
		return nil
	}
	count, err := s.counter.Count(ctx, groupField(r.GroupBy), value, now.Add(-r.Window), now, r.EventType)
	if err != nil {
		metrics.IncStoreFailure("anomaly")
		logger.Component("anomaly").WithError(err).WithField("rule", r.Name).Warn("threshold rule skipped")
		return nil
	}
	if count < int64(r.Threshold) {
		return nil
	}
	return []models.Anomaly{{
		Type:     r.AlertType,
		Rule:     r.Name,
		Severity: r.Severity,
		Details: map[string]interface{}{
			"group_by":    r.GroupBy,
			"group_value": value,
			"count":       count,
			"threshold":   r.Threshold,
			"window":      r.Window.String(),
		},
		DetectedAt: now,
	}}
}

// baselineEntity picks the entity a baseline is kept for: the user when known, else the IP.
func baselineEntity(ev *models.SecurityEvent) (string, string) {
	if ev.Identity.UserID != "" {
		return EntityUser, ev.Identity.UserID
	}
	if ev.Identity.IP != "" {
		return EntityIP, ev.Identity.IP
	}
	return "", ""
}

func (s *AnomalyService) entry(key string) *baselineEntry {
	if e, ok := s.cache.Get(key); ok {
		return e
	}
	fresh := &baselineEntry{}
	if prev, ok, _ := s.cache.PeekOrAdd(key, fresh); ok {
		return prev
	}
	return fresh
}

// load fills e from the store on first use. Caller holds e.mu.
func (s *AnomalyService) load(ctx context.Context, e *baselineEntry, entityType, entity string, now time.Time) error {
	if e.loaded {
		return nil
	}
	var b models.BehaviorBaseline
	found, err := store.GetJSON(ctx, s.store, baselineKey(entityType, entity), &b)
	if err != nil {
		return err
	}
	if found {
		if b.HourlyStats == nil {
			b.HourlyStats = make(map[int]int)
		}
		e.b = &b
	} else {
		e.b = models.NewBehaviorBaseline(entityType, entity, now)
	}
	e.loaded = true
	return nil
}

func (s *AnomalyService) withBaseline(ctx context.Context, entityType, entity string, ev *models.SecurityEvent, rules []Rule, now time.Time) []models.Anomaly {
	log := logger.Component("anomaly").WithField("entity_type", entityType)
	e := s.entry(baselineKey(entityType, entity))
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, e, entityType, entity, now); err != nil {
		metrics.IncStoreFailure("anomaly")
		log.WithError(err).Warn("baseline unavailable, skipping behavioral checks")
		return nil
	}
	b := e.b
	rollMinute(b, now)

	var found []models.Anomaly
	for _, r := range rules {
		sr, ok := r.(StatisticalRule)
		if !ok || !sr.matches(ev.EventType) {
			continue
		}
		found = append(found, s.guard(sr.Name, func() []models.Anomaly {
			return s.evalStatistical(sr, b, ev, now)
		})...)
	}
	found = append(found, s.guard("request_spike", func() []models.Anomaly { return s.checkSpike(b, ev, now) })...)
	found = append(found, s.guard("session_timing", func() []models.Anomaly { return s.checkSessionTiming(b, ev, now) })...)
	found = append(found, s.guard("new_user_agent", func() []models.Anomaly { return s.checkUserAgent(b, ev, now) })...)

	updateBaseline(b, ev, now)
	if err := s.persist(ctx, b); err != nil {
		metrics.IncStoreFailure("anomaly")
		log.WithError(err).Warn("failed to persist baseline")
	}
	return found
}

func (s *AnomalyService) evalStatistical(r StatisticalRule, b *models.BehaviorBaseline, ev *models.SecurityEvent, now time.Time) []models.Anomaly {
	if b.Samples < r.MinSamples {
		return nil
	}
	switch r.Kind {
	case KindUnusualLoginTimes:
		hour := float64(ev.Timestamp.UTC().Hour())
		// Flat histories would divide by zero; one hour is the smallest meaningful spread.
		stddev := math.Max(b.StdDevHourlyActivity, 1)
		z := math.Abs(hour-b.AvgHourlyActivity) / stddev
		if z <= r.DeviationThreshold {
			return nil
		}
		return []models.Anomaly{{
			Type: r.AlertType, Rule: r.Name, Severity: r.Severity, DetectedAt: now,
			Details: map[string]interface{}{
				"hour":      int(hour),
				"mean_hour": b.AvgHourlyActivity,
				"std_dev":   b.StdDevHourlyActivity,
				"z_score":   z,
			},
		}}
	case KindGeographic:
		ip := ev.Identity.IP
		if ip == "" || len(b.KnownIPs) == 0 {
			return nil
		}
		for _, known := range b.KnownIPs {
			if known == ip || util.SameNetwork(known, ip) {
				return nil
			}
		}
		return []models.Anomaly{{
			Type: r.AlertType, Rule: r.Name, Severity: r.Severity, DetectedAt: now,
			Details: map[string]interface{}{
				"ip":        ip,
				"known_ips": len(b.KnownIPs),
			},
		}}
	}
	return nil
}

// requestsThisMinute counts the current event plus those already seen in its calendar minute.
func requestsThisMinute(b *models.BehaviorBaseline, now time.Time) float64 {
	since := now.Truncate(time.Minute).UnixMilli()
	n := 0
	for _, ts := range b.RecentRequestTimestamps {
		if ts >= since {
			n++
		}
	}
	return float64(n + 1)
}

// rollMinute folds the last active minute into the request-rate statistics once
// an event arrives in a later minute. Averages and maxima therefore only cover
// completed minutes.
func rollMinute(b *models.BehaviorBaseline, now time.Time) {
	n := len(b.RecentRequestTimestamps)
	if n == 0 {
		return
	}
	start := time.UnixMilli(b.RecentRequestTimestamps[n-1]).Truncate(time.Minute)
	if !start.Before(now.Truncate(time.Minute)) {
		return
	}
	from, to := start.UnixMilli(), start.Add(time.Minute).UnixMilli()
	count := 0.0
	for _, ts := range b.RecentRequestTimestamps {
		if ts >= from && ts < to {
			count++
		}
	}
	if b.CompletedMinutes == 0 {
		b.AvgRequestsPerMinute = count
	} else {
		b.AvgRequestsPerMinute = b.AvgRequestsPerMinute*(1-smoothing) + count*smoothing
	}
	b.MaxRequestsPerMinute = math.Max(b.MaxRequestsPerMinute, count)
	b.CompletedMinutes++
}

func (s *AnomalyService) checkSpike(b *models.BehaviorBaseline, ev *models.SecurityEvent, now time.Time) []models.Anomaly {
	// An entity needs completed minutes before its rate can be compared.
	if b.Samples < s.cfg.SpikeMinSamples || b.CompletedMinutes < s.cfg.SpikeMinMinutes {
		return nil
	}
	cur := requestsThisMinute(b, now)
	if cur <= 5*b.AvgRequestsPerMinute || cur <= 2*b.MaxRequestsPerMinute {
		return nil
	}
	return []models.Anomaly{{
		Type: "request_spike", Rule: "request_spike", Severity: models.SeverityHigh, DetectedAt: now,
		Details: map[string]interface{}{
			"requests_per_minute": cur,
			"average":             b.AvgRequestsPerMinute,
			"historical_max":      b.MaxRequestsPerMinute,
		},
	}}
}

func (s *AnomalyService) checkSessionTiming(b *models.BehaviorBaseline, ev *models.SecurityEvent, now time.Time) []models.Anomaly {
	if ev.EventType != models.EventLoginSuccess || b.SessionSamples == 0 {
		return nil
	}
	if b.AvgSessionMinutes <= s.cfg.LongSessionMinutes {
		return nil
	}
	hour := ev.Timestamp.UTC().Hour()
	if hour >= 6 && hour < 22 {
		return nil
	}
	return []models.Anomaly{{
		Type: "unusual_session_timing", Rule: "session_timing", Severity: models.SeverityMedium, DetectedAt: now,
		Details: map[string]interface{}{
			"hour":                hour,
			"avg_session_minutes": b.AvgSessionMinutes,
		},
	}}
}

func (s *AnomalyService) checkUserAgent(b *models.BehaviorBaseline, ev *models.SecurityEvent, now time.Time) []models.Anomaly {
	ua := ev.Identity.UserAgent
	if ua == "" || len(b.KnownUserAgents) == 0 {
		return nil
	}
	best := 0.0
	for _, known := range b.KnownUserAgents {
		if known == ua {
			return nil
		}
		best = math.Max(best, uaSimilarity(known, ua))
	}
	if best >= s.cfg.UASimilarity {
		return nil
	}
	return []models.Anomaly{{
		Type: "new_user_agent", Rule: "new_user_agent", Severity: models.SeverityLow, DetectedAt: now,
		Details: map[string]interface{}{
			"user_agent": util.SanitizeForLog(ua),
			"similarity": best,
		},
	}}
}

// uaSimilarity is the Jaccard index of the lowercase word tokens of a and b.
func uaSimilarity(a, b string) float64 {
	ta, tb := uaTokens(a), uaTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func uaTokens(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_'
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// updateBaseline folds ev into b.
func updateBaseline(b *models.BehaviorBaseline, ev *models.SecurityEvent, now time.Time) {
	hour := ev.Timestamp.UTC().Hour()
	b.Samples++
	b.HourlyStats[hour]++
	x := float64(hour)
	delta := x - b.AvgHourlyActivity
	b.AvgHourlyActivity += delta / float64(b.Samples)
	b.HourM2 += delta * (x - b.AvgHourlyActivity)
	if b.Samples > 1 {
		b.StdDevHourlyActivity = math.Sqrt(b.HourM2 / float64(b.Samples))
	}

	b.KnownIPs = appendBounded(b.KnownIPs, ev.Identity.IP, maxKnownIPs)
	b.KnownUserAgents = appendBounded(b.KnownUserAgents, ev.Identity.UserAgent, maxKnownUserAgents)

	cutoff := now.Add(-recentRequestSpan).UnixMilli()
	kept := b.RecentRequestTimestamps[:0]
	for _, ts := range b.RecentRequestTimestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now.UnixMilli())
	if len(kept) > maxRecentRequests {
		kept = kept[len(kept)-maxRecentRequests:]
	}
	b.RecentRequestTimestamps = kept

	if ev.EventType == models.EventSessionEnd || ev.EventType == models.EventLogout {
		if minutes, ok := ev.DetailFloat("session_minutes"); ok && minutes >= 0 {
			b.SessionSamples++
			b.AvgSessionMinutes += (minutes - b.AvgSessionMinutes) / float64(b.SessionSamples)
		}
	}
	b.UpdatedAt = now
}

// appendBounded appends v when absent, evicting the oldest entries past limit.
func appendBounded(list []string, v string, limit int) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	list = append(list, v)
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func (s *AnomalyService) persist(ctx context.Context, b *models.BehaviorBaseline) error {
	raw, err := store.Encode(b)
	if err != nil {
		return err
	}
	key := baselineKey(b.EntityType, b.Entity)
	_, err = s.store.Exec(ctx, store.Set(key, raw, 0), store.SAdd(baselineIndexKey, key))
	return err
}

// GetBaseline returns a copy of the entity's baseline.
func (s *AnomalyService) GetBaseline(ctx context.Context, entityType, entity string) (*models.BehaviorBaseline, error) {
	if entity == "" {
		return nil, ErrMissingIdentifier
	}
	key := baselineKey(entityType, entity)
	if e, ok := s.cache.Get(key); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.loaded && e.b.Samples > 0 {
			return e.b.Clone(), nil
		}
	}
	var b models.BehaviorBaseline
	found, err := store.GetJSON(ctx, s.store, key, &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrBaselineNotFound
	}
	return &b, nil
}

// ResetBaseline forgets everything learned about an entity.
func (s *AnomalyService) ResetBaseline(ctx context.Context, entityType, entity string) error {
	if entity == "" {
		return ErrMissingIdentifier
	}
	key := baselineKey(entityType, entity)
	s.cache.Remove(key)
	if _, err := s.store.Exec(ctx, store.Del(key), store.SRem(baselineIndexKey, key)); err != nil {
		return fmt.Errorf("reset baseline: %w", err)
	}
	logger.Component("anomaly").WithField("entity_type", entityType).Info("baseline reset")
	return nil
}

// PruneBaselineIndex drops index members whose baseline record no longer exists.
func (s *AnomalyService) PruneBaselineIndex(ctx context.Context) (int64, error) {
	res, err := s.store.Exec(ctx, store.SMembers(baselineIndexKey))
	if err != nil {
		return 0, err
	}
	keys := res[0].Members
	if len(keys) == 0 {
		return 0, nil
	}
	ops := make([]store.Op, len(keys))
	for i, k := range keys {
		ops[i] = store.Get(k)
	}
	got, err := s.store.Exec(ctx, ops...)
	if err != nil {
		return 0, err
	}
	var stale []string
	for i, r := range got {
		if !r.Found {
			stale = append(stale, keys[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := s.store.Exec(ctx, store.SRem(baselineIndexKey, stale...)); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}
