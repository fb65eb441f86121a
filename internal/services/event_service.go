package services

import (
	"context"
	"fmt"
	"sort"
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

// Identity attributes events are indexed by.
const (
	FieldIP        = "ip"
	FieldUser      = "user"
	FieldUserAgent = "ua"
)

// EventRecorder persists security events. Services use it to emit events about
// their own decisions (rate limit exceeded, IP blocked, ...).
type EventRecorder interface {
	Record(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
}

// EventQuery filters List. Zero times are open bounds.
type EventQuery struct {
	Start  time.Time
	End    time.Time
	Type   models.EventType
	IP     string
	UserID string
	Limit  int
}

// EventService stores SecurityEvents with a retention TTL and maintains
// time-ordered indexes per identity attribute.
type EventService struct {
	store     store.Store
	clock     clock.Clock
	retention time.Duration
}

func NewEventService(st store.Store, clk clock.Clock, cfg config.EventsConfig) *EventService {
	return &EventService{store: st, clock: clk, retention: cfg.Retention}
}

// Record assigns an id and timestamp when missing and stores the event with its indexes.
func (s *EventService) Record(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	if ev == nil || ev.EventType == "" {
		return nil, fmt.Errorf("record event: %w", ErrMissingIdentifier)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	if !ev.Severity.Valid() {
		ev.Severity = models.SeverityLow
	}

	raw, err := store.Encode(ev)
	if err != nil {
		return nil, err
	}
	score := store.Score(ev.Timestamp)
	cutoff := store.Score(s.clock.Now().Add(-s.retention))

	ops := []store.Op{
		store.Set(eventKey(ev.ID), raw, s.retention),
		store.ZRemRangeByScore(eventTimelineKey, store.NegInf, cutoff),
		store.ZAdd(eventTimelineKey, ev.ID, score),
	}
	for field, value := range indexValues(ev) {
		for _, key := range []string{eventIndexKey(field, value), eventTypeIndexKey(field, value, ev.EventType)} {
			ops = append(ops,
				store.ZAdd(key, ev.ID, score),
				store.Expire(key, s.retention),
				store.SAdd(eventIndexSetKey, key),
			)
		}
	}
	if _, err := s.store.Exec(ctx, ops...); err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.ID, err)
	}

	metrics.IncSecurityEvent(string(ev.EventType))
	logger.Component("events").WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"severity":   ev.Severity,
		"ip":         util.SanitizeForLog(ev.Identity.IP),
	}).Debug("security event recorded")
	return ev, nil
}

func indexValues(ev *models.SecurityEvent) map[string]string {
	out := make(map[string]string, 3)
	if ev.Identity.IP != "" {
		out[FieldIP] = ev.Identity.IP
	}
	if ev.Identity.UserID != "" {
		out[FieldUser] = ev.Identity.UserID
	}
	if ev.Identity.UserAgent != "" {
		out[FieldUserAgent] = ev.Identity.UserAgent
	}
	return out
}

// Get returns one stored event.
func (s *EventService) Get(ctx context.Context, id string) (*models.SecurityEvent, error) {
	var ev models.SecurityEvent
	found, err := store.GetJSON(ctx, s.store, eventKey(id), &ev)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

// eventScanLimit bounds how many index entries List reads when it still has to
// filter what it loads.
const eventScanLimit = 5000

// List returns up to q.Limit events newest first, reading from the newest end
// of the narrowest index that matches the query. A filter the index cannot
// express is applied to the newest eventScanLimit entries only.
func (s *EventService) List(ctx context.Context, q EventQuery) ([]*models.SecurityEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 500
	}
	key := eventTimelineKey
	var field, value string
	switch {
	case q.IP != "":
		field, value = FieldIP, q.IP
	case q.UserID != "":
		field, value = FieldUser, q.UserID
	}
	filterType := q.Type != ""
	if field != "" {
		key = eventIndexKey(field, value)
		if filterType {
			key = eventTypeIndexKey(field, value, q.Type)
			filterType = false
		}
	}
	filterUser := q.UserID != "" && field != FieldUser

	count := int64(q.Limit)
	if filterType || filterUser {
		count = eventScanLimit
	}
	min, max := store.NegInf, store.PosInf
	if !q.Start.IsZero() {
		min = store.Score(q.Start)
	}
	if !q.End.IsZero() {
		max = store.Score(q.End)
	}

	res, err := s.store.Exec(ctx, store.ZRevRangeByScore(key, min, max, count))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := s.load(ctx, res[0].Members)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, ev := range events {
		if filterType && ev.EventType != q.Type {
			continue
		}
		if filterUser && ev.Identity.UserID != q.UserID {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Count returns how many events of type t carry field=value within [since, until].
func (s *EventService) Count(ctx context.Context, field, value string, since, until time.Time, types ...models.EventType) (int64, error) {
	if value == "" || len(types) == 0 {
		return 0, nil
	}
	ops := make([]store.Op, 0, len(types))
	for _, t := range types {
		ops = append(ops, store.ZCount(eventTypeIndexKey(field, value, t), store.Score(since), store.Score(until)))
	}
	res, err := s.store.Exec(ctx, ops...)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	var n int64
	for _, r := range res {
		n += r.Int
	}
	return n, nil
}

// load reads events by id in one batch, skipping expired and malformed records.
func (s *EventService) load(ctx context.Context, ids []string) ([]*models.SecurityEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ops := make([]store.Op, len(ids))
	for i, id := range ids {
		ops[i] = store.Get(eventKey(id))
	}
	res, err := s.store.Exec(ctx, ops...)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	events := make([]*models.SecurityEvent, 0, len(ids))
	for i, r := range res {
		if !r.Found {
			continue
		}
		var ev models.SecurityEvent
		if store.Decode(eventKey(ids[i]), r.Value, &ev) {
			events = append(events, &ev)
		}
	}
	return events, nil
}

// PruneIndexes drops index members older than the retention period and forgets
// index keys that became empty. It returns the number of members removed.
func (s *EventService) PruneIndexes(ctx context.Context) (int64, error) {
	res, err := s.store.Exec(ctx, store.SMembers(eventIndexSetKey))
	if err != nil {
		return 0, err
	}
	cutoff := store.Score(s.clock.Now().Add(-s.retention))
	var removed int64
	for _, key := range res[0].Members {
		r, err := s.store.Exec(ctx,
			store.ZRemRangeByScore(key, store.NegInf, cutoff),
			store.ZCount(key, store.NegInf, store.PosInf),
		)
		if err != nil {
			return removed, err
		}
		removed += r[0].Int
		if r[1].Int == 0 {
			if _, err := s.store.Exec(ctx, store.SRem(eventIndexSetKey, key)); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// emit records an event produced by a service decision. Failures are logged, never returned.
func emit(ctx context.Context, rec EventRecorder, component string, ev *models.SecurityEvent) {
	if rec == nil {
		return
	}
	if _, err := rec.Record(ctx, ev); err != nil {
		metrics.IncStoreFailure(component)
		logger.Component(component).WithError(err).WithField("event_type", ev.EventType).Warn("failed to record security event")
	}
}
