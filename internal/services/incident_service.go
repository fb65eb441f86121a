package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
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

const maxIncidentEvents = 500

// Notifier delivers incident notifications to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel string, p NotificationPayload) (models.NotificationReceipt, error)
}

// IncidentService classifies events into incidents, deduplicates them per
// actor within a correlation window and tracks their lifecycle.
type IncidentService struct {
	store    store.Store
	clock    clock.Clock
	counter  EventCounter
	notifier Notifier
	cfg      config.IncidentConfig

	// AsyncNotify sends detection-time notifications in the background. Wait
	// blocks until they are done.
	AsyncNotify bool
	wg          sync.WaitGroup

	locks keyedMutex
}

func NewIncidentService(st store.Store, clk clock.Clock, counter EventCounter, notifier Notifier, cfg config.IncidentConfig) *IncidentService {
	return &IncidentService{store: st, clock: clk, counter: counter, notifier: notifier, cfg: cfg}
}

// Wait blocks until background notifications finish.
func (s *IncidentService) Wait() { s.wg.Wait() }

type detection struct {
	kind     models.IncidentType
	actor    string
	severity models.Severity
	notify   bool
	details  map[string]interface{}
}

// DetectIncident classifies ev, optionally using the anomalies the detector
// reported for it. One event can open several incidents. Store failures are
// logged and the affected predicate contributes nothing.
func (s *IncidentService) DetectIncident(ctx context.Context, ev *models.SecurityEvent, anomalies []models.Anomaly) []*models.Incident {
	if ev == nil {
		return nil
	}
	defer metrics.ObserveStage("incident", time.Now())
	now := s.clock.Now()

	var found []detection
	for _, detect := range []func(context.Context, *models.SecurityEvent, []models.Anomaly, time.Time) *detection{
		s.detectDataBreach,
		s.detectBruteForce,
		s.detectPrivilegeEscalation,
		s.detectAccountTakeover,
		s.detectExfiltration,
	} {
		if d := detect(ctx, ev, anomalies, now); d != nil {
			found = append(found, *d)
		}
	}

	var out []*models.Incident
	for _, d := range found {
		inc, err := s.open(ctx, d, ev, now)
		if err != nil {
			metrics.IncStoreFailure("incident")
			logger.Component("incident").WithError(err).WithField("type", d.kind).Warn("failed to persist incident")
			continue
		}
		if inc != nil {
			out = append(out, inc)
		}
	}
	return out
}

func actorOf(ev *models.SecurityEvent) (string, string) {
	if ev.Identity.UserID != "" {
		return FieldUser, ev.Identity.UserID
	}
	return FieldIP, ev.Identity.IP
}

func bulkPattern(ev *models.SecurityEvent) bool {
	return ev.EventType == models.EventBulkDownload ||
		ev.DetailBool("bulk") || ev.DetailBool("bulk_pattern") ||
		ev.DetailString("pattern") == "bulk"
}

func (s *IncidentService) detectDataBreach(ctx context.Context, ev *models.SecurityEvent, _ []models.Anomaly, now time.Time) *detection {
	if ev.EventType != models.EventDataAccess && ev.EventType != models.EventBulkDownload {
		return nil
	}
	if !bulkPattern(ev) {
		return nil
	}
	field, actor := actorOf(ev)
	if actor == "" {
		return nil
	}
	count, err := s.counter.Count(ctx, field, actor, now.Add(-s.cfg.BreachWindow), now,
		models.EventDataAccess, models.EventBulkDownload)
	if err != nil {
		logger.Component("incident").WithError(err).Warn("data breach check skipped")
		return nil
	}
	if count <= int64(s.cfg.BreachThreshold) {
		return nil
	}
	sev := models.SeverityHigh
	if count >= int64(s.cfg.BreachCriticalThreshold) {
		sev = models.SeverityCritical
	}
	return &detection{
		kind: models.IncidentDataBreach, actor: actor, severity: sev, notify: true,
		details: map[string]interface{}{
			"actor":        actor,
			"access_count": count,
			"window":       s.cfg.BreachWindow.String(),
		},
	}
}

func (s *IncidentService) detectBruteForce(ctx context.Context, ev *models.SecurityEvent, _ []models.Anomaly, now time.Time) *detection {
	if ev.EventType != models.EventLoginFailed || ev.Identity.IP == "" {
		return nil
	}
	count, err := s.counter.Count(ctx, FieldIP, ev.Identity.IP, now.Add(-s.cfg.BruteForceWindow), now, models.EventLoginFailed)
	if err != nil {
		logger.Component("incident").WithError(err).Warn("brute force check skipped")
		return nil
	}
	if count <= int64(s.cfg.BruteForceThreshold) {
		return nil
	}
	return &detection{
		kind: models.IncidentBruteForce, actor: ev.Identity.IP, severity: models.SeverityHigh,
		notify: count > int64(s.cfg.BruteForceNotify),
		details: map[string]interface{}{
			"source_ip":       ev.Identity.IP,
			"failed_attempts": count,
			"window":          s.cfg.BruteForceWindow.String(),
		},
	}
}

func (s *IncidentService) detectPrivilegeEscalation(_ context.Context, ev *models.SecurityEvent, _ []models.Anomaly, _ time.Time) *detection {
	if ev.EventType != models.EventPrivilegeEscalation {
		return nil
	}
	_, actor := actorOf(ev)
	details := map[string]interface{}{"actor": actor}
	for _, k := range []string{"from_role", "to_role", "target"} {
		if v := ev.DetailString(k); v != "" {
			details[k] = v
		}
	}
	return &detection{
		kind: models.IncidentPrivilegeEscalation, actor: actor, severity: models.SeverityCritical,
		notify: true, details: details,
	}
}

// riskScore uses the event's own risk_score when present, otherwise a weighted
// sum of the risk flags.
func riskScore(ev *models.SecurityEvent, anomalies []models.Anomaly) (float64, []string) {
	flags := map[string]bool{
		"new_device":   ev.DetailBool("new_device"),
		"new_location": ev.DetailBool("new_location"),
	}
	for _, a := range anomalies {
		switch a.Type {
		case "new_location":
			flags["new_location"] = true
		case "new_user_agent":
			flags["new_device"] = true
		case "unusual_login_time":
			flags["unusual_time"] = true
		}
	}
	var names []string
	score := 0.0
	weights := map[string]float64{"new_device": 0.4, "new_location": 0.4, "unusual_time": 0.2}
	for name, on := range flags {
		if on {
			names = append(names, name)
			score += weights[name]
		}
	}
	sort.Strings(names)
	if v, ok := ev.DetailFloat("risk_score"); ok {
		score = v
	}
	return score, names
}

func (s *IncidentService) detectAccountTakeover(_ context.Context, ev *models.SecurityEvent, anomalies []models.Anomaly, _ time.Time) *detection {
	if ev.EventType != models.EventLoginSuccess {
		return nil
	}
	_, actor := actorOf(ev)
	score, flags := riskScore(ev, anomalies)
	if actor == "" || score < s.cfg.TakeoverRiskFloor {
		return nil
	}
	return &detection{
		kind: models.IncidentAccountTakeover, actor: actor, severity: models.SeverityHigh, notify: true,
		details: map[string]interface{}{
			"actor":      actor,
			"risk_score": score,
			"risk_flags": flags,
			"ip":         ev.Identity.IP,
		},
	}
}

func (s *IncidentService) detectExfiltration(_ context.Context, ev *models.SecurityEvent, _ []models.Anomaly, _ time.Time) *detection {
	if !bulkPattern(ev) {
		return nil
	}
	records, _ := ev.DetailFloat("record_count")
	bytes, _ := ev.DetailFloat("bytes")
	if records < float64(s.cfg.ExfiltrationRecords) && bytes < float64(s.cfg.ExfiltrationBytes) {
		return nil
	}
	_, actor := actorOf(ev)
	if actor == "" {
		return nil
	}
	sev := models.SeverityHigh
	if records >= 10*float64(s.cfg.ExfiltrationRecords) || bytes >= 10*float64(s.cfg.ExfiltrationBytes) {
		sev = models.SeverityCritical
	}
	return &detection{
		kind: models.IncidentDataExfiltration, actor: actor, severity: sev, notify: true,
		details: map[string]interface{}{
			"actor":        actor,
			"record_count": records,
			"bytes":        bytes,
		},
	}
}

const (
	foldAttempts = 40
	foldRetry    = 5 * time.Millisecond
)

// errFoldRetry means the correlated record moved while we waited for its lock.
var errFoldRetry = errors.New("correlated incident changed")

// open creates an incident for d or folds ev into the open incident for the
// same type and actor. Every change to a stored incident happens under its lock.
func (s *IncidentService) open(ctx context.Context, d detection, ev *models.SecurityEvent, now time.Time) (*models.Incident, error) {
	corr := incidentCorrelationKey(d.kind, d.actor)
	for attempt := 0; attempt < foldAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(foldRetry):
			}
		}
		id := uuid.NewString()
		res, err := s.store.Exec(ctx, store.SetNX(corr, []byte(id), s.cfg.CorrelationWindow), store.Get(corr))
		if err != nil {
			return nil, err
		}

		var inc *models.Incident
		var notify bool
		if res[0].Int == 1 {
			err = s.withIncidentLock(ctx, id, func() error {
				var cerr error
				inc, cerr = s.create(ctx, id, corr, d, ev, now)
				notify = d.notify
				return cerr
			})
		} else {
			existingID := string(res[1].Value)
			err = s.withIncidentLock(ctx, existingID, func() error {
				var ferr error
				inc, notify, ferr = s.fold(ctx, existingID, corr, d, ev, now)
				return ferr
			})
		}
		if errors.Is(err, errFoldRetry) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if notify {
			s.dispatch(inc)
		}
		return inc, nil
	}
	logger.Component("incident").WithField("type", d.kind).Warn("correlated incident never became visible, event not folded")
	return nil, nil
}

// fold merges d into the incident behind existingID. The caller holds its lock.
// A terminal incident is replaced by a fresh one for the same correlation key.
func (s *IncidentService) fold(ctx context.Context, existingID, corr string, d detection, ev *models.SecurityEvent, now time.Time) (*models.Incident, bool, error) {
	raw, err := s.store.Get(ctx, corr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, errFoldRetry
	}
	if err != nil {
		return nil, false, err
	}
	if string(raw) != existingID {
		return nil, false, errFoldRetry
	}

	inc, err := s.load(ctx, existingID)
	if err != nil {
		return nil, false, err
	}
	if inc == nil {
		// The creator has not written its record yet.
		return nil, false, errFoldRetry
	}
	if inc.Status.Terminal() {
		id := uuid.NewString()
		if _, err := s.store.Exec(ctx, store.Set(corr, []byte(id), s.cfg.CorrelationWindow)); err != nil {
			return nil, false, err
		}
		fresh, err := s.create(ctx, id, corr, d, ev, now)
		return fresh, d.notify, err
	}

	wasNotify := inc.RequiresNotification()
	inc.Severity = models.MaxSeverity(inc.Severity, d.severity)
	for k, v := range d.details {
		inc.Details[k] = v
	}
	inc.Details["requires_notification"] = wasNotify || d.notify
	if len(inc.EventIDs) < maxIncidentEvents {
		inc.EventIDs = append(inc.EventIDs, ev.ID)
	}
	inc.UpdatedAt = now
	if err := s.save(ctx, inc); err != nil {
		return nil, false, err
	}
	return inc, !wasNotify && d.notify, nil
}

func (s *IncidentService) create(ctx context.Context, id, corr string, d detection, ev *models.SecurityEvent, now time.Time) (*models.Incident, error) {
	details := make(map[string]interface{}, len(d.details)+1)
	for k, v := range d.details {
		details[k] = v
	}
	details["requires_notification"] = d.notify
	inc := &models.Incident{
		ID:             id,
		Type:           d.kind,
		Severity:       d.severity,
		Status:         models.StatusDetected,
		CorrelationKey: corr,
		Details:        details,
		EventIDs:       []string{ev.ID},
		Notes:          []models.IncidentNote{},
		History:        []models.StatusChange{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.save(ctx, inc); err != nil {
		return nil, err
	}
	metrics.IncIncident(string(inc.Type), string(inc.Severity))
	logger.Component("incident").WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"type":        inc.Type,
		"severity":    inc.Severity,
		"actor":       util.SanitizeForLog(d.actor),
	}).Warn("security incident detected")
	return inc, nil
}

func (s *IncidentService) save(ctx context.Context, inc *models.Incident) error {
	raw, err := store.Encode(inc)
	if err != nil {
		return err
	}
	_, err = s.store.Exec(ctx,
		store.Set(incidentKey(inc.ID), raw, 0),
		store.ZAdd(incidentTimelineKey, inc.ID, store.Score(inc.CreatedAt)),
	)
	return err
}

func (s *IncidentService) load(ctx context.Context, id string) (*models.Incident, error) {
	var inc models.Incident
	found, err := store.GetJSON(ctx, s.store, incidentKey(id), &inc)
	if err != nil || !found {
		return nil, err
	}
	if inc.Details == nil {
		inc.Details = map[string]interface{}{}
	}
	return &inc, nil
}

// dispatch sends the detection-time notification, in the background when AsyncNotify is set.
func (s *IncidentService) dispatch(inc *models.Incident) {
	if s.notifier == nil {
		return
	}
	snapshot := *inc
	send := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.SendBreachNotifications(ctx, &snapshot); err != nil {
			logger.Component("incident").WithError(err).WithField("incident_id", snapshot.ID).Warn("incident notification failed")
		}
	}
	if !s.AsyncNotify {
		send()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		send()
	}()
}

// GetIncident returns one incident.
func (s *IncidentService) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, ErrIncidentNotFound
	}
	return inc, nil
}

// GetIncidents lists incidents created within [start, end], newest first.
// Zero times are open bounds and an empty kind matches every type.
func (s *IncidentService) GetIncidents(ctx context.Context, start, end time.Time, kind models.IncidentType) ([]*models.Incident, error) {
	min, max := store.NegInf, store.PosInf
	if !start.IsZero() {
		min = store.Score(start)
	}
	if !end.IsZero() {
		max = store.Score(end)
	}
	res, err := s.store.Exec(ctx, store.ZRangeByScore(incidentTimelineKey, min, max))
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	ids := res[0].Members
	if len(ids) == 0 {
		return []*models.Incident{}, nil
	}
	ops := make([]store.Op, len(ids))
	for i, id := range ids {
		ops[i] = store.Get(incidentKey(id))
	}
	got, err := s.store.Exec(ctx, ops...)
	if err != nil {
		return nil, fmt.Errorf("load incidents: %w", err)
	}
	out := make([]*models.Incident, 0, len(ids))
	for i, r := range got {
		if !r.Found {
			continue
		}
		var inc models.Incident
		if !store.Decode(incidentKey(ids[i]), r.Value, &inc) {
			continue
		}
		if kind != "" && inc.Type != kind {
			continue
		}
		out = append(out, &inc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var statusOrder = map[models.IncidentStatus]int{
	models.StatusDetected:      1,
	models.StatusInvestigating: 2,
	models.StatusContained:     3,
	models.StatusResolved:      4,
	models.StatusCancelled:     5,
}

// UpdateIncidentStatus moves an incident forward through its lifecycle.
// Cancelling is allowed from any non-terminal state. Repeating the current
// status only appends the note.
func (s *IncidentService) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, notes string) (*models.Incident, error) {
	if _, ok := statusOrder[status]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var inc *models.Incident
	var from models.IncidentStatus
	err := s.withIncidentLock(ctx, id, func() error {
		var err error
		inc, err = s.load(ctx, id)
		if err != nil {
			return err
		}
		if inc == nil {
			return ErrIncidentNotFound
		}

		now := s.clock.Now()
		from = inc.Status
		if status != from {
			if from.Terminal() || (status != models.StatusCancelled && statusOrder[status] < statusOrder[from]) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, status)
			}
			inc.Status = status
			inc.History = append(inc.History, models.StatusChange{From: from, To: status, At: now})
		}
		if notes != "" {
			inc.Notes = append(inc.Notes, models.IncidentNote{At: now, Status: status, Text: notes})
		}
		inc.UpdatedAt = now
		if err := s.save(ctx, inc); err != nil {
			return err
		}
		if status.Terminal() && status != from {
			s.releaseCorrelation(ctx, inc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Component("incident").WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"from":        from,
		"to":          status,
	}).Info("incident status updated")
	return inc, nil
}

// releaseCorrelation lets the next matching event open a fresh incident. The
// caller holds the incident lock, which is also taken by fold before it
// replaces the correlation key.
func (s *IncidentService) releaseCorrelation(ctx context.Context, inc *models.Incident) {
	raw, err := s.store.Get(ctx, inc.CorrelationKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Component("incident").WithError(err).Warn("failed to release correlation key")
		}
		return
	}
	if string(raw) != inc.ID {
		return
	}
	if err := s.store.Delete(ctx, inc.CorrelationKey); err != nil {
		logger.Component("incident").WithError(err).Warn("failed to release correlation key")
	}
}

// SendBreachNotifications hands the incident to the notifier and records the
// receipt on the stored incident.
func (s *IncidentService) SendBreachNotifications(ctx context.Context, inc *models.Incident) (models.NotificationReceipt, error) {
	if inc == nil || !inc.RequiresNotification() {
		return models.NotificationReceipt{}, ErrNotificationNotRequired
	}
	if s.notifier == nil {
		return models.NotificationReceipt{}, errors.New("no notifier configured")
	}
	receipt, err := s.notifier.Notify(ctx, s.cfg.NotifyChannel, PayloadForIncident(inc))
	if receipt.SentAt.IsZero() {
		receipt.SentAt = s.clock.Now()
	}
	if receipt.Channel == "" {
		receipt.Channel = s.cfg.NotifyChannel
	}
	if err != nil && receipt.Error == "" {
		receipt.Error = err.Error()
	}

	rerr := s.withIncidentLock(ctx, inc.ID, func() error {
		stored, err := s.load(ctx, inc.ID)
		if err != nil || stored == nil {
			return err
		}
		stored.Notifications = append(stored.Notifications, receipt)
		return s.save(ctx, stored)
	})
	if rerr != nil {
		logger.Component("incident").WithError(rerr).Warn("failed to record notification receipt")
	}
	return receipt, err
}
