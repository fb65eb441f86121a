package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/models"
)

type stubNotifier struct {
	mu       sync.Mutex
	payloads []NotificationPayload
	err      error
}

func (n *stubNotifier) Notify(_ context.Context, channel string, p NotificationPayload) (models.NotificationReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	status := NotifySent
	if n.err != nil {
		status = NotifyFailed
	}
	return models.NotificationReceipt{Channel: channel, Status: status}, n.err
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

func newTestIncidents(t *testing.T) (*IncidentService, *testEnv, *stubNotifier) {
	t.Helper()
	env := newTestEnv(t)
	n := &stubNotifier{}
	return NewIncidentService(env.store, env.clock, env.events, n, env.cfg.Incident), env, n
}

func incidentsOf(list []*models.Incident, kind models.IncidentType) []*models.Incident {
	var out []*models.Incident
	for _, inc := range list {
		if inc.Type == kind {
			out = append(out, inc)
		}
	}
	return out
}

func TestIncident_DataBreachFromBulkAccess(t *testing.T) {
	svc, env, notifier := newTestIncidents(t)
	ctx := context.Background()

	var last []*models.Incident
	for i := 0; i < 150; i++ {
		ev := env.record(t, models.SecurityEvent{
			EventType: models.EventDataAccess,
			Identity:  models.Identity{UserID: "staff-7", IP: "10.20.0.4"},
			Details:   map[string]interface{}{"bulk_pattern": true, "resource": "guest_profiles"},
		})
		last = svc.DetectIncident(ctx, ev, nil)
		env.clock.Advance(100 * time.Millisecond)
	}
	breaches := incidentsOf(last, models.IncidentDataBreach)
	require.Len(t, breaches, 1)
	inc := breaches[0]
	assert.Equal(t, models.SeverityHigh, inc.Severity)
	assert.True(t, inc.RequiresNotification())
	assert.Equal(t, models.StatusDetected, inc.Status)

	all, err := svc.GetIncidents(ctx, time.Time{}, time.Time{}, models.IncidentDataBreach)
	require.NoError(t, err)
	assert.Len(t, all, 1, "repeat detections fold into one incident")
	assert.Len(t, all[0].EventIDs, 50)
	assert.Equal(t, 1, notifier.count())
	assert.Len(t, all[0].Notifications, 1)
}

func TestIncident_DataAccessWithoutBulkPattern(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	var last []*models.Incident
	for i := 0; i < 120; i++ {
		ev := env.record(t, models.SecurityEvent{EventType: models.EventDataAccess, Identity: models.Identity{UserID: "staff-8"}})
		last = svc.DetectIncident(ctx, ev, nil)
	}
	assert.Empty(t, incidentsOf(last, models.IncidentDataBreach))
}

func TestIncident_PrivilegeEscalationAlwaysCritical(t *testing.T) {
	svc, env, notifier := newTestIncidents(t)
	ev := env.record(t, models.SecurityEvent{
		EventType: models.EventPrivilegeEscalation,
		Identity:  models.Identity{UserID: "u-9"},
		Details:   map[string]interface{}{"from_role": "staff", "to_role": "admin"},
	})
	got := incidentsOf(svc.DetectIncident(context.Background(), ev, nil), models.IncidentPrivilegeEscalation)
	require.Len(t, got, 1)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.True(t, got[0].RequiresNotification())
	assert.Equal(t, "admin", got[0].Details["to_role"])
	assert.Equal(t, 1, notifier.count())
}

func TestIncident_BruteForceDetectionAndNotifyThresholds(t *testing.T) {
	svc, env, notifier := newTestIncidents(t)
	ctx := context.Background()
	svc.cfg.BruteForceThreshold = 3
	svc.cfg.BruteForceNotify = 5

	var got []*models.Incident
	for i := 1; i <= 6; i++ {
		ev := env.record(t, models.SecurityEvent{EventType: models.EventLoginFailed, Identity: models.Identity{IP: "192.0.2.99"}})
		got = incidentsOf(svc.DetectIncident(ctx, ev, nil), models.IncidentBruteForce)
		switch {
		case i <= 3:
			assert.Empty(t, got, "attempt %d", i)
		case i <= 5:
			require.Len(t, got, 1)
			assert.False(t, got[0].RequiresNotification())
			assert.Equal(t, 0, notifier.count())
		}
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].RequiresNotification())
	assert.Equal(t, "192.0.2.99", got[0].Details["source_ip"])
	assert.Equal(t, int64(6), got[0].Details["failed_attempts"])
	assert.Equal(t, 1, notifier.count())
}

func TestIncident_AccountTakeover(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()

	calm := env.record(t, models.SecurityEvent{EventType: models.EventLoginSuccess, Identity: models.Identity{UserID: "guest-1"}, Details: map[string]interface{}{"new_device": true}})
	assert.Empty(t, incidentsOf(svc.DetectIncident(ctx, calm, nil), models.IncidentAccountTakeover))

	risky := env.record(t, models.SecurityEvent{EventType: models.EventLoginSuccess, Identity: models.Identity{UserID: "guest-1", IP: "198.51.100.2"}})
	anomalies := []models.Anomaly{{Type: "new_location"}, {Type: "new_user_agent"}}
	got := incidentsOf(svc.DetectIncident(ctx, risky, anomalies), models.IncidentAccountTakeover)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"new_device", "new_location"}, got[0].Details["risk_flags"])

	scored := env.record(t, models.SecurityEvent{EventType: models.EventLoginSuccess, Identity: models.Identity{UserID: "guest-2"}, Details: map[string]interface{}{"risk_score": 0.95}})
	assert.Len(t, incidentsOf(svc.DetectIncident(ctx, scored, nil), models.IncidentAccountTakeover), 1)
}

func TestIncident_BulkDownloadYieldsBreachAndExfiltration(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	svc.cfg.BreachThreshold = 1

	var got []*models.Incident
	for i := 0; i < 2; i++ {
		ev := env.record(t, models.SecurityEvent{
			EventType: models.EventBulkDownload,
			Identity:  models.Identity{UserID: "staff-3"},
			Details:   map[string]interface{}{"record_count": 5000},
		})
		got = svc.DetectIncident(ctx, ev, nil)
	}
	assert.Len(t, incidentsOf(got, models.IncidentDataBreach), 1)
	exfil := incidentsOf(got, models.IncidentDataExfiltration)
	require.Len(t, exfil, 1)
	assert.Equal(t, models.SeverityHigh, exfil[0].Severity)
}

func TestIncident_CorrelationUpgradesSeverity(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	small := env.record(t, models.SecurityEvent{EventType: models.EventBulkDownload, Identity: models.Identity{UserID: "s"}, Details: map[string]interface{}{"record_count": 1500}})
	first := incidentsOf(svc.DetectIncident(ctx, small, nil), models.IncidentDataExfiltration)
	require.Len(t, first, 1)
	assert.Equal(t, models.SeverityHigh, first[0].Severity)

	huge := env.record(t, models.SecurityEvent{EventType: models.EventBulkDownload, Identity: models.Identity{UserID: "s"}, Details: map[string]interface{}{"record_count": 20000}})
	second := incidentsOf(svc.DetectIncident(ctx, huge, nil), models.IncidentDataExfiltration)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, models.SeverityCritical, second[0].Severity)
	assert.Equal(t, []string{small.ID, huge.ID}, second[0].EventIDs)
}

func TestIncident_StatusLifecycle(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	ev := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: "u-10"}})
	inc := svc.DetectIncident(ctx, ev, nil)[0]

	env.clock.Advance(time.Minute)
	updated, err := svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusInvestigating, "on it")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvestigating, updated.Status)
	require.Len(t, updated.History, 1)
	assert.Equal(t, models.StatusDetected, updated.History[0].From)
	assert.Equal(t, "on it", updated.Notes[0].Text)

	updated, err = svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusInvestigating, "still looking")
	require.NoError(t, err)
	assert.Len(t, updated.History, 1)
	assert.Len(t, updated.Notes, 2)

	_, err = svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusDetected, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusResolved, "role revoked")
	require.NoError(t, err)
	_, err = svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = svc.UpdateIncidentStatus(ctx, inc.ID, "archived", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	again := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: "u-10"}})
	fresh := svc.DetectIncident(ctx, again, nil)
	require.Len(t, fresh, 1)
	assert.NotEqual(t, inc.ID, fresh[0].ID, "a resolved incident is not reopened")
}

func TestIncident_CancelFromAnyOpenState(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	ev := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: "u-11"}})
	inc := svc.DetectIncident(ctx, ev, nil)[0]

	_, err := svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusContained, "")
	require.NoError(t, err)
	cancelled, err := svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusCancelled, "false positive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestIncident_UnknownID(t *testing.T) {
	svc, _, _ := newTestIncidents(t)
	_, err := svc.UpdateIncidentStatus(context.Background(), "unknown-id", models.StatusResolved, "x")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
	_, err = svc.GetIncident(context.Background(), "unknown-id")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestIncident_GetIncidentsNewestFirst(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()
	for _, user := range []string{"a", "b", "c"} {
		ev := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: user}})
		svc.DetectIncident(ctx, ev, nil)
		env.clock.Advance(time.Minute)
	}
	list, err := svc.GetIncidents(ctx, time.Time{}, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].Details["actor"])
	assert.Equal(t, "a", list[2].Details["actor"])

	windowed, err := svc.GetIncidents(ctx, testEpoch.Add(30*time.Second), time.Time{}, "")
	require.NoError(t, err)
	assert.Len(t, windowed, 2)

	none, err := svc.GetIncidents(ctx, time.Time{}, time.Time{}, models.IncidentBruteForce)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIncident_SendBreachNotifications(t *testing.T) {
	svc, env, notifier := newTestIncidents(t)
	ctx := context.Background()

	_, err := svc.SendBreachNotifications(ctx, &models.Incident{Details: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrNotificationNotRequired)

	ev := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: "u-12"}})
	inc := svc.DetectIncident(ctx, ev, nil)[0]
	notifier.err = errors.New("smtp down")
	receipt, err := svc.SendBreachNotifications(ctx, inc)
	assert.Error(t, err)
	assert.Equal(t, NotifyFailed, receipt.Status)
	assert.Equal(t, env.cfg.Incident.NotifyChannel, receipt.Channel)

	stored, err := svc.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, stored.Notifications, 2)
	assert.Equal(t, "smtp down", stored.Notifications[1].Error)
}

func TestIncident_AsyncNotify(t *testing.T) {
	svc, env, notifier := newTestIncidents(t)
	svc.AsyncNotify = true
	ev := env.record(t, models.SecurityEvent{EventType: models.EventPrivilegeEscalation, Identity: models.Identity{UserID: "u-13"}})
	svc.DetectIncident(context.Background(), ev, nil)
	svc.Wait()
	assert.Equal(t, 1, notifier.count())
}

func exportEvent(t *testing.T, env *testEnv, records int) *models.SecurityEvent {
	t.Helper()
	return env.record(t, models.SecurityEvent{
		EventType: models.EventBulkDownload,
		Identity:  models.Identity{UserID: "staff-9", IP: "10.4.0.12"},
		Details:   map[string]interface{}{"resource": "guests", "record_count": records, "bulk": true},
	})
}

func TestIncident_ConcurrentFoldsKeepEveryEvent(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()

	first := svc.DetectIncident(ctx, exportEvent(t, env, 1500), nil)
	exfil := incidentsOf(first, models.IncidentDataExfiltration)
	require.Len(t, exfil, 1)
	require.Equal(t, models.SeverityHigh, exfil[0].Severity)

	evs := make([]*models.SecurityEvent, 100)
	for i := range evs {
		records := 1500
		if i == 57 {
			records = 50000
		}
		evs[i] = exportEvent(t, env, records)
	}

	var wg sync.WaitGroup
	for _, ev := range evs {
		wg.Add(1)
		go func(ev *models.SecurityEvent) {
			defer wg.Done()
			svc.DetectIncident(ctx, ev, nil)
		}(ev)
	}
	wg.Wait()

	stored, err := svc.GetIncident(ctx, exfil[0].ID)
	require.NoError(t, err)
	assert.Len(t, stored.EventIDs, 101)
	assert.Equal(t, models.SeverityCritical, stored.Severity)

	all, err := svc.GetIncidents(ctx, time.Time{}, time.Time{}, models.IncidentDataExfiltration)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIncident_StatusUpdateSurvivesConcurrentFolds(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()

	inc := incidentsOf(svc.DetectIncident(ctx, exportEvent(t, env, 1500), nil), models.IncidentDataExfiltration)[0]
	evs := make([]*models.SecurityEvent, 40)
	for i := range evs {
		evs[i] = exportEvent(t, env, 1500)
	}

	var wg sync.WaitGroup
	for _, ev := range evs {
		wg.Add(1)
		go func(ev *models.SecurityEvent) {
			defer wg.Done()
			svc.DetectIncident(ctx, ev, nil)
		}(ev)
	}
	_, err := svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusResolved, "export was approved")
	require.NoError(t, err)
	wg.Wait()

	stored, err := svc.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, stored.Status)
	require.Len(t, stored.History, 1)

	all, err := svc.GetIncidents(ctx, time.Time{}, time.Time{}, models.IncidentDataExfiltration)
	require.NoError(t, err)
	total := 0
	for _, i := range all {
		total += len(i.EventIDs)
	}
	assert.Equal(t, 41, total, "events after the resolution open a fresh incident")
	assert.LessOrEqual(t, len(all), 2)
}

func TestIncident_LeaseHeldElsewhere(t *testing.T) {
	svc, env, _ := newTestIncidents(t)
	ctx := context.Background()

	inc := incidentsOf(svc.DetectIncident(ctx, exportEvent(t, env, 1500), nil), models.IncidentDataExfiltration)[0]
	require.NoError(t, env.store.Set(ctx, incidentLockKey(inc.ID), []byte("other-replica"), time.Minute))

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := svc.UpdateIncidentStatus(ctx, inc.ID, models.StatusInvestigating, "")
	assert.Error(t, err)

	stored, err := svc.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDetected, stored.Status)

	raw, err := env.store.Get(context.Background(), incidentLockKey(inc.ID))
	require.NoError(t, err)
	assert.Equal(t, "other-replica", string(raw), "a foreign lease is never released")
}
