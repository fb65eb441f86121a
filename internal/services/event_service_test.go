package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
)

func TestEventService_RecordAssignsIDAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.events.Record(context.Background(), &models.SecurityEvent{
		EventType: models.EventLoginFailed,
		Identity:  models.Identity{IP: "203.0.113.7"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, testEpoch, ev.Timestamp)
	assert.Equal(t, models.SeverityLow, ev.Severity)

	got, err := env.events.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.EventType, got.EventType)
	assert.Equal(t, "203.0.113.7", got.Identity.IP)
}

func TestEventService_RecordRequiresType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.events.Record(context.Background(), &models.SecurityEvent{})
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestEventService_GetUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.events.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestEventService_ListFiltersAndOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.record(t, models.SecurityEvent{EventType: models.EventLoginFailed, Identity: models.Identity{IP: "10.0.0.1", UserID: "u1"}})
	env.clock.Advance(time.Minute)
	env.record(t, models.SecurityEvent{EventType: models.EventLoginSuccess, Identity: models.Identity{IP: "10.0.0.1", UserID: "u1"}})
	env.clock.Advance(time.Minute)
	env.record(t, models.SecurityEvent{EventType: models.EventLoginFailed, Identity: models.Identity{IP: "10.0.0.2"}})

	all, err := env.events.List(ctx, EventQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp))
	assert.True(t, all[1].Timestamp.After(all[2].Timestamp))

	byIP, err := env.events.List(ctx, EventQuery{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Len(t, byIP, 2)

	failed, err := env.events.List(ctx, EventQuery{Type: models.EventLoginFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	windowed, err := env.events.List(ctx, EventQuery{Start: testEpoch.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, windowed, 2)

	limited, err := env.events.List(ctx, EventQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "10.0.0.2", limited[0].Identity.IP)
}

// countingStore tallies Get ops passed to Exec.
type countingStore struct {
	store.Store
	mu   sync.Mutex
	gets int
}

func (c *countingStore) Exec(ctx context.Context, ops ...store.Op) ([]store.Result, error) {
	c.mu.Lock()
	for _, op := range ops {
		if op.Kind == store.OpGet {
			c.gets++
		}
	}
	c.mu.Unlock()
	return c.Store.Exec(ctx, ops...)
}

func TestEventService_ListReadsNewestEndOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 300; i++ {
		typ := models.EventAPIRequest
		if i%3 == 0 {
			typ = models.EventLoginFailed
		}
		env.record(t, models.SecurityEvent{EventType: typ, Identity: models.Identity{IP: "10.0.9.9", UserID: "u9"}})
		env.clock.Advance(time.Second)
	}

	counted := &countingStore{Store: env.store}
	svc := NewEventService(counted, env.clock, env.cfg.Events)

	page, err := svc.List(ctx, EventQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, 10, counted.gets)
	assert.Equal(t, testEpoch.Add(299*time.Second), page[0].Timestamp)

	counted.gets = 0
	failed, err := svc.List(ctx, EventQuery{IP: "10.0.9.9", Type: models.EventLoginFailed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, failed, 5)
	assert.Equal(t, 5, counted.gets)
	for _, ev := range failed {
		assert.Equal(t, models.EventLoginFailed, ev.EventType)
	}
	assert.Equal(t, testEpoch.Add(297*time.Second), failed[0].Timestamp)
}

func TestEventService_CountByType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.record(t, models.SecurityEvent{EventType: models.EventLoginFailed, Identity: models.Identity{IP: "10.0.0.9"}})
	}
	env.record(t, models.SecurityEvent{EventType: models.EventLoginSuccess, Identity: models.Identity{IP: "10.0.0.9"}})

	now := env.clock.Now()
	n, err := env.events.Count(ctx, FieldIP, "10.0.0.9", now.Add(-time.Minute), now, models.EventLoginFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = env.events.Count(ctx, FieldIP, "10.0.0.9", now.Add(-time.Minute), now, models.EventLoginFailed, models.EventLoginSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	env.clock.Advance(2 * time.Minute)
	now = env.clock.Now()
	n, err = env.events.Count(ctx, FieldIP, "10.0.0.9", now.Add(-time.Minute), now, models.EventLoginFailed)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventService_RetentionExpiresEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ev := env.record(t, models.SecurityEvent{EventType: models.EventAPIRequest, Identity: models.Identity{IP: "10.0.0.3"}})

	env.clock.Advance(env.cfg.Events.Retention + time.Second)
	_, err := env.events.Get(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	removed, err := env.events.PruneIndexes(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "expired index keys are already gone")
}

func TestEventService_PruneIndexesDropsOldMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cfg.Events.Retention = time.Hour
	svc := NewEventService(env.store, env.clock, env.cfg.Events)

	_, err := svc.Record(ctx, &models.SecurityEvent{EventType: models.EventAPIRequest, Identity: models.Identity{IP: "10.0.0.4"}})
	require.NoError(t, err)
	env.clock.Advance(50 * time.Minute)
	_, err = svc.Record(ctx, &models.SecurityEvent{EventType: models.EventAPIRequest, Identity: models.Identity{IP: "10.0.0.4"}})
	require.NoError(t, err)
	env.clock.Advance(20 * time.Minute)

	removed, err := svc.PruneIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "first event drops out of the untyped and typed ip index")
}
