package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
)

var testEpoch = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type testEnv struct {
	cfg    config.Config
	clock  *clock.Manual
	store  *store.MemoryStore
	events *EventService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	st := store.NewMemoryStore(clk)
	t.Cleanup(func() { _ = st.Close() })
	cfg := config.Defaults()
	return &testEnv{
		cfg:    cfg,
		clock:  clk,
		store:  st,
		events: NewEventService(st, clk, cfg.Events),
	}
}

// record stores an event stamped with the current manual time.
func (e *testEnv) record(t *testing.T, ev models.SecurityEvent) *models.SecurityEvent {
	t.Helper()
	ev.Timestamp = e.clock.Now()
	out, err := e.events.Record(context.Background(), &ev)
	require.NoError(t, err)
	return out
}

// failingStore rejects every call with ErrUnavailable.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, store.ErrUnavailable }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}
func (failingStore) Delete(context.Context, ...string) error { return store.ErrUnavailable }
func (failingStore) Exec(context.Context, ...store.Op) ([]store.Result, error) {
	return nil, store.ErrUnavailable
}
func (failingStore) Ping(context.Context) error { return store.ErrUnavailable }
func (failingStore) Close() error               { return nil }

// captureRecorder keeps emitted events in memory.
type captureRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (c *captureRecorder) Record(_ context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *ev)
	return ev, nil
}

func (c *captureRecorder) types() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}
