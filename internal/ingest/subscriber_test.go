package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
)

func runServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func natsConfig(url string) config.NATSConfig {
	return config.NATSConfig{Enabled: true, URL: url, Subject: "security.events", Queue: "bookguard"}
}

func TestSubscriber_IngestsIntoPipeline(t *testing.T) {
	cfg := natsConfig(runServer(t))
	nc, err := Connect(cfg)
	require.NoError(t, err)
	defer nc.Close()

	clk := clock.NewManual(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	defer st.Close()
	appCfg := config.Defaults()
	cerb, err := cerberus.Build(appCfg, st, clk, cerberus.Options{})
	require.NoError(t, err)

	sub := NewSubscriber(nc, cerb, cfg)
	require.NoError(t, sub.Start())
	assert.Error(t, sub.Start())
	defer sub.Stop()

	reply, err := Request(nc, cfg.Subject, &models.SecurityEvent{
		EventType: models.EventPrivilegeEscalation,
		Severity:  models.SeverityHigh,
		Identity:  models.Identity{UserID: "staff-3", IP: "10.9.8.7"},
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.NotEmpty(t, reply.EventID)
	require.Len(t, reply.Incidents, 1)

	ev, err := cerb.Services().Events.Get(context.Background(), reply.EventID)
	require.NoError(t, err)
	assert.Equal(t, "staff-3", ev.Identity.UserID)

	inc, err := cerb.Services().Incidents.GetIncident(context.Background(), reply.Incidents[0])
	require.NoError(t, err)
	assert.Equal(t, models.IncidentPrivilegeEscalation, inc.Type)
	cerb.Services().Incidents.Wait()

	score, err := cerb.Services().Reputation.GetIPReputation(context.Background(), "10.9.8.7")
	require.NoError(t, err)
	assert.Equal(t, -20.0, score)
}

type fakeIngester struct {
	mu   sync.Mutex
	got  []models.SecurityEvent
	err  error
	done chan struct{}
}

func (f *fakeIngester) Ingest(_ context.Context, ev *models.SecurityEvent) (*cerberus.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, *ev)
	if f.done != nil {
		f.done <- struct{}{}
	}
	if f.err != nil {
		return nil, f.err
	}
	ev.ID = "evt-1"
	return &cerberus.IngestResult{Event: ev}, nil
}

func TestSubscriber_RejectsBadPayloads(t *testing.T) {
	cfg := natsConfig(runServer(t))
	nc, err := Connect(cfg)
	require.NoError(t, err)
	defer nc.Close()

	fake := &fakeIngester{}
	sub := NewSubscriber(nc, fake, cfg)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	msg, err := nc.Request(cfg.Subject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), "invalid event payload")

	msg, err = nc.Request(cfg.Subject, []byte(`{"severity":"low"}`), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), "event_type is required")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.got)
}

func TestSubscriber_ReportsIngestFailure(t *testing.T) {
	cfg := natsConfig(runServer(t))
	nc, err := Connect(cfg)
	require.NoError(t, err)
	defer nc.Close()

	sub := NewSubscriber(nc, &fakeIngester{err: errors.New("store down")}, cfg)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	reply, err := Request(nc, cfg.Subject, &models.SecurityEvent{EventType: models.EventLoginFailed}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ingest failed", reply.Error)
}

func TestPublish_FireAndForget(t *testing.T) {
	cfg := natsConfig(runServer(t))
	nc, err := Connect(cfg)
	require.NoError(t, err)
	defer nc.Close()

	fake := &fakeIngester{done: make(chan struct{}, 1)}
	sub := NewSubscriber(nc, fake, cfg)
	require.NoError(t, sub.Start())
	require.NoError(t, nc.Flush())

	require.NoError(t, Publish(nc, cfg.Subject, &models.SecurityEvent{
		EventType: models.EventLoginFailed,
		Identity:  models.Identity{IP: "203.0.113.5"},
	}))

	select {
	case <-fake.done:
	case <-time.After(5 * time.Second):
		t.Fatal("event not consumed")
	}
	require.NoError(t, sub.Stop())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.got, 1)
	assert.Equal(t, "203.0.113.5", fake.got[0].Identity.IP)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.NATSConfig{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}
