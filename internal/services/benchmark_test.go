package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
)

func BenchmarkCheckRateLimit(b *testing.B) {
	clk := clock.NewManual(testEpoch)
	st := store.NewMemoryStore(clk)
	defer st.Close()
	cfg := config.Defaults()
	cfg.RateLimit.Limits["general"] = config.LimitConfig{Max: 1 << 30, Window: cfg.RateLimit.Limits["general"].Window}
	svc := NewRateLimitService(st, clk, NewEventService(st, clk, cfg.Events), cfg.RateLimit)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc.CheckRateLimit(ctx, fmt.Sprintf("10.0.%d.%d", (i/256)%256, i%256), models.LimitGeneral, RateLimitContext{})
	}
}

func BenchmarkAnalyze(b *testing.B) {
	clk := clock.NewManual(testEpoch)
	st := store.NewMemoryStore(clk)
	defer st.Close()
	cfg := config.Defaults()
	events := NewEventService(st, clk, cfg.Events)
	svc, err := NewAnomalyService(st, clk, events, cfg.Anomaly)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	ev := &models.SecurityEvent{
		EventType: models.EventLoginSuccess,
		Identity:  models.Identity{UserID: "guest-1", IP: "192.0.2.1", UserAgent: "Mozilla/5.0"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := *ev
		e.Timestamp = clk.Now()
		svc.Analyze(ctx, &e)
	}
}
