package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/store"
)

// JanitorService periodically prunes derived indexes that TTLs alone do not
// clean up, and sweeps expired rows on backends without native expiry.
type JanitorService struct {
	Cron      *cron.Cron
	events    *EventService
	anomalies *AnomalyService
	store     store.Store
	timeout   time.Duration
}

// JanitorReport summarises one sweep.
type JanitorReport struct {
	EventIndexMembers int64 `json:"event_index_members"`
	BaselineKeys      int64 `json:"baseline_keys"`
	ExpiredRows       int64 `json:"expired_rows"`
}

func NewJanitorService(cfg config.JanitorConfig, st store.Store, events *EventService, anomalies *AnomalyService) (*JanitorService, error) {
	s := &JanitorService{
		Cron:      cron.New(),
		events:    events,
		anomalies: anomalies,
		store:     st,
		timeout:   5 * time.Minute,
	}
	if cfg.Enabled {
		if _, err := s.Cron.AddFunc(cfg.Schedule, s.run); err != nil {
			return nil, fmt.Errorf("schedule janitor %q: %w", cfg.Schedule, err)
		}
	}
	return s, nil
}

func (s *JanitorService) Start() { s.Cron.Start() }

// Stop halts scheduling and waits for a running sweep.
func (s *JanitorService) Stop() { <-s.Cron.Stop().Done() }

func (s *JanitorService) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		logger.Component("janitor").WithError(err).Warn("sweep incomplete")
	}
}

// RunOnce performs a single sweep. Every step runs even when an earlier one fails.
func (s *JanitorService) RunOnce(ctx context.Context) (JanitorReport, error) {
	start := time.Now()
	defer metrics.ObserveStage("janitor", start)

	var report JanitorReport
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil {
			metrics.IncStoreFailure("janitor")
		}
	}

	if s.events != nil {
		n, err := s.events.PruneIndexes(ctx)
		report.EventIndexMembers = n
		keep(err)
	}
	if s.anomalies != nil {
		n, err := s.anomalies.PruneBaselineIndex(ctx)
		report.BaselineKeys = n
		keep(err)
	}
	if p, ok := s.store.(store.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		report.ExpiredRows = n
		keep(err)
	}

	logger.Component("janitor").WithFields(logrus.Fields{
		"event_index_members": report.EventIndexMembers,
		"baseline_keys":       report.BaselineKeys,
		"expired_rows":        report.ExpiredRows,
		"elapsed":             time.Since(start).String(),
	}).Info("janitor sweep finished")
	return report, firstErr
}
