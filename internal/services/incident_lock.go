package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/store"
)

const (
	incidentLease     = 10 * time.Second
	incidentLockWait  = 3 * time.Second
	incidentLockRetry = 5 * time.Millisecond
)

// keyedMutex hands out one mutex per key and forgets it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// withIncidentLock runs fn while holding the incident's lease. Writers in this
// process queue on a local mutex; other replicas contend on the store lease.
func (s *IncidentService) withIncidentLock(ctx context.Context, id string, fn func() error) error {
	unlock := s.locks.lock(id)
	defer unlock()

	key := incidentLockKey(id)
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(incidentLockWait)
	for {
		res, err := s.store.Exec(ctx, store.SetNX(key, token, incidentLease))
		if err != nil {
			return err
		}
		if res[0].Int == 1 {
			break
		}
		if time.Now().After(deadline) {
			return ErrIncidentBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(incidentLockRetry):
		}
	}
	defer s.releaseLease(key, token)
	return fn()
}

// releaseLease drops the lease unless it expired and another writer took it.
func (s *IncidentService) releaseLease(key string, token []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := s.store.Get(ctx, key)
	if err != nil || string(raw) != string(token) {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		logger.Component("incident").WithError(err).Warn("failed to release incident lease")
	}
}
