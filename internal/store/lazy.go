package store

import (
	"context"
	"time"

	"github.com/Wikid82/bookguard/internal/logger"
)

// ReadWithLazyExpiry loads the JSON record at key and checks it against now.
// A record whose expiry (as returned by expiresAt) is not after now is deleted and
// reported as absent. TTL on the key remains the primary expiry mechanism; this
// check covers clock skew between the process and the backend.
func ReadWithLazyExpiry[T any](ctx context.Context, s Store, key string, now time.Time, expiresAt func(*T) time.Time) (*T, error) {
	var rec T
	found, err := GetJSON(ctx, s, key, &rec)
	if err != nil || !found {
		return nil, err
	}
	exp := expiresAt(&rec)
	if exp.IsZero() || exp.After(now) {
		return &rec, nil
	}
	if err := s.Delete(ctx, key); err != nil {
		logger.Log().WithField("key", key).WithError(err).Warn("store: failed to delete expired record")
	}
	return nil, nil
}

// RemainingTTL returns the time left until expiresAt, never less than one millisecond.
func RemainingTTL(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
