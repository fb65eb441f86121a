package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/Wikid82/bookguard/internal/logger"
)

// GetJSON decodes the value stored at key into v.
// It reports false when the key is missing or holds a record that cannot be decoded;
// malformed records are logged and treated as absent.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		logger.Log().WithField("key", key).WithError(err).Warn("store: malformed persisted record")
		return false, nil
	}
	return true, nil
}

// PutJSON encodes v and stores it at key with ttl (zero means no expiry).
func PutJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}

// Encode marshals v for storage.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return raw, nil
}

// Decode unmarshals a stored record, logging and reporting false when it is malformed.
func Decode(key string, raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		logger.Log().WithField("key", key).WithError(err).Warn("store: malformed persisted record")
		return false
	}
	return true
}
