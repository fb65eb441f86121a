package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps backend failures (network, deadline, closed connection).
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrWrongType is returned when an op targets a key holding another kind of value.
	ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")
)

// Store is the shared key-value backend with sorted-set semantics and per-key TTL.
// Exec runs its ops as one atomic unit: no other writer observes a partial batch.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exec(ctx context.Context, ops ...Op) ([]Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends without native expiry that need an explicit sweep.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// OpKind selects the command an Op executes.
type OpKind int

const (
	OpGet OpKind = iota
	OpSet
	OpSetNX
	OpDel
	OpExpire
	OpIncrBy
	OpIncrByFloat
	OpZAdd
	OpZRemRangeByScore
	OpZCount
	OpZRangeByScore
	OpZRem
	OpSAdd
	OpSRem
	OpSMembers
	OpZRevRangeByScore
)

// Op is one command inside an atomic batch. Build it with the constructors below.
type Op struct {
	Kind       OpKind
	Key        string
	Value      []byte
	TTL        time.Duration
	Member     string
	Members    []string
	Score      float64
	Min        float64
	Max        float64
	Delta      int64
	DeltaFloat float64
	Count      int64
}

// Result is the reply to the Op at the same index.
//
//	Get            Found, Value
//	SetNX          Int = 1 when the key was written
//	Del, Expire    Int = 1 when the key existed
//	IncrBy         Int = new value
//	IncrByFloat    Float = new value
//	ZAdd, SAdd     Int = members added
//	ZRem*, SRem    Int = members removed
//	ZCount         Int = members in range
//	ZRangeByScore  Members ordered by score
//	ZRevRange...   Members highest score first, at most Count
//	SMembers       Members sorted lexically
type Result struct {
	Found   bool
	Value   []byte
	Int     int64
	Float   float64
	Members []string
}

func Get(key string) Op { return Op{Kind: OpGet, Key: key} }

func Set(key string, value []byte, ttl time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

func SetNX(key string, value []byte, ttl time.Duration) Op {
	return Op{Kind: OpSetNX, Key: key, Value: value, TTL: ttl}
}

func Del(key string) Op { return Op{Kind: OpDel, Key: key} }

// Expire sets the key TTL; a non-positive ttl removes any expiry.
func Expire(key string, ttl time.Duration) Op { return Op{Kind: OpExpire, Key: key, TTL: ttl} }

func IncrBy(key string, delta int64) Op { return Op{Kind: OpIncrBy, Key: key, Delta: delta} }

func IncrByFloat(key string, delta float64) Op {
	return Op{Kind: OpIncrByFloat, Key: key, DeltaFloat: delta}
}

func ZAdd(key, member string, score float64) Op {
	return Op{Kind: OpZAdd, Key: key, Member: member, Score: score}
}

// ZRemRangeByScore removes members with min <= score <= max.
func ZRemRangeByScore(key string, min, max float64) Op {
	return Op{Kind: OpZRemRangeByScore, Key: key, Min: min, Max: max}
}

// ZCount counts members with min <= score <= max.
func ZCount(key string, min, max float64) Op {
	return Op{Kind: OpZCount, Key: key, Min: min, Max: max}
}

// ZRangeByScore lists members with min <= score <= max, lowest score first.
func ZRangeByScore(key string, min, max float64) Op {
	return Op{Kind: OpZRangeByScore, Key: key, Min: min, Max: max}
}

// ZRevRangeByScore lists up to count members with min <= score <= max, highest
// score first. A count of zero or less returns every match.
func ZRevRangeByScore(key string, min, max float64, count int64) Op {
	return Op{Kind: OpZRevRangeByScore, Key: key, Min: min, Max: max, Count: count}
}

func ZRem(key string, members ...string) Op { return Op{Kind: OpZRem, Key: key, Members: members} }

func SAdd(key string, members ...string) Op { return Op{Kind: OpSAdd, Key: key, Members: members} }

func SRem(key string, members ...string) Op { return Op{Kind: OpSRem, Key: key, Members: members} }

func SMembers(key string) Op { return Op{Kind: OpSMembers, Key: key} }

// NegInf and PosInf are open score bounds.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// Score converts a timestamp to the millisecond score used by every time-ordered set.
func Score(t time.Time) float64 { return float64(t.UnixMilli()) }

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
