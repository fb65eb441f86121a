package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Exec batches are sent as MULTI/EXEC
// transactions, so every op in a batch is applied atomically across processes.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, url string, opTimeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedisStoreFromClient(redis.NewClient(opts), opTimeout)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	return unavailable(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	return unavailable(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	return unavailable(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Exec(ctx context.Context, ops ...Op) ([]Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		cmd, err := queue(ctx, pipe, op)
		if err != nil {
			return nil, err
		}
		cmds[i] = cmd
	}
	// A missing key inside the batch surfaces as redis.Nil; inspect each reply instead.
	_, execErr := pipe.Exec(ctx)
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			if strings.HasPrefix(err.Error(), "WRONGTYPE") {
				return nil, fmt.Errorf("op %d on %q: %w", i, ops[i].Key, ErrWrongType)
			}
			return nil, unavailable(err)
		}
	}
	if execErr != nil && !errors.Is(execErr, redis.Nil) {
		return nil, unavailable(execErr)
	}

	results := make([]Result, len(ops))
	for i, cmd := range cmds {
		results[i] = reply(ops[i], cmd)
	}
	return results, nil
}

func queue(ctx context.Context, pipe redis.Pipeliner, op Op) (redis.Cmder, error) {
	switch op.Kind {
	case OpGet:
		return pipe.Get(ctx, op.Key), nil
	case OpSet:
		return pipe.Set(ctx, op.Key, op.Value, op.TTL), nil
	case OpSetNX:
		return pipe.SetNX(ctx, op.Key, op.Value, op.TTL), nil
	case OpDel:
		return pipe.Del(ctx, op.Key), nil
	case OpExpire:
		if op.TTL <= 0 {
			return pipe.Persist(ctx, op.Key), nil
		}
		return pipe.PExpire(ctx, op.Key, op.TTL), nil
	case OpIncrBy:
		return pipe.IncrBy(ctx, op.Key, op.Delta), nil
	case OpIncrByFloat:
		return pipe.IncrByFloat(ctx, op.Key, op.DeltaFloat), nil
	case OpZAdd:
		return pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member}), nil
	case OpZRemRangeByScore:
		return pipe.ZRemRangeByScore(ctx, op.Key, formatScore(op.Min), formatScore(op.Max)), nil
	case OpZCount:
		return pipe.ZCount(ctx, op.Key, formatScore(op.Min), formatScore(op.Max)), nil
	case OpZRangeByScore:
		return pipe.ZRangeByScore(ctx, op.Key, &redis.ZRangeBy{Min: formatScore(op.Min), Max: formatScore(op.Max)}), nil
	case OpZRevRangeByScore:
		by := &redis.ZRangeBy{Min: formatScore(op.Min), Max: formatScore(op.Max)}
		if op.Count > 0 {
			by.Count = op.Count
		}
		return pipe.ZRevRangeByScore(ctx, op.Key, by), nil
	case OpZRem:
		return pipe.ZRem(ctx, op.Key, toInterfaces(op.Members)...), nil
	case OpSAdd:
		return pipe.SAdd(ctx, op.Key, toInterfaces(op.Members)...), nil
	case OpSRem:
		return pipe.SRem(ctx, op.Key, toInterfaces(op.Members)...), nil
	case OpSMembers:
		return pipe.SMembers(ctx, op.Key), nil
	}
	return nil, fmt.Errorf("unknown op kind %d", op.Kind)
}

func reply(op Op, cmd redis.Cmder) Result {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		b, err := c.Bytes()
		if err != nil {
			return Result{}
		}
		return Result{Found: true, Value: b}
	case *redis.BoolCmd:
		if c.Val() {
			return Result{Int: 1}
		}
		return Result{}
	case *redis.IntCmd:
		return Result{Int: c.Val()}
	case *redis.FloatCmd:
		return Result{Float: c.Val()}
	case *redis.StringSliceCmd:
		members := c.Val()
		if op.Kind == OpSMembers {
			sort.Strings(members)
		}
		return Result{Members: members}
	}
	return Result{}
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
