package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Wikid82/bookguard/internal/clock"
)

type entryKind int

const (
	kindString entryKind = iota
	kindZSet
	kindSet
)

type memEntry struct {
	kind      entryKind
	value     []byte
	zset      map[string]float64
	set       map[string]struct{}
	expiresAt time.Time
}

// MemoryStore is a single-process Store. Expiry is evaluated against the injected
// clock so tests can drive TTLs deterministically.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	data   map[string]*memEntry
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{clock: c, data: make(map[string]*memEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := m.Exec(ctx, Get(key))
	if err != nil {
		return nil, err
	}
	if !res[0].Found {
		return nil, ErrNotFound
	}
	return res[0].Value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := m.Exec(ctx, Set(key, value, ttl))
	return err
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	ops := make([]Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, Del(k))
	}
	_, err := m.Exec(ctx, ops...)
	return err
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(fmt.Errorf("memory store closed"))
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Keys returns the live keys, mainly for diagnostics and tests.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if m.live(k, now) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Exec applies ops under one lock. A failing op aborts the batch and rolls back
// nothing already applied, which matches MULTI/EXEC semantics closely enough
// for a single process: type errors are programming mistakes, not races.
func (m *MemoryStore) Exec(ctx context.Context, ops ...Op) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable(fmt.Errorf("memory store closed"))
	}
	now := m.clock.Now()
	results := make([]Result, len(ops))
	for i, op := range ops {
		res, err := m.apply(op, now)
		if err != nil {
			return nil, fmt.Errorf("op %d on %q: %w", i, op.Key, err)
		}
		results[i] = res
	}
	return results, nil
}

func (m *MemoryStore) live(key string, now time.Time) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemoryStore) typed(key string, kind entryKind, now time.Time, create bool) (*memEntry, error) {
	e := m.live(key, now)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &memEntry{kind: kind}
		switch kind {
		case kindZSet:
			e.zset = make(map[string]float64)
		case kindSet:
			e.set = make(map[string]struct{})
		}
		m.data[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *MemoryStore) apply(op Op, now time.Time) (Result, error) {
	switch op.Kind {
	case OpGet:
		e, err := m.typed(op.Key, kindString, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		return Result{Found: true, Value: append([]byte(nil), e.value...)}, nil

	case OpSet:
		m.data[op.Key] = &memEntry{kind: kindString, value: append([]byte(nil), op.Value...), expiresAt: expiry(now, op.TTL)}
		return Result{}, nil

	case OpSetNX:
		if m.live(op.Key, now) != nil {
			return Result{Int: 0}, nil
		}
		m.data[op.Key] = &memEntry{kind: kindString, value: append([]byte(nil), op.Value...), expiresAt: expiry(now, op.TTL)}
		return Result{Int: 1}, nil

	case OpDel:
		if m.live(op.Key, now) == nil {
			return Result{}, nil
		}
		delete(m.data, op.Key)
		return Result{Int: 1}, nil

	case OpExpire:
		e := m.live(op.Key, now)
		if e == nil {
			return Result{}, nil
		}
		e.expiresAt = expiry(now, op.TTL)
		return Result{Int: 1}, nil

	case OpIncrBy:
		e, err := m.typed(op.Key, kindString, now, true)
		if err != nil {
			return Result{}, err
		}
		var n int64
		if len(e.value) > 0 {
			if n, err = strconv.ParseInt(string(e.value), 10, 64); err != nil {
				return Result{}, fmt.Errorf("value is not an integer: %w", ErrWrongType)
			}
		}
		n += op.Delta
		e.value = []byte(strconv.FormatInt(n, 10))
		return Result{Int: n}, nil

	case OpIncrByFloat:
		e, err := m.typed(op.Key, kindString, now, true)
		if err != nil {
			return Result{}, err
		}
		var f float64
		if len(e.value) > 0 {
			if f, err = strconv.ParseFloat(string(e.value), 64); err != nil {
				return Result{}, fmt.Errorf("value is not a float: %w", ErrWrongType)
			}
		}
		f += op.DeltaFloat
		e.value = []byte(strconv.FormatFloat(f, 'f', -1, 64))
		return Result{Float: f}, nil

	case OpZAdd:
		e, err := m.typed(op.Key, kindZSet, now, true)
		if err != nil {
			return Result{}, err
		}
		_, existed := e.zset[op.Member]
		e.zset[op.Member] = op.Score
		if existed {
			return Result{}, nil
		}
		return Result{Int: 1}, nil

	case OpZRemRangeByScore:
		e, err := m.typed(op.Key, kindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var removed int64
		for member, score := range e.zset {
			if score >= op.Min && score <= op.Max {
				delete(e.zset, member)
				removed++
			}
		}
		if len(e.zset) == 0 {
			delete(m.data, op.Key)
		}
		return Result{Int: removed}, nil

	case OpZCount:
		e, err := m.typed(op.Key, kindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var n int64
		for _, score := range e.zset {
			if score >= op.Min && score <= op.Max {
				n++
			}
		}
		return Result{Int: n}, nil

	case OpZRangeByScore, OpZRevRangeByScore:
		e, err := m.typed(op.Key, kindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		type scored struct {
			member string
			score  float64
		}
		var in []scored
		for member, score := range e.zset {
			if score >= op.Min && score <= op.Max {
				in = append(in, scored{member, score})
			}
		}
		sort.Slice(in, func(i, j int) bool {
			if in[i].score != in[j].score {
				return in[i].score < in[j].score
			}
			return in[i].member < in[j].member
		})
		if op.Kind == OpZRevRangeByScore {
			for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
				in[i], in[j] = in[j], in[i]
			}
			if op.Count > 0 && int64(len(in)) > op.Count {
				in = in[:op.Count]
			}
		}
		members := make([]string, len(in))
		for i, s := range in {
			members[i] = s.member
		}
		return Result{Members: members}, nil

	case OpZRem:
		e, err := m.typed(op.Key, kindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var removed int64
		for _, member := range op.Members {
			if _, ok := e.zset[member]; ok {
				delete(e.zset, member)
				removed++
			}
		}
		if len(e.zset) == 0 {
			delete(m.data, op.Key)
		}
		return Result{Int: removed}, nil

	case OpSAdd:
		e, err := m.typed(op.Key, kindSet, now, true)
		if err != nil {
			return Result{}, err
		}
		var added int64
		for _, member := range op.Members {
			if _, ok := e.set[member]; !ok {
				e.set[member] = struct{}{}
				added++
			}
		}
		return Result{Int: added}, nil

	case OpSRem:
		e, err := m.typed(op.Key, kindSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var removed int64
		for _, member := range op.Members {
			if _, ok := e.set[member]; ok {
				delete(e.set, member)
				removed++
			}
		}
		if len(e.set) == 0 {
			delete(m.data, op.Key)
		}
		return Result{Int: removed}, nil

	case OpSMembers:
		e, err := m.typed(op.Key, kindSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		members := make([]string, 0, len(e.set))
		for member := range e.set {
			members = append(members, member)
		}
		sort.Strings(members)
		return Result{Members: members}, nil
	}
	return Result{}, fmt.Errorf("unknown op kind %d", op.Kind)
}
