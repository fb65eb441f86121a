package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/bookguard/internal/clock"
)

// runStoreSuite exercises the behaviour every backend must share. When clk is nil
// the backend keeps its own time (redis) and the clock-driven expiry cases are skipped.
func runStoreSuite(t *testing.T, s Store, clk *clock.Manual) {
	ctx := context.Background()

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "kv:a", []byte("hello"), 0))
		got, err := s.Get(ctx, "kv:a")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))

		require.NoError(t, s.Delete(ctx, "kv:a"))
		_, err = s.Get(ctx, "kv:a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		if clk == nil {
			t.Skip("backend keeps its own clock")
		}
		require.NoError(t, s.Set(ctx, "kv:ttl", []byte("x"), time.Minute))
		clk.Advance(59 * time.Second)
		_, err := s.Get(ctx, "kv:ttl")
		require.NoError(t, err)

		clk.Advance(time.Second)
		_, err = s.Get(ctx, "kv:ttl")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("setnx", func(t *testing.T) {
		res, err := s.Exec(ctx, SetNX("kv:nx", []byte("1"), time.Hour), SetNX("kv:nx", []byte("2"), time.Hour), Get("kv:nx"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res[0].Int)
		assert.Equal(t, int64(0), res[1].Int)
		assert.Equal(t, "1", string(res[2].Value))
	})

	t.Run("counters", func(t *testing.T) {
		res, err := s.Exec(ctx, IncrBy("kv:n", 1), IncrBy("kv:n", 4), IncrByFloat("kv:f", -2.5), IncrByFloat("kv:f", 1))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res[0].Int)
		assert.Equal(t, int64(5), res[1].Int)
		assert.InDelta(t, -2.5, res[2].Float, 1e-9)
		assert.InDelta(t, -1.5, res[3].Float, 1e-9)
	})

	t.Run("sliding window batch", func(t *testing.T) {
		key := "window:test"
		for i := 0; i < 3; i++ {
			res, err := s.Exec(ctx,
				ZRemRangeByScore(key, NegInf, float64(1000+i*10-25)),
				ZAdd(key, fmt.Sprintf("m%d", i), float64(1000+i*10)),
				ZCount(key, float64(1000+i*10-25), float64(1000+i*10)),
				Expire(key, time.Hour),
			)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), res[2].Int)
			assert.Equal(t, int64(1), res[3].Int)
		}
		// Next insert at 1040 prunes everything scored below 1015.
		res, err := s.Exec(ctx,
			ZRemRangeByScore(key, NegInf, 1015),
			ZAdd(key, "m3", 1040),
			ZCount(key, 1015, 1040),
		)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res[0].Int)
		assert.Equal(t, int64(2), res[2].Int)
	})

	t.Run("zrange ordering and zrem", func(t *testing.T) {
		key := "zset:order"
		_, err := s.Exec(ctx, ZAdd(key, "c", 30), ZAdd(key, "a", 10), ZAdd(key, "b", 20))
		require.NoError(t, err)
		res, err := s.Exec(ctx, ZRangeByScore(key, 10, 25), ZRangeByScore(key, NegInf, PosInf))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, res[0].Members)
		assert.Equal(t, []string{"a", "b", "c"}, res[1].Members)

		res, err = s.Exec(ctx,
			ZRevRangeByScore(key, NegInf, PosInf, 2),
			ZRevRangeByScore(key, 15, PosInf, 0),
			ZRevRangeByScore("zset:missing", NegInf, PosInf, 5),
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, res[0].Members)
		assert.Equal(t, []string{"c", "b"}, res[1].Members)
		assert.Empty(t, res[2].Members)

		res, err = s.Exec(ctx, ZRem(key, "a", "missing"), ZCount(key, NegInf, PosInf))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res[0].Int)
		assert.Equal(t, int64(2), res[1].Int)
	})

	t.Run("sets", func(t *testing.T) {
		key := "set:test"
		res, err := s.Exec(ctx, SAdd(key, "x", "y"), SAdd(key, "y", "z"), SMembers(key))
		require.NoError(t, err)
		assert.Equal(t, int64(2), res[0].Int)
		assert.Equal(t, int64(1), res[1].Int)
		assert.Equal(t, []string{"x", "y", "z"}, res[2].Members)

		res, err = s.Exec(ctx, SRem(key, "x"), SMembers(key))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res[0].Int)
		assert.Equal(t, []string{"y", "z"}, res[1].Members)
	})

	t.Run("missing keys read as empty", func(t *testing.T) {
		res, err := s.Exec(ctx, Get("nope"), ZCount("nope:z", NegInf, PosInf), SMembers("nope:s"), Del("nope"))
		require.NoError(t, err)
		assert.False(t, res[0].Found)
		assert.Zero(t, res[1].Int)
		assert.Empty(t, res[2].Members)
		assert.Zero(t, res[3].Int)
	})

	t.Run("wrong type", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "kv:str", []byte("v"), 0))
		_, err := s.Exec(ctx, ZAdd("kv:str", "m", 1))
		assert.ErrorIs(t, err, ErrWrongType)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Exec(ctx, IncrBy("kv:concurrent", 1), Expire("kv:concurrent", time.Hour))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "kv:concurrent")
		require.NoError(t, err)
		assert.Equal(t, "25", string(got))
	})

	t.Run("json codec", func(t *testing.T) {
		type rec struct {
			Name string `json:"name"`
		}
		require.NoError(t, PutJSON(ctx, s, "json:ok", rec{Name: "n"}, time.Hour))
		var out rec
		found, err := GetJSON(ctx, s, "json:ok", &out)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "n", out.Name)

		require.NoError(t, s.Set(ctx, "json:bad", []byte("{not json"), time.Hour))
		found, err = GetJSON(ctx, s, "json:bad", &out)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
