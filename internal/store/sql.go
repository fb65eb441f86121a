package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/bookguard/internal/clock"
)

const (
	sqlKindString = "string"
	sqlKindZSet   = "zset"
	sqlKindSet    = "set"
)

// StoreEntry is one key of the SQL backend. Sorted-set and set members live in StoreMember.
type StoreEntry struct {
	Key       string     `gorm:"column:store_key;primaryKey;size:512"`
	Kind      string     `gorm:"size:8;not null"`
	Value     []byte     `gorm:"column:value"`
	ExpiresAt *time.Time `gorm:"index"`
}

func (StoreEntry) TableName() string { return "store_entries" }

// StoreMember is a scored member of a sorted set (or an unscored member of a set).
type StoreMember struct {
	Key    string  `gorm:"column:store_key;primaryKey;size:512"`
	Member string  `gorm:"primaryKey;size:512"`
	Score  float64 `gorm:"index"`
}

func (StoreMember) TableName() string { return "store_members" }

// SQLStore implements Store on a gorm database. Each Exec runs in one transaction.
// It suits single-node deployments; multi-process deployments should use RedisStore.
type SQLStore struct {
	db        *gorm.DB
	clock     clock.Clock
	opTimeout time.Duration
}

// NewSQLStore migrates the store tables and returns the backend.
func NewSQLStore(db *gorm.DB, c clock.Clock, opTimeout time.Duration) (*SQLStore, error) {
	if c == nil {
		c = clock.Real{}
	}
	if err := db.AutoMigrate(&StoreEntry{}, &StoreMember{}); err != nil {
		return nil, fmt.Errorf("migrate store tables: %w", err)
	}
	return &SQLStore{db: db, clock: c, opTimeout: opTimeout}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.Exec(ctx, Get(key))
	if err != nil {
		return nil, err
	}
	if !res[0].Found {
		return nil, ErrNotFound
	}
	return res[0].Value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.Exec(ctx, Set(key, value, ttl))
	return err
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	ops := make([]Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, Del(k))
	}
	_, err := s.Exec(ctx, ops...)
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	return unavailable(sqlDB.PingContext(ctx))
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exec runs ops in a single transaction.
func (s *SQLStore) Exec(ctx context.Context, ops ...Op) ([]Result, error) {
	ctx, cancel := withDeadline(ctx, s.opTimeout)
	defer cancel()
	now := s.clock.Now().UTC()
	results := make([]Result, len(ops))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, op := range ops {
			res, err := s.apply(tx, op, now)
			if err != nil {
				return fmt.Errorf("op %d on %q: %w", i, op.Key, err)
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrWrongType) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return results, nil
}

// PurgeExpired deletes expired keys and their members.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now().UTC()
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&StoreEntry{}).Select("store_key").Where("expires_at IS NOT NULL AND expires_at <= ?", now)
		if err := tx.Where("store_key IN (?)", expired).Delete(&StoreMember{}).Error; err != nil {
			return err
		}
		res := tx.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&StoreEntry{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return purged, nil
}

func (s *SQLStore) live(tx *gorm.DB, key string, now time.Time) (*StoreEntry, error) {
	var e StoreEntry
	err := tx.Where("store_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		if err := s.purge(tx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &e, nil
}

func (s *SQLStore) purge(tx *gorm.DB, key string) error {
	if err := tx.Where("store_key = ?", key).Delete(&StoreMember{}).Error; err != nil {
		return err
	}
	return tx.Where("store_key = ?", key).Delete(&StoreEntry{}).Error
}

func (s *SQLStore) typed(tx *gorm.DB, key, kind string, now time.Time, create bool) (*StoreEntry, error) {
	e, err := s.live(tx, key, now)
	if err != nil {
		return nil, err
	}
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &StoreEntry{Key: key, Kind: kind}
		if err := tx.Create(e).Error; err != nil {
			return nil, err
		}
		return e, nil
	}
	if e.Kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *SQLStore) putString(tx *gorm.DB, key string, value []byte, ttl time.Duration, now time.Time) error {
	if err := tx.Where("store_key = ?", key).Delete(&StoreMember{}).Error; err != nil {
		return err
	}
	e := StoreEntry{Key: key, Kind: sqlKindString, Value: value, ExpiresAt: sqlExpiry(now, ttl)}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		UpdateAll: true,
	}).Create(&e).Error
}

func (s *SQLStore) dropIfEmpty(tx *gorm.DB, key string) error {
	var n int64
	if err := tx.Model(&StoreMember{}).Where("store_key = ?", key).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return tx.Where("store_key = ?", key).Delete(&StoreEntry{}).Error
}

func sqlExpiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// sqlBound maps infinite score bounds onto finite REAL values.
func sqlBound(f float64) float64 {
	switch {
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	case math.IsInf(f, 1):
		return math.MaxFloat64
	}
	return f
}

func (s *SQLStore) inRange(tx *gorm.DB, op Op) *gorm.DB {
	return tx.Where("store_key = ? AND score >= ? AND score <= ?", op.Key, sqlBound(op.Min), sqlBound(op.Max))
}

func (s *SQLStore) apply(tx *gorm.DB, op Op, now time.Time) (Result, error) {
	switch op.Kind {
	case OpGet:
		e, err := s.typed(tx, op.Key, sqlKindString, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		return Result{Found: true, Value: e.Value}, nil

	case OpSet:
		return Result{}, s.putString(tx, op.Key, op.Value, op.TTL, now)

	case OpSetNX:
		e, err := s.live(tx, op.Key, now)
		if err != nil {
			return Result{}, err
		}
		if e != nil {
			return Result{Int: 0}, nil
		}
		if err := s.putString(tx, op.Key, op.Value, op.TTL, now); err != nil {
			return Result{}, err
		}
		return Result{Int: 1}, nil

	case OpDel:
		e, err := s.live(tx, op.Key, now)
		if err != nil || e == nil {
			return Result{}, err
		}
		if err := s.purge(tx, op.Key); err != nil {
			return Result{}, err
		}
		return Result{Int: 1}, nil

	case OpExpire:
		e, err := s.live(tx, op.Key, now)
		if err != nil || e == nil {
			return Result{}, err
		}
		var exp interface{}
		if t := sqlExpiry(now, op.TTL); t != nil {
			exp = *t
		}
		if err := tx.Model(&StoreEntry{}).Where("store_key = ?", op.Key).Update("expires_at", exp).Error; err != nil {
			return Result{}, err
		}
		return Result{Int: 1}, nil

	case OpIncrBy:
		e, err := s.typed(tx, op.Key, sqlKindString, now, true)
		if err != nil {
			return Result{}, err
		}
		var n int64
		if len(e.Value) > 0 {
			if n, err = strconv.ParseInt(string(e.Value), 10, 64); err != nil {
				return Result{}, fmt.Errorf("value is not an integer: %w", ErrWrongType)
			}
		}
		n += op.Delta
		if err := tx.Model(&StoreEntry{}).Where("store_key = ?", op.Key).Update("value", []byte(strconv.FormatInt(n, 10))).Error; err != nil {
			return Result{}, err
		}
		return Result{Int: n}, nil

	case OpIncrByFloat:
		e, err := s.typed(tx, op.Key, sqlKindString, now, true)
		if err != nil {
			return Result{}, err
		}
		var f float64
		if len(e.Value) > 0 {
			if f, err = strconv.ParseFloat(string(e.Value), 64); err != nil {
				return Result{}, fmt.Errorf("value is not a float: %w", ErrWrongType)
			}
		}
		f += op.DeltaFloat
		if err := tx.Model(&StoreEntry{}).Where("store_key = ?", op.Key).Update("value", []byte(strconv.FormatFloat(f, 'f', -1, 64))).Error; err != nil {
			return Result{}, err
		}
		return Result{Float: f}, nil

	case OpZAdd:
		if _, err := s.typed(tx, op.Key, sqlKindZSet, now, true); err != nil {
			return Result{}, err
		}
		var existing int64
		if err := tx.Model(&StoreMember{}).Where("store_key = ? AND member = ?", op.Key, op.Member).Count(&existing).Error; err != nil {
			return Result{}, err
		}
		m := StoreMember{Key: op.Key, Member: op.Member, Score: op.Score}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_key"}, {Name: "member"}},
			DoUpdates: clause.AssignmentColumns([]string{"score"}),
		}).Create(&m).Error
		if err != nil {
			return Result{}, err
		}
		if existing > 0 {
			return Result{}, nil
		}
		return Result{Int: 1}, nil

	case OpZRemRangeByScore:
		e, err := s.typed(tx, op.Key, sqlKindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		res := s.inRange(tx, op).Delete(&StoreMember{})
		if res.Error != nil {
			return Result{}, res.Error
		}
		return Result{Int: res.RowsAffected}, s.dropIfEmpty(tx, op.Key)

	case OpZCount:
		e, err := s.typed(tx, op.Key, sqlKindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var n int64
		if err := s.inRange(tx.Model(&StoreMember{}), op).Count(&n).Error; err != nil {
			return Result{}, err
		}
		return Result{Int: n}, nil

	case OpZRangeByScore, OpZRevRangeByScore:
		e, err := s.typed(tx, op.Key, sqlKindZSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		query := s.inRange(tx, op).Order("score ASC, member ASC")
		if op.Kind == OpZRevRangeByScore {
			query = s.inRange(tx, op).Order("score DESC, member DESC")
			if op.Count > 0 {
				query = query.Limit(int(op.Count))
			}
		}
		var rows []StoreMember
		if err := query.Find(&rows).Error; err != nil {
			return Result{}, err
		}
		members := make([]string, len(rows))
		for i, r := range rows {
			members[i] = r.Member
		}
		return Result{Members: members}, nil

	case OpZRem, OpSRem:
		kind := sqlKindZSet
		if op.Kind == OpSRem {
			kind = sqlKindSet
		}
		e, err := s.typed(tx, op.Key, kind, now, false)
		if err != nil || e == nil || len(op.Members) == 0 {
			return Result{}, err
		}
		res := tx.Where("store_key = ? AND member IN ?", op.Key, op.Members).Delete(&StoreMember{})
		if res.Error != nil {
			return Result{}, res.Error
		}
		return Result{Int: res.RowsAffected}, s.dropIfEmpty(tx, op.Key)

	case OpSAdd:
		if _, err := s.typed(tx, op.Key, sqlKindSet, now, true); err != nil {
			return Result{}, err
		}
		var added int64
		for _, member := range op.Members {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&StoreMember{Key: op.Key, Member: member})
			if res.Error != nil {
				return Result{}, res.Error
			}
			added += res.RowsAffected
		}
		return Result{Int: added}, nil

	case OpSMembers:
		e, err := s.typed(tx, op.Key, sqlKindSet, now, false)
		if err != nil || e == nil {
			return Result{}, err
		}
		var members []string
		if err := tx.Model(&StoreMember{}).Where("store_key = ?", op.Key).Order("member ASC").Pluck("member", &members).Error; err != nil {
			return Result{}, err
		}
		return Result{Members: members}, nil
	}
	return Result{}, fmt.Errorf("unknown op kind %d", op.Kind)
}
