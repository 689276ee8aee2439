package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"StockScout/internal/cache"
	"StockScout/internal/model"

	"github.com/redis/go-redis/v9"
)

// RedisCacheStore keeps persistent cache records in Redis. Each record is a
// hash; a per-code sorted set (scored by insert time) and a global sorted set
// (scored by expiry) index them.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore wraps client. prefix namespaces every key; empty means
// "stockcache".
func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = "stockcache"
	}
	return &RedisCacheStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	log.Printf("[INFO] redis connected: %s", addr)
	return client, nil
}

func (r *RedisCacheStore) recKey(id string) string    { return r.prefix + ":rec:" + id }
func (r *RedisCacheStore) codeKey(code string) string { return r.prefix + ":code:" + code }
func (r *RedisCacheStore) expiryKey() string          { return r.prefix + ":expiry" }

func (r *RedisCacheStore) InsertCacheRecord(ctx context.Context, rec *model.CacheRecord) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.recKey(rec.ID), map[string]any{
			"code":        rec.Code,
			"raw":         rec.RawPayload,
			"snapshot":    string(rec.Snapshot),
			"inserted_at": toMillis(rec.InsertedAt),
			"expires_at":  toMillis(rec.ExpiresAt),
			"hit_count":   rec.HitCount,
			"last_hit_at": toMillis(rec.LastHitAt),
		})
		pipe.ZAdd(ctx, r.codeKey(rec.Code), redis.Z{Score: float64(toMillis(rec.InsertedAt)), Member: rec.ID})
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(toMillis(rec.ExpiresAt)), Member: rec.ID})
		return nil
	})
	return failure("insert cache record", err)
}

func (r *RedisCacheStore) load(ctx context.Context, id string) (*model.CacheRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return n
	}
	return &model.CacheRecord{
		ID:         id,
		Code:       fields["code"],
		RawPayload: fields["raw"],
		Snapshot:   []byte(fields["snapshot"]),
		InsertedAt: fromMillis(atoi("inserted_at")),
		ExpiresAt:  fromMillis(atoi("expires_at")),
		HitCount:   atoi("hit_count"),
		LastHitAt:  fromMillis(atoi("last_hit_at")),
	}, nil
}

func (r *RedisCacheStore) LatestCacheRecord(ctx context.Context, code string, now time.Time) (*model.CacheRecord, error) {
	ids, err := r.client.ZRevRange(ctx, r.codeKey(code), 0, -1).Result()
	if err != nil {
		return nil, failure("latest cache record", err)
	}
	for _, id := range ids {
		rec, err := r.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, failure("latest cache record", err)
		}
		if rec.ExpiresAt.After(now) {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *RedisCacheStore) BumpCacheHit(ctx context.Context, id string, at time.Time) error {
	key := r.recKey(id)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "hit_count", 1)
		pipe.HSet(ctx, key, "last_hit_at", toMillis(at))
		return nil
	})
	return failure("bump cache hit", err)
}

func (r *RedisCacheStore) ListCacheRecords(ctx context.Context, code string) ([]model.CacheRecord, error) {
	ids, err := r.client.ZRevRange(ctx, r.codeKey(code), 0, -1).Result()
	if err != nil {
		return nil, failure("list cache records", err)
	}
	var out []model.CacheRecord
	for _, id := range ids {
		rec, err := r.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, failure("list cache records", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// deleteIDs removes the records and their index entries.
func (r *RedisCacheStore) deleteIDs(ctx context.Context, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		code, err := r.client.HGet(ctx, r.recKey(id), "code").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return n, err
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.recKey(id))
			pipe.ZRem(ctx, r.expiryKey(), id)
			if code != "" {
				pipe.ZRem(ctx, r.codeKey(code), id)
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *RedisCacheStore) DeleteExpiredCacheRecords(ctx context.Context, now time.Time) (int64, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(toMillis(now), 10),
	}).Result()
	if err != nil {
		return 0, failure("delete expired cache records", err)
	}
	n, err := r.deleteIDs(ctx, ids)
	return n, failure("delete expired cache records", err)
}

func (r *RedisCacheStore) DeleteCacheRecordsByCode(ctx context.Context, code string) (int64, error) {
	ids, err := r.client.ZRange(ctx, r.codeKey(code), 0, -1).Result()
	if err != nil {
		return 0, failure("delete cache records", err)
	}
	n, err := r.deleteIDs(ctx, ids)
	return n, failure("delete cache records", err)
}

func (r *RedisCacheStore) DeleteAllCacheRecords(ctx context.Context) (int64, error) {
	ids, err := r.client.ZRange(ctx, r.expiryKey(), 0, -1).Result()
	if err != nil {
		return 0, failure("clear cache records", err)
	}
	n, err := r.deleteIDs(ctx, ids)
	return n, failure("clear cache records", err)
}

func (r *RedisCacheStore) CacheRecordStats(ctx context.Context, now time.Time) (cache.PersistentStats, error) {
	var st cache.PersistentStats
	total, err := r.client.ZCard(ctx, r.expiryKey()).Result()
	if err != nil {
		return st, failure("cache stats", err)
	}
	expired, err := r.client.ZCount(ctx, r.expiryKey(), "-inf", strconv.FormatInt(toMillis(now), 10)).Result()
	if err != nil {
		return st, failure("cache stats", err)
	}
	ids, err := r.client.ZRange(ctx, r.expiryKey(), 0, -1).Result()
	if err != nil {
		return st, failure("cache stats", err)
	}
	for _, id := range ids {
		hits, err := r.client.HGet(ctx, r.recKey(id), "hit_count").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return st, failure("cache stats", err)
		}
		st.TotalHits += hits
	}
	st.TotalEntries = total
	st.ExpiredEntries = expired
	st.ActiveEntries = total - expired
	return st, nil
}
