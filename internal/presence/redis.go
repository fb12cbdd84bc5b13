package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding member expiry times (unix ms).
const DefaultKey = "roadside:presence:available-mechanics"

// Redis shares the registry across API processes.
type Redis struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
	now func() time.Time
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, key: DefaultKey, ttl: ttl, now: time.Now}
}

func (r *Redis) Heartbeat(ctx context.Context, mechanicID string) error {
	exp := r.now().Add(r.ttl).UnixMilli()
	return r.rdb.ZAdd(ctx, r.key, redis.Z{Score: float64(exp), Member: mechanicID}).Err()
}

func (r *Redis) Leave(ctx context.Context, mechanicID string) error {
	return r.rdb.ZRem(ctx, r.key, mechanicID).Err()
}

func (r *Redis) IsPresent(ctx context.Context, mechanicID string) (bool, error) {
	score, err := r.rdb.ZScore(ctx, r.key, mechanicID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) > r.now().UnixMilli(), nil
}

func (r *Redis) Members(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(r.now().UnixMilli(), 10)
	if err := r.rdb.ZRemRangeByScore(ctx, r.key, "-inf", now).Err(); err != nil {
		return nil, err
	}
	return r.rdb.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
}
