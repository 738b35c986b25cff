package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// RedisIndex is the production Index on a Redis sorted set.
type RedisIndex struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisIndex(rdb redis.UniversalClient) *RedisIndex {
	return &RedisIndex{rdb: rdb, log: slog.Default()}
}

func (i *RedisIndex) RecordActivity(ctx context.Context, key session.Key, at time.Time) error {
	err := i.rdb.ZAdd(ctx, IndexKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: key.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("record activity %s: %w", key, err)
	}
	return nil
}

func (i *RedisIndex) FetchExpired(ctx context.Context, cutoff time.Time) ([]session.Key, error) {
	members, err := i.rdb.ZRangeByScore(ctx, IndexKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch expired activity: %w", err)
	}

	keys := make([]session.Key, 0, len(members))
	for _, m := range members {
		k, err := session.ParseKey(m)
		if err != nil {
			// Self-repair: a member that cannot round-trip through the
			// safe alphabet has no legitimate producer.
			i.log.Warn("removing malformed activity member", "member", m, "error", err)
			if remErr := i.rdb.ZRem(ctx, IndexKey, m).Err(); remErr != nil {
				return nil, fmt.Errorf("remove malformed member: %w", remErr)
			}
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (i *RedisIndex) Remove(ctx context.Context, key session.Key) error {
	if err := i.rdb.ZRem(ctx, IndexKey, key.String()).Err(); err != nil {
		return fmt.Errorf("remove activity %s: %w", key, err)
	}
	return nil
}
