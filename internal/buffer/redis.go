package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Server-side scripts keep each multi-step contract atomic. Client-side
// read-then-write would let a concurrent appendAndRequestJob slip between
// the steps.
var (
	scriptAppendAndRequest = redis.NewScript(`
redis.call("RPUSH", KEYS[1], ARGV[1])
if redis.call("SET", KEYS[2], ARGV[2], "NX", "EX", ARGV[3]) then
  return 1
end
return 0`)

	scriptDrain = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
if #items > 0 then
  redis.call("DEL", KEYS[1])
end
return items`)

	scriptRequeueFront = redis.NewScript(`
for i = #ARGV, 1, -1 do
  redis.call("LPUSH", KEYS[1], ARGV[i])
end
return redis.call("LLEN", KEYS[1])`)

	scriptClaimGate = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0`)

	scriptRefreshGate = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0`)

	scriptTryReleaseGate = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) > 0 then
  return 0
end
local cur = redis.call("GET", KEYS[2])
if not cur then
  return 1
end
if cur == ARGV[1] then
  redis.call("DEL", KEYS[2])
  return 1
end
return 0`)

	scriptReleaseGate = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0`)
)

// RedisStore is the production Store backed by Redis.
type RedisStore struct {
	rdb     redis.UniversalClient
	gateTTL time.Duration
	log     *slog.Logger
}

// NewRedisStore wraps a go-redis client. gateTTL <= 0 selects DefaultGateTTL.
func NewRedisStore(rdb redis.UniversalClient, gateTTL time.Duration) *RedisStore {
	if gateTTL <= 0 {
		gateTTL = DefaultGateTTL
	}
	return &RedisStore{rdb: rdb, gateTTL: gateTTL, log: slog.Default()}
}

func (s *RedisStore) GateTTL() time.Duration { return s.gateTTL }

func (s *RedisStore) gateTTLSeconds() int64 {
	secs := int64(s.gateTTL / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *RedisStore) Append(ctx context.Context, key session.Key, ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.rdb.RPush(ctx, key.BufferKey(), payload).Err(); err != nil {
		return fmt.Errorf("append buffer %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RequeueFront(ctx context.Context, key session.Key, evs []session.Event) error {
	if len(evs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(evs))
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		args = append(args, payload)
	}
	if err := scriptRequeueFront.Run(ctx, s.rdb, []string{key.BufferKey()}, args...).Err(); err != nil {
		return fmt.Errorf("requeue front %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) AppendAndRequestJob(ctx context.Context, key session.Key, ev session.Event, token string) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	n, err := scriptAppendAndRequest.Run(ctx, s.rdb,
		[]string{key.BufferKey(), key.GateKey()},
		payload, token, s.gateTTLSeconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("append-and-request %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Drain(ctx context.Context, key session.Key) ([]session.Event, error) {
	raw, err := scriptDrain.Run(ctx, s.rdb, []string{key.BufferKey()}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}

	evs := make([]session.Event, 0, len(raw))
	for _, item := range raw {
		var ev session.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			s.log.Warn("dropping undecodable buffer entry",
				"key", key.String(), "error", err, "len", len(item))
			continue
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (s *RedisStore) Len(ctx context.Context, key session.Key) (int64, error) {
	n, err := s.rdb.LLen(ctx, key.BufferKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("buffer len %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ClaimGate(ctx context.Context, key session.Key, token string) (bool, error) {
	n, err := scriptClaimGate.Run(ctx, s.rdb, []string{key.GateKey()}, token, s.gateTTLSeconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("claim gate %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) RefreshGate(ctx context.Context, key session.Key, token string) (bool, error) {
	n, err := scriptRefreshGate.Run(ctx, s.rdb, []string{key.GateKey()}, token, s.gateTTLSeconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh gate %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) TryReleaseGate(ctx context.Context, key session.Key, token string) (bool, error) {
	n, err := scriptTryReleaseGate.Run(ctx, s.rdb,
		[]string{key.BufferKey(), key.GateKey()}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("try-release gate %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseGate(ctx context.Context, key session.Key, token string) (bool, error) {
	n, err := scriptReleaseGate.Run(ctx, s.rdb, []string{key.GateKey()}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release gate %s: %w", key, err)
	}
	return n == 1, nil
}
