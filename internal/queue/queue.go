// Package queue is the durable job queue in front of the processor: one job
// per gate acquisition, delivered at-least-once with bounded retries, backed
// by Redis lists so jobs survive process crashes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// ErrJobMissing is returned by Load when the job hash no longer exists
// (completed elsewhere or trimmed after failure).
var ErrJobMissing = errors.New("job record missing")

// Config tunes queue behavior. Zero values select the defaults.
type Config struct {
	// Prefix namespaces all queue keys. Default "session:jobs".
	Prefix string
	// MaxAttempts bounds deliveries per job. Default 3.
	MaxAttempts int
	// BackoffBase is the first retry delay; doubles per attempt. Default 1s.
	BackoffBase time.Duration
	// StalledInterval is both the lease TTL and the scrub cadence. Default 30s.
	StalledInterval time.Duration
	// MaxStalled is how many lease expiries a job survives before it is
	// parked as failed. Default 1.
	MaxStalled int
	// KeepFailed caps the failed set; older failures are dropped. Default 100.
	KeepFailed int
	// TakeTimeout bounds one blocking pop. Default 5s.
	TakeTimeout time.Duration
	// Now is the clock. nil = time.Now. Test hook.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "session:jobs"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalled <= 0 {
		c.MaxStalled = 1
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 100
	}
	if c.TakeTimeout <= 0 {
		c.TakeTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Job is one loaded queue record.
type Job struct {
	ID       string
	Data     session.JobData
	Attempts int
	Stalls   int
	LastErr  string
}

// Queue is the Redis-backed job queue. Producers Enqueue; workers Take,
// then Complete, Retry, or Fail.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
	log *slog.Logger
}

func New(rdb redis.UniversalClient, cfg Config) *Queue {
	return &Queue{rdb: rdb, cfg: cfg.withDefaults(), log: slog.Default()}
}

func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) waitKey() string          { return q.cfg.Prefix + ":wait" }
func (q *Queue) activeKey() string        { return q.cfg.Prefix + ":active" }
func (q *Queue) delayedKey() string       { return q.cfg.Prefix + ":delayed" }
func (q *Queue) failedKey() string        { return q.cfg.Prefix + ":failed" }
func (q *Queue) jobKey(id string) string  { return q.cfg.Prefix + ":job:" + id }
func (q *Queue) leaseKey(id string) string { return q.cfg.Prefix + ":lease:" + id }

// Multi-step transitions are server-side scripts; a crash between client-side
// steps would otherwise strand a job in no list at all.
var (
	scriptEnqueue = redis.NewScript(`
redis.call("HSET", KEYS[1], "data", ARGV[2], "attempts", 0, "stalls", 0, "enqueuedAt", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1`)

	scriptComplete = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("DEL", KEYS[3])
return 1`)

	scriptRetry = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HSET", KEYS[2], "attempts", ARGV[2], "error", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
redis.call("DEL", KEYS[4])
return 1`)

	scriptFail = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("HSET", KEYS[2], "error", ARGV[2], "failedAt", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("DEL", KEYS[4])
local excess = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[4])
if excess > 0 then
  local victims = redis.call("ZRANGE", KEYS[3], 0, excess - 1)
  for _, v in ipairs(victims) do
    redis.call("DEL", ARGV[5] .. v)
  end
  redis.call("ZREMRANGEBYRANK", KEYS[3], 0, excess - 1)
end
return 1`)

	scriptPromoteDue = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("RPUSH", KEYS[2], id)
end
return #due`)

	// Returns 0 = untouched (lease live or not in active), 1 = requeued,
	// 2 = parked as failed after exceeding the stall budget.
	scriptReclaimStalled = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
local stalls = redis.call("HINCRBY", KEYS[4], "stalls", 1)
if stalls > tonumber(ARGV[2]) then
  redis.call("HSET", KEYS[4], "error", "stalled too many times", "failedAt", ARGV[3])
  redis.call("ZADD", KEYS[5], ARGV[3], ARGV[1])
  return 2
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1`)
)

// Enqueue stores the job payload and makes it visible to workers. Returns
// the generated job id.
func (q *Queue) Enqueue(ctx context.Context, data session.JobData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	id := uuid.NewString()
	err = scriptEnqueue.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.waitKey()},
		id, payload, q.cfg.Now().UnixMilli(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Take blocks for up to TakeTimeout and moves one job id from wait to
// active, leasing it to the caller. Returns "" when nothing arrived.
func (q *Queue) Take(ctx context.Context) (string, error) {
	id, err := q.rdb.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", q.cfg.TakeTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("take job: %w", err)
	}
	if err := q.RefreshLease(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// RefreshLease extends the taker's claim; the stalled scrubber reclaims any
// active job whose lease has lapsed.
func (q *Queue) RefreshLease(ctx context.Context, id string) error {
	if err := q.rdb.Set(ctx, q.leaseKey(id), "1", q.cfg.StalledInterval).Err(); err != nil {
		return fmt.Errorf("refresh lease %s: %w", id, err)
	}
	return nil
}

// Load reads the job record for id.
func (q *Queue) Load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobMissing
	}

	job := &Job{ID: id, LastErr: fields["error"]}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.Stalls, _ = strconv.Atoi(fields["stalls"])
	return job, nil
}

// Complete removes a finished job entirely (removeOnComplete semantics).
func (q *Queue) Complete(ctx context.Context, id string) error {
	err := scriptComplete.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.jobKey(id), q.leaseKey(id)}, id,
	).Err()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Retry schedules the job's next delivery with exponential backoff.
// attempts is the number of deliveries consumed so far.
func (q *Queue) Retry(ctx context.Context, id string, attempts int, cause error) error {
	delay := q.cfg.BackoffBase << (attempts - 1)
	readyAt := q.cfg.Now().Add(delay).UnixMilli()
	err := scriptRetry.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.jobKey(id), q.delayedKey(), q.leaseKey(id)},
		id, attempts, cause.Error(), readyAt,
	).Err()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// Fail parks the job in the failed set, trimming the set to KeepFailed.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	err := scriptFail.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.jobKey(id), q.failedKey(), q.leaseKey(id)},
		id, cause.Error(), q.cfg.Now().UnixMilli(), q.cfg.KeepFailed, q.cfg.Prefix+":job:",
	).Err()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose backoff has elapsed back to wait.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := scriptPromoteDue.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.waitKey()},
		q.cfg.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// ScrubStalled requeues active jobs whose lease lapsed (dead worker) and
// parks repeat offenders as failed. Returns (requeued, parked).
func (q *Queue) ScrubStalled(ctx context.Context) (int, int, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("list active jobs: %w", err)
	}

	var requeued, parked int
	for _, id := range ids {
		verdict, err := scriptReclaimStalled.Run(ctx, q.rdb,
			[]string{q.activeKey(), q.waitKey(), q.leaseKey(id), q.jobKey(id), q.failedKey()},
			id, q.cfg.MaxStalled, q.cfg.Now().UnixMilli(),
		).Int()
		if err != nil {
			return requeued, parked, fmt.Errorf("reclaim stalled job %s: %w", id, err)
		}
		switch verdict {
		case 1:
			requeued++
			q.log.Warn("requeued stalled job", "jobId", id)
		case 2:
			parked++
			q.log.Error("parked stalled job", "jobId", id)
		}
	}
	return requeued, parked, nil
}
