package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/models"
)

// Priorities drained highest-first by the dequeue script.
var priorityOrder = []int{
	models.PriorityCritical,
	models.PriorityAdmin,
	models.PriorityRetry,
	models.PriorityNormal,
}

// RedisQueue coordinates ready, in-flight, and scheduled generation jobs in
// Redis. Durable job state lives in Postgres; Redis holds only runtime
// ordering and lease bookkeeping.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	pausedKey     string
	dlqKey        string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 6 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "permits:queue:inflight",
		scheduledKey:  "permits:queue:scheduled",
		pausedKey:     "permits:queue:paused",
		dlqKey:        "permits:queue:dlq",
		jobMetaPrefix: "permits:queue:jobmeta:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(priority int) string {
	return fmt.Sprintf("permits:queue:ready:%s", models.PriorityName(priority))
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue places a job in the ready queue for its priority, or in the
// scheduled set when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt, used by the retry backoff policy.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, priority int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.jobPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) jobPriority(ctx context.Context, jobID string) int {
	p, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Int()
	if err != nil {
		return models.PriorityNormal
	}
	return p
}

// ClaimNext pops the highest-priority ready job and moves it into the
// in-flight set with a visibility deadline, atomically. Returns empty when
// nothing is ready or the queue is paused.
func (q *RedisQueue) ClaimNext(ctx context.Context) (string, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return "", err
	}
	if paused {
		return "", nil
	}

	keys := make([]string, 0, len(priorityOrder)+1)
	for _, p := range priorityOrder {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := claimScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job,
// used when a generation call is allowed to run past the default lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, returning them to their
// ready queues so a crashed worker's job becomes claimable again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.jobPriority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from ready, scheduled, and in-flight structures.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range priorityOrder {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends a permanently failed job for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Pause stops claims across all workers until Resume.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey, "1", 0).Err()
}

// Resume re-enables claims.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey).Err()
}

// Paused reports whether the queue is administratively paused.
func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Depths reports runtime queue depths for health reporting.
type Depths struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	InFlight  int64 `json:"in_flight"`
	DLQ       int64 `json:"dlq"`
}

// StatsDepths returns the current depth of each runtime structure.
func (q *RedisQueue) StatsDepths(ctx context.Context) (Depths, error) {
	pipe := q.client.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, len(priorityOrder))
	for _, p := range priorityOrder {
		readyCmds = append(readyCmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	schedCmd := pipe.ZCard(ctx, q.scheduledKey)
	inflightCmd := pipe.ZCard(ctx, q.inflightKey)
	dlqCmd := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, err
	}

	var d Depths
	for _, c := range readyCmds {
		d.Ready += c.Val()
	}
	d.Scheduled = schedCmd.Val()
	d.InFlight = inflightCmd.Val()
	d.DLQ = dlqCmd.Val()
	return d, nil
}

var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
