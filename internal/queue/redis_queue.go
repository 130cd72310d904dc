package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cronwatch/internal/config"
	"cronwatch/internal/models"
)

// RedisQueue holds the recurring probe jobs and one-shot cleanup tasks in
// Redis. Every recurring job is identified by its deterministic spec key; at
// any moment a key lives in exactly one of the scheduled set, the ready list,
// or the in-flight set, which keeps executions for one domain from
// overlapping.
type RedisQueue struct {
	client        *redis.Client
	specPrefix    string
	keysKey       string
	scheduledKey  string
	readyKey      string
	inflightKey   string
	cleanupKey    string
	visibilityTTL time.Duration
}

// New builds a queue around an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		specPrefix:    "cron:spec:",
		keysKey:       "cron:keys",
		scheduledKey:  "cron:scheduled",
		readyKey:      "cron:ready",
		inflightKey:   "cron:inflight",
		cleanupKey:    "cron:cleanup",
		visibilityTTL: visibility,
	}
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, cfg.VisibilityTimeout)
}

func (q *RedisQueue) specKey(key string) string {
	return q.specPrefix + key
}

// AddRecurring registers (or replaces) a recurring job. The first firing is
// one interval from now; subsequent firings are re-armed on Ack until EndAt.
func (q *RedisQueue) AddRecurring(ctx context.Context, spec models.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}
	next := time.Now().Add(spec.Every())
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.specKey(spec.Key), data, 0)
	pipe.SAdd(ctx, q.keysKey, spec.Key)
	pipe.LRem(ctx, q.readyKey, 0, spec.Key)
	pipe.ZRem(ctx, q.inflightKey, spec.Key)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(next.UnixMilli()), Member: spec.Key})
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveRecurring deletes a job from every queue structure. It reports
// whether the job existed.
func (q *RedisQueue) RemoveRecurring(ctx context.Context, key string) (bool, error) {
	pipe := q.client.TxPipeline()
	removed := pipe.SRem(ctx, q.keysKey, key)
	pipe.Del(ctx, q.specKey(key))
	pipe.ZRem(ctx, q.scheduledKey, key)
	pipe.LRem(ctx, q.readyKey, 0, key)
	pipe.ZRem(ctx, q.inflightKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// GetRecurring loads a job spec by key.
func (q *RedisQueue) GetRecurring(ctx context.Context, key string) (models.JobSpec, bool, error) {
	data, err := q.client.Get(ctx, q.specKey(key)).Bytes()
	if err == redis.Nil {
		return models.JobSpec{}, false, nil
	}
	if err != nil {
		return models.JobSpec{}, false, err
	}
	var spec models.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return models.JobSpec{}, false, fmt.Errorf("unmarshal job spec %s: %w", key, err)
	}
	return spec, true, nil
}

// ListRecurring returns every registered job spec. This is a full scan; the
// key set stays small at the tenant counts this service targets, and a
// per-tenant index is the escape hatch if that stops being true.
func (q *RedisQueue) ListRecurring(ctx context.Context) ([]models.JobSpec, error) {
	keys, err := q.client.SMembers(ctx, q.keysKey).Result()
	if err != nil {
		return nil, err
	}
	specs := make([]models.JobSpec, 0, len(keys))
	for _, key := range keys {
		spec, ok, err := q.GetRecurring(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Spec vanished between SMEMBERS and GET; drop the orphan.
			_ = q.client.SRem(ctx, q.keysKey, key).Err()
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// PromoteDue moves due scheduled jobs onto the ready list. It returns how
// many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, q.scheduledKey, key)
		pipe.RPush(ctx, q.readyKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DequeueWithLease pops a ready job and places it in-flight under a
// visibility deadline. Returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	key, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return key, nil
}

// Ack completes one firing: the key leaves the in-flight set and, when the
// next occurrence still falls inside the recurrence window, re-enters the
// scheduled set. Past EndAt the job is removed outright.
func (q *RedisQueue) Ack(ctx context.Context, key string, now time.Time) error {
	if err := q.client.ZRem(ctx, q.inflightKey, key).Err(); err != nil {
		return err
	}
	spec, ok, err := q.GetRecurring(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		// Removed while in flight; nothing to re-arm.
		return nil
	}
	next := now.Add(spec.Every())
	if !spec.EndAt.IsZero() && next.After(spec.EndAt) {
		_, err := q.RemoveRecurring(ctx, key)
		return err
	}
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(next.UnixMilli()),
		Member: key,
	}).Err()
}

// RequeueExpired reclaims in-flight leases that passed their deadline,
// pushing the keys back onto the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.RPush(ctx, q.readyKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// ScheduleCleanup upserts the tenant's one-shot cleanup task. ZADD replaces
// the score on re-schedule, so renewals never duplicate the task.
func (q *RedisQueue) ScheduleCleanup(ctx context.Context, tenantID string, fireAt time.Time) error {
	return q.client.ZAdd(ctx, q.cleanupKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: models.CleanupKey(tenantID),
	}).Err()
}

// RemoveCleanup drops the tenant's pending cleanup task, if any.
func (q *RedisQueue) RemoveCleanup(ctx context.Context, tenantID string) error {
	return q.client.ZRem(ctx, q.cleanupKey, models.CleanupKey(tenantID)).Err()
}

// DueCleanups pops cleanup tasks whose fire time passed and returns the
// affected tenant ids.
func (q *RedisQueue) DueCleanups(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, q.cleanupKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	tenants := make([]string, 0, len(members))
	pipe := q.client.TxPipeline()
	for _, member := range members {
		pipe.ZRem(ctx, q.cleanupKey, member)
		if tenantID, ok := models.TenantFromCleanupKey(member); ok {
			tenants = append(tenants, tenantID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tenants, nil
}

// Clear wipes every recurring job and pending cleanup task. Run at process
// boot so restarts never accumulate duplicate schedulers.
func (q *RedisQueue) Clear(ctx context.Context) error {
	keys, err := q.client.SMembers(ctx, q.keysKey).Result()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, q.specKey(key))
	}
	pipe.Del(ctx, q.keysKey, q.scheduledKey, q.readyKey, q.inflightKey, q.cleanupKey)
	_, err = pipe.Exec(ctx)
	return err
}

// Depth reports how many jobs are registered and how many are ready.
func (q *RedisQueue) Depth(ctx context.Context) (registered, ready int64, err error) {
	pipe := q.client.Pipeline()
	regCmd := pipe.SCard(ctx, q.keysKey)
	readyCmd := pipe.LLen(ctx, q.readyKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return regCmd.Val(), readyCmd.Val(), nil
}

var dequeueScript = redis.NewScript(`
local key = redis.call('LPOP', KEYS[1])
if key then
  redis.call('ZADD', KEYS[2], ARGV[1], key)
  return key
end
return nil
`)
