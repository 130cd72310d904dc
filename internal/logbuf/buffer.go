package logbuf

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cronwatch/internal/models"
)

const keyPrefix = "cronlogs:"

// Buffer is the fast per-tenant probe-log buffer: one Redis list per tenant,
// newest first, hard-capped so a hot domain cannot grow it without bound.
type Buffer struct {
	client *redis.Client
	cap    int64
}

// NewBuffer wraps a Redis client. cap bounds each tenant list; entries past
// the cap are silently evicted oldest-first.
func NewBuffer(client *redis.Client, cap int64) *Buffer {
	if cap <= 0 {
		cap = 100
	}
	return &Buffer{client: client, cap: cap}
}

func bufferKey(tenantID string) string {
	return keyPrefix + tenantID
}

// Push prepends a record to the tenant's buffer and trims to the cap.
func (b *Buffer) Push(ctx context.Context, rec models.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, bufferKey(rec.TenantID), data)
	pipe.LTrim(ctx, bufferKey(rec.TenantID), 0, b.cap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Read returns the tenant's buffered records, newest first.
func (b *Buffer) Read(ctx context.Context, tenantID string) ([]models.LogRecord, error) {
	return b.readKey(ctx, bufferKey(tenantID))
}

func (b *Buffer) readKey(ctx context.Context, key string) ([]models.LogRecord, error) {
	raw, err := b.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.LogRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.LogRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// A corrupt entry is diagnostic data, not worth failing the read.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Keys lists every non-empty tenant buffer key.
func (b *Buffer) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Drop deletes a buffer key after its contents were persisted.
func (b *Buffer) Drop(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Clear deletes every tenant buffer. Run at worker boot so stale entries from
// a previous process never reach durable storage twice.
func (b *Buffer) Clear(ctx context.Context) error {
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}
