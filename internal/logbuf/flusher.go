package logbuf

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cronwatch/internal/models"
	"cronwatch/internal/telemetry"
)

// LogSink persists drained buffer contents durably.
type LogSink interface {
	InsertLogRecords(ctx context.Context, records []models.LogRecord) error
}

// Flusher periodically drains every tenant buffer into the sink. The drain is
// not transactional across read+insert+delete: a crash mid-flush can
// duplicate a batch. Logs are diagnostic data, so that is accepted rather
// than paid for with a two-phase protocol.
type Flusher struct {
	buf         *Buffer
	sink        LogSink
	interval    time.Duration
	parallelism int
	logger      *slog.Logger
}

// NewFlusher builds a flusher. parallelism bounds how many tenant keys are
// drained concurrently so the sink is not overwhelmed.
func NewFlusher(buf *Buffer, sink LogSink, interval time.Duration, parallelism int, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{buf: buf, sink: sink, interval: interval, parallelism: parallelism, logger: logger}
}

// Run flushes on a fixed period until context cancellation.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := f.FlushOnce(ctx); err != nil {
				f.logger.Error("log flush failed", "error", err)
			} else if n > 0 {
				f.logger.Info("flushed buffered logs", "records", n)
			}
		}
	}
}

// FlushOnce drains all tenant buffers once and returns how many records were
// persisted.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	keys, err := f.buf.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var flushed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			records, err := f.buf.readKey(gctx, key)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return f.buf.Drop(gctx, key)
			}
			if err := f.sink.InsertLogRecords(gctx, records); err != nil {
				return err
			}
			if err := f.buf.Drop(gctx, key); err != nil {
				return err
			}
			atomic.AddInt64(&flushed, int64(len(records)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(atomic.LoadInt64(&flushed)), err
	}
	telemetry.FlushBatches.Inc()
	telemetry.FlushRecords.Add(float64(flushed))
	return int(flushed), nil
}
