package worker

import (
	"context"
	"log/slog"
	"time"

	"cronwatch/internal/config"
	"cronwatch/internal/queue"
	"cronwatch/internal/telemetry"
)

// TenantJanitor removes every recurring job belonging to one tenant. The
// processor runs it when a cleanup task fires.
type TenantJanitor interface {
	CleanAllPreviousTasks(ctx context.Context, tenantID string) error
}

// Processor drives the worker execution loop: promote due jobs, reclaim
// expired leases, fire cleanup tasks, and run probes.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	prober   *Prober
	janitor  TenantJanitor
	workerID string
	logger   *slog.Logger
}

// NewProcessor creates a processor with a worker ID for log attribution.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, prober *Prober, janitor TenantJanitor, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		prober:   prober,
		janitor:  janitor,
		workerID: workerID,
		logger:   logger,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteDue(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.logger.Error("promote due jobs failed", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.logger.Error("requeue expired leases failed", "error", err)
		} else if len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		p.fireDueCleanups(ctx, now)

		if registered, ready, err := p.queue.Depth(ctx); err == nil {
			telemetry.SchedulerEntries.Set(float64(registered))
			telemetry.ReadyDepthGauge.Set(float64(ready))
		}

		key, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "error", err)
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if key == "" {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.runJob(ctx, key)
	}
}

// runJob executes one firing. A probe failure is data, never a job failure:
// the firing is always acknowledged, which re-arms the next occurrence. There
// is no retry and no dead-letter path for probes.
func (p *Processor) runJob(ctx context.Context, key string) {
	spec, ok, err := p.queue.GetRecurring(ctx, key)
	if err != nil {
		p.logger.Error("load job spec failed", "key", key, "error", err)
		_ = p.queue.Ack(ctx, key, time.Now())
		return
	}
	if !ok {
		// Removed while queued; drop the firing.
		_ = p.queue.Ack(ctx, key, time.Now())
		return
	}
	if err := spec.Validate(); err != nil {
		p.logger.Error("dropping malformed job spec", "key", key, "error", err)
		if _, err := p.queue.RemoveRecurring(ctx, key); err != nil {
			p.logger.Error("remove malformed job failed", "key", key, "error", err)
		}
		return
	}

	if err := p.prober.Execute(ctx, spec); err != nil {
		p.logger.Error("probe bookkeeping failed", "key", key, "worker", p.workerID, "error", err)
	}
	if err := p.queue.Ack(ctx, key, time.Now()); err != nil {
		p.logger.Error("ack failed", "key", key, "error", err)
	}
}

// fireDueCleanups pops expired entitlement cleanup tasks and purges the
// affected tenants' jobs. Firing against an already-clean tenant is a no-op.
func (p *Processor) fireDueCleanups(ctx context.Context, now time.Time) {
	tenants, err := p.queue.DueCleanups(ctx, now, 100)
	if err != nil {
		p.logger.Error("read due cleanups failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if err := p.janitor.CleanAllPreviousTasks(ctx, tenantID); err != nil {
			p.logger.Error("cleanup task failed", "tenant", tenantID, "error", err)
			continue
		}
		telemetry.CleanupFired.Inc()
		p.logger.Info("removed recurring jobs for expired tenant", "tenant", tenantID)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
